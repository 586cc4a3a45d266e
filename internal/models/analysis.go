package models

// Decision is the upload verdict for a file.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

// AnalysisConfig controls how content is scored. Owned by the caller and
// treated as read-only by the analysis core.
type AnalysisConfig struct {
	EntropyThreshold float64  `json:"entropy_threshold" yaml:"entropy_threshold"`
	RiskThreshold    float64  `json:"risk_threshold" yaml:"risk_threshold"`
	MaxWords         int      `json:"max_words" yaml:"max_words"`
	BannedPhrases    []string `json:"banned_phrases" yaml:"banned_phrases"`
	Stopwords        []string `json:"stopwords" yaml:"stopwords"`
	PIIDetectors     []string `json:"pii_detectors" yaml:"pii_detectors"`
}

// Merge returns a copy of c with every zero or nil field taken from defaults.
func (c AnalysisConfig) Merge(defaults AnalysisConfig) AnalysisConfig {
	out := c
	if out.EntropyThreshold <= 0 {
		out.EntropyThreshold = defaults.EntropyThreshold
	}
	if out.RiskThreshold <= 0 {
		out.RiskThreshold = defaults.RiskThreshold
	}
	if out.MaxWords <= 0 {
		out.MaxWords = defaults.MaxWords
	}
	if out.BannedPhrases == nil {
		out.BannedPhrases = append([]string(nil), defaults.BannedPhrases...)
	}
	if out.Stopwords == nil {
		out.Stopwords = append([]string(nil), defaults.Stopwords...)
	}
	if out.PIIDetectors == nil {
		out.PIIDetectors = append([]string(nil), defaults.PIIDetectors...)
	}
	return out
}

// WordCount is a (word, count) pair reported in TopWords.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// BannedPhraseMatch describes a configured phrase found in the content.
type BannedPhraseMatch struct {
	Phrase      string `json:"phrase"`
	Occurrences int    `json:"occurrences"`
	Position    int    `json:"position"`
	Context     string `json:"context,omitempty"`
	Severity    string `json:"severity"`
}

// PIIMatch is a single PII-shaped substring.
type PIIMatch struct {
	Type       string  `json:"type"`
	Pattern    string  `json:"pattern"`
	Position   int     `json:"position"`
	Confidence float64 `json:"confidence"`
}

// AnalysisResult is the output of finalize and of the single-pass shortcut.
type AnalysisResult struct {
	RiskScore     float64             `json:"risk_score"`
	Decision      Decision            `json:"decision"`
	Reasons       []string            `json:"reasons"`
	Entropy       float64             `json:"entropy"`
	IsObfuscated  bool                `json:"is_obfuscated"`
	TopWords      []WordCount         `json:"top_words"`
	BannedPhrases []BannedPhraseMatch `json:"banned_phrases"`
	PIIPatterns   []PIIMatch          `json:"pii_patterns"`
	PIICount      int                 `json:"pii_count"`
	Stats         ProcessingStats     `json:"stats"`
	FallbackUsed  bool                `json:"fallback_used"`
}
