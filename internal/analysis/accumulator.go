package analysis

import (
	"unicode/utf8"

	"github.com/uploadguard/backend/internal/models"
)

// Accumulator analyzes content delivered in pieces. Its Result equals a
// single-pass analysis of the concatenated input regardless of where the
// pieces were split.
//
// Writes happen in two steps: Stage computes the effect of a chunk without
// touching the accumulator and Commit applies it. A caller can therefore
// abandon a chunk after staging it.
type Accumulator struct {
	profile   *Profile
	content   []byte
	carry     []byte
	processed int
	chunks    int
	runes     map[rune]int
	runeTotal int
	words     wordTable
	phrases   phraseScanner
	pii       piiScanner
}

// Staged is the pending effect of one chunk.
type Staged struct {
	chunk     string
	carry     []byte
	text      int
	runes     map[rune]int
	runeTotal int
	words     wordDelta
	phrases   phraseDelta
	pii       piiDelta
}

// Counts are the running totals kept in ProcessingStats.
type Counts struct {
	UniqueWords   int
	BannedPhrases int
	PIIPatterns   int
}

// NewAccumulator returns an empty accumulator for p.
func NewAccumulator(p *Profile) *Accumulator {
	return &Accumulator{
		profile: p,
		runes:   make(map[rune]int),
		phrases: newPhraseScanner(p.phrases),
		pii:     piiScanner{detectors: p.detectors},
	}
}

// Profile returns the profile the accumulator was built with.
func (a *Accumulator) Profile() *Profile { return a.profile }

// Stage computes the effect of chunk. An incomplete UTF-8 sequence at the
// end of the chunk is held back until the next one.
func (a *Accumulator) Stage(chunk string) *Staged {
	buf := make([]byte, 0, len(a.carry)+len(chunk))
	buf = append(buf, a.carry...)
	buf = append(buf, chunk...)
	cut := completePrefix(buf)
	text := string(buf[:cut])

	runes, total := countRunes(text)
	return &Staged{
		chunk:     chunk,
		carry:     append([]byte(nil), buf[cut:]...),
		text:      len(text),
		runes:     runes,
		runeTotal: total,
		words:     a.words.scan(text),
		phrases:   a.phrases.scan(text, a.processed),
		pii:       a.pii.scan(text),
	}
}

// Commit applies a staged chunk. Chunks must be committed in the order
// they were staged, one at a time.
func (a *Accumulator) Commit(s *Staged) {
	a.content = append(a.content, s.chunk...)
	a.carry = s.carry
	a.processed += s.text
	a.chunks++
	for r, n := range s.runes {
		a.runes[r] += n
	}
	a.runeTotal += s.runeTotal
	a.words.apply(s.words)
	a.phrases.apply(s.phrases)
	a.pii.apply(s.pii)
}

// Write stages and commits chunk.
func (a *Accumulator) Write(chunk string) {
	a.Commit(a.Stage(chunk))
}

// Content returns everything written so far.
func (a *Accumulator) Content() string { return string(a.content) }

// Len returns the number of bytes written so far.
func (a *Accumulator) Len() int { return len(a.content) }

// Chunks returns the number of committed chunks.
func (a *Accumulator) Chunks() int { return a.chunks }

// Counts returns the running totals.
func (a *Accumulator) Counts() Counts {
	return Counts{
		UniqueWords:   a.words.unique(),
		BannedPhrases: a.phrases.matched(),
		PIIPatterns:   a.pii.total(),
	}
}

// Stats returns running stats. ProcessingTimeMs is left to the caller.
func (a *Accumulator) Stats() models.ProcessingStats {
	c := a.Counts()
	return models.ProcessingStats{
		TotalChunks:        a.chunks,
		TotalContentLength: int64(len(a.content)),
		UniqueWordCount:    c.UniqueWords,
		BannedPhraseCount:  c.BannedPhrases,
		PIIPatternCount:    c.PIIPatterns,
	}
}

// Result builds the analysis result. It does not modify the accumulator.
func (a *Accumulator) Result() models.AnalysisResult {
	cfg := a.profile.Config
	entropy := entropyOf(a.runes, a.runeTotal)
	banned := a.phrases.matches(a.content)
	piiCount := a.pii.total()
	score := RiskScore(len(banned) > 0, piiCount > 0, entropy, cfg.EntropyThreshold)

	return models.AnalysisResult{
		RiskScore:     score,
		Decision:      Decide(score, cfg.RiskThreshold),
		Reasons:       Reasons(len(banned), piiCount, entropy, cfg.EntropyThreshold),
		Entropy:       entropy,
		IsObfuscated:  entropy > cfg.EntropyThreshold,
		TopWords:      a.words.top(a.profile.stopwords, cfg.MaxWords),
		BannedPhrases: banned,
		PIIPatterns:   a.pii.matches(),
		PIICount:      piiCount,
		Stats:         a.Stats(),
	}
}

// completePrefix returns the length of buf without a trailing incomplete
// UTF-8 sequence.
func completePrefix(buf []byte) int {
	stop := len(buf) - (utf8.UTFMax - 1)
	if stop < 0 {
		stop = 0
	}
	for i := len(buf) - 1; i >= stop; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				return i
			}
			break
		}
	}
	return len(buf)
}
