package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/uploadguard/backend/internal/models"
)

// Reason strings used in AnalysisResult.Reasons.
const (
	SafeReason        = "No security concerns detected"
	HighEntropyReason = "High entropy content detected (possible obfuscation)"
)

// normRune lowercases r and reports whether it survives normalization.
func normRune(r rune) (rune, bool) {
	l := unicode.ToLower(r)
	if unicode.IsLetter(l) || unicode.IsDigit(l) {
		return l, true
	}
	return 0, false
}

// Normalize lowercases text and strips every rune that is not a letter or
// a digit. Only entropy is computed over normalized text.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if n, ok := normRune(r); ok {
			b.WriteRune(n)
		}
	}
	return b.String()
}

func foldCase(s string) string {
	folded, _ := foldCaseOffsets(s)
	return folded
}

// foldCaseOffsets lowercases s rune by rune. The lowercase form may be
// narrower or wider than the original (K U+212A folds to one byte), so
// offsets[i] gives the byte offset in s of the rune that produced folded
// byte i. offsets has one extra entry equal to len(s).
func foldCaseOffsets(s string) (string, []int) {
	b := make([]byte, 0, len(s))
	offsets := make([]int, 0, len(s)+1)
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			b = append(b, c)
			offsets = append(offsets, i)
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b = append(b, c)
			offsets = append(offsets, i)
			i++
			continue
		}
		n := len(b)
		b = utf8.AppendRune(b, unicode.ToLower(r))
		for ; n < len(b); n++ {
			offsets = append(offsets, i)
		}
		i += size
	}
	return string(b), append(offsets, len(s))
}

func countRunes(text string) (map[rune]int, int) {
	counts := make(map[rune]int)
	total := 0
	for _, r := range text {
		if n, ok := normRune(r); ok {
			counts[n]++
			total++
		}
	}
	return counts, total
}

// entropyOf sums in rune order so equal tables always give equal results.
func entropyOf(counts map[rune]int, total int) float64 {
	if total == 0 {
		return 0
	}
	keys := make([]rune, 0, len(counts))
	for r := range counts {
		keys = append(keys, r)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	n := float64(total)
	h := 0.0
	for _, r := range keys {
		p := float64(counts[r]) / n
		h -= p * math.Log2(p)
	}
	return h
}

// Entropy returns the Shannon entropy in bits per character of
// Normalize(text). Empty input has entropy 0.
func Entropy(text string) float64 {
	counts, total := countRunes(text)
	return entropyOf(counts, total)
}

// BannedPhraseHits returns the configured phrases that occur in text,
// compared case-insensitively, in list order.
func BannedPhraseHits(text string, phrases []string) []string {
	s := newPhraseScanner(normalizePhrases(phrases))
	s.apply(s.scan(text, 0))
	hits := make([]string, 0)
	for i, st := range s.states {
		if st.occurrences > 0 {
			hits = append(hits, s.phrases[i])
		}
	}
	return hits
}

// WordStats returns the number of distinct tokens in text and the most
// frequent tokens longer than three characters that are not stopwords.
func WordStats(text string, stopwords []string, maxWords int) (int, []models.WordCount) {
	var w wordTable
	w.apply(w.scan(text))
	return w.unique(), w.top(stopwordSet(stopwords), maxWords)
}

// RiskScore combines the three signals into a score in [0,1].
func RiskScore(bannedHit, piiHit bool, entropy, entropyThreshold float64) float64 {
	score := 0.0
	if bannedHit {
		score += 0.4
	}
	if piiHit {
		score += 0.3
	}
	if entropyThreshold > 0 {
		score += 0.3 * math.Min(entropy/entropyThreshold, 1)
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Decide blocks when riskScore reaches the threshold.
func Decide(riskScore, riskThreshold float64) models.Decision {
	if riskScore >= riskThreshold {
		return models.DecisionBlock
	}
	return models.DecisionAllow
}

// Reasons explains a result. The order is banned phrases, PII, entropy.
func Reasons(bannedCount, piiCount int, entropy, entropyThreshold float64) []string {
	var out []string
	if bannedCount > 0 {
		out = append(out, fmt.Sprintf("Found %d banned phrase(s)", bannedCount))
	}
	if piiCount > 0 {
		out = append(out, fmt.Sprintf("Detected %d PII pattern(s)", piiCount))
	}
	if entropy > entropyThreshold {
		out = append(out, HighEntropyReason)
	}
	if len(out) == 0 {
		out = append(out, SafeReason)
	}
	return out
}

// normalizePhrases trims, folds, dedupes and drops empty phrases.
func normalizePhrases(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, p := range list {
		p = foldCase(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func stopwordSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, w := range list {
		if n := Normalize(w); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}
