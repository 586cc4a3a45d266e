package analysis

import (
	"bytes"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/uploadguard/backend/internal/models"
)

const (
	// maxTokenBytes caps how much of a single token is kept for counting.
	maxTokenBytes = 256
	// segmentLimit is the longest line PII detectors see in one pass.
	segmentLimit = 64 << 10
	// maxReportedPII bounds the matches kept for display. All are counted.
	maxReportedPII = 100
)

// wordTable counts normalized whitespace-delimited tokens. The trailing
// token stays pending until whitespace closes it.
type wordTable struct {
	counts  map[string]int
	pending []byte
}

type wordDelta struct {
	done    map[string]int
	pending []byte
}

func (w *wordTable) scan(text string) wordDelta {
	d := wordDelta{done: make(map[string]int)}
	cur := append([]byte(nil), w.pending...)
	for _, r := range text {
		if unicode.IsSpace(r) {
			if len(cur) > 0 {
				d.done[string(cur)]++
				cur = cur[:0]
			}
			continue
		}
		if len(cur) >= maxTokenBytes {
			continue
		}
		if n, ok := normRune(r); ok {
			cur = utf8.AppendRune(cur, n)
		}
	}
	d.pending = cur
	return d
}

func (w *wordTable) apply(d wordDelta) {
	if w.counts == nil {
		w.counts = make(map[string]int, len(d.done))
	}
	for word, n := range d.done {
		w.counts[word] += n
	}
	w.pending = d.pending
}

func (w *wordTable) unique() int {
	n := len(w.counts)
	if len(w.pending) > 0 {
		if _, ok := w.counts[string(w.pending)]; !ok {
			n++
		}
	}
	return n
}

func (w *wordTable) top(stop map[string]struct{}, max int) []models.WordCount {
	out := make([]models.WordCount, 0, max)
	if max <= 0 {
		return out
	}
	pending := string(w.pending)
	keep := func(word string) bool {
		if utf8.RuneCountInString(word) <= 3 {
			return false
		}
		_, skip := stop[word]
		return !skip
	}

	all := make([]models.WordCount, 0, len(w.counts)+1)
	for word, n := range w.counts {
		if word == pending {
			n++
		}
		if keep(word) {
			all = append(all, models.WordCount{Word: word, Count: n})
		}
	}
	if pending != "" && keep(pending) {
		if _, ok := w.counts[pending]; !ok {
			all = append(all, models.WordCount{Word: pending, Count: 1})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Word < all[j].Word
	})
	if len(all) > max {
		all = all[:max]
	}
	return append(out, all...)
}

// phraseScanner finds non-overlapping occurrences of folded phrases in a
// stream. Matching runs over folded text; positions are mapped back to
// byte offsets in the original content. It keeps the last maxLen-1 folded
// bytes so a phrase split across two writes is still found.
type phraseScanner struct {
	phrases []string
	states  []phraseState
	tail    string
	tailOff []int
	folded  int
	maxLen  int
}

type phraseState struct {
	occurrences int
	first       int
	firstLen    int
	nextFrom    int
}

type phraseDelta struct {
	states  []phraseState
	tail    string
	tailOff []int
	folded  int
}

func newPhraseScanner(phrases []string) phraseScanner {
	s := phraseScanner{phrases: phrases, states: make([]phraseState, len(phrases))}
	for _, p := range phrases {
		if len(p) > s.maxLen {
			s.maxLen = len(p)
		}
	}
	return s
}

// scan searches text that starts at absolute offset base in the content.
// nextFrom is tracked in folded coordinates.
func (s *phraseScanner) scan(text string, base int) phraseDelta {
	folded, offsets := foldCaseOffsets(text)
	window := s.tail + folded
	start := s.folded - len(s.tail)

	// orig[i] is the content offset of window byte i; orig[len(window)]
	// is the end of text.
	orig := make([]int, 0, len(window)+1)
	orig = append(orig, s.tailOff...)
	for _, o := range offsets {
		orig = append(orig, base+o)
	}

	states := append([]phraseState(nil), s.states...)
	for i, p := range s.phrases {
		st := &states[i]
		from := st.nextFrom - start
		if from < 0 {
			from = 0
		}
		for from+len(p) <= len(window) {
			j := strings.Index(window[from:], p)
			if j < 0 {
				break
			}
			at := from + j
			if st.occurrences == 0 {
				st.first = orig[at]
				st.firstLen = orig[at+len(p)] - orig[at]
			}
			st.occurrences++
			st.nextFrom = start + at + len(p)
			from = at + len(p)
		}
	}

	d := phraseDelta{states: states, folded: s.folded + len(folded)}
	if keep := s.maxLen - 1; keep > 0 {
		cut := 0
		if len(window) > keep {
			cut = len(window) - keep
		}
		d.tail = strings.Clone(window[cut:])
		d.tailOff = append([]int(nil), orig[cut:len(window)]...)
	}
	return d
}

func (s *phraseScanner) apply(d phraseDelta) {
	s.states = d.states
	s.tail = d.tail
	s.tailOff = d.tailOff
	s.folded = d.folded
}

func (s *phraseScanner) matched() int {
	n := 0
	for _, st := range s.states {
		if st.occurrences > 0 {
			n++
		}
	}
	return n
}

// matches reports hits with context taken from the original content.
func (s *phraseScanner) matches(content []byte) []models.BannedPhraseMatch {
	out := make([]models.BannedPhraseMatch, 0)
	for i, st := range s.states {
		if st.occurrences == 0 {
			continue
		}
		out = append(out, models.BannedPhraseMatch{
			Phrase:      s.phrases[i],
			Occurrences: st.occurrences,
			Position:    st.first,
			Context:     contextAround(content, st.first, st.firstLen),
			Severity:    "high",
		})
	}
	return out
}

const contextRadius = 20

func contextAround(content []byte, pos, n int) string {
	lo := pos - contextRadius
	if lo < 0 {
		lo = 0
	}
	hi := pos + n + contextRadius
	if hi > len(content) {
		hi = len(content)
	}
	for lo < pos && !utf8.RuneStart(content[lo]) {
		lo++
	}
	for hi < len(content) && hi > pos+n && !utf8.RuneStart(content[hi]) {
		hi--
	}
	return strings.TrimSpace(string(content[lo:hi]))
}

// piiScanner runs detectors over closed line segments and keeps the open
// segment for the next write.
type piiScanner struct {
	detectors    []*Detector
	found        []models.PIIMatch
	count        int
	pending      []byte
	pendingBase  int
	pendingCount int
}

type piiDelta struct {
	found        []models.PIIMatch
	count        int
	pending      []byte
	pendingBase  int
	pendingCount int
}

func (p *piiScanner) scan(text string) piiDelta {
	buf := make([]byte, 0, len(p.pending)+len(text))
	buf = append(buf, p.pending...)
	buf = append(buf, text...)
	base := p.pendingBase

	var d piiDelta
	for {
		cut := segmentCut(buf)
		if cut == 0 {
			break
		}
		n, found := p.match(buf[:cut], base, maxReportedPII-len(p.found)-len(d.found))
		d.count += n
		d.found = append(d.found, found...)
		buf = buf[cut:]
		base += cut
	}
	d.pending = append([]byte(nil), buf...)
	d.pendingBase = base
	d.pendingCount, _ = p.match(d.pending, base, 0)
	return d
}

func (p *piiScanner) apply(d piiDelta) {
	p.found = append(p.found, d.found...)
	p.count += d.count
	p.pending = d.pending
	p.pendingBase = d.pendingBase
	p.pendingCount = d.pendingCount
}

func (p *piiScanner) total() int {
	return p.count + p.pendingCount
}

// matches returns retained matches including those in the open segment.
func (p *piiScanner) matches() []models.PIIMatch {
	out := make([]models.PIIMatch, 0, len(p.found))
	out = append(out, p.found...)
	_, open := p.match(p.pending, p.pendingBase, maxReportedPII-len(out))
	return append(out, open...)
}

func (p *piiScanner) match(seg []byte, base, room int) (int, []models.PIIMatch) {
	count := 0
	var out []models.PIIMatch
	for _, d := range p.detectors {
		for _, loc := range d.re.FindAllIndex(seg, -1) {
			text := string(seg[loc[0]:loc[1]])
			conf, ok := d.score(text)
			if !ok {
				continue
			}
			count++
			if len(out) < room {
				out = append(out, models.PIIMatch{
					Type:       d.Name,
					Pattern:    text,
					Position:   base + loc[0],
					Confidence: conf,
				})
			}
		}
	}
	return count, out
}

// segmentCut returns the length of the first closed segment of buf, or 0
// if buf does not hold one yet. A segment ends after a newline. A line
// longer than segmentLimit is cut at the last point within the limit that
// no built-in detector can match across: after whitespace that does not sit
// between two digits, else between two bytes that are not both word
// characters. A window that is a single token is cut at a rune start.
// Only buf[:segmentLimit+1] is inspected, so the cut does not depend on
// how much input follows.
func segmentCut(buf []byte) int {
	window := buf
	if len(window) > segmentLimit {
		window = window[:segmentLimit]
	}
	if i := bytes.IndexByte(window, '\n'); i >= 0 {
		return i + 1
	}
	if len(buf) <= segmentLimit {
		return 0
	}

	for cut := segmentLimit; cut > 0; cut-- {
		if !isBlank(buf[cut-1]) || !utf8.RuneStart(buf[cut]) {
			continue
		}
		if cut >= 2 && isDigit(buf[cut-2]) && isDigit(buf[cut]) {
			continue
		}
		return cut
	}
	for cut := segmentLimit; cut > 0; cut-- {
		if utf8.RuneStart(buf[cut]) && !(isWordByte(buf[cut-1]) && isWordByte(buf[cut])) {
			return cut
		}
	}

	cut := segmentLimit
	for cut > 0 && !utf8.RuneStart(buf[cut]) {
		cut--
	}
	if cut == 0 {
		cut = segmentLimit
	}
	return cut
}

func isBlank(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\v' || b == '\f'
}

func isDigit(b byte) bool { return '0' <= b && b <= '9' }

// isWordByte matches the ASCII word class used by \b.
func isWordByte(b byte) bool {
	return isDigit(b) || b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
