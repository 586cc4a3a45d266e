package analysis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Built-in detector names.
const (
	DetectorNumeric    = "numeric"
	DetectorSSN        = "ssn"
	DetectorCreditCard = "credit_card"
	DetectorPhone      = "phone"
	DetectorEmail      = "email"
	DetectorIPAddress  = "ip_address"
)

// Detector is a named PII pattern. score validates a match and returns its
// confidence; a false result drops the match.
type Detector struct {
	Name  string
	re    *regexp.Regexp
	score func(match string) (float64, bool)
}

// CustomDetector declares an extra regex detector in configuration.
type CustomDetector struct {
	Name       string  `yaml:"name" json:"name"`
	Pattern    string  `yaml:"pattern" json:"pattern"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

func fixed(conf float64) func(string) (float64, bool) {
	return func(string) (float64, bool) { return conf, true }
}

func builtinDetectors() map[string]*Detector {
	return map[string]*Detector{
		DetectorNumeric: {
			Name:  DetectorNumeric,
			re:    regexp.MustCompile(`\b\d{9,12}\b`),
			score: fixed(0.8),
		},
		DetectorSSN: {
			Name:  DetectorSSN,
			re:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			score: fixed(0.95),
		},
		DetectorCreditCard: {
			Name: DetectorCreditCard,
			re:   regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`),
			score: func(m string) (float64, bool) {
				if luhnValid(m) {
					return 0.95, true
				}
				return 0.7, true
			},
		},
		DetectorPhone: {
			Name: DetectorPhone,
			re:   regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
			score: func(m string) (float64, bool) {
				if strings.ContainsAny(m, "-.") {
					return 0.9, true
				}
				return 0.8, true
			},
		},
		DetectorEmail: {
			Name:  DetectorEmail,
			re:    regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			score: fixed(0.85),
		},
		DetectorIPAddress: {
			Name: DetectorIPAddress,
			re:   regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`),
			score: func(m string) (float64, bool) {
				for _, part := range strings.Split(m, ".") {
					n, err := strconv.Atoi(part)
					if err != nil || n > 255 {
						return 0, false
					}
				}
				return 0.9, true
			},
		},
	}
}

func compileCustom(c CustomDetector) (*Detector, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("custom detector: name is required")
	}
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return nil, fmt.Errorf("custom detector %q: %w", c.Name, err)
	}
	conf := c.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.5
	}
	return &Detector{Name: c.Name, re: re, score: fixed(conf)}, nil
}

func luhnValid(s string) bool {
	sum, n := 0, 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n > 0 && sum%10 == 0
}
