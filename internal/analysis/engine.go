package analysis

import (
	"errors"
	"fmt"

	"github.com/uploadguard/backend/internal/models"
)

// ErrModuleLoad marks a failure to build the analysis engine.
var ErrModuleLoad = errors.New("analysis module load failed")

// DefaultStopwords are excluded from top words.
var DefaultStopwords = []string{
	"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for", "of", "with",
	"by", "is", "are", "was", "were", "be", "been", "have", "has", "had", "do", "does",
	"did", "will", "would", "could", "should", "may", "might", "can", "this", "that",
	"these", "those", "i", "you", "he", "she", "it", "we", "they", "me", "him", "her",
	"us", "them", "my", "your", "his", "its", "our", "their", "mine", "yours",
	"hers", "ours", "theirs",
}

// DefaultConfig returns the built-in analysis configuration.
func DefaultConfig() models.AnalysisConfig {
	return models.AnalysisConfig{
		EntropyThreshold: 4.8,
		RiskThreshold:    0.6,
		MaxWords:         10,
		BannedPhrases:    []string{"confidential", "do not share"},
		Stopwords:        append([]string(nil), DefaultStopwords...),
		PIIDetectors:     []string{DetectorNumeric},
	}
}

// EngineOptions configure LoadEngine.
type EngineOptions struct {
	Defaults models.AnalysisConfig
	Custom   []CustomDetector
}

// Engine is the loaded analysis module: a compiled detector registry plus
// the defaults applied to caller configuration.
type Engine struct {
	defaults models.AnalysisConfig
	registry map[string]*Detector
	degraded bool
}

// LoadEngine compiles the detector registry. Errors wrap ErrModuleLoad.
func LoadEngine(opts EngineOptions) (*Engine, error) {
	registry := builtinDetectors()
	for _, c := range opts.Custom {
		if _, exists := registry[c.Name]; exists {
			return nil, fmt.Errorf("%w: detector %q already defined", ErrModuleLoad, c.Name)
		}
		d, err := compileCustom(c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModuleLoad, err)
		}
		registry[c.Name] = d
	}
	return &Engine{
		defaults: opts.Defaults.Merge(DefaultConfig()),
		registry: registry,
	}, nil
}

// FallbackEngine returns the degraded engine used when the configured one
// cannot be loaded: built-in detectors and built-in defaults only.
func FallbackEngine() *Engine {
	return &Engine{
		defaults: DefaultConfig(),
		registry: builtinDetectors(),
		degraded: true,
	}
}

// Degraded reports whether this is the fallback engine.
func (e *Engine) Degraded() bool { return e.degraded }

// Defaults returns a copy of the engine defaults.
func (e *Engine) Defaults() models.AnalysisConfig {
	return e.defaults.Merge(DefaultConfig())
}

// WithDefaults returns an engine sharing the registry with new defaults.
func (e *Engine) WithDefaults(cfg models.AnalysisConfig) *Engine {
	return &Engine{
		defaults: cfg.Merge(DefaultConfig()),
		registry: e.registry,
		degraded: e.degraded,
	}
}

// Profile is an engine bound to one merged configuration.
type Profile struct {
	Config    models.AnalysisConfig
	Skipped   []string
	phrases   []string
	stopwords map[string]struct{}
	detectors []*Detector
}

// Profile merges cfg over the engine defaults and resolves detectors.
// Unknown detector names are listed in Skipped.
func (e *Engine) Profile(cfg *models.AnalysisConfig) *Profile {
	merged := e.defaults
	if cfg != nil {
		merged = cfg.Merge(e.defaults)
	}
	p := &Profile{
		Config:    merged,
		phrases:   normalizePhrases(merged.BannedPhrases),
		stopwords: stopwordSet(merged.Stopwords),
	}
	seen := make(map[string]struct{})
	for _, name := range merged.PIIDetectors {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		d, ok := e.registry[name]
		if !ok {
			p.Skipped = append(p.Skipped, name)
			continue
		}
		p.detectors = append(p.detectors, d)
	}
	return p
}

// Analyze runs a single pass over content.
func (e *Engine) Analyze(content string, cfg *models.AnalysisConfig) models.AnalysisResult {
	acc := NewAccumulator(e.Profile(cfg))
	acc.Write(content)
	res := acc.Result()
	res.FallbackUsed = e.degraded
	return res
}
