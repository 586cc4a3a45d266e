// Package config provides YAML configuration management for the analysis server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uploadguard/backend/internal/analysis"
	"github.com/uploadguard/backend/internal/models"
	"github.com/uploadguard/backend/internal/recovery"
	"github.com/uploadguard/backend/internal/streaming"
)

// AppConfig is the root configuration document.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Streaming StreamingConfig `yaml:"streaming"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int      `yaml:"port"`
	BindAddress  string   `yaml:"bind_address"`
	EnableCORS   bool     `yaml:"enable_cors"`
	AllowOrigins []string `yaml:"allow_origins"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
	BodyLimit    string   `yaml:"body_limit"`
}

// AnalysisConfig holds the default analysis settings plus custom detectors.
type AnalysisConfig struct {
	models.AnalysisConfig `yaml:",inline"`
	CustomDetectors       []analysis.CustomDetector `yaml:"custom_detectors,omitempty"`
}

// StreamingConfig bounds streaming operations.
type StreamingConfig struct {
	ChunkSize        int64    `yaml:"chunk_size"`
	MaxFileSize      int64    `yaml:"max_file_size"`
	OperationTimeout Duration `yaml:"operation_timeout"`
	StaleAfter       Duration `yaml:"stale_after"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	PauseAfterChunks int      `yaml:"pause_after_chunks"`
	ResumeAfter      Duration `yaml:"resume_after"`
	MaxQueueSize     int      `yaml:"max_queue_size"`
	ProcessingRate   int      `yaml:"processing_rate"`
}

// RecoveryConfig tunes retry behaviour and the error log.
type RecoveryConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
	LogCapacity int      `yaml:"log_capacity"`
}

// StorageConfig contains verdict storage settings
type StorageConfig struct {
	DataDirectory string `yaml:"data_directory"`
	VerdictDB     bool   `yaml:"verdict_db"`
	VerdictDBFile string `yaml:"verdict_db_file"`
}

// LoggingConfig selects level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	limits := streaming.DefaultLimits()
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: []string{"*"},
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{30 * time.Second},
			IdleTimeout:  Duration{120 * time.Second},
			BodyLimit:    "8M",
		},
		Analysis: AnalysisConfig{AnalysisConfig: analysis.DefaultConfig()},
		Streaming: StreamingConfig{
			ChunkSize:        limits.ChunkSize,
			MaxFileSize:      limits.MaxFileSize,
			OperationTimeout: Duration{limits.OperationTimeout},
			StaleAfter:       Duration{limits.StaleAfter},
			SweepInterval:    Duration{limits.SweepInterval},
			PauseAfterChunks: limits.PauseAfterChunks,
			ResumeAfter:      Duration{limits.ResumeAfter},
			MaxQueueSize:     limits.MaxQueueSize,
			ProcessingRate:   limits.ProcessingRate,
		},
		Recovery: RecoveryConfig{
			BaseDelay:   Duration{recovery.DefaultBaseDelay},
			MaxAttempts: recovery.DefaultMaxAttempts,
			LogCapacity: recovery.DefaultLogCapacity,
		},
		Storage: StorageConfig{
			DataDirectory: "./data",
			VerdictDB:     true,
			VerdictDBFile: "verdicts.duckdb",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "uploadguard"},
	}
}

// LoadConfig loads configuration from a YAML file. A missing file is
// created with the defaults.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadAnalysis reads only the analysis section. The watcher uses it to
// refresh defaults without touching the rest of the running config.
func LoadAnalysis(configPath string) (AnalysisConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return AnalysisConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var doc struct {
		Analysis AnalysisConfig `yaml:"analysis"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return AnalysisConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	doc.Analysis.AnalysisConfig = doc.Analysis.AnalysisConfig.Merge(analysis.DefaultConfig())
	if err := doc.Analysis.validate(); err != nil {
		return AnalysisConfig{}, err
	}
	return doc.Analysis, nil
}

// Save writes the configuration as YAML.
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# uploadguard configuration\n# This file is auto-generated on first run\n\n")
	content := append(header, output...)

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, content, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
}

// Validate rejects settings the server cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Streaming.ChunkSize < 0 || c.Streaming.MaxFileSize < 0 {
		errs = append(errs, errors.New("streaming sizes must not be negative"))
	}
	if c.Streaming.ChunkSize > 0 && c.Streaming.MaxFileSize > 0 && c.Streaming.ChunkSize > c.Streaming.MaxFileSize {
		errs = append(errs, errors.New("streaming.chunk_size exceeds streaming.max_file_size"))
	}
	if c.Recovery.MaxAttempts < 0 || c.Recovery.MaxAttempts > recovery.DefaultMaxAttempts {
		errs = append(errs, fmt.Errorf("recovery.max_attempts %d must be within [1,%d]", c.Recovery.MaxAttempts, recovery.DefaultMaxAttempts))
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	if err := c.Analysis.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (a AnalysisConfig) validate() error {
	if a.RiskThreshold < 0 || a.RiskThreshold > 1 {
		return fmt.Errorf("analysis.risk_threshold %.2f must be within [0,1]", a.RiskThreshold)
	}
	if a.EntropyThreshold < 0 {
		return fmt.Errorf("analysis.entropy_threshold %.2f must not be negative", a.EntropyThreshold)
	}
	seen := make(map[string]struct{}, len(a.CustomDetectors))
	for _, d := range a.CustomDetectors {
		if d.Name == "" {
			return errors.New("analysis.custom_detectors: name is required")
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("analysis.custom_detectors: duplicate name %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// EngineOptions converts the analysis section into engine options.
func (a AnalysisConfig) EngineOptions() analysis.EngineOptions {
	return analysis.EngineOptions{
		Defaults: a.AnalysisConfig,
		Custom:   append([]analysis.CustomDetector(nil), a.CustomDetectors...),
	}
}

// Limits converts the streaming section into manager limits. Zero values
// fall back to the built-in limits inside the manager.
func (s StreamingConfig) Limits() streaming.Limits {
	return streaming.Limits{
		ChunkSize:        s.ChunkSize,
		MaxFileSize:      s.MaxFileSize,
		OperationTimeout: s.OperationTimeout.Duration,
		StaleAfter:       s.StaleAfter.Duration,
		SweepInterval:    s.SweepInterval.Duration,
		PauseAfterChunks: s.PauseAfterChunks,
		ResumeAfter:      s.ResumeAfter.Duration,
		MaxQueueSize:     s.MaxQueueSize,
		ProcessingRate:   s.ProcessingRate,
	}
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// VerdictDBPath returns the DuckDB file path, or "" when the store is disabled.
func (c *AppConfig) VerdictDBPath() string {
	if !c.Storage.VerdictDB {
		return ""
	}
	if filepath.IsAbs(c.Storage.VerdictDBFile) {
		return c.Storage.VerdictDBFile
	}
	return filepath.Join(c.Storage.DataDirectory, c.Storage.VerdictDBFile)
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDirectory, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Storage.DataDirectory, err)
	}
	return nil
}

// Duration wraps time.Duration for YAML string parsing (e.g. "30s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}
