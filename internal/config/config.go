package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"jordanella.com/screen-vision/internal/cv"
	"jordanella.com/screen-vision/internal/logging"
	"jordanella.com/screen-vision/internal/stream"
)

// DefaultPath is the config file looked up when none is given
const DefaultPath = "screenvision.yaml"

// Config is the full pipeline configuration
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Stream    StreamConfig    `yaml:"stream"`
	Matching  MatchingConfig  `yaml:"matching"`
	Templates TemplatesConfig `yaml:"templates"`
	Logging   LoggingConfig   `yaml:"logging"`
	Journal   JournalConfig   `yaml:"journal"`
}

// DeviceConfig selects the adb binary and target device
type DeviceConfig struct {
	ADBPath string `yaml:"adb_path"`
	Serial  string `yaml:"serial"` // empty picks the only online device
}

// StreamConfig tunes the continuous capture stream
type StreamConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Format         string        `yaml:"format"` // auto, elementary or framed
	SlotCapacity   int           `yaml:"slot_capacity"`
	MaxFailures    int           `yaml:"max_failures"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	BackoffJitter  float64       `yaml:"backoff_jitter"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	TimeLimit      time.Duration `yaml:"time_limit"`
	AccumulatorCap int           `yaml:"accumulator_cap"` // 0 uses the format default
	FFmpegPath     string        `yaml:"ffmpeg_path"`
}

// MatchingConfig tunes the template matcher and polling helpers
type MatchingConfig struct {
	Confidence         cv.ConfidenceValue `yaml:"confidence"`
	MinDistance        int                `yaml:"min_distance"`
	WorstCutoff        float64            `yaml:"worst_cutoff"`
	Backend            string             `yaml:"backend"`
	PollInterval       time.Duration      `yaml:"poll_interval"`
	FrameCacheDuration time.Duration      `yaml:"frame_cache_duration"`
	ChangeDistance     int                `yaml:"change_distance"`
}

// TemplatesConfig locates template definitions and images
type TemplatesConfig struct {
	Dir             string `yaml:"dir"`
	Registry        string `yaml:"registry"` // file or directory of YAML definitions
	CacheMaxEntries int    `yaml:"cache_max_entries"`
	Watch           bool   `yaml:"watch"` // reload definitions and drop cached images on file changes
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level                string        `yaml:"level"`
	Dir                  string        `yaml:"dir"`
	EventLog             bool          `yaml:"event_log"`
	DebugSaveScreenshots int           `yaml:"debug_save_screenshots"`
	DebugDir             string        `yaml:"debug_dir"`
	RepeatWindow         time.Duration `yaml:"repeat_window"` // identical error reports inside it are logged once
}

// JournalConfig controls the SQLite journal
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a config with every tunable at its standard value
func Default() *Config {
	backoff := stream.DefaultBackoff()
	return &Config{
		Stream: StreamConfig{
			Enabled:       true,
			Format:        "auto",
			SlotCapacity:  stream.DefaultSlotCapacity,
			MaxFailures:   stream.DefaultMaxFailures,
			BackoffBase:   backoff.BaseDelay,
			BackoffMax:    backoff.MaxDelay,
			BackoffJitter: backoff.JitterFactor,
			StopTimeout:   stream.DefaultStopTimeout,
			TimeLimit:     stream.DefaultTimeLimit,
		},
		Matching: MatchingConfig{
			Confidence:         cv.DefaultConfidence,
			MinDistance:        cv.DefaultMinDistance,
			WorstCutoff:        cv.DefaultWorstMatchCutoff,
			Backend:            cv.BackendNCC,
			PollInterval:       500 * time.Millisecond,
			FrameCacheDuration: 100 * time.Millisecond,
			ChangeDistance:     cv.DefaultMaxHashDistance,
		},
		Templates: TemplatesConfig{
			Dir:      "templates",
			Registry: "templates",
		},
		Logging: LoggingConfig{
			Level:        "INFO",
			Dir:          "logs",
			DebugDir:     "debug",
			RepeatWindow: 10 * time.Second,
		},
		Journal: JournalConfig{
			Path: "screenvision.db",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional loads path when it exists and falls back to the defaults
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the config as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks value ranges and names
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	s := c.Stream
	_, err := stream.ParseFormat(s.Format, runtime.GOOS, runtime.GOARCH)
	check(err == nil, "stream.format: %v", err)
	check(s.SlotCapacity >= 1, "stream.slot_capacity must be at least 1, got %d", s.SlotCapacity)
	check(s.MaxFailures >= 1, "stream.max_failures must be at least 1, got %d", s.MaxFailures)
	check(s.BackoffBase >= 0, "stream.backoff_base must not be negative")
	check(s.BackoffMax >= s.BackoffBase, "stream.backoff_max must be at least backoff_base")
	check(s.BackoffJitter >= 0 && s.BackoffJitter <= 1, "stream.backoff_jitter must be in [0,1], got %g", s.BackoffJitter)
	check(s.StopTimeout > 0, "stream.stop_timeout must be positive")
	check(s.TimeLimit >= 0 && s.TimeLimit <= 180*time.Second, "stream.time_limit must be at most 180s, got %s", s.TimeLimit)
	check(s.AccumulatorCap >= 0, "stream.accumulator_cap must not be negative")

	m := c.Matching
	check(m.MinDistance >= 0, "matching.min_distance must not be negative")
	check(m.WorstCutoff >= 0, "matching.worst_cutoff must not be negative")
	check(m.Backend == "" || m.Backend == cv.BackendNCC || m.Backend == cv.BackendGoCV,
		"matching.backend must be %q or %q, got %q", cv.BackendNCC, cv.BackendGoCV, m.Backend)
	check(m.PollInterval > 0, "matching.poll_interval must be positive")
	check(m.FrameCacheDuration >= 0, "matching.frame_cache_duration must not be negative")
	check(m.ChangeDistance >= 0, "matching.change_distance must not be negative")

	check(c.Templates.CacheMaxEntries >= 0, "templates.cache_max_entries must not be negative")

	_, err = logging.ParseLogLevel(c.Logging.Level)
	check(err == nil, "logging.level: %v", err)
	check(c.Logging.DebugSaveScreenshots >= 0, "logging.debug_save_screenshots must not be negative")
	check(c.Logging.RepeatWindow >= 0, "logging.repeat_window must not be negative")

	check(!c.Journal.Enabled || strings.TrimSpace(c.Journal.Path) != "", "journal.path is required when the journal is enabled")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LogLevel returns the parsed logging level
func (c *Config) LogLevel() logging.LogLevel {
	level, err := logging.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return logging.LogLevelInfo
	}
	return level
}

// ServiceConfig returns the vision service tunables
func (c *Config) ServiceConfig() cv.ServiceConfig {
	return cv.ServiceConfig{
		DefaultConfidence:  c.Matching.Confidence,
		MinDistance:        c.Matching.MinDistance,
		PollInterval:       c.Matching.PollInterval,
		FrameCacheDuration: c.Matching.FrameCacheDuration,
	}
}

// MatcherOptions returns the options for cv.NewMatcher
func (c *Config) MatcherOptions() []cv.MatcherOption {
	return []cv.MatcherOption{cv.WithWorstMatchCutoff(c.Matching.WorstCutoff)}
}

// StreamOptions returns the stream options for the configured device
func (c *Config) StreamOptions() ([]stream.Option, error) {
	s := c.Stream
	format, err := stream.ParseFormat(s.Format, runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return nil, err
	}
	return []stream.Option{
		stream.WithFormat(format),
		stream.WithSlotCapacity(s.SlotCapacity),
		stream.WithMaxFailures(s.MaxFailures),
		stream.WithBackoff(stream.Backoff{
			BaseDelay:    s.BackoffBase,
			MaxDelay:     s.BackoffMax,
			JitterFactor: s.BackoffJitter,
		}),
		stream.WithStopTimeout(s.StopTimeout),
		stream.WithTimeLimit(s.TimeLimit),
		stream.WithAccumulatorCap(s.AccumulatorCap),
		stream.WithFFmpeg(s.FFmpegPath),
		stream.WithDevice(c.Device.Serial),
	}, nil
}
