// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Output    OutputConfig    `yaml:"output"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Equalizer EqualizerConfig `yaml:"equalizer"`
	Worker    WorkerConfig    `yaml:"worker"`
	Journal   JournalConfig   `yaml:"journal"`
}

// ServerConfig represents control API configuration.
type ServerConfig struct {
	Addr  string      `yaml:"addr" default:"127.0.0.1:7700" validate:"required"`
	Token string      `yaml:"token"` // Required as X-Control-Token when set
	Hooks HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// OutputConfig represents audio output configuration.
type OutputConfig struct {
	Driver     string `yaml:"driver" default:"speaker" validate:"oneof=speaker null"`
	SampleRate int    `yaml:"sample_rate" default:"44100" validate:"gte=8000,lte=192000"`
	BufferMs   int    `yaml:"buffer_ms" default:"100" validate:"gte=10,lte=2000"`
}

// PlaybackConfig represents playback and stall recovery configuration.
type PlaybackConfig struct {
	StallTimeoutMs     int    `yaml:"stall_timeout_ms" default:"4000" validate:"gte=500,lte=60000"`
	NudgeMs            int    `yaml:"nudge_ms" default:"250" validate:"gte=0,lte=5000"`
	MaxRecoveries      int    `yaml:"max_recoveries" default:"3" validate:"gte=0,lte=20"`
	ProgressIntervalMs int    `yaml:"progress_interval_ms" default:"250" validate:"gte=50,lte=5000"`
	BufferMs           int    `yaml:"buffer_ms" default:"2000" validate:"gte=100,lte=30000"`
	ResampleQuality    int    `yaml:"resample_quality" default:"4" validate:"gte=1,lte=64"`
	EventBuffer        int    `yaml:"event_buffer" default:"128" validate:"gte=1"`
	Repeat             bool   `yaml:"repeat"`
	UserAgent          string `yaml:"user_agent" default:"orchestrion"`
	LoadTimeoutMs      int    `yaml:"load_timeout_ms" default:"15000" validate:"gte=1000,lte=300000"`
	MaxSpoolBytes      int64  `yaml:"max_spool_bytes" default:"268435456" validate:"gte=0"`
}

// EqualizerConfig represents the initial raw knob values.
type EqualizerConfig struct {
	Low    float64 `yaml:"low" validate:"gte=-1,lte=1"`
	Mid    float64 `yaml:"mid" validate:"gte=-1,lte=1"`
	High   float64 `yaml:"high" validate:"gte=-1,lte=1"`
	Volume float64 `yaml:"volume" default:"1" validate:"gte=0,lte=1"`
	Muted  bool    `yaml:"muted"` // Start with volume 0
}

// WorkerConfig represents the optional background worker process.
type WorkerConfig struct {
	Command       string   `yaml:"command"` // Empty disables the worker
	Args          []string `yaml:"args"`
	Env           []string `yaml:"env"`
	StopTimeoutMs int      `yaml:"stop_timeout_ms" default:"3000" validate:"gte=0"`
}

// JournalConfig represents the playback journal configuration.
type JournalConfig struct {
	Path string `yaml:"path"` // SQLite database path; empty disables the journal
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return Parse(nil)
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("ORCHESTRION_CONTROL_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("ORCHESTRION_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ORCHESTRION_OUTPUT_DRIVER"); v != "" {
		c.Output.Driver = v
	}
	if v := os.Getenv("ORCHESTRION_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	if c.Worker.Command == "" && len(c.Worker.Args) > 0 {
		return errors.New("worker args given without a worker command")
	}
	return nil
}

// StallTimeout returns the stall timeout.
func (p PlaybackConfig) StallTimeout() time.Duration {
	return time.Duration(p.StallTimeoutMs) * time.Millisecond
}

// LoadTimeout returns how long an item may take to load.
func (p PlaybackConfig) LoadTimeout() time.Duration {
	return time.Duration(p.LoadTimeoutMs) * time.Millisecond
}

// Nudge returns the recovery micro-seek distance.
func (p PlaybackConfig) Nudge() time.Duration {
	return time.Duration(p.NudgeMs) * time.Millisecond
}

// ProgressInterval returns the interval between progress reports.
func (p PlaybackConfig) ProgressInterval() time.Duration {
	return time.Duration(p.ProgressIntervalMs) * time.Millisecond
}

// Buffer returns the decode-ahead buffer length.
func (p PlaybackConfig) Buffer() time.Duration {
	return time.Duration(p.BufferMs) * time.Millisecond
}

// Buffer returns the device buffer length.
func (o OutputConfig) Buffer() time.Duration {
	return time.Duration(o.BufferMs) * time.Millisecond
}

// StopTimeout returns how long the worker gets to exit before it is killed.
func (w WorkerConfig) StopTimeout() time.Duration {
	return time.Duration(w.StopTimeoutMs) * time.Millisecond
}

// InitialVolume returns the raw volume applied at startup.
func (e EqualizerConfig) InitialVolume() float64 {
	if e.Muted {
		return 0
	}
	return e.Volume
}
