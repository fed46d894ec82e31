// Package config provides the configuration schema, loader, and audio source
// registry for the sibilant detection service.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sibilant-audio/sibilant/pkg/power/sysfs"
	"github.com/sibilant-audio/sibilant/pkg/vad"
)

// LogLevel controls log verbosity for the sibilant service.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the corresponding [slog.Level]. Unrecognised values map
// to [slog.LevelInfo].
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration is a [time.Duration] that unmarshals from YAML and environment
// strings in the usual Go notation ("300ms", "1.5s").
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// String formats the duration the way [time.Duration.String] does.
func (d Duration) String() string { return time.Duration(d).String() }

// Config is the root configuration structure for sibilant.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// [Load] additionally overlays SIBILANT_* environment variables, so a set
// variable wins over the file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Source   SourceConfig   `yaml:"source"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Power    PowerConfig    `yaml:"power"`
}

// ServerConfig holds network and logging settings for the diagnostics server.
type ServerConfig struct {
	// ListenAddr is the TCP address the diagnostics server listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" env:"SIBILANT_LISTEN_ADDR, overwrite" validate:"omitempty,hostname_port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"SIBILANT_LOG_LEVEL, overwrite"`
}

// SourceConfig selects the audio source feeding the pipeline. The Name field
// is used to look up the constructor in the [Registry].
type SourceConfig struct {
	// Name selects the registered source implementation
	// (e.g., "stdin", "portaudio", "mock").
	Name string `yaml:"name" env:"SIBILANT_SOURCE, overwrite"`

	// Options holds source-specific settings not covered by the pipeline
	// section. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// IntOption returns the named entry of Options as an int, or def when the
// entry is absent or not a number. YAML integers decode as int; JSON-derived
// maps carry float64, so both are accepted.
func (s SourceConfig) IntOption(name string, def int) int {
	switch n := s.Options[name].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// PipelineConfig holds the detection tuning handed to the pipeline on every
// initialize cycle.
type PipelineConfig struct {
	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate" env:"SIBILANT_SAMPLE_RATE, overwrite"`

	// BufferSize is the requested frame size in samples before adaptation.
	BufferSize int `yaml:"buffer_size" env:"SIBILANT_BUFFER_SIZE, overwrite"`

	// NoiseThreshold is the normalized energy in [0, 1] above which a frame
	// counts as voiced.
	NoiseThreshold float64 `yaml:"noise_threshold" env:"SIBILANT_NOISE_THRESHOLD, overwrite"`

	// HysteresisWindow is how long after the last voiced frame speech is
	// still considered active.
	HysteresisWindow Duration `yaml:"hysteresis_window"`

	// SilenceInterval is the minimum spacing between consecutive silence
	// notifications.
	SilenceInterval Duration `yaml:"silence_interval"`

	// ReportInterval is how often the pipeline emits performance reports.
	ReportInterval Duration `yaml:"report_interval"`

	// Mobile holds the power- and buffer-adaptation switches.
	Mobile MobileConfig `yaml:"mobile"`
}

// MobileConfig mirrors the pipeline's battery- and buffer-adaptive switches.
type MobileConfig struct {
	// Enabled is the master switch. When false the remaining flags are
	// ignored.
	Enabled bool `yaml:"enabled" env:"SIBILANT_MOBILE, overwrite"`

	// AdaptiveBufferSize doubles the frame size while on low battery.
	AdaptiveBufferSize bool `yaml:"adaptive_buffer_size"`

	// BatteryAware attaches the battery governor when the host exposes a
	// battery.
	BatteryAware bool `yaml:"battery_aware"`

	// PowerSaveEnabled classifies only every Nth frame while on low battery.
	PowerSaveEnabled bool `yaml:"power_save_enabled"`

	// FrameSkipDivisor is the N in "classify every Nth frame". Zero selects
	// the pipeline default of 2.
	FrameSkipDivisor int `yaml:"frame_skip_divisor"`
}

// VAD converts the pipeline section into the tuning structure consumed by
// [vad.New].
func (p PipelineConfig) VAD() vad.Config {
	return vad.Config{
		SampleRate:       p.SampleRate,
		BaseBufferSize:   p.BufferSize,
		NoiseThreshold:   p.NoiseThreshold,
		HysteresisWindow: time.Duration(p.HysteresisWindow),
		SilenceInterval:  time.Duration(p.SilenceInterval),
		Mobile: vad.MobileConfig{
			Enabled:            p.Mobile.Enabled,
			AdaptiveBufferSize: p.Mobile.AdaptiveBufferSize,
			BatteryAware:       p.Mobile.BatteryAware,
			PowerSaveEnabled:   p.Mobile.PowerSaveEnabled,
			FrameSkipDivisor:   p.Mobile.FrameSkipDivisor,
		},
	}
}

// PowerConfig holds settings for the battery state source.
type PowerConfig struct {
	// SysfsPath is the power-supply class directory scanned for batteries.
	SysfsPath string `yaml:"sysfs_path" env:"SIBILANT_BATTERY_SYSFS, overwrite"`

	// PollInterval is how often the battery state is re-read.
	PollInterval Duration `yaml:"poll_interval" validate:"gte=0"`
}

// DefaultConfig returns the configuration used for fields the YAML file
// leaves unset.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Source: SourceConfig{
			Name: "stdin",
		},
		Pipeline: PipelineConfig{
			SampleRate:       vad.DefaultSampleRate,
			BufferSize:       vad.DefaultBaseBufferSize,
			NoiseThreshold:   vad.DefaultNoiseThreshold,
			HysteresisWindow: Duration(vad.DefaultHysteresisWindow),
			SilenceInterval:  Duration(vad.DefaultSilenceInterval),
			ReportInterval:   Duration(time.Second),
		},
		Power: PowerConfig{
			SysfsPath:    sysfs.DefaultRoot,
			PollInterval: Duration(10 * time.Second),
		},
	}
}
