package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// KnownSourceNames lists the audio source names the binary registers by
// default. [Validate] warns about other names: they may be typos, or sources
// registered by an embedding program.
var KnownSourceNames = []string{"mock", "portaudio", "stdin"}

// Load reads the YAML configuration file at path, overlays SIBILANT_*
// environment variables, and returns a validated [Config].
func Load(ctx context.Context, path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("config: environment overlay: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result. No
// environment overlay is applied, which keeps tests hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode parses YAML from r on top of [DefaultConfig]. Unknown keys are
// rejected so typos surface at startup instead of silently keeping defaults.
func decode(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("field %q fails %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, fmt.Errorf("config: validate: %w", err))
		}
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Source name validation — warn for unknown source names.
	if name := cfg.Source.Name; name == "" {
		errs = append(errs, errors.New("source.name is required"))
	} else if !slices.Contains(KnownSourceNames, name) {
		slog.Warn("unknown audio source name — may be a typo or an externally registered source",
			"name", name,
			"known", KnownSourceNames,
		)
	}

	// Pipeline tuning is range-checked by the pipeline package itself so the
	// rules cannot drift from what [vad.New] accepts.
	if err := cfg.Pipeline.VAD().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if cfg.Pipeline.ReportInterval < 0 {
		errs = append(errs, fmt.Errorf("pipeline.report_interval %v cannot be negative", cfg.Pipeline.ReportInterval))
	}

	// Power
	if cfg.Power.SysfsPath == "" && cfg.Pipeline.Mobile.BatteryAware {
		errs = append(errs, errors.New("power.sysfs_path is required when pipeline.mobile.battery_aware is set"))
	}

	return errors.Join(errs...)
}
