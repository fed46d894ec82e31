package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Default tuning. Chosen for 16 kHz mono speech; embedders with other
// material should measure rather than guess.
const (
	DefaultSampleRate       = 16000
	DefaultBaseBufferSize   = 512
	DefaultNoiseThreshold   = 0.02
	DefaultHysteresisWindow = 300 * time.Millisecond
	DefaultSilenceInterval  = time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// MobileConfig switches on the battery- and buffer-adaptive behaviors.
// All flags default to off; the pipeline then behaves identically on every
// host.
type MobileConfig struct {
	// Enabled is the master switch. When false the remaining flags are
	// ignored.
	Enabled bool `yaml:"enabled"`

	// AdaptiveBufferSize doubles the frame size while on low battery, so
	// the host wakes up half as often.
	AdaptiveBufferSize bool `yaml:"adaptiveBufferSize"`

	// BatteryAware attaches the battery governor when the host exposes a
	// battery.
	BatteryAware bool `yaml:"batteryAware"`

	// PowerSaveEnabled classifies only every Nth frame while on low
	// battery.
	PowerSaveEnabled bool `yaml:"powerSaveEnabled"`

	// FrameSkipDivisor is the N in "classify every Nth frame" under power
	// saving. Zero selects the default of 2; values below 2 are rejected
	// because they cannot save any work.
	FrameSkipDivisor int `yaml:"frameSkipDivisor"`
}

// Config is the immutable per-session tuning. It is read once during
// [Pipeline.Initialize]; changing it afterwards has no effect until the next
// initialize cycle.
type Config struct {
	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sampleRate" validate:"gt=0"`

	// BaseBufferSize is the requested frame size in samples before
	// adaptation. The effective size is always rounded up to a power of
	// two.
	BaseBufferSize int `yaml:"baseBufferSize" validate:"gt=0"`

	// NoiseThreshold is the normalized energy above which a frame counts as
	// voiced.
	NoiseThreshold float64 `yaml:"noiseThreshold" validate:"gte=0,lte=1"`

	// HysteresisWindow is how long after the last voiced frame speech is
	// still considered active.
	HysteresisWindow time.Duration `yaml:"hysteresisWindow" validate:"gte=0"`

	// SilenceInterval is the minimum spacing between consecutive
	// silence events.
	SilenceInterval time.Duration `yaml:"silenceInterval" validate:"gte=0"`

	// Mobile holds the power- and buffer-adaptation switches.
	Mobile MobileConfig `yaml:"mobile"`
}

// DefaultConfig returns the tuning used when the caller supplies nothing.
func DefaultConfig() Config {
	return Config{
		SampleRate:       DefaultSampleRate,
		BaseBufferSize:   DefaultBaseBufferSize,
		NoiseThreshold:   DefaultNoiseThreshold,
		HysteresisWindow: DefaultHysteresisWindow,
		SilenceInterval:  DefaultSilenceInterval,
	}
}

// Validate checks field ranges and cross-field consistency. All problems are
// reported at once.
func (c Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("vad: config field %q fails %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, fmt.Errorf("vad: config validation: %w", err))
		}
	}
	if c.SampleRate > 0 && c.BaseBufferSize > 0 {
		frame := time.Duration(c.BaseBufferSize) * time.Second / time.Duration(c.SampleRate)
		if c.HysteresisWindow > 0 && c.HysteresisWindow < frame {
			errs = append(errs, fmt.Errorf("vad: hysteresis window %v is shorter than one frame (%v)", c.HysteresisWindow, frame))
		}
	}
	if c.SilenceInterval == 0 {
		errs = append(errs, errors.New("vad: silence interval must be positive"))
	}
	if d := c.Mobile.FrameSkipDivisor; d != 0 && d < minFrameSkipDivisor {
		errs = append(errs, fmt.Errorf("vad: frame skip divisor %d cannot save work; need at least %d", d, minFrameSkipDivisor))
	}
	return errors.Join(errs...)
}
