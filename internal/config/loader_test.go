package config_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/sibilant-audio/sibilant/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_InvalidListenAddr(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: "not an address"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid listen_addr, got nil")
	}
}

func TestValidate_EmptySourceName(t *testing.T) {
	t.Parallel()
	yaml := `
source:
  name: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for empty source name, got nil")
	}
	if !strings.Contains(err.Error(), "source.name") {
		t.Errorf("error should mention source.name, got: %v", err)
	}
}

func TestValidate_PipelineThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  noise_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range noise_threshold, got nil")
	}
	if !strings.Contains(err.Error(), "pipeline") {
		t.Errorf("error should mention the pipeline section, got: %v", err)
	}
}

func TestValidate_FrameSkipDivisorTooSmall(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  mobile:
    enabled: true
    power_save_enabled: true
    frame_skip_divisor: 1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for frame_skip_divisor below 2, got nil")
	}
}

func TestValidate_NegativeReportInterval(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  report_interval: -5s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative report_interval, got nil")
	}
	if !strings.Contains(err.Error(), "report_interval") {
		t.Errorf("error should mention report_interval, got: %v", err)
	}
}

func TestValidate_BatteryAwareRequiresSysfsPath(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  mobile:
    enabled: true
    battery_aware: true
power:
  sysfs_path: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for battery_aware without sysfs_path, got nil")
	}
	if !strings.Contains(err.Error(), "sysfs_path") {
		t.Errorf("error should mention sysfs_path, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: shouty
source:
  name: ""
pipeline:
  noise_threshold: 2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "source.name") {
		t.Errorf("error should mention source.name, got: %v", err)
	}
	if !strings.Contains(errStr, "pipeline") {
		t.Errorf("error should mention the pipeline section, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(context.Background(), "/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_EnvOverlayWins(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  listen_addr: ":7070"
  log_level: info
pipeline:
  sample_rate: 16000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("SIBILANT_LOG_LEVEL", "debug")
	t.Setenv("SIBILANT_SAMPLE_RATE", "48000")

	cfg, err := config.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want env override %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Pipeline.SampleRate != 48000 {
		t.Errorf("sample_rate: got %d, want env override 48000", cfg.Pipeline.SampleRate)
	}
	// Values without a matching variable keep what the file said.
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen_addr: got %q, want file value %q", cfg.Server.ListenAddr, ":7070")
	}
}

func TestLoad_EnvOverlayIsValidated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("SIBILANT_LOG_LEVEL", "shouty")

	_, err := config.Load(context.Background(), path)
	if err == nil {
		t.Fatal("expected error for invalid env override, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestKnownSourceNames(t *testing.T) {
	t.Parallel()
	if len(config.KnownSourceNames) == 0 {
		t.Fatal("KnownSourceNames should not be empty")
	}
	if !slices.Contains(config.KnownSourceNames, "stdin") {
		t.Error(`KnownSourceNames should contain "stdin"`)
	}
}

func TestValidate_DefaultConfigIsValid(t *testing.T) {
	t.Parallel()
	if err := config.Validate(config.DefaultConfig()); err != nil {
		t.Fatalf("Validate(DefaultConfig()) = %v, want nil", err)
	}
}

func TestValidate_HysteresisShorterThanFrame(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  sample_rate: 16000
  buffer_size: 512
  hysteresis_window: 1ms
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for hysteresis shorter than one frame, got nil")
	}
}
