package host

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/gamehost/internal/core/observability/log"
	"github.com/zeusync/gamehost/internal/core/observability/report"
	"github.com/zeusync/gamehost/internal/core/threading"
)

type IPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type Config struct {
	Name          string                  `yaml:"name"`
	ExecutionMode threading.ExecutionMode `yaml:"execution_mode"`

	// Rates in Hz. .inf in YAML means uncapped.
	UpdateHz   float64 `yaml:"update_hz"`
	DrawHz     float64 `yaml:"draw_hz"`
	InactiveHz float64 `yaml:"inactive_hz"`

	JoinTimeout       time.Duration `yaml:"join_timeout"`
	StartupTimeout    time.Duration `yaml:"startup_timeout"`
	ModeSwitchTimeout time.Duration `yaml:"mode_switch_timeout"`
	DrawIdleInterval  time.Duration `yaml:"draw_idle_interval"`

	// VerifySnapshots checks every snapshot's checksum on the draw thread before rendering.
	VerifySnapshots bool `yaml:"verify_snapshots"`

	LogLevel log.Level     `yaml:"log_level"`
	IPC      IPCConfig     `yaml:"ipc"`
	Sentry   report.Config `yaml:"sentry"`
}

func DefaultConfig() Config {
	return Config{
		Name:              "gamehost",
		ExecutionMode:     threading.MultiThreaded,
		UpdateHz:          threading.DefaultActiveHz,
		DrawHz:            threading.DefaultActiveHz,
		InactiveHz:        threading.DefaultInactiveHz,
		JoinTimeout:       30 * time.Second,
		StartupTimeout:    10 * time.Second,
		ModeSwitchTimeout: threading.DefaultModeSwitchTimeout,
		DrawIdleInterval:  time.Millisecond,
		LogLevel:          log.LevelInfo,
		IPC: IPCConfig{
			Addr: "127.0.0.1:45356",
		},
	}
}

// LoadConfig decodes YAML over DefaultConfig and validates the result.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, field, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...)))
		}
	}

	check(c.Name != "", "name", "must not be empty")
	check(c.ExecutionMode == threading.MultiThreaded || c.ExecutionMode == threading.SingleThread,
		"execution_mode", "unknown mode %s", c.ExecutionMode)
	check(validHz(c.UpdateHz), "update_hz", "must be positive, got %v", c.UpdateHz)
	check(validHz(c.DrawHz), "draw_hz", "must be positive, got %v", c.DrawHz)
	check(validHz(c.InactiveHz), "inactive_hz", "must be positive, got %v", c.InactiveHz)
	check(c.JoinTimeout > 0, "join_timeout", "must be positive, got %s", c.JoinTimeout)
	check(c.StartupTimeout > 0, "startup_timeout", "must be positive, got %s", c.StartupTimeout)
	check(c.ModeSwitchTimeout > 0, "mode_switch_timeout", "must be positive, got %s", c.ModeSwitchTimeout)
	check(c.DrawIdleInterval >= 0, "draw_idle_interval", "must not be negative, got %s", c.DrawIdleInterval)
	check(!c.IPC.Enabled || c.IPC.Addr != "", "ipc.addr", "required when ipc is enabled")

	return errors.Join(errs...)
}

func validHz(hz float64) bool {
	return !math.IsNaN(hz) && hz > 0
}
