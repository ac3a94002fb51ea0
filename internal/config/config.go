// Package config provides YAML configuration loading for cmd/selfdbg-repl.
// It is deliberately outside the controller core: per the controller's
// "no on-disk persistence; no environment variables in the core" design
// rule, nothing under internal/ctrl, internal/breakpoint, internal/vm, or
// internal/exceptionserver reads a file or an environment variable —
// only the demo binary's own startup path does, the way
// bobbydeveaux-starbucks-mugs's internal/config/config.go loads YAML for
// its agent binary without the tripwire evaluation core knowing a file
// was ever involved.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the selfdbg-repl demo binary.
type Config struct {
	// LogLevel is one of "debug", "info", "warn", "error". Defaults to
	// "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// ExceptionMask names exception kinds: any of "breakpoint",
	// "single_step", "bad_access", "arithmetic". Defaults to
	// ["breakpoint", "single_step"]. It is only validated here;
	// selfdbg-repl does not pass it to the controller, and the darwin
	// Kernel always binds breakpoint and software exceptions.
	ExceptionMask []string `yaml:"exception_mask"`

	// ReceivePollInterval is a receive timeout for the exception server.
	// Defaults to 200ms. It is only validated here; selfdbg-repl does not
	// pass it on, and the exception server uses its own fixed 200ms
	// receive timeout.
	ReceivePollInterval time.Duration `yaml:"receive_poll_interval"`

	// ChecksumVerification is the wire-protocol checksum verification
	// setting. Defaults to true. selfdbg-repl does not apply it; its
	// framer always verifies checksums.
	ChecksumVerification *bool `yaml:"checksum_verification"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validExceptionKinds = map[string]bool{
	"breakpoint":  true,
	"single_step": true,
	"bad_access":  true,
	"arithmetic":  true,
}

// Load reads the YAML file at path, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.ExceptionMask) == 0 {
		cfg.ExceptionMask = []string{"breakpoint", "single_step"}
	}
	if cfg.ReceivePollInterval == 0 {
		cfg.ReceivePollInterval = 200 * time.Millisecond
	}
	if cfg.ChecksumVerification == nil {
		enabled := true
		cfg.ChecksumVerification = &enabled
	}
}

func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	for _, kind := range cfg.ExceptionMask {
		if !validExceptionKinds[kind] {
			errs = append(errs, fmt.Errorf("exception_mask entry %q must be one of: breakpoint, single_step, bad_access, arithmetic", kind))
		}
	}
	if cfg.ReceivePollInterval <= 0 {
		errs = append(errs, errors.New("receive_poll_interval must be positive"))
	}

	return errors.Join(errs...)
}
