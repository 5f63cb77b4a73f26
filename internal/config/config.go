// Package config holds the controller-side engine settings. These are not
// part of the declarative playbook/inventory surface; they tune how the
// engine itself behaves (fan-out, timeouts, retry policy).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Engine holds resolved engine settings.
type Engine struct {
	// Forks bounds how many hosts run concurrently.
	Forks int

	// SSHTimeout bounds the initial dial to a host.
	SSHTimeout time.Duration

	// TaskTimeout bounds a single remote operation.
	TaskTimeout time.Duration

	// MaxRetries is the retry budget for transient transport failures.
	MaxRetries int

	// RetryBaseDelay and RetryMaxDelay shape the retry backoff.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Default returns the engine settings used when no config file is given.
func Default() Engine {
	return Engine{
		Forks:          5,
		SSHTimeout:     10 * time.Second,
		TaskTimeout:    60 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 250 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
	}
}

type fileConfig struct {
	Forks          int    `toml:"forks"`
	SSHTimeout     string `toml:"ssh_timeout"`
	TaskTimeout    string `toml:"task_timeout"`
	MaxRetries     int    `toml:"max_retries"`
	RetryBaseDelay string `toml:"retry_base_delay"`
	RetryMaxDelay  string `toml:"retry_max_delay"`
}

// Load reads engine settings from a TOML file, falling back to defaults
// for any key that is absent.
func Load(path string) (Engine, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Engine{}, fmt.Errorf("load engine config: %w", err)
	}

	if meta.IsDefined("forks") {
		if raw.Forks < 1 {
			return Engine{}, fmt.Errorf("load engine config: forks must be >= 1, got %d", raw.Forks)
		}
		cfg.Forks = raw.Forks
	}

	if meta.IsDefined("max_retries") {
		if raw.MaxRetries < 0 {
			return Engine{}, fmt.Errorf("load engine config: max_retries must be >= 0, got %d", raw.MaxRetries)
		}
		cfg.MaxRetries = raw.MaxRetries
	}

	durations := []struct {
		key  string
		val  string
		dest *time.Duration
	}{
		{"ssh_timeout", raw.SSHTimeout, &cfg.SSHTimeout},
		{"task_timeout", raw.TaskTimeout, &cfg.TaskTimeout},
		{"retry_base_delay", raw.RetryBaseDelay, &cfg.RetryBaseDelay},
		{"retry_max_delay", raw.RetryMaxDelay, &cfg.RetryMaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return Engine{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		if parsed <= 0 {
			return Engine{}, fmt.Errorf("parse %s: must be positive", d.key)
		}
		*d.dest = parsed
	}

	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}

	return cfg, nil
}
