package peval

import (
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

// Config bounds speculation. All limits fail open: exceeding one stops
// further exploration of that subtree and leaves its facts unknown.
type Config struct {
	// MaxCallDepth bounds nested inline attempts.
	MaxCallDepth int `yaml:"max_call_depth"`
	// MaxPeelIterations bounds how many iterations of one loop are peeled.
	MaxPeelIterations int `yaml:"max_peel_iterations"`
	// MaxPointerChase bounds the underlying-object walk.
	MaxPointerChase int `yaml:"max_pointer_chase"`
	// HandleFuncs lists functions whose integer result is a resource
	// handle, known non-negative on success paths. Matched against the
	// callee's full name (e.g. "syscall.Dup").
	HandleFuncs []string `yaml:"handle_funcs"`
	// Debug enables progress prints at increasing verbosity.
	Debug int `yaml:"debug"`
}

// DefaultConfig returns the bounds used when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		MaxCallDepth:      20,
		MaxPeelIterations: 64,
		MaxPointerChase:   40,
		HandleFuncs: []string{
			"syscall.Open",
			"syscall.Dup",
			"syscall.Socket",
			"os.Getpid",
		},
	}
}

// LoadConfig reads a YAML config file over the defaults and applies
// environment overrides (LLPE_DEBUG, LLPE_MAX_PEEL, LLPE_MAX_DEPTH).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	env.Load() // the env package caches os.Environ; re-read per invocation
	cfg.Debug = env.Int("LLPE_DEBUG", cfg.Debug)
	cfg.MaxPeelIterations = env.Int("LLPE_MAX_PEEL", cfg.MaxPeelIterations)
	cfg.MaxCallDepth = env.Int("LLPE_MAX_DEPTH", cfg.MaxCallDepth)
	if cfg.MaxCallDepth < 0 || cfg.MaxPeelIterations < 0 || cfg.MaxPointerChase < 0 {
		return nil, fmt.Errorf("config: negative bound")
	}
	return cfg, nil
}

func (c *Config) isHandleFunc(name string) bool {
	for _, h := range c.HandleFuncs {
		if h == name {
			return true
		}
	}
	return false
}
