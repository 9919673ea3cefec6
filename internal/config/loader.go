package config

import (
	"fmt"
	"os"
	"strings"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the coordinator's environment overrides.
const envPrefix = "COORDINATOR_"

// Load reads configuration with the following precedence, highest first:
//
//  1. Environment variables (COORDINATOR_SCHEDULER_MAX_RETRIES, ...)
//  2. YAML config file, when path is non-empty and the file exists
//  3. Defaults
//
// Environment variables map the first underscore to a section separator:
// COORDINATOR_SCHEDULER_MAX_RETRIES -> scheduler.max_retries.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := k.Load(rawbytes.Provider(content), koanfyaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// COORDINATOR_SCHEDULER_MAX_RETRIES -> scheduler.max_retries
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	// Unmarshal over the defaults so unset keys keep them. applyDefaults
	// alone cannot do this for booleans like deadlock.enabled, whose zero
	// value is indistinguishable from an explicit false.
	cfg := *Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
