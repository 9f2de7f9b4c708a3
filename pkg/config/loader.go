package config

import (
	"bytes"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// Initialize loads, merges, and validates configuration from path.
//
// Steps performed:
//  1. Read the YAML file
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Strict-parse into a Config (unknown keys are errors)
//  4. Merge on top of built-in defaults
//  5. Validate the result
func Initialize(path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	log.Info("Configuration initialized successfully",
		"addr", cfg.Server.Addr,
		"providers", len(cfg.Providers),
		"strategy", cfg.Routing.Strategy)

	return cfg, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound("config file %s does not exist", path)
		}
		return nil, apperr.Internal("read config file").WithCause(err)
	}

	// ExpandEnv passes original data through on template errors so plain
	// YAML without template syntax still parses.
	data = ExpandEnv(data)

	var loaded Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&loaded); err != nil {
		return nil, apperr.InvalidInput("parse config file %s", path).WithCause(err)
	}

	// File values override defaults; unset keys keep the built-ins.
	cfg := Default()
	if err := mergo.Merge(cfg, &loaded, mergo.WithOverride); err != nil {
		return nil, apperr.Internal("merge config defaults").WithCause(err)
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return apperr.InvalidInput("configuration validation failed").WithCause(err)
	}

	if cfg.Audit.RotateAfter > cfg.Audit.MaxEvents {
		return apperr.InvalidInput("audit rotate_after (%d) must not exceed max_events (%d)",
			cfg.Audit.RotateAfter, cfg.Audit.MaxEvents)
	}
	for name, p := range cfg.Providers {
		for model := range p.Pricing {
			if !containsString(p.Models, model) {
				return apperr.InvalidInput("provider %s prices unknown model %s", name, model)
			}
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
