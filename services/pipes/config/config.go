// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the runtime configuration of the pipes engine.
//
// Priority is environment > file > defaults. A .env file, when present, is
// loaded into the environment first and never overrides variables that are
// already set.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipes/services/pipes/concept"
	"github.com/AleutianAI/AleutianPipes/services/pipes/generation"
	"github.com/AleutianAI/AleutianPipes/services/pipes/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the full runtime configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after Load.
type Config struct {
	// StaticValidation sets how load-time input problems are handled.
	StaticValidation StaticValidationConfig `yaml:"static_validation"`

	Tracker TrackerConfig `yaml:"tracker"`
	Batch   BatchConfig   `yaml:"batch"`
	Router  RouterConfig  `yaml:"router"`
	LLM     LLMConfig     `yaml:"llm"`

	// Library lists the blueprint files and directories to load.
	Library LibraryConfig `yaml:"library"`

	Pipeline PipelineConfig `yaml:"pipeline"`

	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StaticValidationConfig maps error types to reactions.
type StaticValidationConfig struct {
	DefaultReaction string            `yaml:"default_reaction" validate:"oneof=ignore log raise"`
	Reactions       map[string]string `yaml:"reactions" validate:"dive,keys,oneof=missing_input_variable extraneous_input_variable inadequate_input_concept too_many_candidate_inputs,endkeys,oneof=ignore log raise"`
}

// TrackerConfig configures lineage tracking.
type TrackerConfig struct {
	Enabled bool `yaml:"enabled"`

	// HistoryItemsLimit caps tracked batch branches. Zero means no cap.
	HistoryItemsLimit int `yaml:"history_items_limit" validate:"gte=0"`
}

// BatchConfig configures batch fan-out.
type BatchConfig struct {
	// MaxConcurrency bounds concurrent branches per batch. Zero means no bound.
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=0"`
}

// RouterConfig configures the pipe router.
type RouterConfig struct {
	MaxPipeDepth int `yaml:"max_pipe_depth" validate:"gte=1,lte=1024"`
}

// LLMConfig configures the live content generator.
type LLMConfig struct {
	Model   string `yaml:"model" validate:"required"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// APIKeyEnv names the environment variable holding the API key. The key
	// itself is never stored in the file.
	APIKeyEnv   string   `yaml:"api_key_env" validate:"required"`
	Temperature *float32 `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `yaml:"max_tokens" validate:"gte=0"`

	// MaxRetries bounds retries of transient generator failures.
	MaxRetries uint `yaml:"max_retries" validate:"lte=10"`

	// RequestsPerSecond throttles generator calls. Zero means unthrottled.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// LibraryConfig lists blueprint sources.
type LibraryConfig struct {
	Paths []string `yaml:"paths"`
}

// PipelineConfig configures the pipeline runner.
type PipelineConfig struct {
	// RunTTL is how long finished background runs stay queryable.
	RunTTL time.Duration `yaml:"run_ttl" validate:"gte=0"`

	// DryRunConcurrency bounds concurrent dry runs when validating a library.
	DryRunConcurrency int `yaml:"dry_run_concurrency" validate:"gte=0"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	LogDir string `yaml:"log_dir"`
	JSON   bool   `yaml:"json"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		StaticValidation: StaticValidationConfig{
			DefaultReaction: string(concept.ReactionRaise),
		},
		Tracker: TrackerConfig{Enabled: true},
		Router:  RouterConfig{MaxPipeDepth: 64},
		LLM: LLMConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv:  "OPENAI_API_KEY",
			MaxRetries: 2,
		},
		Pipeline: PipelineConfig{RunTTL: 30 * time.Minute, DryRunConcurrency: 4},
		Server: ServerConfig{
			Addr:            ":8088",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the configuration.
//
// Description:
//
//	Starts from DefaultConfig, loads dotenvFiles (missing files are
//	skipped), overlays the YAML file at path when path is non-empty, then
//	applies PIPES_* environment overrides and validates the result.
//	Unknown YAML keys are rejected.
//
// Inputs:
//
//	path - YAML config file. Empty means defaults only.
//	dotenvFiles - .env files to load into the environment.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Read, parse or validation failure.
func Load(path string, dotenvFiles ...string) (Config, error) {
	cfg := DefaultConfig()

	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return cfg, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PIPES_STATIC_VALIDATION_REACTION"); v != "" {
		cfg.StaticValidation.DefaultReaction = strings.ToLower(v)
	}
	if v := os.Getenv("PIPES_HISTORY_ITEMS_LIMIT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Tracker.HistoryItemsLimit = i
		}
	}
	if v := os.Getenv("PIPES_TRACKER_ENABLED"); v != "" {
		cfg.Tracker.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PIPES_BATCH_MAX_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxConcurrency = i
		}
	}
	if v := os.Getenv("PIPES_MAX_PIPE_DEPTH"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Router.MaxPipeDepth = i
		}
	}
	if v := os.Getenv("PIPES_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PIPES_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("PIPES_LIBRARY_PATHS"); v != "" {
		cfg.Library.Paths = strings.Split(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("PIPES_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PIPES_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("PIPES_LOG_DIR"); v != "" {
		cfg.Logging.LogDir = v
	}
}

// Validate checks the struct tags of every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ReactionPolicy converts the static validation section.
func (c Config) ReactionPolicy() (concept.ReactionPolicy, error) {
	def, err := concept.ParseReaction(c.StaticValidation.DefaultReaction)
	if err != nil {
		return concept.ReactionPolicy{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	policy := concept.ReactionPolicy{
		DefaultReaction: def,
		Reactions:       make(map[concept.ErrorType]concept.Reaction, len(c.StaticValidation.Reactions)),
	}
	for t, r := range c.StaticValidation.Reactions {
		reaction, err := concept.ParseReaction(r)
		if err != nil {
			return concept.ReactionPolicy{}, fmt.Errorf("%w: reaction for %s: %w", ErrInvalidConfig, t, err)
		}
		policy.Reactions[concept.ErrorType(t)] = reaction
	}
	return policy, nil
}

// OpenAI returns the live generator settings with the key read from the
// environment variable named by APIKeyEnv.
func (c Config) OpenAI() generation.OpenAIConfig {
	return generation.OpenAIConfig{
		APIKey:     os.Getenv(c.LLM.APIKeyEnv),
		BaseURL:    c.LLM.BaseURL,
		Model:      c.LLM.Model,
		MaxRetries: c.LLM.MaxRetries,

		RequestsPerSecond: c.LLM.RequestsPerSecond,
		Burst:             c.LLM.Burst,
	}
}
