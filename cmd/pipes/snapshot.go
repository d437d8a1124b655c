// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/AleutianAI/AleutianPipes/services/pipes/api"
	"github.com/AleutianAI/AleutianPipes/services/pipes/blueprint"
	"github.com/AleutianAI/AleutianPipes/services/pipes/config"
	"github.com/AleutianAI/AleutianPipes/services/pipes/generation"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipeline"
	"github.com/AleutianAI/AleutianPipes/services/pipes/telemetry"
	"github.com/AleutianAI/AleutianPipes/services/pipes/templating"
	"github.com/AleutianAI/AleutianPipes/services/pipes/tracker"
)

// libraryPaths returns args when given, else the configured paths.
func libraryPaths(cfg config.Config, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(cfg.Library.Paths) == 0 {
		return nil, fmt.Errorf("%w: pass blueprint paths or set library.paths", blueprint.ErrNoBlueprints)
	}
	return cfg.Library.Paths, nil
}

// buildSnapshot loads and validates the blueprints at paths and returns a
// runner serving them.
//
// Description:
//
//	The live generator is optional. Without an API key the env carries
//	no live generator and LLM pipes fail at run time, while dry runs keep
//	working through the dry generator.
//
// Outputs:
//
//	*api.Snapshot - Library and runner. Close the runner when done.
//	*tracker.Recorder - Lineage recorder, nil when tracking is disabled.
//	error - Load, validation or runner failure.
func buildSnapshot(cfg config.Config, paths []string, logger *slog.Logger) (*api.Snapshot, *tracker.Recorder, error) {
	policy, err := cfg.ReactionPolicy()
	if err != nil {
		return nil, nil, err
	}
	concepts, pipes, err := blueprint.Load(paths, blueprint.Options{
		DefaultModel: cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		Policy:       policy,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	env := &pipe.Env{
		Pipes:               pipes,
		Concepts:            concepts,
		Router:              pipe.NewRouter(cfg.Router.MaxPipeDepth),
		Tracker:             tracker.Nop{},
		Templates:           templating.NewJinja2Renderer(logger),
		DryGenerator:        generation.NewDryGenerator(),
		Policy:              policy,
		Logger:              logger,
		Metrics:             telemetry.DefaultMetrics(),
		HistoryItemsLimit:   cfg.Tracker.HistoryItemsLimit,
		MaxBatchConcurrency: cfg.Batch.MaxConcurrency,
	}

	gen, err := generation.NewOpenAIGenerator(cfg.OpenAI(), logger)
	switch {
	case err == nil:
		env.Generator = gen
	case errors.Is(err, generation.ErrUnsupported):
		logger.Warn("live generator disabled, only dry runs can call the model",
			slog.String("api_key_env", cfg.LLM.APIKeyEnv))
	default:
		return nil, nil, err
	}

	var recorder *tracker.Recorder
	if cfg.Tracker.Enabled {
		recorder = tracker.NewRecorder(clockwork.NewRealClock(), logger)
		env.Tracker = recorder
	}

	runner, err := pipeline.NewRunner(env, pipeline.Options{
		RunTTL:            cfg.Pipeline.RunTTL,
		DryRunConcurrency: cfg.Pipeline.DryRunConcurrency,
	})
	if err != nil {
		return nil, nil, err
	}
	return &api.Snapshot{Runner: runner, Pipes: pipes}, recorder, nil
}
