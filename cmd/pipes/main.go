// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command pipes loads pipe blueprints and runs them.
//
// Usage:
//
//	pipes validate -c pipes.yaml
//	pipes list ./library
//	pipes run summarize --input memory.json
//	pipes dry-run summarize
//	pipes serve -c pipes.yaml
//
// Blueprint paths given as arguments replace library.paths from the config.
// The OpenAI API key is read from the variable named by llm.api_key_env;
// without it only dry runs and template or function pipes can run.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipes/pkg/logging"
	"github.com/AleutianAI/AleutianPipes/services/pipes/config"
	"github.com/AleutianAI/AleutianPipes/services/pipes/telemetry"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
	jsonLogs   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	a := &app{}

	root := &cobra.Command{
		Use:           "pipes",
		Short:         "Load, validate and run pipe libraries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context(), flags)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("PIPES_CONFIG"), "YAML config file")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, ".env files to load")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level")
	root.PersistentFlags().BoolVar(&flags.jsonLogs, "json-logs", false, "log JSON to the console")

	root.AddCommand(
		newValidateCmd(a),
		newListCmd(a),
		newRunCmd(a, false),
		newRunCmd(a, true),
		newServeCmd(a),
	)
	return root
}

// app holds what every subcommand needs once flags are parsed.
type app struct {
	cfg               config.Config
	log               *logging.Logger
	shutdownTelemetry func(context.Context) error
}

func (a *app) init(ctx context.Context, flags *globalFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(flags.configPath, flags.envFiles...)
	if err != nil {
		return err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.jsonLogs {
		cfg.Logging.JSON = true
	}
	a.cfg = cfg

	a.log, err = logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		LogDir:  cfg.Logging.LogDir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	a.shutdownTelemetry, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	return nil
}

func (a *app) close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(ctx))
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
