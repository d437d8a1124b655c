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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipes/services/pipes/api"
	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipe"
	"github.com/AleutianAI/AleutianPipes/services/pipes/pipeline"
	"github.com/AleutianAI/AleutianPipes/services/pipes/tracker"
)

// ErrDryRunFailed is returned by validate when at least one pipe fails its
// dry run.
var ErrDryRunFailed = errors.New("dry run failed")

func newValidateCmd(a *app) *cobra.Command {
	var skipDryRun bool
	cmd := &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Load a library, check every reference and dry run every pipe",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := libraryPaths(a.cfg, args)
			if err != nil {
				return err
			}
			snap, _, err := buildSnapshot(a.cfg, paths, a.log.Slog())
			if err != nil {
				return err
			}
			defer snap.Runner.Close()

			out := cmd.OutOrStdout()
			if skipDryRun {
				fmt.Fprintf(out, "%d pipes loaded\n", snap.Pipes.Len())
				return nil
			}
			codes := pipeCodes(snap.Pipes)
			failed := 0
			for _, res := range snap.Runner.DryRunAll(cmd.Context(), codes) {
				if res.Err != nil {
					failed++
					fmt.Fprintf(out, "FAIL  %s: %v\n", res.PipeCode, res.Err)
					continue
				}
				fmt.Fprintf(out, "ok    %s\n", res.PipeCode)
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d pipes", ErrDryRunFailed, failed, len(codes))
			}
			fmt.Fprintf(out, "%d pipes validated\n", len(codes))
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipDryRun, "skip-dry-run", false, "only load and check references")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [paths...]",
		Short: "List the pipes of a library by domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := libraryPaths(a.cfg, args)
			if err != nil {
				return err
			}
			snap, _, err := buildSnapshot(a.cfg, paths, a.log.Slog())
			if err != nil {
				return err
			}
			defer snap.Runner.Close()

			byDomain := snap.Pipes.ListByDomain()
			domains := make([]string, 0, len(byDomain))
			for d := range byDomain {
				domains = append(domains, d)
			}
			sort.Strings(domains)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DOMAIN\tCODE\tKIND\tOUTPUT\tDESCRIPTION")
			for _, d := range domains {
				pipes := byDomain[d]
				sort.Slice(pipes, func(i, j int) bool { return pipes[i].Code() < pipes[j].Code() })
				for _, p := range pipes {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d, p.Code(), p.Kind(), p.OutputConcept(), p.Description())
				}
			}
			return w.Flush()
		},
	}
}

type runFlags struct {
	input     string
	outName   string
	libraries []string
	lineage   bool
}

// newRunCmd builds "run" or, when dry is set, "dry-run". A dry run without
// --input runs on mock inputs.
func newRunCmd(a *app, dry bool) *cobra.Command {
	flags := &runFlags{}
	use, short := "run <pipe-code>", "Run a pipe and print its output memory"
	if dry {
		use, short = "dry-run <pipe-code>", "Run a pipe with mock content, never calling the model"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := libraryPaths(a.cfg, flags.libraries)
			if err != nil {
				return err
			}
			snap, recorder, err := buildSnapshot(a.cfg, paths, a.log.Slog())
			if err != nil {
				return err
			}
			defer snap.Runner.Close()

			out, err := runOnce(cmd, snap.Runner, args[0], dry, flags)
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), out, recorder, flags.lineage)
		},
	}
	cmd.Flags().StringVarP(&flags.input, "input", "i", "", `input memory as JSON, a file path, or "-" for stdin`)
	cmd.Flags().StringVarP(&flags.outName, "output-name", "o", "", "name to store the main output under")
	cmd.Flags().StringSliceVarP(&flags.libraries, "library", "l", nil, "blueprint paths, replacing library.paths")
	cmd.Flags().BoolVar(&flags.lineage, "lineage", false, "include recorded lineage edges")
	return cmd
}

func runOnce(cmd *cobra.Command, runner *pipeline.Runner, code string, dry bool, flags *runFlags) (*pipe.Output, error) {
	if dry && flags.input == "" {
		return runner.DryRunPipe(cmd.Context(), code)
	}
	input, err := readInput(cmd.InOrStdin(), flags.input)
	if err != nil {
		return nil, err
	}
	mode := pipe.RunModeLive
	if dry {
		mode = pipe.RunModeDry
	}
	return runner.Execute(cmd.Context(), pipeline.Request{
		PipeCode:    code,
		InputMemory: input,
		OutputName:  flags.outName,
		RunMode:     mode,
		JobName:     "cli_" + code,
	})
}

// readInput decodes a compact memory from inline JSON, a file, or stdin.
func readInput(stdin io.Reader, arg string) (memory.CompactMemory, error) {
	var data []byte
	switch {
	case arg == "":
		return nil, nil
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case json.Valid([]byte(arg)):
		data = []byte(arg)
	default:
		b, err := os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		data = b
	}
	var compact memory.CompactMemory
	if err := json.Unmarshal(data, &compact); err != nil {
		return nil, fmt.Errorf("decode input memory: %w", err)
	}
	return compact, nil
}

type runOutput struct {
	*api.RunResponse
	Lineage []tracker.Edge `json:"lineage,omitempty"`
}

func printRun(w io.Writer, out *pipe.Output, recorder *tracker.Recorder, lineage bool) error {
	res := runOutput{RunResponse: api.NewRunResponse(out)}
	if lineage && recorder != nil {
		res.Lineage = recorder.Edges()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func pipeCodes(lib *pipe.Library) []string {
	pipes := lib.Pipes()
	codes := make([]string, 0, len(pipes))
	for _, p := range pipes {
		codes = append(codes, p.Code())
	}
	sort.Strings(codes)
	return codes
}

// logDryRunFailures reports failures without aborting, for reloads.
func logDryRunFailures(logger *slog.Logger, results []pipeline.DryRunResult) int {
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			logger.Warn("pipe dry run failed",
				slog.String("pipe", res.PipeCode),
				slog.String("error", res.Err.Error()))
		}
	}
	return failed
}
