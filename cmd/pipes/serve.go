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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipes/services/pipes/api"
	"github.com/AleutianAI/AleutianPipes/services/pipes/config"
	"github.com/AleutianAI/AleutianPipes/services/pipes/telemetry"
)

const reloadDebounce = 300 * time.Millisecond

func newServeCmd(a *app) *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve [paths...]",
		Short: "Serve the pipe library over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			paths, err := libraryPaths(a.cfg, args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, paths, watch, a.log.Slog())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the library when blueprint files change")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, paths []string, watch bool, logger *slog.Logger) error {
	snap, _, err := buildSnapshot(cfg, paths, logger)
	if err != nil {
		return err
	}
	source := api.NewAtomicSource(snap)
	defer func() {
		shutdownRunner(source.Current(), cfg.Server.ShutdownTimeout, logger)
	}()

	if watch {
		rl := &reloader{cfg: cfg, paths: paths, source: source, logger: logger}
		stopWatch, err := rl.watch(ctx)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(source, api.Options{
		ServiceName:    cfg.Telemetry.ServiceName,
		Logger:         logger,
		Metrics:        telemetry.DefaultMetrics(),
		MetricsHandler: telemetry.MetricsHandler(),
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pipes server listening",
			slog.String("addr", cfg.Server.Addr),
			slog.Int("pipes", snap.Pipes.Len()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down pipes server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func shutdownRunner(snap *api.Snapshot, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := snap.Runner.Shutdown(ctx); err != nil {
		logger.Warn("runner shutdown incomplete", slog.String("error", err.Error()))
	}
}

// reloader rebuilds the snapshot when blueprint files change.
//
// Description:
//
//	A rebuild that fails to load keeps the current snapshot. Dry run
//	failures are logged but do not block the swap, so one broken pipe
//	does not take the rest of the library offline. The replaced runner
//	drains in the background.
type reloader struct {
	cfg    config.Config
	paths  []string
	source *api.AtomicSource
	logger *slog.Logger
}

// watch starts watching every directory under paths and returns a stop
// function.
func (r *reloader) watch(ctx context.Context) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range watchDirs(r.paths) {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.loop(ctx, w)
	}()
	return func() {
		cancel()
		_ = w.Close()
		<-done
	}, nil
}

func (r *reloader) loop(ctx context.Context, w *fsnotify.Watcher) {
	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.Add(event.Name)
				}
			}
			if !isBlueprint(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			trigger = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("blueprint watcher error", slog.String("error", err.Error()))
		case <-trigger:
			trigger = nil
			r.reload(ctx)
		}
	}
}

// reload rebuilds and swaps the snapshot.
func (r *reloader) reload(ctx context.Context) {
	snap, _, err := buildSnapshot(r.cfg, r.paths, r.logger)
	if err != nil {
		r.logger.Error("library reload failed, keeping current library", slog.String("error", err.Error()))
		return
	}
	failed := logDryRunFailures(r.logger, snap.Runner.DryRunAll(ctx, pipeCodes(snap.Pipes)))
	prev := r.source.Swap(snap)
	r.logger.Info("pipe library reloaded",
		slog.Int("pipes", snap.Pipes.Len()),
		slog.Int("dry_run_failures", failed))
	if prev != nil {
		go shutdownRunner(prev, r.cfg.Server.ShutdownTimeout, r.logger)
	}
}

// watchDirs returns every directory under paths. A file path contributes
// its parent so editors that replace files are still seen.
func watchDirs(paths []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(d string) {
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			add(filepath.Dir(p))
			continue
		}
		_ = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				add(path)
			}
			return nil
		})
	}
	return dirs
}

func isBlueprint(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
