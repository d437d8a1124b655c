// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnknownLevel) {
				t.Errorf("error %v does not wrap ErrUnknownLevel", err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_UnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("New() error = %v, want ErrUnknownLevel", err)
	}
}

func TestNew_ConsoleText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Service: "pipes", Console: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	logger.Slog().Info("pipe started", "pipe", "summarize")
	logger.Slog().Debug("hidden")

	out := buf.String()
	for _, want := range []string{"pipe started", "pipe=summarize", "service=pipes"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record written at info level: %q", out)
	}
}

func TestNew_ConsoleJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", JSON: true, Console: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Debug("batch started", "branches", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("console output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "batch started" {
		t.Errorf("msg = %v, want batch started", rec["msg"])
	}
	if rec["branches"] != float64(3) {
		t.Errorf("branches = %v, want 3", rec["branches"])
	}
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	logger, err := New(Config{Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Error("nowhere")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger, err := New(Config{LogDir: dir, Service: "pipes-test", Console: &console})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.With("run_id", "r1").Info("run completed")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "pipes-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"r1"`) {
		t.Errorf("file missing attribute: %s", data)
	}
	if !strings.Contains(console.String(), "run completed") {
		t.Errorf("console missing record: %q", console.String())
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{LogDir: filepath.Join(file, "logs")}); err == nil {
		t.Error("New() succeeded with a file in place of the log dir")
	}
}

func TestLogger_CloseTwice(t *testing.T) {
	logger, err := New(Config{LogDir: t.TempDir(), Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var buf safeBuffer
	logger, err := New(Config{Console: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Slog().Info("branch done", "index", i)
		}()
	}
	wg.Wait()
	if got := strings.Count(buf.String(), "branch done"); got != 20 {
		t.Errorf("got %d records, want 20", got)
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler(t *testing.T) {
	var debug, warn bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	ctx := context.Background()
	if !h.Enabled(ctx, slog.LevelDebug) {
		t.Error("Enabled(debug) = false, want true")
	}

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("svc", "pipes")}).WithGroup("g"))
	logger.Info("info only", "k", "v")
	logger.Warn("both")

	if !strings.Contains(debug.String(), "info only") || !strings.Contains(debug.String(), "g.k=v") {
		t.Errorf("debug handler output %q", debug.String())
	}
	if strings.Contains(warn.String(), "info only") {
		t.Errorf("warn handler received an info record: %q", warn.String())
	}
	if !strings.Contains(warn.String(), "both") || !strings.Contains(warn.String(), "svc=pipes") {
		t.Errorf("warn handler output %q", warn.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
