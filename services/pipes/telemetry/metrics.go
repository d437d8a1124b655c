// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the pipes metrics.
const MeterName = "aleutian.pipes"

// Metrics holds the pipes instruments. All metrics use the "pipes_" prefix.
//
// Thread Safety: Safe for concurrent use after creation. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// RunsTotal counts pipe runs by kind, mode and status.
	RunsTotal metric.Int64Counter

	// RunDuration records pipe run duration in seconds by kind and mode.
	RunDuration metric.Float64Histogram

	// ActiveRuns tracks pipe runs in progress.
	ActiveRuns metric.Int64UpDownCounter

	// BatchBranchesTotal counts batch branches launched by mode.
	BatchBranchesTotal metric.Int64Counter

	// ConditionChoicesTotal counts condition outcomes by pipe and chosen pipe.
	ConditionChoicesTotal metric.Int64Counter

	// HTTPRequestsTotal counts API requests by route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records API request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics registers every instrument with meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunsTotal, err = meter.Int64Counter(
		"pipes_runs_total",
		metric.WithDescription("Total pipe runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs_total: %w", err)
	}

	m.RunDuration, err = meter.Float64Histogram(
		"pipes_run_duration_seconds",
		metric.WithDescription("Pipe run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create run_duration: %w", err)
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter(
		"pipes_active_runs",
		metric.WithDescription("Pipe runs in progress"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_runs: %w", err)
	}

	m.BatchBranchesTotal, err = meter.Int64Counter(
		"pipes_batch_branches_total",
		metric.WithDescription("Total batch branches launched"),
		metric.WithUnit("{branch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch_branches_total: %w", err)
	}

	m.ConditionChoicesTotal, err = meter.Int64Counter(
		"pipes_condition_choices_total",
		metric.WithDescription("Total condition branch selections"),
		metric.WithUnit("{choice}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create condition_choices_total: %w", err)
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"pipes_http_requests_total",
		metric.WithDescription("Total API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"pipes_http_request_duration_seconds",
		metric.WithDescription("API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments created lazily from the global meter.
// It returns nil if creation failed; a nil *Metrics records nothing.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.Meter(MeterName))
		if err != nil {
			slog.Error("failed to initialize pipes metrics (observability degraded)",
				slog.String("error", err.Error()))
			return
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RunStarted marks a pipe run as in progress.
func (m *Metrics) RunStarted(ctx context.Context, kind, mode string) {
	if m == nil {
		return
	}
	m.ActiveRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("mode", mode),
	))
}

// RunFinished records the outcome and duration of a pipe run.
func (m *Metrics) RunFinished(ctx context.Context, kind, mode string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ActiveRuns.Add(ctx, -1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("mode", mode),
	))
	m.RunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("mode", mode),
		attribute.String("status", status),
	))
	m.RunDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("mode", mode),
	))
}

// BatchBranches records launched batch branches.
func (m *Metrics) BatchBranches(ctx context.Context, mode string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.BatchBranchesTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("mode", mode)))
}

// ConditionChoice records the pipe chosen by a condition.
func (m *Metrics) ConditionChoice(ctx context.Context, pipeCode, chosen string) {
	if m == nil {
		return
	}
	m.ConditionChoicesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipe", pipeCode),
		attribute.String("chosen", chosen),
	))
}

// HTTPRequest records one API request.
func (m *Metrics) HTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), attrs)
}
