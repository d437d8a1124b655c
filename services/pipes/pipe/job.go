// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipe

import (
	"time"

	"github.com/google/uuid"
)

// JobCategory classifies the work a job performs.
type JobCategory string

const (
	JobCategoryPipe     JobCategory = "pipe_job"
	JobCategoryLLM      JobCategory = "llm_job"
	JobCategoryJinja2   JobCategory = "jinja2_job"
	JobCategoryOCR      JobCategory = "ocr_job"
	JobCategoryPipeline JobCategory = "pipeline_job"
)

// JobMetadata identifies the pipeline run a pipe executes within.
type JobMetadata struct {
	JobName       string      `json:"job_name,omitempty"`
	PipelineRunID string      `json:"pipeline_run_id"`
	PipeJobIDs    []string    `json:"pipe_job_ids,omitempty"`
	JobCategory   JobCategory `json:"job_category,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// NewPipelineRunID returns a fresh pipeline run id.
func NewPipelineRunID() string {
	return uuid.NewString()
}

// NewJobMetadata starts metadata for a new pipeline run.
func NewJobMetadata(jobName string) JobMetadata {
	return JobMetadata{
		JobName:       jobName,
		PipelineRunID: NewPipelineRunID(),
		JobCategory:   JobCategoryPipeline,
		StartedAt:     time.Now().UTC(),
	}
}

// CopyWithUpdate returns a copy where every non-zero field of update
// overrides the receiver. PipeJobIDs are appended, not replaced.
func (j JobMetadata) CopyWithUpdate(update JobMetadata) JobMetadata {
	out := j
	out.PipeJobIDs = append([]string(nil), j.PipeJobIDs...)
	if update.JobName != "" {
		out.JobName = update.JobName
	}
	if update.PipelineRunID != "" {
		out.PipelineRunID = update.PipelineRunID
	}
	if len(update.PipeJobIDs) > 0 {
		out.PipeJobIDs = append(out.PipeJobIDs, update.PipeJobIDs...)
	}
	if update.JobCategory != "" {
		out.JobCategory = update.JobCategory
	}
	if !update.StartedAt.IsZero() {
		out.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		completed := *update.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

// Completed returns a copy marked completed at t.
func (j JobMetadata) Completed(t time.Time) JobMetadata {
	return j.CopyWithUpdate(JobMetadata{CompletedAt: &t})
}
