// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDryGenerator(t *testing.T) {
	g := NewDryGenerator()
	ctx := context.Background()

	text, err := g.GenerateText(ctx, TextRequest{Label: "summarize"})
	require.NoError(t, err)
	assert.Contains(t, text, "summarize")

	obj, err := g.GenerateObject(ctx, TextRequest{})
	require.NoError(t, err)
	assert.Contains(t, obj, "text")

	pages, err := g.ExtractPages(ctx, PagesRequest{Images: []*memory.ImageContent{{URL: "a"}, {URL: "b"}}})
	require.NoError(t, err)
	assert.Len(t, pages, 2)

	pages, err = g.ExtractPages(ctx, PagesRequest{PDF: &memory.PDFContent{URL: "doc.pdf"}})
	require.NoError(t, err)
	assert.Len(t, pages, 1)

	assert.EqualValues(t, 4, g.Calls())
}

func TestDryGenerator_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDryGenerator().GenerateText(ctx, TextRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

type chatHandler struct {
	calls   atomic.Int32
	reply   string
	lastReq map[string]any
}

func (h *chatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls.Add(1)
	_ = json.NewDecoder(r.Body).Decode(&h.lastReq)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": h.reply},
		}},
	})
}

func newTestGenerator(t *testing.T, h http.Handler) *OpenAIGenerator {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "test-model"}, nil)
	require.NoError(t, err)
	return g
}

func TestOpenAIGenerator_GenerateText(t *testing.T) {
	h := &chatHandler{reply: "hello there"}
	g := newTestGenerator(t, h)

	text, err := g.GenerateText(context.Background(), TextRequest{UserPrompt: "hi", Label: "greet"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.Equal(t, "test-model", h.lastReq["model"])
}

func TestOpenAIGenerator_GenerateObject(t *testing.T) {
	g := newTestGenerator(t, &chatHandler{reply: `{"answer": "yes"}`})
	obj, err := g.GenerateObject(context.Background(), TextRequest{UserPrompt: "json please"})
	require.NoError(t, err)
	assert.Equal(t, "yes", obj["answer"])

	g = newTestGenerator(t, &chatHandler{reply: "not json"})
	_, err = g.GenerateObject(context.Background(), TextRequest{UserPrompt: "json please"})
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestOpenAIGenerator_ExtractPages(t *testing.T) {
	h := &chatHandler{reply: "page text"}
	g := newTestGenerator(t, h)

	pages, err := g.ExtractPages(context.Background(), PagesRequest{
		Images: []*memory.ImageContent{{URL: "https://example.com/1.png"}, {Base64: "aGk="}},
	})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "page text", pages[0].TextAndImages.Text.Text)
	assert.EqualValues(t, 2, h.calls.Load())

	_, err = g.ExtractPages(context.Background(), PagesRequest{PDF: &memory.PDFContent{URL: "x.pdf"}})
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestOpenAIGenerator_ServerError(t *testing.T) {
	g := newTestGenerator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	_, err := g.GenerateText(context.Background(), TextRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestNewOpenAIGenerator_RequiresKey(t *testing.T) {
	_, err := NewOpenAIGenerator(OpenAIConfig{}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "api key"))
}

func TestOpenAIGenerator_RetriesTransientFailures(t *testing.T) {
	ok := &chatHandler{reply: "after retry"}
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"busy"}}`, http.StatusServiceUnavailable)
			return
		}
		ok.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	g, err := NewOpenAIGenerator(OpenAIConfig{
		APIKey:               "test",
		BaseURL:              srv.URL + "/v1",
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
	}, nil)
	require.NoError(t, err)

	text, err := g.GenerateText(context.Background(), TextRequest{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "after retry", text)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestOpenAIGenerator_DoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	g, err := NewOpenAIGenerator(OpenAIConfig{
		APIKey:               "test",
		BaseURL:              srv.URL + "/v1",
		MaxRetries:           3,
		RetryInitialInterval: time.Millisecond,
	}, nil)
	require.NoError(t, err)

	_, err = g.GenerateText(context.Background(), TextRequest{UserPrompt: "hi"})
	assert.ErrorIs(t, err, ErrGeneration)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestOpenAIGenerator_RateLimited(t *testing.T) {
	h := &chatHandler{reply: "ok"}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	g, err := NewOpenAIGenerator(OpenAIConfig{
		APIKey:            "test",
		BaseURL:           srv.URL + "/v1",
		RequestsPerSecond: 0.001,
		Burst:             1,
		MaxRetries:        3,
	}, nil)
	require.NoError(t, err)

	_, err = g.GenerateText(context.Background(), TextRequest{UserPrompt: "first"})
	require.NoError(t, err)

	// The bucket is empty and the next token is minutes away.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.GenerateText(ctx, TextRequest{UserPrompt: "second"})
	require.ErrorIs(t, err, ErrGeneration)
	assert.EqualValues(t, 1, h.calls.Load())
}
