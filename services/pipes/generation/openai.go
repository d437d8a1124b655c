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
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianPipes/services/pipes/memory"
)

const (
	defaultModel        = "gpt-4o-mini"
	defaultSystemPrompt = "You are a helpful assistant."
	pageExtractPrompt   = "Extract all the text visible in this page image. Return only the text, preserving reading order."
)

// OpenAIConfig configures the live OpenAI-compatible generator.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	// MaxRetries is how many times a rate-limited, 5xx or network failure
	// is retried with exponential backoff. Zero disables retries.
	MaxRetries uint

	// RetryInitialInterval is the first backoff delay. Zero means 500ms.
	RetryInitialInterval time.Duration

	// RequestsPerSecond caps the request rate across all callers, which
	// matters when a batch fans out over many items. Zero means no cap.
	RequestsPerSecond float64

	// Burst is the limiter bucket size. Zero means 1.
	Burst int
}

// OpenAIGenerator calls an OpenAI-compatible chat completion endpoint.
//
// Description:
//
//	Text and object requests become one chat completion each. Images are
//	sent as image_url parts. Page extraction sends one vision request per
//	image; PDFs must be rasterised upstream and return ErrUnsupported.
//
// Thread Safety: Safe for concurrent use.
type OpenAIGenerator struct {
	client     *openai.Client
	model      string
	maxRetries uint
	initial    time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewOpenAIGenerator builds a generator from cfg.
func NewOpenAIGenerator(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key not set", ErrUnsupported)
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
		logger.Warn("llm model not set, using default", slog.String("model", model))
	}
	logger.Info("initializing OpenAI generator", slog.String("model", model))
	initial := cfg.RetryInitialInterval
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	return &OpenAIGenerator{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		maxRetries: cfg.MaxRetries,
		initial:    initial,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

func (g *OpenAIGenerator) buildRequest(req TextRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = g.model
	}
	system := req.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(req.Images) == 0 {
		user.Content = req.UserPrompt
	} else {
		user.MultiContent = append(user.MultiContent, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: req.UserPrompt,
		})
		for _, img := range req.Images {
			user.MultiContent = append(user.MultiContent, imagePart(img))
		}
	}
	out := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			user,
		},
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = req.MaxTokens
	}
	return out
}

func imagePart(img *memory.ImageContent) openai.ChatMessagePart {
	url := img.URL
	if img.Base64 != "" && !strings.HasPrefix(url, "data:") {
		url = "data:image/png;base64," + img.Base64
	}
	return openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
	}
}

func (g *OpenAIGenerator) complete(ctx context.Context, label string, req openai.ChatCompletionRequest) (string, error) {
	g.logger.Debug("generating via OpenAI", slog.String("label", label), slog.String("model", req.Model))
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.initial
	resp, err := backoff.Retry(ctx,
		func() (openai.ChatCompletionResponse, error) {
			if g.limiter != nil {
				if err := g.limiter.Wait(ctx); err != nil {
					return openai.ChatCompletionResponse{}, backoff.Permanent(err)
				}
			}
			resp, err := g.client.CreateChatCompletion(ctx, req)
			if err != nil && !retryable(err) {
				return resp, backoff.Permanent(err)
			}
			return resp, err
		},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(g.maxRetries+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			g.logger.Warn("OpenAI call failed, retrying",
				slog.String("label", label),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		g.logger.Error("OpenAI API call failed", slog.String("label", label), slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrEmptyResponse)
	}
	g.logger.Debug("received OpenAI response",
		slog.String("label", label),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}

// retryable reports whether err is a rate limit, a server error or a
// network failure.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		var netErr net.Error
		return errors.As(err, &netErr)
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// GenerateText implements Generator.
func (g *OpenAIGenerator) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	return g.complete(ctx, req.Label, g.buildRequest(req))
}

// GenerateObject implements Generator using JSON object response format.
func (g *OpenAIGenerator) GenerateObject(ctx context.Context, req TextRequest) (map[string]any, error) {
	chat := g.buildRequest(req)
	chat.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	text, err := g.complete(ctx, req.Label, chat)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("%w: response is not a JSON object: %w", ErrGeneration, err)
	}
	return out, nil
}

// ExtractPages implements Generator with one vision call per image.
func (g *OpenAIGenerator) ExtractPages(ctx context.Context, req PagesRequest) ([]*memory.PageContent, error) {
	if req.PDF != nil {
		return nil, fmt.Errorf("%w: pdf page extraction requires rasterised pages", ErrUnsupported)
	}
	pages := make([]*memory.PageContent, 0, len(req.Images))
	for i, img := range req.Images {
		text, err := g.GenerateText(ctx, TextRequest{
			Model:      req.Model,
			UserPrompt: pageExtractPrompt,
			Images:     []*memory.ImageContent{img},
			Label:      fmt.Sprintf("%s page %d", labelOr(req.Label), i+1),
		})
		if err != nil {
			return nil, err
		}
		view := *img
		pages = append(pages, &memory.PageContent{
			TextAndImages: memory.TextAndImagesContent{Text: &memory.TextContent{Text: text}},
			PageView:      &view,
		})
	}
	return pages, nil
}
