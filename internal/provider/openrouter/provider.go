// Package openrouter routes chat completions through the OpenRouter
// aggregator and back-fills token usage from its generation stats endpoint.
package openrouter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"promptrouter/internal/models"
	"promptrouter/internal/provider"
	"promptrouter/internal/provider/openai"
)

const name = "openrouter"

// Options configures the aggregator client.
type Options struct {
	APIKey  string
	BaseURL string
	Referer string
	Title   string
	Headers map[string]string
}

// Provider is an OpenAI-compatible client pointed at OpenRouter.
type Provider struct {
	chat *openai.Provider
}

// New constructs the OpenRouter provider.
func New(opts Options, client *http.Client) (*Provider, error) {
	headers := make(map[string]string, len(opts.Headers)+2)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.Referer != "" {
		headers["HTTP-Referer"] = opts.Referer
	}
	if opts.Title != "" {
		headers["X-Title"] = opts.Title
	}

	chat, err := openai.New(openai.Options{
		Name:    name,
		Kind:    models.ProviderOpenRouter,
		APIKey:  opts.APIKey,
		BaseURL: opts.BaseURL,
		Headers: headers,
	}, client)
	if err != nil {
		return nil, fmt.Errorf("initialise openrouter client: %w", err)
	}
	return &Provider{chat: chat}, nil
}

func (p *Provider) Kind() models.ProviderKind {
	return models.ProviderOpenRouter
}

// Complete runs the completion, then replaces usage with the generation
// stats recorded by OpenRouter for the response id. Stats errors propagate.
func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	resp, err := p.chat.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return resp, nil
	}

	stats, err := p.Generation(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	resp.Usage = &models.Usage{
		PromptTokens:     stats.TokensPrompt,
		CompletionTokens: stats.TokensCompletion,
	}
	return resp, nil
}

// Stream passes through to the chat client; streamed responses are not enriched.
func (p *Provider) Stream(ctx context.Context, req models.CompletionRequest) (<-chan models.StreamChunk, <-chan error) {
	return p.chat.Stream(ctx, req)
}

// GenerationStats is the subset of /generation data used for usage.
type GenerationStats struct {
	ID               string  `json:"id"`
	Model            string  `json:"model"`
	TokensPrompt     int     `json:"tokens_prompt"`
	TokensCompletion int     `json:"tokens_completion"`
	TotalCost        float64 `json:"total_cost"`
}

// Generation fetches the usage and cost record of a completed generation.
func (p *Provider) Generation(ctx context.Context, id string) (GenerationStats, error) {
	endpoint := p.chat.BaseURL() + "/generation?id=" + url.QueryEscape(id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return GenerationStats{}, fmt.Errorf("construct generation request: %w", err)
	}
	req.Header = p.chat.Headers()

	resp, err := p.chat.Client().Do(req)
	if err != nil {
		return GenerationStats{}, fmt.Errorf("openrouter generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return GenerationStats{}, provider.ParseAPIError(name, resp)
	}

	var envelope struct {
		Data GenerationStats `json:"data"`
	}
	if err := provider.DecodeJSON(resp.Body, &envelope); err != nil {
		return GenerationStats{}, err
	}
	return envelope.Data, nil
}
