// Package anthropic is the distinct-family completion function: it accepts
// the OpenAI-shaped request used everywhere else, speaks the Anthropic
// Messages API upstream, and maps the reply back into the unified shape.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"promptrouter/internal/models"
	"promptrouter/internal/provider"
)

const (
	name             = "anthropic"
	contentTypeJSON  = "application/json"
	userAgent        = "promptrouter/0.1"
	defaultVersion   = "2023-06-01"
	defaultMaxTokens = 4096
)

// Options configures the Messages API client.
type Options struct {
	APIKey  string
	BaseURL string
	Version string
	// DefaultMaxTokens is sent when the caller leaves max_tokens unset
	// because the Messages API requires it.
	DefaultMaxTokens int
	Headers          map[string]string
}

// Provider implements Anthropic Claude API interactions.
type Provider struct {
	apiKey    string
	version   string
	maxTokens int
	headers   map[string]string
	client    *http.Client
	messages  string
	now       func() time.Time
}

// New constructs a Claude provider instance.
func New(opts Options, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	version := opts.Version
	if version == "" {
		version = defaultVersion
	}
	maxTokens := opts.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Provider{
		apiKey:    opts.APIKey,
		version:   version,
		maxTokens: maxTokens,
		headers:   opts.Headers,
		client:    client,
		messages:  baseURL + "/v1/messages",
		now:       time.Now,
	}, nil
}

func (p *Provider) Kind() models.ProviderKind {
	return models.ProviderAnthropic
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	payload, err := p.buildPayload(req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("claude chat request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, provider.ParseAPIError(name, httpResp)
	}

	var providerResp messageResponse
	if err := provider.DecodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}

	return providerResp.toUnified(p.now().Unix())
}

func (p *Provider) Stream(ctx context.Context, req models.CompletionRequest) (<-chan models.StreamChunk, <-chan error) {
	chunkCh := make(chan models.StreamChunk, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		if err := p.stream(ctx, req, chunkCh); err != nil {
			errCh <- err
		}
	}()

	return chunkCh, errCh
}

func (p *Provider) stream(ctx context.Context, req models.CompletionRequest, out chan<- models.StreamChunk) error {
	payload, err := p.buildPayload(req, true)
	if err != nil {
		return err
	}

	httpReq, err := p.newRequest(ctx, payload)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("claude stream request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return provider.ParseAPIError(name, httpResp)
	}

	state := &streamState{model: req.Model, created: p.now().Unix()}
	return provider.ReadEvents(httpResp.Body, func(_ string, data string) error {
		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("decode claude stream event: %w", err)
		}

		chunk, ok, err := state.apply(event)
		if err != nil || !ok {
			return err
		}

		select {
		case out <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (p *Provider) newRequest(ctx context.Context, payload messagePayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.messages, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.version)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type streamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	Message      messageResponse `json:"message"`
	ContentBlock contentBlock    `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage usageBlock `json:"usage"`
	Error *apiError  `json:"error"`
}

// streamState tracks what a Messages stream has announced so far so each
// event can be expressed as an OpenAI-style chunk.
type streamState struct {
	id          string
	model       string
	created     int64
	inputTokens int
	// toolIndex maps content block index to tool call position.
	toolIndex map[int]int
}

func (s *streamState) chunk(delta models.Delta, finish string) models.StreamChunk {
	return models.StreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []models.StreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (s *streamState) apply(event streamEvent) (models.StreamChunk, bool, error) {
	switch event.Type {
	case "message_start":
		s.id = completionID(event.Message.ID)
		if event.Message.Model != "" {
			s.model = event.Message.Model
		}
		s.inputTokens = event.Message.Usage.InputTokens
		return s.chunk(models.Delta{Role: models.RoleAssistant}, ""), true, nil

	case "content_block_start":
		if event.ContentBlock.Type != "tool_use" {
			return models.StreamChunk{}, false, nil
		}
		if s.toolIndex == nil {
			s.toolIndex = make(map[int]int)
		}
		position := len(s.toolIndex)
		s.toolIndex[event.Index] = position
		return s.chunk(models.Delta{ToolCalls: []models.ToolCall{{
			Index:    &position,
			ID:       event.ContentBlock.ID,
			Type:     "function",
			Function: &models.FunctionSpec{Name: event.ContentBlock.Name},
		}}}, ""), true, nil

	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			return s.chunk(models.Delta{Content: event.Delta.Text}, ""), true, nil
		case "input_json_delta":
			position, ok := s.toolIndex[event.Index]
			if !ok {
				return models.StreamChunk{}, false, nil
			}
			return s.chunk(models.Delta{ToolCalls: []models.ToolCall{{
				Index:    &position,
				Type:     "function",
				Function: &models.FunctionSpec{Arguments: event.Delta.PartialJSON},
			}}}, ""), true, nil
		}
		return models.StreamChunk{}, false, nil

	case "message_delta":
		chunk := s.chunk(models.Delta{}, finishReason(event.Delta.StopReason))
		chunk.Usage = &models.Usage{
			PromptTokens:     s.inputTokens,
			CompletionTokens: event.Usage.OutputTokens,
			TotalTokens:      s.inputTokens + event.Usage.OutputTokens,
		}
		return chunk, true, nil

	case "message_stop":
		return models.StreamChunk{}, false, provider.ErrStopStream

	case "error":
		apiErr := &provider.APIError{Provider: name, StatusCode: http.StatusBadGateway}
		if event.Error != nil {
			apiErr.Type = event.Error.Type
			apiErr.Message = event.Error.Message
		}
		return models.StreamChunk{}, false, apiErr
	}

	// ping and unknown events carry nothing for the caller.
	return models.StreamChunk{}, false, nil
}

func completionID(messageID string) string {
	if messageID != "" {
		return messageID
	}
	return "chatcmpl-" + uuid.NewString()
}
