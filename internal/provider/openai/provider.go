package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"promptrouter/internal/models"
	"promptrouter/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "promptrouter/0.1"
	doneMarker      = "[DONE]"
)

// Options configures an OpenAI-compatible client.
type Options struct {
	// Name labels errors and logs; defaults to "openai".
	Name    string
	Kind    models.ProviderKind
	APIKey  string
	BaseURL string
	// Headers are sent on every request and override the defaults.
	Headers map[string]string
}

// Provider implements chat completions for OpenAI-compatible APIs.
type Provider struct {
	name    string
	kind    models.ProviderKind
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client
	chatURL string
}

// New creates a new OpenAI-compatible provider.
func New(opts Options, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	name := opts.Name
	if name == "" {
		name = "openai"
	}
	kind := opts.Kind
	if kind == "" {
		kind = models.ProviderOpenAI
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &Provider{
		name:    name,
		kind:    kind,
		apiKey:  opts.APIKey,
		baseURL: baseURL,
		headers: headers,
		client:  client,
		chatURL: baseURL + "/chat/completions",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Kind() models.ProviderKind {
	return p.kind
}

// BaseURL returns the endpoint root without a trailing slash.
func (p *Provider) BaseURL() string {
	return p.baseURL
}

// Headers returns a copy of the headers sent with every request, including
// authorization and content type.
func (p *Provider) Headers() http.Header {
	h := make(http.Header, len(p.headers)+2)
	h.Set("Authorization", "Bearer "+p.apiKey)
	h.Set("Content-Type", contentTypeJSON)
	for k, v := range p.headers {
		h.Set(k, v)
	}
	return h
}

// Client returns the HTTP client used for upstream calls.
func (p *Provider) Client() *http.Client {
	return p.client
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	req.Stream = false

	httpReq, err := p.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", contentTypeJSON)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s chat request failed: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, provider.ParseAPIError(p.name, httpResp)
	}

	var resp models.CompletionResponse
	if err := provider.DecodeJSON(httpResp.Body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
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
	req.Stream = true

	httpReq, err := p.newRequest(ctx, req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s stream request failed: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return provider.ParseAPIError(p.name, httpResp)
	}

	return provider.ReadEvents(httpResp.Body, func(_ string, data string) error {
		if strings.TrimSpace(data) == doneMarker {
			return provider.ErrStopStream
		}

		var chunk models.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode %s stream chunk: %w", p.name, err)
		}

		select {
		case out <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (p *Provider) newRequest(ctx context.Context, payload models.CompletionRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header = p.Headers()
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}
