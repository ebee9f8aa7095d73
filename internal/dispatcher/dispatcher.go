// Package dispatcher runs a prompt end to end: template compilation, message
// normalization, provider selection from the model catalog, and the
// completion call.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"promptrouter/internal/models"
	"promptrouter/internal/prompt"
	"promptrouter/internal/provider"
)

// Catalog resolves model descriptors by exact id.
type Catalog interface {
	Lookup(modelID string) (models.Model, bool)
}

// Input is one prompt run.
type Input struct {
	// Content is a plain string or a []models.InputMessage.
	Content   any
	Params    models.Params
	Variables map[string]string
	Model     string
	Stream    bool
}

// Dispatcher routes prompt runs to the provider of their model.
type Dispatcher struct {
	catalog  Catalog
	handlers map[models.ProviderKind]provider.Provider
	logger   *slog.Logger
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New constructs a dispatcher. handlers must include the default OpenAI route.
func New(catalog Catalog, handlers map[models.ProviderKind]provider.Provider, opts ...Option) (*Dispatcher, error) {
	if catalog == nil {
		return nil, errors.New("catalog must not be nil")
	}
	if handlers[models.ProviderOpenAI] == nil {
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, models.ProviderOpenAI)
	}

	d := &Dispatcher{
		catalog:  catalog,
		handlers: make(map[models.ProviderKind]provider.Provider, len(handlers)),
		logger:   slog.Default(),
	}
	for kind, handler := range handlers {
		d.handlers[kind] = handler
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run executes a non-streaming completion. Provider errors are returned as-is.
func (d *Dispatcher) Run(ctx context.Context, in Input) (*models.CompletionResponse, error) {
	in.Stream = false

	handler, req, err := d.prepare(in)
	if err != nil {
		return nil, err
	}
	return handler.Complete(ctx, req)
}

// Stream executes a streamed completion. Streamed responses are never
// enriched with aggregator usage.
func (d *Dispatcher) Stream(ctx context.Context, in Input) (<-chan models.StreamChunk, <-chan error) {
	in.Stream = true

	handler, req, err := d.prepare(in)
	if err != nil {
		chunkCh := make(chan models.StreamChunk)
		errCh := make(chan error, 1)
		errCh <- err
		close(chunkCh)
		close(errCh)
		return chunkCh, errCh
	}
	return handler.Stream(ctx, req)
}

// Resolve returns the provider that serves modelID. Models missing from the
// catalog, or tagged with an unrecognised provider, use the OpenAI route.
func (d *Dispatcher) Resolve(modelID string) (provider.Provider, error) {
	kind := models.ProviderOpenAI
	if model, ok := d.catalog.Lookup(modelID); ok {
		kind = model.Provider.Route()
	}

	handler, ok := d.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, kind)
	}
	return handler, nil
}

func (d *Dispatcher) prepare(in Input) (provider.Provider, models.CompletionRequest, error) {
	compiled, err := prompt.CompilePrompt(in.Content, in.Variables)
	if err != nil {
		return nil, models.CompletionRequest{}, err
	}

	handler, err := d.Resolve(in.Model)
	if err != nil {
		return nil, models.CompletionRequest{}, err
	}

	req := BuildRequest(in.Model, prompt.NormalizeMessages(compiled), in.Params, in.Stream)

	d.logger.Debug("dispatching prompt",
		"model", in.Model,
		"provider", handler.Kind(),
		"messages", len(req.Messages),
		"stream", in.Stream,
		"tools", len(req.Tools),
	)
	return handler, req, nil
}

// BuildRequest assembles the completion request. Unset parameters stay unset;
// tool declarations pass through the all-or-nothing validator.
func BuildRequest(model string, messages []models.Message, params models.Params, stream bool) models.CompletionRequest {
	params.Tools = prompt.ValidateToolCalls(model, params.Tools)
	return models.CompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Params:   params,
	}
}
