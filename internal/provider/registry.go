package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"promptrouter/internal/models"
)

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrUnknownProvider indicates no handler is wired for a provider kind.
var ErrUnknownProvider = errors.New("no provider configured for kind")

// Provider executes chat completions against one upstream family.
type Provider interface {
	Kind() models.ProviderKind
	Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error)
	// Stream emits partial results until the upstream finishes. Both channels
	// are closed when the stream ends; at most one error is sent.
	Stream(ctx context.Context, req models.CompletionRequest) (<-chan models.StreamChunk, <-chan error)
}

// Registry is the model catalog, keyed by exact model id.
type Registry struct {
	mu     sync.RWMutex
	models map[string]models.Model
}

// NewRegistry constructs a registry holding the given catalog entries.
func NewRegistry(catalog []models.Model) (*Registry, error) {
	r := &Registry{models: make(map[string]models.Model, len(catalog))}
	for _, model := range catalog {
		if err := r.Register(model); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a model descriptor to the catalog.
func (r *Registry) Register(model models.Model) error {
	if model.ID == "" {
		return errors.New("model id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[model.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
	}
	r.models[model.ID] = model
	return nil
}

// Lookup returns the descriptor registered under exactly modelID.
func (r *Registry) Lookup(modelID string) (models.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model, ok := r.models[modelID]
	return model, ok
}

// List returns every registered model sorted by id.
func (r *Registry) List() []models.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Model, 0, len(r.models))
	for _, model := range r.models {
		out = append(out, model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultCatalog is used when configuration does not list any models.
func DefaultCatalog() []models.Model {
	return []models.Model{
		{ID: "gpt-4o", Name: "GPT-4o", Provider: models.ProviderOpenAI},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Provider: models.ProviderOpenAI},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Provider: models.ProviderOpenAI},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Provider: models.ProviderOpenAI},
		{ID: "claude-3-5-sonnet-20240620", Name: "Claude 3.5 Sonnet", Provider: models.ProviderAnthropic},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", Provider: models.ProviderAnthropic},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", Provider: models.ProviderAnthropic},
		{ID: "mistralai/mixtral-8x7b-instruct", Name: "Mixtral 8x7B", Provider: models.ProviderOpenRouter},
		{ID: "meta-llama/llama-3-70b-instruct", Name: "Llama 3 70B", Provider: models.ProviderOpenRouter},
		{ID: "google/gemini-pro-1.5", Name: "Gemini Pro 1.5", Provider: models.ProviderOpenRouter},
	}
}
