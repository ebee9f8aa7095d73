package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptrouter/internal/config"
	"promptrouter/internal/models"
	"promptrouter/internal/provider"
)

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	handlers, err := BuildProviders(config.Default(), nil)
	require.NoError(t, err)
	require.Len(t, handlers, 3)

	for kind, handler := range handlers {
		assert.Equal(t, kind, handler.Kind())
	}
}

func TestBuildProvidersRejectsEmptyBaseURL(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Providers.Anthropic.BaseURL = ""

	_, err := BuildProviders(cfg, NewHTTPClient())
	assert.ErrorContains(t, err, "anthropic")
}

func TestNewCatalog(t *testing.T) {
	t.Parallel()

	registry, err := NewCatalog(config.Default())
	require.NoError(t, err)
	assert.Len(t, registry.List(), len(provider.DefaultCatalog()))

	cfg := config.Default()
	cfg.Models = []models.Model{{ID: "only-model", Provider: models.ProviderOpenRouter}}
	registry, err = NewCatalog(cfg)
	require.NoError(t, err)
	require.Len(t, registry.List(), 1)

	model, ok := registry.Lookup("only-model")
	require.True(t, ok)
	assert.Equal(t, models.ProviderOpenRouter, model.Provider)
}

func TestNewHTTPClientHasNoOverallTimeout(t *testing.T) {
	t.Parallel()

	assert.Zero(t, NewHTTPClient().Timeout)
}
