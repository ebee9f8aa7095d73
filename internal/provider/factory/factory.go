package factory

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"promptrouter/internal/config"
	"promptrouter/internal/models"
	"promptrouter/internal/provider"
	anthropicProvider "promptrouter/internal/provider/anthropic"
	openaiProvider "promptrouter/internal/provider/openai"
	openrouterProvider "promptrouter/internal/provider/openrouter"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// BuildProviders constructs one provider per kind from configuration.
func BuildProviders(cfg config.Config, client *http.Client) (map[models.ProviderKind]provider.Provider, error) {
	if client == nil {
		client = NewHTTPClient()
	}
	p := cfg.Providers

	openAI, err := openaiProvider.New(openaiProvider.Options{
		APIKey:  p.OpenAI.APIKey,
		BaseURL: p.OpenAI.BaseURL,
		Headers: p.OpenAI.Headers,
	}, client)
	if err != nil {
		return nil, fmt.Errorf("initialise openai provider: %w", err)
	}

	openRouter, err := openrouterProvider.New(openrouterProvider.Options{
		APIKey:  p.OpenRouter.APIKey,
		BaseURL: p.OpenRouter.BaseURL,
		Referer: p.OpenRouter.Referer,
		Title:   p.OpenRouter.Title,
		Headers: p.OpenRouter.Headers,
	}, client)
	if err != nil {
		return nil, fmt.Errorf("initialise openrouter provider: %w", err)
	}

	anthropic, err := anthropicProvider.New(anthropicProvider.Options{
		APIKey:           p.Anthropic.APIKey,
		BaseURL:          p.Anthropic.BaseURL,
		Version:          p.Anthropic.Version,
		DefaultMaxTokens: p.Anthropic.DefaultMaxTokens,
		Headers:          p.Anthropic.Headers,
	}, client)
	if err != nil {
		return nil, fmt.Errorf("initialise anthropic provider: %w", err)
	}

	return map[models.ProviderKind]provider.Provider{
		models.ProviderOpenAI:     openAI,
		models.ProviderOpenRouter: openRouter,
		models.ProviderAnthropic:  anthropic,
	}, nil
}

// NewCatalog builds the model registry from configuration, falling back to
// the built-in catalog when none is configured.
func NewCatalog(cfg config.Config) (*provider.Registry, error) {
	catalog := cfg.Models
	if len(catalog) == 0 {
		catalog = provider.DefaultCatalog()
	}
	return provider.NewRegistry(catalog)
}

// NewHTTPClient returns a client without an overall timeout so streamed
// completions are not cut off; only connection setup is bounded.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: transport}
}
