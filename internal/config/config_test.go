package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptrouter/internal/models"
)

const sampleConfig = `
log:
  level: debug
  format: json
server:
  port: 9090
providers:
  openai:
    api_key: sk-openai
  openrouter:
    api_key: sk-or
    title: Playground
  anthropic:
    base_url: http://localhost:9999
    default_max_tokens: 1024
models:
  - id: gpt-4
    provider: openai
  - id: mistralai/mixtral-8x7b-instruct
    provider: openrouter
  - id: claude-3-opus-20240229
    provider: anthropic
`

func TestLoad(t *testing.T) {
	t.Setenv(EnvAnthropicAPIKey, "sk-ant-env")
	t.Setenv(EnvOpenAIAPIKey, "sk-openai-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sk-openai", cfg.Providers.OpenAI.APIKey, "file credentials win over env")
	assert.Equal(t, DefaultOpenAIBaseURL, cfg.Providers.OpenAI.BaseURL)
	assert.Equal(t, "sk-or", cfg.Providers.OpenRouter.APIKey)
	assert.Equal(t, DefaultOpenRouterBaseURL, cfg.Providers.OpenRouter.BaseURL)
	assert.Equal(t, DefaultOpenRouterReferer, cfg.Providers.OpenRouter.Referer)
	assert.Equal(t, "Playground", cfg.Providers.OpenRouter.Title)
	assert.Equal(t, "sk-ant-env", cfg.Providers.Anthropic.APIKey)
	assert.Equal(t, "http://localhost:9999", cfg.Providers.Anthropic.BaseURL)
	assert.Equal(t, DefaultAnthropicVersion, cfg.Providers.Anthropic.Version)
	assert.Equal(t, 1024, cfg.Providers.Anthropic.DefaultMaxTokens)

	require.Len(t, cfg.Models, 3)
	assert.Equal(t, models.ProviderOpenRouter, cfg.Models[1].Provider)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestParseMissingCredentialsIsNotAnError(t *testing.T) {
	t.Setenv(EnvOpenAIAPIKey, "")
	t.Setenv(EnvOpenRouterAPIKey, "")
	t.Setenv(EnvAnthropicAPIKey, "")

	cfg, err := Parse([]byte("server:\n  port: 8081\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Providers.OpenAI.APIKey)
	assert.Empty(t, cfg.Models)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "server.port"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "bad base url", mutate: func(c *Config) { c.Providers.OpenAI.BaseURL = "api.openai.com" }, wantErr: "base_url"},
		{name: "bad header", mutate: func(c *Config) { c.Providers.OpenRouter.Headers = Headers{"X Bad": "v"} }, wantErr: "canonical"},
		{name: "empty model id", mutate: func(c *Config) { c.Models = []models.Model{{Provider: "openai"}} }, wantErr: "id must not be empty"},
		{name: "empty model provider", mutate: func(c *Config) { c.Models = []models.Model{{ID: "x"}} }, wantErr: "provider must not be empty"},
		{
			name:    "duplicate model",
			mutate:  func(c *Config) { c.Models = []models.Model{{ID: "x", Provider: "openai"}, {ID: "x", Provider: "openai"}} },
			wantErr: "more than once",
		},
		{name: "negative max tokens", mutate: func(c *Config) { c.Providers.Anthropic.DefaultMaxTokens = -1 }, wantErr: "default_max_tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
