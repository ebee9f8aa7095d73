package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"promptrouter/internal/models"
)

const (
	DefaultPort              = 8080
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultAnthropicBaseURL  = "https://api.anthropic.com"
	DefaultAnthropicVersion  = "2023-06-01"
	DefaultOpenRouterReferer = "https://lunary.ai"
	DefaultOpenRouterTitle   = "Lunary.ai"

	EnvOpenAIAPIKey     = "OPENAI_API_KEY"
	EnvOpenRouterAPIKey = "OPENROUTER_API_KEY"
	EnvAnthropicAPIKey  = "ANTHROPIC_API_KEY"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Models    []models.Model  `yaml:"models"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// ProvidersConfig holds credentials and endpoints for each provider kind.
type ProvidersConfig struct {
	OpenAI     ProviderConfig   `yaml:"openai"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	APIKey  string  `yaml:"api_key"`
	BaseURL string  `yaml:"base_url"`
	Headers Headers `yaml:"headers"`
}

// OpenRouterConfig adds the attribution headers OpenRouter expects.
type OpenRouterConfig struct {
	ProviderConfig `yaml:",inline"`
	Referer        string `yaml:"referer"`
	Title          string `yaml:"title"`
}

// AnthropicConfig adds the Messages API version and output cap.
type AnthropicConfig struct {
	ProviderConfig   `yaml:",inline"`
	Version          string `yaml:"version"`
	DefaultMaxTokens int    `yaml:"default_max_tokens"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Default returns a configuration with every default applied and no models.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads YAML configuration from disk, applies defaults and environment
// credentials, and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration and completes it like Load.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	cfg.applyDefaults()
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}

	p := &c.Providers
	if p.OpenAI.BaseURL == "" {
		p.OpenAI.BaseURL = DefaultOpenAIBaseURL
	}
	if p.OpenRouter.BaseURL == "" {
		p.OpenRouter.BaseURL = DefaultOpenRouterBaseURL
	}
	if p.OpenRouter.Referer == "" {
		p.OpenRouter.Referer = DefaultOpenRouterReferer
	}
	if p.OpenRouter.Title == "" {
		p.OpenRouter.Title = DefaultOpenRouterTitle
	}
	if p.Anthropic.BaseURL == "" {
		p.Anthropic.BaseURL = DefaultAnthropicBaseURL
	}
	if p.Anthropic.Version == "" {
		p.Anthropic.Version = DefaultAnthropicVersion
	}
}

// ApplyEnv fills credentials left empty in the file from the environment.
// Missing credentials are not an error; the upstream rejects the call instead.
func (c *Config) ApplyEnv(getenv func(string) string) {
	p := &c.Providers
	if p.OpenAI.APIKey == "" {
		p.OpenAI.APIKey = getenv(EnvOpenAIAPIKey)
	}
	if p.OpenRouter.APIKey == "" {
		p.OpenRouter.APIKey = getenv(EnvOpenRouterAPIKey)
	}
	if p.Anthropic.APIKey == "" {
		p.Anthropic.APIKey = getenv(EnvAnthropicAPIKey)
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	providers := map[string]ProviderConfig{
		"openai":     c.Providers.OpenAI,
		"openrouter": c.Providers.OpenRouter.ProviderConfig,
		"anthropic":  c.Providers.Anthropic.ProviderConfig,
	}
	for name, provider := range providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}
	if c.Providers.Anthropic.DefaultMaxTokens < 0 {
		return errors.New("provider anthropic: default_max_tokens must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Models))
	for i, model := range c.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("models[%d]: id must not be empty", i)
		}
		if strings.TrimSpace(string(model.Provider)) == "" {
			return fmt.Errorf("model %s: provider must not be empty", model.ID)
		}
		if _, dup := seen[model.ID]; dup {
			return fmt.Errorf("model %s: listed more than once", model.ID)
		}
		seen[model.ID] = struct{}{}
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if !strings.HasPrefix(provider.BaseURL, "http://") && !strings.HasPrefix(provider.BaseURL, "https://") {
		return fmt.Errorf("provider %s: base_url %q must be an http(s) URL", name, provider.BaseURL)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
