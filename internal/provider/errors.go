package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 64 * 1024

// ErrInvalidRequest marks a request a provider refused to translate before
// sending anything upstream, such as an unsupported role.
var ErrInvalidRequest = errors.New("invalid request")

// APIError is an upstream failure response.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s error %d (%s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// ParseAPIError reads an error response body. Both the OpenAI
// ({"error":{"message","type"}}) and Anthropic ({"type":"error","error":{...}})
// envelopes decode through the same shape.
func ParseAPIError(providerName string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("%s upstream error status %d and failed to read body: %w", providerName, resp.StatusCode, err)
	}

	apiErr := &APIError{Provider: providerName, StatusCode: resp.StatusCode}

	var envelope struct {
		Error struct {
			Message string          `json:"message"`
			Type    string          `json:"type"`
			Code    json.RawMessage `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Type = envelope.Error.Type
		apiErr.Code = errorCode(envelope.Error.Code)
		apiErr.Message = envelope.Error.Message
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// errorCode renders an error code that upstreams send as either a string
// ("invalid_api_key") or a number (OpenRouter's 429). Null yields "".
func errorCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var code string
	if err := json.Unmarshal(raw, &code); err == nil {
		return code
	}
	return string(raw)
}

// DecodeJSON decodes a provider response body into target.
func DecodeJSON(reader io.Reader, target any) error {
	if err := json.NewDecoder(reader).Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
