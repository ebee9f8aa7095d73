package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptrouter/internal/config"
	"promptrouter/internal/dispatcher"
	"promptrouter/internal/models"
	"promptrouter/internal/provider"
)

type fakeRunner struct {
	mu     sync.Mutex
	inputs []dispatcher.Input

	resp      *models.CompletionResponse
	err       error
	chunks    []models.StreamChunk
	streamErr error
}

func (f *fakeRunner) Run(_ context.Context, in dispatcher.Input) (*models.CompletionResponse, error) {
	f.record(in)
	return f.resp, f.err
}

func (f *fakeRunner) Stream(_ context.Context, in dispatcher.Input) (<-chan models.StreamChunk, <-chan error) {
	f.record(in)
	chunkCh := make(chan models.StreamChunk, len(f.chunks))
	errCh := make(chan error, 1)
	for _, chunk := range f.chunks {
		chunkCh <- chunk
	}
	if f.streamErr != nil {
		errCh <- f.streamErr
	}
	close(chunkCh)
	close(errCh)
	return chunkCh, errCh
}

func (f *fakeRunner) record(in dispatcher.Input) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
}

func (f *fakeRunner) last(t *testing.T) dispatcher.Input {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.inputs)
	return f.inputs[len(f.inputs)-1]
}

func newTestServer(t *testing.T, runner *fakeRunner) http.Handler {
	t.Helper()

	catalog, err := provider.NewRegistry([]models.Model{
		{ID: "gpt-4", Name: "GPT-4", Provider: models.ProviderOpenAI},
		{ID: "claude-3-haiku-20240307", Provider: models.ProviderAnthropic},
	})
	require.NoError(t, err)

	srv, err := New(config.Default(), runner, catalog, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	catalog, err := provider.NewRegistry(nil)
	require.NoError(t, err)

	_, err = New(config.Default(), nil, catalog, nil)
	assert.Error(t, err)

	_, err = New(config.Default(), &fakeRunner{}, nil, nil)
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Server.Port = 0
	_, err = New(cfg, &fakeRunner{}, catalog, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeRunner{})

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Len(t, rec.Header().Get("X-Request-Id"), 36)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestModels(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeRunner{})

	rec := do(t, h, http.MethodGet, "/v1/models/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"object":"list","data":[
		{"id":"claude-3-haiku-20240307","provider":"anthropic"},
		{"id":"gpt-4","name":"GPT-4","provider":"openai"}
	]}`, rec.Body.String())
}

func TestRunTemplate(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{resp: &models.CompletionResponse{
		ID:      "chatcmpl-1",
		Choices: []models.Choice{{Message: models.Message{Role: "assistant", Content: "Hello Ada"}, FinishReason: "stop"}},
		Usage:   &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}}
	h := newTestServer(t, runner)

	rec := do(t, h, http.MethodPost, "/v1/prompts/run", `{
		"content": "Hello {{name}}",
		"variables": {"name": "Ada"},
		"model": "gpt-4",
		"extra": {"temperature": 0, "stop": "\n"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.CompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "Hello Ada", resp.Choices[0].Message.Content)

	in := runner.last(t)
	assert.Equal(t, "Hello {{name}}", in.Content)
	assert.Equal(t, map[string]string{"name": "Ada"}, in.Variables)
	assert.Equal(t, "gpt-4", in.Model)
	assert.False(t, in.Stream)
	require.NotNil(t, in.Params.Temperature)
	assert.Equal(t, 0.0, *in.Params.Temperature)
	assert.Equal(t, models.StopSequences{"\n"}, in.Params.Stop)
	assert.Nil(t, in.Params.MaxTokens)
}

func TestRunMessageList(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{resp: &models.CompletionResponse{ID: "x"}}
	h := newTestServer(t, runner)

	rec := do(t, h, http.MethodPost, "/v1/prompts/run", `{
		"content": [{"role": "system", "content": "Be terse"}, {"role": "ai", "text": "ok"}],
		"model": "claude-3-haiku-20240307"
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	in := runner.last(t)
	messages, ok := in.Content.([]models.InputMessage)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "ai", messages[1].Role)
	assert.Equal(t, "ok", messages[1].Text)
	assert.Nil(t, in.Variables)
}

func TestRunRejectsBadRequests(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeRunner{})

	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "malformed json", body: `{"content":`},
		{name: "trailing object", body: `{"content":"a"}{"content":"b"}`},
		{name: "missing content", body: `{"model":"gpt-4"}`},
		{name: "numeric content", body: `{"content":42,"model":"gpt-4"}`},
		{name: "message without role", body: `{"content":[{"content":"hi"}],"model":"gpt-4"}`},
	}

	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, "/v1/prompts/run", tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
		assert.Equal(t, "invalid_request_error", decodeError(t, rec).Error.Type, tt.name)
	}
}

func TestRunMapsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "upstream status passes through",
			err:        &provider.APIError{Provider: "openai", StatusCode: http.StatusUnauthorized, Type: "invalid_request_error", Code: "invalid_api_key", Message: "bad key"},
			wantStatus: http.StatusUnauthorized,
			wantType:   "invalid_request_error",
			wantCode:   "invalid_api_key",
			wantMsg:    "openai error 401 (invalid_request_error): bad key",
		},
		{
			name:       "untyped upstream error",
			err:        &provider.APIError{Provider: "openrouter", StatusCode: http.StatusTooManyRequests},
			wantStatus: http.StatusTooManyRequests,
			wantType:   "upstream_error",
		},
		{
			name:       "unknown provider",
			err:        provider.ErrUnknownProvider,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
		},
		{
			name:       "provider refused the conversation",
			err:        fmt.Errorf("%w: claude conversation must start with a user message", provider.ErrInvalidRequest),
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
			wantMsg:    "invalid request: claude conversation must start with a user message",
		},
		{
			name:       "transport failure",
			err:        errors.New("dial tcp: connection refused"),
			wantStatus: http.StatusBadGateway,
			wantType:   "upstream_error",
			wantMsg:    "upstream provider error",
		},
	}

	for _, tt := range tests {
		h := newTestServer(t, &fakeRunner{err: tt.err})
		rec := do(t, h, http.MethodPost, "/v1/prompts/run", `{"content":"hi","model":"gpt-4"}`)
		assert.Equal(t, tt.wantStatus, rec.Code, tt.name)
		body := decodeError(t, rec)
		assert.Equal(t, tt.wantType, body.Error.Type, tt.name)
		assert.Equal(t, tt.wantCode, body.Error.Code, tt.name)
		if tt.wantMsg != "" {
			assert.Equal(t, tt.wantMsg, body.Error.Message, tt.name)
		}
	}
}

func TestRunDiscardsMalformedTools(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		tools string
	}{
		{name: "object instead of list", tools: `{"type":"function"}`},
		{name: "string instead of list", tools: `"nope"`},
		{name: "function is not an object", tools: `[{"type":"function","function":"x"}]`},
		{name: "numeric type", tools: `[{"type":1,"function":{"name":"weather"}}]`},
	}

	for _, tt := range tests {
		runner := &fakeRunner{resp: &models.CompletionResponse{ID: "x"}}
		h := newTestServer(t, runner)

		rec := do(t, h, http.MethodPost, "/v1/prompts/run",
			`{"content":"hi","model":"gpt-4","extra":{"temperature":0.5,"tools":`+tt.tools+`}}`)
		require.Equal(t, http.StatusOK, rec.Code, tt.name+": "+rec.Body.String())

		in := runner.last(t)
		assert.Nil(t, in.Params.Tools, tt.name)
		require.NotNil(t, in.Params.Temperature, tt.name)
		assert.Equal(t, 0.5, *in.Params.Temperature, tt.name)
	}
}

func TestRunStream(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{chunks: []models.StreamChunk{
		{ID: "c1", Choices: []models.StreamChoice{{Delta: models.Delta{Role: "assistant"}}}},
		{ID: "c1", Choices: []models.StreamChoice{{Delta: models.Delta{Content: "Hi"}, FinishReason: "stop"}}},
	}}
	h := newTestServer(t, runner)

	rec := do(t, h, http.MethodPost, "/v1/prompts/run", `{"content":"hi","model":"gpt-4","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, runner.last(t).Stream)

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, frames, 3)
	assert.Equal(t, `data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`, frames[0])
	assert.Equal(t, `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":"stop"}]}`, frames[1])
	assert.Equal(t, "data: [DONE]", frames[2])
}

func TestRunStreamFailsBeforeFirstChunk(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, &fakeRunner{streamErr: &provider.APIError{Provider: "anthropic", StatusCode: http.StatusUnauthorized, Type: "authentication_error"}})

	rec := do(t, h, http.MethodPost, "/v1/prompts/run", `{"content":"hi","model":"claude-3-haiku-20240307","stream":true}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication_error", decodeError(t, rec).Error.Type)
}

func TestRunStreamFailsMidway(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, &fakeRunner{
		chunks:    []models.StreamChunk{{ID: "c1", Choices: []models.StreamChoice{{Delta: models.Delta{Content: "par"}}}}},
		streamErr: &provider.APIError{Provider: "openrouter", StatusCode: http.StatusBadGateway, Type: "overloaded_error", Code: "502", Message: "Overloaded"},
	})

	rec := do(t, h, http.MethodPost, "/v1/prompts/run", `{"content":"hi","model":"claude-3-haiku-20240307","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, frames, 2)
	assert.Contains(t, frames[1], `"type":"overloaded_error"`)
	assert.Contains(t, frames[1], `"code":"502"`)
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}
