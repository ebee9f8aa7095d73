package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role names a chat participant.
type Role = string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
	RoleTool      Role = "tool"

	// RoleAIAlias is accepted on input and rewritten to RoleAssistant.
	RoleAIAlias Role = "ai"
)

// ProviderKind tags the upstream family a catalog model is served by.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderOpenRouter ProviderKind = "openrouter"
	ProviderAnthropic  ProviderKind = "anthropic"
)

// Route returns the kind the dispatcher should use for this tag. Tags outside
// the closed set fall through to the default OpenAI route.
func (k ProviderKind) Route() ProviderKind {
	switch k {
	case ProviderOpenRouter, ProviderAnthropic:
		return k
	default:
		return ProviderOpenAI
	}
}

// Model identifies a catalog entry with provider metadata.
type Model struct {
	ID       string       `json:"id" yaml:"id"`
	Name     string       `json:"name,omitempty" yaml:"name"`
	Provider ProviderKind `json:"provider" yaml:"provider"`
}

// FunctionCall is the legacy single function invocation attached to a message.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FunctionSpec describes a function either as a declaration (name,
// description, parameters) or as an invocation (name, arguments).
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Arguments   string          `json:"arguments,omitempty"`
}

// ToolCall is a structured function tool, used both for tool declarations in
// a request and for tool invocations on a message.
type ToolCall struct {
	// Index positions a tool call delta within a streamed message.
	Index    *int          `json:"index,omitempty"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type"`
	Function *FunctionSpec `json:"function,omitempty"`
}

// InputMessage is a caller-supplied message-like record prior to normalization.
type InputMessage struct {
	Role         string
	Content      any
	Text         any
	FunctionCall *FunctionCall
	ToolCalls    []ToolCall
	Name         string
}

// UnmarshalJSON accepts both camelCase and snake_case spellings of the call fields.
func (m *InputMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role              string        `json:"role"`
		Content           any           `json:"content"`
		Text              any           `json:"text"`
		FunctionCall      *FunctionCall `json:"functionCall"`
		FunctionCallSnake *FunctionCall `json:"function_call"`
		ToolCalls         []ToolCall    `json:"toolCalls"`
		ToolCallsSnake    []ToolCall    `json:"tool_calls"`
		Name              string        `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if raw.Role == "" {
		return errors.New("decode message: role is required")
	}

	m.Role = raw.Role
	m.Content = raw.Content
	m.Text = raw.Text
	m.Name = raw.Name
	m.FunctionCall = raw.FunctionCall
	if m.FunctionCall == nil {
		m.FunctionCall = raw.FunctionCallSnake
	}
	m.ToolCalls = raw.ToolCalls
	if m.ToolCalls == nil {
		m.ToolCalls = raw.ToolCallsSnake
	}
	return nil
}

// MarshalJSON mirrors UnmarshalJSON using the camelCase spelling.
func (m InputMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Role         string        `json:"role"`
		Content      any           `json:"content,omitempty"`
		Text         any           `json:"text,omitempty"`
		FunctionCall *FunctionCall `json:"functionCall,omitempty"`
		ToolCalls    []ToolCall    `json:"toolCalls,omitempty"`
		Name         string        `json:"name,omitempty"`
	}{m.Role, m.Content, m.Text, m.FunctionCall, m.ToolCalls, m.Name})
}

// Message is the provider-neutral chat message. Absent fields are omitted
// from the wire encoding rather than sent as null.
type Message struct {
	Role         string        `json:"role"`
	Content      any           `json:"content,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	Name         string        `json:"name,omitempty"`
	Extra        Extra         `json:"-"`
}

// TextContent returns the content as a string when it is one.
func (m Message) TextContent() (string, bool) {
	s, ok := m.Content.(string)
	return s, ok
}

// StopSequences decodes either a single string or a list of strings. A single
// string is kept as a one-element list and is re-encoded as a list.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StopSequences{single}
		return nil
	}

	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("stop must be a string or a list of strings: %w", err)
	}
	*s = multi
	return nil
}

// ToolList is a request's tool declarations. A value that is not a list of
// tool objects decodes to nil instead of failing the enclosing request, so
// the call proceeds without tools.
type ToolList []ToolCall

func (l *ToolList) UnmarshalJSON(data []byte) error {
	var tools []ToolCall
	if err := json.Unmarshal(data, &tools); err != nil {
		*l = nil
		return nil
	}
	*l = tools
	return nil
}

// Params carries the optional sampling and tooling parameters of a request.
// A nil field means the caller did not supply it and it is left out of the
// upstream payload so the provider applies its own default.
type Params struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	TopK             *int           `json:"top_k,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	Stop             StopSequences  `json:"stop,omitempty"`
	Functions        []FunctionSpec `json:"functions,omitempty"`
	Tools            ToolList       `json:"tools,omitempty"`
	Seed             *int64         `json:"seed,omitempty"`
}

// CompletionRequest is the assembled chat-completion parameter bag.
type CompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
	Params
}

// CompletionResponse is the unified, OpenAI-shaped chat completion.
type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
	Extra   Extra    `json:"-"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Extra        Extra   `json:"-"`
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens,omitempty"`
	Extra            Extra `json:"-"`
}

// StreamChunk is one partial result of a streamed completion.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object,omitempty"`
	Created int64          `json:"created,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Extra   Extra          `json:"-"`
}

// StreamChoice is the per-choice delta of a chunk.
type StreamChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
	Extra        Extra  `json:"-"`
}

// Delta holds the incremental message fields of a chunk.
type Delta struct {
	Role         string        `json:"role,omitempty"`
	Content      string        `json:"content,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	Extra        Extra         `json:"-"`
}
