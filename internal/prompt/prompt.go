// Package prompt turns caller-supplied prompt content into provider-neutral
// chat messages: template compilation, message normalization and tool
// declaration gating.
package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"promptrouter/internal/models"
)

// ErrUnsupportedContent indicates prompt content that is neither a string nor a message list.
var ErrUnsupportedContent = errors.New("prompt content must be a string or a list of messages")

var placeholderPattern = regexp.MustCompile(`{{(.*?)}}`)

// CompileTextTemplate replaces every {{name}} placeholder with its value.
// Placeholders without a (non-empty) value resolve to the empty string.
func CompileTextTemplate(content string, variables map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-2]
		return variables[name]
	})
}

// CompilePrompt wraps string content into a single user message or copies a
// message list, then compiles each string content with variables. A nil
// variables map leaves the copy untouched; non-string content is never compiled.
func CompilePrompt(content any, variables map[string]string) ([]models.InputMessage, error) {
	var original []models.InputMessage
	switch v := content.(type) {
	case string:
		original = []models.InputMessage{{Role: models.RoleUser, Content: v}}
	case []models.InputMessage:
		original = v
	case nil:
		return nil, fmt.Errorf("%w: got nothing", ErrUnsupportedContent)
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedContent, content)
	}

	compiled := make([]models.InputMessage, len(original))
	copy(compiled, original)

	if variables == nil {
		return compiled, nil
	}

	for i := range compiled {
		if text, ok := compiled[i].Content.(string); ok {
			compiled[i].Content = CompileTextTemplate(text, variables)
		}
	}
	return compiled, nil
}

// NormalizeMessages converts input records into provider-neutral messages.
// The "ai" role becomes "assistant", content falls back to text, and call
// fields are only carried when present.
func NormalizeMessages(input []models.InputMessage) []models.Message {
	out := make([]models.Message, 0, len(input))
	for _, item := range input {
		msg := models.Message{
			Role:         normalizeRole(item.Role),
			Content:      item.Content,
			FunctionCall: item.FunctionCall,
			ToolCalls:    item.ToolCalls,
			Name:         item.Name,
		}
		if !present(item.Content) {
			msg.Content = item.Text
		}
		out = append(out, msg)
	}
	return out
}

func normalizeRole(role string) string {
	if role == models.RoleAIAlias {
		return models.RoleAssistant
	}
	return role
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	default:
		return true
	}
}

// toolCapableFamilies are the model id markers of families accepting tool declarations.
var toolCapableFamilies = []string{"gpt", "claude"}

// ValidateToolCalls returns tools unchanged when the model family supports
// tools and every element is a function with a name. Any violation discards
// the whole list.
func ValidateToolCalls(model string, tools []models.ToolCall) []models.ToolCall {
	if len(tools) == 0 || !supportsTools(model) {
		return nil
	}
	for _, tool := range tools {
		if tool.Type != "function" || tool.Function == nil || tool.Function.Name == "" {
			return nil
		}
	}
	return tools
}

func supportsTools(model string) bool {
	for _, family := range toolCapableFamilies {
		if strings.Contains(model, family) {
			return true
		}
	}
	return false
}

// ParseContent decodes a raw content field into either a string or a message list.
func ParseContent(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: got nothing", ErrUnsupportedContent)
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		return text, nil
	case '[':
		var messages []models.InputMessage
		if err := json.Unmarshal(raw, &messages); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		return messages, nil
	default:
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedContent, string(raw[:1]))
	}
}
