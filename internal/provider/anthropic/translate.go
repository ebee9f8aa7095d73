package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"promptrouter/internal/models"
	"promptrouter/internal/provider"
)

type messagePayload struct {
	Model         string    `json:"model"`
	Messages      []message `json:"messages"`
	System        string    `json:"system,omitempty"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	TopK          *int      `json:"top_k,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Tools         []tool    `json:"tools,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// buildPayload translates the OpenAI-shaped request. Presence and frequency
// penalties and the seed have no Messages API equivalent and are not sent.
func (p *Provider) buildPayload(req models.CompletionRequest, stream bool) (messagePayload, error) {
	var (
		systemParts []string
		messages    []message
	)

	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			if text, ok := msg.TextContent(); ok && strings.TrimSpace(text) != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}

		role, blocks, err := toBlocks(msg)
		if err != nil {
			return messagePayload{}, err
		}
		if len(blocks) == 0 {
			continue
		}

		// Consecutive turns of one role are merged; the API requires alternation.
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			continue
		}
		messages = append(messages, message{Role: role, Content: blocks})
	}

	if len(messages) == 0 {
		return messagePayload{}, fmt.Errorf("%w: claude request requires at least one user message", provider.ErrInvalidRequest)
	}
	if messages[0].Role != models.RoleUser {
		return messagePayload{}, fmt.Errorf("%w: claude conversation must start with a user message", provider.ErrInvalidRequest)
	}

	payload := messagePayload{
		Model:         req.Model,
		Messages:      messages,
		System:        strings.Join(systemParts, "\n\n"),
		MaxTokens:     p.maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if req.MaxTokens != nil {
		payload.MaxTokens = *req.MaxTokens
	}

	for _, t := range req.Tools {
		if t.Function != nil {
			payload.Tools = append(payload.Tools, toTool(*t.Function))
		}
	}
	for _, fn := range req.Functions {
		payload.Tools = append(payload.Tools, toTool(fn))
	}

	return payload, nil
}

func toTool(fn models.FunctionSpec) tool {
	schema := fn.Parameters
	if len(schema) == 0 {
		schema = emptySchema
	}
	return tool{Name: fn.Name, Description: fn.Description, InputSchema: schema}
}

// toBlocks maps one neutral message onto a Messages API role and content blocks.
func toBlocks(msg models.Message) (string, []any, error) {
	switch msg.Role {
	case models.RoleUser, models.RoleAssistant:
	case models.RoleTool, models.RoleFunction:
		// Tool output is fed back as user text; the neutral shape has no tool_call_id.
		text, _ := msg.TextContent()
		if msg.Name != "" {
			text = fmt.Sprintf("[%s result]\n%s", msg.Name, text)
		}
		if strings.TrimSpace(text) == "" {
			return "", nil, nil
		}
		return models.RoleUser, []any{contentBlock{Type: "text", Text: text}}, nil
	default:
		return "", nil, fmt.Errorf("%w: claude provider does not support role %q", provider.ErrInvalidRequest, msg.Role)
	}

	var blocks []any
	switch content := msg.Content.(type) {
	case nil:
	case string:
		if strings.TrimSpace(content) != "" {
			blocks = append(blocks, contentBlock{Type: "text", Text: content})
		}
	case []any:
		blocks = append(blocks, content...)
	default:
		return "", nil, fmt.Errorf("%w: claude provider cannot send %T message content", provider.ErrInvalidRequest, msg.Content)
	}

	for _, call := range msg.ToolCalls {
		if call.Function == nil {
			continue
		}
		blocks = append(blocks, toolUse(call.ID, call.Function.Name, call.Function.Arguments))
	}
	if msg.FunctionCall != nil {
		blocks = append(blocks, toolUse("", msg.FunctionCall.Name, msg.FunctionCall.Arguments))
	}

	return msg.Role, blocks, nil
}

func toolUse(id, name, arguments string) contentBlock {
	input := json.RawMessage(arguments)
	if strings.TrimSpace(arguments) == "" || !json.Valid(input) {
		input = json.RawMessage(`{}`)
	}
	return contentBlock{Type: "tool_use", ID: id, Name: name, Input: input}
}

type messageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Usage      usageBlock     `json:"usage"`
	StopReason string         `json:"stop_reason"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (r messageResponse) toUnified(created int64) (*models.CompletionResponse, error) {
	var (
		text      strings.Builder
		toolCalls []models.ToolCall
	)
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			arguments := string(block.Input)
			if arguments == "" {
				arguments = "{}"
			}
			toolCalls = append(toolCalls, models.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: &models.FunctionSpec{Name: block.Name, Arguments: arguments},
			})
		default:
			return nil, fmt.Errorf("claude returned unsupported content block type %q", block.Type)
		}
	}

	msg := models.Message{Role: models.RoleAssistant, ToolCalls: toolCalls}
	if text.Len() > 0 || len(toolCalls) == 0 {
		msg.Content = text.String()
	}

	return &models.CompletionResponse{
		ID:      completionID(r.ID),
		Object:  "chat.completion",
		Created: created,
		Model:   r.Model,
		Choices: []models.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finishReason(r.StopReason),
		}},
		Usage: &models.Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		},
	}, nil
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stopReason
	}
}
