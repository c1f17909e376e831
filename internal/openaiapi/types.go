// Package openaiapi defines the OpenAI-compatible wire types for the chat
// completions surface and the SSE framing used to stream them.
package openaiapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eirproject/eir/pkg/provider/llm"
)

// ─── Request ────────────────────────────────────────────────────────────────

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
}

// ChatMessage is one request message. Content is either a JSON string or a
// multipart array of content parts.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// contentPart is one element of a multipart content array. Only text parts
// are honoured; other types (images, audio) are dropped during flattening.
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text flattens the message content to plain text. String content is returned
// as is; multipart content keeps its text parts joined by newlines.
func (m ChatMessage) Text() (string, error) {
	if len(m.Content) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return "", fmt.Errorf("openaiapi: message content is neither string nor part array: %w", err)
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// Tool is an OpenAI function tool declaration.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes the function behind a tool.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ResponseFormat selects the output shape of the completion.
type ResponseFormat struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema,omitempty"`
}

// JSONMode reports whether the request asked for a JSON object response.
func (r *ChatRequest) JSONMode() bool {
	return r.ResponseFormat != nil && r.ResponseFormat.Type == "json_object"
}

// ToolChoiceString renders the tool_choice field for the provider layer:
// either the plain mode string (auto, none, required) or the name of the
// forced function.
func (r *ChatRequest) ToolChoiceString() string {
	if len(r.ToolChoice) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.ToolChoice, &s); err == nil {
		return s
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(r.ToolChoice, &named); err == nil && named.Function.Name != "" {
		return named.Function.Name
	}
	return ""
}

// ToCompletionRequest converts the wire request into the provider-layer
// request, flattening multipart content.
func (r *ChatRequest) ToCompletionRequest() (llm.CompletionRequest, error) {
	req := llm.CompletionRequest{
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		MaxTokens:        r.MaxTokens,
		PresencePenalty:  r.PresencePenalty,
		FrequencyPenalty: r.FrequencyPenalty,
		ToolChoice:       r.ToolChoiceString(),
	}
	if r.ResponseFormat != nil {
		req.ResponseFormat = &llm.ResponseFormat{
			Type:   r.ResponseFormat.Type,
			Schema: r.ResponseFormat.JSONSchema,
		}
	}
	for _, t := range r.Tools {
		req.Tools = append(req.Tools, llm.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	req.Messages = make([]llm.Message, 0, len(r.Messages))
	for i, m := range r.Messages {
		text, err := m.Text()
		if err != nil {
			return llm.CompletionRequest{}, fmt.Errorf("openaiapi: message %d: %w", i, err)
		}
		req.Messages = append(req.Messages, llm.Message{
			Role:       m.Role,
			Content:    text,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		})
	}
	return req, nil
}

// LastUserText returns the flattened text of the last user message, or the
// empty string when there is none.
func (r *ChatRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			text, err := r.Messages[i].Text()
			if err != nil {
				return ""
			}
			return text
		}
	}
	return ""
}

// ─── Streaming response ─────────────────────────────────────────────────────

// Chunk is one chat.completion.chunk event.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the delta of one chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental payload of a chunk.
type ChunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   *string         `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is one fragment of a streamed tool call.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta carries the streamed function name and argument fragment.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// NewChunkID returns a fresh chunk/completion id in the OpenAI format.
func NewChunkID() string {
	return "chatcmpl-" + uuid.NewString()
}

// ContentChunk builds a chunk carrying a content delta.
func ContentChunk(id, model, content string) Chunk {
	return Chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{Content: &content}}},
	}
}

// ToolCallChunk builds a chunk forwarding tool-call fragments.
func ToolCallChunk(id, model string, fragments []llm.ToolCallChunk) Chunk {
	deltas := make([]ToolCallDelta, 0, len(fragments))
	for _, f := range fragments {
		d := ToolCallDelta{
			Index:    f.Index,
			ID:       f.ID,
			Function: FunctionDelta{Name: f.Name, Arguments: f.Arguments},
		}
		if f.ID != "" {
			d.Type = "function"
		}
		deltas = append(deltas, d)
	}
	return Chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{ToolCalls: deltas}}},
	}
}

// FinishChunk builds the terminal chunk carrying the finish reason.
func FinishChunk(id, model, reason string) Chunk {
	return Chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{}, FinishReason: &reason}},
	}
}

// ─── Non-streaming response ─────────────────────────────────────────────────

// Completion is a full chat.completion response.
type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// CompletionChoice is one answer of a completion.
type CompletionChoice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// AssistantMessage is the assembled assistant reply.
type AssistantMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// Usage is the token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewCompletion builds a chat.completion response around content.
func NewCompletion(id, model, content, finishReason string, toolCalls []llm.ToolCall) Completion {
	msg := AssistantMessage{Role: "assistant", Content: content}
	for i, tc := range toolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCallDelta{
			Index:    i,
			ID:       tc.ID,
			Type:     "function",
			Function: FunctionDelta{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	if finishReason == "" {
		finishReason = "stop"
	}
	return Completion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{Message: msg, FinishReason: finishReason}},
	}
}

// ─── Embeddings ─────────────────────────────────────────────────────────────

// EmbeddingsRequest is the body of POST /v1/embeddings. Input is a string or
// a list of strings.
type EmbeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// Inputs normalizes the input field to a string slice.
func (r *EmbeddingsRequest) Inputs() ([]string, error) {
	var s string
	if err := json.Unmarshal(r.Input, &s); err == nil {
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(r.Input, &list); err != nil {
		return nil, fmt.Errorf("openaiapi: input is neither string nor string list: %w", err)
	}
	return list, nil
}

// EmbeddingsResponse is the reply of POST /v1/embeddings.
type EmbeddingsResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingItem `json:"data"`
	Model  string          `json:"model"`
	Usage  Usage           `json:"usage"`
}

// EmbeddingItem is one embedded input.
type EmbeddingItem struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// ─── Errors ─────────────────────────────────────────────────────────────────

// ErrorBody is the OpenAI error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one API error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
