// Package speaker implements the streaming answer worker: it augments the
// conversation with retrieved knowledge and streams the model's reply.
package speaker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eirproject/eir/pkg/provider/llm"
)

// Worker streams completions from the speaker model.
type Worker struct {
	provider llm.Provider
	log      *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// New returns a Worker backed by provider.
func New(provider llm.Provider, opts ...Option) (*Worker, error) {
	if provider == nil {
		return nil, fmt.Errorf("speaker: provider must not be nil")
	}
	w := &Worker{provider: provider, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Stream augments req with knowledgeText and starts the token stream. The
// returned channel is closed by the provider when the stream ends.
func (w *Worker) Stream(ctx context.Context, req llm.CompletionRequest, knowledgeText string) (<-chan llm.Chunk, error) {
	req.Messages = Augment(req.Messages, knowledgeText)
	return w.provider.StreamCompletion(ctx, req)
}

// Complete augments req with knowledgeText and waits for the full response.
func (w *Worker) Complete(ctx context.Context, req llm.CompletionRequest, knowledgeText string) (*llm.CompletionResponse, error) {
	req.Messages = Augment(req.Messages, knowledgeText)
	return w.provider.Complete(ctx, req)
}

// Augment inserts a system message carrying text immediately before the last
// user message, so the knowledge reads as context for the question rather
// than as part of the original instructions. With no user message the context
// is appended instead. An empty text leaves messages untouched.
//
// The input slice is never modified.
func Augment(messages []llm.Message, text string) []llm.Message {
	if text == "" {
		return messages
	}
	ctxMsg := llm.Message{
		Role:    "system",
		Content: "Relevant knowledge retrieved from memory:\n" + text,
	}

	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = i
			break
		}
	}

	out := make([]llm.Message, 0, len(messages)+1)
	if lastUser < 0 {
		out = append(out, messages...)
		return append(out, ctxMsg)
	}
	out = append(out, messages[:lastUser]...)
	out = append(out, ctxMsg)
	return append(out, messages[lastUser:]...)
}
