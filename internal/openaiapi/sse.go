package openaiapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSEWriter frames JSON events as server-sent events and flushes after every
// write so chunks reach the client as they are produced.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for event streaming and returns the writer. It
// fails when the underlying ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("openaiapi: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Send writes one data event carrying v as JSON.
func (s *SSEWriter) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openaiapi: marshal SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("openaiapi: write SSE event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Done writes the terminating [DONE] sentinel.
func (s *SSEWriter) Done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("openaiapi: write SSE sentinel: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteError writes the OpenAI error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, detail ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: detail})
}
