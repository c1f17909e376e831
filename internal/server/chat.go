package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/eirproject/eir/internal/openaiapi"
	"github.com/eirproject/eir/internal/orchestrator"
	"github.com/eirproject/eir/internal/worker/executive"
	"github.com/eirproject/eir/internal/worker/speaker"
)

// handleChatCompletions serves POST /v1/chat/completions in both streaming
// and non-streaming modes.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaiapi.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: "request body is not valid JSON: " + err.Error(),
			Type:    "invalid_request_error",
		})
		return
	}
	if len(req.Messages) == 0 {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: "messages must be a non-empty array",
			Type:    "invalid_request_error",
			Param:   "messages",
			Code:    "invalid_messages",
		})
		return
	}

	completion, err := req.ToCompletionRequest()
	if err != nil {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: err.Error(),
			Type:    "invalid_request_error",
			Param:   "messages",
		})
		return
	}

	cfg := s.cfgFn()
	speakerProv, speakerEntry, err := s.buildProvider(r, speakerHeaderPrefix, cfg.Providers.Speaker, cfg.Providers.DefaultAPIKey)
	if err != nil {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: "speaker provider: " + err.Error(),
			Type:    "invalid_request_error",
			Code:    "unknown_provider",
		})
		return
	}
	execProv, _, err := s.buildProvider(r, executiveHeaderPrefix, cfg.Providers.Executive, cfg.Providers.DefaultAPIKey)
	if err != nil {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: "executive provider: " + err.Error(),
			Type:    "invalid_request_error",
			Code:    "unknown_provider",
		})
		return
	}

	spk, err := speaker.New(speakerProv, speaker.WithLogger(s.log))
	if err != nil {
		s.serverError(w, err)
		return
	}
	exec, err := executive.New(execProv, s.tools, executive.WithLogger(s.log))
	if err != nil {
		s.serverError(w, err)
		return
	}

	model := req.Model
	if model == "" {
		model = speakerEntry.Model
	}
	oreq := orchestrator.Request{
		Model:      model,
		UserQuery:  req.LastUserText(),
		Completion: completion,
		JSONMode:   req.JSONMode(),
		Speaker:    spk,
		Executive:  exec,
	}

	orch, err := orchestrator.New(s.tools,
		orchestrator.WithLogger(s.log),
		orchestrator.WithStride(cfg.Orchestrator.ReevalStride),
		orchestrator.WithTimeout(cfg.Orchestrator.RequestTimeoutDuration(orchestrator.DefaultTimeout)),
	)
	if err != nil {
		s.serverError(w, err)
		return
	}

	ctx := r.Context()
	start := time.Now()
	s.metrics.ActiveStreams.Add(ctx, 1)
	defer func() {
		s.metrics.ActiveStreams.Add(ctx, -1)
		s.metrics.SpeakerDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if req.Stream {
		sse, err := openaiapi.NewSSEWriter(w)
		if err != nil {
			s.serverError(w, err)
			return
		}
		if err := orch.Stream(ctx, oreq, sse); err != nil && !errors.Is(err, context.Canceled) {
			// The stream has already been finalized or the client is gone;
			// all that is left is accounting.
			s.log.Error("chat stream ended with error", "error", err)
		}
		return
	}

	resp, err := orch.Complete(ctx, oreq)
	if err != nil {
		openaiapi.WriteError(w, http.StatusInternalServerError, openaiapi.ErrorDetail{
			Message: err.Error(),
			Type:    "server_error",
			Code:    "completion_failed",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encode completion response", "error", err)
	}
}

// serverError writes an opaque 500 in the OpenAI error envelope.
func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.log.Error("internal server error", "error", err)
	openaiapi.WriteError(w, http.StatusInternalServerError, openaiapi.ErrorDetail{
		Message: err.Error(),
		Type:    "server_error",
	})
}
