package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/eirproject/eir/internal/openaiapi"
)

// handleEmbeddings serves POST /v1/embeddings against the shared embedding
// provider. The model field is echoed back; the configured backend decides
// the actual model.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req openaiapi.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: "request body is not valid JSON: " + err.Error(),
			Type:    "invalid_request_error",
		})
		return
	}
	inputs, err := req.Inputs()
	if err != nil {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: err.Error(),
			Type:    "invalid_request_error",
			Param:   "input",
		})
		return
	}
	if len(inputs) == 0 {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: "input must not be empty",
			Type:    "invalid_request_error",
			Param:   "input",
		})
		return
	}

	start := time.Now()
	vectors, err := s.embedder.EmbedBatch(r.Context(), inputs)
	s.metrics.EmbeddingDuration.Record(r.Context(), time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderError(r.Context(), s.embedder.ModelID(), "embeddings")
		openaiapi.WriteError(w, http.StatusBadGateway, openaiapi.ErrorDetail{
			Message: err.Error(),
			Type:    "server_error",
			Code:    "embedding_failed",
		})
		return
	}

	model := req.Model
	if model == "" {
		model = s.embedder.ModelID()
	}
	resp := openaiapi.EmbeddingsResponse{
		Object: "list",
		Data:   make([]openaiapi.EmbeddingItem, len(vectors)),
		Model:  model,
	}
	for i, vec := range vectors {
		resp.Data[i] = openaiapi.EmbeddingItem{Object: "embedding", Embedding: vec, Index: i}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encode embeddings response", "error", err)
	}
}
