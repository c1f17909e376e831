package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/eirproject/eir/internal/knowledge"
	"github.com/eirproject/eir/internal/openaiapi"
	"github.com/eirproject/eir/pkg/provider/llm"
)

// toolMentionDistance is the maximum Levenshtein distance at which a token
// in the query text still counts as naming a knowledge tool, so small typos
// ("knowledge_vectorsearch") select the intended tool.
const toolMentionDistance = 2

// debugRequest is the body of POST /debug/query.
type debugRequest struct {
	Query      string          `json:"query"`
	ToolParams json.RawMessage `json:"tool_params,omitempty"`
}

// handleDebugQuery lets an operator exercise a knowledge tool directly, or
// ask the executive model ad hoc. The endpoint only exists while debug mode
// is on; otherwise it is indistinguishable from an unknown route.
func (s *Server) handleDebugQuery(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfgFn()
	if !cfg.Server.Debug {
		http.NotFound(w, r)
		return
	}

	var req debugRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: "request body is not valid JSON: " + err.Error(),
			Type:    "invalid_request_error",
		})
		return
	}

	if hasToolParams(req.ToolParams) {
		s.runDebugTool(w, r, req)
		return
	}
	s.runDebugPrompt(w, r, req.Query)
}

// runDebugTool infers a tool from the query text and parameter shape, then
// dispatches it.
func (s *Server) runDebugTool(w http.ResponseWriter, r *http.Request, req debugRequest) {
	var params map[string]any
	if err := json.Unmarshal(req.ToolParams, &params); err != nil {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: "tool_params must be an object: " + err.Error(),
			Type:    "invalid_request_error",
			Param:   "tool_params",
		})
		return
	}

	tool := inferTool(req.Query, params)
	if tool == "" {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: "could not infer a knowledge tool from the query and tool_params shape",
			Type:    "invalid_request_error",
			Param:   "tool_params",
		})
		return
	}

	call, err := knowledge.ParseCall(tool, req.ToolParams)
	if err != nil {
		s.metrics.RecordToolCall(r.Context(), tool, "error")
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: err.Error(),
			Type:    "invalid_request_error",
			Param:   "tool_params",
		})
		return
	}

	start := time.Now()
	res, err := s.tools.Dispatch(r.Context(), call)
	s.metrics.ToolExecutionDuration.Record(r.Context(), time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordToolCall(r.Context(), tool, "error")
		openaiapi.WriteError(w, http.StatusInternalServerError, openaiapi.ErrorDetail{
			Message: err.Error(),
			Type:    "server_error",
			Code:    "tool_failed",
		})
		return
	}
	s.metrics.RecordToolCall(r.Context(), tool, "ok")

	writeDebugJSON(s, w, map[string]any{
		"tool":   tool,
		"result": resultPayload(res),
	})
}

// runDebugPrompt forwards the raw query to the executive model.
func (s *Server) runDebugPrompt(w http.ResponseWriter, r *http.Request, query string) {
	cfg := s.cfgFn()
	provider, entry, err := s.buildProvider(r, executiveHeaderPrefix, cfg.Providers.Executive, cfg.Providers.DefaultAPIKey)
	if err != nil {
		openaiapi.WriteError(w, http.StatusBadRequest, openaiapi.ErrorDetail{
			Message: "executive provider: " + err.Error(),
			Type:    "invalid_request_error",
			Code:    "unknown_provider",
		})
		return
	}

	resp, err := provider.Complete(r.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: query}},
	})
	if err != nil {
		openaiapi.WriteError(w, http.StatusBadGateway, openaiapi.ErrorDetail{
			Message: err.Error(),
			Type:    "server_error",
			Code:    "completion_failed",
		})
		return
	}

	writeDebugJSON(s, w, map[string]any{
		"model":    entry.Model,
		"response": resp.Content,
	})
}

// inferTool selects a knowledge tool from an explicit mention in the query
// text, falling back to the shape of the parameters.
func inferTool(query string, params map[string]any) string {
	if name := mentionedTool(query); name != "" {
		return name
	}
	has := func(k string) bool {
		_, ok := params[k]
		return ok
	}
	switch {
	case has("query"):
		return knowledge.ToolRawQuery
	case has("nodeType") && has("text") && has("relationshipType") && has("targetType"):
		return knowledge.ToolHybridSearch
	case has("nodeType") && has("text"):
		return knowledge.ToolVectorSearch
	case has("nodeType"):
		return knowledge.ToolCreateNode
	}
	return ""
}

// mentionedTool scans the query text for a token within edit distance of a
// known tool name.
func mentionedTool(query string) string {
	for _, token := range strings.Fields(strings.ToLower(query)) {
		token = strings.Trim(token, ".,;:!?\"'()")
		if !strings.HasPrefix(token, "know") {
			continue
		}
		for _, name := range knowledge.ToolNames() {
			if matchr.Levenshtein(token, name) <= toolMentionDistance {
				return name
			}
		}
	}
	return ""
}

// hasToolParams reports whether tool_params was provided with a non-null
// value.
func hasToolParams(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

// resultPayload flattens a knowledge.Result into only the fields the
// dispatched call populated.
func resultPayload(res *knowledge.Result) map[string]any {
	out := map[string]any{}
	if res.Node != nil {
		out["node"] = map[string]any{
			"id":          res.Node.ID,
			"kind":        string(res.Node.Kind),
			"name":        res.Node.Name,
			"description": res.Node.Description,
			"summary":     res.Node.Summary,
		}
	}
	if res.EdgeID != 0 {
		out["edgeId"] = res.EdgeID
	}
	if res.Rows != nil {
		out["rows"] = res.Rows
	}
	if res.Hits != nil {
		hits := make([]map[string]any, len(res.Hits))
		for i, h := range res.Hits {
			hits[i] = map[string]any{
				"id": h.ID, "name": h.Name, "description": h.Description, "score": h.Score,
			}
		}
		out["hits"] = hits
	}
	if res.HybridHits != nil {
		hits := make([]map[string]any, len(res.HybridHits))
		for i, h := range res.HybridHits {
			hits[i] = map[string]any{
				"source":       map[string]any{"id": h.Source.ID, "name": h.Source.Name, "score": h.Source.Score},
				"relationship": h.Relationship,
				"target":       map[string]any{"id": h.Target.ID, "name": h.Target.Name, "description": h.Target.Description},
			}
		}
		out["hits"] = hits
	}
	return out
}

func writeDebugJSON(s *Server, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode debug response", "error", err)
	}
}
