// Package mcp exposes the knowledge tools as a Model Context Protocol
// server, so external agents can query and maintain the graph over the
// same dispatch path the internal workers use.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/eirproject/eir/internal/knowledge"
)

// Arg structs mirror the wire shape understood by knowledge.ParseCall; the
// SDK derives the published input schemas from them.

type parentRef struct {
	Kind string `json:"kind,omitempty" jsonschema:"node type of the parent; defaults to the child's natural parent type"`
	Name string `json:"name" jsonschema:"name of the parent node"`
}

type createNodeArgs struct {
	NodeType    string         `json:"nodeType" jsonschema:"one of TagCategory, Tag, Topic, Knowledge"`
	Name        string         `json:"name" jsonschema:"unique name within the node type"`
	Description string         `json:"description,omitempty"`
	Summary     string         `json:"summary,omitempty" jsonschema:"required for Knowledge nodes"`
	BelongsTo   []parentRef    `json:"belongsTo,omitempty" jsonschema:"parent nodes to attach via BELONGS_TO"`
	Extras      map[string]any `json:"extras,omitempty"`
}

type createEdgeArgs struct {
	SourceType   string   `json:"sourceType"`
	SourceNames  []string `json:"sourceNames"`
	TargetType   string   `json:"targetType"`
	TargetNames  []string `json:"targetNames"`
	Relationship string   `json:"relationship"`
	Description  string   `json:"description,omitempty"`
}

type alterArgs struct {
	NodeType string         `json:"nodeType"`
	ID       int64          `json:"id"`
	Delete   bool           `json:"delete,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type structuralSearchArgs struct {
	Match  string         `json:"match"`
	Where  string         `json:"where,omitempty"`
	Return string         `json:"return,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

type vectorSearchArgs struct {
	NodeType string   `json:"nodeType"`
	Text     string   `json:"text"`
	K        int      `json:"k,omitempty"`
	MinScore *float64 `json:"minScore,omitempty"`
}

type hybridSearchArgs struct {
	NodeType         string   `json:"nodeType"`
	Text             string   `json:"text"`
	RelationshipType string   `json:"relationshipType"`
	TargetType       string   `json:"targetType"`
	K                int      `json:"k,omitempty"`
	MinScore         *float64 `json:"minScore,omitempty"`
}

type rawQueryArgs struct {
	Query  string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
}

// toolOutput is the structured result shared by all seven tools. Only the
// fields relevant to the invoked tool are populated.
type toolOutput struct {
	Node       *nodeOutput      `json:"node,omitempty"`
	EdgeID     int64            `json:"edgeId,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
	Hits       []hitOutput      `json:"hits,omitempty"`
	HybridHits []hybridOutput   `json:"hybridHits,omitempty"`
}

type nodeOutput struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

type hitOutput struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

type hybridOutput struct {
	Source       hitOutput `json:"source"`
	Relationship string    `json:"relationship"`
	Target       hitOutput `json:"target"`
}

// NewServer builds an MCP server publishing the seven knowledge tools over
// the shared dispatcher.
func NewServer(tools *knowledge.Tools) *mcpsdk.Server {
	srv := mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: "eir-knowledge", Version: "1.0.0"},
		nil,
	)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        knowledge.ToolCreateNode,
		Description: "Create a node in the knowledge graph, embedding its name and attaching BELONGS_TO edges to the given parents.",
	}, handler[createNodeArgs](tools, knowledge.ToolCreateNode))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        knowledge.ToolCreateEdge,
		Description: "Create edges between every named source and target node.",
	}, handler[createEdgeArgs](tools, knowledge.ToolCreateEdge))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        knowledge.ToolAlter,
		Description: "Update fields of a node by id, or delete it together with its edges. Renaming refreshes the embedding.",
	}, handler[alterArgs](tools, knowledge.ToolAlter))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        knowledge.ToolStructuralSearch,
		Description: "Run a constrained structural query assembled from match/where/return clauses.",
	}, handler[structuralSearchArgs](tools, knowledge.ToolStructuralSearch))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        knowledge.ToolVectorSearch,
		Description: "Embed the text and return the most similar nodes of the given type, ordered by cosine similarity.",
	}, handler[vectorSearchArgs](tools, knowledge.ToolVectorSearch))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        knowledge.ToolHybridSearch,
		Description: "Embed the text, rank similar source nodes, and join each through the relationship to its target nodes.",
	}, handler[hybridSearchArgs](tools, knowledge.ToolHybridSearch))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        knowledge.ToolRawQuery,
		Description: "Run an arbitrary graph query with parameters; the row count is capped.",
	}, handler[rawQueryArgs](tools, knowledge.ToolRawQuery))

	return srv
}

// NewHTTPHandler mounts the server as a streamable HTTP endpoint.
func NewHTTPHandler(srv *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(
		func(*http.Request) *mcpsdk.Server { return srv },
		nil,
	)
}

// handler adapts one typed tool to the knowledge dispatch path. The typed
// args are re-encoded and routed through ParseCall so the MCP surface shares
// validation with the LLM tool-call and debug surfaces.
func handler[T any](tools *knowledge.Tools, name string) func(context.Context, *mcpsdk.CallToolRequest, T) (*mcpsdk.CallToolResult, toolOutput, error) {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in T) (*mcpsdk.CallToolResult, toolOutput, error) {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, toolOutput{}, fmt.Errorf("mcp: encode %s arguments: %w", name, err)
		}
		call, err := knowledge.ParseCall(name, raw)
		if err != nil {
			return nil, toolOutput{}, err
		}
		res, err := tools.Dispatch(ctx, call)
		if err != nil {
			return nil, toolOutput{}, err
		}
		return nil, outputFrom(res), nil
	}
}

// outputFrom flattens a dispatch result into the wire output.
func outputFrom(res *knowledge.Result) toolOutput {
	out := toolOutput{EdgeID: res.EdgeID, Rows: res.Rows}
	if res.Node != nil {
		out.Node = &nodeOutput{
			ID:          res.Node.ID,
			Kind:        string(res.Node.Kind),
			Name:        res.Node.Name,
			Description: res.Node.Description,
			Summary:     res.Node.Summary,
		}
	}
	for _, h := range res.Hits {
		out.Hits = append(out.Hits, hitOutput{ID: h.ID, Name: h.Name, Description: h.Description, Score: h.Score})
	}
	for _, h := range res.HybridHits {
		out.HybridHits = append(out.HybridHits, hybridOutput{
			Source:       hitOutput{ID: h.Source.ID, Name: h.Source.Name, Description: h.Source.Description, Score: h.Source.Score},
			Relationship: h.Relationship,
			Target:       hitOutput{ID: h.Target.ID, Name: h.Target.Name, Description: h.Target.Description},
		})
	}
	return out
}
