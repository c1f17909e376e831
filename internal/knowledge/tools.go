// Package knowledge exposes the closed set of graph operations available to
// the workers and the external API surfaces. Every operation is a tagged call
// value routed through a single Dispatch entry point, so all consumers — the
// executive worker, the MCP server, the debug endpoint — share one argument
// validation and one embedding policy.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eirproject/eir/pkg/graph"
	"github.com/eirproject/eir/pkg/provider/embeddings"
)

// Tool name constants as exposed to LLMs and over MCP.
const (
	ToolCreateNode       = "knowledge_create_node"
	ToolCreateEdge       = "knowledge_create_edge"
	ToolAlter            = "knowledge_alter"
	ToolStructuralSearch = "knowledge_structural_search"
	ToolVectorSearch     = "knowledge_vector_search"
	ToolHybridSearch     = "knowledge_hybrid_search"
	ToolRawQuery         = "knowledge_raw_query"
)

// ToolNames lists every tool name Dispatch understands.
func ToolNames() []string {
	return []string{
		ToolCreateNode, ToolCreateEdge, ToolAlter,
		ToolStructuralSearch, ToolVectorSearch, ToolHybridSearch, ToolRawQuery,
	}
}

// Defaults for vector and hybrid retrieval when the caller leaves them unset.
const (
	DefaultK        = 10
	DefaultMinScore = 0.7
)

// Call is the closed set of knowledge operations. Implementations live in
// this package only.
type Call interface {
	Tool() string
}

// CreateNodeCall creates a node, embedding its name, and atomically attaches
// one BELONGS_TO edge per parent.
type CreateNodeCall struct {
	Kind        graph.Kind
	Name        string
	Description string
	Summary     string
	BelongsTo   []graph.Ref
	Extra       map[string]any
}

// CreateEdgeCall creates the cross product of edges between the named source
// and target nodes.
type CreateEdgeCall struct {
	SourceKind   graph.Kind
	SourceNames  []string
	TargetKind   graph.Kind
	TargetNames  []string
	Relationship string
	Description  string
}

// AlterCall updates fields of a node or deletes it. Delete and Fields are
// mutually exclusive. A name change also regenerates the node's embedding.
type AlterCall struct {
	Kind   graph.Kind
	ID     int64
	Delete bool
	Fields map[string]any
}

// StructuralSearchCall runs a constrained structural query.
type StructuralSearchCall struct {
	Match  string
	Where  string
	Return string
	Params map[string]any
}

// VectorSearchCall embeds Text and returns the top-K most similar nodes of
// the given kind. K defaults to DefaultK, MinScore to DefaultMinScore when
// nil.
type VectorSearchCall struct {
	Kind     graph.Kind
	Text     string
	K        int
	MinScore *float64
}

// HybridSearchCall embeds Text, finds similar source nodes, and joins them to
// their related targets. K and MinScore default like VectorSearchCall.
type HybridSearchCall struct {
	SourceKind   graph.Kind
	Text         string
	Relationship string
	TargetKind   graph.Kind
	K            int
	MinScore     *float64
}

// RawQueryCall runs an arbitrary query, capped at graph.MaxRows rows.
type RawQueryCall struct {
	Query  string
	Params map[string]any
}

func (CreateNodeCall) Tool() string       { return ToolCreateNode }
func (CreateEdgeCall) Tool() string       { return ToolCreateEdge }
func (AlterCall) Tool() string            { return ToolAlter }
func (StructuralSearchCall) Tool() string { return ToolStructuralSearch }
func (VectorSearchCall) Tool() string     { return ToolVectorSearch }
func (HybridSearchCall) Tool() string     { return ToolHybridSearch }
func (RawQueryCall) Tool() string         { return ToolRawQuery }

// Result carries the outcome of a Call. Exactly the fields relevant to the
// dispatched call are populated.
type Result struct {
	Node       *graph.Node
	EdgeID     int64
	Rows       []map[string]any
	Hits       []graph.Hit
	HybridHits []graph.HybridHit
}

// Tools binds a graph store to an embedding provider.
type Tools struct {
	store    graph.Store
	embedder embeddings.Provider
	log      *slog.Logger
}

// Option configures Tools.
type Option func(*Tools)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(t *Tools) { t.log = log }
}

// NewTools returns a Tools layer over store using embedder for name and query
// text embeddings.
func NewTools(store graph.Store, embedder embeddings.Provider, opts ...Option) (*Tools, error) {
	if store == nil {
		return nil, fmt.Errorf("knowledge: store must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("knowledge: embedder must not be nil")
	}
	t := &Tools{store: store, embedder: embedder, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// GetNode looks up a node by its exact (kind, name) key.
func (t *Tools) GetNode(ctx context.Context, kind graph.Kind, name string) (*graph.Node, error) {
	return t.store.GetNode(ctx, kind, name)
}

// Dispatch routes a Call to its operation.
func (t *Tools) Dispatch(ctx context.Context, call Call) (*Result, error) {
	switch c := call.(type) {
	case CreateNodeCall:
		return t.createNode(ctx, c)
	case CreateEdgeCall:
		return t.createEdge(ctx, c)
	case AlterCall:
		return t.alter(ctx, c)
	case StructuralSearchCall:
		return t.structuralSearch(ctx, c)
	case VectorSearchCall:
		return t.vectorSearch(ctx, c)
	case HybridSearchCall:
		return t.hybridSearch(ctx, c)
	case RawQueryCall:
		return t.rawQuery(ctx, c)
	default:
		return nil, fmt.Errorf("knowledge: unknown call type %T: %w", call, graph.ErrInvalidArguments)
	}
}

// createNode embeds the node name and creates the node together with its
// BELONGS_TO edges. An unavailable embedding backend is not fatal: the node
// is created without a vector and stays invisible to vector queries until one
// is set.
func (t *Tools) createNode(ctx context.Context, c CreateNodeCall) (*Result, error) {
	vec, err := t.embedder.Embed(ctx, c.Name)
	if err != nil {
		t.log.Warn("embedding unavailable, creating node without vector",
			"kind", c.Kind, "name", c.Name, "error", err)
		vec = nil
	}

	node, err := t.store.CreateNode(ctx, graph.NodeSpec{
		Kind:        c.Kind,
		Name:        c.Name,
		Description: c.Description,
		Summary:     c.Summary,
		Embedding:   vec,
		BelongsTo:   c.BelongsTo,
		Extra:       c.Extra,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Node: node}, nil
}

func (t *Tools) createEdge(ctx context.Context, c CreateEdgeCall) (*Result, error) {
	id, err := t.store.CreateEdge(ctx, graph.EdgeSpec{
		SourceKind:   c.SourceKind,
		SourceNames:  c.SourceNames,
		TargetKind:   c.TargetKind,
		TargetNames:  c.TargetNames,
		Relationship: c.Relationship,
		Description:  c.Description,
	})
	if err != nil {
		return nil, err
	}
	return &Result{EdgeID: id}, nil
}

// alter applies the mutation. When the fields include a new name, the
// embedding is regenerated from it afterwards so vector search keeps matching
// what the node is actually called.
func (t *Tools) alter(ctx context.Context, c AlterCall) (*Result, error) {
	node, err := t.store.Alter(ctx, graph.AlterSpec{
		Kind:   c.Kind,
		ID:     c.ID,
		Delete: c.Delete,
		Fields: c.Fields,
	})
	if err != nil {
		return nil, err
	}

	if newName, ok := c.Fields["name"].(string); ok && newName != "" && !c.Delete {
		vec, err := t.embedder.Embed(ctx, newName)
		if err != nil {
			t.log.Warn("embedding unavailable, renamed node keeps stale vector",
				"kind", c.Kind, "id", c.ID, "error", err)
		} else if err := t.store.SetEmbedding(ctx, c.Kind, c.ID, vec); err != nil {
			return nil, fmt.Errorf("knowledge: refresh embedding after rename: %w", err)
		}
	}
	return &Result{Node: node}, nil
}

func (t *Tools) structuralSearch(ctx context.Context, c StructuralSearchCall) (*Result, error) {
	rows, err := t.store.StructuralQuery(ctx, graph.StructuralSpec{
		Match:  c.Match,
		Where:  c.Where,
		Return: c.Return,
		Params: c.Params,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Rows: rows}, nil
}

func (t *Tools) vectorSearch(ctx context.Context, c VectorSearchCall) (*Result, error) {
	if c.Text == "" {
		return nil, fmt.Errorf("knowledge: vector search text must not be empty: %w", graph.ErrInvalidArguments)
	}
	vec, err := t.embedder.Embed(ctx, c.Text)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query text: %w", err)
	}
	hits, err := t.store.VectorQuery(ctx, c.Kind, vec, orDefaultK(c.K), orDefaultMinScore(c.MinScore))
	if err != nil {
		return nil, err
	}
	return &Result{Hits: hits}, nil
}

func (t *Tools) hybridSearch(ctx context.Context, c HybridSearchCall) (*Result, error) {
	if c.Text == "" {
		return nil, fmt.Errorf("knowledge: hybrid search text must not be empty: %w", graph.ErrInvalidArguments)
	}
	vec, err := t.embedder.Embed(ctx, c.Text)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query text: %w", err)
	}
	hits, err := t.store.HybridQuery(ctx, graph.HybridSpec{
		SourceKind:   c.SourceKind,
		Vector:       vec,
		Relationship: c.Relationship,
		TargetKind:   c.TargetKind,
		K:            orDefaultK(c.K),
		MinScore:     orDefaultMinScore(c.MinScore),
	})
	if err != nil {
		return nil, err
	}
	return &Result{HybridHits: hits}, nil
}

func (t *Tools) rawQuery(ctx context.Context, c RawQueryCall) (*Result, error) {
	if c.Query == "" {
		return nil, fmt.Errorf("knowledge: raw query must not be empty: %w", graph.ErrInvalidArguments)
	}
	rows, err := t.store.RawQuery(ctx, c.Query, c.Params)
	if err != nil {
		return nil, err
	}
	return &Result{Rows: rows}, nil
}

func orDefaultK(k int) int {
	if k <= 0 {
		return DefaultK
	}
	return k
}

func orDefaultMinScore(min *float64) float64 {
	if min == nil {
		return DefaultMinScore
	}
	return *min
}
