// Package graph defines the typed knowledge-graph store shared by the
// Speaker and Executive workers.
//
// The graph holds four node kinds — [KindTagCategory], [KindTag],
// [KindTopic], [KindKnowledge] — connected by typed relationships, with a
// per-kind cosine vector index over the embedding property. The [Store]
// interface is public so that external packages can supply alternative
// backends (Neo4j, in-memory, …) without depending on internals.
//
// Every implementation must be safe for concurrent use. Concurrent reads are
// lock-free; write serialization is the backend's responsibility.
package graph

import "context"

// MaxRows caps the row count of structural and raw queries.
const MaxRows = 20

// Store is the abstraction over the knowledge-graph backend.
//
// Vector query results are ordered by score descending; on equal scores the
// lower node ID wins. Stores that cannot execute a native vector index query
// degrade to a cosine scan over embedded nodes, and as a last resort to an
// unscored scan with a placeholder score of 1.0; each degradation is logged.
type Store interface {
	// SchemaInit creates the uniqueness constraints, name indexes, and cosine
	// vector indexes for every node kind. It is idempotent: repeated calls
	// leave the schema unchanged.
	SchemaInit(ctx context.Context) error

	// CreateNode inserts a node together with its BELONGS_TO parent edges in
	// one transaction and returns the stored node.
	//
	// Returns ErrDuplicateName when (kind, name) already exists,
	// ErrInvalidArguments for malformed specs (including a Knowledge node
	// without Summary), ErrNotFound when a BelongsTo parent is missing, and
	// ErrDimensionMismatch when the embedding length is wrong.
	CreateNode(ctx context.Context, spec NodeSpec) (*Node, error)

	// GetNode looks a node up by its external identity.
	// Returns ErrNotFound when absent.
	GetNode(ctx context.Context, kind Kind, name string) (*Node, error)

	// SetEmbedding writes the embedding property of an existing node.
	// Returns ErrNotFound when the node is absent and ErrDimensionMismatch
	// when the vector length is wrong.
	SetEmbedding(ctx context.Context, kind Kind, id int64, vector []float32) error

	// CreateEdge creates the cross-product of edges described by spec and
	// returns the ID of the last created edge.
	//
	// Returns ErrNotFound when any endpoint is missing (I2) and
	// ErrInvalidArguments for empty endpoint lists or relationship.
	CreateEdge(ctx context.Context, spec EdgeSpec) (int64, error)

	// Alter updates or deletes a node. Updates return the node as stored
	// after the mutation; deletions detach all incident edges and return nil.
	//
	// Returns ErrInvalidArguments when Delete is combined with Fields or
	// when neither is given, and ErrNotFound for an unknown node.
	Alter(ctx context.Context, spec AlterSpec) (*Node, error)

	// StructuralQuery runs a constrained pattern query and returns at most
	// MaxRows rows, each a map keyed by the returned variable names.
	StructuralQuery(ctx context.Context, spec StructuralSpec) ([]map[string]any, error)

	// VectorQuery returns the k nodes of the given kind most similar to
	// vector, filtered to score ≥ minScore. Nodes without an embedding are
	// never returned.
	VectorQuery(ctx context.Context, kind Kind, vector []float32, k int, minScore float64) ([]Hit, error)

	// HybridQuery ranks source nodes by vector similarity and joins each
	// through the relationship to target nodes.
	HybridQuery(ctx context.Context, spec HybridSpec) ([]HybridHit, error)

	// RawQuery executes a caller-supplied query verbatim and returns at most
	// MaxRows rows. Escape hatch; prefer the typed operations.
	RawQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection. The Store is unusable afterwards.
	Close(ctx context.Context) error
}
