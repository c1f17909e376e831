package graph

import "fmt"

// Kind is the closed set of node labels in the knowledge graph.
type Kind string

// The four node kinds. Kind doubles as the label in the backing store, so the
// values are the exact label strings.
const (
	KindTagCategory Kind = "TagCategory"
	KindTag         Kind = "Tag"
	KindTopic       Kind = "Topic"
	KindKnowledge   Kind = "Knowledge"
)

// Kinds returns all node kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindTagCategory, KindTag, KindTopic, KindKnowledge}
}

// ParseKind converts a string into a Kind, rejecting anything outside the
// closed enum. The match is exact (case-sensitive).
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTagCategory, KindTag, KindTopic, KindKnowledge:
		return Kind(s), nil
	}
	return "", fmt.Errorf("graph: %w: unknown kind %q", ErrInvalidArguments, s)
}

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTagCategory, KindTag, KindTopic, KindKnowledge:
		return true
	}
	return false
}

// BelongsTo is the reserved relationship type linking a node to its parents.
// Edges of this type are created atomically with the node they originate from.
const BelongsTo = "BELONGS_TO"

// Node is an entity in the knowledge graph.
//
// ID is assigned by the backing store and is stable only within a process
// lifetime; external identity is the (Kind, Name) pair, which is unique.
type Node struct {
	// ID is the store-assigned integer identifier.
	ID int64

	// Kind is the node's label.
	Kind Kind

	// Name is unique within the node's Kind.
	Name string

	// Description is free-form explanatory text.
	Description string

	// Summary is mandatory for Knowledge nodes and empty otherwise.
	Summary string

	// HasEmbedding reports whether an embedding vector is stored for this
	// node. Nodes without one are invisible to vector queries.
	HasEmbedding bool

	// Extra holds free-form scalar properties beyond the fixed fields.
	Extra map[string]any
}

// Ref addresses a node by its external identity.
type Ref struct {
	Kind Kind
	Name string
}

// NodeSpec describes a node to create.
type NodeSpec struct {
	// Kind is the label of the new node. Required.
	Kind Kind

	// Name is the unique-within-kind name. Required.
	Name string

	// Description is free-form explanatory text.
	Description string

	// Summary is required when Kind is KindKnowledge.
	Summary string

	// Embedding is the vector stored with the node. May be nil, in which case
	// the node is excluded from vector queries until SetEmbedding is called.
	Embedding []float32

	// BelongsTo lists parent nodes; one BELONGS_TO edge per parent is created
	// atomically with the node. Every parent must already exist.
	BelongsTo []Ref

	// Extra holds additional scalar properties. Keys must not collide with
	// the fixed property names (name, description, summary, embedding).
	Extra map[string]any
}

// EdgeSpec describes a set of edges to create. The cross-product of
// SourceNames × TargetNames is created; all endpoints must exist.
type EdgeSpec struct {
	// SourceKind is the label of every source node.
	SourceKind Kind

	// SourceNames lists source node names. At least one is required.
	SourceNames []string

	// TargetKind is the label of every target node.
	TargetKind Kind

	// TargetNames lists target node names. At least one is required.
	TargetNames []string

	// Relationship is the edge type tag (e.g. "BELONGS_TO", "RELATES_TO").
	Relationship string

	// Description is free-form text stored on each created edge.
	Description string
}

// AlterSpec describes a mutation of an existing node. Delete and Fields are
// mutually exclusive.
type AlterSpec struct {
	// Kind is the label of the node to alter.
	Kind Kind

	// ID is the store-assigned identifier of the node.
	ID int64

	// Delete removes the node and all incident edges.
	Delete bool

	// Fields maps property names to new values. A "name" key renames the
	// node; callers are expected to refresh the embedding afterwards.
	Fields map[string]any
}

// StructuralSpec is a constrained Cypher-style query assembled from caller
// supplied clauses. The row count is capped by the store.
type StructuralSpec struct {
	// Match is the MATCH clause body (without the MATCH keyword). Required.
	Match string

	// Where is the optional WHERE clause body.
	Where string

	// Return is the optional RETURN clause body; when empty the store
	// returns the matched pattern variables.
	Return string

	// Params holds query parameters referenced by the clauses.
	Params map[string]any
}

// Hit is one row of a vector query result.
type Hit struct {
	// ID is the store-assigned identifier of the matched node.
	ID int64

	// Name is the node name.
	Name string

	// Description is the node description.
	Description string

	// Score is the cosine similarity in [0, 1], or exactly 1.0 when the
	// store degraded to an unscored scan.
	Score float64
}

// HybridHit is one row of a hybrid query result: a vector-ranked source node
// joined through a relationship to a target node.
type HybridHit struct {
	// Source is the vector-ranked node; its Score orders the result set.
	Source Hit

	// Relationship is the edge type that joined Source to Target.
	Relationship string

	// Target is the structurally joined node. Its Score field is 0.
	Target Hit
}

// HybridSpec describes a hybrid semantic+structural query: rank SourceKind
// nodes by similarity to Vector, then join each through Relationship to
// TargetKind nodes.
type HybridSpec struct {
	SourceKind   Kind
	Vector       []float32
	Relationship string
	TargetKind   Kind

	// K caps the number of vector-ranked source nodes.
	K int

	// MinScore filters source nodes below this similarity.
	MinScore float64
}
