// Package mock provides an in-memory test double for the graph.Store
// interface.
//
// Node, edge, and vector operations behave like the real backend: uniqueness
// and summary invariants are enforced, deletes detach edges, and vector
// queries score stored embeddings with normalized cosine similarity. The two
// Cypher pass-through operations (StructuralQuery, RawQuery) cannot be
// interpreted in memory, so they return configurable canned rows and record
// their calls for inspection.
package mock

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/eirproject/eir/pkg/graph"
)

// RawCall records a single invocation of RawQuery.
type RawCall struct {
	Query  string
	Params map[string]any
}

type nodeRec struct {
	node      graph.Node
	embedding []float32
}

type edgeRec struct {
	id          int64
	from, to    int64
	rel         string
	description string
}

// Store is an in-memory implementation of graph.Store.
type Store struct {
	mu     sync.Mutex
	dim    int
	nextID int64
	nodes  map[int64]*nodeRec
	edges  []edgeRec

	// --- Configurable responses ---

	// StructuralRows is returned by StructuralQuery (capped at graph.MaxRows).
	StructuralRows []map[string]any

	// StructuralErr, if non-nil, is returned by StructuralQuery.
	StructuralErr error

	// RawRows is returned by RawQuery (capped at graph.MaxRows).
	RawRows []map[string]any

	// RawErr, if non-nil, is returned by RawQuery.
	RawErr error

	// CreateNodeErr, if non-nil, is returned by CreateNode before any state change.
	CreateNodeErr error

	// VectorErr, if non-nil, is returned by VectorQuery and HybridQuery.
	VectorErr error

	// PingErr is returned by Ping.
	PingErr error

	// --- Call records (read after test) ---

	// StructuralCalls records every StructuralQuery invocation in order.
	StructuralCalls []graph.StructuralSpec

	// RawCalls records every RawQuery invocation in order.
	RawCalls []RawCall

	// VectorCalls records the kind of every VectorQuery invocation in order.
	VectorCalls []graph.Kind

	// SchemaInitCount is the number of SchemaInit calls.
	SchemaInitCount int

	// Closed reports whether Close was called.
	Closed bool
}

var _ graph.Store = (*Store)(nil)

// NewStore returns an empty in-memory store expecting embeddings of length dim.
func NewStore(dim int) *Store {
	return &Store{
		dim:   dim,
		nodes: map[int64]*nodeRec{},
	}
}

// SchemaInit implements graph.Store as a counted no-op.
func (s *Store) SchemaInit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SchemaInitCount++
	return nil
}

// CreateNode implements graph.Store.
func (s *Store) CreateNode(ctx context.Context, spec graph.NodeSpec) (*graph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CreateNodeErr != nil {
		return nil, s.CreateNodeErr
	}
	if !spec.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", graph.ErrInvalidArguments, spec.Kind)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", graph.ErrInvalidArguments)
	}
	if spec.Kind == graph.KindKnowledge && spec.Summary == "" {
		return nil, fmt.Errorf("%w: Knowledge node requires a summary", graph.ErrInvalidArguments)
	}
	if len(spec.Embedding) > 0 && len(spec.Embedding) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", graph.ErrDimensionMismatch, len(spec.Embedding), s.dim)
	}
	if s.lookup(spec.Kind, spec.Name) != nil {
		return nil, fmt.Errorf("%w: %s %q", graph.ErrDuplicateName, spec.Kind, spec.Name)
	}

	parents := make([]int64, 0, len(spec.BelongsTo))
	for _, ref := range spec.BelongsTo {
		p := s.lookup(ref.Kind, ref.Name)
		if p == nil {
			return nil, fmt.Errorf("%w: parent %s %q", graph.ErrNotFound, ref.Kind, ref.Name)
		}
		parents = append(parents, p.node.ID)
	}

	s.nextID++
	rec := &nodeRec{
		node: graph.Node{
			ID:           s.nextID,
			Kind:         spec.Kind,
			Name:         spec.Name,
			Description:  spec.Description,
			Summary:      spec.Summary,
			HasEmbedding: len(spec.Embedding) > 0,
			Extra:        copyMap(spec.Extra),
		},
	}
	if len(spec.Embedding) > 0 {
		rec.embedding = append([]float32(nil), spec.Embedding...)
	}
	s.nodes[rec.node.ID] = rec

	for _, pid := range parents {
		s.nextID++
		s.edges = append(s.edges, edgeRec{
			id:   s.nextID,
			from: rec.node.ID,
			to:   pid,
			rel:  graph.BelongsTo,
		})
	}

	n := rec.node
	return &n, nil
}

// GetNode implements graph.Store.
func (s *Store) GetNode(ctx context.Context, kind graph.Kind, name string) (*graph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(kind, name)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s %q", graph.ErrNotFound, kind, name)
	}
	n := rec.node
	return &n, nil
}

// SetEmbedding implements graph.Store.
func (s *Store) SetEmbedding(ctx context.Context, kind graph.Kind, id int64, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(vector) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", graph.ErrDimensionMismatch, len(vector), s.dim)
	}
	rec, ok := s.nodes[id]
	if !ok || rec.node.Kind != kind {
		return fmt.Errorf("%w: %s id %d", graph.ErrNotFound, kind, id)
	}
	rec.embedding = append([]float32(nil), vector...)
	rec.node.HasEmbedding = true
	return nil
}

// CreateEdge implements graph.Store.
func (s *Store) CreateEdge(ctx context.Context, spec graph.EdgeSpec) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(spec.SourceNames) == 0 || len(spec.TargetNames) == 0 {
		return 0, fmt.Errorf("%w: endpoint name lists must not be empty", graph.ErrInvalidArguments)
	}
	if spec.Relationship == "" {
		return 0, fmt.Errorf("%w: relationship must not be empty", graph.ErrInvalidArguments)
	}

	var sources, targets []*nodeRec
	for _, name := range spec.SourceNames {
		rec := s.lookup(spec.SourceKind, name)
		if rec == nil {
			return 0, fmt.Errorf("%w: %s %q", graph.ErrNotFound, spec.SourceKind, name)
		}
		sources = append(sources, rec)
	}
	for _, name := range spec.TargetNames {
		rec := s.lookup(spec.TargetKind, name)
		if rec == nil {
			return 0, fmt.Errorf("%w: %s %q", graph.ErrNotFound, spec.TargetKind, name)
		}
		targets = append(targets, rec)
	}

	var last int64
	for _, src := range sources {
		for _, dst := range targets {
			s.nextID++
			last = s.nextID
			s.edges = append(s.edges, edgeRec{
				id:          last,
				from:        src.node.ID,
				to:          dst.node.ID,
				rel:         spec.Relationship,
				description: spec.Description,
			})
		}
	}
	return last, nil
}

// Alter implements graph.Store.
func (s *Store) Alter(ctx context.Context, spec graph.AlterSpec) (*graph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.Delete && len(spec.Fields) > 0 {
		return nil, fmt.Errorf("%w: delete and field updates are mutually exclusive", graph.ErrInvalidArguments)
	}
	if !spec.Delete && len(spec.Fields) == 0 {
		return nil, fmt.Errorf("%w: nothing to alter", graph.ErrInvalidArguments)
	}
	rec, ok := s.nodes[spec.ID]
	if !ok || rec.node.Kind != spec.Kind {
		return nil, fmt.Errorf("%w: %s id %d", graph.ErrNotFound, spec.Kind, spec.ID)
	}

	if spec.Delete {
		delete(s.nodes, spec.ID)
		kept := s.edges[:0]
		for _, e := range s.edges {
			if e.from != spec.ID && e.to != spec.ID {
				kept = append(kept, e)
			}
		}
		s.edges = kept
		return nil, nil
	}

	for k, v := range spec.Fields {
		switch k {
		case "name":
			rec.node.Name, _ = v.(string)
		case "description":
			rec.node.Description, _ = v.(string)
		case "summary":
			rec.node.Summary, _ = v.(string)
		default:
			if rec.node.Extra == nil {
				rec.node.Extra = map[string]any{}
			}
			rec.node.Extra[k] = v
		}
	}
	n := rec.node
	return &n, nil
}

// StructuralQuery implements graph.Store by returning the canned rows.
func (s *Store) StructuralQuery(ctx context.Context, spec graph.StructuralSpec) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StructuralCalls = append(s.StructuralCalls, spec)
	if s.StructuralErr != nil {
		return nil, s.StructuralErr
	}
	return capRows(s.StructuralRows), nil
}

// RawQuery implements graph.Store by returning the canned rows.
func (s *Store) RawQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RawCalls = append(s.RawCalls, RawCall{Query: query, Params: params})
	if s.RawErr != nil {
		return nil, s.RawErr
	}
	return capRows(s.RawRows), nil
}

// VectorQuery implements graph.Store with normalized cosine scoring over the
// stored embeddings. Results are ordered by score descending with the lower
// id winning ties.
func (s *Store) VectorQuery(ctx context.Context, kind graph.Kind, vector []float32, k int, minScore float64) ([]graph.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VectorCalls = append(s.VectorCalls, kind)
	if s.VectorErr != nil {
		return nil, s.VectorErr
	}
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", graph.ErrDimensionMismatch, len(vector), s.dim)
	}
	return s.rank(kind, vector, k, minScore), nil
}

// HybridQuery implements graph.Store: vector-rank sources, then join through
// the relationship (either direction) to targets of the target kind.
func (s *Store) HybridQuery(ctx context.Context, spec graph.HybridSpec) ([]graph.HybridHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.VectorErr != nil {
		return nil, s.VectorErr
	}
	if len(spec.Vector) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", graph.ErrDimensionMismatch, len(spec.Vector), s.dim)
	}

	sources := s.rank(spec.SourceKind, spec.Vector, spec.K, spec.MinScore)

	var hits []graph.HybridHit
	for _, src := range sources {
		for _, e := range s.edges {
			if e.rel != spec.Relationship {
				continue
			}
			var other int64
			switch src.ID {
			case e.from:
				other = e.to
			case e.to:
				other = e.from
			default:
				continue
			}
			dst, ok := s.nodes[other]
			if !ok || dst.node.Kind != spec.TargetKind {
				continue
			}
			hits = append(hits, graph.HybridHit{
				Source:       src,
				Relationship: e.rel,
				Target: graph.Hit{
					ID:          dst.node.ID,
					Name:        dst.node.Name,
					Description: dst.node.Description,
				},
			})
		}
	}
	return hits, nil
}

// Ping implements graph.Store.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Close implements graph.Store.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// EdgeCount returns the number of stored edges, optionally filtered to those
// touching the given node id. Test helper.
func (s *Store) EdgeCount(nodeID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nodeID == 0 {
		return len(s.edges)
	}
	n := 0
	for _, e := range s.edges {
		if e.from == nodeID || e.to == nodeID {
			n++
		}
	}
	return n
}

// lookup finds a node by external identity. Caller holds the lock.
func (s *Store) lookup(kind graph.Kind, name string) *nodeRec {
	for _, rec := range s.nodes {
		if rec.node.Kind == kind && rec.node.Name == name {
			return rec
		}
	}
	return nil
}

// rank scores embedded nodes of the kind against vector. Caller holds the lock.
func (s *Store) rank(kind graph.Kind, vector []float32, k int, minScore float64) []graph.Hit {
	var hits []graph.Hit
	for _, rec := range s.nodes {
		if rec.node.Kind != kind || rec.embedding == nil {
			continue
		}
		score := cosine(vector, rec.embedding)
		if score < minScore {
			continue
		}
		hits = append(hits, graph.Hit{
			ID:          rec.node.ID,
			Name:        rec.node.Name,
			Description: rec.node.Description,
			Score:       score,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// cosine computes cosine similarity normalized into [0, 1], matching the
// scoring of the native vector index.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (cos + 1) / 2
}

func capRows(rows []map[string]any) []map[string]any {
	if len(rows) > graph.MaxRows {
		rows = rows[:graph.MaxRows]
	}
	out := make([]map[string]any, len(rows))
	copy(out, rows)
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
