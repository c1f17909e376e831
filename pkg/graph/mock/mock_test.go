package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/eirproject/eir/pkg/graph"
)

func ctxb() context.Context { return context.Background() }

// TestCreateNode_DuplicateName enforces (kind, name) uniqueness.
func TestCreateNode_DuplicateName(t *testing.T) {
	t.Parallel()
	s := NewStore(3)
	spec := graph.NodeSpec{Kind: graph.KindTopic, Name: "Paris", Description: "Capital of France"}
	if _, err := s.CreateNode(ctxb(), spec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.CreateNode(ctxb(), spec)
	if !errors.Is(err, graph.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	// Same name under another kind is legal.
	if _, err := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTag, Name: "Paris"}); err != nil {
		t.Fatalf("same name, different kind should succeed: %v", err)
	}
}

// TestCreateNode_KnowledgeRequiresSummary enforces the summary invariant.
func TestCreateNode_KnowledgeRequiresSummary(t *testing.T) {
	t.Parallel()
	s := NewStore(3)
	_, err := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindKnowledge, Name: "Fact"})
	if !errors.Is(err, graph.ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
	n, err := s.CreateNode(ctxb(), graph.NodeSpec{
		Kind: graph.KindKnowledge, Name: "Fact", Summary: "a fact",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Summary == "" {
		t.Error("stored node should carry the summary")
	}
}

// TestCreateNode_DimensionMismatch enforces the embedding length invariant.
func TestCreateNode_DimensionMismatch(t *testing.T) {
	t.Parallel()
	s := NewStore(3)
	_, err := s.CreateNode(ctxb(), graph.NodeSpec{
		Kind: graph.KindTopic, Name: "X", Embedding: []float32{1, 2},
	})
	if !errors.Is(err, graph.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

// TestCreateNode_BelongsTo creates parent edges atomically and rejects
// missing parents.
func TestCreateNode_BelongsTo(t *testing.T) {
	t.Parallel()
	s := NewStore(3)
	topic, err := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTopic, Name: "France"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = s.CreateNode(ctxb(), graph.NodeSpec{
		Kind: graph.KindKnowledge, Name: "K1", Summary: "s",
		BelongsTo: []graph.Ref{{Kind: graph.KindTopic, Name: "Atlantis"}},
	})
	if !errors.Is(err, graph.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing parent, got %v", err)
	}

	k, err := s.CreateNode(ctxb(), graph.NodeSpec{
		Kind: graph.KindKnowledge, Name: "K1", Summary: "s",
		BelongsTo: []graph.Ref{{Kind: graph.KindTopic, Name: "France"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.EdgeCount(topic.ID); got != 1 {
		t.Errorf("expected 1 edge on topic, got %d", got)
	}
	if got := s.EdgeCount(k.ID); got != 1 {
		t.Errorf("expected 1 edge on knowledge node, got %d", got)
	}
}

// TestVectorQuery_OrderingAndBounds checks score bounds, descending order,
// tie-break by lower id, minScore filtering, and the k cap.
func TestVectorQuery_OrderingAndBounds(t *testing.T) {
	t.Parallel()
	s := NewStore(2)
	mk := func(name string, vec []float32) *graph.Node {
		n, err := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTopic, Name: name, Embedding: vec})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		return n
	}
	mk("exact", []float32{1, 0})
	mk("orthogonal", []float32{0, 1})
	mk("opposite", []float32{-1, 0})
	mk("exact-twin", []float32{2, 0}) // same direction, later id

	hits, err := s.VectorQuery(ctxb(), graph.KindTopic, []float32{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 4 {
		t.Fatalf("expected 4 hits, got %d", len(hits))
	}
	for i, h := range hits {
		if h.Score < 0 || h.Score > 1 {
			t.Errorf("score out of [0,1]: %v", h.Score)
		}
		if i > 0 && hits[i-1].Score < h.Score {
			t.Error("scores not non-increasing")
		}
	}
	if hits[0].Name != "exact" || hits[1].Name != "exact-twin" {
		t.Errorf("tie should break by lower id: %v, %v", hits[0].Name, hits[1].Name)
	}
	if hits[3].Name != "opposite" || hits[3].Score != 0 {
		t.Errorf("opposite vector should score 0, got %v %v", hits[3].Name, hits[3].Score)
	}

	// minScore filters, k caps.
	hits, err = s.VectorQuery(ctxb(), graph.KindTopic, []float32{1, 0}, 1, 0.9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "exact" {
		t.Errorf("expected single exact hit, got %v", hits)
	}
}

// TestVectorQuery_SkipsUnembedded checks I5: nodes without embeddings are
// invisible to vector queries.
func TestVectorQuery_SkipsUnembedded(t *testing.T) {
	t.Parallel()
	s := NewStore(2)
	if _, err := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTopic, Name: "bare"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hits, err := s.VectorQuery(ctxb(), graph.KindTopic, []float32{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("unembedded node must not be returned, got %v", hits)
	}
}

// TestSetEmbedding_MakesNodeVisible checks the create-then-embed path.
func TestSetEmbedding_MakesNodeVisible(t *testing.T) {
	t.Parallel()
	s := NewStore(2)
	n, err := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTopic, Name: "late"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetEmbedding(ctxb(), graph.KindTopic, n.ID, []float32{1, 0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hits, err := s.VectorQuery(ctxb(), graph.KindTopic, []float32{1, 0}, 1, 0.9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != n.ID {
		t.Errorf("expected the embedded node, got %v", hits)
	}
}

// TestAlter_DeleteDetachesEdges checks I6 and post-delete invisibility.
func TestAlter_DeleteDetachesEdges(t *testing.T) {
	t.Parallel()
	s := NewStore(2)
	topic, _ := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTopic, Name: "T", Embedding: []float32{1, 0}})
	k, err := s.CreateNode(ctxb(), graph.NodeSpec{
		Kind: graph.KindKnowledge, Name: "K", Summary: "s", Embedding: []float32{1, 0},
		BelongsTo: []graph.Ref{{Kind: graph.KindTopic, Name: "T"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.Alter(ctxb(), graph.AlterSpec{Kind: graph.KindKnowledge, ID: k.ID, Delete: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.EdgeCount(topic.ID); got != 0 {
		t.Errorf("expected edges detached, %d remain", got)
	}
	hits, _ := s.VectorQuery(ctxb(), graph.KindKnowledge, []float32{1, 0}, 10, 0)
	if len(hits) != 0 {
		t.Errorf("deleted node must not be returned, got %v", hits)
	}
}

// TestAlter_MutualExclusion rejects delete combined with fields, and empty alters.
func TestAlter_MutualExclusion(t *testing.T) {
	t.Parallel()
	s := NewStore(2)
	n, _ := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTopic, Name: "T"})

	_, err := s.Alter(ctxb(), graph.AlterSpec{
		Kind: graph.KindTopic, ID: n.ID, Delete: true, Fields: map[string]any{"description": "x"},
	})
	if !errors.Is(err, graph.ErrInvalidArguments) {
		t.Errorf("expected ErrInvalidArguments, got %v", err)
	}
	_, err = s.Alter(ctxb(), graph.AlterSpec{Kind: graph.KindTopic, ID: n.ID})
	if !errors.Is(err, graph.ErrInvalidArguments) {
		t.Errorf("expected ErrInvalidArguments for empty alter, got %v", err)
	}
}

// TestAlter_UpdateFields checks field updates including rename.
func TestAlter_UpdateFields(t *testing.T) {
	t.Parallel()
	s := NewStore(2)
	n, _ := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTopic, Name: "Old"})

	got, err := s.Alter(ctxb(), graph.AlterSpec{
		Kind: graph.KindTopic, ID: n.ID,
		Fields: map[string]any{"name": "New", "description": "renamed"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "New" || got.Description != "renamed" {
		t.Errorf("unexpected node after alter: %+v", got)
	}
	if _, err := s.GetNode(ctxb(), graph.KindTopic, "New"); err != nil {
		t.Errorf("renamed node should resolve: %v", err)
	}
}

// TestCreateEdge_CrossProduct creates all pairs and returns the last id.
func TestCreateEdge_CrossProduct(t *testing.T) {
	t.Parallel()
	s := NewStore(2)
	for _, name := range []string{"S1", "S2"} {
		if _, err := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTopic, Name: name}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for _, name := range []string{"D1", "D2", "D3"} {
		if _, err := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindKnowledge, Name: name, Summary: "s"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	last, err := s.CreateEdge(ctxb(), graph.EdgeSpec{
		SourceKind: graph.KindTopic, SourceNames: []string{"S1", "S2"},
		TargetKind: graph.KindKnowledge, TargetNames: []string{"D1", "D2", "D3"},
		Relationship: "RELATES_TO",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last == 0 {
		t.Error("expected a non-zero last edge id")
	}
	if got := s.EdgeCount(0); got != 6 {
		t.Errorf("expected 6 edges, got %d", got)
	}
}

// TestCreateEdge_MissingEndpoint rejects dangling endpoints (I2).
func TestCreateEdge_MissingEndpoint(t *testing.T) {
	t.Parallel()
	s := NewStore(2)
	if _, err := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTopic, Name: "S"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.CreateEdge(ctxb(), graph.EdgeSpec{
		SourceKind: graph.KindTopic, SourceNames: []string{"S"},
		TargetKind: graph.KindKnowledge, TargetNames: []string{"nope"},
		Relationship: "RELATES_TO",
	})
	if !errors.Is(err, graph.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestHybridQuery_JoinsThroughRelationship ranks sources and joins targets
// regardless of edge direction.
func TestHybridQuery_JoinsThroughRelationship(t *testing.T) {
	t.Parallel()
	s := NewStore(2)
	if _, err := s.CreateNode(ctxb(), graph.NodeSpec{Kind: graph.KindTopic, Name: "T", Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"K1", "K2", "K3"} {
		_, err := s.CreateNode(ctxb(), graph.NodeSpec{
			Kind: graph.KindKnowledge, Name: name, Summary: "s",
			BelongsTo: []graph.Ref{{Kind: graph.KindTopic, Name: "T"}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	hits, err := s.HybridQuery(ctxb(), graph.HybridSpec{
		SourceKind: graph.KindTopic, Vector: []float32{1, 0},
		Relationship: graph.BelongsTo, TargetKind: graph.KindKnowledge,
		K: 10, MinScore: 0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(hits))
	}
	seen := map[string]bool{}
	for _, h := range hits {
		if h.Source.Name != "T" {
			t.Errorf("expected source T, got %q", h.Source.Name)
		}
		if seen[h.Target.Name] {
			t.Errorf("duplicate target %q", h.Target.Name)
		}
		seen[h.Target.Name] = true
	}
}

// TestRowCaps checks the 20-row cap on pass-through queries.
func TestRowCaps(t *testing.T) {
	t.Parallel()
	s := NewStore(2)
	for i := 0; i < 30; i++ {
		s.RawRows = append(s.RawRows, map[string]any{"i": i})
	}
	rows, err := s.RawQuery(ctxb(), "MATCH (n) RETURN n", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != graph.MaxRows {
		t.Errorf("expected %d rows, got %d", graph.MaxRows, len(rows))
	}
	if len(s.RawCalls) != 1 {
		t.Errorf("expected the call recorded, got %d", len(s.RawCalls))
	}
}
