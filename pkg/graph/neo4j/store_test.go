package neo4j_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	neo4jdrv "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/eirproject/eir/pkg/graph"
	"github.com/eirproject/eir/pkg/graph/neo4j"
)

const testEmbeddingDim = 4

// testURL returns the test server URL from the environment, or skips the test
// if EIR_TEST_NEO4J_URL is not set.
func testURL(t *testing.T) (url, user, password string) {
	t.Helper()
	url = os.Getenv("EIR_TEST_NEO4J_URL")
	if url == "" {
		t.Skip("EIR_TEST_NEO4J_URL not set — skipping Neo4j integration tests")
	}
	user = os.Getenv("EIR_TEST_NEO4J_USER")
	if user == "" {
		user = "neo4j"
	}
	password = os.Getenv("EIR_TEST_NEO4J_PASSWORD")
	return url, user, password
}

// newTestStore connects to the test server and wipes all data and schema so
// every test starts clean. The store is closed via t.Cleanup.
func newTestStore(t *testing.T) *neo4j.Store {
	t.Helper()
	url, user, password := testURL(t)
	ctx := context.Background()

	wipe(t, ctx, url, user, password)

	store, err := neo4j.New(ctx, url, user, password, testEmbeddingDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(context.Background()); err != nil {
			t.Errorf("close: %v", err)
		}
	})

	if err := store.SchemaInit(ctx); err != nil {
		t.Fatalf("SchemaInit: %v", err)
	}
	return store
}

// wipe removes all nodes, constraints, and indexes with a bare driver.
func wipe(t *testing.T, ctx context.Context, url, user, password string) {
	t.Helper()
	driver, err := neo4jdrv.NewDriverWithContext(url, neo4jdrv.BasicAuth(user, password, ""))
	if err != nil {
		t.Fatalf("wipe driver: %v", err)
	}
	defer driver.Close(ctx)

	sess := driver.NewSession(ctx, neo4jdrv.SessionConfig{})
	defer sess.Close(ctx)

	if _, err := sess.Run(ctx, "MATCH (n) DETACH DELETE n", nil); err != nil {
		t.Fatalf("wipe data: %v", err)
	}

	res, err := sess.Run(ctx, "SHOW CONSTRAINTS YIELD name RETURN name", nil)
	if err != nil {
		t.Fatalf("list constraints: %v", err)
	}
	records, _ := res.Collect(ctx)
	for _, rec := range records {
		name, _ := rec.Get("name")
		if _, err := sess.Run(ctx, fmt.Sprintf("DROP CONSTRAINT %s IF EXISTS", name), nil); err != nil {
			t.Fatalf("drop constraint %v: %v", name, err)
		}
	}

	res, err = sess.Run(ctx, "SHOW INDEXES YIELD name, type WHERE type <> 'LOOKUP' RETURN name", nil)
	if err != nil {
		t.Fatalf("list indexes: %v", err)
	}
	records, _ = res.Collect(ctx)
	for _, rec := range records {
		name, _ := rec.Get("name")
		if _, err := sess.Run(ctx, fmt.Sprintf("DROP INDEX %s IF EXISTS", name), nil); err != nil {
			t.Fatalf("drop index %v: %v", name, err)
		}
	}
}

func TestSchemaInit_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// newTestStore already initialized once; a second run must not fail.
	if err := store.SchemaInit(ctx); err != nil {
		t.Fatalf("second SchemaInit: %v", err)
	}
}

func TestCreateNode_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateNode(ctx, graph.NodeSpec{
		Kind:        graph.KindTopic,
		Name:        "Quantum Computing",
		Description: "computation with qubits",
		Embedding:   []float32{1, 0, 0, 0},
		Extra:       map[string]any{"source": "seed"},
	})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if created.ID == 0 && created.Name != "Quantum Computing" {
		t.Errorf("unexpected node: %+v", created)
	}
	if !created.HasEmbedding {
		t.Error("expected HasEmbedding")
	}

	got, err := store.GetNode(ctx, graph.KindTopic, "Quantum Computing")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.ID != created.ID || got.Description != "computation with qubits" {
		t.Errorf("round trip mismatch: %+v vs %+v", created, got)
	}
	if got.Extra["source"] != "seed" {
		t.Errorf("extra property lost: %+v", got.Extra)
	}
}

func TestCreateNode_DuplicateName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	spec := graph.NodeSpec{Kind: graph.KindTag, Name: "physics"}
	if _, err := store.CreateNode(ctx, spec); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	_, err := store.CreateNode(ctx, spec)
	if !errors.Is(err, graph.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestVectorQuery_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	vec := []float32{0.5, 0.5, 0, 0}
	if _, err := store.CreateNode(ctx, graph.NodeSpec{
		Kind: graph.KindTopic, Name: "Seeded", Embedding: vec,
	}); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	// Native vector indexes populate asynchronously; retry briefly since the
	// cosine-scan fallback answers regardless.
	var hits []graph.Hit
	var err error
	for i := 0; i < 10; i++ {
		hits, err = store.VectorQuery(ctx, graph.KindTopic, vec, 1, 0)
		if err == nil && len(hits) > 0 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("VectorQuery: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "Seeded" {
		t.Fatalf("expected the seeded node, got %v", hits)
	}
	if hits[0].Score < 0.9 {
		t.Errorf("identical vector should score ≥ 0.9, got %v", hits[0].Score)
	}
}

func TestAlter_DeleteDetaches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateNode(ctx, graph.NodeSpec{Kind: graph.KindTopic, Name: "T"}); err != nil {
		t.Fatalf("CreateNode topic: %v", err)
	}
	k, err := store.CreateNode(ctx, graph.NodeSpec{
		Kind: graph.KindKnowledge, Name: "K", Summary: "s",
		BelongsTo: []graph.Ref{{Kind: graph.KindTopic, Name: "T"}},
	})
	if err != nil {
		t.Fatalf("CreateNode knowledge: %v", err)
	}

	if _, err := store.Alter(ctx, graph.AlterSpec{Kind: graph.KindKnowledge, ID: k.ID, Delete: true}); err != nil {
		t.Fatalf("Alter delete: %v", err)
	}

	rows, err := store.StructuralQuery(ctx, graph.StructuralSpec{
		Match:  "(:Topic {name: $name})-[r]-()",
		Return: "count(r) AS c",
		Params: map[string]any{"name": "T"},
	})
	if err != nil {
		t.Fatalf("StructuralQuery: %v", err)
	}
	if len(rows) != 1 || rows[0]["c"] != int64(0) {
		t.Errorf("expected zero incident edges, got %v", rows)
	}
}

func TestHybridQuery_Join(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	vec := []float32{1, 0, 0, 0}
	if _, err := store.CreateNode(ctx, graph.NodeSpec{Kind: graph.KindTopic, Name: "T", Embedding: vec}); err != nil {
		t.Fatalf("CreateNode topic: %v", err)
	}
	for _, name := range []string{"K1", "K2", "K3"} {
		if _, err := store.CreateNode(ctx, graph.NodeSpec{
			Kind: graph.KindKnowledge, Name: name, Summary: "s",
			BelongsTo: []graph.Ref{{Kind: graph.KindTopic, Name: "T"}},
		}); err != nil {
			t.Fatalf("CreateNode %s: %v", name, err)
		}
	}

	var hits []graph.HybridHit
	var err error
	for i := 0; i < 10; i++ {
		hits, err = store.HybridQuery(ctx, graph.HybridSpec{
			SourceKind: graph.KindTopic, Vector: vec,
			Relationship: graph.BelongsTo, TargetKind: graph.KindKnowledge,
			K: 10, MinScore: 0,
		})
		if err == nil && len(hits) > 0 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("HybridQuery: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d: %v", len(hits), hits)
	}
	seen := map[string]bool{}
	for _, h := range hits {
		if h.Source.Name != "T" {
			t.Errorf("expected source T, got %q", h.Source.Name)
		}
		seen[h.Target.Name] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 distinct targets, got %v", seen)
	}
}

func TestRawQuery_Capped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if _, err := store.CreateNode(ctx, graph.NodeSpec{
			Kind: graph.KindTag, Name: fmt.Sprintf("tag-%02d", i),
		}); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}

	rows, err := store.RawQuery(ctx, "MATCH (n:Tag) RETURN n.name AS name ORDER BY name", nil)
	if err != nil {
		t.Fatalf("RawQuery: %v", err)
	}
	if len(rows) != graph.MaxRows {
		t.Errorf("expected %d rows, got %d", graph.MaxRows, len(rows))
	}
}
