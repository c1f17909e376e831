package mcp_test

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/eirproject/eir/internal/knowledge"
	"github.com/eirproject/eir/internal/mcp"
	graphmock "github.com/eirproject/eir/pkg/graph/mock"
	embedmock "github.com/eirproject/eir/pkg/provider/embeddings/mock"
)

const dim = 2

// connect wires a server and client over in-memory transports and returns
// the client session.
func connect(t *testing.T) (*mcpsdk.ClientSession, *graphmock.Store) {
	t.Helper()

	store := graphmock.NewStore(dim)
	embedder := &embedmock.Provider{
		EmbedResult:     []float32{1, 0},
		DimensionsValue: dim,
		ModelIDValue:    "test-embed-v1",
	}
	tools, err := knowledge.NewTools(store, embedder)
	if err != nil {
		t.Fatalf("NewTools: %v", err)
	}

	srv := mcp.NewServer(tools)

	ctx := context.Background()
	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	if _, err := srv.Connect(ctx, serverTransport, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	return session, store
}

func callTool(t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]any) map[string]any {
	t.Helper()

	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if res.IsError {
		t.Fatalf("CallTool(%s) returned tool error: %+v", name, res.Content)
	}

	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal structured content: %v", err)
	}
	return out
}

func TestListTools(t *testing.T) {
	t.Parallel()
	session, _ := connect(t)

	seen := map[string]bool{}
	for tool, err := range session.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("list tools: %v", err)
		}
		seen[tool.Name] = true
	}

	for _, name := range knowledge.ToolNames() {
		if !seen[name] {
			t.Errorf("tool %s not published", name)
		}
	}
	if len(seen) != len(knowledge.ToolNames()) {
		t.Errorf("published %d tools, want %d", len(seen), len(knowledge.ToolNames()))
	}
}

func TestCreateNodeRoundTrip(t *testing.T) {
	t.Parallel()
	session, store := connect(t)

	out := callTool(t, session, knowledge.ToolCreateNode, map[string]any{
		"nodeType":    "Topic",
		"name":        "Jazz",
		"description": "improvised music",
	})

	node, ok := out["node"].(map[string]any)
	if !ok {
		t.Fatalf("missing node in output: %+v", out)
	}
	if node["name"] != "Jazz" || node["kind"] != "Topic" {
		t.Errorf("unexpected node: %+v", node)
	}
	if len(store.VectorCalls) == 0 {
		t.Error("node was created without embedding its name")
	}
}

func TestVectorSearchFindsSeededNode(t *testing.T) {
	t.Parallel()
	session, _ := connect(t)

	callTool(t, session, knowledge.ToolCreateNode, map[string]any{
		"nodeType": "Topic",
		"name":     "Jazz",
	})

	out := callTool(t, session, knowledge.ToolVectorSearch, map[string]any{
		"nodeType": "Topic",
		"text":     "Jazz",
	})

	hits, ok := out["hits"].([]any)
	if !ok || len(hits) != 1 {
		t.Fatalf("hits = %+v, want exactly one", out["hits"])
	}
	hit := hits[0].(map[string]any)
	if hit["name"] != "Jazz" {
		t.Errorf("unexpected hit: %+v", hit)
	}
}

func TestCreateEdgeReturnsEdgeID(t *testing.T) {
	t.Parallel()
	session, store := connect(t)

	callTool(t, session, knowledge.ToolCreateNode, map[string]any{"nodeType": "Topic", "name": "Jazz"})
	callTool(t, session, knowledge.ToolCreateNode, map[string]any{"nodeType": "Topic", "name": "Blues"})

	out := callTool(t, session, knowledge.ToolCreateEdge, map[string]any{
		"sourceType":   "Topic",
		"sourceNames":  []string{"Jazz"},
		"targetType":   "Topic",
		"targetNames":  []string{"Blues"},
		"relationship": "RELATES_TO",
	})

	if _, ok := out["edgeId"]; !ok {
		t.Errorf("missing edgeId in output: %+v", out)
	}
	if store.EdgeCount(1) == 0 && store.EdgeCount(2) == 0 {
		t.Error("no edge recorded in store")
	}
}

func TestRawQueryReturnsRows(t *testing.T) {
	t.Parallel()
	session, store := connect(t)
	store.RawRows = []map[string]any{{"n.name": "Jazz"}}

	out := callTool(t, session, knowledge.ToolRawQuery, map[string]any{
		"query": "MATCH (n:Topic) RETURN n.name",
	})

	rows, ok := out["rows"].([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("rows = %+v, want one row", out["rows"])
	}
	if len(store.RawCalls) != 1 {
		t.Errorf("RawQuery called %d times, want 1", len(store.RawCalls))
	}
}

func TestInvalidArgumentsSurfaceAsError(t *testing.T) {
	t.Parallel()
	session, _ := connect(t)

	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      knowledge.ToolCreateNode,
		Arguments: map[string]any{"nodeType": "Nonsense", "name": "x"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Error("expected tool error for unknown node type")
	}
}
