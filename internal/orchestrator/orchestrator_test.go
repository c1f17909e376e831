package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eirproject/eir/internal/knowledge"
	"github.com/eirproject/eir/internal/openaiapi"
	"github.com/eirproject/eir/internal/orchestrator"
	"github.com/eirproject/eir/internal/worker/executive"
	"github.com/eirproject/eir/internal/worker/speaker"
	"github.com/eirproject/eir/pkg/graph"
	graphmock "github.com/eirproject/eir/pkg/graph/mock"
	embedmock "github.com/eirproject/eir/pkg/provider/embeddings/mock"
	"github.com/eirproject/eir/pkg/provider/llm"
	llmmock "github.com/eirproject/eir/pkg/provider/llm/mock"
)

const dim = 2

// fixture wires an orchestrator with independent speaker and executive mock
// providers over an in-memory graph.
type fixture struct {
	store     *graphmock.Store
	speakerP  *llmmock.Provider
	executive *llmmock.Provider
	orch      *orchestrator.Orchestrator
	req       orchestrator.Request
}

func newFixture(t *testing.T, opts ...orchestrator.Option) *fixture {
	t.Helper()
	store := graphmock.NewStore(dim)
	tools, err := knowledge.NewTools(store, &embedmock.Provider{EmbedResult: []float32{1, 0}})
	if err != nil {
		t.Fatalf("NewTools: %v", err)
	}

	speakerP := &llmmock.Provider{}
	executiveP := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"action": "none", "reason": "fine"}`},
	}
	spk, err := speaker.New(speakerP)
	if err != nil {
		t.Fatalf("speaker.New: %v", err)
	}
	exec, err := executive.New(executiveP, tools)
	if err != nil {
		t.Fatalf("executive.New: %v", err)
	}
	orch, err := orchestrator.New(tools, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &fixture{
		store:     store,
		speakerP:  speakerP,
		executive: executiveP,
		orch:      orch,
		req: orchestrator.Request{
			Model:     "test-model",
			UserQuery: "capital of France",
			Completion: llm.CompletionRequest{
				Messages: []llm.Message{{Role: "user", Content: "capital of France"}},
			},
			Speaker:   spk,
			Executive: exec,
		},
	}
}

// event is one decoded SSE data line.
type event struct {
	done    bool
	content string
	finish  string
	tools   int // number of tool-call deltas in the chunk
}

// runStream executes the streaming call and decodes the SSE body.
func runStream(t *testing.T, f *fixture) []event {
	t.Helper()
	rec := httptest.NewRecorder()
	sse, err := openaiapi.NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}
	if err := f.orch.Stream(context.Background(), f.req, sse); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	return parseSSE(t, rec.Body.String())
}

func parseSSE(t *testing.T, body string) []event {
	t.Helper()
	var events []event
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			events = append(events, event{done: true})
			continue
		}
		var chunk openaiapi.Chunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		if chunk.Object != "chat.completion.chunk" || chunk.Model != "test-model" {
			t.Fatalf("malformed chunk: %+v", chunk)
		}
		ev := event{tools: len(chunk.Choices[0].Delta.ToolCalls)}
		if c := chunk.Choices[0].Delta.Content; c != nil {
			ev.content = *c
		}
		if fr := chunk.Choices[0].FinishReason; fr != nil {
			ev.finish = *fr
		}
		events = append(events, ev)
	}
	return events
}

func contents(events []event) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(ev.content)
	}
	return b.String()
}

func interruptionCount(events []event) int {
	n := 0
	for _, ev := range events {
		if strings.Contains(ev.content, "[Executive Interruption:") {
			n++
		}
	}
	return n
}

func TestStream_ForwardsTokensInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.speakerP.StreamChunks = []llm.Chunk{
		{Text: "The capital "}, {Text: "is Paris."}, {FinishReason: "stop"},
	}

	events := runStream(t, f)

	if got := contents(events); got != "The capital is Paris." {
		t.Errorf("unexpected stream text %q", got)
	}
	last, prev := events[len(events)-1], events[len(events)-2]
	if !last.done {
		t.Error("stream must end with [DONE]")
	}
	if prev.finish != "stop" {
		t.Errorf("expected stop finish before [DONE], got %+v", prev)
	}
	if interruptionCount(events) != 0 {
		t.Error("no interruption expected")
	}
}

func TestStream_InterruptionFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.WithStride(5))
	// Every evaluation demands an interruption; only one may reach the client.
	f.executive.CompleteResponse = &llm.CompletionResponse{
		Content: `{"action": "interrupt", "reason": "wrong", "document": "Paris is the capital"}`,
	}
	f.speakerP.StreamChunks = []llm.Chunk{
		{Text: "Lyon is"}, {Text: " the capital"}, {Text: " of France."}, {FinishReason: "stop"},
	}

	events := runStream(t, f)

	if got := interruptionCount(events); got != 1 {
		t.Fatalf("expected exactly one interruption, got %d:\n%+v", got, events)
	}
	full := contents(events)
	if !strings.Contains(full, "\n\n[Executive Interruption: Paris is the capital]") {
		t.Errorf("unexpected interruption format:\n%q", full)
	}
	// Speaker text survives unmodified around the splice.
	stripped := strings.Replace(full, "\n\n[Executive Interruption: Paris is the capital]", "", 1)
	if stripped != "Lyon is the capital of France." {
		t.Errorf("speaker text corrupted: %q", stripped)
	}
}

func TestStream_FinalVerdictAfterSpeakerEnds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.executive.CompleteFn = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		time.Sleep(30 * time.Millisecond) // verdict lands after the stream drained
		return &llm.CompletionResponse{
			Content: `{"action": "interrupt", "reason": "wrong", "document": "Correction"}`,
		}, nil
	}
	f.speakerP.StreamChunks = []llm.Chunk{{Text: "Fast answer."}, {FinishReason: "stop"}}

	events := runStream(t, f)

	if interruptionCount(events) != 1 {
		t.Fatalf("expected the final verdict to interrupt:\n%+v", events)
	}
	// The interruption comes after all speaker content, before the finish.
	var interruptIdx, finishIdx int
	for i, ev := range events {
		if strings.Contains(ev.content, "[Executive Interruption:") {
			interruptIdx = i
		}
		if ev.finish != "" {
			finishIdx = i
		}
	}
	if interruptIdx > finishIdx {
		t.Errorf("interruption after finish chunk: %+v", events)
	}
}

func TestStream_TerminatesPromptlyAfterVerdictConsumed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.WithTimeout(5*time.Second))
	gate := make(chan struct{})
	f.speakerP.StreamDelay = gate
	f.speakerP.StreamChunks = []llm.Chunk{{Text: "Paris."}, {FinishReason: "stop"}}

	// Pace the stream so the initial none verdict lands before the first
	// chunk and is drained by the mid-stream poll. The finish must then not
	// wait on a verdict that was already applied.
	go func() {
		time.Sleep(30 * time.Millisecond)
		gate <- struct{}{}
		time.Sleep(10 * time.Millisecond)
		gate <- struct{}{}
	}()

	start := time.Now()
	events := runStream(t, f)
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("stream took %s; termination must not wait out the request timeout", elapsed)
	}
	last, prev := events[len(events)-1], events[len(events)-2]
	if !last.done || prev.finish != "stop" {
		t.Errorf("stream must finish cleanly: %+v", events)
	}
	if interruptionCount(events) != 0 {
		t.Error("no interruption expected")
	}
}

func TestStream_ReevaluatesAtStrideMultiples(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.WithStride(5))

	var mu sync.Mutex
	var prompts []string
	f.executive.CompleteFn = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		mu.Lock()
		prompts = append(prompts, req.Messages[0].Content)
		mu.Unlock()
		return &llm.CompletionResponse{Content: `{"action": "none", "reason": "fine"}`}, nil
	}
	f.speakerP.StreamChunks = []llm.Chunk{{Text: "aaaaa"}, {Text: "bbbbb"}, {FinishReason: "stop"}}

	runStream(t, f)

	// Initial evaluation plus one per crossed stride multiple. Superseded
	// evaluations still reach the model; wait for the stragglers.
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(prompts)
	}
	deadline := time.Now().Add(2 * time.Second)
	for count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if count() != 3 {
		t.Fatalf("expected 3 evaluations, got %d", count())
	}

	mu.Lock()
	defer mu.Unlock()
	var sawFull bool
	for _, p := range prompts {
		if strings.Contains(p, "aaaaabbbbb") {
			sawFull = true
		}
	}
	if !sawFull {
		t.Error("latest evaluation should see the full accumulated output")
	}
}

func TestStream_SpeakerErrorMidStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.speakerP.StreamChunks = []llm.Chunk{
		{Text: "Starting..."},
		{Text: "model exploded", FinishReason: "error"},
	}

	events := runStream(t, f)

	full := contents(events)
	if !strings.Contains(full, "Error: model exploded") {
		t.Errorf("expected error content, got %q", full)
	}
	last, prev := events[len(events)-1], events[len(events)-2]
	if !last.done || prev.finish != "stop" {
		t.Errorf("error stream must still terminate cleanly: %+v", events)
	}
}

func TestStream_SpeakerErrorAtStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.speakerP.StreamErr = errors.New("no upstream")

	events := runStream(t, f)

	if !strings.Contains(contents(events), "Error: ") {
		t.Errorf("expected error chunk, got %+v", events)
	}
	if !events[len(events)-1].done {
		t.Error("stream must end with [DONE]")
	}
}

func TestStream_JSONMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.req.JSONMode = true
	f.speakerP.StreamChunks = []llm.Chunk{
		{Text: "```json\n{\"answer\": "}, {Text: "\"Paris\"}\n```"}, {FinishReason: "stop"},
	}

	events := runStream(t, f)

	var contentEvents []event
	for _, ev := range events {
		if ev.content != "" {
			contentEvents = append(contentEvents, ev)
		}
	}
	if len(contentEvents) != 1 {
		t.Fatalf("JSON mode must emit a single content chunk, got %+v", contentEvents)
	}
	if contentEvents[0].content != `{"answer": "Paris"}` {
		t.Errorf("unexpected JSON payload %q", contentEvents[0].content)
	}
}

func TestStream_JSONModeParseFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.req.JSONMode = true
	f.speakerP.StreamChunks = []llm.Chunk{{Text: "not json at all"}, {FinishReason: "stop"}}

	events := runStream(t, f)

	var payload string
	for _, ev := range events {
		if ev.content != "" {
			payload = ev.content
		}
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("fallback payload is not JSON: %q", payload)
	}
	if decoded["error"] != "Failed to parse as JSON" || decoded["content"] != "not json at all" {
		t.Errorf("unexpected fallback: %v", decoded)
	}
}

func TestStream_ToolCallsNotPreempted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.executive.CompleteResponse = &llm.CompletionResponse{
		Content: `{"action": "interrupt", "reason": "wrong", "document": "Correction"}`,
	}
	f.speakerP.StreamChunks = []llm.Chunk{
		{ToolCallChunks: []llm.ToolCallChunk{{Index: 0, ID: "call_1", Name: "lookup", Arguments: `{"q":`}}},
		{ToolCallChunks: []llm.ToolCallChunk{{Index: 0, Arguments: `"x"}`}}},
		{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "lookup", Arguments: `{"q":"x"}`}}},
	}

	events := runStream(t, f)

	lastTool, firstInterrupt := -1, len(events)
	for i, ev := range events {
		if ev.tools > 0 {
			lastTool = i
		}
		if strings.Contains(ev.content, "[Executive Interruption:") && i < firstInterrupt {
			firstInterrupt = i
		}
	}
	if lastTool < 0 {
		t.Fatal("tool-call chunks were not forwarded")
	}
	if firstInterrupt < lastTool {
		t.Errorf("interruption preempted tool-call assembly: %+v", events)
	}
	// The terminal chunk carries the speaker's finish reason.
	var finish string
	for _, ev := range events {
		if ev.finish != "" {
			finish = ev.finish
		}
	}
	if finish != "tool_calls" {
		t.Errorf("expected tool_calls finish, got %q", finish)
	}
}

func TestStream_PrefetchAugmentsSpeaker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.store.CreateNode(context.Background(), graph.NodeSpec{
		Kind: graph.KindKnowledge, Name: "Capital fact",
		Description: "Paris is the capital of France", Summary: "s",
		Embedding: []float32{1, 0},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.speakerP.StreamChunks = []llm.Chunk{{Text: "ok"}, {FinishReason: "stop"}}

	runStream(t, f)

	if len(f.speakerP.StreamCalls) != 1 {
		t.Fatalf("expected one speaker call, got %d", len(f.speakerP.StreamCalls))
	}
	msgs := f.speakerP.StreamCalls[0].Req.Messages
	if len(msgs) != 2 || msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "Capital fact") {
		t.Errorf("expected prefetched knowledge in a system message, got %v", msgs)
	}
}

func TestStream_PrefetchFailureProceeds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.VectorErr = errors.New("index down")
	f.speakerP.StreamChunks = []llm.Chunk{{Text: "still works"}, {FinishReason: "stop"}}

	events := runStream(t, f)

	if got := contents(events); got != "still works" {
		t.Errorf("prefetch failure must not break the stream, got %q", got)
	}
}

func TestStream_ClientDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	gate := make(chan struct{})
	f.speakerP.StreamDelay = gate // never fed: the stream stalls
	f.speakerP.StreamChunks = []llm.Chunk{{Text: "never sent"}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	rec := httptest.NewRecorder()
	sse, err := openaiapi.NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}
	err = f.orch.Stream(ctx, f.req, sse)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if strings.Contains(rec.Body.String(), "[DONE]") {
		t.Error("disconnected stream must not be finalized")
	}
}

func TestStream_Timeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, orchestrator.WithTimeout(30*time.Millisecond))
	gate := make(chan struct{})
	f.speakerP.StreamDelay = gate
	f.speakerP.StreamChunks = []llm.Chunk{{Text: "never sent"}}

	events := runStream(t, f)

	if !strings.Contains(contents(events), "Error: request timed out") {
		t.Errorf("expected timeout error chunk, got %+v", events)
	}
	if !events[len(events)-1].done {
		t.Error("timed-out stream must still end with [DONE]")
	}
}

func TestComplete_AppendsInterruption(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.speakerP.CompleteResponse = &llm.CompletionResponse{Content: "Lyon is the capital.", FinishReason: "stop"}
	f.executive.CompleteResponse = &llm.CompletionResponse{
		Content: `{"action": "interrupt", "reason": "wrong", "document": "Paris is the capital"}`,
	}

	resp, err := f.orch.Complete(context.Background(), f.req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	want := "Lyon is the capital.\n\n[Executive Interruption: Paris is the capital]"
	if resp.Choices[0].Message.Content != want {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("unexpected object %q", resp.Object)
	}
}

func TestComplete_NoInterruption(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.speakerP.CompleteResponse = &llm.CompletionResponse{Content: "Paris is the capital.", FinishReason: "stop"}

	resp, err := f.orch.Complete(context.Background(), f.req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Choices[0].Message.Content != "Paris is the capital." {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
}

func TestComplete_SpeakerError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.speakerP.CompleteErr = errors.New("upstream down")

	if _, err := f.orch.Complete(context.Background(), f.req); err == nil {
		t.Fatal("expected error")
	}
}
