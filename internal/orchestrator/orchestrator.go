// Package orchestrator couples the two workers of a chat request: the
// speaker streaming the answer and the executive judging it in the
// background. Speaker tokens are forwarded to the client as they arrive;
// whenever enough new output has accumulated the executive is re-run against
// it, and a verdict of interrupt splices a single correction chunk into the
// outbound stream.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eirproject/eir/internal/knowledge"
	"github.com/eirproject/eir/internal/llmjson"
	"github.com/eirproject/eir/internal/openaiapi"
	"github.com/eirproject/eir/internal/worker/executive"
	"github.com/eirproject/eir/internal/worker/speaker"
	"github.com/eirproject/eir/pkg/graph"
	"github.com/eirproject/eir/pkg/provider/llm"
)

// Defaults for the orchestration parameters.
const (
	// DefaultStride is the number of newly accumulated characters that
	// triggers a fresh executive evaluation.
	DefaultStride = 100
	// DefaultTimeout bounds one request end to end.
	DefaultTimeout = 120 * time.Second
)

// Prefetch parameters for the initial knowledge lookup.
const (
	prefetchK        = 3
	prefetchMinScore = 0.6
)

// interruptionFormat frames the executive's corrective document in the
// client stream.
const interruptionFormat = "\n\n[Executive Interruption: %s]"

// Request is one normalized chat request together with its per-request
// workers.
type Request struct {
	// Model is echoed into every emitted chunk.
	Model string
	// UserQuery is the text of the last user message.
	UserQuery string
	// Completion is the provider-layer request built from the wire request.
	Completion llm.CompletionRequest
	// JSONMode buffers the stream and emits a single JSON chunk at the end.
	JSONMode bool

	Speaker   *speaker.Worker
	Executive *executive.Worker
}

// Orchestrator runs chat requests. It is stateless across requests and safe
// for concurrent use.
type Orchestrator struct {
	tools   *knowledge.Tools
	log     *slog.Logger
	stride  int
	timeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithStride overrides the re-evaluation stride.
func WithStride(stride int) Option {
	return func(o *Orchestrator) {
		if stride > 0 {
			o.stride = stride
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// New returns an Orchestrator prefetching knowledge through tools.
func New(tools *knowledge.Tools, opts ...Option) (*Orchestrator, error) {
	if tools == nil {
		return nil, fmt.Errorf("orchestrator: tools must not be nil")
	}
	o := &Orchestrator{
		tools:   tools,
		log:     slog.Default(),
		stride:  DefaultStride,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// prefetch performs the synchronous knowledge lookup preceding the speaker
// launch. Failures are logged and produce an empty context.
func (o *Orchestrator) prefetch(ctx context.Context, userQuery string) string {
	if strings.TrimSpace(userQuery) == "" {
		return ""
	}
	minScore := prefetchMinScore
	res, err := o.tools.Dispatch(ctx, knowledge.VectorSearchCall{
		Kind:     graph.KindKnowledge,
		Text:     userQuery,
		K:        prefetchK,
		MinScore: &minScore,
	})
	if err != nil {
		o.log.Warn("knowledge prefetch failed, proceeding without context", "error", err)
		return ""
	}
	return knowledge.BuildDocument(nil, res.Hits).Text
}

// evalTask is one executive evaluation in flight. Cancelling it abandons the
// result; the evaluation's own writeback rules decide whether the graph
// write still happens.
type evalTask struct {
	cancel context.CancelFunc
	done   chan executive.Verdict
}

func (o *Orchestrator) spawnEval(ctx context.Context, req Request, accumulated string) *evalTask {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &evalTask{cancel: cancel, done: make(chan executive.Verdict, 1)}
	go func() {
		defer cancel()
		task.done <- req.Executive.Evaluate(taskCtx, executive.Request{
			UserQuery:     req.UserQuery,
			Conversation:  req.Completion.Messages,
			SpeakerOutput: accumulated,
		})
	}()
	return task
}

// Stream runs a streaming request, writing chunks to sse. The [DONE]
// sentinel is always the last event written, including on speaker failure.
func (o *Orchestrator) Stream(ctx context.Context, req Request, sse *openaiapi.SSEWriter) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	id := openaiapi.NewChunkID()
	knowledgeText := o.prefetch(ctx, req.UserQuery)

	ch, err := req.Speaker.Stream(ctx, req.Completion, knowledgeText)
	if err != nil {
		return o.failStream(sse, id, req.Model, err)
	}

	st := &streamState{orch: o, req: req, sse: sse, id: id}
	// task is the evaluation whose verdict has not been consumed yet; nil
	// once the poll drained it, so finishStream never waits on a verdict
	// that was already applied.
	task := o.spawnEval(ctx, req, "")
	defer func() {
		if task != nil {
			task.cancel()
		}
	}()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return o.finishStream(ctx, st, task)
			}
			if chunk.FinishReason == "error" {
				return o.failStream(sse, id, req.Model, errors.New(chunk.Text))
			}
			if err := st.forward(chunk); err != nil {
				return err
			}
			// Re-evaluate once the accumulated output crosses a new stride
			// multiple, superseding the evaluation in flight.
			if crossed := len(st.accumulated) / o.stride; crossed > st.lastStride {
				st.lastStride = crossed
				if task != nil {
					task.cancel()
				}
				task = o.spawnEval(ctx, req, st.accumulated)
			}
			// Non-blocking poll of the latest verdict.
			if task != nil {
				select {
				case verdict := <-task.done:
					task.cancel()
					task = nil
					if err := st.applyVerdict(verdict); err != nil {
						return err
					}
				default:
				}
			}

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return o.failStream(sse, id, req.Model, fmt.Errorf("request timed out after %s", o.timeout))
			}
			// Client disconnect: nothing left to write to.
			return ctx.Err()
		}
	}
}

// streamState is the per-request forwarding state of one streaming call.
type streamState struct {
	orch *Orchestrator
	req  Request
	sse  *openaiapi.SSEWriter
	id   string

	accumulated  string
	lastStride   int
	interrupted  bool
	assembling   bool   // a tool call is mid-assembly on the client
	deferredDoc  string // interruption held back during tool assembly
	deferredSet  bool
	finishReason string
	toolCalls    []llm.ToolCall
}

// forward writes one speaker chunk to the client, respecting JSON-mode
// buffering.
func (s *streamState) forward(chunk llm.Chunk) error {
	if chunk.Text != "" {
		s.accumulated += chunk.Text
		if !s.req.JSONMode {
			if err := s.sse.Send(openaiapi.ContentChunk(s.id, s.req.Model, chunk.Text)); err != nil {
				return err
			}
		}
	}
	if len(chunk.ToolCallChunks) > 0 {
		s.assembling = true
		if err := s.sse.Send(openaiapi.ToolCallChunk(s.id, s.req.Model, chunk.ToolCallChunks)); err != nil {
			return err
		}
	}
	if chunk.FinishReason != "" {
		s.finishReason = chunk.FinishReason
		s.toolCalls = chunk.ToolCalls
		s.assembling = false
		if err := s.flushDeferred(); err != nil {
			return err
		}
	}
	return nil
}

// applyVerdict handles one executive verdict under the at-most-once rule.
func (s *streamState) applyVerdict(verdict executive.Verdict) error {
	if verdict.Action != executive.ActionInterrupt {
		return nil
	}
	if s.interrupted {
		s.orch.log.Debug("interruption suppressed, already fired",
			"reason", verdict.Reason, "document", verdict.Document)
		return nil
	}
	if s.req.JSONMode {
		// Splicing prose into a JSON stream would corrupt the payload.
		s.orch.log.Info("interruption suppressed in JSON mode",
			"reason", verdict.Reason, "document", verdict.Document)
		s.interrupted = true
		return nil
	}
	if s.assembling {
		// Never preempt a tool call the client is still assembling.
		if !s.deferredSet {
			s.deferredSet = true
			s.deferredDoc = verdict.Document
		}
		return nil
	}
	return s.emitInterruption(verdict.Document)
}

func (s *streamState) flushDeferred() error {
	if !s.deferredSet || s.interrupted {
		return nil
	}
	doc := s.deferredDoc
	s.deferredSet = false
	return s.emitInterruption(doc)
}

func (s *streamState) emitInterruption(document string) error {
	s.interrupted = true
	content := fmt.Sprintf(interruptionFormat, document)
	return s.sse.Send(openaiapi.ContentChunk(s.id, s.req.Model, content))
}

// finishStream runs after the speaker ends: await the outstanding verdict if
// one is still pending, flush JSON-mode output, and terminate the stream. A
// nil task means the latest verdict was already consumed mid-stream and the
// stream terminates immediately.
func (o *Orchestrator) finishStream(ctx context.Context, st *streamState, task *evalTask) error {
	if err := st.flushDeferred(); err != nil {
		return err
	}
	if !st.interrupted && task != nil {
		select {
		case verdict := <-task.done:
			if err := st.applyVerdict(verdict); err != nil {
				return err
			}
		case <-ctx.Done():
		}
	}

	if st.req.JSONMode {
		if err := o.emitJSON(st); err != nil {
			return err
		}
	}

	reason := st.finishReason
	if reason == "" {
		reason = "stop"
	}
	if err := st.sse.Send(openaiapi.FinishChunk(st.id, st.req.Model, reason)); err != nil {
		return err
	}
	return st.sse.Done()
}

// emitJSON flushes the buffered JSON-mode output as a single chunk,
// tolerating fenced code blocks around the object.
func (o *Orchestrator) emitJSON(st *streamState) error {
	raw, err := llmjson.ExtractRaw(st.accumulated)
	if err != nil {
		o.log.Warn("speaker output is not JSON", "error", err)
		fallback, err := json.Marshal(map[string]string{
			"error":   "Failed to parse as JSON",
			"content": st.accumulated,
		})
		if err != nil {
			return fmt.Errorf("orchestrator: marshal JSON fallback: %w", err)
		}
		return st.sse.Send(openaiapi.ContentChunk(st.id, st.req.Model, string(fallback)))
	}
	return st.sse.Send(openaiapi.ContentChunk(st.id, st.req.Model, raw))
}

// failStream applies the speaker-failure policy: an error chunk, a stop
// finish, and the sentinel.
func (o *Orchestrator) failStream(sse *openaiapi.SSEWriter, id, model string, cause error) error {
	o.log.Error("speaker failed", "error", cause)
	if err := sse.Send(openaiapi.ContentChunk(id, model, "Error: "+cause.Error())); err != nil {
		return err
	}
	if err := sse.Send(openaiapi.FinishChunk(id, model, "stop")); err != nil {
		return err
	}
	return sse.Done()
}

// Complete runs a non-streaming request: both workers run concurrently, and
// an interrupt verdict appends the correction to the composed message.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (openaiapi.Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	id := openaiapi.NewChunkID()
	knowledgeText := o.prefetch(ctx, req.UserQuery)

	var (
		resp    *llm.CompletionResponse
		verdict executive.Verdict
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := req.Speaker.Complete(gctx, req.Completion, knowledgeText)
		if err != nil {
			return fmt.Errorf("orchestrator: speaker: %w", err)
		}
		resp = r
		return nil
	})
	g.Go(func() error {
		verdict = req.Executive.Evaluate(gctx, executive.Request{
			UserQuery:    req.UserQuery,
			Conversation: req.Completion.Messages,
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return openaiapi.Completion{}, err
	}

	content := resp.Content
	if verdict.Action == executive.ActionInterrupt {
		content += fmt.Sprintf(interruptionFormat, verdict.Document)
	}
	return openaiapi.NewCompletion(id, req.Model, content, resp.FinishReason, resp.ToolCalls), nil
}
