// Package executive implements the background evaluation worker. While the
// speaker streams an answer to the client, the executive repeatedly judges
// the accumulated output against the knowledge graph and decides whether the
// stream needs a correction.
//
// A single evaluation moves through three phases: retrieve relevant knowledge
// for the user query, ask the executive LLM for a verdict over the speaker's
// output so far, and write the exchange back into the graph. Every phase
// degrades rather than fails: retrieval or reasoning problems produce a
// default verdict, and writeback errors are logged and swallowed.
package executive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/eirproject/eir/internal/knowledge"
	"github.com/eirproject/eir/internal/llmjson"
	"github.com/eirproject/eir/pkg/graph"
	"github.com/eirproject/eir/pkg/provider/llm"
)

// Action is the executive's decision about the speaker's current output.
type Action string

const (
	// ActionNone lets the speaker stream continue untouched.
	ActionNone Action = "none"
	// ActionInterrupt asks the orchestrator to splice a correction into the
	// stream.
	ActionInterrupt Action = "interrupt"
)

// Verdict is the result of one evaluation.
type Verdict struct {
	Action Action
	Reason string
	// Document carries the corrective content forwarded to the client when
	// Action is ActionInterrupt.
	Document string
}

// Request describes one evaluation over the speaker's output so far.
type Request struct {
	// UserQuery is the text of the last user message.
	UserQuery string
	// Conversation is the chat history as received, without augmentation.
	Conversation []llm.Message
	// SpeakerOutput is the speaker text accumulated up to this evaluation.
	// Empty on the initial evaluation.
	SpeakerOutput string
}

// Retrieval defaults for the evaluation protocol.
const (
	topicK            = 5
	topicMinScore     = 0.6
	knowledgeK        = 5
	knowledgeMinScore = 0.5
	hybridK           = 5
	hybridMinScore    = 0.6
)

const directive = `You are a supervising fact-checker watching another model answer a user.
You receive the conversation, the answer produced so far, and reference knowledge retrieved from a curated graph.
Judge whether the answer so far contradicts the reference knowledge or the conversation.
Respond with a single JSON object: {"action": "none" | "interrupt", "reason": "<short justification>", "document": "<corrective text for the user, required when action is interrupt>"}.
Interrupt only for material errors the reference knowledge disproves. When in doubt, choose "none".`

// Worker evaluates speaker output against the knowledge graph.
//
// Worker is safe for concurrent use; writebacks issued through the same
// Worker are serialized among themselves.
type Worker struct {
	provider llm.Provider
	tools    *knowledge.Tools
	log      *slog.Logger

	writebackMu sync.Mutex
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// New returns a Worker reasoning with provider and retrieving through tools.
func New(provider llm.Provider, tools *knowledge.Tools, opts ...Option) (*Worker, error) {
	if provider == nil {
		return nil, fmt.Errorf("executive: provider must not be nil")
	}
	if tools == nil {
		return nil, fmt.Errorf("executive: tools must not be nil")
	}
	w := &Worker{provider: provider, tools: tools, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Evaluate runs one full evaluation: retrieve, reason, write back. It never
// returns an error; internal failures degrade to an ActionNone verdict so the
// client stream is unaffected.
//
// The writeback phase checks ctx before starting and is skipped when the
// evaluation was cancelled; once started it runs detached from ctx so a
// superseding evaluation cannot interrupt a half-written exchange.
func (w *Worker) Evaluate(ctx context.Context, req Request) Verdict {
	doc, err := w.Retrieve(ctx, req.UserQuery)
	if err != nil {
		w.log.Warn("executive retrieval failed", "error", err)
		return Verdict{Action: ActionNone, Reason: "retrieval failure"}
	}

	verdict := w.reason(ctx, req, doc)

	if ctx.Err() == nil {
		w.writeback(context.WithoutCancel(ctx), req.UserQuery, req.SpeakerOutput)
	}
	return verdict
}

// Retrieve assembles the knowledge document for a user query:
// topics similar to the query, widened to the knowledge items attached to
// them, with a fallback to direct knowledge search when no topic matches.
// An empty document is a normal outcome.
func (w *Worker) Retrieve(ctx context.Context, userQuery string) (knowledge.Document, error) {
	if strings.TrimSpace(userQuery) == "" {
		return knowledge.Document{}, nil
	}

	minScore := topicMinScore
	res, err := w.tools.Dispatch(ctx, knowledge.VectorSearchCall{
		Kind: graph.KindTopic, Text: userQuery, K: topicK, MinScore: &minScore,
	})
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("executive: topic search: %w", err)
	}
	topics := res.Hits

	if len(topics) == 0 {
		minScore := knowledgeMinScore
		res, err := w.tools.Dispatch(ctx, knowledge.VectorSearchCall{
			Kind: graph.KindKnowledge, Text: userQuery, K: knowledgeK, MinScore: &minScore,
		})
		if err != nil {
			return knowledge.Document{}, fmt.Errorf("executive: knowledge search: %w", err)
		}
		return knowledge.BuildDocument(nil, res.Hits), nil
	}

	var items []graph.Hit
	for _, topic := range topics {
		minScore := hybridMinScore
		res, err := w.tools.Dispatch(ctx, knowledge.HybridSearchCall{
			SourceKind:   graph.KindTopic,
			Text:         topic.Name,
			Relationship: graph.BelongsTo,
			TargetKind:   graph.KindKnowledge,
			K:            hybridK,
			MinScore:     &minScore,
		})
		if err != nil {
			return knowledge.Document{}, fmt.Errorf("executive: hybrid search for topic %q: %w", topic.Name, err)
		}
		for _, h := range res.HybridHits {
			item := h.Target
			if item.Score == 0 {
				// The join carries no target score; rank by the source match.
				item.Score = h.Source.Score
			}
			items = append(items, item)
		}
	}
	return knowledge.BuildDocument(topics, items), nil
}

// reason asks the executive LLM for a verdict. Any failure — transport,
// missing JSON, unknown action — yields the default ActionNone verdict with
// the knowledge document as fallback content.
func (w *Worker) reason(ctx context.Context, req Request, doc knowledge.Document) Verdict {
	fallback := Verdict{Action: ActionNone, Reason: "parse failure", Document: doc.Text}

	resp, err := w.provider.Complete(ctx, w.buildRequest(req, doc))
	if err != nil {
		w.log.Warn("executive reasoning failed", "error", err)
		return fallback
	}

	obj, err := llmjson.Extract(resp.Content)
	if err != nil {
		w.log.Warn("executive verdict is not JSON", "error", err)
		return fallback
	}

	verdict := Verdict{Action: ActionNone}
	if action, ok := obj["action"].(string); ok {
		switch Action(action) {
		case ActionNone, ActionInterrupt:
			verdict.Action = Action(action)
		default:
			w.log.Warn("executive verdict has unknown action", "action", action)
			return fallback
		}
	}
	verdict.Reason, _ = obj["reason"].(string)
	verdict.Document, _ = obj["document"].(string)
	if verdict.Action == ActionInterrupt && verdict.Document == "" {
		// An interruption without content would splice an empty correction.
		verdict.Document = doc.Text
	}
	return verdict
}

func (w *Worker) buildRequest(req Request, doc knowledge.Document) llm.CompletionRequest {
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range req.Conversation {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\nAnswer produced so far:\n")
	if req.SpeakerOutput == "" {
		b.WriteString("(nothing yet)\n")
	} else {
		b.WriteString(req.SpeakerOutput)
		b.WriteString("\n")
	}
	b.WriteString("\nReference knowledge:\n")
	if doc.Empty() {
		b.WriteString("(none found)\n")
	} else {
		b.WriteString(doc.Text)
		b.WriteString("\n")
	}

	return llm.CompletionRequest{
		SystemPrompt:   directive,
		Messages:       []llm.Message{{Role: "user", Content: b.String()}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}
}

// writeback records the (user, assistant) exchange in the graph: the topic
// named by the user query is found or created, then a knowledge node holding
// the pair is attached to it. Both sides of the exchange must be non-empty;
// the initial evaluation runs before the speaker has produced anything and
// has no exchange to record yet. Failures never propagate.
func (w *Worker) writeback(ctx context.Context, userQuery, assistantOutput string) {
	if strings.TrimSpace(userQuery) == "" || strings.TrimSpace(assistantOutput) == "" {
		return
	}

	w.writebackMu.Lock()
	defer w.writebackMu.Unlock()

	topicName := truncate(userQuery, 120)
	if _, err := w.tools.GetNode(ctx, graph.KindTopic, topicName); err != nil {
		if _, err := w.tools.Dispatch(ctx, knowledge.CreateNodeCall{
			Kind:        graph.KindTopic,
			Name:        topicName,
			Description: "conversation topic",
		}); err != nil {
			w.log.Warn("writeback: create topic failed", "topic", topicName, "error", err)
			return
		}
	}

	// Knowledge names are unique per kind; suffix with a short id so repeated
	// exchanges about the same topic never collide.
	name := fmt.Sprintf("%s (%s)", truncate(userQuery, 80), uuid.NewString()[:8])
	if _, err := w.tools.Dispatch(ctx, knowledge.CreateNodeCall{
		Kind:        graph.KindKnowledge,
		Name:        name,
		Description: "recorded exchange",
		Summary:     fmt.Sprintf("User: %s\nAssistant: %s", userQuery, assistantOutput),
		BelongsTo:   []graph.Ref{{Kind: graph.KindTopic, Name: topicName}},
		Extra: map[string]any{
			"user":      userQuery,
			"assistant": assistantOutput,
		},
	}); err != nil {
		w.log.Warn("writeback: create knowledge failed", "topic", topicName, "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
