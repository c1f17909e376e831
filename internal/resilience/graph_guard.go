package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/eirproject/eir/pkg/graph"
)

// GraphGuard wraps a [graph.Store] with a circuit breaker so that a failing
// backend is bypassed quickly instead of holding every request for a full
// driver timeout. An open circuit surfaces as a [graph.ErrBackend] wrap, the
// same class callers already handle for connectivity failures.
//
// Only failures classified as backend errors trip the breaker; domain errors
// (not found, duplicate name, invalid arguments) pass through without
// counting, since they indicate a healthy backend rejecting bad input.
type GraphGuard struct {
	store   graph.Store
	breaker *CircuitBreaker
}

var _ graph.Store = (*GraphGuard)(nil)

// NewGraphGuard wraps store. Zero-value config fields get breaker defaults.
func NewGraphGuard(store graph.Store, cfg CircuitBreakerConfig) *GraphGuard {
	if cfg.Name == "" {
		cfg.Name = "graph"
	}
	return &GraphGuard{
		store:   store,
		breaker: NewCircuitBreaker(cfg),
	}
}

// State exposes the breaker state for readiness reporting.
func (g *GraphGuard) State() State {
	return g.breaker.State()
}

// execute routes a store call through the breaker. Domain errors are replayed
// to the caller but masked from the breaker's failure accounting.
func (g *GraphGuard) execute(fn func() error) error {
	var domainErr error
	err := g.breaker.Execute(func() error {
		err := fn()
		if isDomainError(err) {
			domainErr = err
			return nil
		}
		return err
	})
	if domainErr != nil {
		return domainErr
	}
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: circuit open", graph.ErrBackend)
	}
	return err
}

func isDomainError(err error) bool {
	return errors.Is(err, graph.ErrNotFound) ||
		errors.Is(err, graph.ErrDuplicateName) ||
		errors.Is(err, graph.ErrDimensionMismatch) ||
		errors.Is(err, graph.ErrInvalidArguments)
}

func (g *GraphGuard) SchemaInit(ctx context.Context) error {
	return g.execute(func() error { return g.store.SchemaInit(ctx) })
}

func (g *GraphGuard) CreateNode(ctx context.Context, spec graph.NodeSpec) (*graph.Node, error) {
	var node *graph.Node
	err := g.execute(func() error {
		var err error
		node, err = g.store.CreateNode(ctx, spec)
		return err
	})
	return node, err
}

func (g *GraphGuard) GetNode(ctx context.Context, kind graph.Kind, name string) (*graph.Node, error) {
	var node *graph.Node
	err := g.execute(func() error {
		var err error
		node, err = g.store.GetNode(ctx, kind, name)
		return err
	})
	return node, err
}

func (g *GraphGuard) SetEmbedding(ctx context.Context, kind graph.Kind, id int64, vector []float32) error {
	return g.execute(func() error { return g.store.SetEmbedding(ctx, kind, id, vector) })
}

func (g *GraphGuard) CreateEdge(ctx context.Context, spec graph.EdgeSpec) (int64, error) {
	var id int64
	err := g.execute(func() error {
		var err error
		id, err = g.store.CreateEdge(ctx, spec)
		return err
	})
	return id, err
}

func (g *GraphGuard) Alter(ctx context.Context, spec graph.AlterSpec) (*graph.Node, error) {
	var node *graph.Node
	err := g.execute(func() error {
		var err error
		node, err = g.store.Alter(ctx, spec)
		return err
	})
	return node, err
}

func (g *GraphGuard) StructuralQuery(ctx context.Context, spec graph.StructuralSpec) ([]map[string]any, error) {
	var rows []map[string]any
	err := g.execute(func() error {
		var err error
		rows, err = g.store.StructuralQuery(ctx, spec)
		return err
	})
	return rows, err
}

func (g *GraphGuard) VectorQuery(ctx context.Context, kind graph.Kind, vector []float32, k int, minScore float64) ([]graph.Hit, error) {
	var hits []graph.Hit
	err := g.execute(func() error {
		var err error
		hits, err = g.store.VectorQuery(ctx, kind, vector, k, minScore)
		return err
	})
	return hits, err
}

func (g *GraphGuard) HybridQuery(ctx context.Context, spec graph.HybridSpec) ([]graph.HybridHit, error) {
	var hits []graph.HybridHit
	err := g.execute(func() error {
		var err error
		hits, err = g.store.HybridQuery(ctx, spec)
		return err
	})
	return hits, err
}

func (g *GraphGuard) RawQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	var rows []map[string]any
	err := g.execute(func() error {
		var err error
		rows, err = g.store.RawQuery(ctx, query, params)
		return err
	})
	return rows, err
}

func (g *GraphGuard) Ping(ctx context.Context) error {
	return g.execute(func() error { return g.store.Ping(ctx) })
}

// Close bypasses the breaker: shutdown must always reach the driver.
func (g *GraphGuard) Close(ctx context.Context) error {
	return g.store.Close(ctx)
}
