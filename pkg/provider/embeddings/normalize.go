package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrUnavailable indicates the embedding backend could not be initialized or
// reached. Callers treat embedding generation as optional: nodes are created
// without a vector and stay invisible to vector queries.
var ErrUnavailable = errors.New("embeddings: unavailable")

// Normalized wraps a lazily constructed Provider and guarantees that every
// vector it returns has exactly the configured dimension with no NaN entries.
//
// Backends disagree about output shape: most return one flat vector per input,
// but token-level models return a matrix of per-token vectors that must be
// mean-pooled. Backends also disagree about dimension — a model may produce
// vectors longer or shorter than the dimension the graph schema was created
// with. Normalized absorbs both mismatches: matrices are mean-pooled over the
// token axis, vectors longer than the target are truncated, shorter ones are
// zero-padded, and NaN components are coerced to 0 so similarity scores stay
// finite.
//
// The underlying Provider is constructed on first use. Construction failures
// are returned from the failing call and retried on the next one, so a backend
// that is temporarily unreachable at startup does not poison the wrapper.
//
// Normalized is safe for concurrent use.
type Normalized struct {
	dim     int
	factory func() (Provider, error)

	mu       sync.Mutex
	delegate Provider
}

var _ Provider = (*Normalized)(nil)

// TokenEmbedder is implemented by backends whose models emit one vector per
// token instead of one per input. When the underlying Provider also
// implements TokenEmbedder, [Normalized.Embed] retrieves the token matrix
// and mean-pools it into a single vector before fitting the dimension.
type TokenEmbedder interface {
	// EmbedTokens returns one vector per input token.
	EmbedTokens(ctx context.Context, text string) ([][]float32, error)
}

// NewNormalized returns a Normalized wrapper producing vectors of length dim.
// factory constructs the underlying Provider; it is invoked lazily on the
// first embedding call and again after any failed construction attempt.
func NewNormalized(dim int, factory func() (Provider, error)) (*Normalized, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embeddings: dimension must be positive, got %d", dim)
	}
	if factory == nil {
		return nil, fmt.Errorf("embeddings: factory must not be nil")
	}
	return &Normalized{dim: dim, factory: factory}, nil
}

// provider returns the underlying Provider, constructing it if needed.
func (n *Normalized) provider() (Provider, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.delegate != nil {
		return n.delegate, nil
	}
	p, err := n.factory()
	if err != nil {
		return nil, fmt.Errorf("%w: init backend: %w", ErrUnavailable, err)
	}
	n.delegate = p
	return p, nil
}

// Embed implements Provider. The result always has length Dimensions().
// Token-level backends (see [TokenEmbedder]) are mean-pooled over the token
// axis first.
func (n *Normalized) Embed(ctx context.Context, text string) ([]float32, error) {
	p, err := n.provider()
	if err != nil {
		return nil, err
	}
	if te, ok := p.(TokenEmbedder); ok {
		rows, err := te.EmbedTokens(ctx, text)
		if err != nil {
			return nil, err
		}
		return Fit(MeanPool(rows), n.dim), nil
	}
	vec, err := p.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return Fit(vec, n.dim), nil
}

// EmbedBatch implements Provider. Every result has length Dimensions().
func (n *Normalized) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p, err := n.provider()
	if err != nil {
		return nil, err
	}
	vecs, err := p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		out[i] = Fit(v, n.dim)
	}
	return out, nil
}

// Dimensions implements Provider by returning the configured target dimension.
func (n *Normalized) Dimensions() int {
	return n.dim
}

// ModelID implements Provider. Before the backend has been constructed it
// returns an empty string rather than forcing construction.
func (n *Normalized) ModelID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.delegate == nil {
		return ""
	}
	return n.delegate.ModelID()
}

// MeanPool collapses a matrix of per-token vectors into a single vector by
// averaging each component across rows. Empty rows are skipped; a nil or
// all-empty matrix yields nil.
func MeanPool(rows [][]float32) []float32 {
	var width int
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	if width == 0 {
		return nil
	}

	sum := make([]float64, width)
	count := 0
	for _, r := range rows {
		if len(r) == 0 {
			continue
		}
		for i, v := range r {
			sum[i] += float64(v)
		}
		count++
	}
	if count == 0 {
		return nil
	}

	out := make([]float32, width)
	for i, s := range sum {
		out[i] = float32(s / float64(count))
	}
	return out
}

// Fit forces vec to exactly dim components: longer vectors are truncated,
// shorter ones zero-padded, and NaN components are replaced with 0. The input
// slice is never modified.
func Fit(vec []float32, dim int) []float32 {
	out := make([]float32, dim)
	for i := 0; i < dim && i < len(vec); i++ {
		v := vec[i]
		if math.IsNaN(float64(v)) {
			v = 0
		}
		out[i] = v
	}
	return out
}
