package graph

import "errors"

// Sentinel errors returned by Store implementations. Callers should match
// with errors.Is; implementations wrap these with backend detail.
var (
	// ErrNotFound indicates the addressed node does not exist.
	ErrNotFound = errors.New("graph: not found")

	// ErrDuplicateName indicates a (kind, name) uniqueness violation.
	ErrDuplicateName = errors.New("graph: duplicate name")

	// ErrDimensionMismatch indicates an embedding vector whose length differs
	// from the dimension the schema was initialized with.
	ErrDimensionMismatch = errors.New("graph: embedding dimension mismatch")

	// ErrInvalidArguments indicates a malformed spec (empty name, unknown
	// kind, delete combined with field updates, and similar).
	ErrInvalidArguments = errors.New("graph: invalid arguments")

	// ErrBackend wraps driver and connectivity failures.
	ErrBackend = errors.New("graph: backend error")
)
