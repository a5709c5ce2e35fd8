// Package embedding abstracts the vector provider behind a small interface
// so the engine can run against Ollama in production and a deterministic
// mock in tests.
package embedding

import "context"

// Provider generates fixed-dimension embeddings for text.
type Provider interface {
	// Embed returns the vector for text. Implementations must respect ctx
	// cancellation: a timed-out call leaves the record on the pending
	// recovery path, never half-indexed.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension is the fixed vector length of the active model profile.
	Dimension() int
	// Ready reports whether the provider can serve embeddings. A failed
	// readiness probe at boot is fatal, not a degraded running state.
	Ready(ctx context.Context) error
}
