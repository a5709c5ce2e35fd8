package embedding

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"
	"sync/atomic"
)

// MockProvider is a deterministic in-process provider for tests. Vectors are
// derived from token hashes so similar texts land near each other without a
// model, and Calls counts real embedding computations (the unchanged-content
// short-circuit tests depend on it).
type MockProvider struct {
	Dim   int
	Calls atomic.Int64
	// Fail, when set, makes every Embed call return this error.
	Fail error
}

func NewMockProvider(dim int) *MockProvider {
	return &MockProvider{Dim: dim}
}

func (m *MockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	m.Calls.Add(1)
	if m.Fail != nil {
		return nil, m.Fail
	}

	vec := make([]float32, m.Dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := sha256.Sum256([]byte(tok))
		for i := 0; i < m.Dim; i++ {
			vec[i] += float32(int8(h[i%32])) / 128.0
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (m *MockProvider) Dimension() int { return m.Dim }

func (m *MockProvider) Ready(context.Context) error { return nil }
