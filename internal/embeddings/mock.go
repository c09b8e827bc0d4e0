package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// MockEmbedder derives vectors deterministically from the text bytes. It
// needs no network or model, so it backs tests and offline operation, and it
// records every call so tests can assert how often embedding happened.
type MockEmbedder struct {
	dimensions int

	mu    sync.Mutex
	calls int
	texts []string
}

// NewMockEmbedder creates a mock embedder. dimensions <= 0 defaults to 64.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &MockEmbedder{dimensions: dimensions}
}

func (e *MockEmbedder) Name() string    { return "mock" }
func (e *MockEmbedder) Dimensions() int { return e.dimensions }

// Calls returns how many Embed invocations have happened.
func (e *MockEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// EmbeddedTexts returns every text embedded so far, in order.
func (e *MockEmbedder) EmbeddedTexts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.texts))
	copy(out, e.texts)
	return out
}

func (e *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts = append(e.texts, texts...)
	e.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, e.dimensions)
	}
	return out, nil
}

// hashVector expands the SHA-256 of text into d floats in [-1, 1].
func hashVector(text string, d int) []float32 {
	vec := make([]float32, d)
	seed := sha256.Sum256([]byte(text))
	block := seed[:]
	for i := 0; i < d; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		vec[i] = float32(int64(bits)-1<<31) / float32(1<<31)
	}
	return vec
}
