package embeddings

import (
	"context"
	"fmt"
	"os"

	"github.com/dmm-sh/dmm/internal/config"
)

// TextEmbedder is the provider-level interface: raw texts in, vectors out.
type TextEmbedder interface {
	// Embed generates embeddings for one or more texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the number of dimensions in the embedding vectors.
	Dimensions() int

	// Name returns the name/identifier of the embedding model.
	Name() string
}

// NewFromConfig builds the configured provider and wraps it in the memory
// embedding contract.
func NewFromConfig(cfg config.EmbeddingsConfig) (Embedder, error) {
	var text TextEmbedder
	switch cfg.Provider {
	case config.ProviderOpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("embeddings: OPENAI_API_KEY is not set")
		}
		text = NewOpenAIEmbedder(apiKey, OpenAIModel(cfg.Model))
	case config.ProviderOllama:
		text = NewOllamaEmbedder(cfg.Model, cfg.Dimensions, cfg.BaseURL)
	case config.ProviderMock:
		text = NewMockEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("embeddings: unknown provider %q", cfg.Provider)
	}
	return NewMemoryEmbedder(text), nil
}
