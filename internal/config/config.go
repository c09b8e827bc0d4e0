package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ValidationError names the config field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// knownKeys is the set of recognized top-level config keys. Anything else in
// the file is ignored with a warning.
var knownKeys = map[string]bool{
	"version":    true,
	"daemon":     true,
	"indexer":    true,
	"retrieval":  true,
	"storage":    true,
	"validation": true,
	"reviewer":   true,
	"embeddings": true,
}

// Load reads configuration from the given JSON file, then overlays
// environment variable overrides (DMM_*). A missing file yields defaults;
// a malformed file or an out-of-range value is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, &ValidationError{Field: path, Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
		for key := range k.Raw() {
			if !knownKeys[key] {
				log.Printf("config: ignoring unknown key %q in %s", key, path)
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	// Overlay environment variables: DMM_DAEMON.PORT etc. Dots separate
	// nesting levels since underscores appear inside field names.
	if err := k.Load(env.Provider("DMM_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "DMM_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that has a legal range. It returns a
// *ValidationError naming the first offending field.
func (c *Config) Validate() error {
	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		return &ValidationError{Field: "daemon.port", Reason: fmt.Sprintf("must be in [1, 65535], got %d", c.Daemon.Port)}
	}
	if c.Daemon.GracefulShutdownMS < 0 {
		return &ValidationError{Field: "daemon.graceful_shutdown_ms", Reason: "must be non-negative"}
	}
	if c.Indexer.DebounceMS < 0 {
		return &ValidationError{Field: "indexer.debounce_ms", Reason: "must be non-negative"}
	}
	if c.Indexer.BatchSize < 1 {
		return &ValidationError{Field: "indexer.batch_size", Reason: "must be at least 1"}
	}
	if c.Retrieval.TopKDirectories < 0 {
		return &ValidationError{Field: "retrieval.top_k_directories", Reason: "must be non-negative"}
	}
	if c.Retrieval.MaxCandidates < 1 {
		return &ValidationError{Field: "retrieval.max_candidates", Reason: "must be at least 1"}
	}
	if c.Retrieval.DiversityThreshold <= 0 || c.Retrieval.DiversityThreshold > 1 {
		return &ValidationError{Field: "retrieval.diversity_threshold", Reason: "must be in (0, 1]"}
	}
	if c.Retrieval.DefaultBudget < 1 {
		return &ValidationError{Field: "retrieval.default_budget", Reason: "must be positive"}
	}
	if c.Retrieval.BaselineBudget < 0 {
		return &ValidationError{Field: "retrieval.baseline_budget", Reason: "must be non-negative"}
	}
	if c.Validation.MinTokens < 0 {
		return &ValidationError{Field: "validation.min_tokens", Reason: "must be non-negative"}
	}
	if c.Validation.MaxTokens < c.Validation.MinTokens {
		return &ValidationError{Field: "validation.max_tokens", Reason: "must be >= min_tokens"}
	}
	if c.Validation.MaxHardTokens < c.Validation.MaxTokens {
		return &ValidationError{Field: "validation.max_hard_tokens", Reason: "must be >= max_tokens"}
	}
	for field, v := range map[string]float64{
		"reviewer.duplicate_exact":         c.Reviewer.DuplicateExact,
		"reviewer.duplicate_semantic":      c.Reviewer.DuplicateSemantic,
		"reviewer.duplicate_warning":       c.Reviewer.DuplicateWarning,
		"reviewer.auto_approve_confidence": c.Reviewer.AutoApproveConfidence,
	} {
		if v < 0 || v > 1 {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("must be in [0, 1], got %g", v)}
		}
	}
	switch c.Embeddings.Provider {
	case ProviderOpenAI, ProviderOllama, ProviderMock:
	default:
		return &ValidationError{Field: "embeddings.provider", Reason: fmt.Sprintf("unknown provider %q", c.Embeddings.Provider)}
	}
	if c.Embeddings.Dimensions < 1 {
		return &ValidationError{Field: "embeddings.dimensions", Reason: "must be at least 1"}
	}
	return nil
}
