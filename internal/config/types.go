package config

// EmbeddingProvider identifies an embedding backend.
type EmbeddingProvider string

const (
	ProviderOpenAI EmbeddingProvider = "openai"
	ProviderOllama EmbeddingProvider = "ollama"
	ProviderMock   EmbeddingProvider = "mock"
)

// Config is the top-level daemon configuration, corresponding to
// daemon.config.json. It is built once at startup and passed by reference
// into every component; nothing mutates it afterwards.
type Config struct {
	Version    string           `json:"version" koanf:"version"`
	Daemon     DaemonConfig     `json:"daemon" koanf:"daemon"`
	Indexer    IndexerConfig    `json:"indexer" koanf:"indexer"`
	Retrieval  RetrievalConfig  `json:"retrieval" koanf:"retrieval"`
	Storage    StorageConfig    `json:"storage" koanf:"storage"`
	Validation ValidationConfig `json:"validation" koanf:"validation"`
	Reviewer   ReviewerConfig   `json:"reviewer" koanf:"reviewer"`
	Embeddings EmbeddingsConfig `json:"embeddings" koanf:"embeddings"`
}

// DaemonConfig holds the HTTP listener and lifecycle settings.
type DaemonConfig struct {
	Host               string `json:"host" koanf:"host"`
	Port               int    `json:"port" koanf:"port"`
	GracefulShutdownMS int    `json:"graceful_shutdown_ms" koanf:"graceful_shutdown_ms"`
	AutoStart          bool   `json:"auto_start" koanf:"auto_start"`
}

// IndexerConfig controls file watching and batch embedding.
type IndexerConfig struct {
	WatchIntervalMS int      `json:"watch_interval_ms" koanf:"watch_interval_ms"`
	DebounceMS      int      `json:"debounce_ms" koanf:"debounce_ms"`
	EmbeddingModel  string   `json:"embedding_model" koanf:"embedding_model"`
	BatchSize       int      `json:"batch_size" koanf:"batch_size"`
	Exclude         []string `json:"exclude" koanf:"exclude"` // doublestar globs, relative to memory root
}

// RetrievalConfig controls the two-stage search and budget selection.
type RetrievalConfig struct {
	TopKDirectories    int     `json:"top_k_directories" koanf:"top_k_directories"`
	MaxCandidates      int     `json:"max_candidates" koanf:"max_candidates"`
	DiversityThreshold float64 `json:"diversity_threshold" koanf:"diversity_threshold"`
	DefaultBudget      int     `json:"default_budget" koanf:"default_budget"`
	BaselineBudget     int     `json:"baseline_budget" koanf:"baseline_budget"`
}

// StorageConfig holds SQLite pragmas for the index store.
type StorageConfig struct {
	JournalMode   string `json:"journal_mode" koanf:"journal_mode"`
	Synchronous   string `json:"synchronous" koanf:"synchronous"`
	BusyTimeoutMS int    `json:"busy_timeout_ms" koanf:"busy_timeout_ms"`
}

// ValidationConfig holds the token bounds applied to memory bodies.
type ValidationConfig struct {
	MinTokens     int `json:"min_tokens" koanf:"min_tokens"`
	MaxTokens     int `json:"max_tokens" koanf:"max_tokens"`
	MaxHardTokens int `json:"max_hard_tokens" koanf:"max_hard_tokens"`
}

// ReviewerConfig holds the duplicate-detection thresholds and the
// auto-approval cutoff for the write-back decision engine.
type ReviewerConfig struct {
	DuplicateExact        float64 `json:"duplicate_exact" koanf:"duplicate_exact"`
	DuplicateSemantic     float64 `json:"duplicate_semantic" koanf:"duplicate_semantic"`
	DuplicateWarning      float64 `json:"duplicate_warning" koanf:"duplicate_warning"`
	AutoApproveConfidence float64 `json:"auto_approve_confidence" koanf:"auto_approve_confidence"`
}

// EmbeddingsConfig selects the embedding backend.
type EmbeddingsConfig struct {
	Provider   EmbeddingProvider `json:"provider" koanf:"provider"`
	Model      string            `json:"model" koanf:"model"`
	Dimensions int               `json:"dimensions" koanf:"dimensions"`
	BaseURL    string            `json:"base_url" koanf:"base_url"`
}
