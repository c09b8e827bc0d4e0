package config

// DefaultConfig returns the configuration used when daemon.config.json is
// absent. Every field here is a documented default; a config file only needs
// to name the keys it overrides.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Daemon: DaemonConfig{
			Host:               "127.0.0.1",
			Port:               7437,
			GracefulShutdownMS: 5000,
			AutoStart:          true,
		},
		Indexer: IndexerConfig{
			WatchIntervalMS: 1000,
			DebounceMS:      100,
			EmbeddingModel:  "text-embedding-3-small",
			BatchSize:       50,
		},
		Retrieval: RetrievalConfig{
			TopKDirectories:    3,
			MaxCandidates:      50,
			DiversityThreshold: 0.92,
			DefaultBudget:      2000,
			BaselineBudget:     800,
		},
		Storage: StorageConfig{
			JournalMode:   "wal",
			Synchronous:   "normal",
			BusyTimeoutMS: 5000,
		},
		Validation: ValidationConfig{
			MinTokens:     300,
			MaxTokens:     800,
			MaxHardTokens: 2000,
		},
		Reviewer: ReviewerConfig{
			DuplicateExact:        0.99,
			DuplicateSemantic:     0.85,
			DuplicateWarning:      0.70,
			AutoApproveConfidence: 0.95,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   ProviderOpenAI,
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
	}
}
