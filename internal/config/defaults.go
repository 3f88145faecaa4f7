package config

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine:                 "claude",
		Concurrency:            4,
		MaxRetries:             2,
		RetryDelaySeconds:      5,
		ExternalTimeoutSeconds: 120,
		BaseBranch:             "main",
		ArtifactsDir:           "artifacts",
		Engines:                map[string]EngineConfig{},
	}
}
