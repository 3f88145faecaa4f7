package config

// EngineConfig parameterizes one agent engine.
type EngineConfig struct {
	Model string `json:"model,omitempty"` // Model override passed to the CLI
}

// Config is the top-level configuration.
type Config struct {
	Engine                 string                  `json:"engine"`                  // Default engine: claude, opencode, gemini, cursor
	Concurrency            int                     `json:"concurrency"`             // Max concurrent agents
	MaxRetries             int                     `json:"max_retries"`             // Transient agent-error retries
	RetryDelaySeconds      int                     `json:"retry_delay_seconds"`     // Delay between retries
	ExternalTimeoutSeconds int                     `json:"external_timeout_seconds"` // Graceful-stop deadline after latch
	BaseBranch             string                  `json:"base_branch"`
	ArtifactsDir           string                  `json:"artifacts_dir"`
	Engines                map[string]EngineConfig `json:"engines,omitempty"`
}
