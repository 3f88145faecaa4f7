// Package engine abstracts the external coding-agent CLIs behind a uniform
// invocation surface. Each adapter maps to one concrete command line and one
// output-parsing schema; the orchestrator never sees engine specifics.
package engine

import (
	"context"
	"fmt"
	"time"
)

// Options carries the per-invocation sinks and working directory.
type Options struct {
	WorkDir string // Working directory for the agent process (the task worktree)
	LogFile string // File receiving the agent's stderr
	TeeFile string // File receiving a streaming copy of stdout, for progress tracking
}

// Result is the parsed outcome of one agent invocation.
type Result struct {
	ResponseText string
	InputTokens  int
	OutputTokens int
	CostUSD      float64       // Engines that report actual cost
	Duration     time.Duration // Engines that report duration instead
	IsError      bool          // An error record was present in the stream
	ErrorMessage string
}

// Engine is the interface all agent adapters implement.
type Engine interface {
	// Name returns the engine identifier ("claude", "opencode", "gemini", "cursor").
	Name() string

	// Execute runs the agent with the given prompt and returns the parsed result.
	Execute(ctx context.Context, prompt string, opts Options) (*Result, error)

	// SessionID returns the session identifier for resumable engines, or "".
	SessionID() string
}

// Config selects and parameterizes an engine.
type Config struct {
	Type      string // "claude", "opencode", "gemini", "cursor"
	Model     string // Optional model override
	SessionID string // Optional session to resume
}

// New creates an engine adapter from the configuration.
func New(cfg Config, pm *ProcessManager) (Engine, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeEngine(cfg, pm), nil
	case "opencode":
		return NewOpencodeEngine(cfg, pm), nil
	case "gemini":
		return NewGeminiEngine(cfg, pm), nil
	case "cursor":
		return NewCursorEngine(cfg, pm), nil
	default:
		return nil, fmt.Errorf("unknown engine type: %s", cfg.Type)
	}
}

// Types lists the supported engine identifiers.
func Types() []string {
	return []string{"claude", "opencode", "gemini", "cursor"}
}
