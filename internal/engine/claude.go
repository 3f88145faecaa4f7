package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ClaudeEngine drives the Claude Code CLI in stream-json mode. Token usage
// comes from the terminal "result" record; permissions are bypassed with a
// flag.
type ClaudeEngine struct {
	sessionID string
	model     string
	started   bool
	procMgr   *ProcessManager
}

// claudeRecord is one line of the stream-json output. Only the fields the
// orchestrator consumes are declared.
type claudeRecord struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewClaudeEngine creates a Claude adapter. A fresh session ID is generated
// unless one is supplied for resuming.
func NewClaudeEngine(cfg Config, pm *ProcessManager) *ClaudeEngine {
	sessionID := cfg.SessionID
	started := sessionID != ""
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &ClaudeEngine{
		sessionID: sessionID,
		model:     cfg.Model,
		started:   started,
		procMgr:   pm,
	}
}

func (e *ClaudeEngine) Name() string { return "claude" }

func (e *ClaudeEngine) SessionID() string { return e.sessionID }

// Execute runs the claude CLI and parses its line-stream output.
func (e *ClaudeEngine) Execute(ctx context.Context, prompt string, opts Options) (*Result, error) {
	args := e.buildArgs(prompt)

	cmd := newCommand(ctx, "claude", args...)
	cmd.Dir = opts.WorkDir

	stdout, err := runCommand(ctx, cmd, opts, e.procMgr)
	if err != nil {
		return nil, fmt.Errorf("claude command failed: %w", err)
	}

	result, err := parseClaudeStream(stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse claude output: %w", err)
	}

	e.started = true
	return result, nil
}

// buildArgs constructs the claude CLI invocation. The first call binds the
// session ID, subsequent calls resume it.
func (e *ClaudeEngine) buildArgs(prompt string) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"}

	if e.started {
		args = append(args, "--resume", e.sessionID)
	} else {
		args = append(args, "--session-id", e.sessionID)
	}
	if e.model != "" {
		args = append(args, "--model", e.model)
	}
	return args
}

// parseClaudeStream walks the newline-delimited records and extracts the
// terminal result record with its usage counters.
func parseClaudeStream(data []byte) (*Result, error) {
	result := &Result{}
	sawResult := false

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec claudeRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Non-JSON noise on stdout is tolerated; the terminal record decides.
			continue
		}

		if rec.Type == "result" {
			sawResult = true
			result.ResponseText = rec.Result
			result.InputTokens = rec.Usage.InputTokens
			result.OutputTokens = rec.Usage.OutputTokens
			if rec.IsError || rec.Subtype == "error" {
				result.IsError = true
				result.ErrorMessage = rec.Result
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading stream: %w", err)
	}
	if !sawResult {
		return nil, fmt.Errorf("no result record in claude output")
	}
	return result, nil
}
