package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// OpencodeEngine drives the opencode CLI. Output is JSON-per-line; token and
// cost figures accumulate from "step_finish" records. Permission prompts are
// bypassed through an environment variable rather than a flag.
type OpencodeEngine struct {
	sessionID string
	model     string
	procMgr   *ProcessManager
}

// opencodeRecord covers the record shapes opencode emits.
type opencodeRecord struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
	Text      string `json:"text"`
	Error     string `json:"error"`
	Tokens    struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	} `json:"tokens"`
	Cost float64 `json:"cost"`
}

// NewOpencodeEngine creates an opencode adapter.
func NewOpencodeEngine(cfg Config, pm *ProcessManager) *OpencodeEngine {
	return &OpencodeEngine{
		sessionID: cfg.SessionID,
		model:     cfg.Model,
		procMgr:   pm,
	}
}

func (e *OpencodeEngine) Name() string { return "opencode" }

func (e *OpencodeEngine) SessionID() string { return e.sessionID }

// Execute runs opencode and accumulates per-step usage from its stream.
func (e *OpencodeEngine) Execute(ctx context.Context, prompt string, opts Options) (*Result, error) {
	args := []string{"run", prompt, "--print-logs", "--format", "json"}
	if e.sessionID != "" {
		args = append(args, "--session", e.sessionID)
	}
	if e.model != "" {
		args = append(args, "--model", e.model)
	}

	cmd := newCommand(ctx, "opencode", args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), `OPENCODE_PERMISSION={"bash":"allow","edit":"allow","webfetch":"allow"}`)

	stdout, err := runCommand(ctx, cmd, opts, e.procMgr)
	if err != nil {
		return nil, fmt.Errorf("opencode command failed: %w", err)
	}

	result, sessionID, err := parseOpencodeStream(stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse opencode output: %w", err)
	}
	if sessionID != "" {
		e.sessionID = sessionID
	}
	return result, nil
}

// parseOpencodeStream sums step_finish usage records and collects text parts.
func parseOpencodeStream(data []byte) (*Result, string, error) {
	result := &Result{}
	var sessionID string
	var texts []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}

		var rec opencodeRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		if rec.SessionID != "" {
			sessionID = rec.SessionID
		}

		switch rec.Type {
		case "text":
			if rec.Text != "" {
				texts = append(texts, rec.Text)
			}
		case "step_finish":
			result.InputTokens += rec.Tokens.Input
			result.OutputTokens += rec.Tokens.Output
			result.CostUSD += rec.Cost
		case "error":
			result.IsError = true
			result.ErrorMessage = rec.Error
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("error reading stream: %w", err)
	}

	result.ResponseText = strings.Join(texts, "\n")
	return result, sessionID, nil
}
