package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// CursorEngine drives the cursor-agent CLI in full-auto mode. The CLI prints
// a single JSON object; it reports neither tokens nor cost, and runs without
// permission prompts by default.
type CursorEngine struct {
	chatID  string
	model   string
	procMgr *ProcessManager
}

// cursorResponse is the single JSON object cursor-agent prints.
type cursorResponse struct {
	Result  string `json:"result"`
	ChatID  string `json:"chat_id"`
	IsError bool   `json:"is_error"`
}

// NewCursorEngine creates a cursor adapter.
func NewCursorEngine(cfg Config, pm *ProcessManager) *CursorEngine {
	return &CursorEngine{
		chatID:  cfg.SessionID,
		model:   cfg.Model,
		procMgr: pm,
	}
}

func (e *CursorEngine) Name() string { return "cursor" }

func (e *CursorEngine) SessionID() string { return e.chatID }

// Execute runs cursor-agent and parses its JSON response.
func (e *CursorEngine) Execute(ctx context.Context, prompt string, opts Options) (*Result, error) {
	args := []string{"-p", prompt, "--output-format", "json"}
	if e.chatID != "" {
		args = append(args, "--resume", e.chatID)
	}
	if e.model != "" {
		args = append(args, "--model", e.model)
	}

	cmd := newCommand(ctx, "cursor-agent", args...)
	cmd.Dir = opts.WorkDir

	stdout, err := runCommand(ctx, cmd, opts, e.procMgr)
	if err != nil {
		return nil, fmt.Errorf("cursor-agent command failed: %w", err)
	}

	var resp cursorResponse
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse cursor-agent output: %w", err)
	}

	if resp.ChatID != "" {
		e.chatID = resp.ChatID
	}

	result := &Result{ResponseText: resp.Result}
	if resp.IsError {
		result.IsError = true
		result.ErrorMessage = resp.Result
	}
	return result, nil
}
