package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GeminiEngine drives the gemini CLI in line-stream JSON mode. The CLI reports
// wall-clock duration instead of token counts; permissions are bypassed with
// the --yolo flag. Sessions are not resumable.
type GeminiEngine struct {
	model   string
	procMgr *ProcessManager
}

// geminiRecord covers the record shapes gemini emits.
type geminiRecord struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	Error      string `json:"error"`
	DurationMs int64  `json:"durationMs"`
}

// NewGeminiEngine creates a gemini adapter.
func NewGeminiEngine(cfg Config, pm *ProcessManager) *GeminiEngine {
	return &GeminiEngine{
		model:   cfg.Model,
		procMgr: pm,
	}
}

func (e *GeminiEngine) Name() string { return "gemini" }

func (e *GeminiEngine) SessionID() string { return "" }

// Execute runs gemini and parses its line-stream output.
func (e *GeminiEngine) Execute(ctx context.Context, prompt string, opts Options) (*Result, error) {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--yolo"}
	if e.model != "" {
		args = append(args, "--model", e.model)
	}

	cmd := newCommand(ctx, "gemini", args...)
	cmd.Dir = opts.WorkDir

	stdout, err := runCommand(ctx, cmd, opts, e.procMgr)
	if err != nil {
		return nil, fmt.Errorf("gemini command failed: %w", err)
	}

	return parseGeminiStream(stdout)
}

// parseGeminiStream collects content records and the terminal duration.
func parseGeminiStream(data []byte) (*Result, error) {
	result := &Result{}
	var texts []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec geminiRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		switch rec.Type {
		case "content":
			if rec.Content != "" {
				texts = append(texts, rec.Content)
			}
		case "error":
			result.IsError = true
			result.ErrorMessage = rec.Error
		case "result":
			result.Duration = time.Duration(rec.DurationMs) * time.Millisecond
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading stream: %w", err)
	}

	result.ResponseText = strings.Join(texts, "\n")
	return result, nil
}
