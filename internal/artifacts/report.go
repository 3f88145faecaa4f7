package artifacts

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Task terminal statuses as they appear in reports.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Failure classifications as they appear in reports.
const (
	FailureExternal = "external"
	FailureInternal = "internal"
	FailureUnknown  = "unknown"
)

// Report is the per-task terminal record.
type Report struct {
	TaskID        string
	Title         string
	Branch        string
	Status        string // done | failed
	FailureType   string // external | internal | unknown; empty when done
	ErrorMessage  string
	Commits       int
	ChangedFiles  []string // Serialized comma-joined
	ProgressNotes string   // Tail of the agent's own progress log
	Timestamp     time.Time
}

// Escape sanitizes a string for embedding into a JSON document: backslash,
// then double-quote, then tab are replaced with their escape sequences, and
// carriage returns and newlines are stripped. The order matters; swapping the
// first two steps would double-escape quotes.
func Escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// Render produces the report document. Every string field passes through
// Escape, so the output is always valid JSON.
func (rep *Report) Render() []byte {
	var b strings.Builder
	b.WriteString("{\n")
	fmt.Fprintf(&b, "  %q: \"%s\",\n", "taskId", Escape(rep.TaskID))
	fmt.Fprintf(&b, "  %q: \"%s\",\n", "title", Escape(rep.Title))
	fmt.Fprintf(&b, "  %q: \"%s\",\n", "branch", Escape(rep.Branch))
	fmt.Fprintf(&b, "  %q: \"%s\",\n", "status", Escape(rep.Status))
	if rep.Status == StatusFailed {
		failureType := rep.FailureType
		if failureType == "" {
			failureType = FailureUnknown
		}
		fmt.Fprintf(&b, "  %q: \"%s\",\n", "failureType", Escape(failureType))
		fmt.Fprintf(&b, "  %q: \"%s\",\n", "errorMessage", Escape(rep.ErrorMessage))
	}
	fmt.Fprintf(&b, "  %q: %d,\n", "commits", rep.Commits)
	fmt.Fprintf(&b, "  %q: \"%s\",\n", "changedFiles", Escape(strings.Join(rep.ChangedFiles, ",")))
	fmt.Fprintf(&b, "  %q: \"%s\",\n", "progressNotes", Escape(rep.ProgressNotes))
	fmt.Fprintf(&b, "  %q: \"%s\"\n", "timestamp", rep.Timestamp.UTC().Format(time.RFC3339))
	b.WriteString("}\n")
	return []byte(b.String())
}

// WriteReport persists the report for its task with a single write; the file
// is complete, valid JSON or absent.
func (r *RunDir) WriteReport(rep *Report) error {
	if err := os.WriteFile(r.ReportPath(rep.TaskID), rep.Render(), 0644); err != nil {
		return fmt.Errorf("writing report for %s: %w", rep.TaskID, err)
	}
	return nil
}

// AppendLog appends a line to a task's log file.
func (r *RunDir) AppendLog(taskID, line string) error {
	f, err := os.OpenFile(r.LogPath(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log for %s: %w", taskID, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("appending log for %s: %w", taskID, err)
	}
	return nil
}
