package progress

import (
	"io"
	"os"
	"sync"
)

// tailWindow bounds how much of an agent's stream is considered when
// classifying its current step.
const tailWindow = 4096

// Aggregator tracks the streaming output file of each live agent and exposes
// a current-step snapshot to the UI layer.
type Aggregator struct {
	mu      sync.RWMutex
	streams map[string]string // taskID -> tee file path
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{streams: make(map[string]string)}
}

// Watch registers the tee file for a task's agent stream.
func (a *Aggregator) Watch(taskID, streamPath string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams[taskID] = streamPath
}

// Forget removes a task from tracking once its agent terminates.
func (a *Aggregator) Forget(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.streams, taskID)
}

// StepOf classifies the current step of a task's agent from the tail of its
// stream. Unknown or unreadable streams classify as Thinking.
func (a *Aggregator) StepOf(taskID string) Step {
	a.mu.RLock()
	path, ok := a.streams[taskID]
	a.mu.RUnlock()
	if !ok {
		return StepThinking
	}
	return Classify(tailOf(path))
}

// Snapshot returns the current step of every tracked agent.
func (a *Aggregator) Snapshot() map[string]Step {
	a.mu.RLock()
	paths := make(map[string]string, len(a.streams))
	for id, p := range a.streams {
		paths[id] = p
	}
	a.mu.RUnlock()

	steps := make(map[string]Step, len(paths))
	for id, p := range paths {
		steps[id] = Classify(tailOf(p))
	}
	return steps
}

// tailOf reads up to tailWindow bytes from the end of the file.
func tailOf(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}

	offset := info.Size() - tailWindow
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}

	buf := make([]byte, tailWindow)
	n, _ := f.Read(buf)
	return string(buf[:n])
}
