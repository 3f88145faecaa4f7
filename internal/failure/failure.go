// Package failure classifies task failures and latches the run on the first
// failure attributable to infrastructure rather than task logic.
package failure

import (
	"strings"
	"sync"
	"time"
)

// Kind distinguishes infrastructure failures from task-logic failures.
type Kind string

const (
	KindExternal Kind = "external"
	KindInternal Kind = "internal"
)

// externalTokens are the canonical infrastructure markers, tested
// case-insensitively in order against the failure message.
var externalTokens = []string{
	"installation failed",
	"command not found",
	"no such file or directory",
	"permission denied",
	"network",
	"timeout",
	"tls",
	"connection reset",
	"certificate",
	"ssl",
	"lock file",
}

// Classify maps a failure message to its kind by substring match against the
// canonical infrastructure tokens.
func Classify(message string) Kind {
	m := strings.ToLower(message)
	for _, token := range externalTokens {
		if strings.Contains(m, token) {
			return KindExternal
		}
	}
	return KindInternal
}

// Clock is the time source used while waiting out a graceful stop.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Stopper signals surviving agent processes, first politely, then not.
type Stopper interface {
	StopAll()
	KillAll()
}

// Controller owns the process-wide external-failure latch. Once latched, the
// scheduler must cease admitting new tasks and the run is reported as failed.
type Controller struct {
	mu      sync.Mutex
	latched bool
	taskID  string
	message string

	Timeout time.Duration // How long to wait for running tasks before signalling
	Grace   time.Duration // Pause between stop and kill
	Clock   Clock
}

// NewController creates a controller with the given graceful-stop deadline.
func NewController(timeout time.Duration) *Controller {
	return &Controller{
		Timeout: timeout,
		Grace:   5 * time.Second,
		Clock:   realClock{},
	}
}

// Record classifies a failure and, when it is the first external one, latches
// the controller and keeps the triggering task and message. Returns the kind
// and whether this call latched.
func (c *Controller) Record(taskID, message string) (Kind, bool) {
	kind := Classify(message)
	if kind != KindExternal {
		return kind, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latched {
		return kind, false
	}
	c.latched = true
	c.taskID = taskID
	c.message = message
	return kind, true
}

// Latched reports whether an external failure has been recorded.
func (c *Controller) Latched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latched
}

// Cause returns the task and message that latched the controller.
func (c *Controller) Cause() (taskID, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID, c.message
}

// GracefulStop waits up to the configured deadline for done to close (all
// running tasks terminated naturally). Past the deadline it sends a stop
// signal to every surviving process, waits a short grace, then kills. Returns
// true if the run wound down without signalling.
func (c *Controller) GracefulStop(done <-chan struct{}, procs Stopper) bool {
	select {
	case <-done:
		return true
	case <-c.Clock.After(c.Timeout):
	}

	procs.StopAll()

	select {
	case <-done:
		return false
	case <-c.Clock.After(c.Grace):
	}

	procs.KillAll()
	<-done
	return false
}
