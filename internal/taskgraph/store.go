package taskgraph

import (
	"encoding/json"
	"fmt"
	"os"
)

// SupportedVersion is the task file schema version this build understands.
const SupportedVersion = 1

// ErrUnknownVersion is returned when the task file carries an unrecognized
// schema version tag.
type ErrUnknownVersion struct {
	Version int
}

func (e *ErrUnknownVersion) Error() string {
	return fmt.Sprintf("unknown task file version %d (supported: %d)", e.Version, SupportedVersion)
}

// taskRecord is the wire form of a task. The legacy "mutex" key is accepted as
// an alias for "locks" on read; writes always use "locks".
type taskRecord struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Completed  bool     `json:"completed"`
	DependsOn  []string `json:"dependsOn,omitempty"`
	Touches    []string `json:"touches,omitempty"`
	Locks      []string `json:"locks,omitempty"`
	Mutex      []string `json:"mutex,omitempty"`
	MergeNotes string   `json:"mergeNotes,omitempty"`
	Verify     []string `json:"verify,omitempty"`
}

// graphFile is the wire form of the whole task file.
type graphFile struct {
	Version    int          `json:"version"`
	BranchName string       `json:"branchName,omitempty"`
	Tasks      []taskRecord `json:"tasks"`
}

// Store is the single source of truth for task identity. It holds the parsed
// task-graph and exposes exactly two mutators: MarkCompleted and AppendFixTask.
type Store struct {
	path       string // File the graph was loaded from; empty for in-memory graphs
	branchName string
	order      []string // Task IDs in declaration order
	tasks      map[string]*Task
	duplicates []string // IDs that appeared more than once, for Validate
}

// Load reads and parses the task file at path.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	s.path = path
	return s, nil
}

// Parse parses a task file from raw bytes.
func Parse(data []byte) (*Store, error) {
	var f graphFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed task file: %w", err)
	}

	if f.Version != SupportedVersion {
		return nil, &ErrUnknownVersion{Version: f.Version}
	}

	s := &Store{
		branchName: f.BranchName,
		tasks:      make(map[string]*Task, len(f.Tasks)),
	}

	for _, rec := range f.Tasks {
		locks := rec.Locks
		if len(locks) == 0 {
			locks = rec.Mutex
		}
		task := &Task{
			ID:         rec.ID,
			Title:      rec.Title,
			Completed:  rec.Completed,
			DependsOn:  rec.DependsOn,
			Touches:    rec.Touches,
			Locks:      locks,
			MergeNotes: rec.MergeNotes,
			Verify:     rec.Verify,
		}
		if _, exists := s.tasks[task.ID]; exists {
			// Keep the first occurrence; Validate reports the duplicate before
			// the store is used for scheduling.
			s.duplicates = append(s.duplicates, task.ID)
			continue
		}
		s.order = append(s.order, task.ID)
		s.tasks[task.ID] = task
	}

	return s, nil
}

// Serialize renders the graph back to its wire form.
func (s *Store) Serialize() ([]byte, error) {
	f := graphFile{
		Version:    SupportedVersion,
		BranchName: s.branchName,
		Tasks:      make([]taskRecord, 0, len(s.order)),
	}

	for _, id := range s.order {
		t := s.tasks[id]
		f.Tasks = append(f.Tasks, taskRecord{
			ID:         t.ID,
			Title:      t.Title,
			Completed:  t.Completed,
			DependsOn:  t.DependsOn,
			Touches:    t.Touches,
			Locks:      t.Locks,
			MergeNotes: t.MergeNotes,
			Verify:     t.Verify,
		})
	}

	return json.MarshalIndent(f, "", "  ")
}

// Save writes the graph back to the file it was loaded from.
func (s *Store) Save() error {
	if s.path == "" {
		return fmt.Errorf("store has no backing file")
	}

	data, err := s.Serialize()
	if err != nil {
		return fmt.Errorf("serializing task file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing task file: %w", err)
	}
	return nil
}

// BranchName returns the optional feature branch name from the task file.
func (s *Store) BranchName() string {
	return s.branchName
}

// IDs returns all task IDs in declaration order.
func (s *Store) IDs() []string {
	return append([]string(nil), s.order...)
}

// Get returns a copy of the task with the given ID.
func (s *Store) Get(id string) (*Task, bool) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Len returns the number of tasks in the graph.
func (s *Store) Len() int {
	return len(s.order)
}

// MarkCompleted sets completed = true for the given task and persists the
// graph if it has a backing file. Marking an already-completed task is a
// no-op; the system never sets completed back to false.
func (s *Store) MarkCompleted(id string) error {
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if t.Completed {
		return nil
	}

	t.Completed = true
	if s.path != "" {
		return s.Save()
	}
	return nil
}

// AppendFixTask appends a new task to the graph. The graph only ever grows;
// existing tasks are never mutated through this path. Used by the integration
// pipeline to feed review blockers back as corrective tasks.
func (s *Store) AppendFixTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("fix task has no ID")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	s.tasks[task.ID] = task.Clone()
	s.order = append(s.order, task.ID)

	if s.path != "" {
		return s.Save()
	}
	return nil
}

// NextFixID returns the next available FIX-NNN identifier, continuing from the
// highest one already present so resumed graphs cannot collide.
func (s *Store) NextFixID() string {
	max := 0
	for _, id := range s.order {
		var n int
		if _, err := fmt.Sscanf(id, "FIX-%03d", &n); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("FIX-%03d", max+1)
}
