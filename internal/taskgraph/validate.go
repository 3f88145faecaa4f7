package taskgraph

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// ValidationErrors batches every problem found in a task-graph. Validation
// never stops at the first error.
type ValidationErrors struct {
	Problems []string
	Witness  []string // Cycle witness path, if a cycle was found
}

func (e *ValidationErrors) Error() string {
	return fmt.Sprintf("task-graph validation failed: %s", strings.Join(e.Problems, "; "))
}

// Validate checks referential integrity and acyclicity of the graph:
// uniqueness of IDs, presence of required fields, existence of every
// dependency, and absence of dependency cycles. All errors are batched.
func (s *Store) Validate() error {
	var problems []string

	for _, id := range s.duplicates {
		problems = append(problems, fmt.Sprintf("duplicate task ID %q", id))
	}

	for _, id := range s.order {
		t := s.tasks[id]
		if t.ID == "" {
			problems = append(problems, "task with empty ID")
		}
		if t.Title == "" {
			problems = append(problems, fmt.Sprintf("task %q has no title", id))
		}
		for _, depID := range t.DependsOn {
			if _, exists := s.tasks[depID]; !exists {
				problems = append(problems, fmt.Sprintf("task %q depends on non-existent task %q", id, depID))
			}
		}
	}

	witness := s.findCycle()
	if len(witness) > 0 {
		problems = append(problems, fmt.Sprintf("dependency cycle: %s", strings.Join(witness, " -> ")))
	}

	if len(problems) > 0 {
		return &ValidationErrors{Problems: problems, Witness: witness}
	}
	return nil
}

// dfs colors for cycle detection.
const (
	colorUnvisited = iota
	colorOnStack
	colorDone
)

// findCycle runs an iterative depth-first traversal over the dependsOn
// relation. On detecting a back-edge it returns the witness path: the sequence
// of IDs forming the cycle, ending at the revisited node. Returns nil when the
// graph is acyclic. Dangling deps are skipped; they are reported separately.
func (s *Store) findCycle() []string {
	color := make(map[string]int, len(s.tasks))

	type frame struct {
		id   string
		next int // Index of the next dependency to visit
	}

	for _, root := range s.order {
		if color[root] != colorUnvisited {
			continue
		}

		stack := []frame{{id: root}}
		color[root] = colorOnStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := s.tasks[top.id].DependsOn

			if top.next >= len(deps) {
				color[top.id] = colorDone
				stack = stack[:len(stack)-1]
				continue
			}

			dep := deps[top.next]
			top.next++

			if _, exists := s.tasks[dep]; !exists {
				continue
			}

			switch color[dep] {
			case colorUnvisited:
				color[dep] = colorOnStack
				stack = append(stack, frame{id: dep})
			case colorOnStack:
				// Back-edge: unwind the stack from the revisited node.
				var witness []string
				start := 0
				for i, f := range stack {
					if f.id == dep {
						start = i
						break
					}
				}
				for _, f := range stack[start:] {
					witness = append(witness, f.id)
				}
				witness = append(witness, dep)
				return witness
			}
		}
	}

	return nil
}

// Order returns all task IDs in a topological order consistent with the
// dependsOn relation, ties broken by declaration order. The graph must have
// been validated first.
func (s *Store) Order() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range s.order {
		t := s.tasks[id]
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range t.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task-graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(s.order))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}
