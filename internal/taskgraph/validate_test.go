package taskgraph

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func graphOf(t *testing.T, tasks ...*Task) *Store {
	t.Helper()

	var recs []string
	for _, task := range tasks {
		deps := `[]`
		if len(task.DependsOn) > 0 {
			deps = `["` + strings.Join(task.DependsOn, `","`) + `"]`
		}
		recs = append(recs, fmt.Sprintf(`{"id": %q, "title": %q, "completed": false, "dependsOn": %s}`, task.ID, task.Title, deps))
	}
	s, err := Parse([]byte(`{"version": 1, "tasks": [` + strings.Join(recs, ",") + `]}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return s
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name         string
		graph        string
		wantProblems []string
	}{
		{
			name: "valid linear chain",
			graph: `{"version": 1, "tasks": [
				{"id": "A", "title": "a", "completed": false},
				{"id": "B", "title": "b", "completed": false, "dependsOn": ["A"]},
				{"id": "C", "title": "c", "completed": false, "dependsOn": ["B"]}
			]}`,
		},
		{
			name: "dangling dependency",
			graph: `{"version": 1, "tasks": [
				{"id": "A", "title": "a", "completed": false, "dependsOn": ["ghost"]}
			]}`,
			wantProblems: []string{`depends on non-existent task "ghost"`},
		},
		{
			name: "duplicate ID",
			graph: `{"version": 1, "tasks": [
				{"id": "A", "title": "a", "completed": false},
				{"id": "A", "title": "a again", "completed": false}
			]}`,
			wantProblems: []string{`duplicate task ID "A"`},
		},
		{
			name: "missing title",
			graph: `{"version": 1, "tasks": [
				{"id": "A", "completed": false}
			]}`,
			wantProblems: []string{`has no title`},
		},
		{
			name: "all errors batched",
			graph: `{"version": 1, "tasks": [
				{"id": "A", "completed": false, "dependsOn": ["ghost"]},
				{"id": "A", "title": "dup", "completed": false},
				{"id": "B", "title": "b", "completed": false, "dependsOn": ["C"]},
				{"id": "C", "title": "c", "completed": false, "dependsOn": ["B"]}
			]}`,
			wantProblems: []string{"duplicate task ID", "has no title", "non-existent", "cycle"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse([]byte(tt.graph))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}

			err = s.Validate()
			if len(tt.wantProblems) == 0 {
				if err != nil {
					t.Fatalf("expected valid graph, got %v", err)
				}
				return
			}

			var verr *ValidationErrors
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			joined := strings.Join(verr.Problems, "\n")
			for _, want := range tt.wantProblems {
				if !strings.Contains(joined, want) {
					t.Errorf("missing problem %q in:\n%s", want, joined)
				}
			}
		})
	}
}

func TestCycleWitness(t *testing.T) {
	// No cycle: empty witness.
	acyclic := graphOf(t,
		&Task{ID: "A", Title: "a"},
		&Task{ID: "B", Title: "b", DependsOn: []string{"A"}},
	)
	if witness := acyclic.findCycle(); witness != nil {
		t.Errorf("acyclic graph returned witness %v", witness)
	}

	// P -> Q -> R -> P: witness starts and ends at the revisited node.
	cyclic := graphOf(t,
		&Task{ID: "P", Title: "p", DependsOn: []string{"Q"}},
		&Task{ID: "Q", Title: "q", DependsOn: []string{"R"}},
		&Task{ID: "R", Title: "r", DependsOn: []string{"P"}},
	)
	witness := cyclic.findCycle()
	if len(witness) == 0 {
		t.Fatal("expected a cycle witness")
	}
	if witness[0] != witness[len(witness)-1] {
		t.Errorf("witness does not close: %v", witness)
	}
	if !reflect.DeepEqual(witness, []string{"P", "Q", "R", "P"}) {
		t.Errorf("witness = %v, want [P Q R P]", witness)
	}

	// Self-loop.
	selfLoop := graphOf(t, &Task{ID: "A", Title: "a", DependsOn: []string{"A"}})
	if w := selfLoop.findCycle(); len(w) != 2 || w[0] != "A" || w[1] != "A" {
		t.Errorf("self-loop witness = %v, want [A A]", w)
	}
}

func TestOrder(t *testing.T) {
	s := graphOf(t,
		&Task{ID: "C", Title: "c", DependsOn: []string{"A", "B"}},
		&Task{ID: "A", Title: "a"},
		&Task{ID: "B", Title: "b", DependsOn: []string{"A"}},
	)

	order, err := s.Order()
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["A"] > pos["B"] || pos["B"] > pos["C"] || pos["A"] > pos["C"] {
		t.Errorf("order %v violates dependencies", order)
	}

	cyclic := graphOf(t,
		&Task{ID: "A", Title: "a", DependsOn: []string{"B"}},
		&Task{ID: "B", Title: "b", DependsOn: []string{"A"}},
	)
	if _, err := cyclic.Order(); err == nil {
		t.Error("expected error ordering cyclic graph")
	}
}
