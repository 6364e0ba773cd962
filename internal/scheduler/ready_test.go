package scheduler

import (
	"reflect"
	"strings"
	"testing"
)

func TestComputeReady(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		want  []string
	}{
		{
			name:  "empty graph",
			tasks: nil,
			want:  nil,
		},
		{
			name: "blocked until blocker done",
			tasks: []*Task{
				{ID: "A", CreatedAt: at(0)},
				{ID: "B", BlockedBy: []string{"A"}, CreatedAt: at(1)},
			},
			want: []string{"A"},
		},
		{
			name: "failed blocker keeps dependent blocked",
			tasks: []*Task{
				{ID: "A", Status: StatusFailed, CreatedAt: at(0)},
				{ID: "B", BlockedBy: []string{"A"}, CreatedAt: at(1)},
			},
			want: nil,
		},
		{
			name: "abandoned blocker keeps dependent blocked",
			tasks: []*Task{
				{ID: "A", Status: StatusAbandoned, CreatedAt: at(0)},
				{ID: "B", BlockedBy: []string{"A"}, CreatedAt: at(1)},
			},
			want: nil,
		},
		{
			name: "missing blocker keeps task blocked",
			tasks: []*Task{
				{ID: "A", BlockedBy: []string{"ghost"}, CreatedAt: at(0)},
				{ID: "B", CreatedAt: at(1)},
			},
			want: []string{"B"},
		},
		{
			name: "assigned open task is not ready",
			tasks: []*Task{
				{ID: "A", Assigned: "agent-1", CreatedAt: at(0)},
			},
			want: nil,
		},
		{
			name: "ordered by creation then id",
			tasks: []*Task{
				{ID: "c", CreatedAt: at(0)},
				{ID: "b", CreatedAt: at(1)},
				{ID: "a", CreatedAt: at(1)},
				{ID: "x", Status: StatusDone, CreatedAt: at(0)},
				{ID: "y", BlockedBy: []string{"x"}, CreatedAt: at(2)},
			},
			want: []string{"c", "a", "b", "y"},
		},
		{
			name: "loop edges do not affect readiness",
			tasks: []*Task{
				{ID: "T", Status: StatusDone, CreatedAt: at(0)},
				{ID: "R", CreatedAt: at(1), LoopEdges: []LoopEdge{{Target: "T", MaxIterations: 2}}},
			},
			want: []string{"R"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			for _, task := range tt.tasks {
				mustAdd(t, g, task)
			}
			got := ComputeReady(g)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ComputeReady() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestComputeReady_Progression runs a two-step chain to completion.
func TestComputeReady_Progression(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, &Task{ID: "A", CreatedAt: at(0)})
	mustAdd(t, g, &Task{ID: "B", BlockedBy: []string{"A"}, CreatedAt: at(1)})

	if got := ComputeReady(g); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("initial ready = %v, want [A]", got)
	}

	_ = g.Claim("A", "agent-1", at(2))
	if got := ComputeReady(g); len(got) != 0 {
		t.Fatalf("ready while A in progress = %v, want none", got)
	}

	if _, err := g.Complete("A", "agent-1", at(3)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := ComputeReady(g); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("ready after A done = %v, want [B]", got)
	}
}

func TestComputeReady_DeterministicAcrossCalls(t *testing.T) {
	g := NewGraph()
	for i, id := range []string{"k", "d", "q", "a", "m"} {
		mustAdd(t, g, &Task{ID: id, CreatedAt: at(i % 2)})
	}
	first := ComputeReady(g)
	for i := 0; i < 20; i++ {
		if got := ComputeReady(g); !reflect.DeepEqual(got, first) {
			t.Fatalf("call %d returned %v, first call returned %v", i, got, first)
		}
	}
	want := []string{"k", "m", "q", "a", "d"}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("ComputeReady() = %v, want %v", first, want)
	}
}

func TestComputeReady_AgreesWithIsReady(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, &Task{ID: "A", Status: StatusDone, CreatedAt: at(0)})
	mustAdd(t, g, &Task{ID: "B", BlockedBy: []string{"A"}, CreatedAt: at(1)})
	mustAdd(t, g, &Task{ID: "C", BlockedBy: []string{"B"}, CreatedAt: at(2)})
	mustAdd(t, g, &Task{ID: "D", Status: StatusInProgress, Assigned: "agent-3", CreatedAt: at(3)})
	mustAdd(t, g, &Task{ID: "E", BlockedBy: []string{"nope"}, CreatedAt: at(4)})

	ready := make(map[string]bool)
	for _, id := range ComputeReady(g) {
		ready[id] = true
	}
	for _, task := range g.Tasks() {
		if ready[task.ID] != g.IsReady(task.ID) {
			t.Errorf("%s: ComputeReady=%v IsReady=%v", task.ID, ready[task.ID], g.IsReady(task.ID))
		}
	}
}

func TestExplain(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, &Task{ID: "A", Status: StatusInProgress, Assigned: "agent-1", CreatedAt: at(0)})
	mustAdd(t, g, &Task{ID: "B", BlockedBy: []string{"A", "ghost"}, CreatedAt: at(1)})
	mustAdd(t, g, &Task{ID: "C", CreatedAt: at(2)})

	got, err := Explain(g, "B")
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	for _, want := range []string{"blocked by A (in-progress)", "blocker ghost does not exist"} {
		if !strings.Contains(got, want) {
			t.Errorf("Explain(B) = %q, missing %q", got, want)
		}
	}

	got, _ = Explain(g, "C")
	if got != "C is ready" {
		t.Errorf("Explain(C) = %q", got)
	}

	if _, err := Explain(g, "missing"); err == nil {
		t.Error("expected error for unknown task")
	}
}
