package scheduler

import (
	"reflect"
	"testing"
)

func TestAssignmentGates(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, &Task{ID: "build", Title: "Build it", CreatedAt: at(0)})
	mustAdd(t, g, &Task{ID: "docs", Title: "Write docs", Identity: "writer", CreatedAt: at(1)})
	opts := GateOptions{Executor: "claude", Now: at(5)}

	edits := AssignmentGates(g, ComputeReady(g), opts)
	if len(edits) != 2 {
		t.Fatalf("expected 2 edits for one ungated task, got %d", len(edits))
	}
	added, err := g.Apply(edits)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !reflect.DeepEqual(added, []string{"assign-build"}) {
		t.Fatalf("added = %v", added)
	}

	gate, _ := g.Get("assign-build")
	if gate.Identity != IdentityAssigner || !gate.HasTag(TagAssignment) || gate.Executor != "claude" {
		t.Errorf("unexpected gate task: %+v", gate)
	}
	build, _ := g.Get("build")
	if !reflect.DeepEqual(build.BlockedBy, []string{"assign-build"}) {
		t.Errorf("build should be blocked by its gate, got %v", build.BlockedBy)
	}

	// The gate is now the only new ready work alongside the task that has an identity.
	if got := ComputeReady(g); !reflect.DeepEqual(got, []string{"docs", "assign-build"}) {
		t.Errorf("ready after gating = %v", got)
	}

	if again := AssignmentGates(g, ComputeReady(g), opts); len(again) != 0 {
		t.Errorf("second pass should be a no-op, got %d edits", len(again))
	}
}

func TestAssignmentGates_ReleasedAfterGateDone(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, &Task{ID: "build", CreatedAt: at(0)})
	opts := GateOptions{Now: at(1)}
	if _, err := g.Apply(AssignmentGates(g, ComputeReady(g), opts)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	_ = g.Claim("assign-build", "agent-1", at(2))
	_ = g.Update("build", func(task *Task) { task.Identity = "builder" })
	if _, err := g.Complete("assign-build", "agent-1", at(3)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	ready := ComputeReady(g)
	if !reflect.DeepEqual(ready, []string{"build"}) {
		t.Fatalf("ready = %v, want [build]", ready)
	}
	if edits := AssignmentGates(g, ready, opts); len(edits) != 0 {
		t.Errorf("task with identity must not be gated again, got %d edits", len(edits))
	}
}

func TestEvaluationGates(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, &Task{ID: "a", Status: StatusDone, CreatedAt: at(0)})
	mustAdd(t, g, &Task{ID: "b", Status: StatusFailed, CreatedAt: at(1)})
	mustAdd(t, g, &Task{ID: "assign-c", Status: StatusDone, Tags: []string{TagAssignment}, CreatedAt: at(2)})
	opts := GateOptions{Executor: "codex", Now: at(10)}

	added, err := g.Apply(EvaluationGates(g, opts))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !reflect.DeepEqual(added, []string{"evaluate-a"}) {
		t.Fatalf("added = %v, want [evaluate-a]", added)
	}

	eval, _ := g.Get("evaluate-a")
	if eval.Identity != IdentityEvaluator || !eval.HasTag(TagEvaluation) {
		t.Errorf("unexpected evaluation task: %+v", eval)
	}
	if !g.IsReady("evaluate-a") {
		t.Error("evaluation gate should be ready once its subject is done")
	}

	// Completed evaluations are not evaluated themselves.
	_ = g.Claim("evaluate-a", "agent-2", at(11))
	_, _ = g.Complete("evaluate-a", "agent-2", at(12))
	if again := EvaluationGates(g, opts); len(again) != 0 {
		t.Errorf("second pass should be a no-op, got %d edits", len(again))
	}
}

func TestApply_StopsOnError(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, &Task{ID: "A"})

	added, err := g.Apply([]Edit{
		{Kind: EditAddTask, Task: &Task{ID: "B"}},
		{Kind: EditAddDependency, TaskID: "A", BlockerID: "A"},
		{Kind: EditAddTask, Task: &Task{ID: "C"}},
	})
	if err == nil {
		t.Fatal("expected error for self dependency")
	}
	if !reflect.DeepEqual(added, []string{"B"}) {
		t.Errorf("added = %v, want [B]", added)
	}
	if g.Has("C") {
		t.Error("edits after the failure must not be applied")
	}
}
