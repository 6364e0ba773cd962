package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/swarmd/internal/scheduler"
)

var now = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func TestAgentRegistry_Lifecycle(t *testing.T) {
	reg := NewAgentRegistry()

	id1 := reg.NextID()
	id2 := reg.NextID()
	if id1 != "agent-1" || id2 != "agent-2" {
		t.Fatalf("NextID = %s, %s", id1, id2)
	}

	if _, err := reg.Register(id1, 1001, "task-a", "claude", "", now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Register(id1, 1002, "task-b", "claude", "", now); err == nil {
		t.Error("expected error registering a duplicate id")
	}
	if _, err := reg.Register(id2, 1002, "task-b", "codex", "", now.Add(time.Second)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := len(reg.Working()); got != 2 {
		t.Fatalf("Working() = %d, want 2", got)
	}
	if a, ok := reg.WorkingOn("task-b"); !ok || a.ID != id2 {
		t.Errorf("WorkingOn(task-b) = %v, %v", a, ok)
	}

	if err := reg.Heartbeat(id1, now.Add(time.Minute)); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	a1, _ := reg.Get(id1)
	if !a1.LastHeartbeat.Equal(now.Add(time.Minute)) {
		t.Errorf("heartbeat not recorded: %v", a1.LastHeartbeat)
	}

	if err := reg.MarkDead(id1, "process exited", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}
	if err := reg.SetStatus(id1, AgentStopped, "", now); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	a1, _ = reg.Get(id1)
	if a1.Status != AgentDead || a1.Note != "process exited" || a1.EndedAt == nil {
		t.Errorf("first final status must stick: %+v", a1)
	}
	if err := reg.Heartbeat(id1, now); err == nil {
		t.Error("heartbeat for a dead agent should fail")
	}

	counts := reg.CountByStatus()
	if counts[AgentWorking] != 1 || counts[AgentDead] != 1 {
		t.Errorf("CountByStatus = %v", counts)
	}

	pruned := reg.PruneDead()
	if len(pruned) != 1 || pruned[0] != id1 || len(reg.Agents) != 1 {
		t.Errorf("PruneDead = %v, remaining %d", pruned, len(reg.Agents))
	}
	if next := reg.NextID(); next != "agent-3" {
		t.Errorf("IDs must not be reused after pruning, got %s", next)
	}

	if err := reg.MarkDead("agent-99", "", now); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestAgentRegistry_ListFilter(t *testing.T) {
	reg := NewAgentRegistry()
	_, _ = reg.Register("agent-2", 2, "b", "", "", now.Add(time.Second))
	_, _ = reg.Register("agent-1", 1, "a", "", "", now)
	_ = reg.MarkDead("agent-2", "", now)

	all := reg.List("")
	if len(all) != 2 || all[0].ID != "agent-1" {
		t.Errorf("List(\"\") should be ordered by start time, got %v", all)
	}
	dead := reg.List(AgentDead)
	if len(dead) != 1 || dead[0].ID != "agent-2" {
		t.Errorf("List(dead) = %v", dead)
	}
}

func TestRegistryStore_MissingFileIsEmpty(t *testing.T) {
	store := NewRegistryStore(filepath.Join(t.TempDir(), RegistryFile), NewLockManager())
	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reg.Agents) != 0 || reg.NextAgentID != 1 {
		t.Errorf("expected empty registry, got %+v", reg)
	}
}

func TestRegistryStore_CorruptFileIsAnError(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantLine int
	}{
		{"truncated", "{\n  \"next_agent_id\": 3,\n  \"agents\": [\n    {\"id\": \"agent-1\",", 4},
		{"wrong type", "{\n  \"next_agent_id\": \"three\"\n}", 2},
		{"empty", "", 1},
		{"agent without id", `{"next_agent_id": 2, "agents": [{"pid": 5}]}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), RegistryFile)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			store := NewRegistryStore(path, NewLockManager())

			_, err := store.Load()
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("expected ErrCorrupt, got %v", err)
			}
			var ce *CorruptError
			if errors.As(err, &ce) && ce.Line != tt.wantLine {
				t.Errorf("line = %d, want %d", ce.Line, tt.wantLine)
			}

			// Update must refuse to run on top of a corrupt file.
			called := false
			err = store.Update(context.Background(), func(*AgentRegistry) error {
				called = true
				return nil
			})
			if !errors.Is(err, ErrCorrupt) || called {
				t.Errorf("Update on corrupt registry: err=%v called=%v", err, called)
			}
			data, _ := os.ReadFile(path)
			if string(data) != tt.content {
				t.Error("corrupt file must be left untouched")
			}
		})
	}
}

func TestRegistryStore_UpdateRoundTrip(t *testing.T) {
	store := NewRegistryStore(filepath.Join(t.TempDir(), RegistryFile), NewLockManager())
	ctx := context.Background()

	err := store.Update(ctx, func(reg *AgentRegistry) error {
		id := reg.NextID()
		_, err := reg.Register(id, 4242, "task-x", "shell", "/tmp/out.log", now)
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a, ok := reg.Get("agent-1")
	if !ok || a.PID != 4242 || a.TaskID != "task-x" || a.Status != AgentWorking || a.OutputFile != "/tmp/out.log" {
		t.Errorf("unexpected record: %+v", a)
	}
	if reg.NextAgentID != 2 {
		t.Errorf("next_agent_id = %d, want 2", reg.NextAgentID)
	}
}

func TestStores_UpdateKeepsGraphAndRegistryConsistent(t *testing.T) {
	stores := Open(t.TempDir(), nil)
	ctx := context.Background()

	if err := stores.Graph.Update(ctx, func(g *scheduler.Graph) error {
		return g.AddTask(&scheduler.Task{ID: "A", Title: "work"})
	}); err != nil {
		t.Fatal(err)
	}

	err := stores.Update(ctx, func(g *scheduler.Graph, reg *AgentRegistry) error {
		id := reg.NextID()
		if err := g.Claim("A", id, now); err != nil {
			return err
		}
		_, err := reg.Register(id, 77, "A", "shell", "", now)
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	g, reg, err := stores.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	a, _ := g.Get("A")
	if a.Status != scheduler.StatusInProgress || a.Assigned != "agent-1" {
		t.Errorf("task not claimed: %+v", a)
	}
	if _, ok := reg.WorkingOn("A"); !ok {
		t.Error("agent not registered")
	}

	// A failing fn leaves both files untouched.
	err = stores.Update(ctx, func(g *scheduler.Graph, reg *AgentRegistry) error {
		_ = reg.MarkDead("agent-1", "", now)
		return g.Claim("A", "agent-2", now)
	})
	if !errors.Is(err, scheduler.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	_, reg, _ = stores.Snapshot()
	if a, _ := reg.Get("agent-1"); a.Status != AgentWorking {
		t.Errorf("registry must not be saved when fn fails, got %s", a.Status)
	}
}

func TestStores_UpdateFailedRegistryWriteLeavesGraphUnclaimed(t *testing.T) {
	stores := Open(t.TempDir(), nil)
	ctx := context.Background()

	if err := stores.Graph.Update(ctx, func(g *scheduler.Graph) error {
		return g.AddTask(&scheduler.Task{ID: "X", Title: "work"})
	}); err != nil {
		t.Fatal(err)
	}

	err := stores.Update(ctx, func(g *scheduler.Graph, reg *AgentRegistry) error {
		// A non-empty directory in place of agents.json makes the rename fail.
		if err := os.MkdirAll(filepath.Join(stores.Registry.Path(), "blocker"), 0755); err != nil {
			return err
		}
		id := reg.NextID()
		if err := g.Claim("X", id, now); err != nil {
			return err
		}
		_, err := reg.Register(id, 77, "X", "shell", "", now)
		return err
	})
	if err == nil {
		t.Fatal("Update succeeded although the registry could not be written")
	}

	g, err := stores.Graph.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	x, _ := g.Get("X")
	if x.Status != scheduler.StatusOpen || x.Assigned != "" {
		t.Errorf("task claimed without a registry record: %s assigned=%q", x.Status, x.Assigned)
	}
}
