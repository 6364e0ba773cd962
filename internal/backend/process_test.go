package backend

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// waitDead polls until pid is reported dead or the timeout expires.
func waitDead(t *testing.T, h ProcessHandler, pid int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !h.IsAlive(pid) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %d still alive after %v", pid, timeout)
}

// gone reports whether pid no longer runs. Zombies count as gone because
// the test process is not necessarily their parent.
func gone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	return strings.Contains(string(data), ") Z ")
}

func shellCommand(script, output string) Command {
	return Command{Path: "sh", Args: []string{"-c", script}, OutputFile: output}
}

// TestOSProcesses_SpawnWritesOutputAndEnv verifies the worker sees its
// identity in the environment and that output lands in the agent log.
func TestOSProcesses_SpawnWritesOutputAndEnv(t *testing.T) {
	procs := NewOSProcesses(nil)
	out := filepath.Join(t.TempDir(), "agents", "agent-1", "output.log")

	cmd := shellCommand(`echo "$SWARM_AGENT_ID $SWARM_TASK_ID $SWARM_DIR"; echo oops >&2`, out)
	cmd.Env = []string{EnvAgentID + "=agent-1", EnvTaskID + "=T", EnvDir + "=/tmp/swarm"}

	pid, err := procs.Spawn(cmd)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("Spawn returned pid %d", pid)
	}

	waitDead(t, procs, pid, 5*time.Second)

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output file: %v", err)
	}
	if !strings.Contains(string(data), "agent-1 T /tmp/swarm") {
		t.Errorf("expected env in output, got %q", data)
	}
	if !strings.Contains(string(data), "oops") {
		t.Errorf("expected stderr in output, got %q", data)
	}
	if procs.Count() != 0 {
		t.Errorf("exited process still tracked: %d", procs.Count())
	}
}

// TestOSProcesses_ExitedChildIsNotAlive verifies the reaper keeps exited
// children from being reported alive as zombies.
func TestOSProcesses_ExitedChildIsNotAlive(t *testing.T) {
	procs := NewOSProcesses(nil)

	pid, err := procs.Spawn(shellCommand("exit 3", ""))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDead(t, procs, pid, 5*time.Second)

	if !gone(pid) {
		t.Errorf("process %d left behind after exit", pid)
	}
}

func TestOSProcesses_SpawnFailure(t *testing.T) {
	procs := NewOSProcesses(nil)

	_, err := procs.Spawn(Command{Path: "/nonexistent/agent-cli"})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if procs.Count() != 0 {
		t.Errorf("failed spawn must not be tracked")
	}

	if _, err := procs.Spawn(Command{}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestOSProcesses_IsAliveInvalidPID(t *testing.T) {
	procs := NewOSProcesses(nil)
	for _, pid := range []int{0, -1} {
		if procs.IsAlive(pid) {
			t.Errorf("IsAlive(%d) = true", pid)
		}
	}
	if err := procs.Terminate(0); err == nil {
		t.Error("Terminate(0) should fail")
	}
}

func TestStopProcess_Graceful(t *testing.T) {
	procs := NewOSProcesses(nil)

	pid, err := procs.Spawn(shellCommand("sleep 30", ""))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	forced, err := StopProcess(procs, pid, 5*time.Second)
	if err != nil {
		t.Fatalf("StopProcess: %v", err)
	}
	if forced {
		t.Error("sleep should exit on SIGTERM without being killed")
	}
	if procs.IsAlive(pid) {
		t.Error("process still alive after StopProcess")
	}
}

func TestStopProcess_ForcedAfterGrace(t *testing.T) {
	procs := NewOSProcesses(nil)

	// The ignored SIGTERM is inherited by sleep as well.
	pid, err := procs.Spawn(shellCommand(`trap "" TERM; sleep 30`, ""))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	forced, err := StopProcess(procs, pid, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("StopProcess: %v", err)
	}
	if !forced {
		t.Error("expected the process to need SIGKILL")
	}
	waitDead(t, procs, pid, 5*time.Second)
}

// TestOSProcesses_KillAllKillsProcessTree verifies process group signal propagation.
func TestOSProcesses_KillAllKillsProcessTree(t *testing.T) {
	procs := NewOSProcesses(nil)
	out := filepath.Join(t.TempDir(), "tree.log")

	pid, err := procs.Spawn(shellCommand("sleep 30 & echo $!; wait", out))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var child int
	deadline := time.Now().Add(5 * time.Second)
	for child == 0 && time.Now().Before(deadline) {
		data, _ := os.ReadFile(out)
		child, _ = strconv.Atoi(strings.TrimSpace(string(data)))
		time.Sleep(10 * time.Millisecond)
	}
	if child == 0 {
		t.Fatal("child pid never written")
	}

	if err := procs.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	waitDead(t, procs, pid, 5*time.Second)

	deadline = time.Now().Add(5 * time.Second)
	for !gone(child) {
		if time.Now().After(deadline) {
			t.Fatalf("child %d survived KillAll", child)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// fakeHandler is an in-memory ProcessHandler.
type fakeHandler struct {
	mu         sync.Mutex
	alive      map[int]bool
	ignoreTerm bool
	terms      int
	kills      int
}

func (f *fakeHandler) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeHandler) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms++
	if !f.ignoreTerm {
		f.alive[pid] = false
	}
	return nil
}

func (f *fakeHandler) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	f.alive[pid] = false
	return nil
}

func TestStopProcess_Fake(t *testing.T) {
	tests := []struct {
		name       string
		alive      bool
		ignoreTerm bool
		wantForced bool
		wantTerms  int
		wantKills  int
	}{
		{"already dead", false, false, false, 0, 0},
		{"exits on terminate", true, false, false, 1, 0},
		{"ignores terminate", true, true, true, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandler{alive: map[int]bool{42: tt.alive}, ignoreTerm: tt.ignoreTerm}
			forced, err := StopProcess(h, 42, 20*time.Millisecond)
			if err != nil {
				t.Fatalf("StopProcess: %v", err)
			}
			if forced != tt.wantForced {
				t.Errorf("forced = %v, want %v", forced, tt.wantForced)
			}
			if h.terms != tt.wantTerms || h.kills != tt.wantKills {
				t.Errorf("terms=%d kills=%d, want %d/%d", h.terms, h.kills, tt.wantTerms, tt.wantKills)
			}
			if h.IsAlive(42) {
				t.Error("process still alive")
			}
		})
	}
}
