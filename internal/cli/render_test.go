package cli

import (
	"bytes"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/swarmd/internal/orchestrator"
	"github.com/aristath/swarmd/internal/persistence"
	"github.com/aristath/swarmd/internal/scheduler"
)

func sampleGrid() *grid {
	g := &grid{Headers: []string{"ID", "STATUS", "TITLE"}, StatusCol: 1}
	g.add("design", "done", "Design the API")
	g.add("build", "in-progress", "Build it")
	return g
}

func TestGridRender_Plain(t *testing.T) {
	out := sampleGrid().render(false)

	if strings.Contains(out, "\x1b[") {
		t.Errorf("plain output contains escape codes: %q", out)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header and two rows:\n%s", len(lines), out)
	}
	tests := []struct {
		line int
		want []string
	}{
		{0, []string{"ID", "STATUS", "TITLE"}},
		{1, []string{"design", "done", "Design", "the", "API"}},
		{2, []string{"build", "in-progress", "Build", "it"}},
	}
	for _, tt := range tests {
		if got := strings.Fields(lines[tt.line]); strings.Join(got, " ") != strings.Join(tt.want, " ") {
			t.Errorf("line %d = %q, want fields %v", tt.line, lines[tt.line], tt.want)
		}
	}
	// Columns line up.
	if strings.Index(lines[1], "done") != strings.Index(lines[0], "STATUS") {
		t.Errorf("STATUS column not aligned:\n%s", out)
	}
}

func TestGridRender_Styled(t *testing.T) {
	out := sampleGrid().render(true)
	for _, want := range []string{"╭", "╯", "ID", "Design the API", "in-progress"} {
		if !strings.Contains(out, want) {
			t.Errorf("styled output missing %q:\n%s", want, out)
		}
	}
}

func TestColorEnabled(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tests := []struct {
		name string
		w    io.Writer
	}{
		{"buffer", &bytes.Buffer{}},
		{"regular file", f},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if colorEnabled(tt.w) {
				t.Error("colour enabled for a non-terminal")
			}
		})
	}
}

func TestStatusStyle(t *testing.T) {
	tests := []struct {
		status string
		want   color.Color
	}{
		{"done", styleStatusComplete.GetForeground()},
		{"in-progress", styleStatusRunning.GetForeground()},
		{"working", styleStatusRunning.GetForeground()},
		{"failed", styleStatusFailed.GetForeground()},
		{"dead", styleStatusFailed.GetForeground()},
		{"open", styleStatusPending.GetForeground()},
		{"paused", styleStatusPending.GetForeground()},
	}
	for _, tt := range tests {
		if got := statusStyle(tt.status).GetForeground(); got != tt.want {
			t.Errorf("statusStyle(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}

	// An open breaker is a fault, unlike an open task.
	if daemonValueStyle("breaker open").GetForeground() != styleStatusFailed.GetForeground() {
		t.Error("open breaker not shown as failed")
	}
}

func TestStatusGrid(t *testing.T) {
	st := &orchestrator.StatusReport{
		Running:   true,
		PID:       4242,
		State:     orchestrator.StateRunning,
		Uptime:    "1m0s",
		Agents:    map[persistence.AgentStatus]int{persistence.AgentWorking: 2},
		Tasks:     map[scheduler.Status]int{scheduler.StatusOpen: 3, scheduler.StatusDone: 1},
		Ticks:     7,
		LastTick:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Breakers:  map[string]string{"codex": "open", "claude": "closed", "goose": "half-open"},
		MaxAgents: 4,
	}
	out := statusGrid(st).render(false)

	for _, want := range []string{
		"running",
		"4242",
		"working=2 (max 4)",
		"done=1 open=3",
		"7 (last 2026-05-01T12:00:00Z)",
		"breaker codex",
		"breaker goose",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "claude") {
		t.Errorf("closed breaker listed:\n%s", out)
	}
	if strings.Index(out, "breaker codex") > strings.Index(out, "breaker goose") {
		t.Errorf("breakers not sorted:\n%s", out)
	}

	st.Agents = nil
	if out := statusGrid(st).render(false); !strings.Contains(out, "socket not answering") {
		t.Errorf("degraded status = %q", out)
	}
}
