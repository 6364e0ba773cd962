package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/lipgloss/v2/table"
	"github.com/mattn/go-isatty"
)

// Table styles
var (
	styleBorder = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	styleHeader = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true).Padding(0, 1)

	styleCell = lipgloss.NewStyle().Padding(0, 1)

	stylePlain = lipgloss.NewStyle().PaddingRight(2)
)

// Status styles
var (
	styleStatusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)

	styleStatusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)

	styleStatusFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)

	styleStatusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// statusStyle picks the colour for a task, agent or daemon status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "in-progress", "working", "running", "starting", "half-open":
		return styleStatusRunning
	case "done", "closed":
		return styleStatusComplete
	case "failed", "dead", "abandoned", "stopping", "stopped":
		return styleStatusFailed
	case "open", "paused":
		return styleStatusPending
	}
	return lipgloss.NewStyle()
}

// colorEnabled reports whether w is a terminal that should get colour.
// Buffers, pipes and files get plain output.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// grid is a table of string cells. StatusCol names the column coloured by
// Status (statusStyle when nil), or -1.
type grid struct {
	Headers   []string
	Rows      [][]string
	StatusCol int
	Status    func(cell string) lipgloss.Style
}

func (g *grid) add(cells ...string) {
	g.Rows = append(g.Rows, cells)
}

// render lays the grid out as a bordered, coloured table, or as plain
// space-aligned columns when styled is false.
func (g *grid) render(styled bool) string {
	t := table.New().Rows(g.Rows...)
	if len(g.Headers) > 0 {
		t = t.Headers(g.Headers...)
	}
	last := len(g.Headers) - 1
	if len(g.Rows) > 0 && len(g.Rows[0])-1 > last {
		last = len(g.Rows[0]) - 1
	}
	status := g.Status
	if status == nil {
		status = statusStyle
	}

	if !styled {
		return t.Border(lipgloss.HiddenBorder()).
			BorderTop(false).
			BorderBottom(false).
			BorderLeft(false).
			BorderRight(false).
			BorderHeader(false).
			BorderColumn(false).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == last {
					return lipgloss.NewStyle()
				}
				return stylePlain
			}).
			String()
	}

	return t.Border(lipgloss.RoundedBorder()).
		BorderStyle(styleBorder).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return styleHeader
			case col == g.StatusCol && row >= 0 && row < len(g.Rows):
				return status(g.Rows[row][col]).Padding(0, 1)
			}
			return styleCell
		}).
		String()
}

// print writes the grid to w, styled only for terminals.
func (g *grid) print(w io.Writer) error {
	_, err := fmt.Fprintln(w, g.render(colorEnabled(w)))
	return err
}
