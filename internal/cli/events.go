package cli

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/swarmd/internal/persistence"
)

func newEventsCmd() *cobra.Command {
	var (
		f      persistence.JournalFilter
		since  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the coordinator journal (newest first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				f.Since = now().Add(-since)
			}
			path := filepath.Join(swarmDirFrom(cmd.Context()), persistence.JournalFile)
			j, err := persistence.OpenJournal(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			out := grid{Headers: []string{"TIME", "KIND", "TASK", "AGENT", "MESSAGE"}, StatusCol: -1}
			for _, e := range entries {
				out.add(e.CreatedAt.Format(time.RFC3339), e.Kind, e.TaskID, e.AgentID, e.Message)
			}
			return out.print(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "Only this event kind (e.g. task.dispatched, loop.fired)")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "Only events of this task")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "Only events of this agent")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "Maximum number of events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
