package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/swarmd/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the swarm configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	})

	var overwrite bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to <dir>/config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := swarmDirFrom(cmd.Context())
			if existing := config.Find(dir); existing != "" && !overwrite {
				return fmt.Errorf("%s already exists (use --force to replace it)", existing)
			}
			path := filepath.Join(dir, "config.json")
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o755); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&overwrite, "force", false, "Replace an existing config file")
	cmd.AddCommand(initCmd)
	return cmd
}
