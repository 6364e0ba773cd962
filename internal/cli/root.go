// Package cli implements the swarmd command tree.
package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// EnvDir overrides the swarm directory, like --dir.
const EnvDir = "SWARM_DIR"

type ctxKey struct{}

// NewRootCmd builds the swarmd command tree.
func NewRootCmd(version string) *cobra.Command {
	var dirOverride string

	cmd := &cobra.Command{
		Use:           "swarmd",
		Short:         "swarmd - coordinate coding agents over a shared task graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveSwarmDir(dirOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, dir))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&dirOverride, "dir", "", "Swarm state directory (default: nearest .swarm, env: SWARM_DIR)")

	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newAgentsCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newConfigCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}
	return cmd
}

// swarmDirFrom returns the directory resolved by the root command.
func swarmDirFrom(ctx context.Context) string {
	if dir, ok := ctx.Value(ctxKey{}).(string); ok {
		return dir
	}
	return ".swarm"
}

// resolveSwarmDir picks the swarm directory: the flag, then SWARM_DIR, then
// the nearest .swarm directory walking up from the working directory, then
// ./.swarm.
func resolveSwarmDir(override string) (string, error) {
	if override != "" {
		return filepath.Abs(override)
	}
	if env := os.Getenv(EnvDir); env != "" {
		return filepath.Abs(env)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for dir := wd; ; {
		candidate := filepath.Join(dir, ".swarm")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return filepath.Join(wd, ".swarm"), nil
}
