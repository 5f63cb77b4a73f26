package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if errors.Is(err, errHostsFailed) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifold",
		Short: "Agentless configuration management over SSH",
		Long: `manifold applies declarative playbooks to remote hosts over plain SSH.
Hosts need nothing installed beyond a POSIX shell; every operation is
idempotent and re-running a playbook converges to the same state.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newRunCmd())
	return cmd
}
