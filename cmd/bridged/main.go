// Command bridged hosts the three long-lived process roles of the
// claude-slack-bridge substrate (spec.md §5 "Scheduling model"): the
// session Registry, a per-session PTY Wrapper, and the chat event
// Listener. Each role is its own subcommand so they can be started as
// independent OS processes under a process supervisor, matching
// wingthing's wtd/wt split between daemon and CLI entry points.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "bridged",
		Short: "claude-slack-bridge session registry, PTY wrapper, and chat listener",
	}

	root.AddCommand(
		registryCmd(),
		wrapCmd(),
		listenCmd(),
		doctorCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
