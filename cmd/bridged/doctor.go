package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/claude-slack-bridge/internal/config"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registryclient"
)

// doctorCmd reports on the runtime prerequisites this bridge depends
// on, in the spirit of wingthing's own `wt doctor`: agent binary on
// PATH, Slack credentials, and Registry reachability.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials, and the Registry socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Println("bridged doctor")
			fmt.Println()

			fmt.Println("Agent:")
			if path, err := exec.LookPath(cfg.ClaudeBin); err != nil {
				fmt.Printf("  %-12s not found\n", cfg.ClaudeBin)
			} else {
				fmt.Printf("  %-12s %s\n", cfg.ClaudeBin, path)
			}
			fmt.Println()

			fmt.Println("Slack credentials:")
			printSet("SLACK_BOT_TOKEN", cfg.SlackBotToken)
			printSet("SLACK_APP_TOKEN", cfg.SlackAppToken)
			fmt.Printf("  %-20s %s\n", "channel", cfg.SlackChannel)
			fmt.Println()

			fmt.Println("Registry:")
			fmt.Printf("  %-20s %s\n", "db path", cfg.RegistryDBPath)
			fmt.Printf("  %-20s %s\n", "socket", cfg.Paths().RegistrySocket)
			client := registryclient.New(cfg.Paths().RegistrySocket)
			if resp, err := client.List(""); err != nil {
				fmt.Printf("  %-20s unreachable: %v\n", "rpc", err)
			} else if !resp.Success {
				fmt.Printf("  %-20s rejected: %s\n", "rpc", resp.Error)
			} else {
				fmt.Printf("  %-20s reachable\n", "rpc")
			}
			fmt.Println()

			fmt.Println("Filesystem:")
			for _, dir := range []string{cfg.SlackSocketDir, cfg.SlackLogDir, cfg.Paths().PermissionResponses, cfg.Paths().AskUserResponses} {
				if _, err := os.Stat(dir); err != nil {
					fmt.Printf("  %-40s missing\n", dir)
				} else {
					fmt.Printf("  %-40s ok\n", dir)
				}
			}

			return nil
		},
	}
}

func printSet(name, val string) {
	if val == "" {
		fmt.Printf("  %-20s not set\n", name)
		return
	}
	fmt.Printf("  %-20s set\n", name)
}
