package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/claude-slack-bridge/internal/config"
	"github.com/ehrlich-b/claude-slack-bridge/internal/dmmode"
	"github.com/ehrlich-b/claude-slack-bridge/internal/listener"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registryclient"
	"github.com/ehrlich-b/claude-slack-bridge/internal/slackchat"
	"github.com/ehrlich-b/claude-slack-bridge/internal/store"
)

// listenCmd runs the Listener: the single process subscribed to the
// chat workspace's event stream that demultiplexes each event to the
// right session's control socket (spec.md §4.3).
func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Run the chat event Listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirs(); err != nil {
				return fmt.Errorf("ensure dirs: %w", err)
			}
			if cfg.SlackBotToken == "" || cfg.SlackAppToken == "" {
				return fmt.Errorf("SLACK_BOT_TOKEN and SLACK_APP_TOKEN must be set to run the listener")
			}

			_ = logger.InitFileOnly("info", filepath.Join(cfg.SlackLogDir, "listener.log"))
			log := logger.With("bridged-listen")

			st, err := store.Open(cfg.RegistryDBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			provider := slackchat.New(slackchat.Config{BotToken: cfg.SlackBotToken, AppToken: cfg.SlackAppToken})

			l := listener.New()
			l.Provider = provider
			l.RegistryClient = registryclient.New(cfg.Paths().RegistrySocket)
			l.ResponseDir = cfg.Paths().PermissionResponses
			l.AskUserDir = cfg.Paths().AskUserResponses
			l.DM = &dmmode.Handler{Store: st, Provider: provider}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			log.Info("listener subscribing to chat events")
			return l.Run(ctx)
		},
	}
}
