package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
	"github.com/ehrlich-b/claude-slack-bridge/internal/config"
	"github.com/ehrlich-b/claude-slack-bridge/internal/cron"
	"github.com/ehrlich-b/claude-slack-bridge/internal/dmmode"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registrysvc"
	"github.com/ehrlich-b/claude-slack-bridge/internal/slackchat"
	"github.com/ehrlich-b/claude-slack-bridge/internal/store"
)

const defaultCleanupSchedule = "0 * * * *" // hourly, per spec §4.1 "periodic cleanup"

// registryCmd runs the session Registry: the RPC endpoint backed by
// the persistent session table, plus its periodic cleanup sweep
// (spec.md §4.1 "Responsibility", "Cleanup").
func registryCmd() *cobra.Command {
	var maxAgeHours int
	var cleanupSchedule string

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Run the Registry: session store + Unix-socket RPC endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirs(); err != nil {
				return fmt.Errorf("ensure dirs: %w", err)
			}
			_ = logger.Init("info", "")
			log := logger.With("bridged-registry")

			st, err := store.Open(cfg.RegistryDBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			var provider chatprovider.Provider
			if cfg.SlackBotToken != "" && cfg.SlackAppToken != "" {
				provider = slackchat.New(slackchat.Config{BotToken: cfg.SlackBotToken, AppToken: cfg.SlackAppToken})
			} else {
				log.Warn("no slack credentials configured; registrations will proceed without chat side effects")
			}

			srv := &registrysvc.Server{
				SocketPath:     cfg.Paths().RegistrySocket,
				Store:          st,
				Provider:       provider,
				DefaultChannel: cfg.SlackChannel,
				DM:             &dmmode.Handler{Store: st, Provider: provider},
			}

			schedule, err := cron.Parse(cleanupSchedule)
			if err != nil {
				return fmt.Errorf("parse cleanup schedule %q: %w", cleanupSchedule, err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info("registry listening", "socket", srv.SocketPath)
				errCh <- srv.ListenAndServe(ctx)
			}()

			go runCleanupLoop(ctx, st, provider, schedule, time.Duration(maxAgeHours)*time.Hour, log)

			select {
			case <-ctx.Done():
				log.Info("shutting down")
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().IntVar(&maxAgeHours, "max-age-hours", 24, "delete ended/crashed sessions whose last activity is older than this")
	cmd.Flags().StringVar(&cleanupSchedule, "cleanup-schedule", defaultCleanupSchedule, "cron expression for the cleanup sweep")
	return cmd
}

// runCleanupLoop wakes at each of schedule's fire times and deletes
// stale ended/crashed session rows, archiving each one's chat thread
// with a terminal status message (spec.md §4.1 "cleanup_old_sessions").
func runCleanupLoop(ctx context.Context, st *store.Store, provider chatprovider.Provider, schedule *cron.Schedule, maxAge time.Duration, log *slog.Logger) {
	for {
		next := schedule.Next(timeNow())
		wait := time.Until(next)
		if wait <= 0 {
			wait = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		archived, err := st.CleanupOldSessions(maxAge)
		if err != nil {
			log.Warn("cleanup sweep failed", "err", err)
			continue
		}
		if len(archived) == 0 {
			continue
		}
		log.Info("cleanup sweep archived sessions", "count", len(archived))
		if provider == nil {
			continue
		}
		for _, sess := range archived {
			if sess.ChannelID == "" {
				continue
			}
			threadTS := ""
			if sess.ThreadTS.Valid {
				threadTS = sess.ThreadTS.String
			}
			text := fmt.Sprintf("🔒 Session `%s` archived (%s)", sess.SessionID, sess.Status)
			if _, err := provider.PostMessage(ctx, sess.ChannelID, threadTS, text, nil); err != nil {
				log.Warn("failed to post archive notice", "session_id", sess.SessionID, "err", err)
			}
		}
	}
}

// timeNow is split out so cron scheduling logic reads the same as the
// rest of the Schedule.Next contract (strictly-after "from").
func timeNow() time.Time {
	return time.Now()
}
