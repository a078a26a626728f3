// Command hook-toolfinished is the task-list-write observer hook
// (spec.md §4.4.3): it renders the agent's current task list as a
// progress-bar chat message, updating the session's recorded
// `todo_message_ts` in place, or posting fresh when that message was
// deleted out from under it. Grounded on
// original_source/.claude/hooks/on_posttooluse.py.
package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
	"github.com/ehrlich-b/claude-slack-bridge/internal/config"
	"github.com/ehrlich-b/claude-slack-bridge/internal/hookrt"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registryclient"
	"github.com/ehrlich-b/claude-slack-bridge/internal/slackchat"
)

func main() {
	root := &cobra.Command{
		Use:          "hook-toolfinished",
		Short:        "Task-list hook: render the current task list as a live chat post",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			run(os.Stdin)
			return nil
		},
	}
	_ = root.Execute()
	hookrt.ExitQuiet()
}

func run(stdin *os.File) {
	ev, err := hookrt.ReadEvent(stdin)
	if err != nil {
		hookrt.ExitQuiet()
		return
	}
	if ev.ToolName != "TodoWrite" {
		hookrt.ExitQuiet()
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		hookrt.ExitQuiet()
		return
	}
	if err := cfg.EnsureDirs(); err != nil {
		hookrt.ExitQuiet()
		return
	}
	_ = logger.InitFileOnly("info", filepath.Join(cfg.SlackLogDir, "posttooluse_hook.log"))
	log := logger.With("hook-toolfinished")

	todos, err := parseTodoInput(ev.ToolInput)
	if err != nil || len(todos) == 0 {
		hookrt.ExitQuiet()
		return
	}

	client := registryclient.New(cfg.Paths().RegistrySocket)
	meta, err := hookrt.Resolve(client, ev.SessionID)
	if err != nil || meta == nil || meta.ChannelID == "" {
		log.Warn("no chat metadata for session, passing through", "session_id", ev.SessionID, "err", err)
		hookrt.ExitQuiet()
		return
	}

	text, blocks := formatTodos(todos)

	provider := slackchat.New(slackchat.Config{BotToken: cfg.SlackBotToken, AppToken: cfg.SlackAppToken})
	ctx := context.Background()

	newTS, err := postOrUpdate(ctx, provider, meta.ChannelID, meta.ThreadTS, meta.TodoMessageTS, text, blocks)
	if err != nil {
		log.Warn("failed to post/update task list", "err", err)
		hookrt.ExitQuiet()
		return
	}
	if newTS != meta.TodoMessageTS {
		if _, err := client.Update(meta.SessionID, map[string]any{"todo_message_ts": newTS}); err != nil {
			log.Warn("failed to record todo_message_ts", "err", err)
		}
	}
	hookrt.ExitQuiet()
}

// postOrUpdate updates the existing todoMessageTS in place, falling
// back to a fresh post when the chat provider reports the message no
// longer exists (spec.md §4.4.3's `message_not_found` fallback).
func postOrUpdate(ctx context.Context, provider *slackchat.Provider, channelID, threadTS, todoMessageTS, text string, blocks []chatprovider.Block) (string, error) {
	if todoMessageTS == "" {
		msg, err := provider.PostMessage(ctx, channelID, threadTS, text, blocks)
		if err != nil {
			return "", err
		}
		return msg.TS, nil
	}

	err := provider.UpdateMessage(ctx, channelID, todoMessageTS, text, blocks)
	if err == nil {
		return todoMessageTS, nil
	}
	if !strings.Contains(err.Error(), "message_not_found") && !strings.Contains(err.Error(), "channel_not_found") {
		return "", err
	}

	msg, postErr := provider.PostMessage(ctx, channelID, threadTS, text, blocks)
	if postErr != nil {
		return "", postErr
	}
	return msg.TS, nil
}
