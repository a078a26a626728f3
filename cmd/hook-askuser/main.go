// Command hook-askuser is the structured-question hook (spec.md
// §4.4.2): it renders the agent's AskUserQuestion-style tool call as a
// chat post with one block per question, blocks on the accumulated
// response file until every question is answered, and translates the
// result into the agent's expected hook output. Grounded on
// original_source/hooks/on_pretooluse.py.
package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/claude-slack-bridge/internal/config"
	"github.com/ehrlich-b/claude-slack-bridge/internal/hookrt"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registryclient"
	"github.com/ehrlich-b/claude-slack-bridge/internal/responsefile"
	"github.com/ehrlich-b/claude-slack-bridge/internal/slackchat"
)

const pollInterval = 500 * time.Millisecond

func main() {
	root := &cobra.Command{
		Use:          "hook-askuser",
		Short:        "Structured-question hook: route a multi-question prompt through chat",
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
	if ev.ToolName != "AskUserQuestion" {
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
	_ = logger.InitFileOnly("info", filepath.Join(cfg.SlackLogDir, "pretooluse_hook.log"))
	log := logger.With("hook-askuser")

	responseDir := cfg.Paths().AskUserResponses
	if err := responsefile.CleanupStale(responseDir); err != nil {
		log.Warn("failed to clean up stale askuser response files", "err", err)
	}

	questions, err := parseAskUserInput(ev.ToolInput)
	if err != nil {
		log.Warn("failed to parse tool_input", "err", err)
		hookrt.ExitQuiet()
		return
	}
	if err := validateQuestions(questions); err != nil {
		log.Warn("invalid AskUserQuestion input", "err", err)
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

	requestID := uuid.New().String()
	text, blocks := buildAskUserMessage(meta.SessionID, requestID, questions)

	provider := slackchat.New(slackchat.Config{BotToken: cfg.SlackBotToken, AppToken: cfg.SlackAppToken})
	ctx := context.Background()

	msg, err := provider.PostMessage(ctx, meta.ChannelID, meta.ThreadTS, text, blocks)
	if err != nil || msg == nil {
		log.Warn("failed to post question prompt", "err", err)
		hookrt.ExitQuiet()
		return
	}

	responsePath := responsefile.Path(responseDir, meta.SessionID, requestID)
	fields := pollForAllAnswers(responsePath, len(questions), cfg.PermissionTimeout)
	if fields == nil {
		log.Info("timed out waiting for question answers", "request_id", requestID)
		hookrt.ExitQuiet()
		return
	}

	answers := buildAnswers(fields, questions)
	if err := provider.UpdateMessage(ctx, meta.ChannelID, msg.TS, summaryText(len(questions), answers), nil); err != nil {
		log.Warn("failed to update question prompt after answering", "err", err)
	}
	hookrt.EmitAndExit(buildAskUserHookOutput(answers))
}

// pollForAllAnswers polls path every pollInterval until
// HasAllQuestions is satisfied or timeout elapses. A partial read is
// written back so accumulation can continue (spec.md §4.4.2 step 3,
// grounded on wait_for_askuser_response's read/restore loop).
func pollForAllAnswers(path string, numQuestions int, timeout time.Duration) map[string]any {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		fields, err := responsefile.ReadAndDelete(path)
		if err == nil && fields != nil {
			if responsefile.HasAllQuestions(fields, numQuestions) {
				return fields
			}
			_ = responsefile.Write(path, fields)
		}
		time.Sleep(pollInterval)
	}
	return nil
}
