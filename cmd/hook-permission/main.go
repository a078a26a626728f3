// Command hook-permission is the PermissionRequest hook (spec.md
// §4.4.1): it recovers the tool's prompt text from the session's line
// log, posts it to chat, blocks waiting for a decision response file,
// and translates that decision back into the agent's hook output
// contract. Grounded on original_source/.claude/hooks/on_permission_request.py.
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
	"github.com/ehrlich-b/claude-slack-bridge/internal/linelog"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/permparser"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registryclient"
	"github.com/ehrlich-b/claude-slack-bridge/internal/responsefile"
	"github.com/ehrlich-b/claude-slack-bridge/internal/slackchat"
)

const (
	pollInterval    = 500 * time.Millisecond
	bufferRetries   = 5
	bufferRetryWait = 100 * time.Millisecond
)

func main() {
	root := &cobra.Command{
		Use:          "hook-permission",
		Short:        "PermissionRequest hook: route a tool permission prompt through chat",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			run(os.Stdin)
			return nil
		},
	}
	_ = root.Execute()
	// Every path through run() exits the process itself (spec.md §4.4
	// "exit status is always 0"); reaching here means Execute failed
	// before RunE ran, e.g. a flag-parse error on stray args.
	hookrt.ExitQuiet()
}

// run implements spec.md §4.4.1. It always terminates the process
// itself via hookrt.ExitQuiet/EmitAndExit.
func run(stdin *os.File) {
	ev, err := hookrt.ReadEvent(stdin)
	if err != nil {
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
	_ = logger.InitFileOnly("info", filepath.Join(cfg.SlackLogDir, "permission_request_hook.log"))
	log := logger.With("hook-permission")

	client := registryclient.New(cfg.Paths().RegistrySocket)
	meta, err := hookrt.Resolve(client, ev.SessionID)
	if err != nil || meta == nil || meta.ChannelID == "" {
		log.Warn("no chat metadata for session, passing through", "session_id", ev.SessionID, "err", err)
		hookrt.ExitQuiet()
		return
	}

	lines := readLinesWithRetry(cfg.LinesPath(meta.SessionID))
	prompt := permparser.Parse(lines)
	options := resolveOptions(prompt, hasAlwaysOption(ev.PermissionSuggestions))

	requestID := meta.SessionID + ":" + uuid.New().String()
	text, blocks := buildPermissionMessage(requestID, ev.ToolName, promptText(prompt, ev), options)

	channelID := meta.ChannelID
	threadTS := meta.ThreadTS
	if meta.PermissionsChannelID != "" {
		channelID = meta.PermissionsChannelID
		threadTS = ""
	}

	provider := slackchat.New(slackchat.Config{BotToken: cfg.SlackBotToken, AppToken: cfg.SlackAppToken})
	ctx := context.Background()

	msg, err := provider.PostMessage(ctx, channelID, threadTS, text, blocks)
	if err != nil || msg == nil {
		log.Warn("failed to post permission prompt", "err", err)
		hookrt.ExitQuiet()
		return
	}
	if _, err := client.Update(meta.SessionID, map[string]any{"permission_message_ts": msg.TS}); err != nil {
		log.Warn("failed to record permission_message_ts", "err", err)
	}

	responsePath := responsefile.Path(cfg.Paths().PermissionResponses, meta.SessionID, requestID)
	fields := pollForResponse(responsePath, cfg.PermissionTimeout)
	if fields == nil {
		log.Info("timed out waiting for permission response", "request_id", requestID)
		hookrt.ExitQuiet()
		return
	}

	output, ok := translateDecision(fields)
	if !ok {
		log.Warn("unrecognized decision in response file, passing through", "fields", fields)
		hookrt.ExitQuiet()
		return
	}
	hookrt.EmitAndExit(output)
}

// readLinesWithRetry mirrors get_terminal_prompt's short retry loop in
// on_permission_request.py: the PTY output buffer may not have been
// flushed to disk yet when the hook runs.
func readLinesWithRetry(path string) []string {
	for attempt := 0; attempt < bufferRetries; attempt++ {
		lines, err := linelog.ReadLines(path)
		if err == nil && len(lines) > 0 {
			return lines
		}
		time.Sleep(bufferRetryWait)
	}
	lines, _ := linelog.ReadLines(path)
	return lines
}

// pollForResponse polls the response file every pollInterval up to
// timeout, returning nil on timeout (spec.md §4.4.1 step 4).
func pollForResponse(path string, timeout time.Duration) map[string]any {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		fields, err := responsefile.ReadAndDelete(path)
		if err == nil && fields != nil {
			return fields
		}
		time.Sleep(pollInterval)
	}
	return nil
}
