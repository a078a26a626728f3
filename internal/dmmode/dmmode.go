// Package dmmode implements the DM slash-command surface that lets a
// chat user subscribe to a running session's output, detach from it,
// list active sessions, and pick an interaction mode (spec §4.3, §9
// "DM subscription").
package dmmode

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
	"github.com/ehrlich-b/claude-slack-bridge/internal/store"
	"github.com/ehrlich-b/claude-slack-bridge/internal/transcript"
)

// CommandName identifies which slash command was parsed.
type CommandName string

const (
	CmdSessions CommandName = "sessions"
	CmdAttach   CommandName = "attach"
	CmdDetach   CommandName = "detach"
	CmdMode     CommandName = "mode"
	CmdError    CommandName = "error"
)

// Command is a parsed DM slash command.
type Command struct {
	Name CommandName

	// attach
	SessionID    string
	HistoryCount int // 0 = not specified

	// mode
	ModeAction string // "show" or "set"
	Mode       string

	// error
	Message string
}

// Parse recognizes /sessions, /attach, /detach, and /mode. It returns
// nil if text is not a slash command or is an unrecognized one.
func Parse(text string) *Command {
	text = strings.TrimSpace(text)
	if text == "" || !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(strings.TrimPrefix(parts[0], "/"))

	switch cmd {
	case "sessions":
		return &Command{Name: CmdSessions}

	case "attach":
		if len(parts) < 2 {
			return &Command{Name: CmdError, Message: "Usage: /attach <session_id> [history_count]"}
		}
		c := &Command{Name: CmdAttach, SessionID: parts[1]}
		if len(parts) >= 3 {
			if n, err := strconv.Atoi(parts[2]); err == nil {
				c.HistoryCount = clamp(n, 1, 25)
			}
		}
		return c

	case "detach":
		return &Command{Name: CmdDetach}

	case "mode":
		if len(parts) < 2 {
			return &Command{Name: CmdMode, ModeAction: "show"}
		}
		mode := strings.ToLower(parts[1])
		if !store.ValidMode(mode) {
			return &Command{Name: CmdError, Message: fmt.Sprintf("Invalid mode: `%s`. Valid modes: plan, research, execute", mode)}
		}
		return &Command{Name: CmdMode, ModeAction: "set", Mode: mode}

	default:
		return nil
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Result is the user-facing outcome of executing a Command.
type Result struct {
	Success bool
	Message string
}

// Handler executes parsed DM commands against the Registry store and a
// chat provider.
type Handler struct {
	Store    *store.Store
	Provider chatprovider.Provider
	Home     string // for transcript path construction; os.UserHomeDir() if empty
}

func (h *Handler) home() string {
	if h.Home != "" {
		return h.Home
	}
	home, _ := os.UserHomeDir()
	return home
}

// ListSessions formats every active session as a DM message (dm_mode.py's
// format_session_list_for_slack).
func (h *Handler) ListSessions() (string, error) {
	sessions, err := h.Store.ListSessions(store.StatusActive)
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return "No active sessions\n\nStart a session first, then use `/sessions` to see it here.", nil
	}

	var b strings.Builder
	b.WriteString("*Active Sessions:*\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "\n• `%s` - %s", s.SessionID, s.Project)
		if created := s.CreatedAt.Format("2006-01-02"); created != "" {
			fmt.Fprintf(&b, "\n  _Started: %s_", created)
		}
	}
	b.WriteString("\n\n💡 Use `/attach <session_id>` to subscribe to a session's output")
	return b.String(), nil
}

// Attach subscribes userID to sessionID's output, replacing any prior
// subscription, and optionally sends the session's recent transcript
// history into dmChannelID.
func (h *Handler) Attach(ctx context.Context, userID, sessionID, dmChannelID string, historyCount int) (*Result, error) {
	sess, err := h.Store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return &Result{Success: false, Message: fmt.Sprintf("Session `%s` not found.", sessionID)}, nil
	}
	if sess.Status == store.StatusEnded {
		return &Result{Success: false, Message: fmt.Sprintf("Session `%s` has ended.", sessionID)}, nil
	}

	if err := h.Store.Subscribe(userID, sessionID, dmChannelID); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	if historyCount > 0 && sess.ProjectDir != "" {
		path := transcript.ConstructPath(h.home(), sessionID, sess.ProjectDir)
		parser := transcript.NewParser(path)
		if ok, err := parser.Load(); err == nil && ok {
			if messages := parser.GetLastNMessages(historyCount); len(messages) > 0 {
				text := formatHistory(messages)
				if _, err := h.Provider.PostMessage(ctx, dmChannelID, "", text, nil); err != nil {
					return nil, fmt.Errorf("post history: %w", err)
				}
			}
		}
	}

	return &Result{Success: true, Message: fmt.Sprintf("✅ Attached to session `%s` (%s). You'll receive all output in this DM.", sessionID, sess.Project)}, nil
}

func formatHistory(messages []transcript.Message) string {
	var b strings.Builder
	b.WriteString("*Recent messages:*\n")
	for _, m := range messages {
		emoji := "🤖"
		if m.Role == "user" {
			emoji = "👤"
		}
		text := m.Text
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Fprintf(&b, "%s %s\n\n", emoji, text)
	}
	return b.String()
}

// Detach removes userID's current subscription, if any.
func (h *Handler) Detach(userID string) (*Result, error) {
	sub, err := h.Store.GetSubscription(userID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		return &Result{Success: true, Message: "ℹ️ You're not currently attached to any session."}, nil
	}
	if err := h.Store.Unsubscribe(userID); err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	return &Result{Success: true, Message: fmt.Sprintf("✅ Detached from session `%s`. You'll no longer receive output.", sub.SessionID)}, nil
}

var modeDescriptions = map[string]string{
	store.ModeResearch: "Read-only exploration and analysis",
	store.ModePlan:      "Design approach without writing code",
	store.ModeExecute:   "Implement changes (default)",
}

// HandleMode shows or sets userID's interaction mode.
func (h *Handler) HandleMode(userID, action, mode string) (*Result, error) {
	switch action {
	case "show":
		current, err := h.Store.GetUserMode(userID)
		if err != nil {
			return nil, fmt.Errorf("get user mode: %w", err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "*Current mode:* `%s`\n_%s_\n\n", current, modeDescriptions[current])
		b.WriteString("*Available modes:*\n")
		b.WriteString("• `/mode research` - Read-only exploration and analysis\n")
		b.WriteString("• `/mode plan` - Design approach without writing code\n")
		b.WriteString("• `/mode execute` - Implement changes (default)")
		return &Result{Success: true, Message: b.String()}, nil

	case "set":
		if err := h.Store.SetUserMode(userID, mode); err != nil {
			return &Result{Success: false, Message: fmt.Sprintf("❌ %s", err)}, nil
		}
		return &Result{Success: true, Message: fmt.Sprintf("✅ Mode set to `%s`\n_%s_", mode, modeDescriptions[mode])}, nil

	default:
		return &Result{Success: false, Message: "❌ Invalid action"}, nil
	}
}

// ModePrompt returns the system-prompt text appended to a user's
// message based on their selected interaction mode, or "" for an
// unrecognized mode (dm_mode.py's MODE_PROMPTS).
func ModePrompt(mode string) string {
	return modePrompts[strings.ToLower(mode)]
}

var modePrompts = map[string]string{
	store.ModeResearch: `
---

You are in RESEARCH MODE.

Goal:
- Understand the codebase, constraints, and problem space.
- Identify risks, edge cases, and unknowns.

Rules:
- Do NOT propose implementation code.
- Do NOT modify files.
- Do NOT write tests yet.
- You may read files, summarize behavior, and ask clarifying questions.

Output:
- Brief summary of how the current system works (relevant parts only).
- Key assumptions and invariants.
- Risks or ambiguities that could affect implementation.
- Suggested test scenarios (inputs/outputs), without writing tests.
`,
	store.ModePlan: `
---

You are in PLAN MODE.

Goal:
- Design an implementation approach based on research findings.

Rules:
- Do NOT write implementation code yet.
- You may outline pseudocode or structure.
- Focus on approach, not implementation details.

Output:
- Step-by-step implementation plan.
- Key files and functions to modify.
- Potential risks and mitigations.
`,
	store.ModeExecute: `
---

You are in EXECUTE MODE.

Goal:
- Implement the planned changes.

Rules:
- Follow the established plan.
- Write clean, tested code.
- Commit logical units of work.
`,
}

// HandleSessionEnd notifies every DM subscriber that sessionID ended and
// clears their subscriptions (dm_mode.py's handle_session_end).
func (h *Handler) HandleSessionEnd(ctx context.Context, sessionID string) error {
	subs, err := h.Store.SubscribersForSession(sessionID)
	if err != nil {
		return fmt.Errorf("subscribers for session: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	project := "unknown"
	if sess, err := h.Store.GetSession(sessionID); err == nil && sess != nil {
		project = sess.Project
	}
	msg := fmt.Sprintf("🔚 *Session ended*\n\nThe session `%s` (%s) has ended. You've been automatically detached.", sessionID, project)

	if h.Provider != nil {
		for _, sub := range subs {
			if sub.DMChannelID == "" {
				continue
			}
			if _, err := h.Provider.PostMessage(ctx, sub.DMChannelID, "", msg, nil); err != nil {
				continue // best-effort notification; one subscriber's failure must not block the rest
			}
		}
	}

	_, err = h.Store.CleanupSubscriptionsForSession(sessionID)
	return err
}

// ForwardOutput sends text to every DM subscriber of sessionID
// (dm_mode.py's forward_to_dm_subscribers).
func (h *Handler) ForwardOutput(ctx context.Context, sessionID, text string) error {
	subs, err := h.Store.SubscribersForSession(sessionID)
	if err != nil {
		return fmt.Errorf("subscribers for session: %w", err)
	}
	for _, sub := range subs {
		if sub.DMChannelID == "" {
			continue
		}
		if _, err := h.Provider.PostMessage(ctx, sub.DMChannelID, "", text, nil); err != nil {
			continue
		}
	}
	return nil
}
