package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
	"github.com/ehrlich-b/claude-slack-bridge/internal/hookrt"
	"github.com/ehrlich-b/claude-slack-bridge/internal/permparser"
)

const maxPromptChars = 2500

const permissionBlockPrefix = "permission_"

func blockID(requestID string) string {
	return permissionBlockPrefix + requestID
}

// promptText renders the recovered question and numbered options for
// display, falling back to a minimal rendering of the raw tool input
// when the terminal buffer yielded nothing recognizable — spec.md
// §4.4.1 step 1's "waiting briefly if needed" still leaves this
// possible (buffer never flushed, or the prompt text didn't match the
// parser's shape).
func promptText(prompt *permparser.Prompt, ev *hookrt.Event) string {
	if prompt == nil || len(prompt.Options) == 0 {
		return fallbackPromptText(ev)
	}
	var b strings.Builder
	if prompt.Question != "" {
		b.WriteString(prompt.Question)
		b.WriteString("\n")
	}
	for _, o := range prompt.Options {
		fmt.Fprintf(&b, "%d. %s\n", o.Number, o.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func fallbackPromptText(ev *hookrt.Event) string {
	if ev == nil {
		return ""
	}
	return fmt.Sprintf("Tool: %s\nInput: %s", ev.ToolName, string(ev.ToolInput))
}

func truncatePrompt(s string) string {
	if len(s) <= maxPromptChars {
		return s
	}
	return s[:maxPromptChars] + "\n...(truncated)"
}

// hasAlwaysOption mirrors on_permission_request.py's
// "permission_suggestions is not None" check: its presence signals a
// 3-option prompt even before the terminal text has been parsed.
func hasAlwaysOption(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

// resolveOptions supplements the terminal parse with a generic
// Yes/Yes-always/No (or Yes/No) option set when nothing could be
// recovered from the buffer, so the agent still gets an interactive
// prompt shaped correctly for `permission_suggestions`' hint — a
// fallback `post_to_slack` in on_permission_request.py also performs,
// which spec.md's distillation doesn't mention but doesn't forbid
// either (§4.4.1 is silent on the no-terminal-text case).
func resolveOptions(prompt *permparser.Prompt, alwaysOption bool) []permparser.Option {
	if prompt != nil && len(prompt.Options) > 0 {
		return prompt.Options
	}
	if alwaysOption {
		return []permparser.Option{
			{Number: 1, Text: "Yes"},
			{Number: 2, Text: "Yes, always"},
			{Number: 3, Text: "No"},
		}
	}
	return []permparser.Option{
		{Number: 1, Text: "Yes"},
		{Number: 2, Text: "No"},
	}
}

// canonicalShape reports whether options match one of the two button
// layouts spec.md §4.4.1 step 2 allows: 2-option ["Yes", "No..."] or
// 3-option ["Yes", "Yes, allow...", "No..."]. Any other shape (custom
// labels, a 4th option, a reconstructed placeholder) renders text-only
// to avoid a button-index/option-index mismatch.
func canonicalShape(options []permparser.Option) bool {
	if len(options) < 2 || len(options) > 3 {
		return false
	}
	for _, o := range options {
		if o.Placeholder {
			return false
		}
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(options[0].Text)), "yes") {
		return false
	}
	last := strings.ToLower(strings.TrimSpace(options[len(options)-1].Text))
	if !strings.HasPrefix(last, "no") {
		return false
	}
	if len(options) == 3 {
		middle := strings.ToLower(strings.TrimSpace(options[1].Text))
		if !strings.HasPrefix(middle, "yes") {
			return false
		}
	}
	return true
}

// buildPermissionMessage renders the chat post for a permission prompt
// (spec.md §4.4.1 step 2). text is the plain-text fallback chat
// providers require alongside blocks.
func buildPermissionMessage(requestID, toolName, prompt string, options []permparser.Option) (text string, blocks []chatprovider.Block) {
	header := fmt.Sprintf("⚠️ Permission Required: %s", toolName)
	body := header
	if prompt != "" {
		body = fmt.Sprintf("%s\n\n```\n%s\n```", header, truncatePrompt(prompt))
	}

	blocks = []chatprovider.Block{
		{Kind: chatprovider.BlockText, ID: blockID(requestID), Text: body},
	}

	switch {
	case canonicalShape(options):
		blocks = append(blocks, chatprovider.Block{
			Kind:    chatprovider.BlockButtons,
			ID:      blockID(requestID),
			Buttons: buildButtons(options),
		})
	case len(options) > 0:
		blocks = append(blocks, chatprovider.Block{
			Kind: chatprovider.BlockText,
			Text: reactionInstructions(options),
		})
	}

	return header, blocks
}

func buildButtons(options []permparser.Option) []chatprovider.Button {
	buttons := make([]chatprovider.Button, len(options))
	last := len(options)
	for i, o := range options {
		n := i + 1
		style := ""
		switch n {
		case 1:
			style = "primary"
		case last:
			style = "danger"
		}
		buttons[i] = chatprovider.Button{
			Label:    fmt.Sprintf("%d. %s", n, truncateLabel(o.Text)),
			Value:    strconv.Itoa(n),
			ActionID: fmt.Sprintf("permission_response_%d", n),
			Style:    style,
		}
	}
	return buttons
}

const maxLabelChars = 30

func truncateLabel(s string) string {
	if len(s) <= maxLabelChars {
		return s
	}
	return s[:maxLabelChars] + "..."
}

func reactionInstructions(options []permparser.Option) string {
	var b strings.Builder
	b.WriteString("React to respond:\n")
	for _, o := range options {
		fmt.Fprintf(&b, "%s %d. %s\n", numberEmoji(o.Number), o.Number, o.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func numberEmoji(n int) string {
	switch n {
	case 1:
		return "1️⃣"
	case 2:
		return "2️⃣"
	case 3:
		return "3️⃣"
	case 4:
		return "4️⃣"
	case 5:
		return "5️⃣"
	default:
		return fmt.Sprintf("%d.", n)
	}
}

// hookOutput is the PermissionRequest hook's stdout contract (spec.md
// §6 "Hook stdin/stdout contract").
type hookOutput struct {
	HookSpecificOutput hookSpecificOutput `json:"hookSpecificOutput"`
}

type hookSpecificOutput struct {
	HookEventName string         `json:"hookEventName"`
	Decision      decisionOutput `json:"decision"`
}

type decisionOutput struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

func buildOutput(behavior, message string) hookOutput {
	return hookOutput{HookSpecificOutput: hookSpecificOutput{
		HookEventName: "PermissionRequest",
		Decision:      decisionOutput{Behavior: behavior, Message: message},
	}}
}

// translateDecision converts a response file's fields (spec.md §6
// permission schema: {"decision": "allow"|"allow_always"|"deny",
// "reason"?}) into the agent's expected hook output. ok is false for
// an unrecognized or missing decision value, the caller's cue to pass
// through quietly rather than emit anything.
func translateDecision(fields map[string]any) (hookOutput, bool) {
	decision, _ := fields["decision"].(string)
	reason, _ := fields["reason"].(string)

	switch decision {
	case "allow", "allow_always":
		return buildOutput("allow", ""), true
	case "deny":
		if reason == "" {
			reason = "User denied permission via chat"
		}
		return buildOutput("deny", reason), true
	default:
		return hookOutput{}, false
	}
}
