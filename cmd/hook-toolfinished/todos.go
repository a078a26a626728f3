package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
)

// Todo is one entry of the task-list-write tool's input.
type Todo struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm"`
}

type todoInput struct {
	Todos []Todo `json:"todos"`
}

const maxCompletedShown = 3
const recentCompletedTail = 2

func parseTodoInput(raw json.RawMessage) ([]Todo, error) {
	var in todoInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parse tool_input: %w", err)
	}
	return in.Todos, nil
}

// progressBar renders a 10-segment bar for completed/total, matching
// format_todo_for_slack's `"█" * filled + "░" * (10 - filled)`.
func progressBar(completed, total int) string {
	if total == 0 {
		return strings.Repeat("░", 10)
	}
	filled := completed * 10 / total
	if filled > 10 {
		filled = 10
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
}

// formatTodos renders the chat post for a task-list update (spec.md
// §4.4.3): a progress-bar header plus in-progress, pending, and
// (possibly truncated) completed sections. Grounded on
// original_source/.claude/hooks/on_posttooluse.py's format_todo_for_slack.
func formatTodos(todos []Todo) (text string, blocks []chatprovider.Block) {
	if len(todos) == 0 {
		return "No tasks in todo list", nil
	}

	var inProgress, pending, completed []Todo
	for _, t := range todos {
		switch t.Status {
		case "completed":
			completed = append(completed, t)
		case "in_progress":
			inProgress = append(inProgress, t)
		default:
			pending = append(pending, t)
		}
	}

	total := len(todos)
	pct := 0
	if total > 0 {
		pct = len(completed) * 100 / total
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*Task Progress* %s %d/%d (%d%%)\n", progressBar(len(completed), total), len(completed), total, pct)
	b.WriteString("---\n")

	if len(inProgress) > 0 {
		b.WriteString("*In Progress:*\n")
		for _, t := range inProgress {
			fmt.Fprintf(&b, "  ⏳ %s\n", taskLabel(t))
		}
	}
	if len(pending) > 0 {
		b.WriteString("*Pending:*\n")
		for _, t := range pending {
			fmt.Fprintf(&b, "  ⚪ %s\n", t.Content)
		}
	}
	if len(completed) > 0 {
		if len(completed) <= maxCompletedShown {
			b.WriteString("*Completed:*\n")
			for _, t := range completed {
				fmt.Fprintf(&b, "  ✅ ~%s~\n", t.Content)
			}
		} else {
			fmt.Fprintf(&b, "*Completed:* (%d tasks)\n", len(completed))
			for _, t := range completed[len(completed)-recentCompletedTail:] {
				fmt.Fprintf(&b, "  ✅ ~%s~\n", t.Content)
			}
		}
	}

	fallback := fmt.Sprintf("Task Progress: %d/%d complete", len(completed), total)
	return fallback, []chatprovider.Block{{Kind: chatprovider.BlockText, Text: strings.TrimRight(b.String(), "\n")}}
}

func taskLabel(t Todo) string {
	if t.ActiveForm != "" {
		return t.ActiveForm
	}
	return t.Content
}
