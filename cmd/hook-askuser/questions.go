package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
)

const maxQuestions = 4
const maxOptionsPerQuestion = 4

var numberEmojis = []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣"}

// QuestionOption is one labeled choice within a Question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Question is one entry of the structured-question tool's input.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header"`
	MultiSelect bool             `json:"multiSelect"`
	Options     []QuestionOption `json:"options"`
}

type askUserInput struct {
	Questions []Question `json:"questions"`
}

// parseAskUserInput decodes the tool_input payload for the structured-
// question tool (spec.md §4.4.2 step 1).
func parseAskUserInput(raw json.RawMessage) ([]Question, error) {
	var in askUserInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parse tool_input: %w", err)
	}
	return in.Questions, nil
}

// validateQuestions enforces spec.md §4.4.2 step 1: a non-empty list of
// at most 4 questions, each with text and at most 4 labeled options.
func validateQuestions(questions []Question) error {
	if len(questions) == 0 {
		return fmt.Errorf("missing questions")
	}
	if len(questions) > maxQuestions {
		return fmt.Errorf("maximum %d questions allowed", maxQuestions)
	}
	for i, q := range questions {
		if strings.TrimSpace(q.Question) == "" {
			return fmt.Errorf("question %d missing question text", i)
		}
		if len(q.Options) > maxOptionsPerQuestion {
			return fmt.Errorf("question %d has more than %d options", i, maxOptionsPerQuestion)
		}
		for j, o := range q.Options {
			if strings.TrimSpace(o.Label) == "" {
				return fmt.Errorf("question %d option %d missing label", i, j)
			}
		}
	}
	return nil
}

// formatQuestion renders one question with numbered emoji options, an
// "Other" affordance, and a multi-select instruction (spec.md §4.4.2
// step 2, grounded on original_source/hooks/on_pretooluse.py's
// format_question_for_slack).
func formatQuestion(q Question, index, total int) string {
	var b strings.Builder
	if total > 1 {
		fmt.Fprintf(&b, "*Question %d/%d: %s*\n\n", index+1, total, q.Question)
	} else {
		fmt.Fprintf(&b, "*%s*\n\n", q.Question)
	}

	used := 0
	for i, o := range q.Options {
		if i >= len(numberEmojis) {
			break
		}
		fmt.Fprintf(&b, "%s *%s*\n", numberEmojis[i], o.Label)
		if o.Description != "" {
			fmt.Fprintf(&b, "   _%s_\n", o.Description)
		}
		used++
	}
	b.WriteString("💬 *Other* (reply in thread)\n\n")

	if q.MultiSelect {
		fmt.Fprintf(&b, "_React with one or more: %s_", strings.Join(numberEmojis[:used], " "))
	} else {
		fmt.Fprintf(&b, "_React with %s_", strings.Join(numberEmojis[:used], " "))
	}
	return b.String()
}

// buildAskUserMessage renders the chat post (text + one block per
// question, each tagged with a distinct block id) for the structured-
// question prompt (spec.md §4.4.2 step 2).
func buildAskUserMessage(sessionID, requestID string, questions []Question) (text string, blocks []chatprovider.Block) {
	var b strings.Builder
	b.WriteString("❓ *Claude needs your input:*\n\n")

	blocks = make([]chatprovider.Block, 0, len(questions))
	for i, q := range questions {
		section := formatQuestion(q, i, len(questions))
		b.WriteString(section)
		if i < len(questions)-1 {
			b.WriteString("\n\n---\n\n")
		}
		blocks = append(blocks, chatprovider.Block{
			Kind: chatprovider.BlockText,
			ID:   fmt.Sprintf("askuser_Q%d_%s_%s", i, sessionID, requestID),
			Text: section,
		})
	}
	return b.String(), blocks
}

// answerLabel resolves one question's raw response value (an index
// string/number, an "other" marker, or a list of indices for
// multi-select) into the label(s) the agent should see.
func answerLabel(value any, otherText string, options []QuestionOption) any {
	if s, ok := value.(string); ok && s == "other" {
		if otherText != "" {
			return otherText
		}
		return "Other"
	}

	if list, ok := value.([]any); ok {
		labels := make([]string, 0, len(list))
		for _, v := range list {
			if idx, ok := optionIndex(v); ok && idx >= 0 && idx < len(options) {
				labels = append(labels, options[idx].Label)
			}
		}
		return labels
	}

	if idx, ok := optionIndex(value); ok && idx >= 0 && idx < len(options) {
		return options[idx].Label
	}
	return fmt.Sprintf("%v", value)
}

func optionIndex(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		idx, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return idx, true
	default:
		return 0, false
	}
}

// buildAnswers translates an accumulated response file's fields into
// the agent's expected answers map (spec.md §4.4.2 step 4, grounded on
// on_pretooluse.py's build_askuser_output).
func buildAnswers(fields map[string]any, questions []Question) map[string]any {
	answers := map[string]any{}
	for i, q := range questions {
		key := fmt.Sprintf("question_%d", i)
		value, ok := fields[key]
		if !ok {
			continue
		}
		var otherText string
		if t, ok := fields[key+"_text"].(string); ok {
			otherText = t
		}
		answers[key] = answerLabel(value, otherText, q.Options)
	}
	return answers
}

// summaryText renders the compact post-answer message the prompt's
// chat post is updated to (spec.md §4.4.2 step 5).
func summaryText(numQuestions int, answers map[string]any) string {
	if numQuestions > 1 {
		return fmt.Sprintf("✓ All %d questions answered", numQuestions)
	}
	if v, ok := answers["question_0"]; ok {
		return fmt.Sprintf("✓ Selected: %v", v)
	}
	return "✓ Answered"
}

type askUserHookOutput struct {
	HookSpecificOutput askUserHookSpecificOutput `json:"hookSpecificOutput"`
}

type askUserHookSpecificOutput struct {
	HookEventName string        `json:"hookEventName"`
	Output        askUserOutput `json:"output"`
}

type askUserOutput struct {
	Decision string         `json:"decision"`
	Answers  map[string]any `json:"answers"`
}

func buildAskUserHookOutput(answers map[string]any) askUserHookOutput {
	return askUserHookOutput{HookSpecificOutput: askUserHookSpecificOutput{
		HookEventName: "PreToolUse",
		Output:        askUserOutput{Decision: "answered", Answers: answers},
	}}
}
