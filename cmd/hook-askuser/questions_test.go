package main

import (
	"strings"
	"testing"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
)

func sampleQuestions() []Question {
	return []Question{
		{
			Question: "Which approach should we use?",
			Options: []QuestionOption{
				{Label: "Option A", Description: "fast"},
				{Label: "Option B", Description: "safe"},
			},
		},
		{
			Question:    "Which environments?",
			MultiSelect: true,
			Options: []QuestionOption{
				{Label: "staging"},
				{Label: "prod"},
			},
		},
	}
}

func TestValidateQuestionsAcceptsWellFormedInput(t *testing.T) {
	if err := validateQuestions(sampleQuestions()); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateQuestionsRejectsEmpty(t *testing.T) {
	if err := validateQuestions(nil); err == nil {
		t.Fatal("expected error for empty questions")
	}
}

func TestValidateQuestionsRejectsTooMany(t *testing.T) {
	qs := make([]Question, maxQuestions+1)
	for i := range qs {
		qs[i] = Question{Question: "q", Options: []QuestionOption{{Label: "a"}}}
	}
	if err := validateQuestions(qs); err == nil {
		t.Fatal("expected error for too many questions")
	}
}

func TestValidateQuestionsRejectsMissingLabel(t *testing.T) {
	qs := []Question{{Question: "q", Options: []QuestionOption{{Label: ""}}}}
	if err := validateQuestions(qs); err == nil {
		t.Fatal("expected error for missing option label")
	}
}

func TestBuildAskUserMessageProducesDistinctBlockIDs(t *testing.T) {
	_, blocks := buildAskUserMessage("sess1", "req1", sampleQuestions())
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].ID != "askuser_Q0_sess1_req1" {
		t.Fatalf("unexpected block id %q", blocks[0].ID)
	}
	if blocks[1].ID != "askuser_Q1_sess1_req1" {
		t.Fatalf("unexpected block id %q", blocks[1].ID)
	}
	for _, b := range blocks {
		if b.Kind != chatprovider.BlockText {
			t.Fatal("askuser blocks must be plain text blocks")
		}
	}
}

func TestFormatQuestionIncludesOtherAffordance(t *testing.T) {
	text := formatQuestion(sampleQuestions()[0], 0, 2)
	if !strings.Contains(text, "Other") {
		t.Fatal("expected an Other affordance in formatted question")
	}
	if !strings.Contains(text, "1️⃣") || !strings.Contains(text, "2️⃣") {
		t.Fatal("expected numbered emoji options")
	}
}

func TestFormatQuestionMultiSelectInstruction(t *testing.T) {
	text := formatQuestion(sampleQuestions()[1], 1, 2)
	if !strings.Contains(text, "one or more") {
		t.Fatalf("expected multi-select instruction, got: %s", text)
	}
}

func TestBuildAnswersSingleSelectResolvesLabel(t *testing.T) {
	fields := map[string]any{"question_0": float64(1)}
	answers := buildAnswers(fields, sampleQuestions())
	if answers["question_0"] != "Option B" {
		t.Fatalf("expected Option B, got %v", answers["question_0"])
	}
}

func TestBuildAnswersMultiSelectResolvesLabels(t *testing.T) {
	fields := map[string]any{"question_1": []any{"0", "1"}}
	answers := buildAnswers(fields, sampleQuestions())
	labels, ok := answers["question_1"].([]string)
	if !ok || len(labels) != 2 || labels[0] != "staging" || labels[1] != "prod" {
		t.Fatalf("unexpected multi-select answer: %v", answers["question_1"])
	}
}

func TestBuildAnswersOtherUsesFreeText(t *testing.T) {
	fields := map[string]any{"question_0": "other", "question_0_text": "Neither, do something else"}
	answers := buildAnswers(fields, sampleQuestions())
	if answers["question_0"] != "Neither, do something else" {
		t.Fatalf("expected free text answer, got %v", answers["question_0"])
	}
}

func TestBuildAnswersOtherWithoutTextDefaults(t *testing.T) {
	fields := map[string]any{"question_0": "other"}
	answers := buildAnswers(fields, sampleQuestions())
	if answers["question_0"] != "Other" {
		t.Fatalf("expected default Other, got %v", answers["question_0"])
	}
}

func TestBuildAnswersSkipsUnansweredQuestions(t *testing.T) {
	fields := map[string]any{"question_0": float64(0)}
	answers := buildAnswers(fields, sampleQuestions())
	if _, ok := answers["question_1"]; ok {
		t.Fatal("expected question_1 to be absent when unanswered")
	}
}

func TestSummaryTextSingleQuestion(t *testing.T) {
	got := summaryText(1, map[string]any{"question_0": "Option B"})
	if got != "✓ Selected: Option B" {
		t.Fatalf("unexpected summary: %q", got)
	}
}

func TestSummaryTextMultiQuestion(t *testing.T) {
	got := summaryText(2, map[string]any{})
	if got != "✓ All 2 questions answered" {
		t.Fatalf("unexpected summary: %q", got)
	}
}

func TestBuildAskUserHookOutputShape(t *testing.T) {
	out := buildAskUserHookOutput(map[string]any{"question_0": "Option B"})
	if out.HookSpecificOutput.HookEventName != "PreToolUse" {
		t.Fatalf("unexpected hookEventName %q", out.HookSpecificOutput.HookEventName)
	}
	if out.HookSpecificOutput.Output.Decision != "answered" {
		t.Fatalf("unexpected decision %q", out.HookSpecificOutput.Output.Decision)
	}
}
