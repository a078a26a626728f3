// Package permparser recovers the exact permission-prompt wording shown
// in an agent's terminal from its cleaned output lines (spec §4.5). The
// hook contract tells us a permission decision is needed but not the
// precise option text, so this is the only reliable source for it.
package permparser

import (
	"regexp"
	"strconv"
	"strings"
)

var optionLinePattern = regexp.MustCompile(`^\s*(\d+)[.)]\s*(.+)$`)

const placeholderMarker = "[scrolled out of view]"

// permissionKeywords is the set of words that must appear somewhere in
// the parsed options for the run to be accepted as a real permission
// prompt, rather than coincidental numbered text (a token count, a
// numbered list in the agent's own output).
var permissionKeywords = []string{
	"yes", "no", "allow", "deny", "approve", "cancel", "session",
}

var questionKeywords = []string{
	"permission", "wants to", "allow", "edit", "run", "write", "read", "execute",
}

const maxQuestionLookback = 20

// Option is one numbered choice recovered from the terminal.
type Option struct {
	Number      int
	Text        string
	Placeholder bool
}

// Prompt is the recovered question/options pair.
type Prompt struct {
	Question string
	Options  []Option
}

// Parse scans lines (oldest first, most-recent last) for a trailing run
// of numbered permission options and the question line introducing
// them. It returns nil if no such run is found.
func Parse(lines []string) *Prompt {
	run := scanOptionRun(lines)
	if run == nil {
		return nil
	}
	if len(run.options) < 2 || len(run.options) > 3 {
		return nil
	}
	if !hasPermissionKeyword(run.options) {
		return nil
	}

	options := reconstructPlaceholders(run.options)
	question := findQuestion(lines, run.firstLineIndex)

	return &Prompt{Question: question, Options: options}
}

type optionRun struct {
	options        []Option
	firstLineIndex int // index into lines of the earliest option line in the run
}

// scanOptionRun walks lines backward looking for a maximal run of
// consecutive numbered option lines. A non-sequential number (neither a
// duplicate nor the next expected number) ends the run.
func scanOptionRun(lines []string) *optionRun {
	type found struct {
		idx  int
		num  int
		text string
	}
	var matches []found
	for i := len(lines) - 1; i >= 0; i-- {
		m := optionLinePattern.FindStringSubmatch(lines[i])
		if m == nil {
			if len(matches) > 0 {
				break
			}
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			break
		}
		matches = append(matches, found{idx: i, num: num, text: strings.TrimSpace(m[2])})
	}
	if len(matches) == 0 {
		return nil
	}

	// matches is in reverse line order (bottom of buffer first); walk it
	// forward from the top-most match downward, the order options were
	// actually printed in, tracking the expected next number.
	ordered := make([]found, len(matches))
	for i, m := range matches {
		ordered[len(matches)-1-i] = m
	}

	var options []Option
	expected := ordered[0].num
	firstIdx := -1
	for _, m := range ordered {
		switch {
		case m.num == expected:
			options = append(options, Option{Number: m.num, Text: m.text})
			if firstIdx == -1 {
				firstIdx = m.idx
			}
			expected++
		case m.num < expected:
			continue
		default:
			// Gap in numbering: the run seen so far stands.
			return finishRun(options, firstIdx)
		}
	}
	return finishRun(options, firstIdx)
}

func finishRun(options []Option, firstIdx int) *optionRun {
	if len(options) == 0 {
		return nil
	}
	return &optionRun{options: options, firstLineIndex: firstIdx}
}

func hasPermissionKeyword(options []Option) bool {
	var all strings.Builder
	for _, o := range options {
		all.WriteString(strings.ToLower(o.Text))
		all.WriteByte(' ')
	}
	text := all.String()
	for _, kw := range permissionKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// reconstructPlaceholders prepends synthetic options for any numbers
// below the lowest observed option, since the terminal buffer may have
// scrolled the earliest options out of view.
func reconstructPlaceholders(options []Option) []Option {
	if len(options) == 0 {
		return options
	}
	lowest := options[0].Number
	if lowest <= 1 {
		return options
	}
	var placeholders []Option
	for n := 1; n < lowest; n++ {
		placeholders = append(placeholders, Option{Number: n, Text: placeholderMarker, Placeholder: true})
	}
	return append(placeholders, options...)
}

// findQuestion searches up to maxQuestionLookback lines above
// firstOptionIdx for a line that reads like the question introducing the
// options.
func findQuestion(lines []string, firstOptionIdx int) string {
	start := firstOptionIdx - 1
	limit := firstOptionIdx - maxQuestionLookback
	if limit < 0 {
		limit = 0
	}
	for i := start; i >= limit; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "?") || containsQuestionKeyword(line) {
			return line
		}
	}
	return ""
}

func containsQuestionKeyword(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range questionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
