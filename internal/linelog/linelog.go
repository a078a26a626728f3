// Package linelog maintains a bounded, cleaned view of a session's raw
// terminal output: ANSI codes stripped, terminal noise filtered, and
// capped at a fixed line count with FIFO eviction (spec §4.2).
package linelog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var ansiPattern = regexp.MustCompile("\x1b(?:[@-Z\\\\-_]|\\[[0-?]*[ -/]*[@-~])")

// StripANSI removes ANSI escape sequences from text.
func StripANSI(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}

var cursorPrefixPattern = regexp.MustCompile(`^[❯>]+\s*`)
var boxDrawingPattern = regexp.MustCompile(`[─│┌┐└┘├┤┬┴┼═║╔╗╚╝╠╣╦╩╬]`)

// defaultSkipPatterns matches common interactive-agent terminal noise:
// spinner frames, title-bar escape remnants, status words, token
// counters, and bare box-drawing lines.
var defaultSkipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[*+.·•○●◦◉◎⊙⊚⊛⊜⊝]+$`),
	regexp.MustCompile(`^0;`),
	regexp.MustCompile(`(Vibing|Prestidigitating|Julienning|Pondering|Conjuring)`),
	regexp.MustCompile(`thinking\)$`),
	regexp.MustCompile(`^\d+\.?\d*k? tokens`),
	regexp.MustCompile(`^(Checking|Working|Loading|Waiting)`),
	regexp.MustCompile(`^[─│┌┐└┘├┤┬┴┼═║╔╗╚╝╠╣╦╩╬]+$`),
}

// sessionChangePatterns matches commands that restart the agent's
// context (spec §4.2 "session change detection"), checked
// case-insensitively and only against the start of a line.
var sessionChangePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^/compact\b`),
	regexp.MustCompile(`(?i)^/resume\b`),
}

var lineSplitPattern = regexp.MustCompile(`[\r\n]+`)

const DefaultMaxLines = 500

// Logger is a thread-safe bounded FIFO of cleaned terminal lines.
type Logger struct {
	mu            sync.Mutex
	maxLines      int
	lines         []string
	partialLine   string
	skipPatterns  []*regexp.Regexp
	sessionChange bool
}

// New returns a Logger retaining at most maxLines lines. A maxLines of 0
// selects DefaultMaxLines.
func New(maxLines int) *Logger {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Logger{
		maxLines:     maxLines,
		skipPatterns: defaultSkipPatterns,
	}
}

func cleanLine(line string) string {
	clean := cursorPrefixPattern.ReplaceAllString(line, "")
	clean = boxDrawingPattern.ReplaceAllString(clean, "")
	return strings.TrimSpace(clean)
}

func (l *Logger) shouldSkip(line string) bool {
	for _, p := range l.skipPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func checkSessionChange(line string) bool {
	for _, p := range sessionChangePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// AddData feeds raw terminal bytes in, extracting and storing cleaned
// lines. A trailing partial line (no terminating newline) is buffered
// until a later call completes it.
func (l *Logger) AddData(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	text := l.partialLine + strings.ToValidUTF8(string(data), "�")
	if text == "" {
		return
	}

	parts := lineSplitPattern.Split(text, -1)

	var complete []string
	if last := text[len(text)-1]; last == '\r' || last == '\n' {
		l.partialLine = ""
		complete = parts
	} else {
		l.partialLine = parts[len(parts)-1]
		complete = parts[:len(parts)-1]
	}

	for _, raw := range complete {
		clean := cleanLine(StripANSI(raw))
		if clean == "" {
			continue
		}
		if checkSessionChange(clean) {
			l.sessionChange = true
		}
		if l.shouldSkip(clean) {
			continue
		}
		l.append(clean)
	}
}

func (l *Logger) append(line string) {
	l.lines = append(l.lines, line)
	if len(l.lines) > l.maxLines {
		l.lines = l.lines[len(l.lines)-l.maxLines:]
	}
}

// AcknowledgeSessionChange clears the pending session-change flag and
// returns whether one was pending.
func (l *Logger) AcknowledgeSessionChange() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	was := l.sessionChange
	l.sessionChange = false
	return was
}

// ResetSessionChangePending re-raises the pending flag. The caller
// acknowledges the flag before it knows whether the new buffer file is
// actually visible yet or the registry round-trip that follows will
// succeed; any of those still-pending cases must re-arm the flag so the
// next AddData call's acknowledgement retries the handoff instead of
// losing it.
func (l *Logger) ResetSessionChangePending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionChange = true
}

// GetLastN returns up to the last n lines, oldest first.
func (l *Logger) GetLastN(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(l.lines) {
		n = len(l.lines)
	}
	out := make([]string, n)
	copy(out, l.lines[len(l.lines)-n:])
	return out
}

// GetAllLines returns every line currently retained, oldest first.
func (l *Logger) GetAllLines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// SaveToFile writes every retained line to path, one per line, prefixed
// with its index right-aligned in a space-padded 4-wide field, creating parent directories as
// needed.
func (l *Logger) SaveToFile(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	for i, line := range l.lines {
		if _, err := fmt.Fprintf(f, "%4d: %s\n", i, line); err != nil {
			return fmt.Errorf("write line %d: %w", i, err)
		}
	}
	return nil
}

// ReadLines reads a file written by SaveToFile back into an
// oldest-first slice of lines, stripping the "NNNN: " index prefix —
// the hooks' side of the wrapper's line log, since a hook is a
// separate process with no access to the wrapper's in-memory Logger.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, stripIndexPrefix(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return lines, nil
}

func stripIndexPrefix(raw string) string {
	idx := strings.Index(raw, ": ")
	if idx < 0 || idx > 6 {
		return raw
	}
	if _, err := strconv.Atoi(strings.TrimSpace(raw[:idx])); err != nil {
		return raw
	}
	return raw[idx+2:]
}
