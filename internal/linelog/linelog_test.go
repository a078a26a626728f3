package linelog

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	in := "\x1b[31mRed text\x1b[0m"
	got := StripANSI(in)
	if got != "Red text" {
		t.Fatalf("StripANSI(%q) = %q, want %q", in, got, "Red text")
	}
}

func TestAddDataBasicLines(t *testing.T) {
	l := New(10)
	l.AddData([]byte("hello\nworld\n"))
	got := l.GetAllLines()
	want := []string{"hello", "world"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("GetAllLines() = %v, want %v", got, want)
	}
}

func TestAddDataBuffersPartialLine(t *testing.T) {
	l := New(10)
	l.AddData([]byte("hel"))
	if len(l.GetAllLines()) != 0 {
		t.Fatalf("expected no complete lines yet, got %v", l.GetAllLines())
	}
	l.AddData([]byte("lo\n"))
	got := l.GetAllLines()
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected reassembled partial line, got %v", got)
	}
}

func TestAddDataStripsCursorPrefixAndBoxDrawing(t *testing.T) {
	l := New(10)
	l.AddData([]byte("❯ option one\n"))
	l.AddData([]byte("│ boxed │\n"))
	got := l.GetAllLines()
	if got[0] != "option one" {
		t.Fatalf("expected cursor prefix stripped, got %q", got[0])
	}
	if strings.ContainsAny(got[1], "│") {
		t.Fatalf("expected box drawing chars stripped, got %q", got[1])
	}
}

func TestAddDataFiltersNoisePatterns(t *testing.T) {
	l := New(10)
	l.AddData([]byte("Pondering (12s · thinking)\n"))
	l.AddData([]byte("1.7k tokens used\n"))
	l.AddData([]byte("a real line\n"))
	got := l.GetAllLines()
	if len(got) != 1 || got[0] != "a real line" {
		t.Fatalf("expected noise filtered out, got %v", got)
	}
}

func TestFIFOCap(t *testing.T) {
	l := New(3)
	for _, s := range []string{"one\n", "two\n", "three\n", "four\n"} {
		l.AddData([]byte(s))
	}
	got := l.GetAllLines()
	want := []string{"two", "three", "four"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GetAllLines() = %v, want %v", got, want)
		}
	}
}

func TestGetLastN(t *testing.T) {
	l := New(10)
	for _, s := range []string{"a\n", "b\n", "c\n"} {
		l.AddData([]byte(s))
	}
	got := l.GetLastN(2)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("GetLastN(2) = %v", got)
	}
	if got := l.GetLastN(0); got != nil {
		t.Fatalf("GetLastN(0) = %v, want nil", got)
	}
	if got := l.GetLastN(100); len(got) != 3 {
		t.Fatalf("GetLastN(100) = %v, want all 3 lines", got)
	}
}

func TestSessionChangeStickyFlag(t *testing.T) {
	l := New(10)
	l.AddData([]byte("/compact\n"))

	if !l.AcknowledgeSessionChange() {
		t.Fatal("expected session change pending after /compact")
	}
	if l.AcknowledgeSessionChange() {
		t.Fatal("expected session change flag cleared after acknowledge")
	}

	l.AddData([]byte("/RESUME now\n"))
	if !l.AcknowledgeSessionChange() {
		t.Fatal("expected /resume to be detected case-insensitively")
	}
}

func TestSessionChangeMustStartLine(t *testing.T) {
	l := New(10)
	l.AddData([]byte("see /compact for details\n"))
	if l.AcknowledgeSessionChange() {
		t.Fatal("expected /compact mid-line not to trigger session change")
	}
}

func TestSaveToFile(t *testing.T) {
	l := New(10)
	l.AddData([]byte("one\ntwo\n"))

	path := filepath.Join(t.TempDir(), "nested", "lines.txt")
	if err := l.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
}

func TestInvalidUTF8Replaced(t *testing.T) {
	l := New(10)
	l.AddData([]byte{0xff, 0xfe, 'o', 'k', '\n'})
	got := l.GetAllLines()
	if len(got) != 1 {
		t.Fatalf("expected one line, got %v", got)
	}
}

func TestReadLinesRoundTripsSaveToFile(t *testing.T) {
	l := New(10)
	l.AddData([]byte("1. Yes\n2. No, and tell Claude what to do differently\n"))

	path := filepath.Join(t.TempDir(), "lines.txt")
	if err := l.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	got, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	want := []string{"1. Yes", "2. No, and tell Claude what to do differently"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReadLinesMissingFileReturnsNil(t *testing.T) {
	got, err := ReadLines(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing file, got %v", got)
	}
}
