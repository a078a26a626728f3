package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExtractSessionID(t *testing.T) {
	cases := map[string]string{
		"claude_output_abc12345.txt":                                  "abc12345",
		"claude_output_e537eb3d-1234-5678-abcd-ef1234567890.txt":       "e537eb3d-1234-5678-abcd-ef1234567890",
		"debug.log":                                                   "",
		"claude_lines_abc12345.txt":                                   "",
	}
	for name, want := range cases {
		if got := ExtractSessionID(name); got != want {
			t.Errorf("ExtractSessionID(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestFindActiveSessionMissingDir(t *testing.T) {
	sid, err := FindActiveSession(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("FindActiveSession: %v", err)
	}
	if sid != "" {
		t.Fatalf("expected empty session id, got %q", sid)
	}
}

func TestFindActiveSessionPicksMostRecent(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, mtime time.Time) {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}

	now := time.Now()
	write("claude_output_older.txt", now.Add(-time.Hour))
	write("claude_output_newer.txt", now)
	write("unrelated.txt", now.Add(time.Hour))

	sid, err := FindActiveSession(dir)
	if err != nil {
		t.Fatalf("FindActiveSession: %v", err)
	}
	if sid != "newer" {
		t.Fatalf("expected newer, got %q", sid)
	}
}
