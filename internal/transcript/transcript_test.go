package transcript

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTranscript(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	p := NewParser(filepath.Join(t.TempDir(), "nope.jsonl"))
	ok, err := p.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("expected Load to report missing file")
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	path := writeTranscript(t, []string{
		`{"type":"user","timestamp":"t1","message":{"content":[{"type":"text","text":"hello"}]}}`,
		`not json at all`,
		`{"type":"assistant","timestamp":"t2","message":{"content":[{"type":"text","text":"hi there"}]}}`,
	})
	p := NewParser(path)
	ok, err := p.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	msgs := p.GetLastNMessages(5)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(msgs), msgs)
	}
}

func TestGetLastNMessagesClampsAndOrdersChronologically(t *testing.T) {
	path := writeTranscript(t, []string{
		`{"type":"user","message":{"content":[{"type":"text","text":"one"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}`,
		`{"type":"user","message":{"content":[{"type":"text","text":"three"}]}}`,
		`{"type":"tool_result","message":{"content":[]}}`,
	})
	p := NewParser(path)
	if _, err := p.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	msgs := p.GetLastNMessages(2)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %+v", msgs)
	}
	if msgs[0].Text != "two" || msgs[1].Text != "three" {
		t.Fatalf("expected chronological [two, three], got %+v", msgs)
	}

	all := p.GetLastNMessages(0) // clamps to 1
	if len(all) != 1 || all[0].Text != "three" {
		t.Fatalf("expected clamp to last 1 message, got %+v", all)
	}
}

func TestConstructPath(t *testing.T) {
	got := ConstructPath("/home/user", "abc-123", "/home/user/projects/widgets")
	want := "/home/user/.claude/projects/-home-user-projects-widgets/abc-123.jsonl"
	if got != want {
		t.Fatalf("ConstructPath() = %q, want %q", got, want)
	}
}
