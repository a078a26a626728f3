package wrapper

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/claude-slack-bridge/internal/discovery"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registryclient"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registrysvc"
	"github.com/ehrlich-b/claude-slack-bridge/internal/store"
)

func newTestWrapper(t *testing.T) *Wrapper {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		SessionID:    "abc12345",
		Project:      "widgets",
		SocketPath:   filepath.Join(dir, "abc12345.sock"),
		BufferPath:   filepath.Join(dir, "claude_output_abc12345.txt"),
		MetaPath:     filepath.Join(dir, "claude_output_abc12345.meta"),
		LinesPath:    filepath.Join(dir, "claude_lines_abc12345.txt"),
		LogDir:       dir,
		RegistrySock: filepath.Join(dir, "registry.sock"), // intentionally unreachable in these tests
	}
	return New(cfg)
}

func TestAppendBufferWritesRawBytes(t *testing.T) {
	w := newTestWrapper(t)
	w.appendBuffer([]byte("hello "))
	w.appendBuffer([]byte("world"))
	w.mu.Lock()
	w.bufferFile.Sync()
	w.mu.Unlock()

	got, err := os.ReadFile(w.cfg.BufferPath)
	if err != nil {
		t.Fatalf("read buffer: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("buffer contents = %q", got)
	}
}

func TestPublishFeedsLineLog(t *testing.T) {
	w := newTestWrapper(t)
	w.publish([]byte("line one\nline two\n"))
	lines := w.lines.GetAllLines()
	if len(lines) != 2 || lines[0] != "line one" || lines[1] != "line two" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestListenControlSocketRemovesStaleFileAndBinds(t *testing.T) {
	w := newTestWrapper(t)
	if err := os.WriteFile(w.cfg.SocketPath, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := w.listenControlSocket(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer w.ln.Close()

	info, err := os.Stat(w.cfg.SocketPath)
	if err != nil {
		t.Fatalf("expected socket file to exist: %v", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Fatal("expected a socket file, stale regular file was not replaced")
	}
}

func TestHandleControlConnWritesVerbatimToPTYStrippingTrailingNewline(t *testing.T) {
	w := newTestWrapper(t)
	r, wf, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w.ptmx = wf

	if err := w.listenControlSocket(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer w.ln.Close()
	defer os.Remove(w.cfg.SocketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.acceptControlConns(ctx)

	conn, err := net.DialTimeout("unix", w.cfg.SocketPath, time.Second)
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	conn.Write([]byte("y\n"))
	conn.Close()

	buf := make([]byte, 16)
	r.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read from pty: %v", err)
	}
	if string(buf[:n]) != "y" {
		t.Fatalf("expected trailing newline stripped, got %q", buf[:n])
	}
}

func TestTTYNameDoesNotPanic(t *testing.T) {
	if name := ttyName(); name == "" {
		t.Fatal("expected a non-empty terminal name or \"unknown\" fallback")
	}
}

// TestHandleSessionChangePreservesChatThread covers spec.md §8's
// "session change preserves chat thread" scenario end to end: a real
// Registry server backed by a real store, a wrapper row with chat
// metadata already attached, a discovery.Watcher that has observed a
// new (agent-minted) session id, and handleSessionChange's
// REGISTER_EXISTING call, all over the real Unix-socket RPC path.
func TestHandleSessionChangePreservesChatThread(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "registry.sock")

	st, err := store.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	srv := &registrysvc.Server{SocketPath: sockPath, Store: st}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	waitForSocket(t, sockPath)

	client := registryclient.New(sockPath)
	if resp, err := client.Register(map[string]any{
		"session_id":  "abc12345",
		"project":     "widgets",
		"project_dir": "/home/x/widgets",
		"terminal":    "/dev/pts/3",
		"socket_path": filepath.Join(dir, "abc12345.sock"),
	}); err != nil || !resp.Success {
		t.Fatalf("register wrapper row: %v %+v", err, resp)
	}
	if resp, err := client.Update("abc12345", map[string]any{
		"channel_id": "C1",
		"thread_ts":  "T1",
		"user_id":    "U1",
	}); err != nil || !resp.Success {
		t.Fatalf("seed chat metadata: %v %+v", err, resp)
	}

	// Seed a buffer file for the agent's uuid session so the discovery
	// watcher reports it as the latest, as it would once the agent's
	// own session-id banner appears in the PTY output.
	newID := "9f8e7d6c-0000-4000-8000-000000000000"
	if err := os.WriteFile(filepath.Join(dir, "claude_output_"+newID+".txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	watcher, err := discovery.NewWatcher(dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	w := New(Config{
		SessionID:    "abc12345",
		Project:      "widgets",
		ProjectDir:   "/home/x/widgets",
		SocketPath:   filepath.Join(dir, "abc12345.sock"),
		LogDir:       dir,
		RegistrySock: sockPath,
	})
	w.watcher = watcher

	w.handleSessionChange()

	if w.cfg.SessionID != newID {
		t.Fatalf("expected wrapper to adopt new session id, got %q", w.cfg.SessionID)
	}

	resp, err := client.GetBySessionID(newID)
	if err != nil || !resp.Success {
		t.Fatalf("get new session: %v %+v", err, resp)
	}
	if resp.Data["channel_id"] != "C1" || resp.Data["thread_ts"] != "T1" {
		t.Fatalf("expected new row to inherit chat thread, got %+v", resp.Data)
	}

	rows, err := st.GetByThread("T1")
	if err != nil {
		t.Fatalf("get by thread: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected both the wrapper row and the new uuid row to share the thread, got %d rows", len(rows))
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry socket %s never came up", path)
}
