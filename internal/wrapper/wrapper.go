// Package wrapper owns a single PTY-spawned agent process: the user's
// terminal proxy, the control socket the Listener injects remote input
// through, and the on-disk buffer/line-log files hooks and session
// discovery read (spec.md §4.2).
package wrapper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/ehrlich-b/claude-slack-bridge/internal/discovery"
	"github.com/ehrlich-b/claude-slack-bridge/internal/linelog"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registryclient"
)

const (
	maxControlPayload = 64 * 1024
	bufferFlushEvery  = 1 * time.Second
)

// Config is everything a Wrapper needs to spawn and publish one session.
type Config struct {
	SessionID  string
	Project    string
	ProjectDir string
	Command    string
	Args       []string

	SocketPath   string
	BufferPath   string
	MetaPath     string
	LinesPath    string
	LogDir       string // shared directory session discovery watches for claude_output_*.txt
	RegistrySock string
}

// Wrapper owns one PTY, its control socket, and the derived on-disk
// artifacts for a single agent session.
type Wrapper struct {
	cfg    Config
	client *registryclient.Client
	log    *slog.Logger

	ptmx *os.File
	cmd  *exec.Cmd

	lines *linelog.Logger

	mu         sync.Mutex
	bufferFile *os.File

	watcher *discovery.Watcher
	ln      *net.UnixListener
}

// New prepares a Wrapper without starting the child process.
func New(cfg Config) *Wrapper {
	return &Wrapper{
		cfg:    cfg,
		client: registryclient.New(cfg.RegistrySock),
		log:    logger.With("wrapper"),
		lines:  linelog.New(linelog.DefaultMaxLines),
	}
}

// Run spawns the agent under a PTY, registers with the Registry, and
// blocks proxying terminal I/O until the child exits or ctx is
// canceled.
func (w *Wrapper) Run(ctx context.Context) error {
	if err := w.spawn(); err != nil {
		return fmt.Errorf("spawn pty: %w", err)
	}
	defer w.ptmx.Close()

	if err := w.register(); err != nil {
		w.log.Warn("registry registration failed, continuing unregistered", "err", err)
	}

	watcher, err := discovery.NewWatcher(w.cfg.LogDir)
	if err != nil {
		w.log.Warn("session discovery watcher failed to start", "err", err)
	}
	w.watcher = watcher
	if watcher != nil {
		go watcher.Run(ctx)
	}

	if err := w.listenControlSocket(); err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer func() {
		w.ln.Close()
		os.Remove(w.cfg.SocketPath)
	}()
	go w.acceptControlConns(ctx)

	restore := w.enterRawMode()
	defer restore()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	go w.watchResize(ctx, winch)

	go io.Copy(ptyWriter{w}, os.Stdin)

	done := make(chan struct{})
	go func() {
		w.readPTYLoop()
		close(done)
	}()

	go w.flushBufferPeriodically(ctx)

	select {
	case <-ctx.Done():
		w.terminate()
		<-done
	case <-done:
	}

	status := "ended"
	if w.cmd.ProcessState != nil && !w.cmd.ProcessState.Success() {
		status = "crashed"
	}
	w.client.Unregister(w.cfg.SessionID)
	w.log.Info("session finished", "session_id", w.cfg.SessionID, "status", status)
	return nil
}

func (w *Wrapper) spawn() error {
	cols, rows := 80, 24
	if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
		cols, rows = int(ws.Cols), int(ws.Rows)
	}

	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	if w.cfg.ProjectDir != "" {
		cmd.Dir = w.cfg.ProjectDir
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return err
	}
	w.ptmx = ptmx
	w.cmd = cmd
	return nil
}

func (w *Wrapper) terminate() {
	if w.cmd != nil && w.cmd.Process != nil {
		w.cmd.Process.Signal(unix.SIGTERM)
	}
}

func (w *Wrapper) enterRawMode() func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		w.log.Warn("failed to enter raw terminal mode", "err", err)
		return func() {}
	}
	return func() { term.Restore(fd, old) }
}

func (w *Wrapper) watchResize(ctx context.Context, winch <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-winch:
			if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
				pty.Setsize(w.ptmx, ws)
			}
		}
	}
}

// ptyWriter adapts Wrapper.ptmx into an io.Writer for io.Copy from
// stdin — the local half of the terminal proxy (spec.md §4.2
// "Proxy the user's terminal to/from the PTY").
type ptyWriter struct{ w *Wrapper }

func (p ptyWriter) Write(b []byte) (int, error) { return p.w.ptmx.Write(b) }

func (w *Wrapper) readPTYLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := w.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			os.Stdout.Write(chunk)
			w.publish(chunk)
		}
		if err != nil {
			return
		}
	}
}

// publish fans PTY output out to the line log, the raw buffer file,
// and (if a session change was just detected) the self-healing
// re-registration path.
func (w *Wrapper) publish(chunk []byte) {
	w.lines.AddData(chunk)
	w.appendBuffer(chunk)

	if w.lines.AcknowledgeSessionChange() {
		go w.handleSessionChange()
	}
}

func (w *Wrapper) appendBuffer(chunk []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bufferFile == nil {
		if err := os.MkdirAll(filepath.Dir(w.cfg.BufferPath), 0o755); err != nil {
			w.log.Warn("mkdir buffer dir failed", "err", err)
			return
		}
		f, err := os.OpenFile(w.cfg.BufferPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.log.Warn("open buffer file failed", "err", err)
			return
		}
		w.bufferFile = f
	}
	w.bufferFile.Write(chunk)
}

func (w *Wrapper) flushBufferPeriodically(ctx context.Context) {
	ticker := time.NewTicker(bufferFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.lines.SaveToFile(w.cfg.LinesPath)
			os.WriteFile(w.cfg.MetaPath, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
		}
	}
}

// handleSessionChange implements spec.md §4.2's four-step
// session-change handling: discover the new buffer file, resolve the
// previous session's chat metadata, and REGISTER_EXISTING the new
// agent session id against it so remote users keep seeing the same
// thread across compact/resume.
func (w *Wrapper) handleSessionChange() {
	if w.watcher == nil {
		return
	}
	newID := w.watcher.Latest()
	if newID == "" || newID == w.cfg.SessionID {
		// Discovery hasn't observed the new buffer file yet. publish()
		// already acknowledged (cleared) the pending flag before calling
		// here, so re-raise it now or the next AddData call's
		// acknowledgement has nothing to retry on.
		w.lines.ResetSessionChangePending()
		return
	}

	resp, err := w.client.GetBySessionID(w.cfg.SessionID)
	if err != nil || !resp.Success {
		w.log.Warn("session-change: could not look up previous session", "err", err)
		w.lines.ResetSessionChangePending()
		return
	}

	reg := map[string]any{
		"session_id":             newID,
		"project":                resp.Data["project"],
		"project_dir":            resp.Data["project_dir"],
		"channel_id":             resp.Data["channel_id"],
		"thread_ts":              resp.Data["thread_ts"],
		"permissions_channel_id": resp.Data["permissions_channel_id"],
		"user_id":                resp.Data["user_id"],
		"reply_to_ts":            resp.Data["reply_to_ts"],
		"todo_message_ts":        resp.Data["todo_message_ts"],
		"permission_message_ts":  resp.Data["permission_message_ts"],
		"custom_channel":         resp.Data["custom_channel"],
	}
	if _, err := w.client.RegisterExisting(reg); err != nil {
		w.log.Warn("session-change: register-existing failed", "err", err)
		w.lines.ResetSessionChangePending()
		return
	}

	w.log.Info("session changed", "old", w.cfg.SessionID, "new", newID)
	w.cfg.SessionID = newID
}

func (w *Wrapper) register() error {
	resp, err := w.client.Register(map[string]any{
		"session_id":  w.cfg.SessionID,
		"project":     w.cfg.Project,
		"project_dir": w.cfg.ProjectDir,
		"terminal":    ttyName(),
		"socket_path": w.cfg.SocketPath,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("registry rejected registration: %s", resp.Error)
	}
	return nil
}

func ttyName() string {
	if name, err := os.Readlink("/proc/self/fd/0"); err == nil {
		return name
	}
	return "unknown"
}

// listenControlSocket binds the per-session control socket, removing
// any stale socket file left by a crashed prior run.
func (w *Wrapper) listenControlSocket() error {
	if err := os.MkdirAll(filepath.Dir(w.cfg.SocketPath), 0o755); err != nil {
		return err
	}
	if err := os.Remove(w.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale control socket: %w", err)
	}
	addr, err := net.ResolveUnixAddr("unix", w.cfg.SocketPath)
	if err != nil {
		return err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return err
	}
	os.Chmod(w.cfg.SocketPath, 0o600)
	w.ln = ln
	return nil
}

// acceptControlConns runs the control socket's accept loop: each
// connection is read once, bounded, and written verbatim to the PTY —
// no response is ever sent (spec.md §4.2 "Control socket").
func (w *Wrapper) acceptControlConns(ctx context.Context) {
	for {
		w.ln.SetDeadline(time.Now().Add(time.Second))
		conn, err := w.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		go w.handleControlConn(conn)
	}
}

func (w *Wrapper) handleControlConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReaderSize(io.LimitReader(conn, maxControlPayload+1), 4096)
	payload, err := io.ReadAll(reader)
	if err != nil && len(payload) == 0 {
		return
	}
	if len(payload) > maxControlPayload {
		return
	}
	for len(payload) > 0 && (payload[len(payload)-1] == '\n' || payload[len(payload)-1] == '\r') {
		payload = payload[:len(payload)-1]
	}
	if w.ptmx != nil {
		w.ptmx.Write(payload)
	}
}
