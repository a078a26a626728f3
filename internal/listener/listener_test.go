package listener

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registryclient"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registrysvc"
	"github.com/ehrlich-b/claude-slack-bridge/internal/store"
)

type fakeProvider struct {
	messages  map[string]*chatprovider.Message
	posted    []string
	reactions []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{messages: map[string]*chatprovider.Message{}}
}

func (f *fakeProvider) PostMessage(ctx context.Context, channelID, threadTS, text string, blocks []chatprovider.Block) (*chatprovider.Message, error) {
	f.posted = append(f.posted, text)
	msg := &chatprovider.Message{ChannelID: channelID, TS: "ts-posted", ThreadTS: threadTS, Text: text, Blocks: blocks}
	f.messages[channelID+"|"+msg.TS] = msg
	return msg, nil
}
func (f *fakeProvider) UpdateMessage(ctx context.Context, channelID, ts, text string, blocks []chatprovider.Block) error {
	return nil
}
func (f *fakeProvider) DeleteMessage(ctx context.Context, channelID, ts string) error { return nil }
func (f *fakeProvider) AddReaction(ctx context.Context, channelID, ts, name string) error {
	f.reactions = append(f.reactions, name)
	return nil
}
func (f *fakeProvider) GetMessage(ctx context.Context, channelID, ts string) (*chatprovider.Message, error) {
	return f.messages[channelID+"|"+ts], nil
}
func (f *fakeProvider) ListChannels(ctx context.Context) ([]chatprovider.Channel, error) {
	return nil, nil
}
func (f *fakeProvider) JoinChannel(ctx context.Context, channelID string) error { return nil }
func (f *fakeProvider) CreateChannel(ctx context.Context, name string) (*chatprovider.Channel, error) {
	return &chatprovider.Channel{ID: name}, nil
}
func (f *fakeProvider) Subscribe(ctx context.Context, handler func(chatprovider.Event)) error {
	return nil
}

func startTestRegistryClient(t *testing.T) *registryclient.Client {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sock := filepath.Join(t.TempDir(), "registry.sock")
	srv := &registrysvc.Server{SocketPath: sock, Store: st}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.ListenAndServe(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c := registryclient.New(sock)
		c.Timeout = 200 * time.Millisecond
		if resp, err := c.List(""); err == nil && resp != nil {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("registry did not become ready")
	return nil
}

func newTestListener(t *testing.T) (*Listener, *fakeProvider) {
	t.Helper()
	p := newFakeProvider()
	l := New()
	l.Provider = p
	l.RegistryClient = startTestRegistryClient(t)
	l.ResponseDir = t.TempDir()
	l.AskUserDir = t.TempDir()
	return l, p
}

func TestSocketForThreadReturnsRegisteredSocket(t *testing.T) {
	l, _ := newTestListener(t)

	resp, err := l.RegistryClient.Register(map[string]any{
		"session_id":  "abcd1234",
		"project":     "widgets",
		"socket_path": "/tmp/abcd1234.sock",
	})
	if err != nil || !resp.Success {
		t.Fatalf("register: err=%v resp=%+v", err, resp)
	}
	if err := setThreadTS(l, "abcd1234", "1234.5678"); err != nil {
		t.Fatalf("set thread: %v", err)
	}

	path, ok := l.socketForThread("1234.5678")
	if !ok {
		t.Fatal("expected to find a socket for the thread")
	}
	if path != "/tmp/abcd1234.sock" {
		t.Fatalf("socket path = %q", path)
	}
}

// setThreadTS uses UPDATE to add thread metadata after the fact, since
// Register alone has no chat provider to post with in this bare test
// registry.
func setThreadTS(l *Listener, sessionID, threadTS string) error {
	resp, err := l.RegistryClient.Update(sessionID, map[string]any{"thread_ts": threadTS})
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	return nil
}

func TestSocketForThreadMissingReturnsFalse(t *testing.T) {
	l, _ := newTestListener(t)
	if _, ok := l.socketForThread("no-such-thread"); ok {
		t.Fatal("expected no socket for an unknown thread")
	}
}

func TestSendToSocketDeliversOverUnixSocket(t *testing.T) {
	l, _ := newTestListener(t)
	sockPath := filepath.Join(t.TempDir(), "wrapper.sock")

	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 128)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	if ok := l.sendToSocket(sockPath, "y"); !ok {
		t.Fatal("expected send to succeed")
	}
	select {
	case got := <-received:
		if got != "y\n" {
			t.Fatalf("received = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket delivery")
	}
}

// TestSendResponseSkipsStaleCustomChannelSocket covers spec.md §8
// scenario 6 ("Stale socket isolation"): a custom_channel session whose
// wrapper process is gone leaves behind a registry row naming a socket
// file that no longer exists. A top-level channel message must not be
// handed to that dead socket (which would silently vanish) — it has to
// fall through to the next routing priority instead.
func TestSendResponseSkipsStaleCustomChannelSocket(t *testing.T) {
	l, _ := newTestListener(t)

	resp, err := l.RegistryClient.RegisterExisting(map[string]any{
		"session_id":     "deadsock1",
		"project":        "widgets",
		"socket_path":    filepath.Join(t.TempDir(), "gone.sock"), // never created
		"channel_id":     "C-channel",
		"custom_channel": true,
	})
	if err != nil || !resp.Success {
		t.Fatalf("register: err=%v resp=%+v", err, resp)
	}

	if _, ok := l.socketForChannel("C-channel"); ok {
		t.Fatal("expected stale socket to be skipped")
	}

	mode := l.sendResponse(context.Background(), "hello", "", "C-channel")
	if mode != "file" {
		t.Fatalf("mode = %q, want fallthrough to file drop", mode)
	}
	os.Remove(legacyResponseFile)
}

// TestSendResponseRoutesTopLevelChannelMessageToCustomChannelSession
// covers the live half of the same scenario: a custom_channel session
// with its control socket actually up receives a top-level channel
// message with no thread_ts at all, via routing-priority step 2.
func TestSendResponseRoutesTopLevelChannelMessageToCustomChannelSession(t *testing.T) {
	l, _ := newTestListener(t)
	sockPath := filepath.Join(t.TempDir(), "wrapper.sock")
	addr, _ := net.ResolveUnixAddr("unix", sockPath)
	ln, _ := net.ListenUnix("unix", addr)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 128)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	resp, err := l.RegistryClient.RegisterExisting(map[string]any{
		"session_id":     "livesock1",
		"project":        "widgets",
		"socket_path":    sockPath,
		"channel_id":     "C-channel-2",
		"custom_channel": true,
	})
	if err != nil || !resp.Success {
		t.Fatalf("register: err=%v resp=%+v", err, resp)
	}

	mode := l.sendResponse(context.Background(), "/do the thing", "", "C-channel-2")
	if mode != "registry_socket" {
		t.Fatalf("mode = %q, want registry_socket", mode)
	}
	select {
	case got := <-received:
		if got != "/do the thing\n" {
			t.Fatalf("received = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket delivery")
	}
}

func TestSendToSocketFallsBackAfterRetries(t *testing.T) {
	l, _ := newTestListener(t)
	missing := filepath.Join(t.TempDir(), "nobody-listening.sock")
	if ok := l.sendToSocket(missing, "y"); ok {
		t.Fatal("expected send to a nonexistent socket to fail")
	}
}

func TestHandlePermissionReactionMapsEmojiToNumberAndSends(t *testing.T) {
	l, p := newTestListener(t)
	sockPath := filepath.Join(t.TempDir(), "wrapper.sock")
	addr, _ := net.ResolveUnixAddr("unix", sockPath)
	ln, _ := net.ListenUnix("unix", addr)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 128)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	resp, err := l.RegistryClient.Register(map[string]any{
		"session_id":  "feedbeef",
		"project":     "widgets",
		"socket_path": sockPath,
	})
	if err != nil || !resp.Success {
		t.Fatalf("register: err=%v resp=%+v", err, resp)
	}
	if err := setThreadTS(l, "feedbeef", "9999.0001"); err != nil {
		t.Fatalf("set thread: %v", err)
	}

	msg, _ := p.PostMessage(context.Background(), "C1", "9999.0001", "prompt", []chatprovider.Block{
		{Kind: chatprovider.BlockText, ID: permissionBlockPrefix + "req-1", Text: "Allow Bash(ls)?"},
	})
	p.messages["C1|ts-permission"] = msg

	ev := chatprovider.Event{Kind: chatprovider.EventReaction, ChannelID: "C1", ReactionTS: "ts-permission", ReactionName: "white_check_mark"}
	l.handleReaction(context.Background(), ev)

	select {
	case got := <-received:
		if got != "1\n" {
			t.Fatalf("received = %q, want \"1\\n\"", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket delivery")
	}
}

func TestHandleAskUserReactionWritesResponseFile(t *testing.T) {
	l, p := newTestListener(t)
	msg, _ := p.PostMessage(context.Background(), "C1", "", "question", []chatprovider.Block{
		{Kind: chatprovider.BlockText, ID: askUserBlockPrefix + "Q0_sess123_req456", Text: "Which approach?"},
	})
	p.messages["C1|ts-askuser"] = msg

	ev := chatprovider.Event{Kind: chatprovider.EventReaction, ChannelID: "C1", ReactionTS: "ts-askuser", ReactionName: "two"}
	l.handleReaction(context.Background(), ev)

	path := filepath.Join(l.AskUserDir, "sess123_req456.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected response file written at a predictable path, stat err: %v (listing dir)", err)
	}
}

func TestHandleButtonClickSendsResponseNumber(t *testing.T) {
	l, _ := newTestListener(t)
	sockPath := filepath.Join(t.TempDir(), "wrapper.sock")
	addr, _ := net.ResolveUnixAddr("unix", sockPath)
	ln, _ := net.ListenUnix("unix", addr)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 128)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	resp, err := l.RegistryClient.Register(map[string]any{
		"session_id":  "buttonabc",
		"project":     "widgets",
		"socket_path": sockPath,
	})
	if err != nil || !resp.Success {
		t.Fatalf("register: err=%v resp=%+v", err, resp)
	}
	if err := setThreadTS(l, "buttonabc", "5555.1111"); err != nil {
		t.Fatalf("set thread: %v", err)
	}

	ev := chatprovider.Event{Kind: chatprovider.EventButtonClick, ThreadTS: "5555.1111", ActionID: "permission_response_2"}
	l.handleButtonClick(context.Background(), ev)

	select {
	case got := <-received:
		if got != "2\n" {
			t.Fatalf("received = %q, want \"2\\n\"", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket delivery")
	}
}

// TestHandleButtonClickWithoutThreadFallsBackToMessageTS mirrors
// slack_listener.py's handle_permission_button: a button click on a
// non-threaded message (e.g. posted top-level to a dedicated
// permissions channel) routes using the message's own ts as the
// thread key, exactly like a reaction would.
func TestHandleButtonClickWithoutThreadFallsBackToMessageTS(t *testing.T) {
	l, _ := newTestListener(t)
	sockPath := filepath.Join(t.TempDir(), "wrapper.sock")
	addr, _ := net.ResolveUnixAddr("unix", sockPath)
	ln, _ := net.ListenUnix("unix", addr)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 128)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	resp, err := l.RegistryClient.Register(map[string]any{
		"session_id":  "sess789",
		"project":     "widgets",
		"socket_path": sockPath,
	})
	if err != nil || !resp.Success {
		t.Fatalf("register: err=%v resp=%+v", err, resp)
	}
	if err := setThreadTS(l, "sess789", "ts-permission-chan"); err != nil {
		t.Fatalf("set thread: %v", err)
	}

	ev := chatprovider.Event{
		Kind:      chatprovider.EventButtonClick,
		ChannelID: "C1",
		MessageTS: "ts-permission-chan",
		ActionID:  "permission_response_3",
	}
	l.handleButtonClick(context.Background(), ev)

	select {
	case got := <-received:
		if got != "3\n" {
			t.Fatalf("received = %q, want \"3\\n\"", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket delivery")
	}
}

func TestHandleButtonClickWithNoThreadOrMessageTSIsNoop(t *testing.T) {
	l, _ := newTestListener(t)
	ev := chatprovider.Event{Kind: chatprovider.EventButtonClick, ActionID: "permission_response_1"}
	l.handleButtonClick(context.Background(), ev) // must not panic or block
}

// TestHandleButtonClickWithUnresolvableThreadWritesPermissionResponseFile
// covers the dedicated-permissions-channel case: the message's ts
// resolves to no registered session thread at all, so the only way to
// deliver the decision is the response file addressed by the session id
// minted into the clicked message's block id.
func TestHandleButtonClickWithUnresolvableThreadWritesPermissionResponseFile(t *testing.T) {
	l, p := newTestListener(t)

	msg, _ := p.PostMessage(context.Background(), "C1", "", "prompt", []chatprovider.Block{
		{Kind: chatprovider.BlockText, ID: permissionBlockPrefix + "sess789:req321", Text: "Allow Write(foo.go)?"},
		{Kind: chatprovider.BlockButtons, Buttons: []chatprovider.Button{
			{Label: "1. Yes", Value: "1", ActionID: "permission_response_1"},
			{Label: "2. Yes, always", Value: "2", ActionID: "permission_response_2"},
			{Label: "3. No", Value: "3", ActionID: "permission_response_3"},
		}},
	})
	p.messages["C1|ts-permission-chan"] = msg

	ev := chatprovider.Event{
		Kind:      chatprovider.EventButtonClick,
		ChannelID: "C1",
		MessageTS: "ts-permission-chan",
		ActionID:  "permission_response_2",
	}
	l.handleButtonClick(context.Background(), ev)

	path := filepath.Join(l.ResponseDir, "sess789_sess789:req321.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected permission response file at %s, stat err: %v", path, err)
	}
	if !strings.Contains(string(data), `"allow_always"`) {
		t.Fatalf("response file = %s, want decision allow_always", data)
	}
}

func TestParsePermissionBlockID(t *testing.T) {
	requestID, ok := parsePermissionBlockID("permission_sess123:req456")
	if !ok || requestID != "sess123:req456" {
		t.Fatalf("got request=%q ok=%v", requestID, ok)
	}
	if _, ok := parsePermissionBlockID("askuser_Q0_x_y"); ok {
		t.Fatal("expected non-permission block id to fail parse")
	}
}

func TestRequestIDSessionID(t *testing.T) {
	sessionID, ok := requestIDSessionID("sess123:req456")
	if !ok || sessionID != "sess123" {
		t.Fatalf("got session=%q ok=%v", sessionID, ok)
	}
	if _, ok := requestIDSessionID("malformed"); ok {
		t.Fatal("expected malformed request id to fail parse")
	}
}

func TestDecisionFromNumber(t *testing.T) {
	threeButton := &chatprovider.Message{Blocks: []chatprovider.Block{
		{Kind: chatprovider.BlockButtons, Buttons: make([]chatprovider.Button, 3)},
	}}
	twoButton := &chatprovider.Message{Blocks: []chatprovider.Block{
		{Kind: chatprovider.BlockButtons, Buttons: make([]chatprovider.Button, 2)},
	}}
	cases := []struct {
		msg    *chatprovider.Message
		number string
		want   string
	}{
		{threeButton, "1", "allow"},
		{threeButton, "2", "allow_always"},
		{threeButton, "3", "deny"},
		{twoButton, "1", "allow"},
		{twoButton, "2", "deny"},
		{&chatprovider.Message{}, "1", "allow"},
		{&chatprovider.Message{}, "9", "deny"},
	}
	for _, c := range cases {
		if got := decisionFromNumber(c.msg, c.number); got != c.want {
			t.Fatalf("decisionFromNumber(%q) = %q, want %q", c.number, got, c.want)
		}
	}
}

func TestParseAskUserBlockID(t *testing.T) {
	sessionID, requestID, idx, ok := parseAskUserBlockID("askuser_Q2_abc123_req789")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if sessionID != "abc123" || requestID != "req789" || idx != 2 {
		t.Fatalf("got session=%q request=%q idx=%d", sessionID, requestID, idx)
	}
}

func TestParseAskUserBlockIDRejectsOtherPrefixes(t *testing.T) {
	if _, _, _, ok := parseAskUserBlockID("permission_req123"); ok {
		t.Fatal("expected non-askuser block id to fail parse")
	}
}

func TestLooksLikeCommand(t *testing.T) {
	l := &Listener{}
	cases := map[string]bool{
		"/attach abc": true,
		"!stop":       true,
		"2":           true,
		"hello there": false,
		"":            false,
	}
	for text, want := range cases {
		if got := l.looksLikeCommand(text); got != want {
			t.Fatalf("looksLikeCommand(%q) = %v, want %v", text, got, want)
		}
	}
}
