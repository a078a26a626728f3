// Package listener is the single long-lived process that subscribes
// to the chat workspace's event stream, resolves each event's target
// session, and forwards the payload to that session's control socket
// (spec.md §4.3).
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
	"github.com/ehrlich-b/claude-slack-bridge/internal/dmmode"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registryclient"
	"github.com/ehrlich-b/claude-slack-bridge/internal/responsefile"
	"github.com/ehrlich-b/claude-slack-bridge/internal/ws"
)

// permissionBlockPrefix and askUserBlockPrefix discriminate which
// decoder a reacted-to or clicked message belongs to (spec.md §9
// "Dynamic dispatch on chat events").
const (
	permissionBlockPrefix = "permission_"
	askUserBlockPrefix    = "askuser_"
	legacyResponseFile    = "slack_response.txt"
)

// permissionEmojiToNumber maps a reaction emoji name to the numeric
// permission response it represents (spec.md Glossary "Emoji option
// map", extended with the permission-specific aliases from
// slack_listener.py's handle_reaction).
var permissionEmojiToNumber = map[string]string{
	"one": "1", "two": "2", "three": "3", "four": "4", "five": "5",
	"+1": "1", "thumbsup": "1",
	"-1": "3", "thumbsdown": "3",
	"white_check_mark": "1", "heavy_check_mark": "1",
	"x": "3",
}

// askUserEmojiToIndex maps a reaction emoji to a 0-based option index
// for the structured-question hook (spec.md Glossary).
var askUserEmojiToIndex = map[string]int{
	"one": 0, "two": 1, "three": 2, "four": 3,
}

// Listener owns the subscription loop and every event handler. It is
// its own OS process (spec.md §5 "Scheduling model") and talks to the
// Registry exclusively over its unix-socket RPC, never touching the
// database directly.
type Listener struct {
	Provider       chatprovider.Provider
	RegistryClient *registryclient.Client
	DM             *dmmode.Handler
	LegacySocket   string
	ResponseDir    string // permission response files
	AskUserDir     string // structured-question response files

	log *slog.Logger
}

func New() *Listener {
	return &Listener{log: logger.With("listener")}
}

// Run subscribes to the chat provider and blocks until ctx is
// canceled or the subscription fails fatally.
func (l *Listener) Run(ctx context.Context) error {
	if l.log == nil {
		l.log = logger.With("listener")
	}
	return l.Provider.Subscribe(ctx, func(ev chatprovider.Event) {
		l.dispatch(ctx, ev)
	})
}

func (l *Listener) dispatch(ctx context.Context, ev chatprovider.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic handling event", "kind", ev.Kind, "panic", r)
		}
	}()

	switch ev.Kind {
	case chatprovider.EventMessage, chatprovider.EventThreadReply:
		l.handleMessage(ctx, ev)
	case chatprovider.EventReaction:
		l.handleReaction(ctx, ev)
	case chatprovider.EventButtonClick:
		l.handleButtonClick(ctx, ev)
	}
}

// handleMessage covers both plain channel/DM messages and
// @mention/thread-reply forwarding (spec.md §4.3 "Channel/DM message").
func (l *Listener) handleMessage(ctx context.Context, ev chatprovider.Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	if ev.IsDM {
		if cmd := dmmode.Parse(text); cmd != nil {
			l.handleDMCommand(ctx, ev, cmd)
			return
		}
	}

	inThread := ev.ThreadTS != ""
	if !inThread && !l.looksLikeCommand(text) {
		return // ambient channel chatter, not addressed to the agent
	}

	mode := l.sendResponse(ctx, text, ev.ThreadTS, ev.ChannelID)

	l.Provider.AddReaction(ctx, ev.ChannelID, ev.TS, "white_check_mark")

	confirm := fmt.Sprintf("✅ %s Got it! Sent to Claude: `%s`", modeEmoji(mode), truncate(text, 100))
	l.Provider.PostMessage(ctx, ev.ChannelID, ev.ThreadTS, confirm, nil)
}

func (l *Listener) looksLikeCommand(text string) bool {
	if text == "" {
		return false
	}
	switch text[0] {
	case '/', '!':
		return true
	}
	return text[0] >= '0' && text[0] <= '9'
}

func (l *Listener) handleDMCommand(ctx context.Context, ev chatprovider.Event, cmd *dmmode.Command) {
	var result string
	var err error

	switch cmd.Name {
	case dmmode.CmdSessions:
		result, err = l.DM.ListSessions()
	case dmmode.CmdAttach:
		var r *dmmode.Result
		r, err = l.DM.Attach(ctx, ev.UserID, cmd.SessionID, ev.ChannelID, cmd.HistoryCount)
		if r != nil {
			result = r.Message
		}
	case dmmode.CmdDetach:
		var r *dmmode.Result
		r, err = l.DM.Detach(ev.UserID)
		if r != nil {
			result = r.Message
		}
	case dmmode.CmdMode:
		var r *dmmode.Result
		r, err = l.DM.HandleMode(ev.UserID, cmd.ModeAction, cmd.Mode)
		if r != nil {
			result = r.Message
		}
	case dmmode.CmdError:
		result = cmd.Message
	}

	if err != nil {
		l.log.Warn("dm command failed", "command", cmd.Name, "err", err)
		result = "Sorry, something went wrong handling that command."
	}
	if result != "" {
		l.Provider.PostMessage(ctx, ev.ChannelID, "", result, nil)
	}
}

// handleReaction implements spec.md §4.3's two reaction code paths,
// discriminated by the reacted-to message's block id prefix.
func (l *Listener) handleReaction(ctx context.Context, ev chatprovider.Event) {
	msg, err := l.Provider.GetMessage(ctx, ev.ChannelID, ev.ReactionTS)
	if err != nil || msg == nil {
		l.log.Warn("could not fetch reacted-to message", "err", err)
		return
	}

	blockID := firstBlockID(msg)
	switch {
	case strings.HasPrefix(blockID, askUserBlockPrefix):
		l.handleAskUserReaction(ctx, ev, blockID)
	case strings.HasPrefix(blockID, permissionBlockPrefix):
		l.handlePermissionReaction(ctx, ev, msg)
	default:
		l.handleLegacyPermissionReaction(ctx, ev)
	}
}

func firstBlockID(msg *chatprovider.Message) string {
	if len(msg.Blocks) == 0 {
		return ""
	}
	return msg.Blocks[0].ID
}

func (l *Listener) handleAskUserReaction(ctx context.Context, ev chatprovider.Event, blockID string) {
	idx, ok := askUserEmojiToIndex[ev.ReactionName]
	if !ok {
		return
	}
	sessionID, requestID, questionIndex, ok := parseAskUserBlockID(blockID)
	if !ok {
		return
	}
	path := responsefile.Path(l.AskUserDir, sessionID, requestID)
	if err := responsefile.Write(path, map[string]any{fmt.Sprintf("question_%d", questionIndex): idx}); err != nil {
		l.log.Warn("failed to write askuser response", "err", err)
		return
	}
	l.Provider.AddReaction(ctx, ev.ChannelID, ev.ReactionTS, "white_check_mark")
}

// parseAskUserBlockID splits "askuser_Q<i>_<session_id>_<request_id>".
func parseAskUserBlockID(blockID string) (sessionID, requestID string, questionIndex int, ok bool) {
	rest := strings.TrimPrefix(blockID, askUserBlockPrefix)
	if rest == blockID {
		return "", "", 0, false
	}
	parts := strings.SplitN(rest, "_", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "Q") {
		return "", "", 0, false
	}
	var idx int
	if _, err := fmt.Sscanf(parts[0], "Q%d", &idx); err != nil {
		return "", "", 0, false
	}
	return parts[1], parts[2], idx, true
}

func (l *Listener) handlePermissionReaction(ctx context.Context, ev chatprovider.Event, msg *chatprovider.Message) {
	number, ok := permissionEmojiToNumber[ev.ReactionName]
	if !ok {
		return
	}
	threadTS := msg.ThreadTS
	if threadTS == "" {
		threadTS = ev.ReactionTS
	}
	if threadTS != "" {
		if _, ok := l.socketForThread(threadTS); ok {
			l.sendResponse(ctx, number, threadTS, ev.ChannelID)
			l.Provider.AddReaction(ctx, ev.ChannelID, ev.ReactionTS, "white_check_mark")
			return
		}
	}
	l.writePermissionResponseFile(msg, number)
	l.Provider.AddReaction(ctx, ev.ChannelID, ev.ReactionTS, "white_check_mark")
}

func (l *Listener) handleLegacyPermissionReaction(ctx context.Context, ev chatprovider.Event) {
	number, ok := permissionEmojiToNumber[ev.ReactionName]
	if !ok {
		return
	}
	l.sendResponse(ctx, number, ev.ReactionTS, ev.ChannelID)
	l.Provider.AddReaction(ctx, ev.ChannelID, ev.ReactionTS, "white_check_mark")
}

// handleButtonClick handles permission_response_{1,2,3} interactive
// button actions (spec.md §4.3 "Button click", §6 action id/value
// shape). The interactive payload already carries the clicked
// message's thread_ts (or, for a non-threaded post, its own ts) on the
// event itself, so the common case never needs a message fetch; one is
// only made if that thread fails to resolve a socket, to read the
// clicked message's block id for the response-file fallback.
func (l *Listener) handleButtonClick(ctx context.Context, ev chatprovider.Event) {
	if !strings.HasPrefix(ev.ActionID, "permission_response_") {
		return
	}
	number := strings.TrimPrefix(ev.ActionID, "permission_response_")

	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.MessageTS
	}
	if threadTS != "" {
		if _, ok := l.socketForThread(threadTS); ok {
			l.sendResponse(ctx, number, threadTS, ev.ChannelID)
			return
		}
	}

	msg, err := l.Provider.GetMessage(ctx, ev.ChannelID, ev.MessageTS)
	if err != nil || msg == nil {
		l.log.Warn("could not fetch clicked message", "err", err)
		return
	}
	l.writePermissionResponseFile(msg, number)
}

// writePermissionResponseFile is the fallback used when no session
// thread can be resolved for a permission click/reaction — e.g. a
// message posted top-level into the dedicated permissions channel
// (spec.md §8 scenario 1 shows the threaded case never reaches this:
// "no response file is created" there). The only surviving handle in
// that case is the clicked/reacted message's block id
// (`permission_<request_id>`), so `cmd/hook-permission` mints
// `request_id` as `"<session_id>:<uuid>"` precisely so this path can
// recover the owning session and write the decision file spec.md §6
// documents as "written by Listener, read by hook".
func (l *Listener) writePermissionResponseFile(msg *chatprovider.Message, number string) {
	requestID, ok := parsePermissionBlockID(firstBlockID(msg))
	if !ok {
		return
	}
	sessionID, ok := requestIDSessionID(requestID)
	if !ok {
		return
	}
	path := responsefile.Path(l.ResponseDir, sessionID, requestID)
	fields := map[string]any{"decision": decisionFromNumber(msg, number)}
	if err := responsefile.Write(path, fields); err != nil {
		l.log.Warn("failed to write permission response file", "err", err)
	}
}

// parsePermissionBlockID strips the "permission_" prefix, returning the
// request id it carries.
func parsePermissionBlockID(blockID string) (requestID string, ok bool) {
	rest := strings.TrimPrefix(blockID, permissionBlockPrefix)
	if rest == blockID || rest == "" {
		return "", false
	}
	return rest, true
}

// requestIDSessionID extracts the session id minted into a permission
// request id of the form "<session_id>:<uuid>".
func requestIDSessionID(requestID string) (sessionID string, ok bool) {
	idx := strings.Index(requestID, ":")
	if idx <= 0 {
		return "", false
	}
	return requestID[:idx], true
}

// decisionFromNumber maps a clicked/reacted option number to the
// decision vocabulary of the response-file schema (spec.md §6): "1" is
// always allow; on a 3-button prompt "2" is the "allow always" middle
// option; every other number (including "2" on a 2-button prompt) is
// deny. Button count comes from the clicked message itself so this
// requires no extra state.
func decisionFromNumber(msg *chatprovider.Message, numberStr string) string {
	n, err := strconv.Atoi(strings.TrimSpace(numberStr))
	if err != nil || n <= 0 {
		return "deny"
	}
	if n == 1 {
		return "allow"
	}
	if buttonCount(msg) == 3 && n == 2 {
		return "allow_always"
	}
	return "deny"
}

func buttonCount(msg *chatprovider.Message) int {
	for _, b := range msg.Blocks {
		if b.Kind == chatprovider.BlockButtons {
			return len(b.Buttons)
		}
	}
	return 0
}

// sendResponse is the Listener's outbound path: resolve a target
// socket per the routing priority in spec.md §4.3 and deliver text,
// falling through registry-thread -> custom-channel -> legacy socket
// -> file drop.
func (l *Listener) sendResponse(ctx context.Context, text, threadTS, channelID string) string {
	if threadTS != "" {
		if sockPath, ok := l.socketForThread(threadTS); ok {
			if l.sendToSocket(sockPath, text) {
				return "registry_socket"
			}
		}
	}

	if threadTS == "" && channelID != "" {
		if sockPath, ok := l.socketForChannel(channelID); ok {
			if l.sendToSocket(sockPath, text) {
				return "registry_socket"
			}
		}
	}

	if l.LegacySocket != "" {
		if _, err := os.Stat(l.LegacySocket); err == nil {
			if l.sendToSocket(l.LegacySocket, text) {
				return "socket"
			}
		}
	}

	l.writeFileDrop(text)
	return "file"
}

func (l *Listener) socketForThread(threadTS string) (string, bool) {
	resp, err := l.RegistryClient.GetByThread(threadTS)
	if err != nil || resp == nil || !resp.Success {
		return "", false
	}
	sockPath, _ := resp.Data["socket_path"].(string)
	if sockPath == "" {
		return "", false
	}
	return sockPath, true
}

// socketForChannel resolves routing priority step 2: a custom_channel
// session taking top-level messages in its channel (spec.md §4.3, §8
// scenario 6 "Stale socket isolation"). Registry rows for ended wrapper
// processes can outlive the socket file they named, so this checks the
// path still exists on disk before handing it back — a dead wrapper's
// stale row must not swallow a message meant for whatever replaced it.
func (l *Listener) socketForChannel(channelID string) (string, bool) {
	resp, err := l.RegistryClient.GetByChannel(channelID)
	if err != nil || resp == nil || !resp.Success {
		return "", false
	}
	sockPath, _ := resp.Data["socket_path"].(string)
	if sockPath == "" {
		return "", false
	}
	if _, err := os.Stat(sockPath); err != nil {
		return "", false
	}
	return sockPath, true
}

// sendToSocket connects, writes text+newline, and closes, making up to
// 3 attempts and waiting 0.1/0.3/0.9 s after each failed one (spec.md
// §4.3 "Send protocol to wrapper socket").
func (l *Listener) sendToSocket(path, text string) bool {
	backoff := &ws.Backoff{Base: 100 * time.Millisecond, Max: 900 * time.Millisecond, Factor: 3}
	for attempt := 0; attempt < 3; attempt++ {
		if l.trySendOnce(path, text) {
			return true
		}
		time.Sleep(backoff.Next())
	}
	return false
}

func (l *Listener) trySendOnce(path, text string) bool {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()
	_, err = conn.Write([]byte(text + "\n"))
	return err == nil
}

func (l *Listener) writeFileDrop(text string) {
	if err := os.WriteFile(legacyResponseFile, []byte(text), 0o644); err != nil {
		l.log.Warn("failed to write file-drop fallback", "err", err)
	}
}

func modeEmoji(mode string) string {
	switch mode {
	case "registry_socket":
		return "📋"
	case "socket":
		return "⚡"
	default:
		return "📁"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
