// Package hookrt is the shared bootstrap every hook binary runs
// through: parse the agent's stdin event, resolve this session's chat
// metadata in the Registry, self-heal when it's missing, and always
// exit 0 (spec.md §4.4).
package hookrt

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/registryclient"
)

// Event is the subset of the agent's hook stdin payload every hook
// flavor needs; individual hooks decode tool-specific fields from
// ToolInput themselves.
type Event struct {
	SessionID             string          `json:"session_id"`
	HookEventName         string          `json:"hook_event_name"`
	ToolName              string          `json:"tool_name"`
	ToolInput             json.RawMessage `json:"tool_input"`
	TranscriptPath        string          `json:"transcript_path"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions"`
}

// ReadEvent parses the hook's stdin document. A parse failure is the
// caller's cue to exit 0 immediately (fail-open per spec.md §4.4).
func ReadEvent(r io.Reader) (*Event, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, fmt.Errorf("parse stdin: %w", err)
	}
	return &ev, nil
}

// ExitQuiet exits 0 without printing anything — the pass-through
// result every hook uses whenever it can't or shouldn't influence the
// agent's decision.
func ExitQuiet() {
	os.Exit(0)
}

// EmitAndExit prints output as the hook's single JSON stdout document
// and exits 0.
func EmitAndExit(output any) {
	b, err := json.Marshal(output)
	if err != nil {
		logger.With("hookrt").Error("marshal hook output failed", "err", err)
		os.Exit(0)
	}
	os.Stdout.Write(b)
	os.Stdout.Write([]byte("\n"))
	os.Exit(0)
}

// SessionMeta is the subset of a Registry session row a hook needs to
// address chat: where to post, and what thread to reply in.
type SessionMeta struct {
	SessionID            string
	ChannelID            string
	ThreadTS             string
	PermissionsChannelID string
	TodoMessageTS        string
	BufferPath           string
	ProjectDir           string
}

func metaFromData(data map[string]any) *SessionMeta {
	return &SessionMeta{
		SessionID:            str(data, "session_id"),
		ChannelID:            str(data, "channel_id"),
		ThreadTS:             str(data, "thread_ts"),
		PermissionsChannelID: str(data, "permissions_channel_id"),
		TodoMessageTS:        str(data, "todo_message_ts"),
		BufferPath:           str(data, "buffer_path"),
		ProjectDir:           str(data, "project_dir"),
	}
}

func str(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

// Resolve looks up this session's chat metadata in the Registry,
// self-healing when the row is missing channel/thread info by copying
// from (a) the 8-char-prefix wrapper row, then (b) the most recent row
// for the same project directory (spec.md §4.4, §7 "Self-healing").
// Returns nil, nil only when the session has no row and nothing heals
// it; an existing row that cannot be healed is returned as-is with an
// empty ChannelID. Callers treat either result as the cue to exit
// quietly. Healed metadata is returned to the caller only; the
// Registry row itself is not updated.
func Resolve(client *registryclient.Client, sessionID string) (*SessionMeta, error) {
	log := logger.With("hookrt")

	resp, err := client.GetBySessionID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("registry lookup: %w", err)
	}
	if resp.Success && hasChatMetadata(resp.Data) {
		return metaFromData(resp.Data), nil
	}

	var projectDir string
	if resp.Success {
		projectDir = str(resp.Data, "project_dir")
	}

	if len(sessionID) > 8 {
		prefix := sessionID[:8]
		wrapper, err := client.GetBySessionID(prefix)
		if err == nil && wrapper.Success && hasChatMetadata(wrapper.Data) {
			log.Info("self-healed via wrapper prefix", "session_id", sessionID, "prefix", prefix)
			healed := metaFromData(wrapper.Data)
			healed.SessionID = sessionID
			return healed, nil
		}
		if projectDir == "" && wrapper.Success {
			projectDir = str(wrapper.Data, "project_dir")
		}
	}

	if projectDir != "" {
		byDir, err := client.GetByProjectDirWithMetadata(projectDir, sessionID)
		if err == nil && byDir.Success && hasChatMetadata(byDir.Data) {
			log.Info("self-healed via project directory", "session_id", sessionID, "project_dir", projectDir)
			healed := metaFromData(byDir.Data)
			healed.SessionID = sessionID
			return healed, nil
		}
	}

	if resp.Success {
		return metaFromData(resp.Data), nil
	}
	return nil, nil
}

func hasChatMetadata(data map[string]any) bool {
	return str(data, "channel_id") != ""
}
