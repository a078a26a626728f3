package registrysvc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ehrlich-b/claude-slack-bridge/internal/chatprovider"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/store"
)

func sessionToData(s *store.Session) map[string]any {
	return map[string]any{
		"session_id":             s.SessionID,
		"project":                s.Project,
		"project_dir":            s.ProjectDir,
		"terminal":               s.Terminal,
		"socket_path":            s.SocketPath,
		"channel_id":             s.ChannelID,
		"thread_ts":              s.ThreadTS.String,
		"permissions_channel_id": s.PermissionsChannelID,
		"user_id":                s.UserID,
		"reply_to_ts":            s.ReplyToTS,
		"todo_message_ts":        s.TodoMessageTS,
		"permission_message_ts":  s.PermissionMessageTS,
		"buffer_path":            s.BufferPath,
		"status":                 s.Status,
		"custom_channel":         s.CustomChannel,
		"created_at":             s.CreatedAt,
		"last_activity":          s.LastActivity,
	}
}

func (s *Server) handleRegister(req Request) Response {
	data := req.Data
	sessionID := dataString(data, "session_id")
	project := dataString(data, "project")
	terminal := dataString(data, "terminal")
	socketPath := dataString(data, "socket_path")
	if sessionID == "" || project == "" || socketPath == "" {
		return Response{Success: false, Error: "missing required field: session_id, project, and socket_path are required"}
	}

	if existing, err := s.Store.GetSession(sessionID); err != nil {
		return Response{Success: false, Error: err.Error()}
	} else if existing != nil {
		return Response{Success: false, Error: fmt.Sprintf("session %q already registered", sessionID)}
	}

	sess := &store.Session{
		SessionID:  sessionID,
		Project:    project,
		ProjectDir: dataString(data, "project_dir"),
		Terminal:   terminal,
		SocketPath: socketPath,
		UserID:     dataString(data, "user_id"),
		Status:     store.StatusActive,
	}

	if s.Provider != nil {
		s.registerChatMetadata(req.Data, sess)
	}

	if err := s.Store.CreateSession(sess); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Data: sessionToData(sess)}
}

// registerChatMetadata resolves (or creates) the target channel and, in
// thread mode, posts the parent message, mutating sess in place.
// Failures here are advisory per spec §4.1/§7 — the row is still
// created without chat metadata, and hooks self-heal later.
func (s *Server) registerChatMetadata(data map[string]any, sess *store.Session) {
	log := logger.With("registry")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	customChannel := dataString(data, "custom_channel")
	channelName := customChannel
	if channelName == "" {
		channelName = s.DefaultChannel
	}

	channel, err := s.resolveChannel(ctx, channelName)
	if err != nil {
		log.Warn("channel resolution failed, continuing without chat metadata", "err", err)
		return
	}
	sess.ChannelID = channel.ID

	if customChannel != "" {
		sess.CustomChannel = true
		return // custom channel: top-level posting, no parent thread
	}

	text := fmt.Sprintf("🟢 *New session*: `%s` (%s)", sess.SessionID, sess.Project)
	msg, err := s.Provider.PostMessage(ctx, channel.ID, "", text, nil)
	if err != nil {
		log.Warn("failed to post session parent message", "err", err)
		return
	}
	sess.ThreadTS.String = msg.TS
	sess.ThreadTS.Valid = true
}

// resolveChannel normalizes name (strip leading #, lowercase,
// spaces-to-hyphens), looks for an existing channel, joins it (whether
// or not the bot is already a member), and creates it if absent (spec §4.1 "Channel
// resolution policy").
func (s *Server) resolveChannel(ctx context.Context, name string) (*chatprovider.Channel, error) {
	normalized := strings.ToLower(strings.TrimPrefix(name, "#"))
	normalized = strings.ReplaceAll(normalized, " ", "-")

	channels, err := s.Provider.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	for _, c := range channels {
		if strings.ToLower(c.Name) == normalized {
			if err := s.Provider.JoinChannel(ctx, c.ID); err != nil {
				return nil, fmt.Errorf("join channel %s (requires channels:join): %w", c.Name, err)
			}
			cc := c
			return &cc, nil
		}
	}

	created, err := s.Provider.CreateChannel(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("create channel %s (requires channels:manage): %w", normalized, err)
	}
	return created, nil
}

func (s *Server) handleRegisterExisting(req Request) Response {
	data := req.Data
	sessionID := dataString(data, "session_id")
	if sessionID == "" {
		return Response{Success: false, Error: "missing required field: session_id"}
	}
	if existing, err := s.Store.GetSession(sessionID); err != nil {
		return Response{Success: false, Error: err.Error()}
	} else if existing != nil {
		return Response{Success: false, Error: fmt.Sprintf("session %q already registered", sessionID)}
	}

	sess := &store.Session{
		SessionID:            sessionID,
		Project:              dataString(data, "project"),
		ProjectDir:           dataString(data, "project_dir"),
		Terminal:             dataString(data, "terminal"),
		SocketPath:           dataString(data, "socket_path"),
		ChannelID:            dataString(data, "channel_id"),
		PermissionsChannelID: dataString(data, "permissions_channel_id"),
		UserID:               dataString(data, "user_id"),
		ReplyToTS:            dataString(data, "reply_to_ts"),
		TodoMessageTS:        dataString(data, "todo_message_ts"),
		PermissionMessageTS:  dataString(data, "permission_message_ts"),
		BufferPath:           dataString(data, "buffer_path"),
		Status:               store.StatusActive,
		CustomChannel:        dataBool(data, "custom_channel"),
	}
	if ts := dataString(data, "thread_ts"); ts != "" {
		sess.ThreadTS.String = ts
		sess.ThreadTS.Valid = true
	}

	if err := s.Store.CreateSession(sess); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Data: sessionToData(sess)}
}

// handleUnregister transitions a session to ended (or whatever status
// the caller names) and, on that ended transition, tears down any DM
// subscriptions pointed at it — the other half of the lifecycle spec §3
// documents ("deleted on /detach or when the target session ends").
func (s *Server) handleUnregister(req Request) Response {
	sessionID := dataString(req.Data, "session_id")
	if sessionID == "" {
		return Response{Success: false, Error: "missing required field: session_id"}
	}
	status := dataString(req.Data, "status")
	if status == "" {
		status = store.StatusEnded
	}
	if err := s.Store.UpdateSession(sessionID, map[string]any{"status": status}); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	if status == store.StatusEnded && s.DM != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.DM.HandleSessionEnd(ctx, sessionID); err != nil {
			logger.With("registry").Warn("dm session-end cleanup failed", "session_id", sessionID, "err", err)
		}
	}
	return Response{Success: true}
}

func (s *Server) handleGet(req Request) Response {
	if sessionID := dataString(req.Data, "session_id"); sessionID != "" {
		sess, err := s.Store.GetSession(sessionID)
		if err != nil {
			return Response{Success: false, Error: err.Error()}
		}
		if sess == nil {
			return Response{Success: false, Error: "not found"}
		}
		return Response{Success: true, Data: sessionToData(sess)}
	}

	if threadTS := dataString(req.Data, "thread_ts"); threadTS != "" {
		rows, err := s.Store.GetByThread(threadTS)
		if err != nil {
			return Response{Success: false, Error: err.Error()}
		}
		best := store.ShortestSessionID(rows)
		if best == nil {
			return Response{Success: false, Error: "not found"}
		}
		return Response{Success: true, Data: sessionToData(best)}
	}

	if channelID := dataString(req.Data, "channel_id"); channelID != "" {
		sess, err := s.Store.GetByChannel(channelID)
		if err != nil {
			return Response{Success: false, Error: err.Error()}
		}
		if sess == nil {
			return Response{Success: false, Error: "not found"}
		}
		return Response{Success: true, Data: sessionToData(sess)}
	}

	if dir := dataString(req.Data, "project_dir"); dir != "" {
		var sess *store.Session
		var err error
		if dataBool(req.Data, "require_metadata") {
			sess, err = s.Store.GetByProjectDirWithChatMetadata(dir, dataString(req.Data, "exclude_session_id"))
		} else {
			sess, err = s.Store.GetByProjectDir(dir, dataString(req.Data, "status"))
		}
		if err != nil {
			return Response{Success: false, Error: err.Error()}
		}
		if sess == nil {
			return Response{Success: false, Error: "not found"}
		}
		return Response{Success: true, Data: sessionToData(sess)}
	}

	return Response{Success: false, Error: "GET requires session_id, thread_ts, channel_id, or project_dir"}
}

// handleUpdate applies whitelisted field changes to an existing row —
// how hooks persist message ids they've posted (permission_message_ts,
// todo_message_ts) back to the Registry so later hook runs and
// self-healing can find them (spec §4.4.1 step 3, §4.4.3).
func (s *Server) handleUpdate(req Request) Response {
	sessionID := dataString(req.Data, "session_id")
	if sessionID == "" {
		return Response{Success: false, Error: "missing required field: session_id"}
	}
	fields := map[string]any{}
	for k, v := range req.Data {
		if k != "session_id" {
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return Response{Success: false, Error: "no fields to update"}
	}
	if err := s.Store.UpdateSession(sessionID, fields); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	sess, err := s.Store.GetSession(sessionID)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	if sess == nil {
		return Response{Success: false, Error: "not found"}
	}
	return Response{Success: true, Data: sessionToData(sess)}
}

func (s *Server) handleList(req Request) Response {
	status := dataString(req.Data, "status")
	sessions, err := s.Store.ListSessions(status)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	list := make([]map[string]any, len(sessions))
	for i, sess := range sessions {
		list[i] = sessionToData(sess)
	}
	return Response{Success: true, Data: map[string]any{"sessions": list}}
}
