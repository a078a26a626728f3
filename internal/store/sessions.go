package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Session statuses, per spec §3.
const (
	StatusActive   = "active"
	StatusIdle     = "idle"
	StatusInactive = "inactive"
	StatusEnded    = "ended"
	StatusCrashed  = "crashed"
)

type Session struct {
	SessionID            string
	Project              string
	ProjectDir           string
	Terminal             string
	SocketPath           string
	ChannelID            string
	ThreadTS             sql.NullString
	PermissionsChannelID string
	UserID               string
	ReplyToTS            string
	TodoMessageTS        string
	PermissionMessageTS  string
	BufferPath           string
	Status               string
	CustomChannel        bool
	CreatedAt            time.Time
	LastActivity         time.Time
}

// sessionUpdatable is the whitelist of fields UpdateSession is allowed to
// touch. Per spec §4.1/§7, an update only ever names a subset of these;
// anything else is a programmer error.
var sessionUpdatable = map[string]bool{
	"project":                true,
	"project_dir":            true,
	"terminal":               true,
	"socket_path":            true,
	"channel_id":             true,
	"thread_ts":              true,
	"permissions_channel_id": true,
	"user_id":                true,
	"reply_to_ts":            true,
	"todo_message_ts":        true,
	"permission_message_ts":  true,
	"buffer_path":            true,
	"status":                 true,
}

const sessionColumnsSQL = `session_id, project, project_dir, terminal, socket_path,
	channel_id, thread_ts, permissions_channel_id, user_id, reply_to_ts,
	todo_message_ts, permission_message_ts, buffer_path, status, custom_channel, created_at, last_activity`

func scanSession(row interface {
	Scan(dest ...any) error
}) (*Session, error) {
	var s Session
	var channelID, permChan, userID, replyTo, todoTS, permTS, bufPath sql.NullString
	var customChannel int
	err := row.Scan(
		&s.SessionID, &s.Project, &s.ProjectDir, &s.Terminal, &s.SocketPath,
		&channelID, &s.ThreadTS, &permChan, &userID, &replyTo,
		&todoTS, &permTS, &bufPath, &s.Status, &customChannel, &s.CreatedAt, &s.LastActivity,
	)
	if err != nil {
		return nil, err
	}
	s.ChannelID = channelID.String
	s.PermissionsChannelID = permChan.String
	s.UserID = userID.String
	s.ReplyToTS = replyTo.String
	s.TodoMessageTS = todoTS.String
	s.PermissionMessageTS = permTS.String
	s.BufferPath = bufPath.String
	s.CustomChannel = customChannel != 0
	return &s, nil
}

// CreateSession inserts a new row with status=active and both timestamps
// set to now (spec §4.1 REGISTER/REGISTER_SIMPLE).
func (s *Store) CreateSession(sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.LastActivity = now
	if sess.Status == "" {
		sess.Status = StatusActive
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO sessions (`+sessionColumnsSQL+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.SessionID, sess.Project, sess.ProjectDir, sess.Terminal, sess.SocketPath,
		nullIfEmpty(sess.ChannelID), sess.ThreadTS, nullIfEmpty(sess.PermissionsChannelID), nullIfEmpty(sess.UserID), nullIfEmpty(sess.ReplyToTS),
		nullIfEmpty(sess.TodoMessageTS), nullIfEmpty(sess.PermissionMessageTS), nullIfEmpty(sess.BufferPath), sess.Status, sess.CustomChannel, sess.CreatedAt, sess.LastActivity,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// GetSession returns the row for id, or nil if no such row exists.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumnsSQL+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns rows matching status, or all rows if status is "".
func (s *Store) ListSessions(status string) ([]*Session, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.Query(`SELECT `+sessionColumnsSQL+` FROM sessions WHERE status = ? ORDER BY created_at DESC`, status)
	} else {
		rows, err = s.db.Query(`SELECT ` + sessionColumnsSQL + ` FROM sessions ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// UpdateSession applies only whitelisted fields and always touches
// last_activity (spec §4.1's "UPDATE... whitelisted fields only update
// with auto-touch" rule).
func (s *Store) UpdateSession(id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !sessionUpdatable[k] {
			return fmt.Errorf("update session: field %q is not updatable", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	setClauses := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+2)
	for _, k := range keys {
		setClauses = append(setClauses, k+" = ?")
		args = append(args, fields[k])
	}
	setClauses = append(setClauses, "last_activity = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	query := "UPDATE sessions SET "
	for i, c := range setClauses {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += " WHERE session_id = ?"

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(query, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteSession removes a row by id, cascading into any DM
// subscriptions pointed at it (spec §3 "deleted... when the target
// session ends" — the cleanup sweep deletes rows well after
// handleUnregister's own HandleSessionEnd notification already fired,
// so this is a backstop against subscriptions created or left dangling
// between those two points, not the primary cleanup path).
func (s *Store) DeleteSession(id string) error {
	if _, err := s.CleanupSubscriptionsForSession(id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// GetByThread returns every active row sharing thread id ts. Per spec
// §4.1, when multiple rows share a thread id the caller must prefer the
// shortest session id (the wrapper row); this method returns all
// matches and leaves that tie-break to the caller (ShortestSessionID
// below implements it).
func (s *Store) GetByThread(ts string) ([]*Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumnsSQL+` FROM sessions WHERE thread_ts = ? AND status = ? ORDER BY created_at ASC`, ts, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("get by thread: %w", err)
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// ShortestSessionID returns the row with the shortest session id among
// sessions (the wrapper row owns the control socket — spec §4.1, §9).
// Returns nil if sessions is empty.
func ShortestSessionID(sessions []*Session) *Session {
	var best *Session
	for _, sess := range sessions {
		if best == nil || len(sess.SessionID) < len(best.SessionID) {
			best = sess
		}
	}
	return best
}

// GetByChannel returns the active custom_channel row posting top-level into
// channelID, or nil if none exists. This is routing-priority step 2 of
// spec §4.3: a channel-mode session has no thread_ts to key off of, so
// inbound top-level messages in its channel must resolve by channel id
// instead (GetByThread's query is useless here — thread_ts is null).
func (s *Store) GetByChannel(channelID string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumnsSQL+` FROM sessions
		WHERE channel_id = ? AND custom_channel = 1 AND status = ?
		ORDER BY created_at DESC LIMIT 1`, channelID, StatusActive)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by channel: %w", err)
	}
	return sess, nil
}

// GetByProjectDir returns the most recently created row for dir matching
// status (or any status if status == "").
func (s *Store) GetByProjectDir(dir, status string) (*Session, error) {
	var row *sql.Row
	if status != "" {
		row = s.db.QueryRow(`SELECT `+sessionColumnsSQL+` FROM sessions WHERE project_dir = ? AND status = ? ORDER BY created_at DESC LIMIT 1`, dir, status)
	} else {
		row = s.db.QueryRow(`SELECT `+sessionColumnsSQL+` FROM sessions WHERE project_dir = ? ORDER BY created_at DESC LIMIT 1`, dir)
	}
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by project dir: %w", err)
	}
	return sess, nil
}

// GetByProjectDirWithChatMetadata is GetByProjectDir restricted to rows
// that already have a channel id, excluding excludeSessionID. This is
// the query self-healing actually wants: the most recent *other* row
// for the directory that has something worth copying (spec.md §4.4
// self-healing step b).
func (s *Store) GetByProjectDirWithChatMetadata(dir, excludeSessionID string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumnsSQL+` FROM sessions
		WHERE project_dir = ? AND session_id != ? AND channel_id IS NOT NULL AND channel_id != ''
		ORDER BY created_at DESC LIMIT 1`, dir, excludeSessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by project dir with metadata: %w", err)
	}
	return sess, nil
}

// CleanupOldSessions deletes rows in {ended, crashed} whose last_activity
// predates now-maxAge, returning the deleted rows so the caller can
// archive their chat threads (spec §4.1 "Cleanup").
func (s *Store) CleanupOldSessions(maxAge time.Duration) ([]*Session, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := s.db.Query(`SELECT `+sessionColumnsSQL+` FROM sessions WHERE status IN (?, ?) AND last_activity < ?`,
		StatusEnded, StatusCrashed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query old sessions: %w", err)
	}
	var toDelete []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		toDelete = append(toDelete, sess)
	}
	rows.Close()

	for _, sess := range toDelete {
		if err := s.DeleteSession(sess.SessionID); err != nil {
			return nil, err
		}
	}
	return toDelete, nil
}
