package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DMSubscription records that a chat user is watching a session's output
// over direct message (spec §3 "DM subscription"). A user may hold at
// most one subscription at a time; subscribing again replaces it.
type DMSubscription struct {
	UserID      string
	SessionID   string
	DMChannelID string
	CreatedAt   time.Time
}

// Subscribe replaces any existing subscription for userID with one
// pointing at sessionID (dm_mode.py's attach_to_session).
func (s *Store) Subscribe(userID, sessionID, dmChannelID string) error {
	_, err := s.db.Exec(`INSERT INTO dm_subscriptions (user_id, session_id, dm_channel_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET session_id = excluded.session_id,
			dm_channel_id = excluded.dm_channel_id, created_at = excluded.created_at`,
		userID, sessionID, dmChannelID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes userID's subscription, if any (dm_mode.py's
// detach_from_session). Not an error if none exists.
func (s *Store) Unsubscribe(userID string) error {
	_, err := s.db.Exec(`DELETE FROM dm_subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// GetSubscription returns userID's current subscription, or nil if none.
func (s *Store) GetSubscription(userID string) (*DMSubscription, error) {
	row := s.db.QueryRow(`SELECT user_id, session_id, dm_channel_id, created_at
		FROM dm_subscriptions WHERE user_id = ?`, userID)
	var sub DMSubscription
	err := row.Scan(&sub.UserID, &sub.SessionID, &sub.DMChannelID, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// SubscribersForSession returns every subscription currently pointed at
// sessionID, used to fan terminal output out to DM watchers.
func (s *Store) SubscribersForSession(sessionID string) ([]*DMSubscription, error) {
	rows, err := s.db.Query(`SELECT user_id, session_id, dm_channel_id, created_at
		FROM dm_subscriptions WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("subscribers for session: %w", err)
	}
	defer rows.Close()

	var subs []*DMSubscription
	for rows.Next() {
		var sub DMSubscription
		if err := rows.Scan(&sub.UserID, &sub.SessionID, &sub.DMChannelID, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// CleanupSubscriptionsForSession removes every subscription pointed at
// sessionID (dm_mode.py's cleanup_dm_subscriptions_for_session, called
// from handle_session_end), returning how many rows were removed.
func (s *Store) CleanupSubscriptionsForSession(sessionID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM dm_subscriptions WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("cleanup subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
