package store

import (
	"database/sql"
	"fmt"
)

// Interaction modes a DM subscriber can select (dm_mode.py's MODE_PROMPTS
// keys), consumed by internal/dmmode to pick a system-prompt override.
const (
	ModeExecute  = "execute"
	ModeResearch = "research"
	ModePlan     = "plan"
)

// ValidMode reports whether mode is one of the recognized interaction
// modes.
func ValidMode(mode string) bool {
	switch mode {
	case ModeExecute, ModeResearch, ModePlan:
		return true
	default:
		return false
	}
}

// GetUserMode returns userID's saved interaction mode, defaulting to
// ModeExecute if the user has never set one.
func (s *Store) GetUserMode(userID string) (string, error) {
	row := s.db.QueryRow(`SELECT mode FROM user_preferences WHERE user_id = ?`, userID)
	var mode string
	err := row.Scan(&mode)
	if err == sql.ErrNoRows {
		return ModeExecute, nil
	}
	if err != nil {
		return "", fmt.Errorf("get user mode: %w", err)
	}
	return mode, nil
}

// SetUserMode saves userID's interaction mode, rejecting anything not in
// ValidMode.
func (s *Store) SetUserMode(userID, mode string) error {
	if !ValidMode(mode) {
		return fmt.Errorf("set user mode: invalid mode %q", mode)
	}
	_, err := s.db.Exec(`INSERT INTO user_preferences (user_id, mode) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET mode = excluded.mode`, userID, mode)
	if err != nil {
		return fmt.Errorf("set user mode: %w", err)
	}
	return nil
}
