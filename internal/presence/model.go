package presence

import (
	"strings"
	"time"
)

const (
	// ModeEdit marks a lease whose owner is actively editing.
	ModeEdit = "edit"
	// ModeView marks a watch-only lease; never part of the roster.
	ModeView = "view"

	defaultBranch = "main"
)

// Lease is a time-bounded claim that a user is editing one page+branch.
type Lease struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID      string    `gorm:"column:session_id;size:36;not null;uniqueIndex:idx_sessions_session_id"`
	UserID         string    `gorm:"column:user_id;size:190;not null"`
	Username       string    `gorm:"column:username;size:190;not null"`
	ClientID       string    `gorm:"column:client_id;size:190;not null"`
	Page           string    `gorm:"column:page;size:190;not null;index:idx_sessions_room_expiry,priority:1"`
	Branch         string    `gorm:"column:branch;size:190;not null;index:idx_sessions_room_expiry,priority:2"`
	Mode           string    `gorm:"column:mode;size:8;not null;default:'edit'"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	LeaseExpiresAt time.Time `gorm:"column:lease_expires_at;not null;index:idx_sessions_room_expiry,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Lease) TableName() string {
	return "edit_sessions"
}

// Editor is the roster-visible projection of a lease. Only the display
// name and the client id leave the store.
type Editor struct {
	Username string `json:"username"`
	ClientID string `json:"client_id"`
}

func normalizeBranch(rawBranch string) string {
	trimmed := strings.TrimSpace(rawBranch)
	if trimmed == "" {
		return defaultBranch
	}
	return trimmed
}

func normalizeMode(rawMode string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(rawMode)) {
	case "", ModeEdit:
		return ModeEdit, true
	case ModeView:
		return ModeView, true
	default:
		return "", false
	}
}
