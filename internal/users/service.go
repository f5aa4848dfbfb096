package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrMissingUsername indicates an empty user identifier.
var ErrMissingUsername = errors.New("users: username is required")

// ServiceConfig describes the dependencies for edit accounting.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maintains per-user and per-user-per-page edit counters.
type Service struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewService constructs the edit accounting service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, clock: clock}, nil
}

// RecordEdit increments both the lifetime counter and the per-page counter
// for the given user. It operates on the supplied handle so the caller can
// run it inside its own transaction.
func (s *Service) RecordEdit(tx *gorm.DB, username, pageTitle string) error {
	username = normalize(username)
	if username == "" {
		return ErrMissingUsername
	}
	now := s.clock().UTC()

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "username"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_edits": gorm.Expr("total_edits + 1"),
			"updated_at":  now,
		}),
	}).Create(&EditCounter{Username: username, TotalEdits: 1, UpdatedAt: now}).Error
	if err != nil {
		return err
	}

	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "username"}, {Name: "page_title"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"edits":      gorm.Expr("edits + 1"),
			"updated_at": now,
		}),
	}).Create(&PageEditCounter{Username: username, PageTitle: pageTitle, Edits: 1, UpdatedAt: now}).Error
}

// MoveCounters rewrites per-page counters from oldTitle to newTitle during a
// page rename. Any counter already stored under newTitle is overwritten, not
// merged.
func (s *Service) MoveCounters(tx *gorm.DB, oldTitle, newTitle string) error {
	dropConflicting := `DELETE FROM user_page_edit_counters
		WHERE page_title = ?
		AND username IN (SELECT username FROM user_page_edit_counters WHERE page_title = ?)`
	if err := tx.Exec(dropConflicting, newTitle, oldTitle).Error; err != nil {
		return err
	}
	return tx.Model(&PageEditCounter{}).
		Where("page_title = ?", oldTitle).
		Update("page_title", newTitle).Error
}

// TotalEdits returns the user's lifetime edit count. Unknown users have zero.
func (s *Service) TotalEdits(ctx context.Context, username string) (int64, error) {
	username = normalize(username)
	if username == "" {
		return 0, ErrMissingUsername
	}
	var counter EditCounter
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.TotalEdits, nil
}

// PageEdits returns the user's edit count for one page title.
func (s *Service) PageEdits(ctx context.Context, username, pageTitle string) (int64, error) {
	username = normalize(username)
	if username == "" {
		return 0, ErrMissingUsername
	}
	var counter PageEditCounter
	err := s.db.WithContext(ctx).
		Where("username = ? AND page_title = ?", username, pageTitle).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Edits, nil
}
