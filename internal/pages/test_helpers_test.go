package pages

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustTitle(t *testing.T, value string) Title {
	t.Helper()
	title, err := NewTitle(value)
	if err != nil {
		t.Fatalf("unexpected title error: %v", err)
	}
	return title
}

func mustBranch(t *testing.T, value string) Branch {
	t.Helper()
	branch, err := NewBranch(value)
	if err != nil {
		t.Fatalf("unexpected branch error: %v", err)
	}
	return branch
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pages.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Page{}, &HistoryEntry{}, &BranchRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeClock) {
	t.Helper()
	db := newTestDatabase(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db, clock
}
