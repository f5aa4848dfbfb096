package users

import (
	"strings"
	"time"
)

// EditCounter tracks a user's lifetime edit count, used to gate the
// ten_edits/fifty_edits permission tiers.
type EditCounter struct {
	Username   string    `gorm:"column:username;primaryKey;size:190;not null"`
	TotalEdits int64     `gorm:"column:total_edits;not null;default:0"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (EditCounter) TableName() string {
	return "user_edit_counters"
}

// PageEditCounter tracks how many edits a user has made to one page title.
type PageEditCounter struct {
	Username  string    `gorm:"column:username;primaryKey;size:190;not null"`
	PageTitle string    `gorm:"column:page_title;primaryKey;size:190;not null;index"`
	Edits     int64     `gorm:"column:edits;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (PageEditCounter) TableName() string {
	return "user_page_edit_counters"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
