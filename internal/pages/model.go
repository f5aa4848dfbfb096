package pages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultBranch is the implicit branch every page lives on unless told otherwise.
	DefaultBranch = "main"
	// TalkBranch hosts the append-only discussion log attached to a page.
	TalkBranch = "talk"
	// AnonymousAuthor is recorded when no authenticated author is known.
	AnonymousAuthor = "Anonymous"

	maxIdentifierLength = 190
	maxSummaryLength    = 250
)

var (
	// ErrInvalidTitle indicates a page title is empty or contains unsafe characters.
	ErrInvalidTitle = errors.New("pages: invalid title")
	// ErrInvalidBranch indicates a branch name is empty or contains unsafe characters.
	ErrInvalidBranch = errors.New("pages: invalid branch")
)

// forbiddenTitleCharacters would break routing or allow path escapes.
const forbiddenTitleCharacters = `:/\?#`

// reservedBranchNames cannot be claimed by a fork.
var reservedBranchNames = map[string]struct{}{
	DefaultBranch: {},
	"master":      {},
	"head":        {},
	"origin":      {},
}

// Title represents a validated page title.
type Title string

// NewTitle validates raw input and returns a Title.
func NewTitle(rawInput string) (Title, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "..") {
		return "", fmt.Errorf("%w: path traversal", ErrInvalidTitle)
	}
	if strings.ContainsAny(trimmed, forbiddenTitleCharacters) {
		return "", fmt.Errorf("%w: forbidden characters", ErrInvalidTitle)
	}
	return Title(trimmed), nil
}

// String returns the underlying title text.
func (t Title) String() string {
	return string(t)
}

// Branch represents a validated branch name. Empty input resolves to "main".
type Branch string

// NewBranch validates raw input and returns a Branch.
func NewBranch(rawInput string) (Branch, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return Branch(DefaultBranch), nil
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBranch, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "..") || strings.ContainsAny(trimmed, `/\`) {
		return "", fmt.Errorf("%w: unsafe name", ErrInvalidBranch)
	}
	return Branch(trimmed), nil
}

// NewForkBranch validates a branch name destined for a fork target, where
// reserved names cannot be claimed.
func NewForkBranch(rawInput string) (Branch, error) {
	branch, err := NewBranch(rawInput)
	if err != nil {
		return "", err
	}
	if _, reserved := reservedBranchNames[strings.ToLower(branch.String())]; reserved {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidBranch, branch.String())
	}
	return branch, nil
}

// String returns the underlying branch name.
func (b Branch) String() string {
	return string(b)
}

// IsTalk reports whether the branch carries append-only discussion semantics.
func (b Branch) IsTalk() bool {
	return string(b) == TalkBranch
}

// NormalizeSummary trims an edit summary and truncates it to the stored bound.
func NormalizeSummary(rawSummary string) string {
	summary := strings.TrimSpace(rawSummary)
	if len(summary) > maxSummaryLength {
		return summary[:maxSummaryLength]
	}
	return summary
}

// Page is the live state of one (title, branch) pair.
type Page struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Title          string     `gorm:"column:title;size:190;not null;uniqueIndex:idx_pages_title_branch,priority:1"`
	Branch         string     `gorm:"column:branch;size:190;not null;uniqueIndex:idx_pages_title_branch,priority:2;index:idx_pages_branch_updated,priority:1"`
	Content        string     `gorm:"column:content;type:text;not null"`
	Author         string     `gorm:"column:author;size:190;not null;default:'Anonymous'"`
	EditSummary    string     `gorm:"column:edit_summary;size:250;not null;default:''"`
	EditPermission Permission `gorm:"column:edit_permission;size:32;not null;default:'everybody'"`
	AllowedUsers   string     `gorm:"column:allowed_users;type:text;not null;default:''"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null;index:idx_pages_branch_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// AllowedUserList decodes the stored allowed-user set.
func (p *Page) AllowedUserList() []string {
	if strings.TrimSpace(p.AllowedUsers) == "" {
		return nil
	}
	var userList []string
	if err := json.Unmarshal([]byte(p.AllowedUsers), &userList); err != nil {
		return nil
	}
	return userList
}

// SetAllowedUserList encodes the allowed-user set for storage.
func (p *Page) SetAllowedUserList(userList []string) {
	if len(userList) == 0 {
		p.AllowedUsers = ""
		return
	}
	encoded, err := json.Marshal(userList)
	if err != nil {
		p.AllowedUsers = ""
		return
	}
	p.AllowedUsers = string(encoded)
}

// HistoryEntry is an immutable snapshot of a page taken just before it was
// overwritten. UpdatedAt carries the archived state's timestamp, not the
// archiving time.
type HistoryEntry struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Title          string     `gorm:"column:title;size:190;not null;index:idx_history_title_branch_updated,priority:1"`
	Branch         string     `gorm:"column:branch;size:190;not null;index:idx_history_title_branch_updated,priority:2"`
	Content        string     `gorm:"column:content;type:text;not null"`
	Author         string     `gorm:"column:author;size:190;not null;default:'Anonymous'"`
	EditSummary    string     `gorm:"column:edit_summary;size:250;not null;default:''"`
	EditPermission Permission `gorm:"column:edit_permission;size:32;not null;default:'everybody'"`
	AllowedUsers   string     `gorm:"column:allowed_users;type:text;not null;default:''"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null;index:idx_history_title_branch_updated,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryEntry) TableName() string {
	return "page_history"
}

// BranchRecord registers that a named branch exists for a page title.
// "main" is implicit and never registered.
type BranchRecord struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PageTitle   string    `gorm:"column:page_title;size:190;not null;uniqueIndex:idx_branches_title_name,priority:1"`
	BranchName  string    `gorm:"column:branch_name;size:190;not null;uniqueIndex:idx_branches_title_name,priority:2"`
	CreatedFrom string    `gorm:"column:created_from;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BranchRecord) TableName() string {
	return "branches"
}

func archiveSnapshot(page *Page) HistoryEntry {
	return HistoryEntry{
		Title:          page.Title,
		Branch:         page.Branch,
		Content:        page.Content,
		Author:         page.Author,
		EditSummary:    page.EditSummary,
		EditPermission: page.EditPermission,
		AllowedUsers:   page.AllowedUsers,
		UpdatedAt:      page.UpdatedAt,
	}
}

// signTalkEntry appends the author/timestamp signature talk-branch updates carry.
func signTalkEntry(content, author string, signedAt time.Time) string {
	trimmed := strings.TrimRight(content, "\n")
	return fmt.Sprintf("%s\n\n(User:%s %s)", trimmed, author, signedAt.UTC().Format("2006-01-02 15:04:05"))
}
