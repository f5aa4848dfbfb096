package pages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates no page, branch, or version matched the request.
	ErrNotFound = errors.New("pages: not found")
	// ErrConflict indicates the target page or branch already exists.
	ErrConflict = errors.New("pages: already exists")
	// ErrUnavailable indicates the storage backend is unreachable.
	ErrUnavailable = errors.New("pages: storage unavailable")
	// ErrNoOp indicates the requested operation had nothing to do.
	ErrNoOp = errors.New("pages: nothing to do")
	// ErrInvalidVersion indicates a version index that cannot be compared or restored.
	ErrInvalidVersion = errors.New("pages: invalid version selection")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "pages.service.new"
	opGet             = "pages.get"
	opCreate          = "pages.create"
	opUpdate          = "pages.update"
	opFork            = "pages.fork"
	opRestoreVersion  = "pages.restore_version"
	opCompareVersions = "pages.compare_versions"
	opRename          = "pages.rename"
	opDeletePage      = "pages.delete_page"
	opDeleteBranch    = "pages.delete_branch"
	opListBranches    = "pages.list_branches"
	opListPages       = "pages.list_pages"
	opSearchPages     = "pages.search_pages"
	opVersionHistory  = "pages.version_history"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	createdPageSummary = "Page created"
	createdTalkSummary = "Talk page created"
)

// EditRecorder bumps per-user edit counters after content-changing writes.
type EditRecorder interface {
	RecordEdit(tx *gorm.DB, username, pageTitle string) error
	MoveCounters(tx *gorm.DB, oldTitle, newTitle string) error
}

// ServiceConfig describes the dependencies of the versioning engine.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Counters EditRecorder
}

// Service orchestrates the pages, history, and branches collections.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	counters EditRecorder
}

// NewService constructs the versioning engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		clock:    clock,
		logger:   logger,
		counters: cfg.Counters,
	}, nil
}

// CreateInput describes a new page body.
type CreateInput struct {
	Title   Title
	Branch  Branch
	Content string
	Author  string
	Summary string
}

// UpdateInput describes an edit to a page.
type UpdateInput struct {
	Title        Title
	Branch       Branch
	Content      string
	Author       string
	Summary      string
	Permission   Permission
	AllowedUsers []string
}

// Get returns the live page for (title, branch).
func (s *Service) Get(ctx context.Context, title Title, branch Branch) (*Page, error) {
	if s.db == nil {
		return nil, newServiceError(opGet, "missing_database", ErrUnavailable)
	}
	var page Page
	err := s.db.WithContext(ctx).
		Where("title = ? AND branch = ?", title.String(), branch.String()).
		Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opGet, "page_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("title", title.String()), zap.String("branch", branch.String()))
		return nil, newServiceError(opGet, "query_failed", err)
	}
	return &page, nil
}

// Create inserts a brand-new page and fails if (title, branch) is taken.
// Talk-branch content is stored with an author/timestamp signature.
func (s *Service) Create(ctx context.Context, input CreateInput) error {
	if s.db == nil {
		return newServiceError(opCreate, "missing_database", ErrUnavailable)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.createInTx(tx, input)
	})
}

func (s *Service) createInTx(tx *gorm.DB, input CreateInput) error {
	var existing Page
	err := tx.Where("title = ? AND branch = ?", input.Title.String(), input.Branch.String()).
		Take(&existing).Error
	if err == nil {
		return newServiceError(opCreate, "page_exists", ErrConflict)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opCreate, "lookup_failed", err, zap.String("title", input.Title.String()))
		return newServiceError(opCreate, "lookup_failed", err)
	}

	now := s.clock().UTC()
	author := normalizeAuthor(input.Author)
	content := input.Content
	if input.Branch.IsTalk() && content != "" {
		content = signTalkEntry(content, author, now)
	}
	page := Page{
		Title:          input.Title.String(),
		Branch:         input.Branch.String(),
		Content:        content,
		Author:         author,
		EditSummary:    NormalizeSummary(input.Summary),
		EditPermission: PermissionEverybody,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.Create(&page).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("title", input.Title.String()))
		return newServiceError(opCreate, "insert_failed", err)
	}
	s.logger.Info("page created",
		zap.String("title", input.Title.String()),
		zap.String("branch", input.Branch.String()),
		zap.String("author", author))
	return nil
}

// Update applies an edit. The first-ever save of a title creates the main
// and talk branches together atomically; a save to a missing branch of an
// existing title creates that branch fresh; otherwise the current state is
// archived into history before being overwritten. Talk-branch updates
// append a signed block instead of replacing content.
func (s *Service) Update(ctx context.Context, input UpdateInput) error {
	if s.db == nil {
		return newServiceError(opUpdate, "missing_database", ErrUnavailable)
	}

	author := normalizeAuthor(input.Author)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Page
		err := tx.Where("title = ? AND branch = ?", input.Title.String(), input.Branch.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.updateMissingBranch(tx, input, author)
		}
		if err != nil {
			s.logError(opUpdate, "lookup_failed", err, zap.String("title", input.Title.String()))
			return newServiceError(opUpdate, "lookup_failed", err)
		}
		return s.updateExisting(tx, &existing, input, author)
	})
}

// updateMissingBranch handles the two creation flavors of Update: the
// title's first-ever save (dual main+talk creation) and a fresh branch on
// an already-known title.
func (s *Service) updateMissingBranch(tx *gorm.DB, input UpdateInput, author string) error {
	var titleCount int64
	if err := tx.Model(&Page{}).Where("title = ?", input.Title.String()).Count(&titleCount).Error; err != nil {
		s.logError(opUpdate, "title_probe_failed", err, zap.String("title", input.Title.String()))
		return newServiceError(opUpdate, "title_probe_failed", err)
	}

	if titleCount == 0 {
		if err := s.createInTx(tx, CreateInput{
			Title:   input.Title,
			Branch:  Branch(DefaultBranch),
			Content: input.Content,
			Author:  author,
			Summary: createdPageSummary,
		}); err != nil {
			return err
		}
		if err := s.createInTx(tx, CreateInput{
			Title:   input.Title,
			Branch:  Branch(TalkBranch),
			Content: "",
			Author:  author,
			Summary: createdTalkSummary,
		}); err != nil {
			return err
		}
	} else {
		if err := s.createInTx(tx, CreateInput{
			Title:   input.Title,
			Branch:  input.Branch,
			Content: input.Content,
			Author:  author,
			Summary: input.Summary,
		}); err != nil {
			return err
		}
	}

	return s.recordEdit(tx, author, input.Title.String())
}

func (s *Service) updateExisting(tx *gorm.DB, existing *Page, input UpdateInput, author string) error {
	snapshot := archiveSnapshot(existing)
	if err := tx.Create(&snapshot).Error; err != nil {
		s.logError(opUpdate, "archive_failed", err, zap.String("title", input.Title.String()))
		return newServiceError(opUpdate, "archive_failed", err)
	}

	now := s.clock().UTC()
	content := input.Content
	if input.Branch.IsTalk() {
		signed := signTalkEntry(input.Content, author, now)
		if existing.Content == "" {
			content = signed
		} else {
			content = existing.Content + "\n\n" + signed
		}
	}

	permission := input.Permission
	if permission == "" {
		permission = PermissionEverybody
	}
	updated := Page{EditPermission: permission}
	updated.SetAllowedUserList(input.AllowedUsers)

	err := tx.Model(&Page{}).
		Where("title = ? AND branch = ?", input.Title.String(), input.Branch.String()).
		Updates(map[string]interface{}{
			"content":         content,
			"author":          author,
			"edit_summary":    NormalizeSummary(input.Summary),
			"edit_permission": string(permission),
			"allowed_users":   updated.AllowedUsers,
			"updated_at":      now,
		}).Error
	if err != nil {
		s.logError(opUpdate, "write_failed", err, zap.String("title", input.Title.String()))
		return newServiceError(opUpdate, "write_failed", err)
	}

	s.logger.Info("page updated",
		zap.String("title", input.Title.String()),
		zap.String("branch", input.Branch.String()),
		zap.String("author", author))
	return s.recordEdit(tx, author, input.Title.String())
}

func (s *Service) recordEdit(tx *gorm.DB, author, title string) error {
	if s.counters == nil || author == AnonymousAuthor {
		return nil
	}
	if err := s.counters.RecordEdit(tx, author, title); err != nil {
		s.logError(opUpdate, "edit_counter_failed", err, zap.String("author", author))
		return newServiceError(opUpdate, "edit_counter_failed", err)
	}
	return nil
}

// Fork registers a new branch and copies the source branch's live page and
// its entire history under the new name. The registry insert doubles as the
// re-run guard: everything happens in one transaction, so a retried fork
// either conflicts on the registry or starts from scratch.
func (s *Service) Fork(ctx context.Context, title Title, newBranch, sourceBranch Branch) error {
	if s.db == nil {
		return newServiceError(opFork, "missing_database", ErrUnavailable)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var registered int64
		err := tx.Model(&BranchRecord{}).
			Where("page_title = ? AND branch_name = ?", title.String(), newBranch.String()).
			Count(&registered).Error
		if err != nil {
			s.logError(opFork, "registry_probe_failed", err, zap.String("title", title.String()))
			return newServiceError(opFork, "registry_probe_failed", err)
		}
		if registered > 0 {
			return newServiceError(opFork, "branch_exists", ErrConflict)
		}

		var source Page
		err = tx.Where("title = ? AND branch = ?", title.String(), sourceBranch.String()).
			Take(&source).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opFork, "source_not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opFork, "source_lookup_failed", err, zap.String("title", title.String()))
			return newServiceError(opFork, "source_lookup_failed", err)
		}

		now := s.clock().UTC()
		record := BranchRecord{
			PageTitle:   title.String(),
			BranchName:  newBranch.String(),
			CreatedFrom: sourceBranch.String(),
			CreatedAt:   now,
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opFork, "registry_insert_failed", err, zap.String("title", title.String()))
			return newServiceError(opFork, "registry_insert_failed", err)
		}

		copied := source
		copied.ID = 0
		copied.Branch = newBranch.String()
		copied.CreatedAt = now
		copied.UpdatedAt = now
		if err := tx.Create(&copied).Error; err != nil {
			s.logError(opFork, "page_copy_failed", err, zap.String("title", title.String()))
			return newServiceError(opFork, "page_copy_failed", err)
		}

		var sourceHistory []HistoryEntry
		err = tx.Where("title = ? AND branch = ?", title.String(), sourceBranch.String()).
			Order("updated_at ASC, id ASC").
			Find(&sourceHistory).Error
		if err != nil {
			s.logError(opFork, "history_read_failed", err, zap.String("title", title.String()))
			return newServiceError(opFork, "history_read_failed", err)
		}
		for _, entry := range sourceHistory {
			entry.ID = 0
			entry.Branch = newBranch.String()
			if err := tx.Create(&entry).Error; err != nil {
				s.logError(opFork, "history_copy_failed", err, zap.String("title", title.String()))
				return newServiceError(opFork, "history_copy_failed", err)
			}
		}

		s.logger.Info("branch forked",
			zap.String("title", title.String()),
			zap.String("branch", newBranch.String()),
			zap.String("source", sourceBranch.String()),
			zap.Int("history_copied", len(sourceHistory)))
		return nil
	})
}

// versionByIndex resolves a version document: index 0 is the live page,
// index k>=1 is the k-th most recent history entry.
func versionByIndex(tx *gorm.DB, title Title, branch Branch, index int) (*HistoryEntry, error) {
	if index < 0 {
		return nil, ErrInvalidVersion
	}
	if index == 0 {
		var page Page
		err := tx.Where("title = ? AND branch = ?", title.String(), branch.String()).Take(&page).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		snapshot := archiveSnapshot(&page)
		return &snapshot, nil
	}

	var entries []HistoryEntry
	err := tx.Where("title = ? AND branch = ?", title.String(), branch.String()).
		Order("updated_at DESC, id DESC").
		Offset(index - 1).
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// RestoreVersion overwrites the live page with the content and author of a
// historical version, archiving the current state first. Index 0 is a no-op.
// Edit permission and the allowed-user set are left untouched.
func (s *Service) RestoreVersion(ctx context.Context, title Title, branch Branch, index int) error {
	if s.db == nil {
		return newServiceError(opRestoreVersion, "missing_database", ErrUnavailable)
	}
	if index < 0 {
		return newServiceError(opRestoreVersion, "invalid_index", ErrInvalidVersion)
	}
	if index == 0 {
		return newServiceError(opRestoreVersion, "current_version", ErrNoOp)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := versionByIndex(tx, title, branch, index)
		if errors.Is(err, ErrNotFound) {
			return newServiceError(opRestoreVersion, "version_not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opRestoreVersion, "version_lookup_failed", err, zap.String("title", title.String()))
			return newServiceError(opRestoreVersion, "version_lookup_failed", err)
		}

		var current Page
		err = tx.Where("title = ? AND branch = ?", title.String(), branch.String()).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRestoreVersion, "page_not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opRestoreVersion, "page_lookup_failed", err, zap.String("title", title.String()))
			return newServiceError(opRestoreVersion, "page_lookup_failed", err)
		}

		snapshot := archiveSnapshot(&current)
		if err := tx.Create(&snapshot).Error; err != nil {
			s.logError(opRestoreVersion, "archive_failed", err, zap.String("title", title.String()))
			return newServiceError(opRestoreVersion, "archive_failed", err)
		}

		summary := target.EditSummary
		if summary == "" {
			summary = fmt.Sprintf("Restored version %d", index)
		}
		err = tx.Model(&Page{}).
			Where("title = ? AND branch = ?", title.String(), branch.String()).
			Updates(map[string]interface{}{
				"content":      target.Content,
				"author":       target.Author,
				"edit_summary": NormalizeSummary(summary),
				"updated_at":   s.clock().UTC(),
			}).Error
		if err != nil {
			s.logError(opRestoreVersion, "write_failed", err, zap.String("title", title.String()))
			return newServiceError(opRestoreVersion, "write_failed", err)
		}

		s.logger.Info("version restored",
			zap.String("title", title.String()),
			zap.String("branch", branch.String()),
			zap.Int("index", index))
		return nil
	})
}

// CompareVersions produces a line diff between two versions, in the
// caller-specified order, labeled with display numbers (oldest version is 1).
func (s *Service) CompareVersions(ctx context.Context, title Title, branch Branch, fromIndex, toIndex int) (Diff, error) {
	if s.db == nil {
		return Diff{}, newServiceError(opCompareVersions, "missing_database", ErrUnavailable)
	}
	if fromIndex < 0 || toIndex < 0 {
		return Diff{}, newServiceError(opCompareVersions, "invalid_index", ErrInvalidVersion)
	}
	if fromIndex == toIndex {
		return Diff{}, newServiceError(opCompareVersions, "identical_versions", ErrInvalidVersion)
	}

	var result Diff
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		totalVersions, err := countVersions(tx, title, branch)
		if err != nil {
			s.logError(opCompareVersions, "count_failed", err, zap.String("title", title.String()))
			return newServiceError(opCompareVersions, "count_failed", err)
		}
		if totalVersions < 2 {
			return newServiceError(opCompareVersions, "not_enough_versions", ErrInvalidVersion)
		}

		fromDoc, err := versionByIndex(tx, title, branch, fromIndex)
		if errors.Is(err, ErrNotFound) {
			return newServiceError(opCompareVersions, "from_version_not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opCompareVersions, "from_version_lookup_failed", err)
		}
		toDoc, err := versionByIndex(tx, title, branch, toIndex)
		if errors.Is(err, ErrNotFound) {
			return newServiceError(opCompareVersions, "to_version_not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opCompareVersions, "to_version_lookup_failed", err)
		}

		result = computeLineDiff(
			fromDoc.Content,
			toDoc.Content,
			fmt.Sprintf("Version %d", displayNumber(totalVersions, fromIndex)),
			fmt.Sprintf("Version %d", displayNumber(totalVersions, toIndex)),
		)
		return nil
	})
	if err != nil {
		return Diff{}, err
	}
	return result, nil
}

func countVersions(tx *gorm.DB, title Title, branch Branch) (int, error) {
	var pageCount, historyCount int64
	if err := tx.Model(&Page{}).
		Where("title = ? AND branch = ?", title.String(), branch.String()).
		Count(&pageCount).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&HistoryEntry{}).
		Where("title = ? AND branch = ?", title.String(), branch.String()).
		Count(&historyCount).Error; err != nil {
		return 0, err
	}
	return int(pageCount + historyCount), nil
}

// displayNumber maps a version index to its display number: the oldest
// version is numbered 1 and the current version totalVersions.
func displayNumber(totalVersions, index int) int {
	number := totalVersions - index
	if number < 1 {
		return 1
	}
	return number
}

// Rename moves every page, history, and branch-registry row of oldTitle to
// newTitle and carries the per-page edit counters along. The target title
// must be completely unclaimed, on any branch.
func (s *Service) Rename(ctx context.Context, oldTitle, newTitle Title) error {
	if s.db == nil {
		return newServiceError(opRename, "missing_database", ErrUnavailable)
	}
	if oldTitle == newTitle {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var oldCount int64
		if err := tx.Model(&Page{}).Where("title = ?", oldTitle.String()).Count(&oldCount).Error; err != nil {
			s.logError(opRename, "source_probe_failed", err, zap.String("title", oldTitle.String()))
			return newServiceError(opRename, "source_probe_failed", err)
		}
		if oldCount == 0 {
			return newServiceError(opRename, "page_not_found", ErrNotFound)
		}

		var newCount int64
		if err := tx.Model(&Page{}).Where("title = ?", newTitle.String()).Count(&newCount).Error; err != nil {
			s.logError(opRename, "target_probe_failed", err, zap.String("title", newTitle.String()))
			return newServiceError(opRename, "target_probe_failed", err)
		}
		if newCount > 0 {
			return newServiceError(opRename, "target_exists", ErrConflict)
		}

		if err := tx.Model(&Page{}).Where("title = ?", oldTitle.String()).
			Update("title", newTitle.String()).Error; err != nil {
			s.logError(opRename, "pages_rewrite_failed", err, zap.String("title", oldTitle.String()))
			return newServiceError(opRename, "pages_rewrite_failed", err)
		}
		if err := tx.Model(&HistoryEntry{}).Where("title = ?", oldTitle.String()).
			Update("title", newTitle.String()).Error; err != nil {
			s.logError(opRename, "history_rewrite_failed", err, zap.String("title", oldTitle.String()))
			return newServiceError(opRename, "history_rewrite_failed", err)
		}
		if err := tx.Model(&BranchRecord{}).Where("page_title = ?", oldTitle.String()).
			Update("page_title", newTitle.String()).Error; err != nil {
			s.logError(opRename, "registry_rewrite_failed", err, zap.String("title", oldTitle.String()))
			return newServiceError(opRename, "registry_rewrite_failed", err)
		}
		if s.counters != nil {
			if err := s.counters.MoveCounters(tx, oldTitle.String(), newTitle.String()); err != nil {
				s.logError(opRename, "counter_move_failed", err, zap.String("title", oldTitle.String()))
				return newServiceError(opRename, "counter_move_failed", err)
			}
		}

		s.logger.Info("page renamed",
			zap.String("from", oldTitle.String()),
			zap.String("to", newTitle.String()))
		return nil
	})
}

// DeletePage removes the live page on every branch of the title. History
// rows are never deleted.
func (s *Service) DeletePage(ctx context.Context, title Title) error {
	if s.db == nil {
		return newServiceError(opDeletePage, "missing_database", ErrUnavailable)
	}
	result := s.db.WithContext(ctx).Where("title = ?", title.String()).Delete(&Page{})
	if result.Error != nil {
		s.logError(opDeletePage, "delete_failed", result.Error, zap.String("title", title.String()))
		return newServiceError(opDeletePage, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeletePage, "page_not_found", ErrNotFound)
	}
	s.logger.Info("page deleted", zap.String("title", title.String()), zap.Int64("branches", result.RowsAffected))
	return nil
}

// DeleteBranch removes the live page for (title, branch) together with its
// branch-registry entry. History rows for the branch are left in place.
func (s *Service) DeleteBranch(ctx context.Context, title Title, branch Branch) error {
	if s.db == nil {
		return newServiceError(opDeleteBranch, "missing_database", ErrUnavailable)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pageResult := tx.Where("title = ? AND branch = ?", title.String(), branch.String()).Delete(&Page{})
		if pageResult.Error != nil {
			s.logError(opDeleteBranch, "page_delete_failed", pageResult.Error, zap.String("title", title.String()))
			return newServiceError(opDeleteBranch, "page_delete_failed", pageResult.Error)
		}
		registryResult := tx.Where("page_title = ? AND branch_name = ?", title.String(), branch.String()).
			Delete(&BranchRecord{})
		if registryResult.Error != nil {
			s.logError(opDeleteBranch, "registry_delete_failed", registryResult.Error, zap.String("title", title.String()))
			return newServiceError(opDeleteBranch, "registry_delete_failed", registryResult.Error)
		}
		if pageResult.RowsAffected == 0 {
			return newServiceError(opDeleteBranch, "branch_not_found", ErrNotFound)
		}
		s.logger.Info("branch deleted",
			zap.String("title", title.String()),
			zap.String("branch", branch.String()))
		return nil
	})
}

// ListBranches returns every branch known for a title, combining the
// registry with live page rows. "main" is always present.
func (s *Service) ListBranches(ctx context.Context, title Title) ([]string, error) {
	if s.db == nil {
		return nil, newServiceError(opListBranches, "missing_database", ErrUnavailable)
	}
	branchSet := map[string]struct{}{DefaultBranch: {}}

	var records []BranchRecord
	if err := s.db.WithContext(ctx).Where("page_title = ?", title.String()).Find(&records).Error; err != nil {
		s.logError(opListBranches, "registry_query_failed", err, zap.String("title", title.String()))
		return nil, newServiceError(opListBranches, "registry_query_failed", err)
	}
	for _, record := range records {
		branchSet[record.BranchName] = struct{}{}
	}

	var pageBranches []string
	err := s.db.WithContext(ctx).Model(&Page{}).
		Where("title = ?", title.String()).
		Distinct().
		Pluck("branch", &pageBranches).Error
	if err != nil {
		s.logError(opListBranches, "pages_query_failed", err, zap.String("title", title.String()))
		return nil, newServiceError(opListBranches, "pages_query_failed", err)
	}
	for _, name := range pageBranches {
		branchSet[name] = struct{}{}
	}

	return sortedBranchNames(branchSet), nil
}

// ListAllBranches returns every branch name registered anywhere in the wiki.
func (s *Service) ListAllBranches(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, newServiceError(opListBranches, "missing_database", ErrUnavailable)
	}
	branchSet := map[string]struct{}{DefaultBranch: {}}
	var names []string
	err := s.db.WithContext(ctx).Model(&BranchRecord{}).
		Distinct().
		Pluck("branch_name", &names).Error
	if err != nil {
		s.logError(opListBranches, "registry_query_failed", err)
		return nil, newServiceError(opListBranches, "registry_query_failed", err)
	}
	for _, name := range names {
		branchSet[name] = struct{}{}
	}
	return sortedBranchNames(branchSet), nil
}

func sortedBranchNames(branchSet map[string]struct{}) []string {
	names := make([]string, 0, len(branchSet))
	for name := range branchSet {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListPagesByBranch returns the pages on a branch, most recently updated first.
func (s *Service) ListPagesByBranch(ctx context.Context, branch Branch, limit int) ([]Page, error) {
	if s.db == nil {
		return nil, newServiceError(opListPages, "missing_database", ErrUnavailable)
	}
	if limit <= 0 {
		limit = 100
	}
	var result []Page
	err := s.db.WithContext(ctx).
		Where("branch = ?", branch.String()).
		Order("updated_at DESC").
		Limit(limit).
		Find(&result).Error
	if err != nil {
		s.logError(opListPages, "query_failed", err, zap.String("branch", branch.String()))
		return nil, newServiceError(opListPages, "query_failed", err)
	}
	return result, nil
}

// SearchPages matches pages on a branch whose title or content contains the
// query, case-insensitively.
func (s *Service) SearchPages(ctx context.Context, query string, branch Branch, limit int) ([]Page, error) {
	if s.db == nil {
		return nil, newServiceError(opSearchPages, "missing_database", ErrUnavailable)
	}
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + escapeLikePattern(query) + "%"
	var result []Page
	err := s.db.WithContext(ctx).
		Where("branch = ?", branch.String()).
		Where("title LIKE ? ESCAPE '\\' OR content LIKE ? ESCAPE '\\'", pattern, pattern).
		Limit(limit).
		Find(&result).Error
	if err != nil {
		s.logError(opSearchPages, "query_failed", err, zap.String("branch", branch.String()))
		return nil, newServiceError(opSearchPages, "query_failed", err)
	}
	return result, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLikePattern(query string) string {
	return likeEscaper.Replace(query)
}

// VersionEntry is one row of a page's version listing.
type VersionEntry struct {
	Index         int
	DisplayNumber int
	Author        string
	EditSummary   string
	UpdatedAt     time.Time
	IsCurrent     bool
}

// VersionHistory lists the current page plus its archived versions, newest
// first, annotated with display numbers.
func (s *Service) VersionHistory(ctx context.Context, title Title, branch Branch, limit int) ([]VersionEntry, error) {
	if s.db == nil {
		return nil, newServiceError(opVersionHistory, "missing_database", ErrUnavailable)
	}
	if limit <= 0 {
		limit = 100
	}

	var docs []HistoryEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var page Page
		err := tx.Where("title = ? AND branch = ?", title.String(), branch.String()).Take(&page).Error
		if err == nil {
			snapshot := archiveSnapshot(&page)
			docs = append(docs, snapshot)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		remaining := limit - len(docs)
		if remaining <= 0 {
			return nil
		}
		var archived []HistoryEntry
		err = tx.Where("title = ? AND branch = ?", title.String(), branch.String()).
			Order("updated_at DESC, id DESC").
			Limit(remaining).
			Find(&archived).Error
		if err != nil {
			return err
		}
		docs = append(docs, archived...)
		return nil
	})
	if err != nil {
		s.logError(opVersionHistory, "query_failed", err, zap.String("title", title.String()))
		return nil, newServiceError(opVersionHistory, "query_failed", err)
	}

	entries := make([]VersionEntry, 0, len(docs))
	for idx, doc := range docs {
		entries = append(entries, VersionEntry{
			Index:         idx,
			DisplayNumber: displayNumber(len(docs), idx),
			Author:        doc.Author,
			EditSummary:   doc.EditSummary,
			UpdatedAt:     doc.UpdatedAt,
			IsCurrent:     idx == 0,
		})
	}
	return entries, nil
}

func normalizeAuthor(author string) string {
	trimmed := strings.TrimSpace(author)
	if trimmed == "" {
		return AnonymousAuthor
	}
	return trimmed
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("pages service error", attrs...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
