package pages

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
)

func mustUpdate(t *testing.T, service *Service, input UpdateInput) {
	t.Helper()
	if err := service.Update(context.Background(), input); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
}

func countHistory(t *testing.T, db *gorm.DB, title, branch string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&HistoryEntry{}).Where("title = ? AND branch = ?", title, branch).Count(&count).Error; err != nil {
		t.Fatalf("failed to count history: %v", err)
	}
	return count
}

func TestUpdateFirstSaveCreatesMainAndTalk(t *testing.T) {
	service, db, _ := newTestService(t)
	title := mustTitle(t, "Home")

	mustUpdate(t, service, UpdateInput{
		Title:   title,
		Branch:  mustBranch(t, "main"),
		Content: "Hello",
		Author:  "alice",
	})

	page, err := service.Get(context.Background(), title, mustBranch(t, "main"))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if page.Content != "Hello" || page.Author != "alice" {
		t.Fatalf("unexpected main page: %+v", page)
	}

	talk, err := service.Get(context.Background(), title, mustBranch(t, "talk"))
	if err != nil {
		t.Fatalf("expected talk page to exist: %v", err)
	}
	if talk.Content != "" {
		t.Fatalf("expected empty talk page, got %q", talk.Content)
	}

	if got := countHistory(t, db, "Home", "main"); got != 0 {
		t.Fatalf("expected no history after first save, got %d", got)
	}
}

func TestUpdateArchivesPreviousState(t *testing.T) {
	service, db, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "World", Author: "bob"})

	page, err := service.Get(context.Background(), title, main)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if page.Content != "World" || page.Author != "bob" {
		t.Fatalf("unexpected live state: %+v", page)
	}

	var archived HistoryEntry
	if err := db.Where("title = ? AND branch = ?", "Home", "main").Take(&archived).Error; err != nil {
		t.Fatalf("expected one history row: %v", err)
	}
	if archived.Content != "Hello" || archived.Author != "alice" {
		t.Fatalf("archived row should hold the pre-overwrite state: %+v", archived)
	}
}

func TestUpdateMissingBranchOnKnownTitleCreatesFresh(t *testing.T) {
	service, db, _ := newTestService(t)
	title := mustTitle(t, "Home")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: mustBranch(t, "main"), Content: "Hello", Author: "alice"})
	mustUpdate(t, service, UpdateInput{Title: title, Branch: mustBranch(t, "draft"), Content: "Draft body", Author: "carol"})

	draft, err := service.Get(context.Background(), title, mustBranch(t, "draft"))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if draft.Content != "Draft body" {
		t.Fatalf("unexpected draft content: %q", draft.Content)
	}
	if got := countHistory(t, db, "Home", "draft"); got != 0 {
		t.Fatalf("fresh branch must start without history, got %d", got)
	}
}

func TestTalkUpdatesAppendSignedBlocks(t *testing.T) {
	service, _, clock := newTestService(t)
	title := mustTitle(t, "Home")
	talk := mustBranch(t, "talk")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: mustBranch(t, "main"), Content: "Hello", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: talk, Content: "First comment", Author: "bob"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: talk, Content: "Second comment", Author: "carol"})

	page, err := service.Get(context.Background(), title, talk)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !strings.Contains(page.Content, "First comment") || !strings.Contains(page.Content, "Second comment") {
		t.Fatalf("talk page must retain both entries:\n%s", page.Content)
	}
	if !strings.Contains(page.Content, "(User:bob ") || !strings.Contains(page.Content, "(User:carol ") {
		t.Fatalf("talk entries must carry signatures:\n%s", page.Content)
	}
	if strings.Index(page.Content, "First comment") > strings.Index(page.Content, "Second comment") {
		t.Fatalf("talk entries must append in order:\n%s", page.Content)
	}
}

func TestUpdateBlankAuthorBecomesAnonymous(t *testing.T) {
	service, _, _ := newTestService(t)
	title := mustTitle(t, "Home")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: mustBranch(t, "main"), Content: "Hello", Author: "   "})

	page, err := service.Get(context.Background(), title, mustBranch(t, "main"))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if page.Author != AnonymousAuthor {
		t.Fatalf("expected Anonymous author, got %q", page.Author)
	}
}

func TestCreateRejectsExistingPage(t *testing.T) {
	service, _, _ := newTestService(t)
	title := mustTitle(t, "Home")
	input := CreateInput{Title: title, Branch: mustBranch(t, "main"), Content: "Hello", Author: "alice"}

	if err := service.Create(context.Background(), input); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	err := service.Create(context.Background(), input)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetMissingPageReturnsNotFound(t *testing.T) {
	service, _, _ := newTestService(t)
	_, err := service.Get(context.Background(), mustTitle(t, "Nowhere"), mustBranch(t, "main"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRestoreVersionBringsBackOldContent(t *testing.T) {
	service, db, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "World", Author: "bob"})
	clock.Advance(time.Minute)

	if err := service.RestoreVersion(context.Background(), title, main, 1); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}

	page, err := service.Get(context.Background(), title, main)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if page.Content != "Hello" || page.Author != "alice" {
		t.Fatalf("expected restored Hello state, got %+v", page)
	}
	if got := countHistory(t, db, "Home", "main"); got != 2 {
		t.Fatalf("restore must archive the overwritten state, want 2 history rows, got %d", got)
	}
}

func TestRestoreVersionZeroIsNoOp(t *testing.T) {
	service, db, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})
	clock.Advance(time.Minute)

	err := service.RestoreVersion(context.Background(), title, main, 0)
	if !errors.Is(err, ErrNoOp) {
		t.Fatalf("expected ErrNoOp, got %v", err)
	}
	if got := countHistory(t, db, "Home", "main"); got != 0 {
		t.Fatalf("no-op restore must not archive anything, got %d rows", got)
	}
}

func TestRestoreVersionLeavesPermissionsUntouched(t *testing.T) {
	service, _, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{
		Title:        title,
		Branch:       main,
		Content:      "World",
		Author:       "bob",
		Permission:   PermissionSelectUsers,
		AllowedUsers: []string{"bob"},
	})
	clock.Advance(time.Minute)

	if err := service.RestoreVersion(context.Background(), title, main, 1); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}

	page, err := service.Get(context.Background(), title, main)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if page.EditPermission != PermissionSelectUsers {
		t.Fatalf("restore must not reset permission, got %q", page.EditPermission)
	}
	allowed := page.AllowedUserList()
	if len(allowed) != 1 || allowed[0] != "bob" {
		t.Fatalf("restore must not reset allowed users, got %#v", allowed)
	}
}

func TestRestoreMissingVersionReturnsNotFound(t *testing.T) {
	service, _, _ := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})

	err := service.RestoreVersion(context.Background(), title, main, 7)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestForkCopiesPageAndFullHistory(t *testing.T) {
	service, db, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v1", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v2", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v3", Author: "alice"})
	clock.Advance(time.Minute)

	if err := service.Fork(context.Background(), title, Branch("draft"), main); err != nil {
		t.Fatalf("unexpected fork error: %v", err)
	}

	draft, err := service.Get(context.Background(), title, mustBranch(t, "draft"))
	if err != nil {
		t.Fatalf("expected forked page: %v", err)
	}
	if draft.Content != "v3" {
		t.Fatalf("fork must copy the live content, got %q", draft.Content)
	}
	if got, want := countHistory(t, db, "Home", "draft"), countHistory(t, db, "Home", "main"); got != want {
		t.Fatalf("fork history mismatch: draft=%d main=%d", got, want)
	}

	var record BranchRecord
	if err := db.Where("page_title = ? AND branch_name = ?", "Home", "draft").Take(&record).Error; err != nil {
		t.Fatalf("expected registry entry: %v", err)
	}
	if record.CreatedFrom != "main" {
		t.Fatalf("registry must record the source branch, got %q", record.CreatedFrom)
	}
}

func TestForkRerunConflictsWithoutDuplicatingHistory(t *testing.T) {
	service, db, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v1", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v2", Author: "alice"})
	clock.Advance(time.Minute)

	if err := service.Fork(context.Background(), title, Branch("draft"), main); err != nil {
		t.Fatalf("unexpected fork error: %v", err)
	}
	before := countHistory(t, db, "Home", "draft")

	err := service.Fork(context.Background(), title, Branch("draft"), main)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on fork re-run, got %v", err)
	}
	if after := countHistory(t, db, "Home", "draft"); after != before {
		t.Fatalf("fork re-run duplicated history: before=%d after=%d", before, after)
	}
}

func TestForkMissingSourceReturnsNotFound(t *testing.T) {
	service, _, _ := newTestService(t)
	err := service.Fork(context.Background(), mustTitle(t, "Home"), Branch("draft"), mustBranch(t, "main"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestForkedBranchEvolvesIndependently(t *testing.T) {
	service, _, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})
	clock.Advance(time.Minute)
	if err := service.Fork(context.Background(), title, Branch("draft"), main); err != nil {
		t.Fatalf("unexpected fork error: %v", err)
	}
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: mustBranch(t, "draft"), Content: "Draft body", Author: "carol"})

	mainPage, err := service.Get(context.Background(), title, main)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if mainPage.Content != "Hello" {
		t.Fatalf("main must be untouched by draft edits, got %q", mainPage.Content)
	}
	draftPage, err := service.Get(context.Background(), title, mustBranch(t, "draft"))
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if draftPage.Content != "Draft body" {
		t.Fatalf("unexpected draft content: %q", draftPage.Content)
	}
}

func TestCompareVersionsShowsLineChanges(t *testing.T) {
	service, _, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "World", Author: "bob"})

	diff, err := service.CompareVersions(context.Background(), title, main, 1, 0)
	if err != nil {
		t.Fatalf("unexpected compare error: %v", err)
	}
	if diff.FromLabel != "Version 1" || diff.ToLabel != "Version 2" {
		t.Fatalf("unexpected labels: %q -> %q", diff.FromLabel, diff.ToLabel)
	}
	if !strings.Contains(diff.Text, "- Hello") || !strings.Contains(diff.Text, "+ World") {
		t.Fatalf("unexpected diff:\n%s", diff.Text)
	}
}

func TestCompareVersionsRejectsDegenerateRequests(t *testing.T) {
	service, _, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})

	if _, err := service.CompareVersions(context.Background(), title, main, 1, 0); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion with a single version, got %v", err)
	}

	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "World", Author: "bob"})

	if _, err := service.CompareVersions(context.Background(), title, main, 1, 1); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion for identical indexes, got %v", err)
	}
	if _, err := service.CompareVersions(context.Background(), title, main, -1, 0); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion for negative index, got %v", err)
	}
}

func TestRenameMovesEveryCollection(t *testing.T) {
	service, db, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "World", Author: "alice"})
	clock.Advance(time.Minute)
	if err := service.Fork(context.Background(), title, Branch("draft"), main); err != nil {
		t.Fatalf("unexpected fork error: %v", err)
	}

	if err := service.Rename(context.Background(), title, mustTitle(t, "Start")); err != nil {
		t.Fatalf("unexpected rename error: %v", err)
	}

	var oldPages, oldHistory, oldBranches int64
	db.Model(&Page{}).Where("title = ?", "Home").Count(&oldPages)
	db.Model(&HistoryEntry{}).Where("title = ?", "Home").Count(&oldHistory)
	db.Model(&BranchRecord{}).Where("page_title = ?", "Home").Count(&oldBranches)
	if oldPages != 0 || oldHistory != 0 || oldBranches != 0 {
		t.Fatalf("rename left rows behind: pages=%d history=%d branches=%d", oldPages, oldHistory, oldBranches)
	}

	renamed, err := service.Get(context.Background(), mustTitle(t, "Start"), main)
	if err != nil {
		t.Fatalf("expected renamed page: %v", err)
	}
	if renamed.Content != "World" {
		t.Fatalf("rename must preserve live content, got %q", renamed.Content)
	}
}

func TestRenameTargetTakenReturnsConflict(t *testing.T) {
	service, _, _ := newTestService(t)

	mustUpdate(t, service, UpdateInput{Title: mustTitle(t, "Home"), Branch: mustBranch(t, "main"), Content: "a", Author: "alice"})
	mustUpdate(t, service, UpdateInput{Title: mustTitle(t, "Start"), Branch: mustBranch(t, "main"), Content: "b", Author: "alice"})

	err := service.Rename(context.Background(), mustTitle(t, "Home"), mustTitle(t, "Start"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRenameMissingSourceReturnsNotFound(t *testing.T) {
	service, _, _ := newTestService(t)
	err := service.Rename(context.Background(), mustTitle(t, "Ghost"), mustTitle(t, "Start"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeletePageRemovesAllBranchesKeepsHistory(t *testing.T) {
	service, db, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "World", Author: "alice"})
	clock.Advance(time.Minute)
	if err := service.Fork(context.Background(), title, Branch("draft"), main); err != nil {
		t.Fatalf("unexpected fork error: %v", err)
	}

	if err := service.DeletePage(context.Background(), title); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	var livePages int64
	db.Model(&Page{}).Where("title = ?", "Home").Count(&livePages)
	if livePages != 0 {
		t.Fatalf("expected all live rows gone, got %d", livePages)
	}
	if got := countHistory(t, db, "Home", "main"); got == 0 {
		t.Fatalf("delete must preserve history")
	}

	if err := service.DeletePage(context.Background(), title); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeleteBranchRemovesPageAndRegistryKeepsHistory(t *testing.T) {
	service, db, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v1", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v2", Author: "alice"})
	clock.Advance(time.Minute)
	if err := service.Fork(context.Background(), title, Branch("draft"), main); err != nil {
		t.Fatalf("unexpected fork error: %v", err)
	}

	if err := service.DeleteBranch(context.Background(), title, mustBranch(t, "draft")); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	if _, err := service.Get(context.Background(), title, mustBranch(t, "draft")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected draft page gone, got %v", err)
	}
	var registry int64
	db.Model(&BranchRecord{}).Where("page_title = ? AND branch_name = ?", "Home", "draft").Count(&registry)
	if registry != 0 {
		t.Fatalf("expected registry entry gone, got %d", registry)
	}
	if got := countHistory(t, db, "Home", "draft"); got == 0 {
		t.Fatalf("delete-branch must preserve history")
	}

	err := service.DeleteBranch(context.Background(), title, mustBranch(t, "draft"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestListBranchesMergesRegistryAndPages(t *testing.T) {
	service, _, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "Hello", Author: "alice"})
	clock.Advance(time.Minute)
	if err := service.Fork(context.Background(), title, Branch("draft"), main); err != nil {
		t.Fatalf("unexpected fork error: %v", err)
	}
	// An independent branch created by direct update, never registered.
	mustUpdate(t, service, UpdateInput{Title: title, Branch: mustBranch(t, "experiment"), Content: "x", Author: "alice"})

	branches, err := service.ListBranches(context.Background(), title)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	expected := []string{"draft", "experiment", "main", "talk"}
	if len(branches) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, branches)
	}
	for i, name := range expected {
		if branches[i] != name {
			t.Fatalf("expected %v, got %v", expected, branches)
		}
	}
}

func TestListAllBranchesAlwaysIncludesMain(t *testing.T) {
	service, _, _ := newTestService(t)
	branches, err := service.ListAllBranches(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(branches) != 1 || branches[0] != "main" {
		t.Fatalf("expected [main], got %v", branches)
	}
}

func TestSearchPagesMatchesTitleAndContent(t *testing.T) {
	service, _, clock := newTestService(t)
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: mustTitle(t, "Kitchen"), Branch: main, Content: "recipes and spices", Author: "alice"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: mustTitle(t, "Garage"), Branch: main, Content: "tools", Author: "alice"})

	byContent, err := service.SearchPages(context.Background(), "spices", main, 0)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(byContent) != 1 || byContent[0].Title != "Kitchen" {
		t.Fatalf("expected Kitchen by content, got %#v", byContent)
	}

	byTitle, err := service.SearchPages(context.Background(), "gara", main, 0)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(byTitle) != 1 || byTitle[0].Title != "Garage" {
		t.Fatalf("expected Garage by title, got %#v", byTitle)
	}

	withWildcard, err := service.SearchPages(context.Background(), "%", main, 0)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(withWildcard) != 0 {
		t.Fatalf("literal %% must not match everything, got %d pages", len(withWildcard))
	}
}

func TestVersionHistoryDisplayNumbers(t *testing.T) {
	service, _, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v1", Author: "alice", Summary: "first"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v2", Author: "bob", Summary: "second"})
	clock.Advance(time.Minute)
	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v3", Author: "carol", Summary: "third"})

	entries, err := service.VersionHistory(context.Background(), title, main, 0)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(entries))
	}
	if !entries[0].IsCurrent || entries[0].DisplayNumber != 3 || entries[0].Author != "carol" {
		t.Fatalf("unexpected current entry: %+v", entries[0])
	}
	if entries[2].DisplayNumber != 1 || entries[2].Author != "alice" {
		t.Fatalf("oldest version must display as 1: %+v", entries[2])
	}
}

func TestHistoryCountNeverDecreases(t *testing.T) {
	service, db, clock := newTestService(t)
	title := mustTitle(t, "Home")
	main := mustBranch(t, "main")

	mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "v1", Author: "alice"})
	previous := countHistory(t, db, "Home", "main")
	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		mustUpdate(t, service, UpdateInput{Title: title, Branch: main, Content: "more", Author: "alice"})
		current := countHistory(t, db, "Home", "main")
		if current != previous+1 {
			t.Fatalf("each overwrite must add exactly one history row: %d -> %d", previous, current)
		}
		previous = current
	}
}
