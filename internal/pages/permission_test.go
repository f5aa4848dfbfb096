package pages

import (
	"errors"
	"testing"
)

func TestParsePermission(t *testing.T) {
	cases := []struct {
		input    string
		expected Permission
	}{
		{input: "", expected: PermissionEverybody},
		{input: "everybody", expected: PermissionEverybody},
		{input: "  TEN_EDITS ", expected: PermissionTenEdits},
		{input: "fifty_edits", expected: PermissionFiftyEdits},
		{input: "select_users", expected: PermissionSelectUsers},
	}
	for _, tc := range cases {
		parsed, err := ParsePermission(tc.input)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.input, err)
		}
		if parsed != tc.expected {
			t.Fatalf("expected %q for %q, got %q", tc.expected, tc.input, parsed)
		}
	}

	if _, err := ParsePermission("admins_only"); !errors.Is(err, ErrInvalidPermission) {
		t.Fatalf("expected ErrInvalidPermission, got %v", err)
	}
}

func TestCanEditThresholds(t *testing.T) {
	if !CanEdit(PermissionEverybody, nil, 0, "anyone") {
		t.Fatalf("everybody must always pass")
	}
	if CanEdit(PermissionTenEdits, nil, 9, "u") {
		t.Fatalf("nine edits must not clear ten_edits")
	}
	if !CanEdit(PermissionTenEdits, nil, 10, "u") {
		t.Fatalf("ten edits must clear ten_edits")
	}
	if CanEdit(PermissionFiftyEdits, nil, 49, "u") {
		t.Fatalf("forty-nine edits must not clear fifty_edits")
	}
	if !CanEdit(PermissionFiftyEdits, nil, 50, "u") {
		t.Fatalf("fifty edits must clear fifty_edits")
	}
}

func TestCanEditSelectUsers(t *testing.T) {
	allowed := []string{"alice", "bob"}
	if !CanEdit(PermissionSelectUsers, allowed, 1000, "alice") {
		t.Fatalf("listed user must pass")
	}
	if CanEdit(PermissionSelectUsers, allowed, 1000, "mallory") {
		t.Fatalf("unlisted user must fail regardless of edit count")
	}
}

func TestCanEditUnknownPermissionDenies(t *testing.T) {
	if CanEdit(Permission("mystery"), nil, 1000, "u") {
		t.Fatalf("unknown permission must deny")
	}
}
