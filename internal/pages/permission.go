package pages

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Permission gates who may edit a page.
type Permission string

const (
	// PermissionEverybody allows any visitor to edit.
	PermissionEverybody Permission = "everybody"
	// PermissionTenEdits requires at least ten recorded edits.
	PermissionTenEdits Permission = "ten_edits"
	// PermissionFiftyEdits requires at least fifty recorded edits.
	PermissionFiftyEdits Permission = "fifty_edits"
	// PermissionSelectUsers restricts editing to an explicit user set.
	PermissionSelectUsers Permission = "select_users"
)

const (
	tenEditsThreshold   = 10
	fiftyEditsThreshold = 50
)

// ErrInvalidPermission indicates an unknown permission value.
var ErrInvalidPermission = errors.New("pages: invalid edit permission")

// ParsePermission validates raw input; empty input resolves to everybody.
func ParsePermission(rawInput string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", PermissionEverybody:
		return PermissionEverybody, nil
	case PermissionTenEdits:
		return PermissionTenEdits, nil
	case PermissionFiftyEdits:
		return PermissionFiftyEdits, nil
	case PermissionSelectUsers:
		return PermissionSelectUsers, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, rawInput)
	}
}

// CanEdit reports whether a user clears the page's permission gate.
// totalEdits is the user's lifetime edit count; allowedUsers only matters
// for select_users.
func CanEdit(permission Permission, allowedUsers []string, totalEdits int64, userID string) bool {
	switch permission {
	case PermissionEverybody, "":
		return true
	case PermissionTenEdits:
		return totalEdits >= tenEditsThreshold
	case PermissionFiftyEdits:
		return totalEdits >= fiftyEditsThreshold
	case PermissionSelectUsers:
		return slices.Contains(allowedUsers, userID)
	default:
		return false
	}
}
