// Package directory provides the pluggable user directory core: the Backend
// contract, the internal and LDAP backends, the registry that hot-reloads
// backends per configured directory and the dispatcher that routes identity
// operations to the directory owning a username.
package directory

import (
	"strings"
	"time"
)

// UntrackedPasswordAttempts marks a user whose failed password attempts are
// not counted (e.g. imported users). The counter is never incremented.
const UntrackedPasswordAttempts = -1

// UserStatus is the effective state of a user account
type UserStatus string

const (
	UserStatusActive   UserStatus = "ACTIVE"
	UserStatusLocked   UserStatus = "LOCKED"
	UserStatusExpired  UserStatus = "EXPIRED"
	UserStatusDisabled UserStatus = "DISABLED"
)

// Parameter is one name/value pair of a directory descriptor. Values are
// always strings and are coerced by the backend that reads them.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Descriptor is the administrator-managed configuration of one directory
type Descriptor struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Name       string      `json:"name"`
	Parameters []Parameter `json:"parameters"`
}

// Parameter returns the value of the named parameter, ignoring case
func (d Descriptor) Parameter(name string) (string, bool) {
	for _, p := range d.Parameters {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// DirectoryType is one row of the backend type catalog
type DirectoryType struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	BackendClass string `json:"backend_class"`
}

// User is a user account held by a directory
type User struct {
	ID               string     `json:"id"`
	DirectoryID      string     `json:"directory_id"`
	Username         string     `json:"username"`
	Name             string     `json:"name"`
	PreferredName    string     `json:"preferred_name"`
	Email            string     `json:"email"`
	PhoneNumber      string     `json:"phone_number"`
	MobileNumber     string     `json:"mobile_number"`
	Status           UserStatus `json:"status"`
	PasswordHash     string     `json:"-"`
	PasswordAttempts int        `json:"password_attempts"`
	PasswordExpiry   *time.Time `json:"password_expiry,omitempty"`
}

// Group is a named set of users within a directory
type Group struct {
	ID          string `json:"id"`
	DirectoryID string `json:"directory_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// MemberType distinguishes user members from nested group members
type MemberType string

const (
	MemberTypeUser  MemberType = "USER"
	MemberTypeGroup MemberType = "GROUP"
)

// GroupMember is one visible member of a group
type GroupMember struct {
	DirectoryID string     `json:"directory_id"`
	GroupName   string     `json:"group_name"`
	MemberType  MemberType `json:"member_type"`
	MemberName  string     `json:"member_name"`
}

// Role is a directory-independent authorization catalog entry
type Role struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Function is a fine-grained permission aggregated by roles
type Function struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PasswordHistoryEntry records one password a user has held
type PasswordHistoryEntry struct {
	UserID       string    `json:"user_id"`
	ChangedAt    time.Time `json:"changed_at"`
	PasswordHash string    `json:"-"`
}

// AdminPasswordChange controls the side effects of an administrative password change
type AdminPasswordChange struct {
	ExpirePassword       bool
	LockUser             bool
	ResetPasswordHistory bool
	Reason               string
}

// CreateUserOptions controls the initial password state of a new user
type CreateUserOptions struct {
	ExpiredPassword bool
	UserLocked      bool
}

// UpdateUserOptions forces password state changes alongside a profile update
type UpdateUserOptions struct {
	ExpirePassword bool
	LockUser       bool
}

// SortDirection orders filtered listings
type SortDirection string

const (
	SortAscending  SortDirection = "ASC"
	SortDescending SortDirection = "DESC"
)

// Sort keys accepted by the filtered listings
const (
	UserSortByUsername      = "username"
	UserSortByName          = "name"
	UserSortByPreferredName = "preferred_name"
	UserSortByEmail         = "email"

	GroupSortByName        = "name"
	GroupSortByDescription = "description"

	MemberSortByName = "member_name"
	MemberSortByType = "member_type"
)

// ListQuery is a filtered, sorted and paged listing request as seen by a store
type ListQuery struct {
	Filter        string
	SortBy        string
	SortDirection SortDirection
	Offset        int
	Limit         int
}
