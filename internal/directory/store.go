package directory

import (
	"context"
	"time"
)

// Store implementations return AppErrors for the domain conditions named on
// each method (not found, duplicate, existing) and wrapped plain errors for
// infrastructure failures. Name and username lookups ignore case.

// DirectoryStore persists directory descriptors and the backend type catalog
type DirectoryStore interface {
	ListDirectories(ctx context.Context) ([]Descriptor, error)
	// GetDirectory fails with UserDirectoryNotFound
	GetDirectory(ctx context.Context, id string) (*Descriptor, error)
	// CreateDirectory fails with DuplicateUserDirectory on a clashing name
	CreateDirectory(ctx context.Context, desc *Descriptor) error
	// UpdateDirectory replaces the whole record; fails with UserDirectoryNotFound
	UpdateDirectory(ctx context.Context, desc *Descriptor) error
	// DeleteDirectory fails with UserDirectoryNotFound
	DeleteDirectory(ctx context.Context, id string) error
	ListDirectoryTypes(ctx context.Context) ([]DirectoryType, error)
	// FindDirectoryIDsForUsername is the indexed lookup over locally stored users
	FindDirectoryIDsForUsername(ctx context.Context, username string) ([]string, error)
}

// PasswordUpdate is applied to one user atomically: hash, attempts and expiry
// are replaced, history is optionally cleared, then the new hash is appended.
type PasswordUpdate struct {
	UserID           string
	PasswordHash     string
	PasswordAttempts int
	PasswordExpiry   *time.Time
	ResetHistory     bool
	ChangedAt        time.Time
}

// UserStore persists internal directory users and their password history
type UserStore interface {
	// GetUser fails with UserNotFound
	GetUser(ctx context.Context, directoryID, username string) (*User, error)
	ListUsers(ctx context.Context, directoryID string, q ListQuery) ([]User, error)
	CountUsers(ctx context.Context, directoryID, filter string) (int, error)
	// CreateUser fails with DuplicateUser. A non-nil history entry is stored with the user.
	CreateUser(ctx context.Context, user *User, history *PasswordHistoryEntry) error
	// UpdateUser writes profile fields, attempts and expiry; fails with UserNotFound
	UpdateUser(ctx context.Context, user *User) error
	// DeleteUser removes the user, its memberships and history; fails with UserNotFound
	DeleteUser(ctx context.Context, directoryID, username string) error
	// IncrementPasswordAttempts adds one to the counter unless it is untracked
	IncrementPasswordAttempts(ctx context.Context, userID string) error
	SetPassword(ctx context.Context, update PasswordUpdate) error
	// ListPasswordHistory returns entries changed strictly after since
	ListPasswordHistory(ctx context.Context, userID string, since time.Time) ([]PasswordHistoryEntry, error)
}

// GroupStore persists internal groups, their memberships and the group to
// role mapping. LDAP backends keep a shadow group here to carry roles.
type GroupStore interface {
	// GetGroup fails with GroupNotFound
	GetGroup(ctx context.Context, directoryID, name string) (*Group, error)
	ListGroups(ctx context.Context, directoryID string, q ListQuery) ([]Group, error)
	CountGroups(ctx context.Context, directoryID, filter string) (int, error)
	// CreateGroup fails with DuplicateGroup
	CreateGroup(ctx context.Context, group *Group) error
	// UpdateGroup writes the description; fails with GroupNotFound
	UpdateGroup(ctx context.Context, group *Group) error
	// DeleteGroup removes the group with its memberships and role mappings
	DeleteGroup(ctx context.Context, groupID string) error

	// AddMember fails with ExistingGroupMember
	AddMember(ctx context.Context, groupID, userID string) error
	// RemoveMember fails with GroupMemberNotFound
	RemoveMember(ctx context.Context, groupID, userID string) error
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	// ListMembers filters and sorts on the member username
	ListMembers(ctx context.Context, groupID string, q ListQuery) ([]string, error)
	CountMembers(ctx context.Context, groupID, filter string) (int, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]Group, error)

	// AddRoleToGroup fails with ExistingGroupRole
	AddRoleToGroup(ctx context.Context, groupID, roleCode string) error
	// RemoveRoleFromGroup fails with GroupRoleNotFound
	RemoveRoleFromGroup(ctx context.Context, groupID, roleCode string) error
	ListRoleCodesForGroup(ctx context.Context, groupID string) ([]string, error)
	// ListRoleCodesForGroupNames returns the distinct role codes of the named groups
	ListRoleCodesForGroupNames(ctx context.Context, directoryID string, groupNames []string) ([]string, error)
}

// RoleStore persists the global role and function catalog
type RoleStore interface {
	// CreateRole fails with DuplicateRole
	CreateRole(ctx context.Context, role *Role) error
	// GetRole fails with RoleNotFound
	GetRole(ctx context.Context, code string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	// CreateFunction fails with DuplicateFunction
	CreateFunction(ctx context.Context, fn *Function) error
	// GetFunction fails with FunctionNotFound
	GetFunction(ctx context.Context, code string) (*Function, error)
	// AddFunctionToRole fails with RoleNotFound or FunctionNotFound
	AddFunctionToRole(ctx context.Context, roleCode, functionCode string) error
	ListFunctionCodesForRoles(ctx context.Context, roleCodes []string) ([]string, error)
}

// Store is everything the directory core needs from persistence
type Store interface {
	DirectoryStore
	UserStore
	GroupStore
	RoleStore
}
