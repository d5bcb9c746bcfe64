package directory

import "context"

// Backend is one live user directory. The directory id is fixed at
// construction. Every operation either succeeds, fails with a domain error
// (not found, conflict, credential, invalid argument) or fails with a
// ServiceUnavailable error wrapping the underlying cause.
type Backend interface {
	DirectoryID() string
	Capabilities() Capabilities

	// Authenticate fails with UserNotFound, UserLocked, AuthenticationFailed or ExpiredPassword
	Authenticate(ctx context.Context, username, password string) error
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error
	AdminChangePassword(ctx context.Context, username, newPassword string, opts AdminPasswordChange) error
	// ResetPassword follows out-of-band verification and skips the old password check
	ResetPassword(ctx context.Context, username, newPassword string) error

	IsExistingUser(ctx context.Context, username string) (bool, error)
	GetUser(ctx context.Context, username string) (*User, error)
	GetUsers(ctx context.Context) ([]User, error)
	GetFilteredUsers(ctx context.Context, filter, sortBy string, dir SortDirection, pageIndex, pageSize int) ([]User, error)
	GetNumberOfFilteredUsers(ctx context.Context, filter string) (int, error)
	CreateUser(ctx context.Context, user *User, password string, opts CreateUserOptions) error
	UpdateUser(ctx context.Context, user *User, opts UpdateUserOptions) error
	DeleteUser(ctx context.Context, username string) error

	IsExistingGroup(ctx context.Context, name string) (bool, error)
	GetGroup(ctx context.Context, name string) (*Group, error)
	GetGroups(ctx context.Context) ([]Group, error)
	GetGroupNames(ctx context.Context) ([]string, error)
	GetFilteredGroups(ctx context.Context, filter, sortBy string, dir SortDirection, pageIndex, pageSize int) ([]Group, error)
	GetNumberOfFilteredGroups(ctx context.Context, filter string) (int, error)
	CreateGroup(ctx context.Context, group *Group) error
	UpdateGroup(ctx context.Context, group *Group) error
	// DeleteGroup fails with ExistingGroupMembers while the group has members
	DeleteGroup(ctx context.Context, name string) error

	AddMemberToGroup(ctx context.Context, groupName string, memberType MemberType, memberName string) error
	RemoveMemberFromGroup(ctx context.Context, groupName string, memberType MemberType, memberName string) error
	IsUserInGroup(ctx context.Context, groupName, username string) (bool, error)
	GetMembersForGroup(ctx context.Context, groupName string) ([]GroupMember, error)
	GetFilteredMembersForGroup(ctx context.Context, groupName, filter, sortBy string, dir SortDirection, pageIndex, pageSize int) ([]GroupMember, error)
	GetNumberOfFilteredMembersForGroup(ctx context.Context, groupName, filter string) (int, error)
	GetGroupNamesForUser(ctx context.Context, username string) ([]string, error)
	GetGroupsForUser(ctx context.Context, username string) ([]Group, error)

	AddRoleToGroup(ctx context.Context, groupName, roleCode string) error
	RemoveRoleFromGroup(ctx context.Context, groupName, roleCode string) error
	GetRoleCodesForGroup(ctx context.Context, groupName string) ([]string, error)
	GetRoleCodesForUser(ctx context.Context, username string) ([]string, error)
}
