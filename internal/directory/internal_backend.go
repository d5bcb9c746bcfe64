package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/common/logger"
)

// Internal backend defaults, overridable through descriptor parameters
const (
	DefaultMaxPasswordAttempts   = 5
	DefaultPasswordExpiryMonths  = 3
	DefaultPasswordHistoryMonths = 12
)

// InternalBackend is a directory held in the service's own store. It owns
// the password lifecycle: attempt counting, lockout, expiry and reuse checks.
type InternalBackend struct {
	id     string
	users  UserStore
	groups GroupStore
	roles  RoleStore
	hasher PasswordHasher
	now    func() time.Time
	logger *zap.Logger

	maxPasswordAttempts   int
	passwordExpiryMonths  int
	passwordHistoryMonths int
	limits                listLimits
}

// NewInternalBackend builds an internal backend from its descriptor
func NewInternalBackend(desc Descriptor, deps Dependencies) (*InternalBackend, error) {
	if deps.Store == nil || deps.Hasher == nil {
		return nil, fmt.Errorf("internal directory %s: store and hasher are required", desc.ID)
	}
	p := newParams(desc)

	b := &InternalBackend{
		id:     desc.ID,
		users:  deps.Store,
		groups: deps.Store,
		roles:  deps.Store,
		hasher: deps.Hasher,
		now:    deps.clock(),
		logger: logger.WithDirectory(logger.WithComponent(deps.logger(), "internal-directory"), desc.ID, desc.Type),
	}

	var err error
	if b.maxPasswordAttempts, err = p.getInt("MaxPasswordAttempts", DefaultMaxPasswordAttempts); err != nil {
		return nil, err
	}
	if b.passwordExpiryMonths, err = p.getInt("PasswordExpiryMonths", DefaultPasswordExpiryMonths); err != nil {
		return nil, err
	}
	if b.passwordHistoryMonths, err = p.getInt("PasswordHistoryMonths", DefaultPasswordHistoryMonths); err != nil {
		return nil, err
	}
	if b.limits, err = p.listLimits(); err != nil {
		return nil, err
	}
	return b, nil
}

// DirectoryID returns the id of the directory this backend serves
func (b *InternalBackend) DirectoryID() string { return b.id }

// Capabilities of an internal directory are all enabled
func (b *InternalBackend) Capabilities() Capabilities { return AllCapabilities() }

func (b *InternalBackend) fail(op, key string, err error) error {
	return boundary(b.logger, op, b.id, key, err)
}

func (b *InternalBackend) isLocked(u *User) bool {
	return u.PasswordAttempts != UntrackedPasswordAttempts && u.PasswordAttempts >= b.maxPasswordAttempts
}

func isExpired(u *User, now time.Time) bool {
	return u.PasswordExpiry != nil && !now.Before(*u.PasswordExpiry)
}

// present derives the status and strips the hash before a user leaves the backend
func (b *InternalBackend) present(u User, now time.Time) User {
	switch {
	case b.isLocked(&u):
		u.Status = UserStatusLocked
	case isExpired(&u, now):
		u.Status = UserStatusExpired
	default:
		u.Status = UserStatusActive
	}
	u.PasswordHash = ""
	return u
}

func (b *InternalBackend) expiryFrom(now time.Time) *time.Time {
	t := now.AddDate(0, b.passwordExpiryMonths, 0)
	return &t
}

// attemptsAfterChange keeps untracked users untracked
func attemptsAfterChange(u *User) int {
	if u.PasswordAttempts == UntrackedPasswordAttempts {
		return UntrackedPasswordAttempts
	}
	return 0
}

// Authenticate verifies the password. A mismatch counts as a failed attempt.
func (b *InternalBackend) Authenticate(ctx context.Context, username, password string) error {
	user, err := b.users.GetUser(ctx, b.id, username)
	if err != nil {
		return b.fail("authenticate", username, err)
	}
	if b.isLocked(user) {
		return apperrors.UserLocked(username)
	}
	if !b.hasher.Matches(password, user.PasswordHash) {
		if err := b.recordFailedAttempt(ctx, user); err != nil {
			return b.fail("authenticate", username, err)
		}
		return apperrors.AuthenticationFailed(username)
	}
	if isExpired(user, b.now()) {
		return apperrors.ExpiredPassword(username)
	}
	return nil
}

func (b *InternalBackend) recordFailedAttempt(ctx context.Context, user *User) error {
	if user.PasswordAttempts == UntrackedPasswordAttempts {
		return nil
	}
	return b.users.IncrementPasswordAttempts(ctx, user.ID)
}

// checkHistory rejects a hash used within the history window
func (b *InternalBackend) checkHistory(ctx context.Context, user *User, hash string, now time.Time) error {
	since := now.AddDate(0, -b.passwordHistoryMonths, 0)
	entries, err := b.users.ListPasswordHistory(ctx, user.ID, since)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.PasswordHash == hash {
			return apperrors.ExistingPassword(user.Username)
		}
	}
	return nil
}

// ChangePassword authorizes with the old password and rejects recently used passwords
func (b *InternalBackend) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	user, err := b.users.GetUser(ctx, b.id, username)
	if err != nil {
		return b.fail("change password", username, err)
	}
	if b.isLocked(user) {
		return apperrors.UserLocked(username)
	}
	if !b.hasher.Matches(oldPassword, user.PasswordHash) {
		if err := b.recordFailedAttempt(ctx, user); err != nil {
			return b.fail("change password", username, err)
		}
		return apperrors.AuthenticationFailed(username)
	}
	return b.fail("change password", username, b.replacePassword(ctx, user, newPassword))
}

// ResetPassword sets a new password after out-of-band verification
func (b *InternalBackend) ResetPassword(ctx context.Context, username, newPassword string) error {
	user, err := b.users.GetUser(ctx, b.id, username)
	if err != nil {
		return b.fail("reset password", username, err)
	}
	if b.isLocked(user) {
		return apperrors.UserLocked(username)
	}
	return b.fail("reset password", username, b.replacePassword(ctx, user, newPassword))
}

func (b *InternalBackend) replacePassword(ctx context.Context, user *User, newPassword string) error {
	now := b.now()
	hash := b.hasher.Hash(newPassword)
	if err := b.checkHistory(ctx, user, hash, now); err != nil {
		return err
	}
	return b.users.SetPassword(ctx, PasswordUpdate{
		UserID:           user.ID,
		PasswordHash:     hash,
		PasswordAttempts: attemptsAfterChange(user),
		PasswordExpiry:   b.expiryFrom(now),
		ChangedAt:        now,
	})
}

// AdminChangePassword sets a password without the old password or reuse checks.
// LockUser always locks, so an untracked user becomes tracked at the maximum
// attempt count; without it the untracked marker is kept.
func (b *InternalBackend) AdminChangePassword(ctx context.Context, username, newPassword string, opts AdminPasswordChange) error {
	user, err := b.users.GetUser(ctx, b.id, username)
	if err != nil {
		return b.fail("admin change password", username, err)
	}

	now := b.now()
	update := PasswordUpdate{
		UserID:           user.ID,
		PasswordHash:     b.hasher.Hash(newPassword),
		PasswordAttempts: attemptsAfterChange(user),
		PasswordExpiry:   b.expiryFrom(now),
		ResetHistory:     opts.ResetPasswordHistory,
		ChangedAt:        now,
	}
	if opts.LockUser {
		if user.PasswordAttempts == UntrackedPasswordAttempts {
			b.logger.Info("Locking untracked user starts attempt tracking", zap.String("username", username))
		}
		update.PasswordAttempts = b.maxPasswordAttempts
	}
	if opts.ExpirePassword {
		update.PasswordExpiry = &now
	}
	if err := b.users.SetPassword(ctx, update); err != nil {
		return b.fail("admin change password", username, err)
	}

	b.logger.Info("Administrative password change",
		zap.String("username", username),
		zap.String("reason", opts.Reason),
		zap.Bool("expire_password", opts.ExpirePassword),
		zap.Bool("lock_user", opts.LockUser),
		zap.Bool("reset_history", opts.ResetPasswordHistory))
	return nil
}

// IsExistingUser reports whether the username exists in this directory
func (b *InternalBackend) IsExistingUser(ctx context.Context, username string) (bool, error) {
	_, err := b.users.GetUser(ctx, b.id, username)
	if apperrors.IsErrorCode(err, apperrors.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, b.fail("check user", username, err)
	}
	return true, nil
}

// GetUser returns the user with its derived status
func (b *InternalBackend) GetUser(ctx context.Context, username string) (*User, error) {
	user, err := b.users.GetUser(ctx, b.id, username)
	if err != nil {
		return nil, b.fail("get user", username, err)
	}
	u := b.present(*user, b.now())
	return &u, nil
}

// GetUsers returns every user of the directory ordered by username
func (b *InternalBackend) GetUsers(ctx context.Context) ([]User, error) {
	return b.listUsers(ctx, ListQuery{SortBy: UserSortByUsername, SortDirection: SortAscending})
}

// GetFilteredUsers pages through users whose username, name or preferred name contains filter
func (b *InternalBackend) GetFilteredUsers(ctx context.Context, filter, sortBy string, dir SortDirection, pageIndex, pageSize int) ([]User, error) {
	offset, limit := page(pageIndex, pageSize, b.limits.maxUsers)
	return b.listUsers(ctx, ListQuery{
		Filter:        filter,
		SortBy:        userSortKey(sortBy),
		SortDirection: normalizeDirection(dir),
		Offset:        offset,
		Limit:         limit,
	})
}

func (b *InternalBackend) listUsers(ctx context.Context, q ListQuery) ([]User, error) {
	users, err := b.users.ListUsers(ctx, b.id, q)
	if err != nil {
		return nil, b.fail("list users", q.Filter, err)
	}
	now := b.now()
	for i := range users {
		users[i] = b.present(users[i], now)
	}
	return users, nil
}

// GetNumberOfFilteredUsers counts users matching filter
func (b *InternalBackend) GetNumberOfFilteredUsers(ctx context.Context, filter string) (int, error) {
	n, err := b.users.CountUsers(ctx, b.id, filter)
	if err != nil {
		return 0, b.fail("count users", filter, err)
	}
	return n, nil
}

// CreateUser stores a new user with an initial password
func (b *InternalBackend) CreateUser(ctx context.Context, user *User, password string, opts CreateUserOptions) error {
	if err := validateUser(user); err != nil {
		return err
	}
	now := b.now()

	user.ID = uuid.New().String()
	user.DirectoryID = b.id
	user.PasswordAttempts = 0
	user.PasswordExpiry = b.expiryFrom(now)
	if opts.UserLocked {
		user.PasswordAttempts = b.maxPasswordAttempts
	}
	if opts.ExpiredPassword {
		user.PasswordExpiry = &now
	}

	var history *PasswordHistoryEntry
	if password != "" {
		user.PasswordHash = b.hasher.Hash(password)
		history = &PasswordHistoryEntry{UserID: user.ID, ChangedAt: now, PasswordHash: user.PasswordHash}
	}

	if err := b.users.CreateUser(ctx, user, history); err != nil {
		return b.fail("create user", user.Username, err)
	}
	user.Status = b.present(*user, now).Status
	user.PasswordHash = ""
	return nil
}

// UpdateUser replaces the profile fields and optionally forces lock or expiry
func (b *InternalBackend) UpdateUser(ctx context.Context, user *User, opts UpdateUserOptions) error {
	if err := validateUser(user); err != nil {
		return err
	}
	existing, err := b.users.GetUser(ctx, b.id, user.Username)
	if err != nil {
		return b.fail("update user", user.Username, err)
	}
	existing.Name = user.Name
	existing.PreferredName = user.PreferredName
	existing.Email = user.Email
	existing.PhoneNumber = user.PhoneNumber
	existing.MobileNumber = user.MobileNumber
	if opts.LockUser {
		existing.PasswordAttempts = b.maxPasswordAttempts
	}
	if opts.ExpirePassword {
		now := b.now()
		existing.PasswordExpiry = &now
	}
	if err := b.users.UpdateUser(ctx, existing); err != nil {
		return b.fail("update user", user.Username, err)
	}
	return nil
}

// DeleteUser removes the user with its memberships and history
func (b *InternalBackend) DeleteUser(ctx context.Context, username string) error {
	return b.fail("delete user", username, b.users.DeleteUser(ctx, b.id, username))
}

// IsExistingGroup reports whether the group exists in this directory
func (b *InternalBackend) IsExistingGroup(ctx context.Context, name string) (bool, error) {
	_, err := b.groups.GetGroup(ctx, b.id, name)
	if apperrors.IsErrorCode(err, apperrors.ErrGroupNotFound) {
		return false, nil
	}
	if err != nil {
		return false, b.fail("check group", name, err)
	}
	return true, nil
}

// GetGroup returns the named group
func (b *InternalBackend) GetGroup(ctx context.Context, name string) (*Group, error) {
	g, err := b.groups.GetGroup(ctx, b.id, name)
	if err != nil {
		return nil, b.fail("get group", name, err)
	}
	return g, nil
}

// GetGroups returns every group ordered by name
func (b *InternalBackend) GetGroups(ctx context.Context) ([]Group, error) {
	groups, err := b.groups.ListGroups(ctx, b.id, ListQuery{SortBy: GroupSortByName, SortDirection: SortAscending})
	if err != nil {
		return nil, b.fail("list groups", "", err)
	}
	return groups, nil
}

// GetGroupNames returns the names of every group
func (b *InternalBackend) GetGroupNames(ctx context.Context) ([]string, error) {
	groups, err := b.GetGroups(ctx)
	if err != nil {
		return nil, err
	}
	return groupNames(groups), nil
}

// GetFilteredGroups pages through groups whose name contains filter
func (b *InternalBackend) GetFilteredGroups(ctx context.Context, filter, sortBy string, dir SortDirection, pageIndex, pageSize int) ([]Group, error) {
	offset, limit := page(pageIndex, pageSize, b.limits.maxGroups)
	groups, err := b.groups.ListGroups(ctx, b.id, ListQuery{
		Filter:        filter,
		SortBy:        groupSortKey(sortBy),
		SortDirection: normalizeDirection(dir),
		Offset:        offset,
		Limit:         limit,
	})
	if err != nil {
		return nil, b.fail("list groups", filter, err)
	}
	return groups, nil
}

// GetNumberOfFilteredGroups counts groups matching filter
func (b *InternalBackend) GetNumberOfFilteredGroups(ctx context.Context, filter string) (int, error) {
	n, err := b.groups.CountGroups(ctx, b.id, filter)
	if err != nil {
		return 0, b.fail("count groups", filter, err)
	}
	return n, nil
}

// CreateGroup stores a new group
func (b *InternalBackend) CreateGroup(ctx context.Context, group *Group) error {
	if err := requireValue("group name", group.Name); err != nil {
		return err
	}
	group.ID = uuid.New().String()
	group.DirectoryID = b.id
	return b.fail("create group", group.Name, b.groups.CreateGroup(ctx, group))
}

// UpdateGroup replaces the group description
func (b *InternalBackend) UpdateGroup(ctx context.Context, group *Group) error {
	existing, err := b.groups.GetGroup(ctx, b.id, group.Name)
	if err != nil {
		return b.fail("update group", group.Name, err)
	}
	existing.Description = group.Description
	return b.fail("update group", group.Name, b.groups.UpdateGroup(ctx, existing))
}

// DeleteGroup removes an empty group
func (b *InternalBackend) DeleteGroup(ctx context.Context, name string) error {
	g, err := b.groups.GetGroup(ctx, b.id, name)
	if err != nil {
		return b.fail("delete group", name, err)
	}
	n, err := b.groups.CountMembers(ctx, g.ID, "")
	if err != nil {
		return b.fail("delete group", name, err)
	}
	if n > 0 {
		return apperrors.ExistingGroupMembers(name)
	}
	return b.fail("delete group", name, b.groups.DeleteGroup(ctx, g.ID))
}

func (b *InternalBackend) groupAndUser(ctx context.Context, groupName string, memberType MemberType, memberName string) (*Group, *User, error) {
	if memberType != MemberTypeUser {
		return nil, nil, apperrors.InvalidArgument("internal directories only hold user members")
	}
	g, err := b.groups.GetGroup(ctx, b.id, groupName)
	if err != nil {
		return nil, nil, err
	}
	u, err := b.users.GetUser(ctx, b.id, memberName)
	if err != nil {
		return nil, nil, err
	}
	return g, u, nil
}

// AddMemberToGroup adds a user to a group
func (b *InternalBackend) AddMemberToGroup(ctx context.Context, groupName string, memberType MemberType, memberName string) error {
	g, u, err := b.groupAndUser(ctx, groupName, memberType, memberName)
	if err != nil {
		return b.fail("add group member", groupName, err)
	}
	return b.fail("add group member", groupName, b.groups.AddMember(ctx, g.ID, u.ID))
}

// RemoveMemberFromGroup removes a user from a group
func (b *InternalBackend) RemoveMemberFromGroup(ctx context.Context, groupName string, memberType MemberType, memberName string) error {
	g, u, err := b.groupAndUser(ctx, groupName, memberType, memberName)
	if err != nil {
		return b.fail("remove group member", groupName, err)
	}
	return b.fail("remove group member", groupName, b.groups.RemoveMember(ctx, g.ID, u.ID))
}

// IsUserInGroup reports whether the user is a member of the group
func (b *InternalBackend) IsUserInGroup(ctx context.Context, groupName, username string) (bool, error) {
	g, u, err := b.groupAndUser(ctx, groupName, MemberTypeUser, username)
	if err != nil {
		return false, b.fail("check group member", groupName, err)
	}
	ok, err := b.groups.IsMember(ctx, g.ID, u.ID)
	if err != nil {
		return false, b.fail("check group member", groupName, err)
	}
	return ok, nil
}

// GetMembersForGroup returns every member ordered by name
func (b *InternalBackend) GetMembersForGroup(ctx context.Context, groupName string) ([]GroupMember, error) {
	return b.listMembers(ctx, groupName, ListQuery{SortBy: MemberSortByName, SortDirection: SortAscending})
}

// GetFilteredMembersForGroup pages through members whose name contains filter.
// Internal groups only hold users, so sorting by type orders by name.
func (b *InternalBackend) GetFilteredMembersForGroup(ctx context.Context, groupName, filter, sortBy string, dir SortDirection, pageIndex, pageSize int) ([]GroupMember, error) {
	offset, limit := page(pageIndex, pageSize, b.limits.maxGroupMembers)
	return b.listMembers(ctx, groupName, ListQuery{
		Filter:        filter,
		SortBy:        memberSortKey(sortBy),
		SortDirection: normalizeDirection(dir),
		Offset:        offset,
		Limit:         limit,
	})
}

func (b *InternalBackend) listMembers(ctx context.Context, groupName string, q ListQuery) ([]GroupMember, error) {
	g, err := b.groups.GetGroup(ctx, b.id, groupName)
	if err != nil {
		return nil, b.fail("list group members", groupName, err)
	}
	names, err := b.groups.ListMembers(ctx, g.ID, q)
	if err != nil {
		return nil, b.fail("list group members", groupName, err)
	}
	members := make([]GroupMember, 0, len(names))
	for _, n := range names {
		members = append(members, GroupMember{
			DirectoryID: b.id,
			GroupName:   g.Name,
			MemberType:  MemberTypeUser,
			MemberName:  n,
		})
	}
	return members, nil
}

// GetNumberOfFilteredMembersForGroup counts members matching filter
func (b *InternalBackend) GetNumberOfFilteredMembersForGroup(ctx context.Context, groupName, filter string) (int, error) {
	g, err := b.groups.GetGroup(ctx, b.id, groupName)
	if err != nil {
		return 0, b.fail("count group members", groupName, err)
	}
	n, err := b.groups.CountMembers(ctx, g.ID, filter)
	if err != nil {
		return 0, b.fail("count group members", groupName, err)
	}
	return n, nil
}

// GetGroupsForUser returns the groups the user belongs to
func (b *InternalBackend) GetGroupsForUser(ctx context.Context, username string) ([]Group, error) {
	u, err := b.users.GetUser(ctx, b.id, username)
	if err != nil {
		return nil, b.fail("list user groups", username, err)
	}
	groups, err := b.groups.ListGroupsForUser(ctx, u.ID)
	if err != nil {
		return nil, b.fail("list user groups", username, err)
	}
	return groups, nil
}

// GetGroupNamesForUser returns the names of the groups the user belongs to
func (b *InternalBackend) GetGroupNamesForUser(ctx context.Context, username string) ([]string, error) {
	groups, err := b.GetGroupsForUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return groupNames(groups), nil
}

// AddRoleToGroup assigns a catalog role to the group
func (b *InternalBackend) AddRoleToGroup(ctx context.Context, groupName, roleCode string) error {
	g, err := b.groups.GetGroup(ctx, b.id, groupName)
	if err != nil {
		return b.fail("add group role", groupName, err)
	}
	if _, err := b.roles.GetRole(ctx, roleCode); err != nil {
		return b.fail("add group role", roleCode, err)
	}
	return b.fail("add group role", groupName, b.groups.AddRoleToGroup(ctx, g.ID, roleCode))
}

// RemoveRoleFromGroup removes a role assignment from the group
func (b *InternalBackend) RemoveRoleFromGroup(ctx context.Context, groupName, roleCode string) error {
	g, err := b.groups.GetGroup(ctx, b.id, groupName)
	if err != nil {
		return b.fail("remove group role", groupName, err)
	}
	return b.fail("remove group role", groupName, b.groups.RemoveRoleFromGroup(ctx, g.ID, roleCode))
}

// GetRoleCodesForGroup returns the role codes assigned to the group
func (b *InternalBackend) GetRoleCodesForGroup(ctx context.Context, groupName string) ([]string, error) {
	g, err := b.groups.GetGroup(ctx, b.id, groupName)
	if err != nil {
		return nil, b.fail("list group roles", groupName, err)
	}
	codes, err := b.groups.ListRoleCodesForGroup(ctx, g.ID)
	if err != nil {
		return nil, b.fail("list group roles", groupName, err)
	}
	return codes, nil
}

// GetRoleCodesForUser returns the distinct role codes of every group the user belongs to
func (b *InternalBackend) GetRoleCodesForUser(ctx context.Context, username string) ([]string, error) {
	names, err := b.GetGroupNamesForUser(ctx, username)
	if err != nil {
		return nil, err
	}
	codes, err := b.groups.ListRoleCodesForGroupNames(ctx, b.id, names)
	if err != nil {
		return nil, b.fail("list user roles", username, err)
	}
	return codes, nil
}
