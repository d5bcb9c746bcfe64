package directory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/common/logger"
	"github.com/openidx/identityd/internal/common/tracing"
	"github.com/openidx/identityd/internal/metrics"
)

const (
	defaultLDAPTimeout = 10 * time.Second
	ldapPageSize       = 500

	// pwdAccountLockedTime value that locks an account until an administrator unlocks it
	permanentLockTime = "000001010000Z"
)

// LDAPBackend serves a directory held on an LDAP server. Every operation
// opens its own connection, binds with the configured service account and
// closes the connection before returning. Role assignments live in a shadow
// group of the same name in the local store.
type LDAPBackend struct {
	id      string
	cfg     ldapConfig
	caps    Capabilities
	groups  GroupStore
	roles   RoleStore
	dialer  Dialer
	timeout time.Duration
	logger  *zap.Logger
}

// NewLDAPBackend builds an LDAP backend from its descriptor. No connection
// is opened until the first operation.
func NewLDAPBackend(desc Descriptor, deps Dependencies) (*LDAPBackend, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("ldap directory %s: store is required", desc.ID)
	}
	p := newParams(desc)
	cfg, err := parseLDAPConfig(p)
	if err != nil {
		return nil, err
	}
	caps, err := parseLDAPCapabilities(p)
	if err != nil {
		return nil, err
	}

	dialer := deps.Dialer
	if dialer == nil {
		dialer = NetDialer{}
	}
	timeout := deps.LDAPTimeout
	if timeout <= 0 {
		timeout = defaultLDAPTimeout
	}

	return &LDAPBackend{
		id:      desc.ID,
		cfg:     cfg,
		caps:    caps,
		groups:  deps.Store,
		roles:   deps.Store,
		dialer:  dialer,
		timeout: timeout,
		logger: logger.WithDirectory(logger.WithComponent(deps.logger(), "ldap-directory"), desc.ID, desc.Type).
			With(zap.String("server", cfg.endpoint.URL())),
	}, nil
}

// DirectoryID returns the id of the directory this backend serves
func (b *LDAPBackend) DirectoryID() string { return b.id }

// Capabilities returns the capability set configured on the descriptor
func (b *LDAPBackend) Capabilities() Capabilities { return b.caps }

func (b *LDAPBackend) fail(op, key string, err error) error {
	return boundary(b.logger, op, b.id, key, err)
}

// withConn runs fn on a connection bound as the service account
func (b *LDAPBackend) withConn(ctx context.Context, op, key string, fn func(Conn) error) (err error) {
	name := strings.ReplaceAll(op, " ", "_")
	_, span := tracing.Tracer().Start(ctx, "ldap."+name)
	span.SetAttributes(attribute.String("directory.id", b.id))
	start := time.Now()
	defer func() {
		metrics.RecordLDAPOperation(name, outcome(err), time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, apperrors.KindOf(err).String())
		}
		span.End()
	}()

	conn, err := b.dialer.Dial(ctx, b.cfg.endpoint, b.timeout)
	if err != nil {
		return b.fail(op, key, err)
	}
	defer conn.Close()

	if err := conn.Bind(b.cfg.bindDN, b.cfg.bindPassword); err != nil {
		return b.fail(op, key, fmt.Errorf("service account bind as %s failed: %w", b.cfg.bindDN, err))
	}
	return b.fail(op, key, fn(conn))
}

// withUserConn runs then on a fresh connection bound as the user. Bind
// failures are translated into credential errors.
func (b *LDAPBackend) withUserConn(ctx context.Context, op, username, userDN, password string, then func(Conn) error) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordLDAPOperation("user_bind", outcome(err), time.Since(start))
	}()

	conn, err := b.dialer.Dial(ctx, b.cfg.endpoint, b.timeout)
	if err != nil {
		return b.fail(op, username, err)
	}
	defer conn.Close()

	if err := conn.Bind(userDN, password); err != nil {
		return b.fail(op, username, bindError(username, err))
	}
	if then == nil {
		return nil
	}
	return b.fail(op, username, then(conn))
}

func resultCode(err error) (uint16, bool) {
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return ldapErr.ResultCode, true
	}
	return 0, false
}

func hasResultCode(err error, code uint16) bool {
	c, ok := resultCode(err)
	return ok && c == code
}

// bindError maps a failed user bind. Active Directory reports the reason in
// the diagnostic "data" code: 775 is a locked account, 532 and 773 an
// expired or must-change password.
func bindError(username string, err error) error {
	if !hasResultCode(err, ldap.LDAPResultInvalidCredentials) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "data 775"):
		return apperrors.UserLocked(username)
	case strings.Contains(msg, "data 532"), strings.Contains(msg, "data 773"):
		return apperrors.ExpiredPassword(username)
	}
	return apperrors.AuthenticationFailed(username)
}

// passwordError maps a failed password write
func passwordError(username string, err error) error {
	if err == nil {
		return nil
	}
	code, ok := resultCode(err)
	if !ok {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch code {
	case ldap.LDAPResultConstraintViolation:
		switch {
		case strings.Contains(msg, "0553"), strings.Contains(msg, "in history"):
			return apperrors.ExistingPassword(username)
		case strings.Contains(msg, "052d"), strings.Contains(msg, "0524"):
			return apperrors.InvalidArgument("password does not meet the directory password policy").WithDetails(err.Error())
		}
		return apperrors.InvalidArgument("password rejected by the directory").WithDetails(err.Error())
	case ldap.LDAPResultInvalidCredentials:
		return apperrors.AuthenticationFailed(username)
	}
	return err
}

// encodePasswordAD encodes a password for the unicodePwd attribute (UTF-16LE with surrounding quotes)
func encodePasswordAD(password string) string {
	runes := utf16.Encode([]rune("\"" + password + "\""))
	buf := make([]byte, len(runes)*2)
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[i*2:], r)
	}
	return string(buf)
}

func (b *LDAPBackend) search(conn Conn, baseDN string, scope int, filter string, attrs []string) ([]*ldap.Entry, error) {
	req := ldap.NewSearchRequest(baseDN, scope, ldap.NeverDerefAliases, 0, int(b.timeout.Seconds()), false, filter, attrs, nil)
	res, err := conn.Search(req)
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// pagedSearch collects every subtree match using the simple paged results control
func (b *LDAPBackend) pagedSearch(conn Conn, baseDN, filter string, attrs []string) ([]*ldap.Entry, error) {
	req := ldap.NewSearchRequest(baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, int(b.timeout.Seconds()), false, filter, attrs,
		[]ldap.Control{ldap.NewControlPaging(ldapPageSize)})

	var entries []*ldap.Entry
	for {
		res, err := conn.Search(req)
		if err != nil {
			return nil, err
		}
		entries = append(entries, res.Entries...)

		paging, ok := ldap.FindControl(res.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(paging.Cookie) == 0 {
			break
		}
		next := ldap.NewControlPaging(ldapPageSize)
		next.SetCookie(paging.Cookie)
		req.Controls = []ldap.Control{next}
	}

	b.logger.Debug("LDAP search completed",
		zap.String("base_dn", baseDN),
		zap.String("filter", filter),
		zap.Int("results", len(entries)))
	return entries, nil
}

func (b *LDAPBackend) findUser(conn Conn, username string, attrs []string) (*ldap.Entry, error) {
	entries, err := b.search(conn, b.cfg.userBaseDN, ldap.ScopeWholeSubtree,
		b.cfg.userFilter(b.cfg.usernameAttr, username), attrs)
	if err != nil {
		return nil, err
	}
	switch len(entries) {
	case 0:
		return nil, apperrors.UserNotFound(username)
	case 1:
		return entries[0], nil
	}
	return nil, fmt.Errorf("ambiguous directory state: %d entries match user %q", len(entries), username)
}

func (b *LDAPBackend) findGroup(conn Conn, name string, attrs []string) (*ldap.Entry, error) {
	entries, err := b.search(conn, b.cfg.groupBaseDN, ldap.ScopeWholeSubtree, b.cfg.groupFilter(name), attrs)
	if err != nil {
		return nil, err
	}
	switch len(entries) {
	case 0:
		return nil, apperrors.GroupNotFound(name)
	case 1:
		return entries[0], nil
	}
	return nil, fmt.Errorf("ambiguous directory state: %d entries match group %q", len(entries), name)
}

func (b *LDAPBackend) lookupUserDN(ctx context.Context, op, username string) (string, error) {
	var dn string
	err := b.withConn(ctx, op, username, func(conn Conn) error {
		entry, err := b.findUser(conn, username, []string{"dn"})
		if err != nil {
			return err
		}
		dn = entry.DN
		return nil
	})
	return dn, err
}

// Authenticate binds as the user on a separate connection
func (b *LDAPBackend) Authenticate(ctx context.Context, username, password string) error {
	if password == "" {
		return apperrors.AuthenticationFailed(username)
	}
	dn, err := b.lookupUserDN(ctx, "authenticate", username)
	if err != nil {
		return err
	}
	return b.withUserConn(ctx, "authenticate", username, dn, password, nil)
}

// modifyPassword writes a new password, through unicodePwd on Active
// Directory and the password modify extended operation elsewhere. An empty
// oldPassword performs an administrative reset.
func (b *LDAPBackend) modifyPassword(conn Conn, username, dn, oldPassword, newPassword string) error {
	var err error
	if b.cfg.activeDirectory {
		req := ldap.NewModifyRequest(dn, nil)
		if oldPassword != "" {
			req.Delete("unicodePwd", []string{encodePasswordAD(oldPassword)})
			req.Add("unicodePwd", []string{encodePasswordAD(newPassword)})
		} else {
			req.Replace("unicodePwd", []string{encodePasswordAD(newPassword)})
		}
		err = conn.Modify(req)
	} else {
		_, err = conn.PasswordModify(ldap.NewPasswordModifyRequest(dn, oldPassword, newPassword))
	}
	return passwordError(username, err)
}

// ChangePassword binds as the user with the old password and changes it on that connection
func (b *LDAPBackend) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if err := b.caps.require(b.id, CapChangePassword); err != nil {
		return err
	}
	if oldPassword == "" {
		return apperrors.AuthenticationFailed(username)
	}
	dn, err := b.lookupUserDN(ctx, "change password", username)
	if err != nil {
		return err
	}
	return b.withUserConn(ctx, "change password", username, dn, oldPassword, func(conn Conn) error {
		return b.modifyPassword(conn, username, dn, oldPassword, newPassword)
	})
}

// ResetPassword sets the password through the service account
func (b *LDAPBackend) ResetPassword(ctx context.Context, username, newPassword string) error {
	if err := b.caps.require(b.id, CapAdminChangePassword); err != nil {
		return err
	}
	return b.withConn(ctx, "reset password", username, func(conn Conn) error {
		entry, err := b.findUser(conn, username, []string{"dn"})
		if err != nil {
			return err
		}
		return b.modifyPassword(conn, username, entry.DN, "", newPassword)
	})
}

// applyPasswordState marks the password expired or the account locked
// through the password policy operational attributes.
func (b *LDAPBackend) applyPasswordState(conn Conn, dn string, expire, lock bool) error {
	if !expire && !lock {
		return nil
	}
	req := ldap.NewModifyRequest(dn, nil)
	if expire {
		if b.cfg.activeDirectory {
			req.Replace("pwdLastSet", []string{"0"})
		} else {
			req.Replace("pwdReset", []string{"TRUE"})
		}
	}
	if lock {
		req.Replace("pwdAccountLockedTime", []string{permanentLockTime})
	}
	return conn.Modify(req)
}

func (b *LDAPBackend) requireLockSupport(lock bool) error {
	if !lock {
		return nil
	}
	if b.cfg.activeDirectory {
		return apperrors.Unsupported(b.id, CapUserLocks)
	}
	return b.caps.require(b.id, CapUserLocks)
}

// AdminChangePassword sets a password through the service account and
// optionally clears the history, expires the password or locks the account
func (b *LDAPBackend) AdminChangePassword(ctx context.Context, username, newPassword string, opts AdminPasswordChange) error {
	if err := b.caps.require(b.id, CapAdminChangePassword); err != nil {
		return err
	}
	if opts.ExpirePassword {
		if err := b.caps.require(b.id, CapPasswordExpiry); err != nil {
			return err
		}
	}
	if opts.ResetPasswordHistory {
		if err := b.caps.require(b.id, CapPasswordHistory); err != nil {
			return err
		}
	}
	if err := b.requireLockSupport(opts.LockUser); err != nil {
		return err
	}

	err := b.withConn(ctx, "admin change password", username, func(conn Conn) error {
		entry, err := b.findUser(conn, username, []string{"dn"})
		if err != nil {
			return err
		}
		if opts.ResetPasswordHistory {
			req := ldap.NewModifyRequest(entry.DN, nil)
			req.Delete("pwdHistory", nil)
			if err := conn.Modify(req); err != nil && !hasResultCode(err, ldap.LDAPResultNoSuchAttribute) {
				return err
			}
		}
		if err := b.modifyPassword(conn, username, entry.DN, "", newPassword); err != nil {
			return err
		}
		return b.applyPasswordState(conn, entry.DN, opts.ExpirePassword, opts.LockUser)
	})
	if err != nil {
		return err
	}

	b.logger.Info("Administrative password change",
		zap.String("username", username),
		zap.String("reason", opts.Reason),
		zap.Bool("expire_password", opts.ExpirePassword),
		zap.Bool("lock_user", opts.LockUser),
		zap.Bool("reset_history", opts.ResetPasswordHistory))
	return nil
}

// IsExistingUser reports whether exactly one entry matches the username
func (b *LDAPBackend) IsExistingUser(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := b.withConn(ctx, "check user", username, func(conn Conn) error {
		_, err := b.findUser(conn, username, []string{"dn"})
		if apperrors.IsErrorCode(err, apperrors.ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// GetUser returns the mapped user entry
func (b *LDAPBackend) GetUser(ctx context.Context, username string) (*User, error) {
	var user User
	err := b.withConn(ctx, "get user", username, func(conn Conn) error {
		entry, err := b.findUser(conn, username, b.cfg.userAttributes())
		if err != nil {
			return err
		}
		user = b.cfg.mapUserEntry(entry, b.id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (b *LDAPBackend) searchUsers(ctx context.Context, op, filter string) ([]User, error) {
	var users []User
	err := b.withConn(ctx, op, filter, func(conn Conn) error {
		entries, err := b.pagedSearch(conn, b.cfg.userBaseDN, b.cfg.userSearchFilter(filter), b.cfg.userAttributes())
		if err != nil {
			return err
		}
		users = make([]User, 0, len(entries))
		for _, e := range entries {
			users = append(users, b.cfg.mapUserEntry(e, b.id))
		}
		return nil
	})
	return users, err
}

// GetUsers returns every user ordered by username
func (b *LDAPBackend) GetUsers(ctx context.Context) ([]User, error) {
	users, err := b.searchUsers(ctx, "list users", "")
	if err != nil {
		return nil, err
	}
	sortFold(users, SortAscending, func(u User) string { return u.Username })
	return users, nil
}

// GetFilteredUsers filters, sorts and pages the matching users in memory
func (b *LDAPBackend) GetFilteredUsers(ctx context.Context, filter, sortBy string, dir SortDirection, pageIndex, pageSize int) ([]User, error) {
	users, err := b.searchUsers(ctx, "list users", filter)
	if err != nil {
		return nil, err
	}
	key := userSortKey(sortBy)
	sortFold(users, normalizeDirection(dir), func(u User) string { return userField(u, key) })
	offset, limit := page(pageIndex, pageSize, b.cfg.limits.maxUsers)
	return window(users, offset, limit), nil
}

// GetNumberOfFilteredUsers counts the users matching filter
func (b *LDAPBackend) GetNumberOfFilteredUsers(ctx context.Context, filter string) (int, error) {
	users, err := b.searchUsers(ctx, "count users", filter)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

// CreateUser adds a user entry under the user base and sets its password
func (b *LDAPBackend) CreateUser(ctx context.Context, user *User, password string, opts CreateUserOptions) error {
	if err := b.caps.require(b.id, CapUserAdministration); err != nil {
		return err
	}
	if err := validateUser(user); err != nil {
		return err
	}
	if opts.ExpiredPassword {
		if err := b.caps.require(b.id, CapPasswordExpiry); err != nil {
			return err
		}
	}
	if err := b.requireLockSupport(opts.UserLocked); err != nil {
		return err
	}

	return b.withConn(ctx, "create user", user.Username, func(conn Conn) error {
		_, err := b.findUser(conn, user.Username, []string{"dn"})
		if err == nil {
			return apperrors.DuplicateUser(user.Username)
		}
		if !apperrors.IsErrorCode(err, apperrors.ErrUserNotFound) {
			return err
		}

		dn := b.cfg.userDN(user.Username)
		req := ldap.NewAddRequest(dn, nil)
		req.Attribute("objectClass", []string{b.cfg.userObjectClass})
		req.Attribute(b.cfg.usernameAttr, []string{user.Username})
		for _, av := range b.cfg.userAttributeValues(user, true) {
			req.Attribute(av.attr, []string{av.value})
		}
		if err := conn.Add(req); err != nil {
			if hasResultCode(err, ldap.LDAPResultEntryAlreadyExists) {
				return apperrors.DuplicateUser(user.Username)
			}
			return err
		}

		if password != "" {
			if err := b.modifyPassword(conn, user.Username, dn, "", password); err != nil {
				return err
			}
		}
		if err := b.applyPasswordState(conn, dn, opts.ExpiredPassword, opts.UserLocked); err != nil {
			return err
		}

		user.ID = dn
		user.DirectoryID = b.id
		user.Status = createdStatus(opts)
		user.PasswordAttempts = UntrackedPasswordAttempts
		return nil
	})
}

// UpdateUser replaces the mapped profile attributes that carry a value
func (b *LDAPBackend) UpdateUser(ctx context.Context, user *User, opts UpdateUserOptions) error {
	if err := b.caps.require(b.id, CapUserAdministration); err != nil {
		return err
	}
	if err := validateUser(user); err != nil {
		return err
	}
	if opts.ExpirePassword {
		if err := b.caps.require(b.id, CapPasswordExpiry); err != nil {
			return err
		}
	}
	if err := b.requireLockSupport(opts.LockUser); err != nil {
		return err
	}

	return b.withConn(ctx, "update user", user.Username, func(conn Conn) error {
		entry, err := b.findUser(conn, user.Username, []string{"dn"})
		if err != nil {
			return err
		}
		if values := b.cfg.userAttributeValues(user, false); len(values) > 0 {
			req := ldap.NewModifyRequest(entry.DN, nil)
			for _, av := range values {
				req.Replace(av.attr, []string{av.value})
			}
			if err := conn.Modify(req); err != nil {
				return err
			}
		}
		return b.applyPasswordState(conn, entry.DN, opts.ExpirePassword, opts.LockUser)
	})
}

// DeleteUser removes the user entry
func (b *LDAPBackend) DeleteUser(ctx context.Context, username string) error {
	if err := b.caps.require(b.id, CapUserAdministration); err != nil {
		return err
	}
	return b.withConn(ctx, "delete user", username, func(conn Conn) error {
		entry, err := b.findUser(conn, username, []string{"dn"})
		if err != nil {
			return err
		}
		return conn.Del(ldap.NewDelRequest(entry.DN, nil))
	})
}

// IsExistingGroup reports whether exactly one entry matches the group name
func (b *LDAPBackend) IsExistingGroup(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := b.withConn(ctx, "check group", name, func(conn Conn) error {
		_, err := b.findGroup(conn, name, []string{"dn"})
		if apperrors.IsErrorCode(err, apperrors.ErrGroupNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// GetGroup returns the mapped group entry
func (b *LDAPBackend) GetGroup(ctx context.Context, name string) (*Group, error) {
	var group Group
	err := b.withConn(ctx, "get group", name, func(conn Conn) error {
		entry, err := b.findGroup(conn, name, b.cfg.groupAttributes())
		if err != nil {
			return err
		}
		group = b.cfg.mapGroupEntry(entry, b.id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (b *LDAPBackend) searchGroups(ctx context.Context, op, filter string) ([]Group, error) {
	var groups []Group
	err := b.withConn(ctx, op, filter, func(conn Conn) error {
		entries, err := b.pagedSearch(conn, b.cfg.groupBaseDN, b.cfg.groupSearchFilter(filter), b.cfg.groupAttributes())
		if err != nil {
			return err
		}
		groups = b.mapGroups(entries)
		return nil
	})
	return groups, err
}

func (b *LDAPBackend) mapGroups(entries []*ldap.Entry) []Group {
	groups := make([]Group, 0, len(entries))
	for _, e := range entries {
		groups = append(groups, b.cfg.mapGroupEntry(e, b.id))
	}
	sortFold(groups, SortAscending, func(g Group) string { return g.Name })
	return groups
}

// GetGroups returns every group ordered by name
func (b *LDAPBackend) GetGroups(ctx context.Context) ([]Group, error) {
	return b.searchGroups(ctx, "list groups", "")
}

// GetGroupNames returns every group name in order
func (b *LDAPBackend) GetGroupNames(ctx context.Context) ([]string, error) {
	groups, err := b.GetGroups(ctx)
	if err != nil {
		return nil, err
	}
	return groupNames(groups), nil
}

// GetFilteredGroups filters, sorts and pages the matching groups in memory
func (b *LDAPBackend) GetFilteredGroups(ctx context.Context, filter, sortBy string, dir SortDirection, pageIndex, pageSize int) ([]Group, error) {
	groups, err := b.searchGroups(ctx, "list groups", filter)
	if err != nil {
		return nil, err
	}
	if groupSortKey(sortBy) == GroupSortByDescription {
		sortFold(groups, normalizeDirection(dir), func(g Group) string { return g.Description })
	} else {
		sortFold(groups, normalizeDirection(dir), func(g Group) string { return g.Name })
	}
	offset, limit := page(pageIndex, pageSize, b.cfg.limits.maxGroups)
	return window(groups, offset, limit), nil
}

// GetNumberOfFilteredGroups counts the groups matching filter
func (b *LDAPBackend) GetNumberOfFilteredGroups(ctx context.Context, filter string) (int, error) {
	groups, err := b.searchGroups(ctx, "count groups", filter)
	if err != nil {
		return 0, err
	}
	return len(groups), nil
}

// CreateGroup adds a group entry. Schemas such as groupOfNames require at
// least one member, so a new group lists itself until real members arrive.
func (b *LDAPBackend) CreateGroup(ctx context.Context, group *Group) error {
	if err := b.caps.require(b.id, CapGroupAdministration); err != nil {
		return err
	}
	if err := requireValue("group name", group.Name); err != nil {
		return err
	}

	return b.withConn(ctx, "create group", group.Name, func(conn Conn) error {
		_, err := b.findGroup(conn, group.Name, []string{"dn"})
		if err == nil {
			return apperrors.DuplicateGroup(group.Name)
		}
		if !apperrors.IsErrorCode(err, apperrors.ErrGroupNotFound) {
			return err
		}

		dn := b.cfg.groupDN(group.Name)
		req := ldap.NewAddRequest(dn, nil)
		req.Attribute("objectClass", []string{b.cfg.groupObjectClass})
		req.Attribute(b.cfg.groupNameAttr, []string{group.Name})
		if b.cfg.groupDescriptionAttr != "" && group.Description != "" {
			req.Attribute(b.cfg.groupDescriptionAttr, []string{group.Description})
		}
		if b.cfg.groupMembershipNeeded {
			req.Attribute(b.cfg.groupMemberAttr, []string{dn})
		}
		if err := conn.Add(req); err != nil {
			if hasResultCode(err, ldap.LDAPResultEntryAlreadyExists) {
				return apperrors.DuplicateGroup(group.Name)
			}
			return err
		}
		group.ID = dn
		group.DirectoryID = b.id
		return nil
	})
}

// UpdateGroup replaces the description; an empty description removes it
func (b *LDAPBackend) UpdateGroup(ctx context.Context, group *Group) error {
	if err := b.caps.require(b.id, CapGroupAdministration); err != nil {
		return err
	}
	return b.withConn(ctx, "update group", group.Name, func(conn Conn) error {
		entry, err := b.findGroup(conn, group.Name, []string{"dn"})
		if err != nil {
			return err
		}
		if b.cfg.groupDescriptionAttr == "" {
			return nil
		}
		req := ldap.NewModifyRequest(entry.DN, nil)
		if group.Description == "" {
			req.Replace(b.cfg.groupDescriptionAttr, []string{})
		} else {
			req.Replace(b.cfg.groupDescriptionAttr, []string{group.Description})
		}
		return conn.Modify(req)
	})
}

// realMembers returns the member DNs of a group entry without its self-reference
func (b *LDAPBackend) realMembers(entry *ldap.Entry) []string {
	var members []string
	for _, v := range entry.GetEqualFoldAttributeValues(b.cfg.groupMemberAttr) {
		if !sameDN(entry.DN, v) {
			members = append(members, v)
		}
	}
	return members
}

// replaceMembers writes the full member list. An emptied group keeps its
// self-reference when the schema requires a member.
func (b *LDAPBackend) replaceMembers(conn Conn, groupDN string, members []string) error {
	req := ldap.NewModifyRequest(groupDN, nil)
	switch {
	case len(members) > 0:
		req.Replace(b.cfg.groupMemberAttr, members)
	case b.cfg.groupMembershipNeeded:
		req.Replace(b.cfg.groupMemberAttr, []string{groupDN})
	default:
		req.Replace(b.cfg.groupMemberAttr, []string{})
	}
	return conn.Modify(req)
}

// DeleteGroup removes an empty group and its shadow group
func (b *LDAPBackend) DeleteGroup(ctx context.Context, name string) error {
	if err := b.caps.require(b.id, CapGroupAdministration); err != nil {
		return err
	}
	var canonical string
	err := b.withConn(ctx, "delete group", name, func(conn Conn) error {
		entry, err := b.findGroup(conn, name, b.cfg.groupAttributes())
		if err != nil {
			return err
		}
		if len(b.realMembers(entry)) > 0 {
			return apperrors.ExistingGroupMembers(name)
		}
		canonical = entry.GetEqualFoldAttributeValue(b.cfg.groupNameAttr)
		return conn.Del(ldap.NewDelRequest(entry.DN, nil))
	})
	if err != nil {
		return err
	}

	shadow, err := b.groups.GetGroup(ctx, b.id, canonical)
	if apperrors.IsErrorCode(err, apperrors.ErrGroupNotFound) {
		return nil
	}
	if err != nil {
		return b.fail("delete group", name, err)
	}
	return b.fail("delete group", name, b.groups.DeleteGroup(ctx, shadow.ID))
}

// memberDN resolves a member name to its entry DN
func (b *LDAPBackend) memberDN(conn Conn, memberType MemberType, memberName string) (string, error) {
	switch memberType {
	case MemberTypeUser:
		entry, err := b.findUser(conn, memberName, []string{"dn"})
		if err != nil {
			return "", err
		}
		return entry.DN, nil
	case MemberTypeGroup:
		entry, err := b.findGroup(conn, memberName, []string{"dn"})
		if err != nil {
			return "", err
		}
		return entry.DN, nil
	}
	return "", apperrors.InvalidArgument(fmt.Sprintf("unknown member type %q", memberType))
}

// AddMemberToGroup appends a user or group to the member list
func (b *LDAPBackend) AddMemberToGroup(ctx context.Context, groupName string, memberType MemberType, memberName string) error {
	if err := b.caps.require(b.id, CapGroupMemberAdministration); err != nil {
		return err
	}
	return b.withConn(ctx, "add group member", groupName, func(conn Conn) error {
		entry, err := b.findGroup(conn, groupName, b.cfg.groupAttributes())
		if err != nil {
			return err
		}
		dn, err := b.memberDN(conn, memberType, memberName)
		if err != nil {
			return err
		}
		if sameDN(entry.DN, dn) {
			return apperrors.InvalidArgument("a group cannot be a member of itself")
		}
		members := b.realMembers(entry)
		for _, m := range members {
			if sameDN(m, dn) {
				return apperrors.ExistingGroupMember(groupName, memberName)
			}
		}
		return b.replaceMembers(conn, entry.DN, append(members, dn))
	})
}

// RemoveMemberFromGroup drops a user or group from the member list
func (b *LDAPBackend) RemoveMemberFromGroup(ctx context.Context, groupName string, memberType MemberType, memberName string) error {
	if err := b.caps.require(b.id, CapGroupMemberAdministration); err != nil {
		return err
	}
	return b.withConn(ctx, "remove group member", groupName, func(conn Conn) error {
		entry, err := b.findGroup(conn, groupName, b.cfg.groupAttributes())
		if err != nil {
			return err
		}
		dn, err := b.memberDN(conn, memberType, memberName)
		if err != nil {
			return err
		}
		members := b.realMembers(entry)
		remaining := make([]string, 0, len(members))
		found := false
		for _, m := range members {
			if sameDN(m, dn) {
				found = true
				continue
			}
			remaining = append(remaining, m)
		}
		if !found {
			return apperrors.GroupMemberNotFound(groupName, memberName)
		}
		return b.replaceMembers(conn, entry.DN, remaining)
	})
}

// IsUserInGroup reports whether the user's DN is listed on the group
func (b *LDAPBackend) IsUserInGroup(ctx context.Context, groupName, username string) (bool, error) {
	var member bool
	err := b.withConn(ctx, "check group member", groupName, func(conn Conn) error {
		entry, err := b.findGroup(conn, groupName, b.cfg.groupAttributes())
		if err != nil {
			return err
		}
		user, err := b.findUser(conn, username, []string{"dn"})
		if err != nil {
			return err
		}
		for _, m := range b.realMembers(entry) {
			if sameDN(m, user.DN) {
				member = true
				break
			}
		}
		return nil
	})
	return member, err
}

// memberName derives the type and name of a member DN, from its RDN when the
// DN sits under the user or group base and from the entry itself otherwise.
// Dangling references report ok=false.
func (b *LDAPBackend) memberName(conn Conn, dn string) (MemberType, string, bool, error) {
	if parsed, err := ldap.ParseDN(dn); err == nil && len(parsed.RDNs) > 0 && len(parsed.RDNs[0].Attributes) == 1 {
		rdn := parsed.RDNs[0].Attributes[0]
		if strings.EqualFold(rdn.Type, b.cfg.usernameAttr) && underBase(parsed, b.cfg.userBaseDN) {
			return MemberTypeUser, rdn.Value, true, nil
		}
		if strings.EqualFold(rdn.Type, b.cfg.groupNameAttr) && underBase(parsed, b.cfg.groupBaseDN) {
			return MemberTypeGroup, rdn.Value, true, nil
		}
	}

	entries, err := b.search(conn, dn, ldap.ScopeBaseObject, "(objectClass=*)",
		[]string{"objectClass", b.cfg.usernameAttr, b.cfg.groupNameAttr})
	if hasResultCode(err, ldap.LDAPResultNoSuchObject) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	if len(entries) == 0 {
		return "", "", false, nil
	}
	entry := entries[0]
	for _, class := range entry.GetEqualFoldAttributeValues("objectClass") {
		if strings.EqualFold(class, b.cfg.groupObjectClass) {
			return MemberTypeGroup, entry.GetEqualFoldAttributeValue(b.cfg.groupNameAttr), true, nil
		}
	}
	if name := entry.GetEqualFoldAttributeValue(b.cfg.usernameAttr); name != "" {
		return MemberTypeUser, name, true, nil
	}
	return "", "", false, nil
}

func (b *LDAPBackend) listMembers(ctx context.Context, op, groupName string) ([]GroupMember, error) {
	var members []GroupMember
	err := b.withConn(ctx, op, groupName, func(conn Conn) error {
		entry, err := b.findGroup(conn, groupName, b.cfg.groupAttributes())
		if err != nil {
			return err
		}
		name := entry.GetEqualFoldAttributeValue(b.cfg.groupNameAttr)
		dns := b.realMembers(entry)
		members = make([]GroupMember, 0, len(dns))
		for _, dn := range dns {
			typ, memberName, ok, err := b.memberName(conn, dn)
			if err != nil {
				return err
			}
			if !ok {
				b.logger.Debug("Skipping unresolvable group member",
					zap.String("group", name),
					zap.String("member_dn", dn))
				continue
			}
			members = append(members, GroupMember{
				DirectoryID: b.id,
				GroupName:   name,
				MemberType:  typ,
				MemberName:  memberName,
			})
		}
		return nil
	})
	return members, err
}

// GetMembersForGroup returns every resolvable member ordered by name
func (b *LDAPBackend) GetMembersForGroup(ctx context.Context, groupName string) ([]GroupMember, error) {
	members, err := b.listMembers(ctx, "list group members", groupName)
	if err != nil {
		return nil, err
	}
	sortFold(members, SortAscending, func(m GroupMember) string { return m.MemberName })
	return members, nil
}

func filterMembers(members []GroupMember, filter string) []GroupMember {
	if filter == "" {
		return members
	}
	out := make([]GroupMember, 0, len(members))
	for _, m := range members {
		if containsFold(m.MemberName, filter) {
			out = append(out, m)
		}
	}
	return out
}

// GetFilteredMembersForGroup filters, sorts and pages the members in memory
func (b *LDAPBackend) GetFilteredMembersForGroup(ctx context.Context, groupName, filter, sortBy string, dir SortDirection, pageIndex, pageSize int) ([]GroupMember, error) {
	members, err := b.listMembers(ctx, "list group members", groupName)
	if err != nil {
		return nil, err
	}
	members = filterMembers(members, filter)
	dir = normalizeDirection(dir)
	if sortBy == MemberSortByType {
		sortFold(members, dir, func(m GroupMember) string { return string(m.MemberType) + "\x00" + m.MemberName })
	} else {
		sortFold(members, dir, func(m GroupMember) string { return m.MemberName })
	}
	offset, limit := page(pageIndex, pageSize, b.cfg.limits.maxGroupMembers)
	return window(members, offset, limit), nil
}

// GetNumberOfFilteredMembersForGroup counts the members matching filter
func (b *LDAPBackend) GetNumberOfFilteredMembersForGroup(ctx context.Context, groupName, filter string) (int, error) {
	members, err := b.listMembers(ctx, "count group members", groupName)
	if err != nil {
		return 0, err
	}
	return len(filterMembers(members, filter)), nil
}

// GetGroupsForUser returns the groups listing the user's DN as a member
func (b *LDAPBackend) GetGroupsForUser(ctx context.Context, username string) ([]Group, error) {
	var groups []Group
	err := b.withConn(ctx, "list user groups", username, func(conn Conn) error {
		user, err := b.findUser(conn, username, []string{"dn"})
		if err != nil {
			return err
		}
		entries, err := b.pagedSearch(conn, b.cfg.groupBaseDN, b.cfg.memberOfFilter(user.DN), b.cfg.groupAttributes())
		if err != nil {
			return err
		}
		groups = b.mapGroups(entries)
		return nil
	})
	return groups, err
}

// GetGroupNamesForUser returns the names of the user's groups
func (b *LDAPBackend) GetGroupNamesForUser(ctx context.Context, username string) ([]string, error) {
	groups, err := b.GetGroupsForUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return groupNames(groups), nil
}

// canonicalGroupName returns the stored spelling of an LDAP group's name
func (b *LDAPBackend) canonicalGroupName(ctx context.Context, op, groupName string) (string, error) {
	var name string
	err := b.withConn(ctx, op, groupName, func(conn Conn) error {
		entry, err := b.findGroup(conn, groupName, []string{b.cfg.groupNameAttr})
		if err != nil {
			return err
		}
		name = entry.GetEqualFoldAttributeValue(b.cfg.groupNameAttr)
		if name == "" {
			name = groupName
		}
		return nil
	})
	return name, err
}

// shadowGroup returns the local group carrying role assignments for an LDAP
// group, creating it on first use when create is set
func (b *LDAPBackend) shadowGroup(ctx context.Context, name string, create bool) (*Group, error) {
	g, err := b.groups.GetGroup(ctx, b.id, name)
	if err == nil || !create || !apperrors.IsErrorCode(err, apperrors.ErrGroupNotFound) {
		return g, err
	}
	g = &Group{ID: uuid.New().String(), DirectoryID: b.id, Name: name}
	err = b.groups.CreateGroup(ctx, g)
	if apperrors.IsErrorCode(err, apperrors.ErrDuplicateGroup) {
		return b.groups.GetGroup(ctx, b.id, name)
	}
	if err != nil {
		return nil, err
	}
	b.logger.Debug("Created shadow group", zap.String("group", name))
	return g, nil
}

// AddRoleToGroup assigns a catalog role to an LDAP group
func (b *LDAPBackend) AddRoleToGroup(ctx context.Context, groupName, roleCode string) error {
	name, err := b.canonicalGroupName(ctx, "add group role", groupName)
	if err != nil {
		return err
	}
	if _, err := b.roles.GetRole(ctx, roleCode); err != nil {
		return b.fail("add group role", roleCode, err)
	}
	shadow, err := b.shadowGroup(ctx, name, true)
	if err != nil {
		return b.fail("add group role", groupName, err)
	}
	return b.fail("add group role", groupName, b.groups.AddRoleToGroup(ctx, shadow.ID, roleCode))
}

// RemoveRoleFromGroup removes a role assignment from an LDAP group
func (b *LDAPBackend) RemoveRoleFromGroup(ctx context.Context, groupName, roleCode string) error {
	name, err := b.canonicalGroupName(ctx, "remove group role", groupName)
	if err != nil {
		return err
	}
	shadow, err := b.shadowGroup(ctx, name, false)
	if apperrors.IsErrorCode(err, apperrors.ErrGroupNotFound) {
		return apperrors.GroupRoleNotFound(groupName, roleCode)
	}
	if err != nil {
		return b.fail("remove group role", groupName, err)
	}
	return b.fail("remove group role", groupName, b.groups.RemoveRoleFromGroup(ctx, shadow.ID, roleCode))
}

// GetRoleCodesForGroup returns the roles assigned to an LDAP group
func (b *LDAPBackend) GetRoleCodesForGroup(ctx context.Context, groupName string) ([]string, error) {
	name, err := b.canonicalGroupName(ctx, "list group roles", groupName)
	if err != nil {
		return nil, err
	}
	shadow, err := b.shadowGroup(ctx, name, false)
	if apperrors.IsErrorCode(err, apperrors.ErrGroupNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, b.fail("list group roles", groupName, err)
	}
	codes, err := b.groups.ListRoleCodesForGroup(ctx, shadow.ID)
	if err != nil {
		return nil, b.fail("list group roles", groupName, err)
	}
	return codes, nil
}

// GetRoleCodesForUser returns the distinct roles of the user's LDAP groups
func (b *LDAPBackend) GetRoleCodesForUser(ctx context.Context, username string) ([]string, error) {
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
