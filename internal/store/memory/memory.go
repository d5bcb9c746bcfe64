package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/directory"
)

// DefaultDirectoryTypes seeds the type catalog of a new store
var DefaultDirectoryTypes = []directory.DirectoryType{
	{Code: "internal", Name: "Internal", BackendClass: directory.BackendClassInternal},
	{Code: "ldap", Name: "LDAP", BackendClass: directory.BackendClassLDAP},
}

// Store implements directory.Store in memory. Stored objects are never
// handed out; every read returns a copy.
type Store struct {
	db *memdb.MemDB
}

var _ directory.Store = (*Store)(nil)

// New creates an empty store with the default type catalog
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	s := &Store{db: db}
	for _, t := range DefaultDirectoryTypes {
		if err := s.AddDirectoryType(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddDirectoryType registers or replaces a catalog entry
func (s *Store) AddDirectoryType(t directory.DirectoryType) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableDirectoryTypes, &t); err != nil {
		return fmt.Errorf("failed to insert directory type: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) read() *memdb.Txn {
	return s.db.Txn(false)
}

func (s *Store) write() *memdb.Txn {
	return s.db.Txn(true)
}

func collect[T any](it memdb.ResultIterator, err error) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	var out []*T
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*T))
	}
	return out, nil
}

func first[T any](txn *memdb.Txn, table, index string, args ...interface{}) (*T, error) {
	raw, err := txn.First(table, index, args...)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*T), nil
}

func copyDescriptor(d *directory.Descriptor) *directory.Descriptor {
	c := *d
	c.Parameters = append([]directory.Parameter(nil), d.Parameters...)
	return &c
}

func copyUser(u *directory.User) *directory.User {
	c := *u
	if u.PasswordExpiry != nil {
		t := *u.PasswordExpiry
		c.PasswordExpiry = &t
	}
	return &c
}

// Directories

func (s *Store) ListDirectories(ctx context.Context) ([]directory.Descriptor, error) {
	txn := s.read()
	defer txn.Abort()
	descs, err := collect[directory.Descriptor](txn.Get(tableDirectories, indexID))
	if err != nil {
		return nil, err
	}
	out := make([]directory.Descriptor, 0, len(descs))
	for _, d := range descs {
		out = append(out, *copyDescriptor(d))
	}
	return out, nil
}

func (s *Store) GetDirectory(ctx context.Context, id string) (*directory.Descriptor, error) {
	txn := s.read()
	defer txn.Abort()
	d, err := first[directory.Descriptor](txn, tableDirectories, indexID, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperrors.UserDirectoryNotFound(id)
	}
	return copyDescriptor(d), nil
}

func (s *Store) CreateDirectory(ctx context.Context, desc *directory.Descriptor) error {
	txn := s.write()
	defer txn.Abort()
	if existing, err := first[directory.Descriptor](txn, tableDirectories, indexName, desc.Name); err != nil {
		return err
	} else if existing != nil {
		return apperrors.DuplicateUserDirectory(desc.Name)
	}
	if d, err := first[directory.Descriptor](txn, tableDirectories, indexID, desc.ID); err != nil {
		return err
	} else if d != nil {
		return apperrors.DuplicateUserDirectory(desc.Name)
	}
	if err := txn.Insert(tableDirectories, copyDescriptor(desc)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) UpdateDirectory(ctx context.Context, desc *directory.Descriptor) error {
	txn := s.write()
	defer txn.Abort()
	if d, err := first[directory.Descriptor](txn, tableDirectories, indexID, desc.ID); err != nil {
		return err
	} else if d == nil {
		return apperrors.UserDirectoryNotFound(desc.ID)
	}
	if other, err := first[directory.Descriptor](txn, tableDirectories, indexName, desc.Name); err != nil {
		return err
	} else if other != nil && other.ID != desc.ID {
		return apperrors.DuplicateUserDirectory(desc.Name)
	}
	if err := txn.Insert(tableDirectories, copyDescriptor(desc)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// DeleteDirectory removes the descriptor with every user and group it owns
func (s *Store) DeleteDirectory(ctx context.Context, id string) error {
	txn := s.write()
	defer txn.Abort()
	d, err := first[directory.Descriptor](txn, tableDirectories, indexID, id)
	if err != nil {
		return err
	}
	if d == nil {
		return apperrors.UserDirectoryNotFound(id)
	}

	users, err := collect[directory.User](txn.Get(tableUsers, indexDirectory, id))
	if err != nil {
		return err
	}
	for _, u := range users {
		if err := deleteUser(txn, u); err != nil {
			return err
		}
	}
	groups, err := collect[directory.Group](txn.Get(tableGroups, indexDirectory, id))
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := deleteGroup(txn, g); err != nil {
			return err
		}
	}
	if err := txn.Delete(tableDirectories, d); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) ListDirectoryTypes(ctx context.Context) ([]directory.DirectoryType, error) {
	txn := s.read()
	defer txn.Abort()
	types, err := collect[directory.DirectoryType](txn.Get(tableDirectoryTypes, indexID))
	if err != nil {
		return nil, err
	}
	out := make([]directory.DirectoryType, 0, len(types))
	for _, t := range types {
		out = append(out, *t)
	}
	return out, nil
}

func (s *Store) FindDirectoryIDsForUsername(ctx context.Context, username string) ([]string, error) {
	txn := s.read()
	defer txn.Abort()
	users, err := collect[directory.User](txn.Get(tableUsers, indexUsername, username))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.DirectoryID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Users

func (s *Store) GetUser(ctx context.Context, directoryID, username string) (*directory.User, error) {
	txn := s.read()
	defer txn.Abort()
	u, err := first[directory.User](txn, tableUsers, indexDirUsername, directoryID, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperrors.UserNotFound(username)
	}
	return copyUser(u), nil
}

func (s *Store) filteredUsers(directoryID, filter string) ([]directory.User, error) {
	txn := s.read()
	defer txn.Abort()
	users, err := collect[directory.User](txn.Get(tableUsers, indexDirectory, directoryID))
	if err != nil {
		return nil, err
	}
	out := make([]directory.User, 0, len(users))
	for _, u := range users {
		if matches(filter, u.Username, u.Name, u.PreferredName) {
			out = append(out, *copyUser(u))
		}
	}
	return out, nil
}

func (s *Store) ListUsers(ctx context.Context, directoryID string, q directory.ListQuery) ([]directory.User, error) {
	users, err := s.filteredUsers(directoryID, q.Filter)
	if err != nil {
		return nil, err
	}
	sortFold(users, q.SortDirection, func(u directory.User) string { return userField(u, q.SortBy) })
	return paginate(users, q.Offset, q.Limit), nil
}

func (s *Store) CountUsers(ctx context.Context, directoryID, filter string) (int, error) {
	users, err := s.filteredUsers(directoryID, filter)
	return len(users), err
}

func (s *Store) CreateUser(ctx context.Context, user *directory.User, history *directory.PasswordHistoryEntry) error {
	txn := s.write()
	defer txn.Abort()
	if existing, err := first[directory.User](txn, tableUsers, indexDirUsername, user.DirectoryID, user.Username); err != nil {
		return err
	} else if existing != nil {
		return apperrors.DuplicateUser(user.Username)
	}
	if err := txn.Insert(tableUsers, copyUser(user)); err != nil {
		return err
	}
	if history != nil {
		if err := insertHistory(txn, user.ID, history.PasswordHash, history.ChangedAt); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func insertHistory(txn *memdb.Txn, userID, hash string, changedAt time.Time) error {
	return txn.Insert(tableHistory, &historyEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		ChangedAt:    changedAt,
		PasswordHash: hash,
	})
}

func (s *Store) UpdateUser(ctx context.Context, user *directory.User) error {
	txn := s.write()
	defer txn.Abort()
	existing, err := first[directory.User](txn, tableUsers, indexID, user.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperrors.UserNotFound(user.Username)
	}
	updated := copyUser(user)
	updated.DirectoryID = existing.DirectoryID
	updated.Username = existing.Username
	updated.PasswordHash = existing.PasswordHash
	if err := txn.Insert(tableUsers, updated); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func deleteUser(txn *memdb.Txn, u *directory.User) error {
	if _, err := txn.DeleteAll(tableMemberships, indexUser, u.ID); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(tableHistory, indexUser, u.ID); err != nil {
		return err
	}
	return txn.Delete(tableUsers, u)
}

func (s *Store) DeleteUser(ctx context.Context, directoryID, username string) error {
	txn := s.write()
	defer txn.Abort()
	u, err := first[directory.User](txn, tableUsers, indexDirUsername, directoryID, username)
	if err != nil {
		return err
	}
	if u == nil {
		return apperrors.UserNotFound(username)
	}
	if err := deleteUser(txn, u); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) IncrementPasswordAttempts(ctx context.Context, userID string) error {
	txn := s.write()
	defer txn.Abort()
	u, err := first[directory.User](txn, tableUsers, indexID, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return apperrors.UserNotFound(userID)
	}
	if u.PasswordAttempts == directory.UntrackedPasswordAttempts {
		return nil
	}
	updated := copyUser(u)
	updated.PasswordAttempts++
	if err := txn.Insert(tableUsers, updated); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) SetPassword(ctx context.Context, update directory.PasswordUpdate) error {
	txn := s.write()
	defer txn.Abort()
	u, err := first[directory.User](txn, tableUsers, indexID, update.UserID)
	if err != nil {
		return err
	}
	if u == nil {
		return apperrors.UserNotFound(update.UserID)
	}
	updated := copyUser(u)
	updated.PasswordHash = update.PasswordHash
	updated.PasswordAttempts = update.PasswordAttempts
	updated.PasswordExpiry = nil
	if update.PasswordExpiry != nil {
		t := *update.PasswordExpiry
		updated.PasswordExpiry = &t
	}
	if err := txn.Insert(tableUsers, updated); err != nil {
		return err
	}
	if update.ResetHistory {
		if _, err := txn.DeleteAll(tableHistory, indexUser, u.ID); err != nil {
			return err
		}
	}
	if err := insertHistory(txn, u.ID, update.PasswordHash, update.ChangedAt); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) ListPasswordHistory(ctx context.Context, userID string, since time.Time) ([]directory.PasswordHistoryEntry, error) {
	txn := s.read()
	defer txn.Abort()
	entries, err := collect[historyEntry](txn.Get(tableHistory, indexUser, userID))
	if err != nil {
		return nil, err
	}
	out := make([]directory.PasswordHistoryEntry, 0, len(entries))
	for _, e := range entries {
		if e.ChangedAt.After(since) {
			out = append(out, directory.PasswordHistoryEntry{
				UserID:       e.UserID,
				ChangedAt:    e.ChangedAt,
				PasswordHash: e.PasswordHash,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangedAt.Before(out[j].ChangedAt) })
	return out, nil
}

// Groups

func (s *Store) GetGroup(ctx context.Context, directoryID, name string) (*directory.Group, error) {
	txn := s.read()
	defer txn.Abort()
	g, err := first[directory.Group](txn, tableGroups, indexDirGroupName, directoryID, name)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, apperrors.GroupNotFound(name)
	}
	c := *g
	return &c, nil
}

func (s *Store) filteredGroups(directoryID, filter string) ([]directory.Group, error) {
	txn := s.read()
	defer txn.Abort()
	groups, err := collect[directory.Group](txn.Get(tableGroups, indexDirectory, directoryID))
	if err != nil {
		return nil, err
	}
	out := make([]directory.Group, 0, len(groups))
	for _, g := range groups {
		if matches(filter, g.Name) {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (s *Store) ListGroups(ctx context.Context, directoryID string, q directory.ListQuery) ([]directory.Group, error) {
	groups, err := s.filteredGroups(directoryID, q.Filter)
	if err != nil {
		return nil, err
	}
	sortFold(groups, q.SortDirection, func(g directory.Group) string {
		if q.SortBy == directory.GroupSortByDescription {
			return g.Description
		}
		return g.Name
	})
	return paginate(groups, q.Offset, q.Limit), nil
}

func (s *Store) CountGroups(ctx context.Context, directoryID, filter string) (int, error) {
	groups, err := s.filteredGroups(directoryID, filter)
	return len(groups), err
}

func (s *Store) CreateGroup(ctx context.Context, group *directory.Group) error {
	txn := s.write()
	defer txn.Abort()
	if existing, err := first[directory.Group](txn, tableGroups, indexDirGroupName, group.DirectoryID, group.Name); err != nil {
		return err
	} else if existing != nil {
		return apperrors.DuplicateGroup(group.Name)
	}
	c := *group
	if err := txn.Insert(tableGroups, &c); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) UpdateGroup(ctx context.Context, group *directory.Group) error {
	txn := s.write()
	defer txn.Abort()
	existing, err := first[directory.Group](txn, tableGroups, indexID, group.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperrors.GroupNotFound(group.Name)
	}
	updated := *existing
	updated.Description = group.Description
	if err := txn.Insert(tableGroups, &updated); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func deleteGroup(txn *memdb.Txn, g *directory.Group) error {
	if _, err := txn.DeleteAll(tableMemberships, indexGroup, g.ID); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(tableGroupRoles, indexGroup, g.ID); err != nil {
		return err
	}
	return txn.Delete(tableGroups, g)
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	txn := s.write()
	defer txn.Abort()
	g, err := first[directory.Group](txn, tableGroups, indexID, groupID)
	if err != nil {
		return err
	}
	if g == nil {
		return apperrors.GroupNotFound(groupID)
	}
	if err := deleteGroup(txn, g); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// names returns the group name and username for error reporting
func names(txn *memdb.Txn, groupID, userID string) (string, string) {
	groupName, username := groupID, userID
	if g, _ := first[directory.Group](txn, tableGroups, indexID, groupID); g != nil {
		groupName = g.Name
	}
	if u, _ := first[directory.User](txn, tableUsers, indexID, userID); u != nil {
		username = u.Username
	}
	return groupName, username
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	txn := s.write()
	defer txn.Abort()
	id := joinKey(groupID, userID)
	if m, err := first[membership](txn, tableMemberships, indexID, id); err != nil {
		return err
	} else if m != nil {
		groupName, username := names(txn, groupID, userID)
		return apperrors.ExistingGroupMember(groupName, username)
	}
	if err := txn.Insert(tableMemberships, &membership{ID: id, GroupID: groupID, UserID: userID}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	txn := s.write()
	defer txn.Abort()
	m, err := first[membership](txn, tableMemberships, indexID, joinKey(groupID, userID))
	if err != nil {
		return err
	}
	if m == nil {
		groupName, username := names(txn, groupID, userID)
		return apperrors.GroupMemberNotFound(groupName, username)
	}
	if err := txn.Delete(tableMemberships, m); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	txn := s.read()
	defer txn.Abort()
	m, err := first[membership](txn, tableMemberships, indexID, joinKey(groupID, userID))
	return m != nil, err
}

func (s *Store) memberNames(groupID, filter string) ([]string, error) {
	txn := s.read()
	defer txn.Abort()
	members, err := collect[membership](txn.Get(tableMemberships, indexGroup, groupID))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		u, err := first[directory.User](txn, tableUsers, indexID, m.UserID)
		if err != nil {
			return nil, err
		}
		if u != nil && matches(filter, u.Username) {
			out = append(out, u.Username)
		}
	}
	return out, nil
}

func (s *Store) ListMembers(ctx context.Context, groupID string, q directory.ListQuery) ([]string, error) {
	usernames, err := s.memberNames(groupID, q.Filter)
	if err != nil {
		return nil, err
	}
	sortFold(usernames, q.SortDirection, func(n string) string { return n })
	return paginate(usernames, q.Offset, q.Limit), nil
}

func (s *Store) CountMembers(ctx context.Context, groupID, filter string) (int, error) {
	usernames, err := s.memberNames(groupID, filter)
	return len(usernames), err
}

func (s *Store) ListGroupsForUser(ctx context.Context, userID string) ([]directory.Group, error) {
	txn := s.read()
	defer txn.Abort()
	members, err := collect[membership](txn.Get(tableMemberships, indexUser, userID))
	if err != nil {
		return nil, err
	}
	groups := make([]directory.Group, 0, len(members))
	for _, m := range members {
		g, err := first[directory.Group](txn, tableGroups, indexID, m.GroupID)
		if err != nil {
			return nil, err
		}
		if g != nil {
			groups = append(groups, *g)
		}
	}
	sortFold(groups, directory.SortAscending, func(g directory.Group) string { return g.Name })
	return groups, nil
}

func groupNameOf(txn *memdb.Txn, groupID string) string {
	if g, _ := first[directory.Group](txn, tableGroups, indexID, groupID); g != nil {
		return g.Name
	}
	return groupID
}

func (s *Store) AddRoleToGroup(ctx context.Context, groupID, roleCode string) error {
	txn := s.write()
	defer txn.Abort()
	id := joinKey(groupID, roleCode)
	if gr, err := first[groupRole](txn, tableGroupRoles, indexID, id); err != nil {
		return err
	} else if gr != nil {
		return apperrors.ExistingGroupRole(groupNameOf(txn, groupID), roleCode)
	}
	if err := txn.Insert(tableGroupRoles, &groupRole{ID: id, GroupID: groupID, RoleCode: roleCode}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) RemoveRoleFromGroup(ctx context.Context, groupID, roleCode string) error {
	txn := s.write()
	defer txn.Abort()
	gr, err := first[groupRole](txn, tableGroupRoles, indexID, joinKey(groupID, roleCode))
	if err != nil {
		return err
	}
	if gr == nil {
		return apperrors.GroupRoleNotFound(groupNameOf(txn, groupID), roleCode)
	}
	if err := txn.Delete(tableGroupRoles, gr); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func roleCodes(txn *memdb.Txn, groupID string, into map[string]struct{}) error {
	roles, err := collect[groupRole](txn.Get(tableGroupRoles, indexGroup, groupID))
	if err != nil {
		return err
	}
	for _, r := range roles {
		into[r.RoleCode] = struct{}{}
	}
	return nil
}

func (s *Store) ListRoleCodesForGroup(ctx context.Context, groupID string) ([]string, error) {
	txn := s.read()
	defer txn.Abort()
	set := map[string]struct{}{}
	if err := roleCodes(txn, groupID, set); err != nil {
		return nil, err
	}
	return sortedKeys(set), nil
}

func (s *Store) ListRoleCodesForGroupNames(ctx context.Context, directoryID string, groupNames []string) ([]string, error) {
	txn := s.read()
	defer txn.Abort()
	set := map[string]struct{}{}
	for _, name := range groupNames {
		g, err := first[directory.Group](txn, tableGroups, indexDirGroupName, directoryID, name)
		if err != nil {
			return nil, err
		}
		if g == nil {
			continue
		}
		if err := roleCodes(txn, g.ID, set); err != nil {
			return nil, err
		}
	}
	return sortedKeys(set), nil
}

// Roles and functions

func (s *Store) CreateRole(ctx context.Context, role *directory.Role) error {
	txn := s.write()
	defer txn.Abort()
	if r, err := first[directory.Role](txn, tableRoles, indexID, role.Code); err != nil {
		return err
	} else if r != nil {
		return apperrors.DuplicateRole(role.Code)
	}
	c := *role
	if err := txn.Insert(tableRoles, &c); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) GetRole(ctx context.Context, code string) (*directory.Role, error) {
	txn := s.read()
	defer txn.Abort()
	r, err := first[directory.Role](txn, tableRoles, indexID, code)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperrors.RoleNotFound(code)
	}
	c := *r
	return &c, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]directory.Role, error) {
	txn := s.read()
	defer txn.Abort()
	roles, err := collect[directory.Role](txn.Get(tableRoles, indexID))
	if err != nil {
		return nil, err
	}
	out := make([]directory.Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, *r)
	}
	return out, nil
}

func (s *Store) CreateFunction(ctx context.Context, fn *directory.Function) error {
	txn := s.write()
	defer txn.Abort()
	if f, err := first[directory.Function](txn, tableFunctions, indexID, fn.Code); err != nil {
		return err
	} else if f != nil {
		return apperrors.DuplicateFunction(fn.Code)
	}
	c := *fn
	if err := txn.Insert(tableFunctions, &c); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) GetFunction(ctx context.Context, code string) (*directory.Function, error) {
	txn := s.read()
	defer txn.Abort()
	f, err := first[directory.Function](txn, tableFunctions, indexID, code)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, apperrors.FunctionNotFound(code)
	}
	c := *f
	return &c, nil
}

// AddFunctionToRole is idempotent
func (s *Store) AddFunctionToRole(ctx context.Context, roleCode, functionCode string) error {
	txn := s.write()
	defer txn.Abort()
	if r, err := first[directory.Role](txn, tableRoles, indexID, roleCode); err != nil {
		return err
	} else if r == nil {
		return apperrors.RoleNotFound(roleCode)
	}
	if f, err := first[directory.Function](txn, tableFunctions, indexID, functionCode); err != nil {
		return err
	} else if f == nil {
		return apperrors.FunctionNotFound(functionCode)
	}
	rf := &roleFunction{ID: joinKey(roleCode, functionCode), RoleCode: roleCode, FunctionCode: functionCode}
	if err := txn.Insert(tableRoleFunctions, rf); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) ListFunctionCodesForRoles(ctx context.Context, roleCodes []string) ([]string, error) {
	txn := s.read()
	defer txn.Abort()
	set := map[string]struct{}{}
	for _, code := range roleCodes {
		fns, err := collect[roleFunction](txn.Get(tableRoleFunctions, indexRole, code))
		if err != nil {
			return nil, err
		}
		for _, f := range fns {
			set[f.FunctionCode] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

// helpers

func matches(filter string, fields ...string) bool {
	if filter == "" {
		return true
	}
	f := strings.ToLower(filter)
	for _, v := range fields {
		if strings.Contains(strings.ToLower(v), f) {
			return true
		}
	}
	return false
}

func sortFold[T any](items []T, dir directory.SortDirection, key func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := strings.ToLower(key(items[i])), strings.ToLower(key(items[j]))
		if dir == directory.SortDescending {
			return a > b
		}
		return a < b
	})
}

// paginate treats a non-positive limit as unbounded
func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 || offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	return items[offset:end]
}

func userField(u directory.User, sortBy string) string {
	switch sortBy {
	case directory.UserSortByName:
		return u.Name
	case directory.UserSortByPreferredName:
		return u.PreferredName
	case directory.UserSortByEmail:
		return u.Email
	}
	return u.Username
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
