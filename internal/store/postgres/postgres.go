// Package postgres implements the directory store on PostgreSQL with pgx
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/common/database"
	"github.com/openidx/identityd/internal/directory"
)

const queryTimeout = 10 * time.Second

// Store implements directory.Store on a pgx pool
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ directory.Store = (*Store)(nil)

// New creates a store on an open database
func New(db *database.PostgresDB, logger *zap.Logger) *Store {
	return &Store{
		pool:   db.Pool,
		logger: logger.With(zap.String("component", "directory-store")),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// likePattern escapes LIKE wildcards and wraps the filter for a substring match
func likePattern(filter string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(filter) + "%"
}

func direction(d directory.SortDirection) string {
	if d == directory.SortDescending {
		return "DESC"
	}
	return "ASC"
}

// query accumulates positional arguments for a dynamically built statement
type query struct {
	sql  strings.Builder
	args []interface{}
}

func (q *query) arg(v interface{}) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) page(offset, limit int) {
	if limit > 0 {
		q.sql.WriteString(" LIMIT " + q.arg(limit))
	}
	if offset > 0 {
		q.sql.WriteString(" OFFSET " + q.arg(offset))
	}
}

// Directories

func scanDescriptor(row pgx.Row) (*directory.Descriptor, error) {
	var d directory.Descriptor
	var params []byte
	if err := row.Scan(&d.ID, &d.Type, &d.Name, &params); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &d.Parameters); err != nil {
		return nil, fmt.Errorf("invalid parameters for directory %s: %w", d.ID, err)
	}
	return &d, nil
}

func (s *Store) ListDirectories(ctx context.Context) ([]directory.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT id, type, name, parameters FROM user_directories ORDER BY LOWER(name), id`)
	if err != nil {
		return nil, fmt.Errorf("query directories: %w", err)
	}
	defer rows.Close()

	var descs []directory.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		descs = append(descs, *d)
	}
	return descs, rows.Err()
}

func (s *Store) GetDirectory(ctx context.Context, id string) (*directory.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	d, err := scanDescriptor(s.pool.QueryRow(ctx,
		`SELECT id, type, name, parameters FROM user_directories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.UserDirectoryNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get directory: %w", err)
	}
	return d, nil
}

func marshalParameters(params []directory.Parameter) ([]byte, error) {
	if params == nil {
		params = []directory.Parameter{}
	}
	return json.Marshal(params)
}

func (s *Store) CreateDirectory(ctx context.Context, desc *directory.Descriptor) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	params, err := marshalParameters(desc.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO user_directories (id, type, name, parameters) VALUES ($1, $2, $3, $4)`,
		desc.ID, desc.Type, desc.Name, params)
	if isUniqueViolation(err) {
		return apperrors.DuplicateUserDirectory(desc.Name)
	}
	if err != nil {
		return fmt.Errorf("insert directory: %w", err)
	}
	return nil
}

func (s *Store) UpdateDirectory(ctx context.Context, desc *directory.Descriptor) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	params, err := marshalParameters(desc.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_directories SET type = $2, name = $3, parameters = $4, updated_at = NOW() WHERE id = $1`,
		desc.ID, desc.Type, desc.Name, params)
	if isUniqueViolation(err) {
		return apperrors.DuplicateUserDirectory(desc.Name)
	}
	if err != nil {
		return fmt.Errorf("update directory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.UserDirectoryNotFound(desc.ID)
	}
	return nil
}

func (s *Store) DeleteDirectory(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM user_directories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete directory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.UserDirectoryNotFound(id)
	}
	return nil
}

func (s *Store) ListDirectoryTypes(ctx context.Context) ([]directory.DirectoryType, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT code, name, backend_class FROM directory_types ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query directory types: %w", err)
	}
	defer rows.Close()

	var types []directory.DirectoryType
	for rows.Next() {
		var t directory.DirectoryType
		if err := rows.Scan(&t.Code, &t.Name, &t.BackendClass); err != nil {
			return nil, fmt.Errorf("scan directory type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *Store) FindDirectoryIDsForUsername(ctx context.Context, username string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return s.queryStrings(ctx,
		`SELECT directory_id FROM directory_users WHERE LOWER(username) = LOWER($1) ORDER BY directory_id`,
		username)
}

func (s *Store) queryStrings(ctx context.Context, sql string, args ...interface{}) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Users

const userColumns = `id, directory_id, username, name, preferred_name, email, phone_number,
	mobile_number, password_hash, password_attempts, password_expiry`

func scanUser(row pgx.Row) (*directory.User, error) {
	var u directory.User
	err := row.Scan(&u.ID, &u.DirectoryID, &u.Username, &u.Name, &u.PreferredName, &u.Email,
		&u.PhoneNumber, &u.MobileNumber, &u.PasswordHash, &u.PasswordAttempts, &u.PasswordExpiry)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, directoryID, username string) (*directory.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM directory_users WHERE directory_id = $1 AND LOWER(username) = LOWER($2)`,
		directoryID, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.UserNotFound(username)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

var userSortColumns = map[string]string{
	directory.UserSortByUsername:      "username",
	directory.UserSortByName:          "name",
	directory.UserSortByPreferredName: "preferred_name",
	directory.UserSortByEmail:         "email",
}

func (q *query) userFilter(directoryID, filter string) {
	q.sql.WriteString(" WHERE directory_id = " + q.arg(directoryID))
	if filter != "" {
		p := q.arg(likePattern(filter))
		q.sql.WriteString(" AND (username ILIKE " + p + " OR name ILIKE " + p + " OR preferred_name ILIKE " + p + ")")
	}
}

func (s *Store) ListUsers(ctx context.Context, directoryID string, lq directory.ListQuery) ([]directory.User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	col, ok := userSortColumns[lq.SortBy]
	if !ok {
		col = "username"
	}
	var q query
	q.sql.WriteString(`SELECT ` + userColumns + ` FROM directory_users`)
	q.userFilter(directoryID, lq.Filter)
	q.sql.WriteString(fmt.Sprintf(" ORDER BY LOWER(%s) %s, LOWER(username)", col, direction(lq.SortDirection)))
	q.page(lq.Offset, lq.Limit)

	rows, err := s.pool.Query(ctx, q.sql.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := []directory.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *Store) CountUsers(ctx context.Context, directoryID, filter string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var q query
	q.sql.WriteString(`SELECT COUNT(*) FROM directory_users`)
	q.userFilter(directoryID, filter)

	var n int
	if err := s.pool.QueryRow(ctx, q.sql.String(), q.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *Store) CreateUser(ctx context.Context, user *directory.User, history *directory.PasswordHistoryEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO directory_users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		user.ID, user.DirectoryID, user.Username, user.Name, user.PreferredName, user.Email,
		user.PhoneNumber, user.MobileNumber, user.PasswordHash, user.PasswordAttempts, user.PasswordExpiry)
	if isUniqueViolation(err) {
		return apperrors.DuplicateUser(user.Username)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if history != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO directory_password_history (user_id, changed_at, password_hash) VALUES ($1, $2, $3)`,
			user.ID, history.ChangedAt, history.PasswordHash); err != nil {
			return fmt.Errorf("insert password history: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateUser(ctx context.Context, user *directory.User) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE directory_users SET name = $2, preferred_name = $3, email = $4, phone_number = $5,
			mobile_number = $6, password_attempts = $7, password_expiry = $8
		 WHERE id = $1`,
		user.ID, user.Name, user.PreferredName, user.Email, user.PhoneNumber,
		user.MobileNumber, user.PasswordAttempts, user.PasswordExpiry)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.UserNotFound(user.Username)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, directoryID, username string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM directory_users WHERE directory_id = $1 AND LOWER(username) = LOWER($2)`,
		directoryID, username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.UserNotFound(username)
	}
	return nil
}

// IncrementPasswordAttempts is a single conditional update so concurrent failures all count
func (s *Store) IncrementPasswordAttempts(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`UPDATE directory_users SET password_attempts = password_attempts + 1
		 WHERE id = $1 AND password_attempts <> $2`,
		userID, directory.UntrackedPasswordAttempts)
	if err != nil {
		return fmt.Errorf("increment password attempts: %w", err)
	}
	return nil
}

func (s *Store) SetPassword(ctx context.Context, update directory.PasswordUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE directory_users SET password_hash = $2, password_attempts = $3, password_expiry = $4 WHERE id = $1`,
		update.UserID, update.PasswordHash, update.PasswordAttempts, update.PasswordExpiry)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.UserNotFound(update.UserID)
	}
	if update.ResetHistory {
		if _, err := tx.Exec(ctx, `DELETE FROM directory_password_history WHERE user_id = $1`, update.UserID); err != nil {
			return fmt.Errorf("reset password history: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO directory_password_history (user_id, changed_at, password_hash) VALUES ($1, $2, $3)`,
		update.UserID, update.ChangedAt, update.PasswordHash); err != nil {
		return fmt.Errorf("insert password history: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListPasswordHistory(ctx context.Context, userID string, since time.Time) ([]directory.PasswordHistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, changed_at, password_hash FROM directory_password_history
		 WHERE user_id = $1 AND changed_at > $2 ORDER BY changed_at`,
		userID, since)
	if err != nil {
		return nil, fmt.Errorf("query password history: %w", err)
	}
	defer rows.Close()

	var entries []directory.PasswordHistoryEntry
	for rows.Next() {
		var e directory.PasswordHistoryEntry
		if err := rows.Scan(&e.UserID, &e.ChangedAt, &e.PasswordHash); err != nil {
			return nil, fmt.Errorf("scan password history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Groups

const groupColumns = `id, directory_id, name, description`

func scanGroup(row pgx.Row) (*directory.Group, error) {
	var g directory.Group
	if err := row.Scan(&g.ID, &g.DirectoryID, &g.Name, &g.Description); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) queryGroups(ctx context.Context, sql string, args ...interface{}) ([]directory.Group, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	groups := []directory.Group{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func (s *Store) GetGroup(ctx context.Context, directoryID, name string) (*directory.Group, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	g, err := scanGroup(s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM directory_groups WHERE directory_id = $1 AND LOWER(name) = LOWER($2)`,
		directoryID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.GroupNotFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

func (q *query) groupFilter(directoryID, filter string) {
	q.sql.WriteString(" WHERE directory_id = " + q.arg(directoryID))
	if filter != "" {
		q.sql.WriteString(" AND name ILIKE " + q.arg(likePattern(filter)))
	}
}

func (s *Store) ListGroups(ctx context.Context, directoryID string, lq directory.ListQuery) ([]directory.Group, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	col := "name"
	if lq.SortBy == directory.GroupSortByDescription {
		col = "description"
	}
	var q query
	q.sql.WriteString(`SELECT ` + groupColumns + ` FROM directory_groups`)
	q.groupFilter(directoryID, lq.Filter)
	q.sql.WriteString(fmt.Sprintf(" ORDER BY LOWER(%s) %s, LOWER(name)", col, direction(lq.SortDirection)))
	q.page(lq.Offset, lq.Limit)
	return s.queryGroups(ctx, q.sql.String(), q.args...)
}

func (s *Store) CountGroups(ctx context.Context, directoryID, filter string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var q query
	q.sql.WriteString(`SELECT COUNT(*) FROM directory_groups`)
	q.groupFilter(directoryID, filter)

	var n int
	if err := s.pool.QueryRow(ctx, q.sql.String(), q.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count groups: %w", err)
	}
	return n, nil
}

func (s *Store) CreateGroup(ctx context.Context, group *directory.Group) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO directory_groups (`+groupColumns+`) VALUES ($1, $2, $3, $4)`,
		group.ID, group.DirectoryID, group.Name, group.Description)
	if isUniqueViolation(err) {
		return apperrors.DuplicateGroup(group.Name)
	}
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *Store) UpdateGroup(ctx context.Context, group *directory.Group) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE directory_groups SET description = $2 WHERE id = $1`, group.ID, group.Description)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.GroupNotFound(group.Name)
	}
	return nil
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM directory_groups WHERE id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.GroupNotFound(groupID)
	}
	return nil
}

// names returns the group name and username for error reporting
func (s *Store) names(ctx context.Context, groupID, userID string) (string, string) {
	groupName, username := groupID, userID
	_ = s.pool.QueryRow(ctx, `SELECT name FROM directory_groups WHERE id = $1`, groupID).Scan(&groupName)
	_ = s.pool.QueryRow(ctx, `SELECT username FROM directory_users WHERE id = $1`, userID).Scan(&username)
	return groupName, username
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO directory_group_members (group_id, user_id) VALUES ($1, $2)`, groupID, userID)
	if isUniqueViolation(err) {
		groupName, username := s.names(ctx, groupID, userID)
		return apperrors.ExistingGroupMember(groupName, username)
	}
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM directory_group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		groupName, username := s.names(ctx, groupID, userID)
		return apperrors.GroupMemberNotFound(groupName, username)
	}
	return nil
}

func (s *Store) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM directory_group_members WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check group member: %w", err)
	}
	return exists, nil
}

func (q *query) memberFilter(groupID, filter string) {
	q.sql.WriteString(` FROM directory_group_members m JOIN directory_users u ON u.id = m.user_id WHERE m.group_id = ` + q.arg(groupID))
	if filter != "" {
		q.sql.WriteString(" AND u.username ILIKE " + q.arg(likePattern(filter)))
	}
}

func (s *Store) ListMembers(ctx context.Context, groupID string, lq directory.ListQuery) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var q query
	q.sql.WriteString(`SELECT u.username`)
	q.memberFilter(groupID, lq.Filter)
	q.sql.WriteString(" ORDER BY LOWER(u.username) " + direction(lq.SortDirection))
	q.page(lq.Offset, lq.Limit)
	return s.queryStrings(ctx, q.sql.String(), q.args...)
}

func (s *Store) CountMembers(ctx context.Context, groupID, filter string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var q query
	q.sql.WriteString(`SELECT COUNT(*)`)
	q.memberFilter(groupID, filter)

	var n int
	if err := s.pool.QueryRow(ctx, q.sql.String(), q.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count group members: %w", err)
	}
	return n, nil
}

func (s *Store) ListGroupsForUser(ctx context.Context, userID string) ([]directory.Group, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return s.queryGroups(ctx,
		`SELECT g.id, g.directory_id, g.name, g.description
		 FROM directory_groups g JOIN directory_group_members m ON m.group_id = g.id
		 WHERE m.user_id = $1 ORDER BY LOWER(g.name)`, userID)
}

func (s *Store) groupName(ctx context.Context, groupID string) string {
	name := groupID
	_ = s.pool.QueryRow(ctx, `SELECT name FROM directory_groups WHERE id = $1`, groupID).Scan(&name)
	return name
}

func (s *Store) AddRoleToGroup(ctx context.Context, groupID, roleCode string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO directory_group_roles (group_id, role_code) VALUES ($1, $2)`, groupID, roleCode)
	if isUniqueViolation(err) {
		return apperrors.ExistingGroupRole(s.groupName(ctx, groupID), roleCode)
	}
	if err != nil {
		return fmt.Errorf("add group role: %w", err)
	}
	return nil
}

func (s *Store) RemoveRoleFromGroup(ctx context.Context, groupID, roleCode string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM directory_group_roles WHERE group_id = $1 AND role_code = $2`, groupID, roleCode)
	if err != nil {
		return fmt.Errorf("remove group role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.GroupRoleNotFound(s.groupName(ctx, groupID), roleCode)
	}
	return nil
}

func (s *Store) ListRoleCodesForGroup(ctx context.Context, groupID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return s.queryStrings(ctx,
		`SELECT role_code FROM directory_group_roles WHERE group_id = $1 ORDER BY role_code`, groupID)
}

func (s *Store) ListRoleCodesForGroupNames(ctx context.Context, directoryID string, groupNames []string) ([]string, error) {
	if len(groupNames) == 0 {
		return []string{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	lowered := make([]string, len(groupNames))
	for i, n := range groupNames {
		lowered[i] = strings.ToLower(n)
	}
	return s.queryStrings(ctx,
		`SELECT DISTINCT gr.role_code
		 FROM directory_group_roles gr JOIN directory_groups g ON g.id = gr.group_id
		 WHERE g.directory_id = $1 AND LOWER(g.name) = ANY($2)
		 ORDER BY gr.role_code`, directoryID, lowered)
}

// Roles and functions

func (s *Store) CreateRole(ctx context.Context, role *directory.Role) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO directory_roles (code, name, description) VALUES ($1, $2, $3)`,
		role.Code, role.Name, role.Description)
	if isUniqueViolation(err) {
		return apperrors.DuplicateRole(role.Code)
	}
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (s *Store) GetRole(ctx context.Context, code string) (*directory.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var r directory.Role
	err := s.pool.QueryRow(ctx,
		`SELECT code, name, description FROM directory_roles WHERE code = $1`, code).
		Scan(&r.Code, &r.Name, &r.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.RoleNotFound(code)
	}
	if err != nil {
		return nil, fmt.Errorf("get role: %w", err)
	}
	return &r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]directory.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT code, name, description FROM directory_roles ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var roles []directory.Role
	for rows.Next() {
		var r directory.Role
		if err := rows.Scan(&r.Code, &r.Name, &r.Description); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) CreateFunction(ctx context.Context, fn *directory.Function) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO directory_functions (code, name, description) VALUES ($1, $2, $3)`,
		fn.Code, fn.Name, fn.Description)
	if isUniqueViolation(err) {
		return apperrors.DuplicateFunction(fn.Code)
	}
	if err != nil {
		return fmt.Errorf("insert function: %w", err)
	}
	return nil
}

func (s *Store) GetFunction(ctx context.Context, code string) (*directory.Function, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var f directory.Function
	err := s.pool.QueryRow(ctx,
		`SELECT code, name, description FROM directory_functions WHERE code = $1`, code).
		Scan(&f.Code, &f.Name, &f.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.FunctionNotFound(code)
	}
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}
	return &f, nil
}

func (s *Store) AddFunctionToRole(ctx context.Context, roleCode, functionCode string) error {
	if _, err := s.GetRole(ctx, roleCode); err != nil {
		return err
	}
	if _, err := s.GetFunction(ctx, functionCode); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO directory_role_functions (role_code, function_code) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, roleCode, functionCode)
	if err != nil {
		return fmt.Errorf("add role function: %w", err)
	}
	return nil
}

func (s *Store) ListFunctionCodesForRoles(ctx context.Context, roleCodes []string) ([]string, error) {
	if len(roleCodes) == 0 {
		return []string{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return s.queryStrings(ctx,
		`SELECT DISTINCT function_code FROM directory_role_functions
		 WHERE role_code = ANY($1) ORDER BY function_code`, roleCodes)
}
