package postgres

import (
	"context"
	"fmt"
)

// schemaStatements create the directory tables. Name and username uniqueness
// is enforced on LOWER() so lookups can ignore case.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS directory_types (
		code          TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		backend_class TEXT NOT NULL
	)`,
	`INSERT INTO directory_types (code, name, backend_class) VALUES
		('internal', 'Internal', 'internal'),
		('ldap', 'LDAP', 'ldap')
	ON CONFLICT (code) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS user_directories (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL REFERENCES directory_types(code),
		name       TEXT NOT NULL,
		parameters JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_directories_name ON user_directories (LOWER(name))`,
	`CREATE TABLE IF NOT EXISTS directory_users (
		id                TEXT PRIMARY KEY,
		directory_id      TEXT NOT NULL REFERENCES user_directories(id) ON DELETE CASCADE,
		username          TEXT NOT NULL,
		name              TEXT NOT NULL DEFAULT '',
		preferred_name    TEXT NOT NULL DEFAULT '',
		email             TEXT NOT NULL DEFAULT '',
		phone_number      TEXT NOT NULL DEFAULT '',
		mobile_number     TEXT NOT NULL DEFAULT '',
		password_hash     TEXT NOT NULL DEFAULT '',
		password_attempts INTEGER NOT NULL DEFAULT 0,
		password_expiry   TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_directory_users_username ON directory_users (directory_id, LOWER(username))`,
	`CREATE INDEX IF NOT EXISTS idx_directory_users_lookup ON directory_users (LOWER(username))`,
	`CREATE TABLE IF NOT EXISTS directory_groups (
		id           TEXT PRIMARY KEY,
		directory_id TEXT NOT NULL REFERENCES user_directories(id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_directory_groups_name ON directory_groups (directory_id, LOWER(name))`,
	`CREATE TABLE IF NOT EXISTS directory_group_members (
		group_id TEXT NOT NULL REFERENCES directory_groups(id) ON DELETE CASCADE,
		user_id  TEXT NOT NULL REFERENCES directory_users(id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_directory_group_members_user ON directory_group_members (user_id)`,
	`CREATE TABLE IF NOT EXISTS directory_roles (
		code        TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS directory_functions (
		code        TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS directory_group_roles (
		group_id  TEXT NOT NULL REFERENCES directory_groups(id) ON DELETE CASCADE,
		role_code TEXT NOT NULL REFERENCES directory_roles(code) ON DELETE CASCADE,
		PRIMARY KEY (group_id, role_code)
	)`,
	`CREATE TABLE IF NOT EXISTS directory_role_functions (
		role_code     TEXT NOT NULL REFERENCES directory_roles(code) ON DELETE CASCADE,
		function_code TEXT NOT NULL REFERENCES directory_functions(code) ON DELETE CASCADE,
		PRIMARY KEY (role_code, function_code)
	)`,
	`CREATE TABLE IF NOT EXISTS directory_password_history (
		id            BIGSERIAL PRIMARY KEY,
		user_id       TEXT NOT NULL REFERENCES directory_users(id) ON DELETE CASCADE,
		changed_at    TIMESTAMPTZ NOT NULL,
		password_hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_directory_password_history_user ON directory_password_history (user_id, changed_at)`,
}

// InitSchema creates the directory tables if they do not exist
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize directory schema: %w", err)
		}
	}
	s.logger.Info("Directory schema initialized")
	return nil
}
