// Package memory is an in-process directory store on go-memdb, used for
// development, single-node deployments and tests.
package memory

import (
	"time"

	"github.com/hashicorp/go-memdb"
)

const (
	tableDirectories    = "directories"
	tableDirectoryTypes = "directory_types"
	tableUsers          = "users"
	tableGroups         = "groups"
	tableMemberships    = "memberships"
	tableGroupRoles     = "group_roles"
	tableRoles          = "roles"
	tableFunctions      = "functions"
	tableRoleFunctions  = "role_functions"
	tableHistory        = "password_history"

	indexID           = "id"
	indexName         = "name"
	indexDirectory    = "directory"
	indexUsername     = "username"
	indexDirUsername  = "directory_username"
	indexDirGroupName = "directory_name"
	indexGroup        = "group"
	indexUser         = "user"
	indexRole         = "role"
)

// membership, groupRole and roleFunction use the joined key as their id so
// duplicates collide on the primary index
type membership struct {
	ID      string
	GroupID string
	UserID  string
}

type groupRole struct {
	ID       string
	GroupID  string
	RoleCode string
}

type roleFunction struct {
	ID           string
	RoleCode     string
	FunctionCode string
}

type historyEntry struct {
	ID           string
	UserID       string
	ChangedAt    time.Time
	PasswordHash string
}

func joinKey(a, b string) string {
	return a + "\x00" + b
}

func idIndex(field string, lowercase bool) *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:    indexID,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: field, Lowercase: lowercase},
	}
}

func fieldIndex(name, field string, lowercase bool) *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:    name,
		Indexer: &memdb.StringFieldIndex{Field: field, Lowercase: lowercase},
	}
}

func compoundIndex(name string, fields ...string) *memdb.IndexSchema {
	indexers := make([]memdb.Indexer, 0, len(fields))
	for _, f := range fields {
		indexers = append(indexers, &memdb.StringFieldIndex{Field: f, Lowercase: true})
	}
	return &memdb.IndexSchema{
		Name:    name,
		Indexer: &memdb.CompoundIndex{Indexes: indexers},
	}
}

func table(name string, indexes ...*memdb.IndexSchema) *memdb.TableSchema {
	t := &memdb.TableSchema{Name: name, Indexes: map[string]*memdb.IndexSchema{}}
	for _, idx := range indexes {
		t.Indexes[idx.Name] = idx
	}
	return t
}

func schema() *memdb.DBSchema {
	tables := []*memdb.TableSchema{
		table(tableDirectories,
			idIndex("ID", false),
			fieldIndex(indexName, "Name", true)),
		table(tableDirectoryTypes,
			idIndex("Code", false)),
		table(tableUsers,
			idIndex("ID", false),
			fieldIndex(indexDirectory, "DirectoryID", false),
			fieldIndex(indexUsername, "Username", true),
			compoundIndex(indexDirUsername, "DirectoryID", "Username")),
		table(tableGroups,
			idIndex("ID", false),
			fieldIndex(indexDirectory, "DirectoryID", false),
			compoundIndex(indexDirGroupName, "DirectoryID", "Name")),
		table(tableMemberships,
			idIndex("ID", false),
			fieldIndex(indexGroup, "GroupID", false),
			fieldIndex(indexUser, "UserID", false)),
		table(tableGroupRoles,
			idIndex("ID", false),
			fieldIndex(indexGroup, "GroupID", false),
			fieldIndex(indexRole, "RoleCode", false)),
		table(tableRoles,
			idIndex("Code", false)),
		table(tableFunctions,
			idIndex("Code", false)),
		table(tableRoleFunctions,
			idIndex("ID", false),
			fieldIndex(indexRole, "RoleCode", false)),
		table(tableHistory,
			idIndex("ID", false),
			fieldIndex(indexUser, "UserID", false)),
	}

	s := &memdb.DBSchema{Tables: map[string]*memdb.TableSchema{}}
	for _, t := range tables {
		s.Tables[t.Name] = t
	}
	return s
}
