package directory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/directory"
)

func newService(t *testing.T, env *testEnv) (*directory.Service, *directory.Registry) {
	t.Helper()
	r := directory.NewRegistry(env.deps)
	require.NoError(t, r.Reload(context.Background()))
	return directory.NewService(env.store, r, zaptest.NewLogger(t)), r
}

func TestService_DirectoryLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc, r := newService(t, env)

	created, err := svc.CreateDirectory(ctx, directory.Descriptor{
		Type:       " internal ",
		Name:       "  Staff ",
		Parameters: params("MaxPasswordAttempts", "4"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Staff", created.Name)
	assert.Equal(t, "internal", created.Type)

	// the registry is reloaded as part of the mutation
	_, err = r.Get(created.ID)
	require.NoError(t, err)
	assert.True(t, r.IsInternal(created.ID))

	_, err = svc.CreateDirectory(ctx, directory.Descriptor{Type: "internal", Name: "STAFF"})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrDuplicateUserDirectory))

	got, err := svc.GetDirectory(ctx, created.ID)
	require.NoError(t, err)
	v, _ := got.Parameter("MaxPasswordAttempts")
	assert.Equal(t, "4", v)

	updated := *got
	updated.Name = "Employees"
	updated.Parameters = params("MaxPasswordAttempts", "6")
	_, err = svc.UpdateDirectory(ctx, updated)
	require.NoError(t, err)
	dirs := r.Directories()
	require.Len(t, dirs, 1)
	assert.Equal(t, "Employees", dirs[0].Name)

	require.NoError(t, svc.DeleteDirectory(ctx, created.ID))
	_, err = r.Get(created.ID)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUserDirectoryNotFound))

	err = svc.DeleteDirectory(ctx, created.ID)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUserDirectoryNotFound))
	_, err = svc.GetDirectory(ctx, created.ID)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUserDirectoryNotFound))
}

func TestService_RejectsInvalidDescriptors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc, _ := newService(t, env)

	tests := []struct {
		name string
		desc directory.Descriptor
		code apperrors.ErrorCode
	}{
		{"blank name", directory.Descriptor{Type: "internal", Name: " "}, apperrors.ErrInvalidArgument},
		{"blank type", directory.Descriptor{Name: "x"}, apperrors.ErrInvalidArgument},
		{"unknown type", directory.Descriptor{Type: "nis", Name: "x"}, apperrors.ErrInvalidArgument},
		{"bad parameter", directory.Descriptor{Type: "internal", Name: "x", Parameters: params("PasswordHistoryMonths", "many")}, apperrors.ErrInvalidArgument},
		{"incomplete ldap", directory.Descriptor{Type: "ldap", Name: "x", Parameters: params("Host", "ldap")}, apperrors.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateDirectory(ctx, tt.desc)
			assert.True(t, apperrors.IsErrorCode(err, tt.code), "got %v", err)
		})
	}

	descs, err := svc.ListDirectories(ctx)
	require.NoError(t, err)
	assert.Empty(t, descs)

	_, err = svc.UpdateDirectory(ctx, directory.Descriptor{ID: "missing", Type: "internal", Name: "x"})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUserDirectoryNotFound))
}

func TestService_ListingsAndCapabilities(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc, _ := newService(t, env)

	for _, name := range []string{"zeta", "Alpha", "mu"} {
		_, err := svc.CreateDirectory(ctx, directory.Descriptor{Type: "internal", Name: name})
		require.NoError(t, err)
	}
	ro, err := svc.CreateDirectory(ctx, directory.Descriptor{
		Type:       "ldap",
		Name:       "Corporate",
		Parameters: ldapParams("SupportsUserAdministration", "false"),
	})
	require.NoError(t, err)

	descs, err := svc.ListDirectories(ctx)
	require.NoError(t, err)
	var names []string
	for _, d := range descs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"Alpha", "Corporate", "mu", "zeta"}, names)

	types, err := svc.ListDirectoryTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, types, 2)

	caps, err := svc.GetDirectoryCapabilities(ctx, ro.ID)
	require.NoError(t, err)
	assert.False(t, caps.UserAdministration)
	assert.True(t, caps.ChangePassword)

	_, err = svc.GetDirectoryCapabilities(ctx, "missing")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUserDirectoryNotFound))
}

func TestService_GetFunctionCodesForUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc, r := newService(t, env)

	desc, err := svc.CreateDirectory(ctx, directory.Descriptor{Type: "internal", Name: "Staff"})
	require.NoError(t, err)
	b, err := r.Get(desc.ID)
	require.NoError(t, err)

	require.NoError(t, b.CreateUser(ctx, &directory.User{Username: "alice"}, "alice-pw", directory.CreateUserOptions{}))
	require.NoError(t, b.CreateUser(ctx, &directory.User{Username: "bob"}, "bob-pw", directory.CreateUserOptions{}))
	require.NoError(t, b.CreateGroup(ctx, &directory.Group{Name: "Admins"}))
	require.NoError(t, b.CreateGroup(ctx, &directory.Group{Name: "Auditors"}))
	require.NoError(t, b.AddMemberToGroup(ctx, "Admins", directory.MemberTypeUser, "alice"))
	require.NoError(t, b.AddMemberToGroup(ctx, "Auditors", directory.MemberTypeUser, "alice"))

	require.NoError(t, env.store.CreateRole(ctx, &directory.Role{Code: "ADMIN"}))
	require.NoError(t, env.store.CreateRole(ctx, &directory.Role{Code: "AUDIT"}))
	for _, fn := range []string{"users.read", "users.write", "audit.read"} {
		require.NoError(t, env.store.CreateFunction(ctx, &directory.Function{Code: fn}))
	}
	require.NoError(t, env.store.AddFunctionToRole(ctx, "ADMIN", "users.read"))
	require.NoError(t, env.store.AddFunctionToRole(ctx, "ADMIN", "users.write"))
	require.NoError(t, env.store.AddFunctionToRole(ctx, "AUDIT", "users.read"))
	require.NoError(t, env.store.AddFunctionToRole(ctx, "AUDIT", "audit.read"))
	require.NoError(t, b.AddRoleToGroup(ctx, "Admins", "ADMIN"))
	require.NoError(t, b.AddRoleToGroup(ctx, "Auditors", "AUDIT"))

	codes, err := svc.GetFunctionCodesForUser(ctx, desc.ID, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"audit.read", "users.read", "users.write"}, codes)

	codes, err = svc.GetFunctionCodesForUser(ctx, desc.ID, "bob")
	require.NoError(t, err)
	assert.NotNil(t, codes)
	assert.Empty(t, codes)

	_, err = svc.GetFunctionCodesForUser(ctx, desc.ID, "nobody")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUserNotFound))
	_, err = svc.GetFunctionCodesForUser(ctx, "missing", "alice")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUserDirectoryNotFound))
}

type flakyStore struct {
	directory.Store
	failList bool
}

func (s *flakyStore) ListDirectories(ctx context.Context) ([]directory.Descriptor, error) {
	if s.failList {
		return nil, assert.AnError
	}
	return s.Store.ListDirectories(ctx)
}

func TestService_ReloadFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	store := &flakyStore{Store: env.store}
	env.deps.Store = store
	r := directory.NewRegistry(env.deps)
	require.NoError(t, r.Reload(ctx))
	svc := directory.NewService(store, r, zaptest.NewLogger(t))

	store.failList = true
	created, err := svc.CreateDirectory(ctx, directory.Descriptor{Type: "internal", Name: "Staff"})
	assert.Nil(t, created)
	assert.Equal(t, apperrors.KindServiceUnavailable, apperrors.KindOf(err))

	// the descriptor is stored and goes live on the next successful reload
	store.failList = false
	descs, err := env.store.ListDirectories(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.NoError(t, r.Reload(ctx))
	_, err = r.Get(descs[0].ID)
	assert.NoError(t, err)

	store.failList = true
	updated, err := svc.UpdateDirectory(ctx, descs[0])
	assert.Nil(t, updated)
	assert.Error(t, err)
}
