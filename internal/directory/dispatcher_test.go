package directory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/directory"
)

func loadRegistry(t *testing.T, env *testEnv, opts ...directory.RegistryOption) (*directory.Registry, *directory.Dispatcher) {
	t.Helper()
	r := directory.NewRegistry(env.deps, opts...)
	require.NoError(t, r.Reload(context.Background()))
	return r, directory.NewDispatcher(r, env.store, zaptest.NewLogger(t))
}

func TestDispatcher_InternalFirst(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedLDAP()
	env.addDirectory(t, "ldap-1", "ldap", "Corporate", ldapParams())
	env.addDirectory(t, "int-1", "internal", "Staff", nil)

	// alice exists in both directories; the internal one owns her
	createInternalUser(t, env.internalBackend(t, "int-1"), "alice", "internal-pw")
	_, d := loadRegistry(t, env)

	id, err := d.ResolveDirectoryIDForUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "int-1", id)

	id, err = d.Authenticate(ctx, "alice", "internal-pw")
	require.NoError(t, err)
	assert.Equal(t, "int-1", id)

	_, err = d.Authenticate(ctx, "alice", "alice-pw")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrAuthenticationFailed))

	// bob only exists in LDAP
	id, err = d.Authenticate(ctx, "bob", "bob-pw")
	require.NoError(t, err)
	assert.Equal(t, "ldap-1", id)
}

func TestDispatcher_ExternalScanOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	backends := map[string]*stubBackend{
		"z": {id: "z", users: map[string]bool{"carol": true}},
		"m": {id: "m", users: map[string]bool{"carol": true, "dave": true}},
		"a": {id: "a", users: map[string]bool{}},
	}
	opt := stubType(t, env, func(desc directory.Descriptor, deps directory.Dependencies) (directory.Backend, error) {
		return backends[desc.ID], nil
	})
	env.addDirectory(t, "z", "stub", "Zeta", nil)
	env.addDirectory(t, "m", "stub", "Mu", nil)
	env.addDirectory(t, "a", "stub", "Alpha", nil)
	_, d := loadRegistry(t, env, opt)

	id, err := d.ResolveDirectoryIDForUsername(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "m", id)
	assert.Zero(t, backends["z"].lookups.Load(), "scan stops at the first match")

	_, err = d.ResolveDirectoryIDForUsername(ctx, "nobody")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUserNotFound))
	assert.Equal(t, int32(2), backends["a"].lookups.Load())
	assert.Equal(t, int32(1), backends["z"].lookups.Load())
}

func TestDispatcher_ScanFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	backends := map[string]*stubBackend{
		"a": {id: "a", lookErr: errors.New("connection reset")},
		"b": {id: "b", users: map[string]bool{"erin": true}},
	}
	opt := stubType(t, env, func(desc directory.Descriptor, deps directory.Dependencies) (directory.Backend, error) {
		return backends[desc.ID], nil
	})
	env.addDirectory(t, "a", "stub", "Alpha", nil)
	env.addDirectory(t, "b", "stub", "Beta", nil)
	_, d := loadRegistry(t, env, opt)

	_, err := d.ResolveDirectoryIDForUsername(ctx, "erin")
	assert.Equal(t, apperrors.KindServiceUnavailable, apperrors.KindOf(err))
	assert.Zero(t, backends["b"].lookups.Load())
}

func TestDispatcher_UnreachableLDAP(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedLDAP()
	env.addDirectory(t, "ldap-1", "ldap", "Corporate", ldapParams())
	_, d := loadRegistry(t, env)

	env.dit.dialErr = ldap.NewError(ldap.ErrorNetwork, errors.New("dial tcp: connection refused"))
	_, err := d.Authenticate(ctx, "bob", "bob-pw")
	assert.Equal(t, apperrors.KindServiceUnavailable, apperrors.KindOf(err))
}

func TestDispatcher_SkippedInternalDirectory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// the username index still holds users of a directory that failed to load
	createInternalUser(t, env.internalBackend(t, "int-1"), "frank", "frank-pw")
	env.addDirectory(t, "int-1", "internal", "Broken", params("MaxPasswordAttempts", "none"))
	r, d := loadRegistry(t, env)
	require.False(t, r.IsInternal("int-1"))

	_, err := d.Authenticate(ctx, "frank", "frank-pw")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUserNotFound))
}

func TestDispatcher_ArgumentValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, d := loadRegistry(t, env)

	_, err := d.ResolveDirectoryIDForUsername(ctx, " ")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidArgument))
	_, err = d.Authenticate(ctx, "alice", "")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidArgument))
	_, err = d.ChangePassword(ctx, "alice", "old", "")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidArgument))
}

func TestDispatcher_ChangePassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedLDAP()
	env.addDirectory(t, "int-1", "internal", "Staff", nil)
	env.addDirectory(t, "ldap-ro", "ldap", "Read Only", ldapParams("SupportsChangePassword", "false"))
	createInternalUser(t, env.internalBackend(t, "int-1"), "grace", "first-pw")
	_, d := loadRegistry(t, env)

	id, err := d.ChangePassword(ctx, "grace", "first-pw", "second-pw")
	require.NoError(t, err)
	assert.Equal(t, "int-1", id)
	_, err = d.Authenticate(ctx, "grace", "second-pw")
	assert.NoError(t, err)

	_, err = d.ChangePassword(ctx, "grace", "wrong", "third-pw")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrAuthenticationFailed))

	_, err = d.ChangePassword(ctx, "bob", "bob-pw", "new-bob-pw")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUnsupported))
	assert.Empty(t, env.dit.mods)
}
