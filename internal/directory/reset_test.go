package directory_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/common/testutil"
	"github.com/openidx/identityd/internal/directory"
)

type resetEnv struct {
	*testEnv
	redis    *testutil.MockRedis
	resets   *directory.PasswordResetService
	dispatch *directory.Dispatcher
}

func newResetEnv(t *testing.T) *resetEnv {
	t.Helper()
	env := newTestEnv(t)
	env.seedLDAP()
	env.addDirectory(t, "int-1", "internal", "Staff", nil)
	env.addDirectory(t, "ldap-1", "ldap", "Corporate", ldapParams("SupportsAdminChangePassword", "false"))
	createInternalUser(t, env.internalBackend(t, "int-1"), "alice", "original-pw")

	_, d := loadRegistry(t, env)
	m := testutil.StartMockRedis(t)
	svc := directory.NewPasswordResetService(d, directory.NewRedisSecurityCodeStore(m.Client()), env.hasher,
		directory.ResetConfig{CodeLength: 6, TTL: 10 * time.Minute}, zaptest.NewLogger(t))
	return &resetEnv{testEnv: env, redis: m, resets: svc, dispatch: d}
}

func TestPasswordReset_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newResetEnv(t)

	req, err := env.resets.InitiatePasswordReset(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "int-1", req.DirectoryID)
	assert.Len(t, req.SecurityCode, 6)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), req.ExpiresAt, time.Minute)

	stored, ok := env.redis.GetString("password_reset:int-1:alice")
	require.True(t, ok)
	assert.NotEqual(t, req.SecurityCode, stored, "only the hash is stored")

	err = env.resets.ResetPassword(ctx, "alice", "WRONG1", "brand-new-pw")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidSecurityCode))
	_, ok = env.redis.GetString("password_reset:int-1:alice")
	assert.True(t, ok, "a failed attempt keeps the code")

	// codes are matched case-insensitively with surrounding whitespace ignored
	code := " " + strings.ToLower(req.SecurityCode) + " "
	require.NoError(t, env.resets.ResetPassword(ctx, "alice", code, "brand-new-pw"))

	_, ok = env.redis.GetString("password_reset:int-1:alice")
	assert.False(t, ok, "the code is consumed")

	_, err = env.dispatch.Authenticate(ctx, "alice", "brand-new-pw")
	assert.NoError(t, err)

	err = env.resets.ResetPassword(ctx, "alice", req.SecurityCode, "another-pw")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidSecurityCode))
}

func TestPasswordReset_CodeExpires(t *testing.T) {
	ctx := context.Background()
	env := newResetEnv(t)

	req, err := env.resets.InitiatePasswordReset(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, env.redis.FastForward(11*time.Minute))
	err = env.resets.ResetPassword(ctx, "alice", req.SecurityCode, "brand-new-pw")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidSecurityCode))
}

func TestPasswordReset_NewCodeReplacesOld(t *testing.T) {
	ctx := context.Background()
	env := newResetEnv(t)

	first, err := env.resets.InitiatePasswordReset(ctx, "alice")
	require.NoError(t, err)
	second, err := env.resets.InitiatePasswordReset(ctx, "alice")
	require.NoError(t, err)

	keys, err := env.redis.Keys("password_reset:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	if first.SecurityCode != second.SecurityCode {
		err = env.resets.ResetPassword(ctx, "alice", first.SecurityCode, "brand-new-pw")
		assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidSecurityCode))
	}
	assert.NoError(t, env.resets.ResetPassword(ctx, "alice", second.SecurityCode, "brand-new-pw"))
}

func TestPasswordReset_FailedChangeKeepsCode(t *testing.T) {
	ctx := context.Background()
	env := newResetEnv(t)

	req, err := env.resets.InitiatePasswordReset(ctx, "alice")
	require.NoError(t, err)

	// reusing the current password is rejected by the history check
	err = env.resets.ResetPassword(ctx, "alice", req.SecurityCode, "original-pw")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrExistingPassword))

	require.NoError(t, env.resets.ResetPassword(ctx, "alice", req.SecurityCode, "brand-new-pw"))
}

func TestPasswordReset_Rejections(t *testing.T) {
	ctx := context.Background()
	env := newResetEnv(t)

	_, err := env.resets.InitiatePasswordReset(ctx, "nobody")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUserNotFound))

	// bob lives in a directory without administrative password changes
	_, err = env.resets.InitiatePasswordReset(ctx, "bob")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrUnsupported))

	_, err = env.resets.InitiatePasswordReset(ctx, "")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidArgument))
	err = env.resets.ResetPassword(ctx, "alice", "ABC", "")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidArgument))

	keys, err := env.redis.Keys("*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
