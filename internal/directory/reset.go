package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/common/logger"
	"github.com/openidx/identityd/internal/metrics"
)

// SecurityCodeStore keeps the hash of one pending reset code per user
type SecurityCodeStore interface {
	Save(ctx context.Context, directoryID, username, codeHash string, ttl time.Duration) error
	// Get reports false when no unexpired code exists
	Get(ctx context.Context, directoryID, username string) (string, bool, error)
	Delete(ctx context.Context, directoryID, username string) error
}

// RedisSecurityCodeStore stores reset codes in Redis with a native TTL
type RedisSecurityCodeStore struct {
	client *redis.Client
}

// NewRedisSecurityCodeStore creates a code store on the given client
func NewRedisSecurityCodeStore(client *redis.Client) *RedisSecurityCodeStore {
	return &RedisSecurityCodeStore{client: client}
}

func securityCodeKey(directoryID, username string) string {
	return fmt.Sprintf("password_reset:%s:%s", directoryID, strings.ToLower(username))
}

// Save replaces any pending code for the user
func (s *RedisSecurityCodeStore) Save(ctx context.Context, directoryID, username, codeHash string, ttl time.Duration) error {
	return s.client.Set(ctx, securityCodeKey(directoryID, username), codeHash, ttl).Err()
}

func (s *RedisSecurityCodeStore) Get(ctx context.Context, directoryID, username string) (string, bool, error) {
	v, err := s.client.Get(ctx, securityCodeKey(directoryID, username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisSecurityCodeStore) Delete(ctx context.Context, directoryID, username string) error {
	return s.client.Del(ctx, securityCodeKey(directoryID, username)).Err()
}

// PasswordResetRequest is returned to the caller for out-of-band delivery of the code
type PasswordResetRequest struct {
	DirectoryID  string    `json:"directory_id"`
	Username     string    `json:"username"`
	SecurityCode string    `json:"security_code"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ResetConfig controls issued security codes
type ResetConfig struct {
	CodeLength int
	TTL        time.Duration
}

// PasswordResetService resets forgotten passwords after the user proves
// possession of a short-lived security code
type PasswordResetService struct {
	dispatcher *Dispatcher
	codes      SecurityCodeStore
	hasher     PasswordHasher
	cfg        ResetConfig
	now        func() time.Time
	logger     *zap.Logger
	audit      *logger.AuditLogger
}

// NewPasswordResetService creates a reset service
func NewPasswordResetService(dispatcher *Dispatcher, codes SecurityCodeStore, hasher PasswordHasher, cfg ResetConfig, log *zap.Logger) *PasswordResetService {
	if cfg.CodeLength < 1 {
		cfg.CodeLength = 8
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	return &PasswordResetService{
		dispatcher: dispatcher,
		codes:      codes,
		hasher:     hasher,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.WithComponent(log, "password-reset"),
		audit:      logger.NewAuditLogger(log),
	}
}

// InitiatePasswordReset issues a security code for the user's directory. Only
// the code's hash is kept.
func (s *PasswordResetService) InitiatePasswordReset(ctx context.Context, username string) (*PasswordResetRequest, error) {
	if err := requireValue("username", username); err != nil {
		return nil, err
	}
	b, err := s.dispatcher.resolve(ctx, username)
	if err != nil {
		metrics.RecordSecurityCode("issue", outcome(err))
		return nil, err
	}
	if err := b.Capabilities().require(b.DirectoryID(), CapAdminChangePassword); err != nil {
		metrics.RecordSecurityCode("issue", outcome(err))
		return nil, err
	}

	code, err := GenerateSecurityCode(s.cfg.CodeLength)
	if err != nil {
		return nil, apperrors.Internal("failed to generate security code", err)
	}
	if err := s.codes.Save(ctx, b.DirectoryID(), username, s.hasher.Hash(code), s.cfg.TTL); err != nil {
		metrics.RecordSecurityCode("issue", "error")
		return nil, boundary(s.logger, "issue security code", b.DirectoryID(), username, err)
	}
	metrics.RecordSecurityCode("issue", "success")

	s.audit.LogPasswordResetInitiated(b.DirectoryID(), username)
	return &PasswordResetRequest{
		DirectoryID:  b.DirectoryID(),
		Username:     username,
		SecurityCode: code,
		ExpiresAt:    s.now().Add(s.cfg.TTL),
	}, nil
}

// ResetPassword verifies the code and sets the new password. The code is
// consumed only when the password change succeeds.
func (s *PasswordResetService) ResetPassword(ctx context.Context, username, securityCode, newPassword string) error {
	if err := requireValue("username", username); err != nil {
		return err
	}
	if newPassword == "" {
		return apperrors.InvalidArgument("new password is required")
	}
	b, err := s.dispatcher.resolve(ctx, username)
	if err != nil {
		return err
	}

	hash, ok, err := s.codes.Get(ctx, b.DirectoryID(), username)
	if err != nil {
		metrics.RecordSecurityCode("verify", "error")
		return boundary(s.logger, "verify security code", b.DirectoryID(), username, err)
	}
	code := strings.ToUpper(strings.TrimSpace(securityCode))
	if !ok || code == "" || !s.hasher.Matches(code, hash) {
		metrics.RecordSecurityCode("verify", "invalid")
		s.audit.LogPasswordReset(b.DirectoryID(), username, logger.AuditDenied, "invalid security code")
		return apperrors.InvalidSecurityCode(username)
	}
	metrics.RecordSecurityCode("verify", "success")

	err = b.ResetPassword(ctx, username, newPassword)
	metrics.RecordPasswordChange("reset", outcome(err))
	if err != nil {
		s.audit.LogPasswordReset(b.DirectoryID(), username, logger.AuditFailure, apperrors.KindOf(err).String())
		return err
	}
	s.audit.LogPasswordReset(b.DirectoryID(), username, logger.AuditSuccess, "")
	if err := s.codes.Delete(ctx, b.DirectoryID(), username); err != nil {
		s.logger.Warn("Failed to consume security code",
			zap.String("directory_id", b.DirectoryID()),
			zap.String("username", username),
			zap.Error(err))
	}
	return nil
}
