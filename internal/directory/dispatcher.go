package directory

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/common/logger"
	"github.com/openidx/identityd/internal/common/tracing"
	"github.com/openidx/identityd/internal/metrics"
)

// Dispatcher routes directory-agnostic identity operations to the directory
// that owns a username. Internal directories are probed first through the
// store's username index; external directories are then scanned in registry
// order and the first that reports the user wins.
type Dispatcher struct {
	registry *Registry
	store    DirectoryStore
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over the registry's live backends
func NewDispatcher(registry *Registry, store DirectoryStore, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    store,
		logger:   logger.WithComponent(log, "identity-dispatcher"),
	}
}

// ResolveDirectoryIDForUsername returns the id of the directory owning username
func (d *Dispatcher) ResolveDirectoryIDForUsername(ctx context.Context, username string) (string, error) {
	if err := requireValue("username", username); err != nil {
		return "", err
	}
	b, err := d.resolve(ctx, username)
	if err != nil {
		return "", err
	}
	return b.DirectoryID(), nil
}

// Authenticate verifies the credentials against the owning directory and returns its id
func (d *Dispatcher) Authenticate(ctx context.Context, username, password string) (string, error) {
	if err := requireValue("username", username); err != nil {
		return "", err
	}
	if password == "" {
		return "", apperrors.InvalidArgument("password is required")
	}

	ctx, span := tracing.Tracer().Start(ctx, "directory.Authenticate")
	defer span.End()

	b, err := d.resolve(ctx, username)
	if err != nil {
		d.recordAuth("", err)
		span.SetStatus(codes.Error, "resolve failed")
		return "", err
	}
	span.SetAttributes(attribute.String("directory.id", b.DirectoryID()))

	err = b.Authenticate(ctx, username, password)
	d.recordAuth(d.typeOf(b), err)
	if err != nil {
		span.SetStatus(codes.Error, apperrors.KindOf(err).String())
		return "", err
	}
	return b.DirectoryID(), nil
}

// ChangePassword changes the password in the owning directory and returns its id
func (d *Dispatcher) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) (string, error) {
	if err := requireValue("username", username); err != nil {
		return "", err
	}
	if oldPassword == "" || newPassword == "" {
		return "", apperrors.InvalidArgument("old and new passwords are required")
	}

	ctx, span := tracing.Tracer().Start(ctx, "directory.ChangePassword")
	defer span.End()

	b, err := d.resolve(ctx, username)
	if err != nil {
		span.SetStatus(codes.Error, "resolve failed")
		return "", err
	}
	span.SetAttributes(attribute.String("directory.id", b.DirectoryID()))

	if err := b.Capabilities().require(b.DirectoryID(), CapChangePassword); err != nil {
		return "", err
	}
	err = b.ChangePassword(ctx, username, oldPassword, newPassword)
	metrics.RecordPasswordChange("change", outcome(err))
	if err != nil {
		span.SetStatus(codes.Error, apperrors.KindOf(err).String())
		return "", err
	}
	return b.DirectoryID(), nil
}

// resolve works against one registry snapshot for the whole lookup
func (d *Dispatcher) resolve(ctx context.Context, username string) (Backend, error) {
	start := time.Now()
	snap := d.registry.snapshot()
	log := logger.WithTraceContext(d.logger, ctx)

	ids, err := d.store.FindDirectoryIDsForUsername(ctx, username)
	if err != nil {
		log.Error("Internal directory lookup failed", zap.Error(err))
		return nil, apperrors.ServiceUnavailable("resolve directory", "", username, err)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if snap.internal[id] {
			log.Debug("Resolved internal directory",
				zap.String("directory_id", id),
				zap.Duration("duration", time.Since(start)))
			return snap.backends[id], nil
		}
	}

	for _, b := range snap.external {
		exists, err := b.IsExistingUser(ctx, username)
		if err != nil {
			log.Error("External directory lookup failed",
				zap.String("directory_id", b.DirectoryID()),
				zap.Error(err))
			if apperrors.KindOf(err) == apperrors.KindServiceUnavailable {
				return nil, err
			}
			return nil, apperrors.ServiceUnavailable("resolve directory", b.DirectoryID(), username, err)
		}
		if exists {
			log.Debug("Resolved external directory",
				zap.String("directory_id", b.DirectoryID()),
				zap.Duration("duration", time.Since(start)))
			return b, nil
		}
	}

	return nil, apperrors.UserNotFound(username)
}

func (d *Dispatcher) typeOf(b Backend) string {
	if desc, ok := d.registry.snapshot().descriptors[b.DirectoryID()]; ok {
		return desc.Type
	}
	return "unknown"
}

func (d *Dispatcher) recordAuth(directoryType string, err error) {
	if directoryType == "" {
		directoryType = "unresolved"
	}
	metrics.RecordAuthAttempt(directoryType, authOutcome(err))
}

func authOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case apperrors.IsErrorCode(err, apperrors.ErrUserNotFound):
		return "not_found"
	case apperrors.IsErrorCode(err, apperrors.ErrUserLocked):
		return "locked"
	case apperrors.IsErrorCode(err, apperrors.ErrExpiredPassword):
		return "expired"
	case apperrors.KindOf(err) == apperrors.KindCredential:
		return "failure"
	}
	return "error"
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return apperrors.KindOf(err).String()
}
