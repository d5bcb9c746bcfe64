package directory

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openidx/identityd/internal/common/logger"
)

// Service administers directory descriptors. Every successful mutation
// reloads the registry so the change takes effect immediately.
type Service struct {
	store    Store
	registry *Registry
	logger   *zap.Logger
	audit    *logger.AuditLogger
}

// NewService creates a new directory service
func NewService(store Store, registry *Registry, log *zap.Logger) *Service {
	return &Service{
		store:    store,
		registry: registry,
		logger:   log.With(zap.String("service", "directory")),
		audit:    logger.NewAuditLogger(log),
	}
}

func normalizeDescriptor(desc *Descriptor) error {
	desc.Name = strings.TrimSpace(desc.Name)
	desc.Type = strings.TrimSpace(desc.Type)
	if err := requireValue("directory name", desc.Name); err != nil {
		return err
	}
	return requireValue("directory type", desc.Type)
}

// CreateDirectory validates and stores a new descriptor under a fresh id
func (s *Service) CreateDirectory(ctx context.Context, desc Descriptor) (*Descriptor, error) {
	if err := normalizeDescriptor(&desc); err != nil {
		return nil, err
	}
	desc.ID = uuid.New().String()
	if err := s.registry.Validate(ctx, desc); err != nil {
		return nil, err
	}
	if err := s.store.CreateDirectory(ctx, &desc); err != nil {
		return nil, s.fail("create directory", desc.Name, err)
	}

	s.audit.LogDirectoryChanged("create", desc.ID, desc.Name, desc.Type)
	if err := s.registry.Reload(ctx); err != nil {
		return nil, err
	}
	return &desc, nil
}

// UpdateDirectory validates and replaces an existing descriptor
func (s *Service) UpdateDirectory(ctx context.Context, desc Descriptor) (*Descriptor, error) {
	if err := normalizeDescriptor(&desc); err != nil {
		return nil, err
	}
	if _, err := s.store.GetDirectory(ctx, desc.ID); err != nil {
		return nil, s.fail("update directory", desc.ID, err)
	}
	if err := s.registry.Validate(ctx, desc); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDirectory(ctx, &desc); err != nil {
		return nil, s.fail("update directory", desc.ID, err)
	}

	s.audit.LogDirectoryChanged("update", desc.ID, desc.Name, desc.Type)
	if err := s.registry.Reload(ctx); err != nil {
		return nil, err
	}
	return &desc, nil
}

// DeleteDirectory removes a descriptor
func (s *Service) DeleteDirectory(ctx context.Context, id string) error {
	desc, err := s.store.GetDirectory(ctx, id)
	if err != nil {
		return s.fail("delete directory", id, err)
	}
	if err := s.store.DeleteDirectory(ctx, id); err != nil {
		return s.fail("delete directory", id, err)
	}
	s.audit.LogDirectoryChanged("delete", id, desc.Name, desc.Type)
	return s.registry.Reload(ctx)
}

// GetDirectory returns a stored descriptor
func (s *Service) GetDirectory(ctx context.Context, id string) (*Descriptor, error) {
	desc, err := s.store.GetDirectory(ctx, id)
	if err != nil {
		return nil, s.fail("get directory", id, err)
	}
	return desc, nil
}

// ListDirectories returns every stored descriptor ordered by name
func (s *Service) ListDirectories(ctx context.Context) ([]Descriptor, error) {
	descs, err := s.store.ListDirectories(ctx)
	if err != nil {
		return nil, s.fail("list directories", "", err)
	}
	sort.SliceStable(descs, func(i, j int) bool {
		return strings.ToLower(descs[i].Name) < strings.ToLower(descs[j].Name)
	})
	return descs, nil
}

// ListDirectoryTypes returns the backend type catalog
func (s *Service) ListDirectoryTypes(ctx context.Context) ([]DirectoryType, error) {
	types, err := s.store.ListDirectoryTypes(ctx)
	if err != nil {
		return nil, s.fail("list directory types", "", err)
	}
	return types, nil
}

// GetDirectoryCapabilities returns the capabilities of a loaded directory
func (s *Service) GetDirectoryCapabilities(ctx context.Context, id string) (Capabilities, error) {
	b, err := s.registry.Get(id)
	if err != nil {
		return Capabilities{}, err
	}
	return b.Capabilities(), nil
}

// GetFunctionCodesForUser resolves the user's roles in the directory and
// expands them into the distinct function codes they grant
func (s *Service) GetFunctionCodesForUser(ctx context.Context, directoryID, username string) ([]string, error) {
	b, err := s.registry.Get(directoryID)
	if err != nil {
		return nil, err
	}
	roles, err := b.GetRoleCodesForUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return []string{}, nil
	}
	codes, err := s.store.ListFunctionCodesForRoles(ctx, roles)
	if err != nil {
		return nil, s.fail("list user functions", username, err)
	}
	return codes, nil
}

func (s *Service) fail(op, key string, err error) error {
	return boundary(s.logger, op, "", key, err)
}
