package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/common/logger"
	"github.com/openidx/identityd/internal/metrics"
)

// Backend classes named by the type catalog
const (
	BackendClassInternal = "internal"
	BackendClassLDAP     = "ldap"
)

// Dependencies are the shared collaborators handed to every backend factory
type Dependencies struct {
	Store       Store
	Hasher      PasswordHasher
	Logger      *zap.Logger
	Dialer      Dialer
	LDAPTimeout time.Duration
	Now         func() time.Time
}

func (d Dependencies) clock() func() time.Time {
	if d.Now != nil {
		return d.Now
	}
	return time.Now
}

func (d Dependencies) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

// Factory builds a backend for one descriptor
type Factory func(desc Descriptor, deps Dependencies) (Backend, error)

// BackendType binds a backend class to its factory. Internal backends are
// resolved through the store's username index instead of the external scan.
type BackendType struct {
	Internal bool
	New      Factory
}

// DefaultBackendTypes returns the compiled-in backend classes
func DefaultBackendTypes() map[string]BackendType {
	return map[string]BackendType{
		BackendClassInternal: {
			Internal: true,
			New: func(desc Descriptor, deps Dependencies) (Backend, error) {
				return NewInternalBackend(desc, deps)
			},
		},
		BackendClassLDAP: {
			New: func(desc Descriptor, deps Dependencies) (Backend, error) {
				return NewLDAPBackend(desc, deps)
			},
		},
	}
}

// LoadedDirectory describes one live backend
type LoadedDirectory struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	Internal     bool         `json:"internal"`
	Capabilities Capabilities `json:"capabilities"`
}

// snapshot is never mutated after it is published
type snapshot struct {
	backends    map[string]Backend
	descriptors map[string]Descriptor
	internal    map[string]bool
	external    []Backend
}

func emptySnapshot() *snapshot {
	return &snapshot{
		backends:    map[string]Backend{},
		descriptors: map[string]Descriptor{},
		internal:    map[string]bool{},
	}
}

// Registry holds the live backend of every loadable directory. Reads go
// through an atomically published snapshot; Reload builds a new snapshot and
// swaps it in, so in-flight operations keep the backend they started with.
type Registry struct {
	store  DirectoryStore
	deps   Dependencies
	types  map[string]BackendType
	logger *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	loaded  atomic.Bool
}

// RegistryOption customizes a Registry
type RegistryOption func(*Registry)

// WithBackendType registers or replaces a backend class
func WithBackendType(class string, t BackendType) RegistryOption {
	return func(r *Registry) {
		r.types[class] = t
	}
}

// NewRegistry creates an empty registry. Call Reload to load directories.
func NewRegistry(deps Dependencies, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  deps.Store,
		deps:   deps,
		types:  DefaultBackendTypes(),
		logger: logger.WithComponent(deps.logger(), "directory-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(emptySnapshot())
	return r
}

func (r *Registry) snapshot() *snapshot {
	return r.current.Load()
}

// Reload rebuilds every backend from the stored descriptors and publishes the
// result. Descriptors that cannot be built are logged and left out. Concurrent
// reloads are serialized.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()

	descs, err := r.store.ListDirectories(ctx)
	if err != nil {
		metrics.RecordReload("error", time.Since(start), nil, 0)
		return apperrors.ServiceUnavailable("reload directories", "", "", err)
	}
	classes, err := r.catalog(ctx)
	if err != nil {
		metrics.RecordReload("error", time.Since(start), nil, 0)
		return apperrors.ServiceUnavailable("reload directories", "", "", err)
	}

	next := emptySnapshot()
	byType := map[string]int{}
	skipped := 0
	for _, desc := range descs {
		b, bt, err := r.build(desc, classes)
		if err != nil {
			skipped++
			r.logger.Error("Skipping directory that failed to load",
				zap.String("directory_id", desc.ID),
				zap.String("directory_name", desc.Name),
				zap.String("type", desc.Type),
				zap.Error(err))
			continue
		}
		next.backends[desc.ID] = b
		next.descriptors[desc.ID] = desc
		if bt.Internal {
			next.internal[desc.ID] = true
		} else {
			next.external = append(next.external, b)
		}
		byType[desc.Type]++
	}

	// External directories are scanned in name order so resolution is stable across reloads
	sort.SliceStable(next.external, func(i, j int) bool {
		a := next.descriptors[next.external[i].DirectoryID()]
		b := next.descriptors[next.external[j].DirectoryID()]
		if !strings.EqualFold(a.Name, b.Name) {
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
		return a.ID < b.ID
	})

	r.current.Store(next)
	r.loaded.Store(true)

	metrics.RecordReload("success", time.Since(start), byType, skipped)
	r.logger.Info("Directories reloaded",
		zap.Int("loaded", len(next.backends)),
		zap.Int("skipped", skipped),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (r *Registry) catalog(ctx context.Context) (map[string]string, error) {
	types, err := r.store.ListDirectoryTypes(ctx)
	if err != nil {
		return nil, err
	}
	classes := make(map[string]string, len(types))
	for _, t := range types {
		classes[t.Code] = t.BackendClass
	}
	return classes, nil
}

func (r *Registry) build(desc Descriptor, classes map[string]string) (Backend, BackendType, error) {
	class, ok := classes[desc.Type]
	if !ok {
		return nil, BackendType{}, fmt.Errorf("unknown directory type %q", desc.Type)
	}
	bt, ok := r.types[class]
	if !ok {
		return nil, BackendType{}, fmt.Errorf("no backend registered for class %q", class)
	}
	b, err := bt.New(desc, r.deps)
	if err != nil {
		return nil, BackendType{}, fmt.Errorf("failed to construct %s backend: %w", class, err)
	}
	return b, bt, nil
}

// Validate builds a throw-away backend for desc without publishing it
func (r *Registry) Validate(ctx context.Context, desc Descriptor) error {
	classes, err := r.catalog(ctx)
	if err != nil {
		return apperrors.ServiceUnavailable("validate directory", desc.ID, desc.Name, err)
	}
	if _, _, err := r.build(desc, classes); err != nil {
		return apperrors.InvalidArgument("invalid directory configuration").WithDetails(err.Error())
	}
	return nil
}

// Get returns the live backend for a directory id
func (r *Registry) Get(directoryID string) (Backend, error) {
	b, ok := r.snapshot().backends[directoryID]
	if !ok {
		return nil, apperrors.UserDirectoryNotFound(directoryID)
	}
	return b, nil
}

// IsInternal reports whether the directory is served by an internal backend
func (r *Registry) IsInternal(directoryID string) bool {
	return r.snapshot().internal[directoryID]
}

// Loaded reports whether at least one reload has completed
func (r *Registry) Loaded() bool {
	return r.loaded.Load()
}

// Directories lists the live backends ordered by name
func (r *Registry) Directories() []LoadedDirectory {
	snap := r.snapshot()
	dirs := make([]LoadedDirectory, 0, len(snap.backends))
	for id, b := range snap.backends {
		desc := snap.descriptors[id]
		dirs = append(dirs, LoadedDirectory{
			ID:           id,
			Name:         desc.Name,
			Type:         desc.Type,
			Internal:     snap.internal[id],
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(dirs, func(i, j int) bool {
		if !strings.EqualFold(dirs[i].Name, dirs[j].Name) {
			return strings.ToLower(dirs[i].Name) < strings.ToLower(dirs[j].Name)
		}
		return dirs[i].ID < dirs[j].ID
	})
	return dirs
}
