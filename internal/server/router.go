package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/common/logger"
	"github.com/openidx/identityd/internal/common/middleware"
	"github.com/openidx/identityd/internal/directory"
	"github.com/openidx/identityd/internal/health"
	"github.com/openidx/identityd/internal/metrics"
)

// DirectoryView lists the live directories
type DirectoryView interface {
	Directories() []directory.LoadedDirectory
}

// DirectoryCatalog answers type and capability queries
type DirectoryCatalog interface {
	ListDirectoryTypes(ctx context.Context) ([]directory.DirectoryType, error)
	GetDirectoryCapabilities(ctx context.Context, id string) (directory.Capabilities, error)
}

// Reloader starts a background registry reload
type Reloader interface {
	TriggerReload() bool
}

// RouterConfig wires the ops router
type RouterConfig struct {
	ServiceName string
	Production  bool
	Logger      *zap.Logger
	Health      *health.HealthService
	Directories DirectoryView
	Catalog     DirectoryCatalog
	Reloader    Reloader

	// Identity and Resets are optional; their routes are mounted when set
	Identity Identity
	Resets   PasswordResets
}

// NewRouter builds the HTTP surface: probes, metrics, a read-only view of the
// loaded directories with a reload trigger and the identity operations.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(apperrors.ErrorHandler())
	router.Use(middleware.RequestID())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.SecurityHeaders(cfg.Production))
	router.Use(logger.GinMiddleware(cfg.Logger))
	router.Use(metrics.Middleware(cfg.ServiceName))

	cfg.Health.RegisterStandardRoutes(router, "/health")
	router.GET("/ready", cfg.Health.ReadyHandler())
	router.GET("/metrics", metrics.Handler())

	h := &directoryHandlers{cfg: cfg}
	v1 := router.Group("/api/v1/directories")
	v1.GET("", h.list)
	v1.GET("/types", h.types)
	v1.GET("/:id/capabilities", h.capabilities)
	v1.POST("/reload", h.reload)

	if cfg.Identity != nil {
		registerIdentityRoutes(router, cfg.Identity, cfg.Resets)
	}

	return router
}

type directoryHandlers struct {
	cfg RouterConfig
}

func (h *directoryHandlers) list(c *gin.Context) {
	dirs := h.cfg.Directories.Directories()
	c.JSON(http.StatusOK, gin.H{"directories": dirs, "total": len(dirs)})
}

func (h *directoryHandlers) types(c *gin.Context) {
	types, err := h.cfg.Catalog.ListDirectoryTypes(c.Request.Context())
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"types": types})
}

func (h *directoryHandlers) capabilities(c *gin.Context) {
	caps, err := h.cfg.Catalog.GetDirectoryCapabilities(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, caps)
}

func (h *directoryHandlers) reload(c *gin.Context) {
	if !h.cfg.Reloader.TriggerReload() {
		c.JSON(http.StatusConflict, gin.H{"status": "reload already in progress"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "reload started"})
}
