package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/apiforge/apiforge-backend/internal/http/handlers"
	httpMW "github.com/apiforge/apiforge-backend/internal/http/middleware"
	"github.com/apiforge/apiforge-backend/internal/observability"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	Metrics        *observability.Metrics
	AuthMiddleware *httpMW.AuthMiddleware

	HealthHandler       *httpH.HealthHandler
	AuthHandler         *httpH.AuthHandler
	UserHandler         *httpH.UserHandler
	RealtimeHandler     *httpH.RealtimeHandler
	ProjectHandler      *httpH.ProjectHandler
	JobHandler          *httpH.JobHandler
	VersionHandler      *httpH.VersionHandler
	ModificationHandler *httpH.ModificationHandler
	SandboxHandler      *httpH.SandboxHandler
	ExportHandler       *httpH.ExportHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(otelgin.Middleware("apiforge-backend"))
	r.Use(httpMW.AttachTraceContext())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	// Prometheus scrape endpoint
	if cfg.Metrics != nil {
		r.GET("/metrics", func(c *gin.Context) {
			cfg.Metrics.WriteHTTP(c.Writer, c.Request)
		})
	}

	api := r.Group("/api")
	{
		// Auth (public). Refresh stays public: the access token is usually
		// expired by the time a client calls it.
		if cfg.AuthHandler != nil {
			api.POST("/register", cfg.AuthHandler.Register)
			api.POST("/login", cfg.AuthHandler.Login)
			api.POST("/refresh", cfg.AuthHandler.Refresh)
		}
	}

	protected := api.Group("/")
	{
		// Middleware
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Auth (protected)
		if cfg.AuthHandler != nil {
			protected.POST("/logout", cfg.AuthHandler.Logout)
		}

		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			protected.GET("/sse/stream", cfg.RealtimeHandler.SSEStream)
			protected.POST("/sse/subscribe", cfg.RealtimeHandler.SSESubscribe)
			protected.POST("/sse/unsubscribe", cfg.RealtimeHandler.SSEUnsubscribe)
		}

		// User (Me)
		if cfg.UserHandler != nil {
			protected.GET("/me", cfg.UserHandler.GetMe)
			protected.PATCH("/me", cfg.UserHandler.ChangeName)
		}

		// Projects
		if cfg.ProjectHandler != nil {
			protected.POST("/projects", cfg.ProjectHandler.Create)
			protected.GET("/projects", cfg.ProjectHandler.List)
			protected.GET("/projects/:id", cfg.ProjectHandler.Get)
			protected.DELETE("/projects/:id", cfg.ProjectHandler.Delete)
			protected.GET("/projects/:id/status", cfg.ProjectHandler.Status)
			protected.POST("/projects/:id/messages", cfg.ProjectHandler.SubmitPrompt)
			protected.GET("/projects/:id/messages", cfg.ProjectHandler.ListMessages)
		}

		// Jobs
		if cfg.JobHandler != nil {
			protected.GET("/jobs/:id", cfg.JobHandler.GetJob)
			protected.GET("/projects/:id/jobs", cfg.JobHandler.ListForProject)
		}

		// Versions
		if cfg.VersionHandler != nil {
			protected.GET("/projects/:id/versions", cfg.VersionHandler.ListForProject)
			protected.GET("/versions/:id", cfg.VersionHandler.Get)
		}

		// Modifications
		if cfg.ModificationHandler != nil {
			protected.GET("/projects/:id/modifications", cfg.ModificationHandler.ListForProject)
			protected.POST("/projects/:id/modifications/apply", cfg.ModificationHandler.ApplyMultiple)
			protected.POST("/modifications/:id/apply", cfg.ModificationHandler.Apply)
			protected.POST("/modifications/:id/reject", cfg.ModificationHandler.Reject)
		}

		// Sandbox
		if cfg.SandboxHandler != nil {
			protected.GET("/projects/:id/sandbox", cfg.SandboxHandler.Get)
			protected.POST("/projects/:id/sandbox/ensure", cfg.SandboxHandler.Ensure)
			protected.POST("/projects/:id/sandbox/restart", cfg.SandboxHandler.Restart)
		}

		// Export
		if cfg.ExportHandler != nil {
			protected.GET("/projects/:id/export", cfg.ExportHandler.Snapshot)
			protected.POST("/projects/:id/export/archive", cfg.ExportHandler.Archive)
		}
	}

	return r
}
