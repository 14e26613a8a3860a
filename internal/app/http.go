package app

import (
	"github.com/gin-gonic/gin"

	"github.com/apiforge/apiforge-backend/internal/http"
	httpH "github.com/apiforge/apiforge-backend/internal/http/handlers"
	httpMW "github.com/apiforge/apiforge-backend/internal/http/middleware"
	"github.com/apiforge/apiforge-backend/internal/observability"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
	"github.com/apiforge/apiforge-backend/internal/realtime"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Health       *httpH.HealthHandler
	Auth         *httpH.AuthHandler
	User         *httpH.UserHandler
	Realtime     *httpH.RealtimeHandler
	Project      *httpH.ProjectHandler
	Job          *httpH.JobHandler
	Version      *httpH.VersionHandler
	Modification *httpH.ModificationHandler
	Sandbox      *httpH.SandboxHandler
	Export       *httpH.ExportHandler
}

func wireHandlers(log *logger.Logger, services Services, sseHub *realtime.SSEHub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:       httpH.NewHealthHandler(),
		Auth:         httpH.NewAuthHandler(services.Auth),
		User:         httpH.NewUserHandler(services.User),
		Realtime:     httpH.NewRealtimeHandler(log, sseHub),
		Project:      httpH.NewProjectHandler(services.Project),
		Job:          httpH.NewJobHandler(services.JobService),
		Version:      httpH.NewVersionHandler(services.Version, services.Project),
		Modification: httpH.NewModificationHandler(services.Modification, services.Project),
		Sandbox:      httpH.NewSandboxHandler(services.Sandbox),
		Export:       httpH.NewExportHandler(services.Export),
	}
}

func wireMiddleware(log *logger.Logger, services Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, services.Auth),
	}
}

func wireRouter(log *logger.Logger, metrics *observability.Metrics, handlers Handlers, middleware Middleware) *gin.Engine {
	return http.NewRouter(http.RouterConfig{
		Log:                 log,
		Metrics:             metrics,
		AuthMiddleware:      middleware.Auth,
		HealthHandler:       handlers.Health,
		AuthHandler:         handlers.Auth,
		UserHandler:         handlers.User,
		RealtimeHandler:     handlers.Realtime,
		ProjectHandler:      handlers.Project,
		JobHandler:          handlers.Job,
		VersionHandler:      handlers.Version,
		ModificationHandler: handlers.Modification,
		SandboxHandler:      handlers.Sandbox,
		ExportHandler:       handlers.Export,
	})
}
