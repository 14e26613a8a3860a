package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/jobs/pipeline/generation"
	jobruntime "github.com/apiforge/apiforge-backend/internal/jobs/runtime"
	"github.com/apiforge/apiforge-backend/internal/pkg/backoff"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
	"github.com/apiforge/apiforge-backend/internal/realtime"
	"github.com/apiforge/apiforge-backend/internal/realtime/bus"
	"github.com/apiforge/apiforge-backend/internal/services"
	"github.com/apiforge/apiforge-backend/internal/temporalx"
	"github.com/apiforge/apiforge-backend/internal/temporalx/temporalworker"
)

type Services struct {
	Auth services.AuthService
	User services.UserService

	FileStore    services.FileStore
	Version      services.VersionService
	Modification services.ModificationService
	Sandbox      services.SandboxService
	Project      services.ProjectService
	Export       services.ExportService

	JobNotifier     services.JobNotifier
	SandboxNotifier services.SandboxNotifier
	ProjectNotifier services.ProjectNotifier
	JobService      services.JobService

	JobRegistry    *jobruntime.Registry
	TemporalWorker *temporalworker.Runner

	SSEBus bus.Bus
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, repos Repos, sseHub *realtime.SSEHub, clients Clients) (Services, error) {
	log.Info("Wiring services...")

	authService := services.NewAuthService(
		db, log,
		repos.User,
		repos.UserToken,
		cfg.JWTSecretKey,
		cfg.AccessTokenTTL,
		cfg.RefreshTokenTTL,
	)
	userService := services.NewUserService(db, log, repos.User)

	// API replicas broadcast to their own hub; a worker-only process must
	// publish through Redis so some API replica reaches the client.
	var emitter services.SSEEmitter
	if cfg.RunServer {
		emitter = &services.HubEmitter{Hub: sseHub}
	} else {
		if clients.SSEBus == nil {
			return Services{}, fmt.Errorf("worker-only process requires REDIS_ADDR to publish SSE events")
		}
		emitter = &services.RedisEmitter{Bus: clients.SSEBus}
	}

	jobNotifier := services.NewJobNotifier(emitter)
	sandboxNotifier := services.NewSandboxNotifier(emitter)
	projectNotifier := services.NewProjectNotifier(emitter)

	fileStore := services.NewFileStore(db, log, repos.ProjectFile)
	versionService := services.NewVersionService(db, log, repos.Project, repos.Version)
	sandboxService := services.NewSandboxService(
		db, log,
		repos.Sandbox,
		repos.Project,
		repos.ProjectFile,
		repos.Version,
		clients.Sandbox,
		sandboxNotifier,
		backoff.Policy{MaxAttempts: 3},
		cfg.SandboxPushWorkers,
	)
	modificationService := services.NewModificationService(
		db, log,
		repos.CodeModification,
		repos.Project,
		fileStore,
		sandboxService,
	)

	tcfg := temporalx.LoadConfig()
	jobService := services.NewJobService(db, log, repos.GenerationJob, jobNotifier, clients.Temporal, tcfg.TaskQueue)
	projectService := services.NewProjectService(
		db, log,
		repos.Project,
		repos.ProjectMessage,
		repos.GenerationJob,
		repos.Sandbox,
		jobService,
	)
	exportService := services.NewExportService(db, log, repos.Project, fileStore, clients.Archive)

	jobRegistry := jobruntime.NewRegistry()
	generationPipeline := generation.New(
		db, log,
		clients.AI,
		repos.Project,
		repos.ProjectMessage,
		fileStore,
		versionService,
		modificationService,
		sandboxService,
		projectNotifier,
	)
	if err := jobRegistry.Register(generationPipeline); err != nil {
		return Services{}, err
	}

	var temporalRunner *temporalworker.Runner
	if cfg.RunWorker && clients.Temporal != nil {
		w, err := temporalworker.NewRunner(log, clients.Temporal, db, repos.GenerationJob, repos.Project, jobRegistry, jobNotifier)
		if err != nil {
			return Services{}, fmt.Errorf("init temporal worker: %w", err)
		}
		temporalRunner = w
	}

	return Services{
		Auth:            authService,
		User:            userService,
		FileStore:       fileStore,
		Version:         versionService,
		Modification:    modificationService,
		Sandbox:         sandboxService,
		Project:         projectService,
		Export:          exportService,
		JobNotifier:     jobNotifier,
		SandboxNotifier: sandboxNotifier,
		ProjectNotifier: projectNotifier,
		JobService:      jobService,
		JobRegistry:     jobRegistry,
		TemporalWorker:  temporalRunner,
		SSEBus:          clients.SSEBus,
	}, nil
}
