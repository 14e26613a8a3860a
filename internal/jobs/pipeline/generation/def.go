package generation

import (
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/platform/ai"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
	"github.com/apiforge/apiforge-backend/internal/services"
)

// Pipeline turns one accepted prompt into a project: plan the work with the
// completion provider, stream the files, validate the result, then fold it
// into a version or into modification proposals.
type Pipeline struct {
	db       *gorm.DB
	log      *logger.Logger
	ai       ai.Client
	projects repos.ProjectRepo
	messages repos.ProjectMessageRepo
	files    services.FileStore
	versions services.VersionService
	mods     services.ModificationService
	sandbox  services.SandboxService
	notify   services.ProjectNotifier
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	aiClient ai.Client,
	projects repos.ProjectRepo,
	messages repos.ProjectMessageRepo,
	files services.FileStore,
	versions services.VersionService,
	mods services.ModificationService,
	sandbox services.SandboxService,
	notify services.ProjectNotifier,
) *Pipeline {
	return &Pipeline{
		db:       db,
		log:      baseLog.With("job", types.JobTypeProjectGeneration),
		ai:       aiClient,
		projects: projects,
		messages: messages,
		files:    files,
		versions: versions,
		mods:     mods,
		sandbox:  sandbox,
		notify:   notify,
	}
}

func (p *Pipeline) Type() string { return types.JobTypeProjectGeneration }
