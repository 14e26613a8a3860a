package repos

import (
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos/auth"
	"github.com/apiforge/apiforge-backend/internal/data/repos/generation"
	"github.com/apiforge/apiforge-backend/internal/data/repos/projects"
	"github.com/apiforge/apiforge-backend/internal/data/repos/sandboxes"
	"github.com/apiforge/apiforge-backend/internal/data/repos/user"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type UserRepo = user.UserRepo
type UserTokenRepo = auth.UserTokenRepo

type ProjectRepo = projects.ProjectRepo
type ProjectFileRepo = projects.ProjectFileRepo
type ProjectMessageRepo = projects.ProjectMessageRepo

type GenerationJobRepo = generation.GenerationJobRepo
type VersionRepo = generation.VersionRepo
type CodeModificationRepo = generation.CodeModificationRepo

type SandboxRepo = sandboxes.SandboxRepo

func NewUserRepo(db *gorm.DB, baseLog *logger.Logger) UserRepo { return user.NewUserRepo(db, baseLog) }
func NewUserTokenRepo(db *gorm.DB, baseLog *logger.Logger) UserTokenRepo {
	return auth.NewUserTokenRepo(db, baseLog)
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return projects.NewProjectRepo(db, baseLog)
}
func NewProjectFileRepo(db *gorm.DB, baseLog *logger.Logger) ProjectFileRepo {
	return projects.NewProjectFileRepo(db, baseLog)
}
func NewProjectMessageRepo(db *gorm.DB, baseLog *logger.Logger) ProjectMessageRepo {
	return projects.NewProjectMessageRepo(db, baseLog)
}

func NewGenerationJobRepo(db *gorm.DB, baseLog *logger.Logger) GenerationJobRepo {
	return generation.NewGenerationJobRepo(db, baseLog)
}
func NewVersionRepo(db *gorm.DB, baseLog *logger.Logger) VersionRepo {
	return generation.NewVersionRepo(db, baseLog)
}
func NewCodeModificationRepo(db *gorm.DB, baseLog *logger.Logger) CodeModificationRepo {
	return generation.NewCodeModificationRepo(db, baseLog)
}

func NewSandboxRepo(db *gorm.DB, baseLog *logger.Logger) SandboxRepo {
	return sandboxes.NewSandboxRepo(db, baseLog)
}
