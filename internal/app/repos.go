package app

import (
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type Repos struct {
	User      repos.UserRepo
	UserToken repos.UserTokenRepo

	Project        repos.ProjectRepo
	ProjectFile    repos.ProjectFileRepo
	ProjectMessage repos.ProjectMessageRepo

	GenerationJob    repos.GenerationJobRepo
	Version          repos.VersionRepo
	CodeModification repos.CodeModificationRepo

	Sandbox repos.SandboxRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		User:             repos.NewUserRepo(db, log),
		UserToken:        repos.NewUserTokenRepo(db, log),
		Project:          repos.NewProjectRepo(db, log),
		ProjectFile:      repos.NewProjectFileRepo(db, log),
		ProjectMessage:   repos.NewProjectMessageRepo(db, log),
		GenerationJob:    repos.NewGenerationJobRepo(db, log),
		Version:          repos.NewVersionRepo(db, log),
		CodeModification: repos.NewCodeModificationRepo(db, log),
		Sandbox:          repos.NewSandboxRepo(db, log),
	}
}
