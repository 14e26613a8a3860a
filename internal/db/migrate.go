package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/apiforge/apiforge-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// =========================
		// Core identity + auth
		// =========================
		&types.User{},
		&types.UserToken{},

		// =========================
		// Projects (metadata + materialized tree + chat)
		// =========================
		&types.Project{},
		&types.ProjectFile{},
		&types.ProjectMessage{},

		// =========================
		// Generation (jobs + version history + modification ledger)
		// =========================
		&types.GenerationJob{},
		&types.Version{},
		&types.CodeModification{},

		// =========================
		// Sandboxes
		// =========================
		&types.Sandbox{},
	)
}

func EnsureGenerationIndexes(db *gorm.DB) error {
	// Backstop for the submit path: even if a caller skips the project row
	// lock, postgres refuses a second queued/running job per project.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_generation_job_project_inflight
		ON generation_job (project_id)
		WHERE deleted_at IS NULL AND status IN ('queued', 'running');
	`).Error; err != nil {
		return fmt.Errorf("create idx_generation_job_project_inflight: %w", err)
	}

	// Latest-job lookup per project.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_generation_job_project_created
		ON generation_job (project_id, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_generation_job_project_created: %w", err)
	}

	// Pending-modification scans during staling and review listings.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_code_modification_project_status
		ON code_modification (project_id, status);
	`).Error; err != nil {
		return fmt.Errorf("create idx_code_modification_project_status: %w", err)
	}

	// Newest-completed-version lookup for sandbox restore.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_version_project_status_number
		ON version (project_id, status, version_number DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_version_project_status_number: %w", err)
	}

	return nil
}
