package project

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Framework is the closed set of backend frameworks a project can target.
type Framework string

const (
	FrameworkFastAPI Framework = "fastapi"
	FrameworkExpress Framework = "express"
)

// Valid reports whether f is a known framework.
func (f Framework) Valid() bool {
	switch f {
	case FrameworkFastAPI, FrameworkExpress:
		return true
	}
	return false
}

// Status is the project lifecycle state.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeployed   Status = "deployed"
)

type Project struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	Name        string    `gorm:"column:name;not null" json:"name"`
	Description string    `gorm:"column:description;type:text" json:"description,omitempty"`
	Framework   Framework `gorm:"column:framework;not null" json:"framework"`

	// draft|generating|completed|failed|deployed
	Status Status `gorm:"column:status;not null;default:'draft';index" json:"status"`

	SandboxID *uuid.UUID `gorm:"type:uuid;column:sandbox_id" json:"sandbox_id,omitempty"`

	// External repository binding, set by the VCS push collaborator.
	RepoURL    string `gorm:"column:repo_url" json:"repo_url,omitempty"`
	RepoBranch string `gorm:"column:repo_branch" json:"repo_branch,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Project) TableName() string { return "project" }
