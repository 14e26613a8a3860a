package generation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobType routes a job row to its registered pipeline handler.
const JobTypeProjectGeneration = "project_generation"

// Stage is the generation state machine. Linear, with error reachable from
// every non-terminal stage:
//
//	idle -> initializing -> generating -> validating -> complete
type Stage string

const (
	StageIdle         Stage = "idle"
	StageInitializing Stage = "initializing"
	StageGenerating   Stage = "generating"
	StageValidating   Stage = "validating"
	StageComplete     Stage = "complete"
	StageError        Stage = "error"
)

// Terminal reports whether the stage admits no further transitions.
func (s Stage) Terminal() bool {
	switch s {
	case StageComplete, StageError:
		return true
	case StageIdle, StageInitializing, StageGenerating, StageValidating:
		return false
	}
	return false
}

// JobStatus is the scheduler-facing run state, orthogonal to Stage.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

type Job struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID   uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	JobType string `gorm:"column:job_type;not null;index" json:"job_type"`
	Prompt  string `gorm:"column:prompt;type:text;not null" json:"prompt"`

	// queued|running|succeeded|failed
	Status JobStatus `gorm:"column:status;not null;index" json:"status"`
	// idle|initializing|generating|validating|complete|error
	Stage    Stage  `gorm:"column:stage;not null;index" json:"stage"`
	Progress int    `gorm:"column:progress;not null;default:0" json:"progress"`
	Message  string `gorm:"column:message" json:"message,omitempty"`

	Attempts int    `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error    string `gorm:"column:error" json:"error,omitempty"`

	LockedAt    *time.Time `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt  *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`

	Payload datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result  datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "generation_job" }
