package generation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ModificationType is what applying the modification does to its file.
type ModificationType string

const (
	ModificationEdit   ModificationType = "edit"
	ModificationCreate ModificationType = "create"
	ModificationDelete ModificationType = "delete"
)

func (m ModificationType) Valid() bool {
	switch m {
	case ModificationEdit, ModificationCreate, ModificationDelete:
		return true
	}
	return false
}

// ModificationStatus is the review lifecycle. applied and rejected are
// terminal; stale means the target file changed underneath a pending proposal
// and it needs re-review before it can be applied.
type ModificationStatus string

const (
	ModificationPending  ModificationStatus = "pending"
	ModificationApplied  ModificationStatus = "applied"
	ModificationRejected ModificationStatus = "rejected"
	ModificationStale    ModificationStatus = "stale"
)

func (s ModificationStatus) Terminal() bool {
	return s == ModificationApplied || s == ModificationRejected
}

// Modification is one reviewable file edit proposed by a generation. Rows are
// never deleted; rejection and staleness are markers, so the review history
// stays auditable.
type Modification struct {
	ID        uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID  `gorm:"type:uuid;not null;index" json:"project_id"`
	MessageID *uuid.UUID `gorm:"type:uuid;column:message_id;index" json:"message_id,omitempty"`
	JobID     *uuid.UUID `gorm:"type:uuid;column:job_id;index" json:"job_id,omitempty"`

	FilePath string `gorm:"column:file_path;not null;index" json:"file_path"`

	// Null old content means the file did not exist before (a creation).
	OldContent *string `gorm:"column:old_content;type:text" json:"old_content,omitempty"`
	NewContent string  `gorm:"column:new_content;type:text" json:"new_content"`

	LineStart *int `gorm:"column:line_start" json:"line_start,omitempty"`
	LineEnd   *int `gorm:"column:line_end" json:"line_end,omitempty"`

	// edit|create|delete
	ModificationType ModificationType `gorm:"column:modification_type;not null" json:"modification_type"`
	Reason           string           `gorm:"column:reason;type:text" json:"reason,omitempty"`

	// pending|applied|rejected|stale
	Status     ModificationStatus `gorm:"column:status;not null;default:'pending';index" json:"status"`
	AppliedAt  *time.Time         `gorm:"column:applied_at" json:"applied_at,omitempty"`
	RejectedAt *time.Time         `gorm:"column:rejected_at" json:"rejected_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Modification) TableName() string { return "code_modification" }
