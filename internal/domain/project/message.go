package project

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message is one turn of the project conversation. User prompts create one
// before the job is enqueued; the pipeline records the assistant reply when it
// finishes. Proposed code modifications point back at the message that
// produced them.
type Message struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Role    MessageRole `gorm:"column:role;not null" json:"role"`
	Content string      `gorm:"column:content;type:text;not null" json:"content"`

	JobID *uuid.UUID `gorm:"type:uuid;column:job_id;index" json:"job_id,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Message) TableName() string { return "project_message" }
