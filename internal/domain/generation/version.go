package generation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CommandType classifies what a prompt asked the pipeline to do.
type CommandType string

const (
	CommandCreate        CommandType = "CREATE"
	CommandModify        CommandType = "MODIFY"
	CommandCreateAndLink CommandType = "CREATE_AND_LINK"
	CommandFixError      CommandType = "FIX_ERROR"
	CommandQuestion      CommandType = "QUESTION"
)

func (c CommandType) Valid() bool {
	switch c {
	case CommandCreate, CommandModify, CommandCreateAndLink, CommandFixError, CommandQuestion:
		return true
	}
	return false
}

// ProducesVersion reports whether the command folds a full snapshot. MODIFY
// and FIX_ERROR on an existing project propose modifications instead;
// QUESTION produces neither.
func (c CommandType) ProducesVersion() bool {
	switch c {
	case CommandCreate, CommandCreateAndLink:
		return true
	case CommandModify, CommandFixError, CommandQuestion:
		return false
	}
	return false
}

// VersionStatus exists for readers of rows written by progressive folders.
// This engine only ever writes completed snapshots.
type VersionStatus string

const (
	VersionStatusGenerating VersionStatus = "generating"
	VersionStatusCompleted  VersionStatus = "completed"
	VersionStatusFailed     VersionStatus = "failed"
)

// Version is an immutable numbered snapshot of a project's file tree.
// version_number is strictly increasing per project, gap-free, starting at 1;
// only a job that reaches the complete stage allocates one.
type Version struct {
	ID        uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID  `gorm:"type:uuid;not null;index:idx_version_project_number,unique,priority:1;index" json:"project_id"`
	JobID     *uuid.UUID `gorm:"type:uuid;column:job_id;index" json:"job_id,omitempty"`

	VersionNumber int `gorm:"column:version_number;not null;index:idx_version_project_number,unique,priority:2" json:"version_number"`

	Name        string      `gorm:"column:name" json:"name,omitempty"`
	Description string      `gorm:"column:description;type:text" json:"description,omitempty"`
	CommandType CommandType `gorm:"column:command_type;not null" json:"command_type"`

	// Flat path -> content map of the whole tree at this version.
	Files datatypes.JSON `gorm:"column:files;type:jsonb;not null" json:"files"`

	// generating|completed|failed
	Status VersionStatus `gorm:"column:status;not null;default:'completed';index" json:"status"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (Version) TableName() string { return "version" }

// FileMap decodes the stored snapshot into path -> content.
func (v *Version) FileMap() (map[string]string, error) {
	if len(v.Files) == 0 {
		return map[string]string{}, nil
	}
	out := map[string]string{}
	if err := json.Unmarshal(v.Files, &out); err != nil {
		return nil, fmt.Errorf("decode version %d files: %w", v.VersionNumber, err)
	}
	return out, nil
}

// EncodeFileMap marshals a snapshot for storage.
func EncodeFileMap(files map[string]string) (datatypes.JSON, error) {
	if files == nil {
		files = map[string]string{}
	}
	raw, err := json.Marshal(files)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
