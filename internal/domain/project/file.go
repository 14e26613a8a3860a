package project

import (
	"time"

	"github.com/google/uuid"
)

// File is one row of the materialized current tree. Version folds replace the
// whole set; modification applies touch single rows. Both go through the file
// store service so a later fold always sees applied modifications.
type File struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index:idx_project_file_path,unique,priority:1;index" json:"project_id"`
	Path      string    `gorm:"column:path;not null;index:idx_project_file_path,unique,priority:2" json:"path"`
	Content   string    `gorm:"column:content;type:text;not null" json:"content"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (File) TableName() string { return "project_file" }
