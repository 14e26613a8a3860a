package projects

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type ProjectFileRepo interface {
	// ReplaceAll swaps the whole materialized tree for the project in one
	// shot. Existing rows are deleted and the given file map is inserted.
	ReplaceAll(dbc dbctx.Context, projectID uuid.UUID, files map[string]string) error
	Upsert(dbc dbctx.Context, projectID uuid.UUID, path, content string) error
	DeleteByPath(dbc dbctx.Context, projectID uuid.UUID, path string) error
	GetByPath(dbc dbctx.Context, projectID uuid.UUID, path string) (*types.ProjectFile, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.ProjectFile, error)
	// SnapshotMap returns the current tree as path -> content.
	SnapshotMap(dbc dbctx.Context, projectID uuid.UUID) (map[string]string, error)
	CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
}

type projectFileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectFileRepo(db *gorm.DB, baseLog *logger.Logger) ProjectFileRepo {
	return &projectFileRepo{db: db, log: baseLog.With("repo", "ProjectFileRepo")}
}

func (r *projectFileRepo) ReplaceAll(dbc dbctx.Context, projectID uuid.UUID, files map[string]string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return fmt.Errorf("missing project id")
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Delete(&types.ProjectFile{}).Error; err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	rows := make([]*types.ProjectFile, 0, len(paths))
	for _, p := range paths {
		rows = append(rows, &types.ProjectFile{
			ProjectID: projectID,
			Path:      p,
			Content:   files[p],
		})
	}
	return transaction.WithContext(dbc.Ctx).CreateInBatches(rows, 100).Error
}

func (r *projectFileRepo) Upsert(dbc dbctx.Context, projectID uuid.UUID, path, content string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil || path == "" {
		return fmt.Errorf("missing project id or path")
	}
	row := &types.ProjectFile{
		ProjectID: projectID,
		Path:      path,
		Content:   content,
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "path"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"content": content, "updated_at": time.Now()}),
		}).
		Create(row).Error
}

func (r *projectFileRepo) DeleteByPath(dbc dbctx.Context, projectID uuid.UUID, path string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil || path == "" {
		return fmt.Errorf("missing project id or path")
	}
	return transaction.WithContext(dbc.Ctx).
		Where("project_id = ? AND path = ?", projectID, path).
		Delete(&types.ProjectFile{}).Error
}

func (r *projectFileRepo) GetByPath(dbc dbctx.Context, projectID uuid.UUID, path string) (*types.ProjectFile, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil || path == "" {
		return nil, fmt.Errorf("missing project id or path")
	}
	var f types.ProjectFile
	if err := transaction.WithContext(dbc.Ctx).
		First(&f, "project_id = ? AND path = ?", projectID, path).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *projectFileRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.ProjectFile, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	var out []*types.ProjectFile
	if err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("path ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *projectFileRepo) SnapshotMap(dbc dbctx.Context, projectID uuid.UUID) (map[string]string, error) {
	rows, err := r.ListByProject(dbc, projectID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Path] = row.Content
	}
	return out, nil
}

func (r *projectFileRepo) CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return 0, fmt.Errorf("missing project id")
	}
	var n int64
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.ProjectFile{}).
		Where("project_id = ?", projectID).
		Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
