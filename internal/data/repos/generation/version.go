package generation

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type VersionRepo interface {
	Create(dbc dbctx.Context, version *types.Version) (*types.Version, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Version, error)
	GetByProjectAndNumber(dbc dbctx.Context, projectID uuid.UUID, number int) (*types.Version, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Version, error)
	// MaxNumber returns the highest version number for the project, 0 when the
	// project has no versions yet.
	MaxNumber(dbc dbctx.Context, projectID uuid.UUID) (int, error)
	LatestCompleted(dbc dbctx.Context, projectID uuid.UUID) (*types.Version, error)
	// PreviousOf returns the newest completed version strictly below the given
	// number, or nil when none exists.
	PreviousOf(dbc dbctx.Context, projectID uuid.UUID, number int) (*types.Version, error)
	CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
}

type versionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVersionRepo(db *gorm.DB, baseLog *logger.Logger) VersionRepo {
	return &versionRepo{db: db, log: baseLog.With("repo", "VersionRepo")}
}

func (r *versionRepo) Create(dbc dbctx.Context, version *types.Version) (*types.Version, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if version == nil {
		return nil, fmt.Errorf("missing version")
	}
	if err := transaction.WithContext(dbc.Ctx).Create(version).Error; err != nil {
		return nil, err
	}
	return version, nil
}

func (r *versionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Version, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing version id")
	}
	var v types.Version
	if err := transaction.WithContext(dbc.Ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *versionRepo) GetByProjectAndNumber(dbc dbctx.Context, projectID uuid.UUID, number int) (*types.Version, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	var v types.Version
	if err := transaction.WithContext(dbc.Ctx).
		First(&v, "project_id = ? AND version_number = ?", projectID, number).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *versionRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Version, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	var out []*types.Version
	if err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("version_number ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *versionRepo) MaxNumber(dbc dbctx.Context, projectID uuid.UUID) (int, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return 0, fmt.Errorf("missing project id")
	}
	var n int
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.Version{}).
		Where("project_id = ?", projectID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *versionRepo) LatestCompleted(dbc dbctx.Context, projectID uuid.UUID) (*types.Version, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	var v types.Version
	if err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ? AND status = ?", projectID, types.VersionStatusCompleted).
		Order("version_number DESC").
		First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *versionRepo) PreviousOf(dbc dbctx.Context, projectID uuid.UUID, number int) (*types.Version, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	var v types.Version
	err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ? AND version_number < ? AND status = ?",
			projectID, number, types.VersionStatusCompleted).
		Order("version_number DESC").
		First(&v).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (r *versionRepo) CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return 0, fmt.Errorf("missing project id")
	}
	var n int64
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.Version{}).
		Where("project_id = ?", projectID).
		Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
