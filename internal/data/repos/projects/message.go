package projects

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type ProjectMessageRepo interface {
	Create(dbc dbctx.Context, message *types.ProjectMessage) (*types.ProjectMessage, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ProjectMessage, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.ProjectMessage, error)
}

type projectMessageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectMessageRepo(db *gorm.DB, baseLog *logger.Logger) ProjectMessageRepo {
	return &projectMessageRepo{db: db, log: baseLog.With("repo", "ProjectMessageRepo")}
}

func (r *projectMessageRepo) Create(dbc dbctx.Context, message *types.ProjectMessage) (*types.ProjectMessage, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if message == nil {
		return nil, fmt.Errorf("missing message")
	}
	if err := transaction.WithContext(dbc.Ctx).Create(message).Error; err != nil {
		return nil, err
	}
	return message, nil
}

func (r *projectMessageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ProjectMessage, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing message id")
	}
	var m types.ProjectMessage
	if err := transaction.WithContext(dbc.Ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *projectMessageRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.ProjectMessage, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.ProjectMessage
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
