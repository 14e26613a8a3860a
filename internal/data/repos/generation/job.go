package generation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type GenerationJobRepo interface {
	Create(dbc dbctx.Context, job *types.GenerationJob) (*types.GenerationJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationJob, error)
	GetByIDForOwner(dbc dbctx.Context, id, ownerUserID uuid.UUID) (*types.GenerationJob, error)
	GetLatestByProject(dbc dbctx.Context, projectID uuid.UUID) (*types.GenerationJob, error)
	// ExistsInFlight reports whether the project has a queued or running job.
	// Callers that need the answer to stay true until commit must hold the
	// project row lock first.
	ExistsInFlight(dbc dbctx.Context, projectID uuid.UUID) (bool, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.GenerationJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus applies updates only when the job is not in one
	// of the given statuses. Returns false when the guard blocked the write.
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}, unless []types.JobStatus) (bool, error)
	MarkRunning(dbc dbctx.Context, id uuid.UUID) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	// ListStuck returns running jobs whose heartbeat is older than the cutoff.
	ListStuck(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.GenerationJob, error)
}

type generationJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationJobRepo(db *gorm.DB, baseLog *logger.Logger) GenerationJobRepo {
	return &generationJobRepo{db: db, log: baseLog.With("repo", "GenerationJobRepo")}
}

func (r *generationJobRepo) Create(dbc dbctx.Context, job *types.GenerationJob) (*types.GenerationJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, fmt.Errorf("missing job")
	}
	if err := transaction.WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *generationJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing job id")
	}
	var j types.GenerationJob
	if err := transaction.WithContext(dbc.Ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *generationJobRepo) GetByIDForOwner(dbc dbctx.Context, id, ownerUserID uuid.UUID) (*types.GenerationJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || ownerUserID == uuid.Nil {
		return nil, fmt.Errorf("missing job or owner id")
	}
	var j types.GenerationJob
	if err := transaction.WithContext(dbc.Ctx).
		First(&j, "id = ? AND owner_user_id = ?", id, ownerUserID).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *generationJobRepo) GetLatestByProject(dbc dbctx.Context, projectID uuid.UUID) (*types.GenerationJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	var j types.GenerationJob
	if err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *generationJobRepo) ExistsInFlight(dbc dbctx.Context, projectID uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return false, fmt.Errorf("missing project id")
	}
	var n int64
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.GenerationJob{}).
		Where("project_id = ? AND status IN ?", projectID,
			[]types.JobStatus{types.JobStatusQueued, types.JobStatusRunning}).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *generationJobRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.GenerationJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.GenerationJob
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *generationJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return fmt.Errorf("missing job id")
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.GenerationJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *generationJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}, unless []types.JobStatus) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, fmt.Errorf("missing job id")
	}
	if len(updates) == 0 {
		return true, nil
	}
	updates["updated_at"] = time.Now()
	q := transaction.WithContext(dbc.Ctx).
		Model(&types.GenerationJob{}).
		Where("id = ?", id)
	if len(unless) > 0 {
		q = q.Where("status NOT IN ?", unless)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *generationJobRepo) MarkRunning(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	return r.UpdateFieldsUnlessStatus(dbc, id, map[string]interface{}{
		"status":       types.JobStatusRunning,
		"attempts":     gorm.Expr("attempts + 1"),
		"started_at":   now,
		"locked_at":    now,
		"heartbeat_at": now,
	}, []types.JobStatus{types.JobStatusSucceeded, types.JobStatusFailed})
}

func (r *generationJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return fmt.Errorf("missing job id")
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.GenerationJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Update("heartbeat_at", time.Now()).Error
}

func (r *generationJobRepo) ListStuck(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.GenerationJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", types.JobStatusRunning, cutoff).
		Order("heartbeat_at ASC NULLS FIRST")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.GenerationJob
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
