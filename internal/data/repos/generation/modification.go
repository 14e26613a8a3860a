package generation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type CodeModificationRepo interface {
	CreateBatch(dbc dbctx.Context, mods []*types.CodeModification) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.CodeModification, error)
	// GetByIDForUpdate loads the modification row under FOR UPDATE so that
	// concurrent apply and reject calls serialize. Requires an open
	// transaction in dbc.Tx.
	GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*types.CodeModification, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID, statuses []types.ModificationStatus, limit int) ([]*types.CodeModification, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// MarkStaleForPaths flips pending modifications that touch any of the
	// given paths to stale. Rows in excludeIDs are left alone so the
	// modification being applied does not stale itself.
	MarkStaleForPaths(dbc dbctx.Context, projectID uuid.UUID, paths []string, excludeIDs []uuid.UUID) (int64, error)
	// MarkAllPendingStale flips every pending modification for the project to
	// stale. Used when a new version folds and rebases the whole tree.
	MarkAllPendingStale(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
}

type codeModificationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCodeModificationRepo(db *gorm.DB, baseLog *logger.Logger) CodeModificationRepo {
	return &codeModificationRepo{db: db, log: baseLog.With("repo", "CodeModificationRepo")}
}

func (r *codeModificationRepo) CreateBatch(dbc dbctx.Context, mods []*types.CodeModification) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(mods) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).CreateInBatches(mods, 50).Error
}

func (r *codeModificationRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.CodeModification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing modification id")
	}
	var m types.CodeModification
	if err := transaction.WithContext(dbc.Ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *codeModificationRepo) GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*types.CodeModification, error) {
	transaction := dbc.Tx
	if transaction == nil {
		return nil, fmt.Errorf("GetByIDForUpdate requires an open transaction")
	}
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing modification id")
	}
	var m types.CodeModification
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *codeModificationRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID, statuses []types.ModificationStatus, limit int) ([]*types.CodeModification, error) {
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
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.CodeModification
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *codeModificationRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return fmt.Errorf("missing modification id")
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.CodeModification{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *codeModificationRepo) MarkStaleForPaths(dbc dbctx.Context, projectID uuid.UUID, paths []string, excludeIDs []uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return 0, fmt.Errorf("missing project id")
	}
	if len(paths) == 0 {
		return 0, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Model(&types.CodeModification{}).
		Where("project_id = ? AND status = ? AND file_path IN ?",
			projectID, types.ModificationPending, paths)
	if len(excludeIDs) > 0 {
		q = q.Where("id NOT IN ?", excludeIDs)
	}
	res := q.Updates(map[string]interface{}{
		"status":     types.ModificationStale,
		"updated_at": time.Now(),
	})
	return res.RowsAffected, res.Error
}

func (r *codeModificationRepo) MarkAllPendingStale(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return 0, fmt.Errorf("missing project id")
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.CodeModification{}).
		Where("project_id = ? AND status = ?", projectID, types.ModificationPending).
		Updates(map[string]interface{}{
			"status":     types.ModificationStale,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}
