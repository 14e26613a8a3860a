package sandboxes

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

type SandboxRepo interface {
	// Upsert inserts or replaces the single sandbox row for the project.
	Upsert(dbc dbctx.Context, sandbox *types.Sandbox) (*types.Sandbox, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Sandbox, error)
	GetByProject(dbc dbctx.Context, projectID uuid.UUID) (*types.Sandbox, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Touch(dbc dbctx.Context, id uuid.UUID, probedAlive bool) error
	DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) error
	// ListIdle returns alive sandboxes whose last keepalive is older than the
	// cutoff, for the reaper to mark stale.
	ListIdle(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Sandbox, error)
}

type sandboxRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSandboxRepo(db *gorm.DB, baseLog *logger.Logger) SandboxRepo {
	return &sandboxRepo{db: db, log: baseLog.With("repo", "SandboxRepo")}
}

func (r *sandboxRepo) Upsert(dbc dbctx.Context, sandbox *types.Sandbox) (*types.Sandbox, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if sandbox == nil {
		return nil, fmt.Errorf("missing sandbox")
	}
	if sandbox.ProjectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "project_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"provider_id", "url", "status", "alive",
				"last_probe_at", "last_keepalive_at", "restore_attempts",
				"last_error", "updated_at",
			}),
		}).
		Create(sandbox).Error
	if err != nil {
		return nil, err
	}
	return sandbox, nil
}

func (r *sandboxRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Sandbox, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing sandbox id")
	}
	var s types.Sandbox
	if err := transaction.WithContext(dbc.Ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sandboxRepo) GetByProject(dbc dbctx.Context, projectID uuid.UUID) (*types.Sandbox, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	var s types.Sandbox
	if err := transaction.WithContext(dbc.Ctx).
		First(&s, "project_id = ?", projectID).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sandboxRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return fmt.Errorf("missing sandbox id")
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Sandbox{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *sandboxRepo) Touch(dbc dbctx.Context, id uuid.UUID, probedAlive bool) error {
	now := time.Now()
	updates := map[string]interface{}{
		"last_probe_at": now,
		"alive":         probedAlive,
	}
	if probedAlive {
		updates["last_keepalive_at"] = now
		updates["status"] = types.SandboxStatusAlive
	}
	return r.UpdateFields(dbc, id, updates)
}

func (r *sandboxRepo) DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return fmt.Errorf("missing project id")
	}
	return transaction.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Delete(&types.Sandbox{}).Error
}

func (r *sandboxRepo) ListIdle(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Sandbox, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND (last_keepalive_at IS NULL OR last_keepalive_at < ?)",
			types.SandboxStatusAlive, cutoff).
		Order("last_keepalive_at ASC NULLS FIRST")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.Sandbox
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
