package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

// ApplyResult reports the outcome of one id inside ApplyMultiple.
type ApplyResult struct {
	ID      uuid.UUID `json:"id"`
	Applied bool      `json:"applied"`
	Err     string    `json:"error,omitempty"`
}

// ModificationService is the review ledger for proposed file edits. Rows are
// markers, never deleted; apply and reject serialize on a per-row lock so a
// reject racing behind an apply sees the applied status and no-ops.
type ModificationService interface {
	Propose(dbc dbctx.Context, mods []*types.CodeModification) error
	Apply(ctx context.Context, userID, id uuid.UUID) (*types.CodeModification, error)
	Reject(ctx context.Context, userID, id uuid.UUID) (*types.CodeModification, error)
	ApplyMultiple(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) []ApplyResult
	ListForProject(dbc dbctx.Context, projectID uuid.UUID, statuses []types.ModificationStatus, limit int) ([]*types.CodeModification, error)
	MarkStaleForPaths(dbc dbctx.Context, projectID uuid.UUID, paths []string, excludeIDs []uuid.UUID) (int64, error)
}

type modificationService struct {
	db          *gorm.DB
	log         *logger.Logger
	modRepo     repos.CodeModificationRepo
	projectRepo repos.ProjectRepo
	fileStore   FileStore
	sandbox     SandboxService
}

func NewModificationService(
	db *gorm.DB,
	baseLog *logger.Logger,
	modRepo repos.CodeModificationRepo,
	projectRepo repos.ProjectRepo,
	fileStore FileStore,
	sandbox SandboxService,
) ModificationService {
	return &modificationService{
		db:          db,
		log:         baseLog.With("service", "ModificationService"),
		modRepo:     modRepo,
		projectRepo: projectRepo,
		fileStore:   fileStore,
		sandbox:     sandbox,
	}
}

func (s *modificationService) Propose(dbc dbctx.Context, mods []*types.CodeModification) error {
	if len(mods) == 0 {
		return nil
	}
	for _, m := range mods {
		if m == nil {
			return faults.ValidationError("nil modification")
		}
		if m.ProjectID == uuid.Nil {
			return faults.ValidationError("modification missing project id")
		}
		if _, err := cleanTreePath(m.FilePath); err != nil {
			return err
		}
		if !m.ModificationType.Valid() {
			return faults.ValidationError(fmt.Sprintf("unknown modification type %q", m.ModificationType))
		}
		if m.Status == "" {
			m.Status = types.ModificationPending
		}
	}
	if err := s.modRepo.CreateBatch(dbc, mods); err != nil {
		return faults.MapError("modification: propose", err)
	}
	return nil
}

func (s *modificationService) Apply(ctx context.Context, userID, id uuid.UUID) (*types.CodeModification, error) {
	var (
		mod         *types.CodeModification
		pushProject uuid.UUID
		pushPath    string
		pushContent string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		m, err := s.modRepo.GetByIDForUpdate(txc, id)
		if err != nil {
			return faults.MapError("load modification", err)
		}
		if _, err := s.projectRepo.GetByIDForOwner(txc, m.ProjectID, userID); err != nil {
			return faults.MapError("load project", err)
		}

		switch m.Status {
		case types.ModificationApplied:
			mod = m
			return nil
		case types.ModificationRejected:
			return faults.ErrModificationRejected
		case types.ModificationStale:
			return errors.Join(faults.ErrModificationConflict,
				fmt.Errorf("modification %s went stale, re-review required", m.ID))
		}

		switch m.ModificationType {
		case types.ModificationDelete:
			if err := s.fileStore.DeleteOne(txc, m.ProjectID, m.FilePath); err != nil {
				return err
			}
		default:
			if err := s.fileStore.WriteOne(txc, m.ProjectID, m.FilePath, m.NewContent); err != nil {
				return err
			}
			pushProject, pushPath, pushContent = m.ProjectID, m.FilePath, m.NewContent
		}

		now := time.Now().UTC()
		if err := s.modRepo.UpdateFields(txc, m.ID, map[string]interface{}{
			"status":     types.ModificationApplied,
			"applied_at": now,
		}); err != nil {
			return fmt.Errorf("mark applied: %w", err)
		}
		if _, err := s.modRepo.MarkStaleForPaths(txc, m.ProjectID, []string{m.FilePath}, []uuid.UUID{m.ID}); err != nil {
			return fmt.Errorf("stale overlapping pending: %w", err)
		}

		m.Status = types.ModificationApplied
		m.AppliedAt = &now
		mod = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The live sandbox gets the same write outside the transaction. Failure
	// here never rolls back the ledger; the next refresh converges the tree.
	if s.sandbox != nil && pushPath != "" {
		if pushErr := s.sandbox.Refresh(ctx, pushProject, map[string]string{pushPath: pushContent}); pushErr != nil {
			s.log.Warn("sandbox push after apply failed",
				"project_id", pushProject, "path", pushPath, "error", pushErr)
		}
	}
	return mod, nil
}

func (s *modificationService) Reject(ctx context.Context, userID, id uuid.UUID) (*types.CodeModification, error) {
	var mod *types.CodeModification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		m, err := s.modRepo.GetByIDForUpdate(txc, id)
		if err != nil {
			return faults.MapError("load modification", err)
		}
		if _, err := s.projectRepo.GetByIDForOwner(txc, m.ProjectID, userID); err != nil {
			return faults.MapError("load project", err)
		}

		// Only pending rows move. Applied stays applied, a second reject and
		// rejecting a stale proposal are no-ops.
		if m.Status != types.ModificationPending {
			mod = m
			return nil
		}

		now := time.Now().UTC()
		if err := s.modRepo.UpdateFields(txc, m.ID, map[string]interface{}{
			"status":      types.ModificationRejected,
			"rejected_at": now,
		}); err != nil {
			return fmt.Errorf("mark rejected: %w", err)
		}
		m.Status = types.ModificationRejected
		m.RejectedAt = &now
		mod = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mod, nil
}

func (s *modificationService) ApplyMultiple(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) []ApplyResult {
	results := make([]ApplyResult, 0, len(ids))
	for _, id := range ids {
		if _, err := s.Apply(ctx, userID, id); err != nil {
			results = append(results, ApplyResult{ID: id, Applied: false, Err: err.Error()})
			continue
		}
		results = append(results, ApplyResult{ID: id, Applied: true})
	}
	return results
}

func (s *modificationService) ListForProject(dbc dbctx.Context, projectID uuid.UUID, statuses []types.ModificationStatus, limit int) ([]*types.CodeModification, error) {
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	mods, err := s.modRepo.ListByProject(dbc, projectID, statuses, limit)
	if err != nil {
		return nil, faults.MapError("modification: list", err)
	}
	return mods, nil
}

func (s *modificationService) MarkStaleForPaths(dbc dbctx.Context, projectID uuid.UUID, paths []string, excludeIDs []uuid.UUID) (int64, error) {
	if projectID == uuid.Nil {
		return 0, faults.ValidationError("missing project id")
	}
	n, err := s.modRepo.MarkStaleForPaths(dbc, projectID, paths, excludeIDs)
	if err != nil {
		return 0, faults.MapError("modification: mark stale", err)
	}
	return n, nil
}

// GroupModificationsByFile buckets a listing by target path, preserving the
// input order inside each bucket.
func GroupModificationsByFile(mods []*types.CodeModification) map[string][]*types.CodeModification {
	grouped := make(map[string][]*types.CodeModification, len(mods))
	for _, m := range mods {
		if m == nil {
			continue
		}
		grouped[m.FilePath] = append(grouped[m.FilePath], m)
	}
	return grouped
}
