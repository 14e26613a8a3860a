package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/ctxutil"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type JobService interface {
	// Enqueue creates the job row and notifies. When called inside an open
	// transaction the Temporal dispatch is deferred; the caller must invoke
	// Dispatch after commit so the workflow never races an invisible row.
	Enqueue(dbc dbctx.Context, ownerUserID, projectID uuid.UUID, prompt string, payload map[string]any) (*types.GenerationJob, error)
	Dispatch(ctx context.Context, jobID uuid.UUID) error
	GetByIDForOwner(dbc dbctx.Context, jobID, userID uuid.UUID) (*types.GenerationJob, error)
	GetLatestForProject(dbc dbctx.Context, userID, projectID uuid.UUID) (*types.GenerationJob, error)
	ListForProject(dbc dbctx.Context, userID, projectID uuid.UUID, limit int) ([]*types.GenerationJob, error)
}

type jobService struct {
	db     *gorm.DB
	log    *logger.Logger
	repo   repos.GenerationJobRepo
	notify JobNotifier

	temporal          temporalsdkclient.Client
	temporalTaskQueue string
}

func NewJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	repo repos.GenerationJobRepo,
	notify JobNotifier,
	tc temporalsdkclient.Client,
	taskQueue string,
) JobService {
	return &jobService{
		db:                db,
		log:               baseLog.With("service", "JobService"),
		repo:              repo,
		notify:            notify,
		temporal:          tc,
		temporalTaskQueue: strings.TrimSpace(taskQueue),
	}
}

func (s *jobService) Enqueue(dbc dbctx.Context, ownerUserID, projectID uuid.UUID, prompt string, payload map[string]any) (*types.GenerationJob, error) {
	if ownerUserID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_user_id")
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project_id")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, faults.ValidationError("prompt is required")
	}
	if s.temporal == nil {
		return nil, fmt.Errorf("temporal not configured (TEMPORAL_ADDRESS)")
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["project_id"] = projectID.String()
	payload["prompt"] = prompt
	if td := ctxutil.GetTraceData(dbc.Ctx); td != nil {
		if td.TraceID != "" {
			if _, ok := payload["trace_id"]; !ok {
				payload["trace_id"] = td.TraceID
			}
		}
		if td.RequestID != "" {
			if _, ok := payload["request_id"]; !ok {
				payload["request_id"] = td.RequestID
			}
		}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	now := time.Now().UTC()
	job := &types.GenerationJob{
		ID:          uuid.New(),
		ProjectID:   projectID,
		OwnerUserID: ownerUserID,
		JobType:     types.JobTypeProjectGeneration,
		Prompt:      prompt,
		Status:      types.JobStatusQueued,
		Stage:       types.StageInitializing,
		Progress:    0,
		Message:     "Queued",
		Payload:     datatypes.JSON(payloadJSON),
		Result:      datatypes.JSON([]byte(`{}`)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.repo.Create(dbc, job); err != nil {
		return nil, faults.MapError("create job", err)
	}
	if s.notify != nil {
		s.notify.JobCreated(ownerUserID, job)
	}

	// Inside a *real* DB transaction the workflow must not start yet: the
	// worker could tick before the row is visible. gorm.DB pointers are
	// cloned by WithContext/Session, so pointer identity is not a reliable
	// transaction detector; the connection pool type is.
	if isDBTransaction(dbc.Tx) {
		s.log.Debug("job enqueued inside transaction, awaiting dispatch after commit",
			"job_id", job.ID, "project_id", projectID)
		return job, nil
	}
	if err := s.Dispatch(dbc.Ctx, job.ID); err != nil {
		return job, err
	}
	return job, nil
}

type txCommitter interface {
	Commit() error
	Rollback() error
}

func isDBTransaction(db *gorm.DB) bool {
	if db == nil || db.Statement == nil || db.Statement.ConnPool == nil {
		return false
	}
	_, ok := db.Statement.ConnPool.(txCommitter)
	return ok
}

func (s *jobService) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	if s == nil || s.temporal == nil {
		return fmt.Errorf("temporal not configured (TEMPORAL_ADDRESS)")
	}
	if jobID == uuid.Nil {
		return fmt.Errorf("missing job id")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	err := s.startGenerationWorkflow(ctx, jobID, enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE)
	if err == nil {
		return nil
	}
	if _, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted); ok {
		return nil
	}

	// Dispatch failed: the row would sit queued forever, so fail it now.
	now := time.Now().UTC()
	if s.repo != nil {
		_ = s.repo.UpdateFields(dbctx.Context{Ctx: ctx}, jobID, map[string]interface{}{
			"status":        types.JobStatusFailed,
			"stage":         types.StageError,
			"message":       "",
			"error":         fmt.Sprintf("dispatch failed: %v", err),
			"last_error_at": now,
			"finished_at":   now,
			"locked_at":     nil,
			"updated_at":    now,
		})
		if s.notify != nil {
			if job, rerr := s.repo.GetByID(dbctx.Context{Ctx: ctx}, jobID); rerr == nil && job != nil {
				s.notify.JobFailed(job.OwnerUserID, job, types.StageError, fmt.Sprintf("dispatch failed: %v", err))
			}
		}
	}
	return fmt.Errorf("start temporal workflow: %w", err)
}

func (s *jobService) GetByIDForOwner(dbc dbctx.Context, jobID, userID uuid.UUID) (*types.GenerationJob, error) {
	if jobID == uuid.Nil || userID == uuid.Nil {
		return nil, faults.ValidationError("missing job or user id")
	}
	job, err := s.repo.GetByIDForOwner(dbc, jobID, userID)
	if err != nil {
		return nil, faults.MapError("job: get", err)
	}
	return job, nil
}

func (s *jobService) GetLatestForProject(dbc dbctx.Context, userID, projectID uuid.UUID) (*types.GenerationJob, error) {
	if projectID == uuid.Nil || userID == uuid.Nil {
		return nil, faults.ValidationError("missing project or user id")
	}
	job, err := s.repo.GetLatestByProject(dbc, projectID)
	if err != nil {
		return nil, faults.MapError("job: latest", err)
	}
	if job.OwnerUserID != userID {
		return nil, faults.ErrNotFound
	}
	return job, nil
}

func (s *jobService) ListForProject(dbc dbctx.Context, userID, projectID uuid.UUID, limit int) ([]*types.GenerationJob, error) {
	if projectID == uuid.Nil || userID == uuid.Nil {
		return nil, faults.ValidationError("missing project or user id")
	}
	jobs, err := s.repo.ListByProject(dbc, projectID, limit)
	if err != nil {
		return nil, faults.MapError("job: list", err)
	}
	owned := make([]*types.GenerationJob, 0, len(jobs))
	for _, j := range jobs {
		if j != nil && j.OwnerUserID == userID {
			owned = append(owned, j)
		}
	}
	return owned, nil
}

func (s *jobService) startGenerationWorkflow(ctx context.Context, jobID uuid.UUID, reusePolicy enums.WorkflowIdReusePolicy) error {
	if s == nil || s.temporal == nil || jobID == uuid.Nil {
		return fmt.Errorf("temporal not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tq := strings.TrimSpace(s.temporalTaskQueue)
	if tq == "" {
		tq = "apiforge"
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		// Workflow id doubles as the single-flight key; the workflow strips
		// the prefix to recover the job id. Kept literal here to avoid an
		// import cycle with the jobrun package.
		ID:                    "genjob-" + jobID.String(),
		TaskQueue:             tq,
		WorkflowIDReusePolicy: reusePolicy,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 1.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	_, err := s.temporal.ExecuteWorkflow(ctx, opts, "generation_job")
	return err
}
