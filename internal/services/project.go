package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
	"github.com/apiforge/apiforge-backend/internal/scaffold"
)

type CreateProjectRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Framework   types.Framework `json:"framework"`
	Prompt      string          `json:"prompt"`
}

type CreateProjectResult struct {
	Project *types.Project       `json:"project"`
	Job     *types.GenerationJob `json:"job"`
}

// StatusSnapshot is the poll-friendly view of where a project's latest
// generation stands.
type StatusSnapshot struct {
	ProjectID     uuid.UUID           `json:"project_id"`
	ProjectStatus types.ProjectStatus `json:"project_status"`
	JobID         *uuid.UUID          `json:"job_id,omitempty"`
	JobStatus     types.JobStatus     `json:"job_status,omitempty"`
	Stage         types.Stage         `json:"stage,omitempty"`
	Progress      int                 `json:"progress"`
	Message       string              `json:"message,omitempty"`
}

// ProjectService is the request-side façade over project lifecycle: create,
// follow-up prompts, status reads. The generation pipeline owns the terminal
// status flips.
type ProjectService interface {
	CreateWithPrompt(dbc dbctx.Context, userID uuid.UUID, req CreateProjectRequest) (*CreateProjectResult, error)
	// SubmitPrompt accepts a follow-up prompt. At most one non-terminal job
	// per project: the project row lock plus an in-flight check under it make
	// the precondition race-free; violations return ErrJobAlreadyInFlight.
	SubmitPrompt(dbc dbctx.Context, userID, projectID uuid.UUID, prompt string) (*types.GenerationJob, error)
	GetStatus(dbc dbctx.Context, userID, projectID uuid.UUID) (*StatusSnapshot, error)
	GetForOwner(dbc dbctx.Context, userID, projectID uuid.UUID) (*types.Project, error)
	List(dbc dbctx.Context, userID uuid.UUID) ([]*types.Project, error)
	Delete(dbc dbctx.Context, userID, projectID uuid.UUID) error
	ListMessages(dbc dbctx.Context, userID, projectID uuid.UUID, limit int) ([]*types.ProjectMessage, error)
}

type projectService struct {
	db          *gorm.DB
	log         *logger.Logger
	projectRepo repos.ProjectRepo
	messageRepo repos.ProjectMessageRepo
	jobRepo     repos.GenerationJobRepo
	sandboxRepo repos.SandboxRepo
	jobs        JobService
}

func NewProjectService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projectRepo repos.ProjectRepo,
	messageRepo repos.ProjectMessageRepo,
	jobRepo repos.GenerationJobRepo,
	sandboxRepo repos.SandboxRepo,
	jobs JobService,
) ProjectService {
	return &projectService{
		db:          db,
		log:         baseLog.With("service", "ProjectService"),
		projectRepo: projectRepo,
		messageRepo: messageRepo,
		jobRepo:     jobRepo,
		sandboxRepo: sandboxRepo,
		jobs:        jobs,
	}
}

func (s *projectService) CreateWithPrompt(dbc dbctx.Context, userID uuid.UUID, req CreateProjectRequest) (*CreateProjectResult, error) {
	if userID == uuid.Nil {
		return nil, faults.ErrUnauthorized
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Name == "" {
		return nil, faults.ValidationError("project name is required")
	}
	if req.Prompt == "" {
		return nil, faults.ValidationError("prompt is required")
	}
	if _, err := scaffold.For(s.log, req.Framework); err != nil {
		return nil, faults.ValidationError(fmt.Sprintf("framework %q is not supported", req.Framework))
	}

	result := &CreateProjectResult{}
	err := runInTx(s.db, dbc, func(txc dbctx.Context) error {
		project, err := s.projectRepo.Create(txc, &types.Project{
			OwnerUserID: userID,
			Name:        req.Name,
			Description: strings.TrimSpace(req.Description),
			Framework:   req.Framework,
			Status:      types.ProjectStatusDraft,
		})
		if err != nil {
			return faults.MapError("create project", err)
		}

		message, err := s.messageRepo.Create(txc, &types.ProjectMessage{
			ProjectID: project.ID,
			UserID:    userID,
			Role:      types.MessageRoleUser,
			Content:   req.Prompt,
		})
		if err != nil {
			return faults.MapError("record prompt", err)
		}

		job, err := s.jobs.Enqueue(txc, userID, project.ID, req.Prompt, map[string]any{
			"message_id": message.ID.String(),
		})
		if err != nil {
			return err
		}

		if err := s.projectRepo.SetStatus(txc, project.ID, types.ProjectStatusGenerating); err != nil {
			return faults.MapError("set project status", err)
		}
		project.Status = types.ProjectStatusGenerating

		result.Project = project
		result.Job = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	// We only own the commit when the caller did not hand us a transaction;
	// otherwise the deferred-dispatch contract makes the caller responsible.
	if dbc.Tx == nil {
		if derr := s.jobs.Dispatch(dbc.Ctx, result.Job.ID); derr != nil {
			return result, derr
		}
	}
	s.log.Info("project created",
		"project_id", result.Project.ID, "job_id", result.Job.ID, "framework", req.Framework)
	return result, nil
}

func (s *projectService) SubmitPrompt(dbc dbctx.Context, userID, projectID uuid.UUID, prompt string) (*types.GenerationJob, error) {
	if userID == uuid.Nil {
		return nil, faults.ErrUnauthorized
	}
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, faults.ValidationError("prompt is required")
	}

	var job *types.GenerationJob
	err := runInTx(s.db, dbc, func(txc dbctx.Context) error {
		project, err := s.projectRepo.LockByID(txc, projectID)
		if err != nil {
			return faults.MapError("lock project", err)
		}
		if project.OwnerUserID != userID {
			return faults.ErrNotFound
		}

		inflight, err := s.jobRepo.ExistsInFlight(txc, projectID)
		if err != nil {
			return faults.MapError("in-flight check", err)
		}
		if inflight {
			return faults.JobInFlight(projectID.String())
		}

		message, err := s.messageRepo.Create(txc, &types.ProjectMessage{
			ProjectID: projectID,
			UserID:    userID,
			Role:      types.MessageRoleUser,
			Content:   prompt,
		})
		if err != nil {
			return faults.MapError("record prompt", err)
		}

		job, err = s.jobs.Enqueue(txc, userID, projectID, prompt, map[string]any{
			"message_id": message.ID.String(),
		})
		if err != nil {
			return err
		}

		if err := s.projectRepo.SetStatus(txc, projectID, types.ProjectStatusGenerating); err != nil {
			return faults.MapError("set project status", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if dbc.Tx == nil {
		if derr := s.jobs.Dispatch(dbc.Ctx, job.ID); derr != nil {
			return job, derr
		}
	}
	return job, nil
}

func (s *projectService) GetStatus(dbc dbctx.Context, userID, projectID uuid.UUID) (*StatusSnapshot, error) {
	project, err := s.GetForOwner(dbc, userID, projectID)
	if err != nil {
		return nil, err
	}

	snap := &StatusSnapshot{
		ProjectID:     project.ID,
		ProjectStatus: project.Status,
	}
	job, err := s.jobRepo.GetLatestByProject(dbc, projectID)
	if err != nil {
		mapped := faults.MapError("latest job", err)
		if errors.Is(mapped, faults.ErrNotFound) {
			return snap, nil
		}
		return nil, mapped
	}
	snap.JobID = &job.ID
	snap.JobStatus = job.Status
	snap.Stage = job.Stage
	snap.Progress = job.Progress
	snap.Message = job.Message
	return snap, nil
}

func (s *projectService) GetForOwner(dbc dbctx.Context, userID, projectID uuid.UUID) (*types.Project, error) {
	if userID == uuid.Nil {
		return nil, faults.ErrUnauthorized
	}
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	project, err := s.projectRepo.GetByIDForOwner(dbc, projectID, userID)
	if err != nil {
		return nil, faults.MapError("project: get", err)
	}
	return project, nil
}

func (s *projectService) List(dbc dbctx.Context, userID uuid.UUID) ([]*types.Project, error) {
	if userID == uuid.Nil {
		return nil, faults.ErrUnauthorized
	}
	projects, err := s.projectRepo.ListByOwner(dbc, userID)
	if err != nil {
		return nil, faults.MapError("project: list", err)
	}
	return projects, nil
}

func (s *projectService) Delete(dbc dbctx.Context, userID, projectID uuid.UUID) error {
	if _, err := s.GetForOwner(dbc, userID, projectID); err != nil {
		return err
	}
	err := runInTx(s.db, dbc, func(txc dbctx.Context) error {
		// The provider environment is left to the provider's idle reaper;
		// only our records go.
		if err := s.sandboxRepo.DeleteByProject(txc, projectID); err != nil {
			return faults.MapError("delete sandbox record", err)
		}
		if err := s.projectRepo.Delete(txc, projectID); err != nil {
			return faults.MapError("delete project", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("project deleted", "project_id", projectID)
	return nil
}

func (s *projectService) ListMessages(dbc dbctx.Context, userID, projectID uuid.UUID, limit int) ([]*types.ProjectMessage, error) {
	if _, err := s.GetForOwner(dbc, userID, projectID); err != nil {
		return nil, err
	}
	messages, err := s.messageRepo.ListByProject(dbc, projectID, limit)
	if err != nil {
		return nil, faults.MapError("project: list messages", err)
	}
	return messages, nil
}
