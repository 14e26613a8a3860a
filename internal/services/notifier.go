package services

import (
	"context"

	"github.com/google/uuid"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/realtime"
)

// =========================
// Job notifier
// =========================

type JobNotifier interface {
	JobCreated(userID uuid.UUID, job *types.GenerationJob)
	JobProgress(userID uuid.UUID, job *types.GenerationJob, stage types.Stage, progress int, message string)
	FileProgress(userID uuid.UUID, job *types.GenerationJob, filename string, status types.FileStreamStatus, relevance float64)
	JobFailed(userID uuid.UUID, job *types.GenerationJob, stage types.Stage, errorMessage string)
	JobDone(userID uuid.UUID, job *types.GenerationJob)
}

type jobNotifier struct {
	emit SSEEmitter
}

func NewJobNotifier(emit SSEEmitter) JobNotifier {
	return &jobNotifier{emit: emit}
}

func (n *jobNotifier) JobCreated(userID uuid.UUID, job *types.GenerationJob) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventJobCreated,
		Data:    map[string]any{"job": job},
	})
}

func (n *jobNotifier) JobProgress(userID uuid.UUID, job *types.GenerationJob, stage types.Stage, progress int, message string) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventJobProgress,
		Data: map[string]any{
			"job_id":     safeJobID(job),
			"project_id": safeJobProjectID(job),
			"stage":      stage,
			"progress":   progress,
			"message":    message,
		},
	})
}

// FileProgress reports per-file streaming status. Content never rides on
// this event; clients fetch the full tree once the job completes.
func (n *jobNotifier) FileProgress(userID uuid.UUID, job *types.GenerationJob, filename string, status types.FileStreamStatus, relevance float64) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventFileProgress,
		Data: map[string]any{
			"job_id":     safeJobID(job),
			"project_id": safeJobProjectID(job),
			"filename":   filename,
			"status":     status,
			"relevance":  relevance,
		},
	})
}

func (n *jobNotifier) JobFailed(userID uuid.UUID, job *types.GenerationJob, stage types.Stage, errorMessage string) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventJobFailed,
		Data: map[string]any{
			"job_id":     safeJobID(job),
			"project_id": safeJobProjectID(job),
			"stage":      stage,
			"error":      errorMessage,
		},
	})
}

func (n *jobNotifier) JobDone(userID uuid.UUID, job *types.GenerationJob) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventJobDone,
		Data: map[string]any{
			"job_id":     safeJobID(job),
			"project_id": safeJobProjectID(job),
			"job":        job,
		},
	})
}

// =========================
// Sandbox notifier
// =========================

type SandboxNotifier interface {
	SandboxRestored(userID uuid.UUID, projectID uuid.UUID, sandbox *types.Sandbox)
	SandboxStale(userID uuid.UUID, projectID uuid.UUID, sandbox *types.Sandbox)
}

type sandboxNotifier struct {
	emit SSEEmitter
}

func NewSandboxNotifier(emit SSEEmitter) SandboxNotifier {
	return &sandboxNotifier{emit: emit}
}

func (n *sandboxNotifier) SandboxRestored(userID uuid.UUID, projectID uuid.UUID, sandbox *types.Sandbox) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventSandboxRestored,
		Data: map[string]any{
			"project_id": projectID,
			"sandbox":    sandbox,
		},
	})
}

func (n *sandboxNotifier) SandboxStale(userID uuid.UUID, projectID uuid.UUID, sandbox *types.Sandbox) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventSandboxStale,
		Data: map[string]any{
			"project_id": projectID,
			"sandbox":    sandbox,
		},
	})
}

// =========================
// Project notifier
// =========================

type ProjectNotifier interface {
	ProjectUpdated(userID uuid.UUID, project *types.Project)
}

type projectNotifier struct {
	emit SSEEmitter
}

func NewProjectNotifier(emit SSEEmitter) ProjectNotifier {
	return &projectNotifier{emit: emit}
}

func (n *projectNotifier) ProjectUpdated(userID uuid.UUID, project *types.Project) {
	if n == nil || n.emit == nil || userID == uuid.Nil || project == nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventProjectUpdated,
		Data: map[string]any{
			"project_id": project.ID,
			"project":    project,
		},
	})
}

// =========================
// helpers
// =========================

func safeJobID(job *types.GenerationJob) uuid.UUID {
	if job == nil {
		return uuid.Nil
	}
	return job.ID
}

func safeJobProjectID(job *types.GenerationJob) uuid.UUID {
	if job == nil {
		return uuid.Nil
	}
	return job.ProjectID
}
