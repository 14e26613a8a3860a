package jobrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	jobrt "github.com/apiforge/apiforge-backend/internal/jobs/runtime"
	"github.com/apiforge/apiforge-backend/internal/observability"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
	"github.com/apiforge/apiforge-backend/internal/services"

	"go.temporal.io/sdk/activity"
)

const defaultStuckAfter = 30 * time.Minute

type Activities struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Jobs     repos.GenerationJobRepo
	Projects repos.ProjectRepo
	Registry *jobrt.Registry
	Notify   services.JobNotifier
}

// Tick runs one claim-and-execute cycle for a generation job. Terminal rows
// only re-notify; running rows with a heartbeat older than
// GENERATION_STUCK_AFTER are force-failed; everything else is claimed and
// handed to the registered handler. Handler errors are returned so Temporal
// redelivers the activity and the handler resumes from its recorded progress.
func (a *Activities) Tick(ctx context.Context, jobID string) (TickResult, error) {
	start := time.Now()
	res := TickResult{JobID: strings.TrimSpace(jobID)}
	if a == nil || a.DB == nil || a.Jobs == nil || a.Registry == nil {
		return res, fmt.Errorf("jobrun: activity not configured")
	}

	parsedJobID, err := uuid.Parse(res.JobID)
	if err != nil || parsedJobID == uuid.Nil {
		return res, fmt.Errorf("jobrun: invalid job id %q", jobID)
	}

	job, err := a.loadJob(ctx, parsedJobID)
	if err != nil {
		return res, err
	}
	if job == nil {
		return res, fmt.Errorf("jobrun: job %s not found", parsedJobID)
	}

	if job.Status.Terminal() {
		if a.Notify != nil && job.OwnerUserID != uuid.Nil {
			switch job.Status {
			case types.JobStatusSucceeded:
				a.Notify.JobDone(job.OwnerUserID, job)
			case types.JobStatusFailed:
				a.Notify.JobFailed(job.OwnerUserID, job, job.Stage, strings.TrimSpace(job.Error))
			}
		}
		a.fill(&res, job)
		a.observe(job.JobType, string(job.Status), start)
		return res, nil
	}

	if job.Status == types.JobStatusRunning && staleHeartbeat(job, time.Now(), stuckAfterFromEnv()) {
		if a.Log != nil {
			a.Log.Warn("Generation job heartbeat stale; force-failing",
				"job_id", parsedJobID, "job_type", job.JobType, "stage", job.Stage)
		}
		jc := jobrt.NewContext(ctx, a.DB, job, a.Jobs, a.Notify)
		jc.Fail(errors.New("generation timed out"))
		a.failProject(ctx, job.ProjectID)
		if reloaded, rerr := a.loadJob(ctx, parsedJobID); rerr == nil && reloaded != nil {
			job = reloaded
		}
		a.fill(&res, job)
		a.observe(job.JobType, string(job.Status), start)
		return res, nil
	}

	stopHB := a.startHeartbeat(ctx, parsedJobID)
	defer stopHB()

	claimed, err := a.Jobs.MarkRunning(dbctx.Context{Ctx: ctx, Tx: a.DB}, parsedJobID)
	if err != nil {
		return res, fmt.Errorf("jobrun: claim job: %w", err)
	}
	if !claimed {
		// Lost the race to a terminal write; report whatever state won.
		if reloaded, rerr := a.loadJob(ctx, parsedJobID); rerr == nil && reloaded != nil {
			job = reloaded
		}
		a.fill(&res, job)
		a.observe(job.JobType, string(job.Status), start)
		return res, nil
	}

	now := time.Now()
	job.Status = types.JobStatusRunning
	job.Attempts++
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.LockedAt = &now
	job.HeartbeatAt = &now
	job.UpdatedAt = now

	jc := jobrt.NewContext(ctx, a.DB, job, a.Jobs, a.Notify)

	h, ok := a.Registry.Get(job.JobType)
	if !ok {
		jc.Fail(fmt.Errorf("no handler registered for job_type=%s", job.JobType))
		a.failProject(ctx, job.ProjectID)
		a.fill(&res, job)
		a.observe(job.JobType, string(job.Status), start)
		return res, nil
	}

	handlerReturnedNil := false
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				if a.Log != nil {
					a.Log.Error("Job handler panic", "job_id", parsedJobID, "job_type", job.JobType, "panic", r)
				}
				jc.Fail(fmt.Errorf("panic: unexpected error"))
				a.failProject(ctx, job.ProjectID)
			}
		}()
		runErr = h.Run(jc)
		if runErr == nil {
			handlerReturnedNil = true
		}
	}()
	if runErr != nil {
		// The handler was interrupted, not failed: surface the error so the
		// activity attempt fails and the next delivery resumes the job.
		return res, runErr
	}

	updated, err := a.loadJob(ctx, parsedJobID)
	if err != nil {
		return res, err
	}
	if updated == nil {
		return res, fmt.Errorf("jobrun: job %s not found after tick", parsedJobID)
	}

	// Safety net: a handler that returns nil without reaching a terminal
	// status would otherwise leave the row running forever. Mop it up to
	// succeeded, preserving any result the handler already recorded.
	if handlerReturnedNil && updated.Status == types.JobStatusRunning {
		if a.Log != nil {
			a.Log.Warn("Job handler returned nil without terminal status; marking succeeded",
				"job_id", parsedJobID, "job_type", updated.JobType, "stage", updated.Stage)
		}
		var finalResult any
		if raw := strings.TrimSpace(string(updated.Result)); raw != "" && raw != "null" {
			finalResult = json.RawMessage(updated.Result)
		}
		mop := jobrt.NewContext(ctx, a.DB, updated, a.Jobs, a.Notify)
		mop.Succeed(finalResult)
		if r2, rerr := a.loadJob(ctx, parsedJobID); rerr == nil && r2 != nil {
			updated = r2
		}
	}

	a.fill(&res, updated)
	a.observe(updated.JobType, string(updated.Status), start)
	return res, nil
}

func (a *Activities) fill(res *TickResult, job *types.GenerationJob) {
	if res == nil || job == nil {
		return
	}
	res.Status = string(job.Status)
	res.Stage = string(job.Stage)
	res.Progress = job.Progress
	res.Message = job.Message
	res.WaitUntil = extractWaitUntil(job.Result)
}

func (a *Activities) observe(jobType, status string, start time.Time) {
	observability.Current().ObserveActivity(ActivityTick, jobType, status, time.Since(start))
}

func (a *Activities) loadJob(ctx context.Context, jobID uuid.UUID) (*types.GenerationJob, error) {
	job, err := a.Jobs.GetByID(dbctx.Context{Ctx: ctx, Tx: a.DB}, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// failProject mirrors a forced job failure onto the project row so the UI does
// not show "generating" forever. The pipeline's own failure hook never runs
// for jobs that died outside a handler.
func (a *Activities) failProject(ctx context.Context, projectID uuid.UUID) {
	if a == nil || a.Projects == nil || projectID == uuid.Nil {
		return
	}
	if err := a.Projects.SetStatus(dbctx.Context{Ctx: ctx, Tx: a.DB}, projectID, types.ProjectStatusFailed); err != nil && a.Log != nil {
		a.Log.Warn("Failed to mark project failed", "project_id", projectID, "error", err)
	}
}

// startHeartbeat keeps both liveness signals fresh while a handler runs: the
// Temporal activity heartbeat every 10s and the job row's heartbeat_at every
// 30s. The returned stop func must be called before the activity returns.
func (a *Activities) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		temporalHB := time.NewTicker(10 * time.Second)
		defer temporalHB.Stop()

		dbHB := time.NewTicker(30 * time.Second)
		defer dbHB.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-temporalHB.C:
				activity.RecordHeartbeat(ctx)
			case <-dbHB.C:
				if a == nil || a.DB == nil || a.Jobs == nil || jobID == uuid.Nil {
					continue
				}
				_ = a.Jobs.Heartbeat(dbctx.Context{Ctx: ctx, Tx: a.DB}, jobID)
			}
		}
	}()
	return func() { close(done) }
}

func stuckAfterFromEnv() time.Duration {
	v := strings.TrimSpace(os.Getenv("GENERATION_STUCK_AFTER"))
	if v == "" {
		return defaultStuckAfter
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultStuckAfter
	}
	return d
}

// staleHeartbeat reports whether a running job has gone silent for longer than
// the stuck threshold. LockedAt stands in when no heartbeat was ever written;
// a row with neither timestamp is left for the claim path to sort out.
func staleHeartbeat(job *types.GenerationJob, now time.Time, stuckAfter time.Duration) bool {
	if job == nil || stuckAfter <= 0 {
		return false
	}
	last := job.HeartbeatAt
	if last == nil {
		last = job.LockedAt
	}
	if last == nil {
		return false
	}
	return now.Sub(*last) > stuckAfter
}

func extractWaitUntil(raw []byte) *time.Time {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	v, ok := obj["wait_until"]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return nil
		}
	}
	return &ts
}
