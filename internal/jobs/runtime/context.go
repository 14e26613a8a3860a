package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/ctxutil"
	"github.com/apiforge/apiforge-backend/internal/services"
)

/*
The execution contract between the job system and all pipeline code.
runtime.Context is a capability-scoped execution handle for a single
generation job. It wraps:
  - the DB handle pipelines run their transactions against,
  - the mutable generation_job row,
  - the notification side-channel,
  - and the only sanctioned ways to report progress or terminate execution.

Pipelines never write generation_job directly. They go through this object,
so the terminal-status guard stays in one place: once a job is succeeded or
failed (including a force-fail by the stuck-job sweep), nothing here will
overwrite it.
*/
type Context struct {
	Ctx         context.Context
	DB          *gorm.DB
	Job         *types.GenerationJob
	Repo        repos.GenerationJobRepo
	Notify      services.JobNotifier
	LastMessage string
	payload     map[string]any
}

// terminalStatuses guards every write: a finished job row is immutable.
var terminalStatuses = []types.JobStatus{types.JobStatusSucceeded, types.JobStatusFailed}

/*
NewContext constructs a runtime.Context for a claimed job execution.
It eagerly decodes the job payload JSON so handlers can access inputs via
Payload()/PayloadUUID(). Payload decode failure is non-fatal here; handlers
validate the fields they require.
*/
func NewContext(ctx context.Context, db *gorm.DB, job *types.GenerationJob, repo repos.GenerationJobRepo, notify services.JobNotifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	c.applyTraceData()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// applyTraceData rebinds the trace/request ids the enqueuer stamped into the
// payload, so pipeline logs correlate with the originating HTTP request.
func (c *Context) applyTraceData() {
	if c == nil || c.Ctx == nil {
		return
	}
	traceID := c.PayloadString("trace_id")
	reqID := c.PayloadString("request_id")
	if traceID == "" && reqID == "" {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, &ctxutil.TraceData{
		TraceID:   traceID,
		RequestID: reqID,
	})
}

/*
Payload returns the decoded payload map for this job execution.
Never returns nil; the map reflects Job.Payload, not Job.Result.
*/
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadUUID reads a payload field by key and parses it as a UUID.
// Returns (uuid.Nil, false) when missing, nil, or unparseable.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// PayloadString reads a payload field by key as a trimmed string.
func (c *Context) PayloadString(key string) string {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

/*
Update applies arbitrary field updates to the generation_job row, guarded so
terminal jobs are never overwritten. Intended for low-level state writes
(the stage engine snapshots its state into result through this); lifecycle
transitions go through Progress/Fail/Succeed.
*/
func (c *Context) Update(updates map[string]any) error {
	if c.Repo == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return nil
	}
	_, err := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, toIfaceMap(updates), terminalStatuses)
	return err
}

/*
Progress publishes a non-terminal status update for this job.
Persists stage/progress/message plus a heartbeat into generation_job, guarded
so finished jobs are not overwritten, mirrors the fields onto the in-memory
row, and emits a job.progress event.
*/
func (c *Context) Progress(stage types.Stage, pct int, msg string) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"message":      msg,
			"heartbeat_at": now,
		}, terminalStatuses)
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Stage = stage
		c.Job.Progress = pct
		c.Job.Message = msg
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
		// status stays whatever the claim wrote ("running")
	}
	c.LastMessage = msg

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobProgress(c.Job.OwnerUserID, c.Job, stage, pct, msg)
	}
}

/*
Fail marks this job as terminally failed.
Sets status=failed, stage=error, records the error text and timestamps, and
clears locked_at so the scheduler stops treating it as in-progress. If the
guarded update is rejected (job already terminal), no notification is sent.
*/
func (c *Context) Fail(err error) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, map[string]interface{}{
			"status":        types.JobStatusFailed,
			"stage":         types.StageError,
			"message":       "",
			"error":         msg,
			"last_error_at": now,
			"finished_at":   now,
			"locked_at":     nil,
		}, terminalStatuses)
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = types.JobStatusFailed
		c.Job.Stage = types.StageError
		c.Job.Message = ""
		c.Job.Error = msg
		c.Job.LastErrorAt = &now
		c.Job.FinishedAt = &now
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobFailed(c.Job.OwnerUserID, c.Job, types.StageError, msg)
	}
}

/*
Succeed marks this job as terminally succeeded and persists a result payload.
Sets status=succeeded, stage=complete, progress=100, clears error/message and
locked_at, serializes result into generation_job.result, and emits job.done.
Guarded the same way as Fail.
*/
func (c *Context) Succeed(result any) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Job.ID, map[string]interface{}{
			"status":       types.JobStatusSucceeded,
			"stage":        types.StageComplete,
			"progress":     100,
			"message":      "",
			"error":        "",
			"result":       res,
			"finished_at":  now,
			"locked_at":    nil,
			"heartbeat_at": now,
		}, terminalStatuses)
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = types.JobStatusSucceeded
		c.Job.Stage = types.StageComplete
		c.Job.Progress = 100
		c.Job.Message = ""
		c.Job.Error = ""
		c.Job.Result = res
		c.Job.FinishedAt = &now
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobDone(c.Job.OwnerUserID, c.Job)
	}
}

func toIfaceMap(in map[string]any) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
