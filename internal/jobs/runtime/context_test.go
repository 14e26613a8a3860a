package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/ctxutil"
)

type recordingRepo struct {
	mu      sync.Mutex
	job     *types.GenerationJob
	applied []map[string]interface{}
}

func (r *recordingRepo) Create(dbc dbctx.Context, job *types.GenerationJob) (*types.GenerationJob, error) {
	return job, nil
}

func (r *recordingRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationJob, error) {
	return r.job, nil
}

func (r *recordingRepo) GetByIDForOwner(dbc dbctx.Context, id, ownerUserID uuid.UUID) (*types.GenerationJob, error) {
	return r.job, nil
}

func (r *recordingRepo) GetLatestByProject(dbc dbctx.Context, projectID uuid.UUID) (*types.GenerationJob, error) {
	return r.job, nil
}

func (r *recordingRepo) ExistsInFlight(dbc dbctx.Context, projectID uuid.UUID) (bool, error) {
	return false, nil
}

func (r *recordingRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.GenerationJob, error) {
	return nil, nil
}

func (r *recordingRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, updates)
	return nil
}

func (r *recordingRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}, unless []types.JobStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range unless {
		if r.job.Status == s {
			return false, nil
		}
	}
	r.applied = append(r.applied, updates)
	if v, ok := updates["status"]; ok {
		r.job.Status = v.(types.JobStatus)
	}
	return true, nil
}

func (r *recordingRepo) MarkRunning(dbc dbctx.Context, id uuid.UUID) (bool, error) { return true, nil }

func (r *recordingRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error { return nil }

func (r *recordingRepo) ListStuck(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.GenerationJob, error) {
	return nil, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (c *captureNotifier) record(e string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureNotifier) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *captureNotifier) JobCreated(userID uuid.UUID, job *types.GenerationJob) { c.record("created") }

func (c *captureNotifier) JobProgress(userID uuid.UUID, job *types.GenerationJob, stage types.Stage, progress int, message string) {
	c.record(fmt.Sprintf("progress:%s:%d", stage, progress))
}

func (c *captureNotifier) FileProgress(userID uuid.UUID, job *types.GenerationJob, filename string, status types.FileStreamStatus, relevance float64) {
	c.record("file:" + filename)
}

func (c *captureNotifier) JobFailed(userID uuid.UUID, job *types.GenerationJob, stage types.Stage, errorMessage string) {
	c.record("failed:" + errorMessage)
}

func (c *captureNotifier) JobDone(userID uuid.UUID, job *types.GenerationJob) { c.record("done") }

func runningJob(payload map[string]any) *types.GenerationJob {
	job := &types.GenerationJob{
		ID:          uuid.New(),
		ProjectID:   uuid.New(),
		OwnerUserID: uuid.New(),
		JobType:     types.JobTypeProjectGeneration,
		Status:      types.JobStatusRunning,
		Stage:       types.StageIdle,
	}
	if payload != nil {
		b, _ := json.Marshal(payload)
		job.Payload = datatypes.JSON(b)
	}
	return job
}

func TestNewContextDecodesPayload(t *testing.T) {
	projectID := uuid.New()
	job := runningJob(map[string]any{
		"project_id": projectID.String(),
		"prompt":     "  build me a todo API  ",
		"trace_id":   "trace-123",
		"request_id": "req-456",
	})
	c := NewContext(context.Background(), nil, job, nil, nil)

	if got, ok := c.PayloadUUID("project_id"); !ok || got != projectID {
		t.Fatalf("PayloadUUID(project_id): got=%v ok=%v", got, ok)
	}
	if got := c.PayloadString("prompt"); got != "build me a todo API" {
		t.Fatalf("PayloadString(prompt): %q", got)
	}
	td := ctxutil.GetTraceData(c.Ctx)
	if td == nil || td.TraceID != "trace-123" || td.RequestID != "req-456" {
		t.Fatalf("trace data not rebound: %+v", td)
	}
}

func TestNewContextToleratesMalformedPayload(t *testing.T) {
	job := runningJob(nil)
	job.Payload = datatypes.JSON([]byte(`{"project_id": `))
	c := NewContext(context.Background(), nil, job, nil, nil)

	if c.Payload() == nil {
		t.Fatalf("Payload() must never return nil")
	}
	if _, ok := c.PayloadUUID("project_id"); ok {
		t.Fatalf("PayloadUUID on malformed payload: want ok=false")
	}
	if got := c.PayloadString("prompt"); got != "" {
		t.Fatalf("PayloadString on malformed payload: %q", got)
	}
	if td := ctxutil.GetTraceData(c.Ctx); td != nil {
		t.Fatalf("no trace data expected, got %+v", td)
	}
}

func TestPayloadUUIDRejectsGarbage(t *testing.T) {
	job := runningJob(map[string]any{"project_id": "not-a-uuid", "command_id": nil})
	c := NewContext(context.Background(), nil, job, nil, nil)

	if _, ok := c.PayloadUUID("project_id"); ok {
		t.Fatalf("garbage uuid accepted")
	}
	if _, ok := c.PayloadUUID("command_id"); ok {
		t.Fatalf("nil value accepted")
	}
	if _, ok := c.PayloadUUID("absent"); ok {
		t.Fatalf("absent key accepted")
	}
}

func TestProgressPersistsMirrorsAndNotifies(t *testing.T) {
	job := runningJob(nil)
	repo := &recordingRepo{job: job}
	notify := &captureNotifier{}
	c := NewContext(context.Background(), nil, job, repo, notify)

	c.Progress(types.StageGenerating, 40, "Generating files")

	if job.Stage != types.StageGenerating || job.Progress != 40 || job.Message != "Generating files" {
		t.Fatalf("mirror: stage=%s progress=%d message=%q", job.Stage, job.Progress, job.Message)
	}
	if job.Status != types.JobStatusRunning {
		t.Fatalf("Progress must not touch status: %s", job.Status)
	}
	if job.HeartbeatAt == nil {
		t.Fatalf("heartbeat not stamped")
	}
	if c.LastMessage != "Generating files" {
		t.Fatalf("LastMessage: %q", c.LastMessage)
	}
	if len(repo.applied) != 1 {
		t.Fatalf("persisted updates: %d", len(repo.applied))
	}
	if got := notify.all(); len(got) != 1 || got[0] != "progress:generating:40" {
		t.Fatalf("events: %v", got)
	}
}

func TestTerminalJobRejectsFurtherWrites(t *testing.T) {
	job := runningJob(nil)
	job.Status = types.JobStatusSucceeded
	job.Stage = types.StageComplete
	job.Progress = 100
	repo := &recordingRepo{job: job}
	notify := &captureNotifier{}
	c := NewContext(context.Background(), nil, job, repo, notify)

	c.Progress(types.StageGenerating, 40, "late tick")
	c.Fail(errors.New("late failure"))

	if job.Status != types.JobStatusSucceeded || job.Stage != types.StageComplete || job.Progress != 100 {
		t.Fatalf("terminal row mutated: status=%s stage=%s progress=%d", job.Status, job.Stage, job.Progress)
	}
	if len(repo.applied) != 0 {
		t.Fatalf("guarded writes leaked through: %v", repo.applied)
	}
	if got := notify.all(); len(got) != 0 {
		t.Fatalf("rejected writes must not notify: %v", got)
	}
}

func TestFailMarksTerminalAndNotifies(t *testing.T) {
	job := runningJob(nil)
	locked := time.Now()
	job.LockedAt = &locked
	repo := &recordingRepo{job: job}
	notify := &captureNotifier{}
	c := NewContext(context.Background(), nil, job, repo, notify)

	c.Fail(errors.New("provider exploded"))

	if job.Status != types.JobStatusFailed || job.Stage != types.StageError {
		t.Fatalf("status/stage: %s/%s", job.Status, job.Stage)
	}
	if job.Error != "provider exploded" {
		t.Fatalf("error: %q", job.Error)
	}
	if job.FinishedAt == nil || job.LastErrorAt == nil {
		t.Fatalf("terminal timestamps missing")
	}
	if job.LockedAt != nil {
		t.Fatalf("locked_at not cleared")
	}
	if got := notify.all(); len(got) != 1 || got[0] != "failed:provider exploded" {
		t.Fatalf("events: %v", got)
	}
}

func TestSucceedStoresResult(t *testing.T) {
	job := runningJob(nil)
	locked := time.Now()
	job.LockedAt = &locked
	repo := &recordingRepo{job: job}
	notify := &captureNotifier{}
	c := NewContext(context.Background(), nil, job, repo, notify)

	c.Succeed(map[string]any{"version_number": 3})

	if job.Status != types.JobStatusSucceeded || job.Stage != types.StageComplete || job.Progress != 100 {
		t.Fatalf("status/stage/progress: %s/%s/%d", job.Status, job.Stage, job.Progress)
	}
	var result map[string]any
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["version_number"] != float64(3) {
		t.Fatalf("result: %v", result)
	}
	if job.FinishedAt == nil || job.LockedAt != nil {
		t.Fatalf("finished_at=%v locked_at=%v", job.FinishedAt, job.LockedAt)
	}
	if got := notify.all(); len(got) != 1 || got[0] != "done" {
		t.Fatalf("events: %v", got)
	}
}

func TestSucceedAfterFailIsNoOp(t *testing.T) {
	job := runningJob(nil)
	repo := &recordingRepo{job: job}
	notify := &captureNotifier{}
	c := NewContext(context.Background(), nil, job, repo, notify)

	c.Fail(errors.New("boom"))
	c.Succeed(map[string]any{"version_number": 1})

	if job.Status != types.JobStatusFailed {
		t.Fatalf("first terminal outcome overwritten: %s", job.Status)
	}
	if got := notify.all(); len(got) != 1 || got[0] != "failed:boom" {
		t.Fatalf("events: %v", got)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubHandler{name: "project_generation"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(stubHandler{name: "project_generation"}); err == nil {
		t.Fatalf("duplicate register accepted")
	}
	if _, ok := r.Get("project_generation"); !ok {
		t.Fatalf("registered handler not found")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Fatalf("unknown handler found")
	}
}

type stubHandler struct{ name string }

func (s stubHandler) Type() string           { return s.name }
func (s stubHandler) Run(ctx *Context) error { return nil }
