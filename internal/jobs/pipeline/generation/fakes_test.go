package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	jobrt "github.com/apiforge/apiforge-backend/internal/jobs/runtime"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/ai"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
	"github.com/apiforge/apiforge-backend/internal/services"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

// -------------------- provider fake --------------------

type httpStatusErr struct{ code int }

func (e *httpStatusErr) Error() string       { return fmt.Sprintf("provider status %d", e.code) }
func (e *httpStatusErr) HTTPStatusCode() int { return e.code }

// fakeAI scripts the three provider calls. GenerateJSON serves jsonDocs in
// call order (the last doc repeats); StreamProject fails the first
// streamFailures calls with streamErr, then plays streamScript.
type fakeAI struct {
	mu sync.Mutex

	jsonDocs  []string
	jsonErr   error
	jsonCalls int

	textReply string
	textErr   error
	textCalls int

	streamScript   []ai.FileEvent
	streamErr      error
	streamFailures int
	streamCalls    int
}

func (f *fakeAI) GenerateJSON(ctx context.Context, system, user string, out any) error {
	f.mu.Lock()
	f.jsonCalls++
	n := f.jsonCalls
	f.mu.Unlock()
	if f.jsonErr != nil {
		return f.jsonErr
	}
	if len(f.jsonDocs) == 0 {
		return fmt.Errorf("fakeAI: no json docs scripted")
	}
	idx := n - 1
	if idx >= len(f.jsonDocs) {
		idx = len(f.jsonDocs) - 1
	}
	return json.Unmarshal([]byte(f.jsonDocs[idx]), out)
}

func (f *fakeAI) GenerateText(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	f.textCalls++
	f.mu.Unlock()
	return f.textReply, f.textErr
}

func (f *fakeAI) StreamProject(ctx context.Context, req ai.StreamRequest, onEvent func(ai.FileEvent)) error {
	f.mu.Lock()
	f.streamCalls++
	n := f.streamCalls
	f.mu.Unlock()
	if n <= f.streamFailures {
		return f.streamErr
	}
	for _, ev := range f.streamScript {
		onEvent(ev)
	}
	return nil
}

// -------------------- repo fakes --------------------

type fakeProjects struct {
	mu       sync.Mutex
	project  *types.Project
	statuses []types.ProjectStatus
}

func (f *fakeProjects) Create(dbc dbctx.Context, p *types.Project) (*types.Project, error) {
	return p, nil
}

func (f *fakeProjects) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.project == nil || f.project.ID != id {
		return nil, gorm.ErrRecordNotFound
	}
	return f.project, nil
}

func (f *fakeProjects) GetByIDForOwner(dbc dbctx.Context, id, ownerUserID uuid.UUID) (*types.Project, error) {
	return f.GetByID(dbc, id)
}

func (f *fakeProjects) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error) {
	return f.GetByID(dbc, id)
}

func (f *fakeProjects) ListByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) ([]*types.Project, error) {
	return nil, nil
}

func (f *fakeProjects) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (f *fakeProjects) SetStatus(dbc dbctx.Context, id uuid.UUID, status types.ProjectStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	if f.project != nil && f.project.ID == id {
		f.project.Status = status
	}
	return nil
}

func (f *fakeProjects) Delete(dbc dbctx.Context, id uuid.UUID) error { return nil }

func (f *fakeProjects) lastStatus() types.ProjectStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

type fakeMessages struct {
	mu   sync.Mutex
	msgs []*types.ProjectMessage
}

func (f *fakeMessages) Create(dbc dbctx.Context, m *types.ProjectMessage) (*types.ProjectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	f.msgs = append(f.msgs, m)
	return m, nil
}

func (f *fakeMessages) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ProjectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeMessages) ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.ProjectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ProjectMessage
	for _, m := range f.msgs {
		if m.ProjectID == projectID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -------------------- service fakes --------------------

type fakeFiles struct {
	mu           sync.Mutex
	trees        map[uuid.UUID]map[string]string
	replaceCalls int
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{trees: map[uuid.UUID]map[string]string{}}
}

func (f *fakeFiles) ReplaceAll(dbc dbctx.Context, projectID uuid.UUID, files map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]string, len(files))
	for k, v := range files {
		cp[k] = v
	}
	f.trees[projectID] = cp
	f.replaceCalls++
	return nil
}

func (f *fakeFiles) WriteOne(dbc dbctx.Context, projectID uuid.UUID, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trees[projectID] == nil {
		f.trees[projectID] = map[string]string{}
	}
	f.trees[projectID][path] = content
	return nil
}

func (f *fakeFiles) DeleteOne(dbc dbctx.Context, projectID uuid.UUID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trees[projectID], path)
	return nil
}

func (f *fakeFiles) Snapshot(dbc dbctx.Context, projectID uuid.UUID) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.trees[projectID]))
	for k, v := range f.trees[projectID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeFiles) List(dbc dbctx.Context, projectID uuid.UUID) ([]*types.ProjectFile, error) {
	return nil, nil
}

func (f *fakeFiles) Get(dbc dbctx.Context, projectID uuid.UUID, path string) (*types.ProjectFile, error) {
	return nil, gorm.ErrRecordNotFound
}

type fakeVersions struct {
	mu          sync.Mutex
	versions    []*types.Version
	appendCalls int
}

func (f *fakeVersions) Append(dbc dbctx.Context, projectID uuid.UUID, files map[string]string, meta services.AppendMeta) (*types.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	encoded, err := types.EncodeFileMap(files)
	if err != nil {
		return nil, err
	}
	v := &types.Version{
		ID:            uuid.New(),
		ProjectID:     projectID,
		JobID:         meta.JobID,
		VersionNumber: len(f.versions) + 1,
		Name:          meta.Name,
		Description:   meta.Description,
		CommandType:   meta.CommandType,
		Files:         encoded,
		Status:        types.VersionStatusCompleted,
	}
	f.versions = append(f.versions, v)
	return v, nil
}

func (f *fakeVersions) List(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Version
	for _, v := range f.versions {
		if v.ProjectID == projectID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeVersions) GetWithDiff(dbc dbctx.Context, projectID uuid.UUID, number int) (*services.VersionWithDiff, error) {
	return nil, faults.ErrNotFound
}

func (f *fakeVersions) LatestCompleted(dbc dbctx.Context, projectID uuid.UUID) (*types.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *types.Version
	for _, v := range f.versions {
		if v.ProjectID == projectID && v.Status == types.VersionStatusCompleted {
			if latest == nil || v.VersionNumber > latest.VersionNumber {
				latest = v
			}
		}
	}
	if latest == nil {
		return nil, faults.ErrNotFound
	}
	return latest, nil
}

type fakeMods struct {
	mu       sync.Mutex
	proposed []*types.CodeModification
	staled   [][]string
}

func (f *fakeMods) Propose(dbc dbctx.Context, mods []*types.CodeModification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range mods {
		if m.Status == "" {
			m.Status = types.ModificationPending
		}
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		f.proposed = append(f.proposed, m)
	}
	return nil
}

func (f *fakeMods) Apply(ctx context.Context, userID, id uuid.UUID) (*types.CodeModification, error) {
	return nil, faults.ErrNotFound
}

func (f *fakeMods) Reject(ctx context.Context, userID, id uuid.UUID) (*types.CodeModification, error) {
	return nil, faults.ErrNotFound
}

func (f *fakeMods) ApplyMultiple(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) []services.ApplyResult {
	return nil
}

func (f *fakeMods) ListForProject(dbc dbctx.Context, projectID uuid.UUID, statuses []types.ModificationStatus, limit int) ([]*types.CodeModification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.CodeModification
	for _, m := range f.proposed {
		if m.ProjectID != projectID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if m.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMods) MarkStaleForPaths(dbc dbctx.Context, projectID uuid.UUID, paths []string, excludeIDs []uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staled = append(f.staled, append([]string(nil), paths...))
	return int64(len(paths)), nil
}

type fakeSandbox struct {
	mu         sync.Mutex
	refreshes  []map[string]string
	refreshErr error
}

func (f *fakeSandbox) EnsureAlive(ctx context.Context, userID, projectID uuid.UUID) (*services.SandboxInfo, error) {
	return nil, faults.ErrNotFound
}

func (f *fakeSandbox) ManualRestart(ctx context.Context, userID, projectID uuid.UUID) (*services.SandboxInfo, error) {
	return nil, faults.ErrNotFound
}

func (f *fakeSandbox) Refresh(ctx context.Context, projectID uuid.UUID, files map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return f.refreshErr
	}
	cp := make(map[string]string, len(files))
	for k, v := range files {
		cp[k] = v
	}
	f.refreshes = append(f.refreshes, cp)
	return nil
}

func (f *fakeSandbox) Get(dbc dbctx.Context, userID, projectID uuid.UUID) (*types.Sandbox, error) {
	return nil, faults.ErrNotFound
}

// -------------------- job plumbing fakes --------------------

type fakeJobRepo struct {
	mu  sync.Mutex
	job *types.GenerationJob
}

func (f *fakeJobRepo) Create(dbc dbctx.Context, job *types.GenerationJob) (*types.GenerationJob, error) {
	return job, nil
}

func (f *fakeJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationJob, error) {
	return f.job, nil
}

func (f *fakeJobRepo) GetByIDForOwner(dbc dbctx.Context, id, ownerUserID uuid.UUID) (*types.GenerationJob, error) {
	return f.job, nil
}

func (f *fakeJobRepo) GetLatestByProject(dbc dbctx.Context, projectID uuid.UUID) (*types.GenerationJob, error) {
	return f.job, nil
}

func (f *fakeJobRepo) ExistsInFlight(dbc dbctx.Context, projectID uuid.UUID) (bool, error) {
	return false, nil
}

func (f *fakeJobRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.GenerationJob, error) {
	return nil, nil
}

func (f *fakeJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apply(updates)
	return nil
}

func (f *fakeJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}, unless []types.JobStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range unless {
		if f.job.Status == s {
			return false, nil
		}
	}
	f.apply(updates)
	return true, nil
}

func (f *fakeJobRepo) MarkRunning(dbc dbctx.Context, id uuid.UUID) (bool, error) { return true, nil }

func (f *fakeJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error { return nil }

func (f *fakeJobRepo) ListStuck(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.GenerationJob, error) {
	return nil, nil
}

func (f *fakeJobRepo) apply(updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "status":
			f.job.Status = v.(types.JobStatus)
		case "stage":
			f.job.Stage = v.(types.Stage)
		case "progress":
			f.job.Progress = v.(int)
		case "message":
			f.job.Message = v.(string)
		case "error":
			f.job.Error = v.(string)
		case "result":
			f.job.Result = v.(datatypes.JSON)
		case "heartbeat_at":
			ts := v.(time.Time)
			f.job.HeartbeatAt = &ts
		case "finished_at":
			ts := v.(time.Time)
			f.job.FinishedAt = &ts
		case "last_error_at":
			ts := v.(time.Time)
			f.job.LastErrorAt = &ts
		case "locked_at":
			if v == nil {
				f.job.LockedAt = nil
			}
		}
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) record(e string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeNotifier) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) JobCreated(userID uuid.UUID, job *types.GenerationJob) { f.record("created") }

func (f *fakeNotifier) JobProgress(userID uuid.UUID, job *types.GenerationJob, stage types.Stage, progress int, message string) {
	f.record(fmt.Sprintf("progress:%s:%d", stage, progress))
}

func (f *fakeNotifier) FileProgress(userID uuid.UUID, job *types.GenerationJob, filename string, status types.FileStreamStatus, relevance float64) {
	f.record(fmt.Sprintf("file:%s:%s", filename, status))
}

func (f *fakeNotifier) JobFailed(userID uuid.UUID, job *types.GenerationJob, stage types.Stage, errorMessage string) {
	f.record("failed")
}

func (f *fakeNotifier) JobDone(userID uuid.UUID, job *types.GenerationJob) { f.record("done") }

// -------------------- fixture --------------------

type pipelineFixture struct {
	p        *Pipeline
	ai       *fakeAI
	projects *fakeProjects
	messages *fakeMessages
	files    *fakeFiles
	versions *fakeVersions
	mods     *fakeMods
	sandbox  *fakeSandbox
	project  *types.Project
}

// newPipelineFixture wires the pipeline onto in-memory fakes. The db handle
// is nil, so tests built on it must never reach the finalize transaction;
// they pre-seed the finalize marker or fail earlier by design.
func newPipelineFixture(t *testing.T, fw types.Framework) *pipelineFixture {
	t.Helper()
	project := &types.Project{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		Name:        "demo",
		Framework:   fw,
		Status:      types.ProjectStatusGenerating,
	}
	f := &pipelineFixture{
		ai:       &fakeAI{},
		projects: &fakeProjects{project: project},
		messages: &fakeMessages{},
		files:    newFakeFiles(),
		versions: &fakeVersions{},
		mods:     &fakeMods{},
		sandbox:  &fakeSandbox{},
		project:  project,
	}
	f.p = New(nil, testLogger(t), f.ai, f.projects, f.messages, f.files, f.versions, f.mods, f.sandbox, nil)
	return f
}

func (f *pipelineFixture) newJob(prompt string) *types.GenerationJob {
	return &types.GenerationJob{
		ID:          uuid.New(),
		ProjectID:   f.project.ID,
		OwnerUserID: f.project.OwnerUserID,
		JobType:     types.JobTypeProjectGeneration,
		Prompt:      prompt,
		Status:      types.JobStatusRunning,
		Stage:       types.StageIdle,
		Result:      datatypes.JSON("{}"),
	}
}

func (f *pipelineFixture) newContext(job *types.GenerationJob) (*jobrt.Context, *fakeNotifier) {
	notify := &fakeNotifier{}
	jc := jobrt.NewContext(context.Background(), nil, job, &fakeJobRepo{job: job}, notify)
	return jc, notify
}

// markFinalized plants the committed-finalize marker: the assistant reply
// this job would have written. finalizeDone then skips the stage, which keeps
// nil-db fixtures away from the real transaction.
func (f *pipelineFixture) markFinalized(job *types.GenerationJob) {
	f.messages.msgs = append(f.messages.msgs, &types.ProjectMessage{
		ID:        uuid.New(),
		ProjectID: job.ProjectID,
		UserID:    job.OwnerUserID,
		Role:      types.MessageRoleAssistant,
		Content:   "done",
		JobID:     &job.ID,
	})
}
