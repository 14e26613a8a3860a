package services

// In-memory repo and client fakes shared by the service tests in this
// package. They hold plain maps behind a mutex and return
// gorm.ErrRecordNotFound where the real repos would, so faults.MapError
// behaves identically.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/gcs"
	"github.com/apiforge/apiforge-backend/internal/platform/sandbox"
)

// -------------------- projects --------------------

type fakeProjectRepo struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*types.Project
	updates  []map[string]interface{}
}

func newFakeProjectRepo(seed ...*types.Project) *fakeProjectRepo {
	f := &fakeProjectRepo{projects: map[uuid.UUID]*types.Project{}}
	for _, p := range seed {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		f.projects[p.ID] = p
	}
	return f
}

func (f *fakeProjectRepo) Create(dbc dbctx.Context, project *types.Project) (*types.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	if project.Status == "" {
		project.Status = types.ProjectStatusDraft
	}
	f.projects[project.ID] = project
	return project, nil
}

func (f *fakeProjectRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.projects[id]; ok {
		return p, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeProjectRepo) GetByIDForOwner(dbc dbctx.Context, id, ownerUserID uuid.UUID) (*types.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok || p.OwnerUserID != ownerUserID {
		return nil, gorm.ErrRecordNotFound
	}
	return p, nil
}

func (f *fakeProjectRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error) {
	return f.GetByID(dbc, id)
}

func (f *fakeProjectRepo) ListByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) ([]*types.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Project
	for _, p := range f.projects {
		if p.OwnerUserID == ownerUserID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProjectRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	f.updates = append(f.updates, updates)
	return nil
}

func (f *fakeProjectRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status types.ProjectStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.Status = status
	return nil
}

func (f *fakeProjectRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.projects, id)
	return nil
}

// -------------------- project files --------------------

type fakeFileRepo struct {
	mu    sync.Mutex
	trees map[uuid.UUID]map[string]string
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{trees: map[uuid.UUID]map[string]string{}}
}

func (f *fakeFileRepo) setTree(projectID uuid.UUID, files map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree := map[string]string{}
	for p, c := range files {
		tree[p] = c
	}
	f.trees[projectID] = tree
}

func (f *fakeFileRepo) ReplaceAll(dbc dbctx.Context, projectID uuid.UUID, files map[string]string) error {
	f.setTree(projectID, files)
	return nil
}

func (f *fakeFileRepo) Upsert(dbc dbctx.Context, projectID uuid.UUID, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trees[projectID] == nil {
		f.trees[projectID] = map[string]string{}
	}
	f.trees[projectID][path] = content
	return nil
}

func (f *fakeFileRepo) DeleteByPath(dbc dbctx.Context, projectID uuid.UUID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trees[projectID], path)
	return nil
}

func (f *fakeFileRepo) GetByPath(dbc dbctx.Context, projectID uuid.UUID, path string) (*types.ProjectFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.trees[projectID][path]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &types.ProjectFile{ProjectID: projectID, Path: path, Content: content}, nil
}

func (f *fakeFileRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.ProjectFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.trees[projectID]))
	for p := range f.trees[projectID] {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]*types.ProjectFile, 0, len(paths))
	for _, p := range paths {
		out = append(out, &types.ProjectFile{ProjectID: projectID, Path: p, Content: f.trees[projectID][p]})
	}
	return out, nil
}

func (f *fakeFileRepo) SnapshotMap(dbc dbctx.Context, projectID uuid.UUID) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for p, c := range f.trees[projectID] {
		out[p] = c
	}
	return out, nil
}

func (f *fakeFileRepo) CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.trees[projectID])), nil
}

// -------------------- versions --------------------

type fakeVersionRepo struct {
	mu       sync.Mutex
	versions map[uuid.UUID][]*types.Version
}

func newFakeVersionRepo() *fakeVersionRepo {
	return &fakeVersionRepo{versions: map[uuid.UUID][]*types.Version{}}
}

func (f *fakeVersionRepo) Create(dbc dbctx.Context, version *types.Version) (*types.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if version.ID == uuid.Nil {
		version.ID = uuid.New()
	}
	f.versions[version.ProjectID] = append(f.versions[version.ProjectID], version)
	return version, nil
}

func (f *fakeVersionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.versions {
		for _, v := range list {
			if v.ID == id {
				return v, nil
			}
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeVersionRepo) GetByProjectAndNumber(dbc dbctx.Context, projectID uuid.UUID, number int) (*types.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions[projectID] {
		if v.VersionNumber == number {
			return v, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeVersionRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[projectID], nil
}

func (f *fakeVersionRepo) MaxNumber(dbc dbctx.Context, projectID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, v := range f.versions[projectID] {
		if v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max, nil
}

func (f *fakeVersionRepo) LatestCompleted(dbc dbctx.Context, projectID uuid.UUID) (*types.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *types.Version
	for _, v := range f.versions[projectID] {
		if v.Status != types.VersionStatusCompleted {
			continue
		}
		if latest == nil || v.VersionNumber > latest.VersionNumber {
			latest = v
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return latest, nil
}

func (f *fakeVersionRepo) PreviousOf(dbc dbctx.Context, projectID uuid.UUID, number int) (*types.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var prev *types.Version
	for _, v := range f.versions[projectID] {
		if v.Status != types.VersionStatusCompleted || v.VersionNumber >= number {
			continue
		}
		if prev == nil || v.VersionNumber > prev.VersionNumber {
			prev = v
		}
	}
	return prev, nil
}

func (f *fakeVersionRepo) CountByProject(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.versions[projectID])), nil
}

// -------------------- sandboxes --------------------

type fakeSandboxRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.Sandbox
}

func newFakeSandboxRepo() *fakeSandboxRepo {
	return &fakeSandboxRepo{rows: map[uuid.UUID]*types.Sandbox{}}
}

func (f *fakeSandboxRepo) Upsert(dbc dbctx.Context, sb *types.Sandbox) (*types.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ProjectID == sb.ProjectID {
			row.Status = sb.Status
			row.ProviderID = sb.ProviderID
			row.URL = sb.URL
			return row, nil
		}
	}
	if sb.ID == uuid.Nil {
		sb.ID = uuid.New()
	}
	f.rows[sb.ID] = sb
	return sb, nil
}

func (f *fakeSandboxRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[id]; ok {
		return row, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeSandboxRepo) GetByProject(dbc dbctx.Context, projectID uuid.UUID) (*types.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ProjectID == projectID {
			return row, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeSandboxRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if v, ok := updates["status"].(types.SandboxStatus); ok {
		row.Status = v
	}
	if v, ok := updates["alive"].(bool); ok {
		row.Alive = v
	}
	if v, ok := updates["provider_id"].(string); ok {
		row.ProviderID = v
	}
	if v, ok := updates["url"].(string); ok {
		row.URL = v
	}
	if v, ok := updates["restore_attempts"].(int); ok {
		row.RestoreAttempts = v
	}
	if v, ok := updates["last_error"].(string); ok {
		row.LastError = v
	}
	if v, ok := updates["last_probe_at"].(time.Time); ok {
		row.LastProbeAt = &v
	}
	if v, ok := updates["last_keepalive_at"].(time.Time); ok {
		row.LastKeepaliveAt = &v
	}
	return nil
}

func (f *fakeSandboxRepo) Touch(dbc dbctx.Context, id uuid.UUID, probedAlive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now().UTC()
	row.LastKeepaliveAt = &now
	if probedAlive {
		row.LastProbeAt = &now
		row.Alive = true
	}
	return nil
}

func (f *fakeSandboxRepo) DeleteByProject(dbc dbctx.Context, projectID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, row := range f.rows {
		if row.ProjectID == projectID {
			delete(f.rows, id)
		}
	}
	return nil
}

func (f *fakeSandboxRepo) ListIdle(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Sandbox
	for _, row := range f.rows {
		if row.Alive && row.LastKeepaliveAt != nil && row.LastKeepaliveAt.Before(cutoff) {
			out = append(out, row)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// -------------------- sandbox provider client --------------------

type fakeSandboxClient struct {
	mu sync.Mutex

	alive     bool
	probeErr  error
	createErr []error // popped per Create call before succeeding

	attempts  int
	created   []map[string]string
	createdOp []sandbox.CreateOptions
	writes    []map[string]string
	execs     []string
	destroyed []string

	execExit int
	nextID   int

	createGate chan struct{} // when set, Create blocks until the gate closes
}

func newFakeSandboxClient() *fakeSandboxClient {
	return &fakeSandboxClient{alive: true}
}

func (f *fakeSandboxClient) Create(ctx context.Context, files map[string]string, opts sandbox.CreateOptions) (sandbox.Instance, error) {
	f.mu.Lock()
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return sandbox.Instance{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if len(f.createErr) > 0 {
		err := f.createErr[0]
		f.createErr = f.createErr[1:]
		return sandbox.Instance{}, err
	}
	snap := map[string]string{}
	for p, c := range files {
		snap[p] = c
	}
	f.created = append(f.created, snap)
	f.createdOp = append(f.createdOp, opts)
	f.nextID++
	return sandbox.Instance{
		ID:  fmt.Sprintf("sbx-%d", f.nextID),
		URL: fmt.Sprintf("https://preview.example.test/%d", f.nextID),
	}, nil
}

func (f *fakeSandboxClient) Exec(ctx context.Context, id string, command string) (sandbox.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, command)
	return sandbox.ExecResult{ExitCode: f.execExit}, nil
}

func (f *fakeSandboxClient) Probe(ctx context.Context, id string) (sandbox.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return sandbox.ProbeResult{}, f.probeErr
	}
	return sandbox.ProbeResult{Alive: f.alive, LastSeen: time.Now()}, nil
}

func (f *fakeSandboxClient) WriteFiles(ctx context.Context, id string, files map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := map[string]string{}
	for p, c := range files {
		snap[p] = c
	}
	f.writes = append(f.writes, snap)
	return nil
}

func (f *fakeSandboxClient) Destroy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeSandboxClient) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// -------------------- notifier capture --------------------

type captureSandboxNotifier struct {
	mu       sync.Mutex
	restored []uuid.UUID
	stale    []uuid.UUID
}

func (c *captureSandboxNotifier) SandboxRestored(userID, projectID uuid.UUID, sb *types.Sandbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restored = append(c.restored, projectID)
}

func (c *captureSandboxNotifier) SandboxStale(userID, projectID uuid.UUID, sb *types.Sandbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = append(c.stale, projectID)
}

// -------------------- archive store --------------------

type fakeArchiveStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	baseURL string
}

func newFakeArchiveStore() *fakeArchiveStore {
	return &fakeArchiveStore{objects: map[string][]byte{}, baseURL: "https://storage.example.test/"}
}

func (f *fakeArchiveStore) UploadFile(ctx context.Context, key string, file io.Reader) error {
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeArchiveStore) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeArchiveStore) DeleteFile(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeArchiveStore) GetObjectAttrs(ctx context.Context, key string) (*gcs.ObjectAttrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &gcs.ObjectAttrs{Size: int64(len(data))}, nil
}

func (f *fakeArchiveStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeArchiveStore) DeletePrefix(ctx context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			delete(f.objects, k)
			f.deleted = append(f.deleted, k)
		}
	}
	return nil
}

func (f *fakeArchiveStore) GetPublicURL(key string) string {
	return f.baseURL + key
}
