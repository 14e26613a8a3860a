package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/backoff"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/sandbox"
)

type sandboxHarness struct {
	svc      SandboxService
	projects *fakeProjectRepo
	files    *fakeFileRepo
	versions *fakeVersionRepo
	repo     *fakeSandboxRepo
	client   *fakeSandboxClient
	notify   *captureSandboxNotifier
	owner    uuid.UUID
	project  *types.Project
}

func newSandboxHarness(t *testing.T) *sandboxHarness {
	t.Helper()
	owner := uuid.New()
	project := &types.Project{
		ID:          uuid.New(),
		OwnerUserID: owner,
		Name:        "orders-api",
		Framework:   types.FrameworkExpress,
		Status:      types.ProjectStatusCompleted,
	}
	h := &sandboxHarness{
		projects: newFakeProjectRepo(project),
		files:    newFakeFileRepo(),
		versions: newFakeVersionRepo(),
		repo:     newFakeSandboxRepo(),
		client:   newFakeSandboxClient(),
		notify:   &captureSandboxNotifier{},
		owner:    owner,
		project:  project,
	}
	h.svc = NewSandboxService(nil, testLogger(t), h.repo, h.projects, h.files, h.versions,
		h.client, h.notify, backoff.Policy{MaxAttempts: 3, Min: time.Millisecond, Max: 2 * time.Millisecond}, 2)
	return h
}

func (h *sandboxHarness) seedRow(t *testing.T, status types.SandboxStatus, providerID string) *types.Sandbox {
	t.Helper()
	row, err := h.repo.Upsert(dbctx.Context{Ctx: context.Background()}, &types.Sandbox{
		ProjectID:  h.project.ID,
		ProviderID: providerID,
		URL:        "https://preview.example.test/old",
		Status:     status,
		Alive:      status == types.SandboxStatusAlive,
	})
	if err != nil {
		t.Fatalf("seed sandbox: %v", err)
	}
	return row
}

func TestEnsureAliveProvisionsWhenAbsent(t *testing.T) {
	h := newSandboxHarness(t)
	h.files.setTree(h.project.ID, map[string]string{
		"routes/users.js": "module.exports = {}",
	})

	info, err := h.svc.EnsureAlive(context.Background(), h.owner, h.project.ID)
	if err != nil {
		t.Fatalf("EnsureAlive: %v", err)
	}
	if info.Status != types.SandboxStatusAlive || info.URL == "" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Restored {
		t.Fatalf("fresh provision reported as restore")
	}

	if got := h.client.createCalls(); got != 1 {
		t.Fatalf("create calls = %d, want 1", got)
	}
	created := h.client.created[0]
	for _, path := range []string{"index.js", "package.json", "routes/users.js"} {
		if _, ok := created[path]; !ok {
			t.Fatalf("created tree missing %s: %v", path, mapKeys(created))
		}
	}
	if h.client.createdOp[0].StartCommand != "node index.js" {
		t.Fatalf("start command = %q", h.client.createdOp[0].StartCommand)
	}

	row, err := h.repo.GetByProject(dbctx.Context{Ctx: context.Background()}, h.project.ID)
	if err != nil {
		t.Fatalf("sandbox row: %v", err)
	}
	if row.Status != types.SandboxStatusAlive || !row.Alive || row.ProviderID == "" {
		t.Fatalf("row not marked alive: %+v", row)
	}
}

func TestEnsureAliveTouchesLiveSandbox(t *testing.T) {
	h := newSandboxHarness(t)
	row := h.seedRow(t, types.SandboxStatusAlive, "sbx-live")
	h.client.alive = true

	info, err := h.svc.EnsureAlive(context.Background(), h.owner, h.project.ID)
	if err != nil {
		t.Fatalf("EnsureAlive: %v", err)
	}
	if info.Status != types.SandboxStatusAlive || info.Restored {
		t.Fatalf("unexpected info: %+v", info)
	}
	if got := h.client.createCalls(); got != 0 {
		t.Fatalf("create calls = %d, want 0", got)
	}
	if row.LastKeepaliveAt == nil {
		t.Fatalf("keepalive not touched")
	}
}

func TestEnsureAliveRestoresDeadSandbox(t *testing.T) {
	h := newSandboxHarness(t)
	h.seedRow(t, types.SandboxStatusAlive, "sbx-dead")
	h.client.alive = false
	// The live tree diverges from the last version; restore must use the
	// version snapshot.
	h.files.setTree(h.project.ID, map[string]string{"index.js": "live tree"})
	encoded, err := types.EncodeFileMap(map[string]string{"index.js": "from version"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := h.versions.Create(dbctx.Context{Ctx: context.Background()}, &types.Version{
		ProjectID:     h.project.ID,
		VersionNumber: 1,
		CommandType:   types.CommandCreate,
		Status:        types.VersionStatusCompleted,
		Files:         encoded,
	}); err != nil {
		t.Fatalf("seed version: %v", err)
	}

	info, err := h.svc.EnsureAlive(context.Background(), h.owner, h.project.ID)
	if err != nil {
		t.Fatalf("EnsureAlive: %v", err)
	}
	if !info.Restored || info.Status != types.SandboxStatusAlive {
		t.Fatalf("unexpected info: %+v", info)
	}
	if len(h.client.destroyed) != 1 || h.client.destroyed[0] != "sbx-dead" {
		t.Fatalf("dead instance not destroyed: %v", h.client.destroyed)
	}
	if got := h.client.created[0]["index.js"]; got != "from version" {
		t.Fatalf("restore used wrong source: %q", got)
	}
	if len(h.notify.stale) != 1 || len(h.notify.restored) != 1 {
		t.Fatalf("notifications: stale=%d restored=%d", len(h.notify.stale), len(h.notify.restored))
	}

	row, err := h.repo.GetByProject(dbctx.Context{Ctx: context.Background()}, h.project.ID)
	if err != nil {
		t.Fatalf("sandbox row: %v", err)
	}
	if row.RestoreAttempts != 1 {
		t.Fatalf("restore attempts = %d, want 1", row.RestoreAttempts)
	}
}

func TestEnsureAliveRestoreWithoutVersionUsesTree(t *testing.T) {
	h := newSandboxHarness(t)
	h.seedRow(t, types.SandboxStatusAlive, "sbx-dead")
	h.client.alive = false
	h.files.setTree(h.project.ID, map[string]string{"routes/orders.js": "live"})

	info, err := h.svc.EnsureAlive(context.Background(), h.owner, h.project.ID)
	if err != nil {
		t.Fatalf("EnsureAlive: %v", err)
	}
	if !info.Restored {
		t.Fatalf("expected restore path")
	}
	created := h.client.created[0]
	if _, ok := created["routes/orders.js"]; !ok {
		t.Fatalf("live tree not used: %v", mapKeys(created))
	}
	// Scaffold is merged underneath when rebuilding from the tree.
	if _, ok := created["package.json"]; !ok {
		t.Fatalf("scaffold missing from rebuild: %v", mapKeys(created))
	}
}

func TestEnsureAliveFailedSandboxNeedsManualRestart(t *testing.T) {
	h := newSandboxHarness(t)
	h.seedRow(t, types.SandboxStatusFailed, "sbx-broken")

	_, err := h.svc.EnsureAlive(context.Background(), h.owner, h.project.ID)
	if !errors.Is(err, faults.ErrSandboxRestore) {
		t.Fatalf("expected restore fault, got %v", err)
	}
	if got := h.client.createCalls(); got != 0 {
		t.Fatalf("create calls = %d, want 0", got)
	}

	// ManualRestart ignores the failed latch and rebuilds.
	info, err := h.svc.ManualRestart(context.Background(), h.owner, h.project.ID)
	if err != nil {
		t.Fatalf("ManualRestart: %v", err)
	}
	if !info.Restored || info.Status != types.SandboxStatusAlive {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestEnsureAliveReportsInFlightStates(t *testing.T) {
	h := newSandboxHarness(t)
	for _, status := range []types.SandboxStatus{types.SandboxStatusProvisioning, types.SandboxStatusRestoring} {
		t.Run(string(status), func(t *testing.T) {
			h.repo.DeleteByProject(dbctx.Context{Ctx: context.Background()}, h.project.ID)
			h.seedRow(t, status, "sbx-mid")

			info, err := h.svc.EnsureAlive(context.Background(), h.owner, h.project.ID)
			if err != nil {
				t.Fatalf("EnsureAlive: %v", err)
			}
			if info.Status != status {
				t.Fatalf("status = %s, want %s", info.Status, status)
			}
			if got := h.client.createCalls(); got != 0 {
				t.Fatalf("create calls = %d, want 0", got)
			}
		})
	}
}

func TestEnsureAliveOwnershipEnforced(t *testing.T) {
	h := newSandboxHarness(t)
	if _, err := h.svc.EnsureAlive(context.Background(), uuid.New(), h.project.ID); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProvisionRetriesRetryableProviderErrors(t *testing.T) {
	h := newSandboxHarness(t)
	h.client.createErr = []error{
		&sandbox.ProviderError{Status: 503, Body: "overloaded"},
		&sandbox.ProviderError{Status: 502, Body: "bad gateway"},
	}

	info, err := h.svc.EnsureAlive(context.Background(), h.owner, h.project.ID)
	if err != nil {
		t.Fatalf("EnsureAlive: %v", err)
	}
	if info.Status != types.SandboxStatusAlive {
		t.Fatalf("status = %s", info.Status)
	}
	if h.client.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", h.client.attempts)
	}
}

func TestProvisionStopsOnNonRetryableError(t *testing.T) {
	h := newSandboxHarness(t)
	h.client.createErr = []error{
		&sandbox.ProviderError{Status: 422, Body: "bad template"},
	}

	_, err := h.svc.EnsureAlive(context.Background(), h.owner, h.project.ID)
	if !errors.Is(err, faults.ErrSandboxProvision) {
		t.Fatalf("expected provision fault, got %v", err)
	}
	if h.client.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", h.client.attempts)
	}

	row, rerr := h.repo.GetByProject(dbctx.Context{Ctx: context.Background()}, h.project.ID)
	if rerr != nil {
		t.Fatalf("sandbox row: %v", rerr)
	}
	if row.Status != types.SandboxStatusFailed || row.LastError == "" {
		t.Fatalf("failure not recorded: %+v", row)
	}
}

func TestProvisionExhaustionMarksFailed(t *testing.T) {
	h := newSandboxHarness(t)
	h.client.createErr = []error{
		&sandbox.ProviderError{Status: 503, Body: "1"},
		&sandbox.ProviderError{Status: 503, Body: "2"},
		&sandbox.ProviderError{Status: 503, Body: "3"},
	}

	_, err := h.svc.EnsureAlive(context.Background(), h.owner, h.project.ID)
	if !errors.Is(err, faults.ErrSandboxProvision) {
		t.Fatalf("expected provision fault, got %v", err)
	}
	if h.client.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", h.client.attempts)
	}
	row, rerr := h.repo.GetByProject(dbctx.Context{Ctx: context.Background()}, h.project.ID)
	if rerr != nil {
		t.Fatalf("sandbox row: %v", rerr)
	}
	if row.Status != types.SandboxStatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
}

func TestEnsureAliveCollapsesConcurrentCalls(t *testing.T) {
	h := newSandboxHarness(t)
	gate := make(chan struct{})
	h.client.createGate = gate

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.EnsureAlive(context.Background(), h.owner, h.project.ID)
		}(i)
	}
	// Give the goroutines a moment to pile onto the singleflight key.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if h.client.attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (calls not collapsed)", h.client.attempts)
	}
}

func TestRefreshPushesFilesInChunksAndRestarts(t *testing.T) {
	h := newSandboxHarness(t)
	h.seedRow(t, types.SandboxStatusAlive, "sbx-live")
	h.client.alive = true

	files := map[string]string{}
	for i := 0; i < 40; i++ {
		files[fmt.Sprintf("src/file%02d.js", i)] = "content"
	}
	if err := h.svc.Refresh(context.Background(), h.project.ID, files); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	total := 0
	for _, chunk := range h.client.writes {
		if len(chunk) > 16 {
			t.Fatalf("chunk exceeds bound: %d", len(chunk))
		}
		total += len(chunk)
	}
	if total != 40 {
		t.Fatalf("pushed %d files, want 40", total)
	}
	if len(h.client.writes) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(h.client.writes))
	}
	if len(h.client.execs) != 1 || h.client.execs[0] != "node index.js" {
		t.Fatalf("app not restarted: %v", h.client.execs)
	}
}

func TestRefreshSkipsPushAfterRestore(t *testing.T) {
	h := newSandboxHarness(t)
	h.seedRow(t, types.SandboxStatusAlive, "sbx-dead")
	h.client.alive = false
	h.files.setTree(h.project.ID, map[string]string{"index.js": "tree"})

	if err := h.svc.Refresh(context.Background(), h.project.ID, map[string]string{"index.js": "incremental"}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := h.client.createCalls(); got != 1 {
		t.Fatalf("create calls = %d, want 1", got)
	}
	if len(h.client.writes) != 0 {
		t.Fatalf("incremental push after full-tree restore: %v", h.client.writes)
	}
	if len(h.client.execs) == 0 {
		t.Fatalf("app not restarted after restore")
	}
}

func TestGetRequiresOwnership(t *testing.T) {
	h := newSandboxHarness(t)
	h.seedRow(t, types.SandboxStatusAlive, "sbx-live")
	dbc := dbctx.Context{Ctx: context.Background()}

	if _, err := h.svc.Get(dbc, uuid.New(), h.project.ID); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	row, err := h.svc.Get(dbc, h.owner, h.project.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.ProviderID != "sbx-live" {
		t.Fatalf("wrong row: %+v", row)
	}
}

func TestChunkFileMap(t *testing.T) {
	if got := chunkFileMap(nil, 16); got != nil {
		t.Fatalf("nil map: %v", got)
	}
	files := map[string]string{}
	for i := 0; i < 33; i++ {
		files[fmt.Sprintf("f%d", i)] = "x"
	}
	chunks := chunkFileMap(files, 16)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	seen := map[string]bool{}
	for _, c := range chunks {
		for p := range c {
			if seen[p] {
				t.Fatalf("path %s duplicated across chunks", p)
			}
			seen[p] = true
		}
	}
	if len(seen) != 33 {
		t.Fatalf("paths lost: %d", len(seen))
	}
}

func mapKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
