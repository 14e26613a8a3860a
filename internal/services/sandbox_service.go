package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/backoff"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/pkg/httpx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
	"github.com/apiforge/apiforge-backend/internal/platform/sandbox"
	"github.com/apiforge/apiforge-backend/internal/scaffold"
)

// SandboxInfo is what callers get back from liveness operations.
type SandboxInfo struct {
	URL      string              `json:"url"`
	Status   types.SandboxStatus `json:"status"`
	Restored bool                `json:"restored"`
}

// SandboxService keeps per-project preview environments alive. The provider
// may reap an environment at any moment, so liveness is re-checked on every
// ensure and a dead environment is rebuilt from the latest completed version.
type SandboxService interface {
	// EnsureAlive is idempotent and collapses concurrent calls per project:
	// at most one provision or restore runs at a time.
	EnsureAlive(ctx context.Context, userID, projectID uuid.UUID) (*SandboxInfo, error)
	// ManualRestart forces the restore path regardless of current state.
	ManualRestart(ctx context.Context, userID, projectID uuid.UUID) (*SandboxInfo, error)
	// Refresh pushes files into the live environment and restarts the app
	// process. Callers treat failures as advisory.
	Refresh(ctx context.Context, projectID uuid.UUID, files map[string]string) error
	Get(dbc dbctx.Context, userID, projectID uuid.UUID) (*types.Sandbox, error)
}

type sandboxService struct {
	db          *gorm.DB
	log         *logger.Logger
	repo        repos.SandboxRepo
	projectRepo repos.ProjectRepo
	fileRepo    repos.ProjectFileRepo
	versionRepo repos.VersionRepo
	client      sandbox.Client
	notify      SandboxNotifier
	policy      backoff.Policy
	group       singleflight.Group
	pushWorkers int
}

func NewSandboxService(
	db *gorm.DB,
	baseLog *logger.Logger,
	repo repos.SandboxRepo,
	projectRepo repos.ProjectRepo,
	fileRepo repos.ProjectFileRepo,
	versionRepo repos.VersionRepo,
	client sandbox.Client,
	notify SandboxNotifier,
	policy backoff.Policy,
	pushWorkers int,
) SandboxService {
	if pushWorkers <= 0 {
		pushWorkers = 4
	}
	return &sandboxService{
		db:          db,
		log:         baseLog.With("service", "SandboxService"),
		repo:        repo,
		projectRepo: projectRepo,
		fileRepo:    fileRepo,
		versionRepo: versionRepo,
		client:      client,
		notify:      notify,
		policy:      policy,
		pushWorkers: pushWorkers,
	}
}

func (s *sandboxService) EnsureAlive(ctx context.Context, userID, projectID uuid.UUID) (*SandboxInfo, error) {
	project, err := s.ownedProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	return s.ensureGrouped(ctx, project, false)
}

func (s *sandboxService) ManualRestart(ctx context.Context, userID, projectID uuid.UUID) (*SandboxInfo, error) {
	project, err := s.ownedProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	return s.ensureGrouped(ctx, project, true)
}

func (s *sandboxService) Refresh(ctx context.Context, projectID uuid.UUID, files map[string]string) error {
	if projectID == uuid.Nil {
		return faults.ValidationError("missing project id")
	}
	project, err := s.projectRepo.GetByID(dbctx.Context{Ctx: ctx}, projectID)
	if err != nil {
		return faults.MapError("sandbox: load project", err)
	}
	info, err := s.ensureGrouped(ctx, project, false)
	if err != nil {
		return err
	}
	row, err := s.repo.GetByProject(dbctx.Context{Ctx: ctx}, projectID)
	if err != nil {
		return faults.MapError("sandbox: reload record", err)
	}

	// A freshly restored environment was already created with the full tree,
	// so only the incremental write remains for the common alive path.
	if !info.Restored && len(files) > 0 {
		if err := s.pushFiles(ctx, row.ProviderID, files); err != nil {
			return fmt.Errorf("sandbox: push files: %w", err)
		}
	}
	if err := s.restartApp(ctx, row.ProviderID, project.Framework); err != nil {
		s.log.Warn("app restart after refresh failed",
			"project_id", projectID, "provider_id", row.ProviderID, "error", err)
	}
	return nil
}

func (s *sandboxService) Get(dbc dbctx.Context, userID, projectID uuid.UUID) (*types.Sandbox, error) {
	if _, err := s.projectRepo.GetByIDForOwner(dbc, projectID, userID); err != nil {
		return nil, faults.MapError("sandbox: load project", err)
	}
	row, err := s.repo.GetByProject(dbc, projectID)
	if err != nil {
		return nil, faults.MapError("sandbox: get", err)
	}
	return row, nil
}

// -------------------- internals --------------------

func (s *sandboxService) ownedProject(ctx context.Context, userID, projectID uuid.UUID) (*types.Project, error) {
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	project, err := s.projectRepo.GetByIDForOwner(dbctx.Context{Ctx: ctx}, projectID, userID)
	if err != nil {
		return nil, faults.MapError("sandbox: load project", err)
	}
	return project, nil
}

func (s *sandboxService) ensureGrouped(ctx context.Context, project *types.Project, forceRestore bool) (*SandboxInfo, error) {
	v, err, _ := s.group.Do(project.ID.String(), func() (interface{}, error) {
		return s.ensure(ctx, project, forceRestore)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SandboxInfo), nil
}

func (s *sandboxService) ensure(ctx context.Context, project *types.Project, forceRestore bool) (*SandboxInfo, error) {
	dbc := dbctx.Context{Ctx: ctx}
	row, err := s.repo.GetByProject(dbc, project.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.provision(ctx, project)
	}
	if err != nil {
		return nil, faults.MapError("sandbox: load record", err)
	}

	if forceRestore {
		return s.restore(ctx, project, row)
	}

	switch row.Status {
	case types.SandboxStatusFailed:
		return nil, errors.Join(faults.ErrSandboxRestore,
			fmt.Errorf("preview for project %s unavailable, restart manually", project.ID))
	case types.SandboxStatusProvisioning, types.SandboxStatusRestoring:
		// Another replica is mid-flight; report as-is and let the client poll.
		return &SandboxInfo{URL: row.URL, Status: row.Status}, nil
	}

	probe, perr := s.client.Probe(ctx, row.ProviderID)
	if perr == nil && probe.Alive {
		if err := s.repo.Touch(dbc, row.ID, true); err != nil {
			s.log.Warn("keepalive touch failed", "sandbox_id", row.ID, "error", err)
		}
		return &SandboxInfo{URL: row.URL, Status: types.SandboxStatusAlive}, nil
	}
	if perr != nil {
		s.log.Warn("sandbox probe failed, treating as dead",
			"project_id", project.ID, "provider_id", row.ProviderID, "error", perr)
	}
	return s.restore(ctx, project, row)
}

func (s *sandboxService) provision(ctx context.Context, project *types.Project) (*SandboxInfo, error) {
	dbc := dbctx.Context{Ctx: ctx}

	snap, err := s.fileRepo.SnapshotMap(dbc, project.ID)
	if err != nil {
		return nil, faults.MapError("sandbox: snapshot tree", err)
	}
	files, err := scaffold.Merge(s.log, project.Framework, snap)
	if err != nil {
		return nil, fmt.Errorf("sandbox: scaffold merge: %w", err)
	}

	row, err := s.repo.Upsert(dbc, &types.Sandbox{
		ProjectID: project.ID,
		Status:    types.SandboxStatusProvisioning,
	})
	if err != nil {
		return nil, faults.MapError("sandbox: upsert record", err)
	}

	inst, err := s.createWithRetry(ctx, project.Framework, files)
	if err != nil {
		s.markFailed(dbc, row.ID, err)
		return nil, errors.Join(faults.ErrSandboxProvision, err)
	}

	if err := s.markAlive(dbc, row.ID, inst); err != nil {
		return nil, err
	}
	if err := s.projectRepo.UpdateFields(dbc, project.ID, map[string]interface{}{
		"sandbox_id": row.ID,
	}); err != nil {
		s.log.Warn("failed to link sandbox to project", "project_id", project.ID, "error", err)
	}
	s.log.Info("sandbox provisioned",
		"project_id", project.ID, "provider_id", inst.ID, "url", inst.URL)
	return &SandboxInfo{URL: inst.URL, Status: types.SandboxStatusAlive}, nil
}

func (s *sandboxService) restore(ctx context.Context, project *types.Project, row *types.Sandbox) (*SandboxInfo, error) {
	dbc := dbctx.Context{Ctx: ctx}

	if err := s.repo.UpdateFields(dbc, row.ID, map[string]interface{}{
		"status": types.SandboxStatusStale,
		"alive":  false,
	}); err != nil {
		return nil, faults.MapError("sandbox: mark stale", err)
	}
	if s.notify != nil {
		row.Status = types.SandboxStatusStale
		row.Alive = false
		s.notify.SandboxStale(project.OwnerUserID, project.ID, row)
	}

	if err := s.repo.UpdateFields(dbc, row.ID, map[string]interface{}{
		"status":           types.SandboxStatusRestoring,
		"restore_attempts": row.RestoreAttempts + 1,
	}); err != nil {
		return nil, faults.MapError("sandbox: mark restoring", err)
	}

	if row.ProviderID != "" {
		if err := s.client.Destroy(ctx, row.ProviderID); err != nil {
			s.log.Warn("destroy of dead sandbox failed",
				"project_id", project.ID, "provider_id", row.ProviderID, "error", err)
		}
	}

	files, err := s.restoreFiles(dbc, project)
	if err != nil {
		return nil, err
	}

	inst, err := s.createWithRetry(ctx, project.Framework, files)
	if err != nil {
		s.markFailed(dbc, row.ID, err)
		return nil, errors.Join(faults.ErrSandboxRestore, err)
	}

	if err := s.markAlive(dbc, row.ID, inst); err != nil {
		return nil, err
	}
	fresh, err := s.repo.GetByID(dbc, row.ID)
	if err != nil {
		fresh = row
	}
	if s.notify != nil {
		s.notify.SandboxRestored(project.OwnerUserID, project.ID, fresh)
	}
	s.log.Info("sandbox restored",
		"project_id", project.ID, "provider_id", inst.ID, "url", inst.URL,
		"attempt", row.RestoreAttempts+1)
	return &SandboxInfo{URL: inst.URL, Status: types.SandboxStatusAlive, Restored: true}, nil
}

// restoreFiles picks the rebuild source: the latest completed version when
// one exists, otherwise the live tree merged over the scaffold.
func (s *sandboxService) restoreFiles(dbc dbctx.Context, project *types.Project) (map[string]string, error) {
	version, err := s.versionRepo.LatestCompleted(dbc, project.ID)
	if err == nil {
		files, ferr := version.FileMap()
		if ferr != nil {
			return nil, fmt.Errorf("sandbox: decode version files: %w", ferr)
		}
		return files, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.MapError("sandbox: latest completed version", err)
	}
	snap, err := s.fileRepo.SnapshotMap(dbc, project.ID)
	if err != nil {
		return nil, faults.MapError("sandbox: snapshot tree", err)
	}
	return scaffold.Merge(s.log, project.Framework, snap)
}

func (s *sandboxService) createWithRetry(ctx context.Context, fw types.Framework, files map[string]string) (sandbox.Instance, error) {
	spec, err := scaffold.For(s.log, fw)
	if err != nil {
		return sandbox.Instance{}, err
	}
	opts := sandbox.CreateOptions{
		Framework:    string(fw),
		StartCommand: spec.StartCommand,
	}

	var lastErr error
	for attempt := 1; attempt <= s.policy.Attempts(); attempt++ {
		inst, err := s.client.Create(ctx, files, opts)
		if err == nil {
			return inst, nil
		}
		lastErr = err
		if !httpx.IsRetryableError(err) || attempt == s.policy.Attempts() {
			break
		}
		s.log.Warn("sandbox create attempt failed, backing off",
			"attempt", attempt, "error", err)
		if serr := backoff.Sleep(ctx, s.policy.Delay(attempt)); serr != nil {
			return sandbox.Instance{}, serr
		}
	}
	return sandbox.Instance{}, lastErr
}

// pushFiles writes the map in bounded parallel chunks.
func (s *sandboxService) pushFiles(ctx context.Context, providerID string, files map[string]string) error {
	const chunkSize = 16
	chunks := chunkFileMap(files, chunkSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.pushWorkers)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			return s.client.WriteFiles(gctx, providerID, chunk)
		})
	}
	return g.Wait()
}

func (s *sandboxService) restartApp(ctx context.Context, providerID string, fw types.Framework) error {
	spec, err := scaffold.For(s.log, fw)
	if err != nil {
		return err
	}
	res, err := s.client.Exec(ctx, providerID, spec.StartCommand)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("start command exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (s *sandboxService) markAlive(dbc dbctx.Context, id uuid.UUID, inst sandbox.Instance) error {
	now := time.Now().UTC()
	if err := s.repo.UpdateFields(dbc, id, map[string]interface{}{
		"provider_id":       inst.ID,
		"url":               inst.URL,
		"status":            types.SandboxStatusAlive,
		"alive":             true,
		"last_probe_at":     now,
		"last_keepalive_at": now,
		"last_error":        "",
	}); err != nil {
		return faults.MapError("sandbox: mark alive", err)
	}
	return nil
}

func (s *sandboxService) markFailed(dbc dbctx.Context, id uuid.UUID, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.repo.UpdateFields(dbc, id, map[string]interface{}{
		"status":     types.SandboxStatusFailed,
		"alive":      false,
		"last_error": msg,
	}); err != nil {
		s.log.Warn("failed to record sandbox failure", "sandbox_id", id, "error", err)
	}
}

func chunkFileMap(files map[string]string, size int) []map[string]string {
	if len(files) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(files)
	}
	chunks := make([]map[string]string, 0, (len(files)+size-1)/size)
	current := make(map[string]string, size)
	for path, content := range files {
		current[path] = content
		if len(current) == size {
			chunks = append(chunks, current)
			current = make(map[string]string, size)
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
