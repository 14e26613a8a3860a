package services

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

// AppendMeta describes the version being appended.
type AppendMeta struct {
	Name        string
	Description string
	CommandType types.CommandType
	JobID       *uuid.UUID
}

// VersionWithDiff is a version plus its decoded tree and the diff against
// the previous completed version.
type VersionWithDiff struct {
	Version *types.Version    `json:"version"`
	Files   map[string]string `json:"files"`
	Diff    []types.FileDiff  `json:"diff"`
}

type VersionService interface {
	// Append assigns the next version number under the project row lock and
	// stores the full snapshot. Concurrent appends against the same project
	// surface as faults.ErrVersionConflict.
	Append(dbc dbctx.Context, projectID uuid.UUID, files map[string]string, meta AppendMeta) (*types.Version, error)
	List(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Version, error)
	GetWithDiff(dbc dbctx.Context, projectID uuid.UUID, number int) (*VersionWithDiff, error)
	// GetByIDForOwner resolves a version by id and verifies the caller owns
	// the project. The diff is computed only when withDiff is set.
	GetByIDForOwner(dbc dbctx.Context, userID, versionID uuid.UUID, withDiff bool) (*VersionWithDiff, error)
	LatestCompleted(dbc dbctx.Context, projectID uuid.UUID) (*types.Version, error)
}

type versionService struct {
	db          *gorm.DB
	log         *logger.Logger
	projectRepo repos.ProjectRepo
	versionRepo repos.VersionRepo
}

func NewVersionService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projectRepo repos.ProjectRepo,
	versionRepo repos.VersionRepo,
) VersionService {
	return &versionService{
		db:          db,
		log:         baseLog.With("service", "VersionService"),
		projectRepo: projectRepo,
		versionRepo: versionRepo,
	}
}

func (s *versionService) Append(dbc dbctx.Context, projectID uuid.UUID, files map[string]string, meta AppendMeta) (*types.Version, error) {
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	if meta.CommandType == types.CommandQuestion {
		return nil, faults.ValidationError("QUESTION commands never fold a version")
	}

	encoded, err := types.EncodeFileMap(files)
	if err != nil {
		return nil, fmt.Errorf("version: encode files: %w", err)
	}

	var created *types.Version
	err = runInTx(s.db, dbc, func(txc dbctx.Context) error {
		if _, err := s.projectRepo.LockByID(txc, projectID); err != nil {
			return faults.MapError("lock project", err)
		}
		max, err := s.versionRepo.MaxNumber(txc, projectID)
		if err != nil {
			return faults.MapError("max version number", err)
		}
		version := &types.Version{
			ProjectID:     projectID,
			JobID:         meta.JobID,
			VersionNumber: max + 1,
			Name:          meta.Name,
			Description:   meta.Description,
			CommandType:   meta.CommandType,
			Files:         encoded,
			Status:        types.VersionStatusCompleted,
		}
		created, err = s.versionRepo.Create(txc, version)
		if err != nil {
			return faults.MapError("create version", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("version: append: %w", err)
	}
	s.log.Info("version appended",
		"project_id", projectID,
		"version_number", created.VersionNumber,
		"files", len(files),
	)
	return created, nil
}

func (s *versionService) List(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Version, error) {
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	versions, err := s.versionRepo.ListByProject(dbc, projectID)
	if err != nil {
		return nil, faults.MapError("version: list", err)
	}
	return versions, nil
}

func (s *versionService) GetWithDiff(dbc dbctx.Context, projectID uuid.UUID, number int) (*VersionWithDiff, error) {
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	if number < 1 {
		return nil, faults.ValidationError("version number must be positive")
	}

	version, err := s.versionRepo.GetByProjectAndNumber(dbc, projectID, number)
	if err != nil {
		return nil, faults.MapError("version: get", err)
	}
	files, err := version.FileMap()
	if err != nil {
		return nil, fmt.Errorf("version: decode files: %w", err)
	}

	prevFiles := map[string]string{}
	prev, err := s.versionRepo.PreviousOf(dbc, projectID, number)
	if err != nil {
		return nil, faults.MapError("version: previous", err)
	}
	if prev != nil {
		prevFiles, err = prev.FileMap()
		if err != nil {
			return nil, fmt.Errorf("version: decode previous files: %w", err)
		}
	}

	return &VersionWithDiff{
		Version: version,
		Files:   files,
		Diff:    types.DiffAgainstPrevious(files, prevFiles),
	}, nil
}

func (s *versionService) GetByIDForOwner(dbc dbctx.Context, userID, versionID uuid.UUID, withDiff bool) (*VersionWithDiff, error) {
	if userID == uuid.Nil {
		return nil, faults.ErrUnauthorized
	}
	if versionID == uuid.Nil {
		return nil, faults.ValidationError("missing version id")
	}

	version, err := s.versionRepo.GetByID(dbc, versionID)
	if err != nil {
		return nil, faults.MapError("version: get by id", err)
	}
	if _, err := s.projectRepo.GetByIDForOwner(dbc, version.ProjectID, userID); err != nil {
		return nil, faults.MapError("version: check project owner", err)
	}

	files, err := version.FileMap()
	if err != nil {
		return nil, fmt.Errorf("version: decode files: %w", err)
	}
	out := &VersionWithDiff{Version: version, Files: files}
	if !withDiff {
		return out, nil
	}

	prevFiles := map[string]string{}
	prev, err := s.versionRepo.PreviousOf(dbc, version.ProjectID, version.VersionNumber)
	if err != nil {
		return nil, faults.MapError("version: previous", err)
	}
	if prev != nil {
		prevFiles, err = prev.FileMap()
		if err != nil {
			return nil, fmt.Errorf("version: decode previous files: %w", err)
		}
	}
	out.Diff = types.DiffAgainstPrevious(files, prevFiles)
	return out, nil
}

func (s *versionService) LatestCompleted(dbc dbctx.Context, projectID uuid.UUID) (*types.Version, error) {
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	version, err := s.versionRepo.LatestCompleted(dbc, projectID)
	if err != nil {
		return nil, faults.MapError("version: latest completed", err)
	}
	return version, nil
}
