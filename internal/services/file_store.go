package services

import (
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

// FileStore owns the materialized file tree of a project. Versions keep
// history; this is only ever the tree as it stands right now.
type FileStore interface {
	ReplaceAll(dbc dbctx.Context, projectID uuid.UUID, files map[string]string) error
	WriteOne(dbc dbctx.Context, projectID uuid.UUID, path, content string) error
	DeleteOne(dbc dbctx.Context, projectID uuid.UUID, path string) error
	Snapshot(dbc dbctx.Context, projectID uuid.UUID) (map[string]string, error)
	List(dbc dbctx.Context, projectID uuid.UUID) ([]*types.ProjectFile, error)
	Get(dbc dbctx.Context, projectID uuid.UUID, path string) (*types.ProjectFile, error)
}

type fileStore struct {
	db       *gorm.DB
	log      *logger.Logger
	fileRepo repos.ProjectFileRepo
}

func NewFileStore(db *gorm.DB, baseLog *logger.Logger, fileRepo repos.ProjectFileRepo) FileStore {
	return &fileStore{
		db:       db,
		log:      baseLog.With("service", "FileStore"),
		fileRepo: fileRepo,
	}
}

func (s *fileStore) ReplaceAll(dbc dbctx.Context, projectID uuid.UUID, files map[string]string) error {
	if projectID == uuid.Nil {
		return faults.ValidationError("missing project id")
	}
	normalized := make(map[string]string, len(files))
	for path, content := range files {
		clean, err := cleanTreePath(path)
		if err != nil {
			return err
		}
		normalized[clean] = content
	}
	if err := s.fileRepo.ReplaceAll(dbc, projectID, normalized); err != nil {
		return faults.MapError("filestore: replace all", err)
	}
	s.log.Info("file tree replaced", "project_id", projectID, "files", len(normalized))
	return nil
}

func (s *fileStore) WriteOne(dbc dbctx.Context, projectID uuid.UUID, path, content string) error {
	if projectID == uuid.Nil {
		return faults.ValidationError("missing project id")
	}
	clean, err := cleanTreePath(path)
	if err != nil {
		return err
	}
	if err := s.fileRepo.Upsert(dbc, projectID, clean, content); err != nil {
		return faults.MapError("filestore: write", err)
	}
	return nil
}

func (s *fileStore) DeleteOne(dbc dbctx.Context, projectID uuid.UUID, path string) error {
	if projectID == uuid.Nil {
		return faults.ValidationError("missing project id")
	}
	clean, err := cleanTreePath(path)
	if err != nil {
		return err
	}
	if err := s.fileRepo.DeleteByPath(dbc, projectID, clean); err != nil {
		return faults.MapError("filestore: delete", err)
	}
	return nil
}

func (s *fileStore) Snapshot(dbc dbctx.Context, projectID uuid.UUID) (map[string]string, error) {
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	snap, err := s.fileRepo.SnapshotMap(dbc, projectID)
	if err != nil {
		return nil, faults.MapError("filestore: snapshot", err)
	}
	return snap, nil
}

func (s *fileStore) List(dbc dbctx.Context, projectID uuid.UUID) ([]*types.ProjectFile, error) {
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	files, err := s.fileRepo.ListByProject(dbc, projectID)
	if err != nil {
		return nil, faults.MapError("filestore: list", err)
	}
	return files, nil
}

func (s *fileStore) Get(dbc dbctx.Context, projectID uuid.UUID, path string) (*types.ProjectFile, error) {
	if projectID == uuid.Nil {
		return nil, faults.ValidationError("missing project id")
	}
	clean, err := cleanTreePath(path)
	if err != nil {
		return nil, err
	}
	file, err := s.fileRepo.GetByPath(dbc, projectID, clean)
	if err != nil {
		return nil, faults.MapError("filestore: get", err)
	}
	return file, nil
}

// cleanTreePath normalizes a project-relative path and rejects anything
// that could escape the tree.
func cleanTreePath(path string) (string, error) {
	clean := scaffold.NormalizePath(path)
	if clean == "" {
		return "", faults.ValidationError("empty file path")
	}
	if strings.Contains(clean, "..") {
		return "", faults.ValidationError(fmt.Sprintf("path %q must not contain '..'", path))
	}
	if strings.HasPrefix(clean, "/") {
		return "", faults.ValidationError(fmt.Sprintf("path %q must be relative", path))
	}
	return clean, nil
}
