package services

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/gcs"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type ArchiveResult struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// ExportService hands the generated tree out of the system: flat map for
// editors, tar.gz in object storage for downloads.
type ExportService interface {
	Snapshot(dbc dbctx.Context, userID, projectID uuid.UUID) (map[string]string, error)
	Archive(ctx context.Context, userID, projectID uuid.UUID) (*ArchiveResult, error)
}

type exportService struct {
	db          *gorm.DB
	log         *logger.Logger
	projectRepo repos.ProjectRepo
	fileStore   FileStore
	store       gcs.ArchiveStore
}

func NewExportService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projectRepo repos.ProjectRepo,
	fileStore FileStore,
	store gcs.ArchiveStore,
) ExportService {
	return &exportService{
		db:          db,
		log:         baseLog.With("service", "ExportService"),
		projectRepo: projectRepo,
		fileStore:   fileStore,
		store:       store,
	}
}

func (s *exportService) Snapshot(dbc dbctx.Context, userID, projectID uuid.UUID) (map[string]string, error) {
	if _, err := s.projectRepo.GetByIDForOwner(dbc, projectID, userID); err != nil {
		return nil, faults.MapError("export: load project", err)
	}
	return s.fileStore.Snapshot(dbc, projectID)
}

func (s *exportService) Archive(ctx context.Context, userID, projectID uuid.UUID) (*ArchiveResult, error) {
	if s.store == nil {
		return nil, fmt.Errorf("export: archive store not configured")
	}
	dbc := dbctx.Context{Ctx: ctx}
	project, err := s.projectRepo.GetByIDForOwner(dbc, projectID, userID)
	if err != nil {
		return nil, faults.MapError("export: load project", err)
	}
	files, err := s.fileStore.Snapshot(dbc, projectID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, faults.ValidationError("project has no files to export")
	}

	archive, err := buildTarGz(files)
	if err != nil {
		return nil, fmt.Errorf("export: build archive: %w", err)
	}

	prefix := fmt.Sprintf("exports/%s/", projectID)
	if err := s.store.DeletePrefix(ctx, prefix); err != nil {
		s.log.Warn("failed to clear previous exports", "project_id", projectID, "error", err)
	}

	key := fmt.Sprintf("%s%s-%d.tar.gz", prefix, slugify(project.Name), time.Now().UTC().Unix())
	if err := s.store.UploadFile(ctx, key, bytes.NewReader(archive)); err != nil {
		return nil, fmt.Errorf("export: upload archive: %w", err)
	}

	url := s.store.GetPublicURL(key)
	s.log.Info("project exported",
		"project_id", projectID, "key", key, "files", len(files), "bytes", len(archive))
	return &ArchiveResult{Key: key, URL: url}, nil
}

// buildTarGz writes the tree in sorted path order so identical trees produce
// byte-identical archives.
func buildTarGz(files map[string]string) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	modTime := time.Unix(0, 0).UTC()

	for _, p := range paths {
		content := files[p]
		hdr := &tar.Header{
			Name:    p,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("header %q: %w", p, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return nil, fmt.Errorf("content %q: %w", p, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gzw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastDash := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "project"
	}
	return out
}
