package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/apiforge/apiforge-backend/internal/domain"
)

func SeedUser(tb testing.TB, ctx context.Context, tx *gorm.DB, email string) *types.User {
	tb.Helper()
	u := &types.User{
		ID:        uuid.New(),
		Email:     email,
		Password:  "pw",
		FirstName: "A",
		LastName:  "B",
	}
	if err := tx.WithContext(ctx).Create(u).Error; err != nil {
		tb.Fatalf("seed user: %v", err)
	}
	return u
}

func SeedProject(tb testing.TB, ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) *types.Project {
	tb.Helper()
	p := &types.Project{
		ID:          uuid.New(),
		OwnerUserID: ownerID,
		Name:        "project",
		Framework:   types.FrameworkFastAPI,
		Status:      types.ProjectStatusDraft,
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed project: %v", err)
	}
	return p
}

func SeedGenerationJob(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID, ownerID uuid.UUID, status types.JobStatus) *types.GenerationJob {
	tb.Helper()
	j := &types.GenerationJob{
		ID:          uuid.New(),
		ProjectID:   projectID,
		OwnerUserID: ownerID,
		JobType:     types.JobTypeProjectGeneration,
		Prompt:      "build me an api",
		Status:      status,
		Stage:       types.StageIdle,
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed generation job: %v", err)
	}
	return j
}

func SeedVersion(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID uuid.UUID, number int, files map[string]string) *types.Version {
	tb.Helper()
	if files == nil {
		files = map[string]string{"main.py": "print('hi')"}
	}
	encoded, err := types.EncodeFileMap(files)
	if err != nil {
		tb.Fatalf("encode file map: %v", err)
	}
	v := &types.Version{
		ID:            uuid.New(),
		ProjectID:     projectID,
		VersionNumber: number,
		CommandType:   types.CommandCreate,
		Name:          "seeded version",
		Files:         encoded,
		Status:        types.VersionStatusCompleted,
	}
	if err := tx.WithContext(ctx).Create(v).Error; err != nil {
		tb.Fatalf("seed version: %v", err)
	}
	return v
}

func SeedModification(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID uuid.UUID, path string, status types.ModificationStatus) *types.CodeModification {
	tb.Helper()
	old := "old content"
	m := &types.CodeModification{
		ID:               uuid.New(),
		ProjectID:        projectID,
		FilePath:         path,
		OldContent:       &old,
		NewContent:       "new content",
		ModificationType: types.ModificationEdit,
		Reason:           "requested change",
		Status:           status,
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		tb.Fatalf("seed modification: %v", err)
	}
	return m
}

func SeedSandbox(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID uuid.UUID, status types.SandboxStatus) *types.Sandbox {
	tb.Helper()
	s := &types.Sandbox{
		ID:         uuid.New(),
		ProjectID:  projectID,
		ProviderID: "sbx_" + uuid.NewString()[:8],
		URL:        "https://sbx.example.test",
		Status:     status,
		Alive:      status == types.SandboxStatusAlive,
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed sandbox: %v", err)
	}
	return s
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }

func PtrTime(v time.Time) *time.Time { return &v }
