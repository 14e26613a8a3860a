package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/apiforge/apiforge-backend/internal/data/repos/testutil"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
)

func TestVersionRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	repo := NewVersionRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	owner := testutil.SeedUser(t, ctx, tx, "versionrepo@example.com")
	project := testutil.SeedProject(t, ctx, tx, owner.ID)

	max, err := repo.MaxNumber(dbc, project.ID)
	if err != nil {
		t.Fatalf("MaxNumber (empty): %v", err)
	}
	if max != 0 {
		t.Fatalf("MaxNumber (empty): expected 0, got %d", max)
	}

	v1 := testutil.SeedVersion(t, ctx, tx, project.ID, 1, map[string]string{"main.py": "v1"})
	v2 := testutil.SeedVersion(t, ctx, tx, project.ID, 2, map[string]string{"main.py": "v2", "routes.py": "r"})

	max, err = repo.MaxNumber(dbc, project.ID)
	if err != nil {
		t.Fatalf("MaxNumber: %v", err)
	}
	if max != 2 {
		t.Fatalf("MaxNumber: expected 2, got %d", max)
	}

	listed, err := repo.ListByProject(dbc, project.ID)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if len(listed) != 2 || listed[0].VersionNumber != 1 || listed[1].VersionNumber != 2 {
		t.Fatalf("ListByProject: expected ascending version numbers, got %+v", listed)
	}

	got, err := repo.GetByProjectAndNumber(dbc, project.ID, 1)
	if err != nil {
		t.Fatalf("GetByProjectAndNumber: %v", err)
	}
	if got.ID != v1.ID {
		t.Fatalf("GetByProjectAndNumber: expected %v got %v", v1.ID, got.ID)
	}
	files, err := got.FileMap()
	if err != nil {
		t.Fatalf("FileMap: %v", err)
	}
	if files["main.py"] != "v1" {
		t.Fatalf("FileMap: unexpected content %q", files["main.py"])
	}

	latest, err := repo.LatestCompleted(dbc, project.ID)
	if err != nil {
		t.Fatalf("LatestCompleted: %v", err)
	}
	if latest.ID != v2.ID {
		t.Fatalf("LatestCompleted: expected %v got %v", v2.ID, latest.ID)
	}

	prev, err := repo.PreviousOf(dbc, project.ID, 2)
	if err != nil {
		t.Fatalf("PreviousOf: %v", err)
	}
	if prev == nil || prev.ID != v1.ID {
		t.Fatalf("PreviousOf: expected v1, got %+v", prev)
	}
	prev, err = repo.PreviousOf(dbc, project.ID, 1)
	if err != nil {
		t.Fatalf("PreviousOf (first): %v", err)
	}
	if prev != nil {
		t.Fatalf("PreviousOf (first): expected nil, got %+v", prev)
	}

	n, err := repo.CountByProject(dbc, project.ID)
	if err != nil {
		t.Fatalf("CountByProject: %v", err)
	}
	if n != 2 {
		t.Fatalf("CountByProject: expected 2, got %d", n)
	}
}

func TestVersionRepoDuplicateNumber(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	repo := NewVersionRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	owner := testutil.SeedUser(t, ctx, tx, "versiondup@example.com")
	project := testutil.SeedProject(t, ctx, tx, owner.ID)
	testutil.SeedVersion(t, ctx, tx, project.ID, 1, nil)

	encoded, err := types.EncodeFileMap(map[string]string{"main.py": "dup"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = repo.Create(dbc, &types.Version{
		ProjectID:     project.ID,
		VersionNumber: 1,
		CommandType:   types.CommandCreate,
		Prompt:        "dup",
		Files:         encoded,
		Status:        types.VersionStatusCompleted,
	})
	if err == nil {
		t.Fatalf("Create: expected unique violation for duplicate version number")
	}
	mapped := faults.MapError("version.create", err)
	if !errors.Is(mapped, faults.ErrVersionConflict) {
		t.Fatalf("MapError: expected ErrVersionConflict, got %v", mapped)
	}
}
