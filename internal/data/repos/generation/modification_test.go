package generation

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/apiforge/apiforge-backend/internal/data/repos/testutil"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
)

func TestCodeModificationRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	repo := NewCodeModificationRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	owner := testutil.SeedUser(t, ctx, tx, "modrepo@example.com")
	project := testutil.SeedProject(t, ctx, tx, owner.ID)

	newContent := "def handler(): ..."
	mods := []*types.CodeModification{
		{
			ProjectID:        project.ID,
			FilePath:         "app/main.py",
			OldContent:       nil,
			NewContent:       newContent,
			ModificationType: types.ModificationCreate,
			Reason:           "add entrypoint",
			Status:           types.ModificationPending,
		},
		{
			ProjectID:        project.ID,
			FilePath:         "app/routes.py",
			NewContent:       "router = APIRouter()",
			ModificationType: types.ModificationEdit,
			Reason:           "rewire router",
			Status:           types.ModificationPending,
		},
	}
	if err := repo.CreateBatch(dbc, mods); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	got, err := repo.GetByID(dbc, mods[0].ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.OldContent != nil {
		t.Fatalf("GetByID: expected nil old content for creation, got %q", *got.OldContent)
	}

	locked, err := repo.GetByIDForUpdate(dbc, mods[0].ID)
	if err != nil {
		t.Fatalf("GetByIDForUpdate: %v", err)
	}
	if locked.ID != mods[0].ID {
		t.Fatalf("GetByIDForUpdate: unexpected row %v", locked.ID)
	}
	if _, err := repo.GetByIDForUpdate(dbctx.Context{Ctx: ctx}, mods[0].ID); err == nil {
		t.Fatalf("GetByIDForUpdate: expected error without open transaction")
	}

	pending, err := repo.ListByProject(dbc, project.ID, []types.ModificationStatus{types.ModificationPending}, 0)
	if err != nil {
		t.Fatalf("ListByProject pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("ListByProject pending: expected 2, got %d", len(pending))
	}

	// Staling by path skips the excluded id so an apply does not stale itself.
	n, err := repo.MarkStaleForPaths(dbc, project.ID, []string{"app/main.py", "app/routes.py"}, []uuid.UUID{mods[0].ID})
	if err != nil {
		t.Fatalf("MarkStaleForPaths: %v", err)
	}
	if n != 1 {
		t.Fatalf("MarkStaleForPaths: expected 1 staled row, got %d", n)
	}
	got, err = repo.GetByID(dbc, mods[1].ID)
	if err != nil {
		t.Fatalf("GetByID staled: %v", err)
	}
	if got.Status != types.ModificationStale {
		t.Fatalf("MarkStaleForPaths: expected stale, got %q", got.Status)
	}
	got, err = repo.GetByID(dbc, mods[0].ID)
	if err != nil {
		t.Fatalf("GetByID excluded: %v", err)
	}
	if got.Status != types.ModificationPending {
		t.Fatalf("MarkStaleForPaths: excluded row should stay pending, got %q", got.Status)
	}

	if err := repo.UpdateFields(dbc, mods[0].ID, map[string]interface{}{
		"status": types.ModificationApplied,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	staled, err := repo.MarkAllPendingStale(dbc, project.ID)
	if err != nil {
		t.Fatalf("MarkAllPendingStale: %v", err)
	}
	if staled != 0 {
		t.Fatalf("MarkAllPendingStale: expected 0 remaining pending, got %d", staled)
	}

	third := testutil.SeedModification(t, ctx, tx, project.ID, "app/settings.py", types.ModificationPending)
	staled, err = repo.MarkAllPendingStale(dbc, project.ID)
	if err != nil {
		t.Fatalf("MarkAllPendingStale (second): %v", err)
	}
	if staled != 1 {
		t.Fatalf("MarkAllPendingStale (second): expected 1, got %d", staled)
	}
	got, err = repo.GetByID(dbc, third.ID)
	if err != nil {
		t.Fatalf("GetByID third: %v", err)
	}
	if got.Status != types.ModificationStale {
		t.Fatalf("MarkAllPendingStale: expected stale, got %q", got.Status)
	}
}
