package projects

import (
	"context"
	"testing"

	"github.com/apiforge/apiforge-backend/internal/data/repos/testutil"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
)

func TestProjectFileRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	repo := NewProjectFileRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	owner := testutil.SeedUser(t, ctx, tx, "filerepo@example.com")
	project := testutil.SeedProject(t, ctx, tx, owner.ID)

	if err := repo.ReplaceAll(dbc, project.ID, map[string]string{
		"app/main.py":   "print('v1')",
		"requirements":  "fastapi",
		"app/models.py": "class Item: pass",
	}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	n, err := repo.CountByProject(dbc, project.ID)
	if err != nil {
		t.Fatalf("CountByProject: %v", err)
	}
	if n != 3 {
		t.Fatalf("CountByProject: expected 3, got %d", n)
	}

	rows, err := repo.ListByProject(dbc, project.ID)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if len(rows) != 3 || rows[0].Path != "app/main.py" {
		t.Fatalf("ListByProject: expected path-sorted rows, got %+v", rows)
	}

	// Upsert should update in place, not add a second row for the same path.
	if err := repo.Upsert(dbc, project.ID, "app/main.py", "print('v2')"); err != nil {
		t.Fatalf("Upsert existing: %v", err)
	}
	if err := repo.Upsert(dbc, project.ID, "app/routes.py", "router = APIRouter()"); err != nil {
		t.Fatalf("Upsert new: %v", err)
	}

	snap, err := repo.SnapshotMap(dbc, project.ID)
	if err != nil {
		t.Fatalf("SnapshotMap: %v", err)
	}
	if len(snap) != 4 {
		t.Fatalf("SnapshotMap: expected 4 entries, got %d", len(snap))
	}
	if snap["app/main.py"] != "print('v2')" {
		t.Fatalf("SnapshotMap: expected upserted content, got %q", snap["app/main.py"])
	}

	got, err := repo.GetByPath(dbc, project.ID, "app/routes.py")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if got.Content != "router = APIRouter()" {
		t.Fatalf("GetByPath: unexpected content %q", got.Content)
	}

	if err := repo.DeleteByPath(dbc, project.ID, "requirements"); err != nil {
		t.Fatalf("DeleteByPath: %v", err)
	}
	if _, err := repo.GetByPath(dbc, project.ID, "requirements"); err == nil {
		t.Fatalf("GetByPath after delete: expected miss")
	}

	// ReplaceAll with a smaller map drops rows absent from the new tree.
	if err := repo.ReplaceAll(dbc, project.ID, map[string]string{"app/main.py": "print('v3')"}); err != nil {
		t.Fatalf("ReplaceAll shrink: %v", err)
	}
	snap, err = repo.SnapshotMap(dbc, project.ID)
	if err != nil {
		t.Fatalf("SnapshotMap after shrink: %v", err)
	}
	if len(snap) != 1 || snap["app/main.py"] != "print('v3')" {
		t.Fatalf("ReplaceAll shrink: unexpected snapshot %+v", snap)
	}
}
