package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
)

func TestCleanTreePath(t *testing.T) {
	valid := []struct{ in, want string }{
		{"routes/users.js", "routes/users.js"},
		{"./routes/users.js", "routes/users.js"},
		{"/index.js", "index.js"},
		{"  main.py ", "main.py"},
	}
	for _, tc := range valid {
		got, err := cleanTreePath(tc.in)
		if err != nil {
			t.Fatalf("cleanTreePath(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("cleanTreePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	invalid := []string{"", "   ", "../secrets", "a/../b", "//etc/passwd"}
	for _, in := range invalid {
		if _, err := cleanTreePath(in); !errors.Is(err, faults.ErrValidation) {
			t.Fatalf("cleanTreePath(%q): expected validation error, got %v", in, err)
		}
	}
}

func TestFileStoreWriteNormalizesPath(t *testing.T) {
	files := newFakeFileRepo()
	fs := NewFileStore(nil, testLogger(t), files)
	dbc := dbctx.Context{Ctx: context.Background()}
	projectID := uuid.New()

	if err := fs.WriteOne(dbc, projectID, "./src/app.js", "export {}"); err != nil {
		t.Fatalf("WriteOne: %v", err)
	}
	file, err := fs.Get(dbc, projectID, "src/app.js")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if file.Content != "export {}" {
		t.Fatalf("content = %q", file.Content)
	}
	snap, err := fs.Snapshot(dbc, projectID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := snap["src/app.js"]; !ok {
		t.Fatalf("normalized path missing from snapshot: %v", snap)
	}
}

func TestFileStoreRejectsEscapingPaths(t *testing.T) {
	files := newFakeFileRepo()
	fs := NewFileStore(nil, testLogger(t), files)
	dbc := dbctx.Context{Ctx: context.Background()}
	projectID := uuid.New()

	if err := fs.WriteOne(dbc, projectID, "../outside", "x"); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("WriteOne escape: expected validation error, got %v", err)
	}
	err := fs.ReplaceAll(dbc, projectID, map[string]string{
		"ok.js":     "fine",
		"../bad.js": "nope",
	})
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("ReplaceAll escape: expected validation error, got %v", err)
	}
	if n, _ := files.CountByProject(dbc, projectID); n != 0 {
		t.Fatalf("partial write happened: %d rows", n)
	}
}

func TestFileStoreDeleteRemovesRow(t *testing.T) {
	files := newFakeFileRepo()
	fs := NewFileStore(nil, testLogger(t), files)
	dbc := dbctx.Context{Ctx: context.Background()}
	projectID := uuid.New()

	if err := fs.WriteOne(dbc, projectID, "gone.js", "x"); err != nil {
		t.Fatalf("WriteOne: %v", err)
	}
	if err := fs.DeleteOne(dbc, projectID, "gone.js"); err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}
	if _, err := fs.Get(dbc, projectID, "gone.js"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
