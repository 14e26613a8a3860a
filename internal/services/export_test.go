package services

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
)

type exportHarness struct {
	svc     ExportService
	files   *fakeFileRepo
	store   *fakeArchiveStore
	owner   uuid.UUID
	project *types.Project
}

func newExportHarness(t *testing.T) *exportHarness {
	t.Helper()
	owner := uuid.New()
	project := &types.Project{
		ID:          uuid.New(),
		OwnerUserID: owner,
		Name:        "Orders API v2",
		Framework:   types.FrameworkExpress,
	}
	files := newFakeFileRepo()
	store := newFakeArchiveStore()
	fs := NewFileStore(nil, testLogger(t), files)
	svc := NewExportService(nil, testLogger(t), newFakeProjectRepo(project), fs, store)
	return &exportHarness{svc: svc, files: files, store: store, owner: owner, project: project}
}

func untarGz(t *testing.T, data []byte) map[string]string {
	t.Helper()
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	defer gzr.Close()

	out := map[string]string{}
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			t.Fatalf("tar read %s: %v", hdr.Name, err)
		}
		out[hdr.Name] = buf.String()
	}
	return out
}

func TestArchiveRoundTrip(t *testing.T) {
	h := newExportHarness(t)
	tree := map[string]string{
		"index.js":        "console.log('up')",
		"package.json":    `{"name":"orders"}`,
		"routes/users.js": "module.exports = {}",
	}
	h.files.setTree(h.project.ID, tree)

	res, err := h.svc.Archive(context.Background(), h.owner, h.project.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	prefix := "exports/" + h.project.ID.String() + "/"
	if !strings.HasPrefix(res.Key, prefix) || !strings.HasSuffix(res.Key, ".tar.gz") {
		t.Fatalf("unexpected key: %q", res.Key)
	}
	if !strings.Contains(res.Key, "orders-api-v2") {
		t.Fatalf("key missing project slug: %q", res.Key)
	}
	if res.URL != h.store.GetPublicURL(res.Key) {
		t.Fatalf("url mismatch: %q", res.URL)
	}

	rc, err := h.store.DownloadFile(context.Background(), res.Key)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	got := untarGz(t, data)
	if len(got) != len(tree) {
		t.Fatalf("entries = %d, want %d", len(got), len(tree))
	}
	for path, content := range tree {
		if got[path] != content {
			t.Fatalf("content mismatch for %s: %q", path, got[path])
		}
	}
}

func TestArchiveReplacesPreviousExports(t *testing.T) {
	h := newExportHarness(t)
	h.files.setTree(h.project.ID, map[string]string{"index.js": "x"})
	prefix := "exports/" + h.project.ID.String() + "/"
	stale := prefix + "orders-api-v2-100.tar.gz"
	if err := h.store.UploadFile(context.Background(), stale, strings.NewReader("old")); err != nil {
		t.Fatalf("seed stale export: %v", err)
	}

	res, err := h.svc.Archive(context.Background(), h.owner, h.project.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	keys, err := h.store.ListKeys(context.Background(), prefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != res.Key {
		t.Fatalf("stale exports survived: %v", keys)
	}
}

func TestArchiveEmptyProjectRejected(t *testing.T) {
	h := newExportHarness(t)
	if _, err := h.svc.Archive(context.Background(), h.owner, h.project.ID); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestArchiveOwnershipEnforced(t *testing.T) {
	h := newExportHarness(t)
	h.files.setTree(h.project.ID, map[string]string{"index.js": "x"})
	if _, err := h.svc.Archive(context.Background(), uuid.New(), h.project.ID); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSnapshotOwnershipEnforced(t *testing.T) {
	h := newExportHarness(t)
	h.files.setTree(h.project.ID, map[string]string{"index.js": "x"})
	dbc := dbctx.Context{Ctx: context.Background()}

	if _, err := h.svc.Snapshot(dbc, uuid.New(), h.project.ID); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	snap, err := h.svc.Snapshot(dbc, h.owner, h.project.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap["index.js"] != "x" {
		t.Fatalf("snapshot mismatch: %v", snap)
	}
}

func TestBuildTarGzDeterministic(t *testing.T) {
	files := map[string]string{
		"b.txt":     "bee",
		"a.txt":     "ay",
		"dir/c.txt": "sea",
	}
	first, err := buildTarGz(files)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := buildTarGz(files)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("archives differ across runs for the same tree")
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Orders API v2", "orders-api-v2"},
		{"  --Weird__Name!!  ", "weird-name"},
		{"ÜberTool", "bertool"},
		{"", "project"},
		{"!!!", "project"},
	}
	for _, tc := range cases {
		if got := slugify(tc.in); got != tc.want {
			t.Fatalf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
