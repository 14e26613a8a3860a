package generation

import "testing"

func diffStates(t *testing.T, diffs []FileDiff) map[string]FileChangeState {
	t.Helper()
	out := make(map[string]FileChangeState, len(diffs))
	for _, d := range diffs {
		out[d.Path] = d.State
	}
	return out
}

func TestDiffAgainstPrevious_EmptyPredecessor(t *testing.T) {
	files := map[string]string{
		"main.py":          "print('hi')",
		"requirements.txt": "fastapi",
	}
	diffs := DiffAgainstPrevious(files, nil)
	if len(diffs) != 2 {
		t.Fatalf("expected 2 diffs, got %d", len(diffs))
	}
	for _, d := range diffs {
		if d.State != FileNew {
			t.Fatalf("%s: expected new, got %s", d.Path, d.State)
		}
	}
}

func TestDiffAgainstPrevious_States(t *testing.T) {
	prev := map[string]string{
		"main.py":   "v1",
		"models.py": "models",
		"gone.py":   "removed later",
	}
	files := map[string]string{
		"main.py":   "v2",
		"models.py": "models",
		"routes.py": "fresh",
	}
	states := diffStates(t, DiffAgainstPrevious(files, prev))
	if states["main.py"] != FileModified {
		t.Fatalf("main.py: expected modified, got %s", states["main.py"])
	}
	if states["models.py"] != FileUnchanged {
		t.Fatalf("models.py: expected unchanged, got %s", states["models.py"])
	}
	if states["routes.py"] != FileNew {
		t.Fatalf("routes.py: expected new, got %s", states["routes.py"])
	}
	if _, ok := states["gone.py"]; ok {
		t.Fatalf("removed file must not appear in the diff")
	}
}

func TestDiffAgainstPrevious_SortedByPath(t *testing.T) {
	files := map[string]string{"b.py": "b", "a.py": "a", "c.py": "c"}
	diffs := DiffAgainstPrevious(files, nil)
	for i := 1; i < len(diffs); i++ {
		if diffs[i-1].Path >= diffs[i].Path {
			t.Fatalf("diffs not sorted: %s before %s", diffs[i-1].Path, diffs[i].Path)
		}
	}
}

func TestStageTerminal(t *testing.T) {
	cases := map[Stage]bool{
		StageIdle:         false,
		StageInitializing: false,
		StageGenerating:   false,
		StageValidating:   false,
		StageComplete:     true,
		StageError:        true,
	}
	for stage, want := range cases {
		if got := stage.Terminal(); got != want {
			t.Fatalf("%s: terminal=%v, want %v", stage, got, want)
		}
	}
}

func TestCommandTypeProducesVersion(t *testing.T) {
	if !CommandCreate.ProducesVersion() {
		t.Fatalf("CREATE must fold a version")
	}
	if !CommandCreateAndLink.ProducesVersion() {
		t.Fatalf("CREATE_AND_LINK must fold a version")
	}
	if CommandModify.ProducesVersion() || CommandFixError.ProducesVersion() || CommandQuestion.ProducesVersion() {
		t.Fatalf("incremental commands must not fold versions directly")
	}
}
