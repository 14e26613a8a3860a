package scaffold

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	types "github.com/apiforge/apiforge-backend/internal/domain"
)

func TestManifestMatchesEmbeddedTemplates(t *testing.T) {
	for _, fw := range Supported(nil) {
		spec, err := For(nil, fw)
		if err != nil {
			t.Fatalf("For(%s): %v", fw, err)
		}
		files, err := Files(nil, fw)
		if err != nil {
			t.Fatalf("Files(%s): %v", fw, err)
		}
		if _, ok := files[spec.Entrypoint]; !ok {
			t.Fatalf("%s scaffold missing entrypoint %s (have %v)", fw, spec.Entrypoint, keys(files))
		}
		if _, ok := files[spec.DependencyFile]; !ok {
			t.Fatalf("%s scaffold missing dependency file %s", fw, spec.DependencyFile)
		}
		if strings.TrimSpace(spec.StartCommand) == "" {
			t.Fatalf("%s scaffold missing start command", fw)
		}
	}
}

func TestFastAPISpec(t *testing.T) {
	spec, err := For(nil, types.FrameworkFastAPI)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if spec.Entrypoint != "main.py" || spec.DependencyFile != "requirements.txt" {
		t.Fatalf("spec: %+v", spec)
	}
	if !strings.Contains(spec.StartCommand, "uvicorn") {
		t.Fatalf("start command: %q", spec.StartCommand)
	}
}

func TestExpressPackageJSONParses(t *testing.T) {
	files, err := Files(nil, types.FrameworkExpress)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	var pkg map[string]any
	if err := json.Unmarshal([]byte(files["package.json"]), &pkg); err != nil {
		t.Fatalf("package.json does not parse: %v", err)
	}
	deps, _ := pkg["dependencies"].(map[string]any)
	if _, ok := deps["express"]; !ok {
		t.Fatalf("package.json missing express dependency: %v", pkg)
	}
}

func TestMergeGeneratedWins(t *testing.T) {
	generated := map[string]string{
		"main.py":        "print('custom entrypoint')",
		"./routers/x.py": "# router",
	}
	merged, err := Merge(nil, types.FrameworkFastAPI, generated)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged["main.py"] != "print('custom entrypoint')" {
		t.Fatalf("generated content did not win: %q", merged["main.py"])
	}
	if _, ok := merged["requirements.txt"]; !ok {
		t.Fatalf("scaffold file dropped during merge")
	}
	if _, ok := merged["routers/x.py"]; !ok {
		t.Fatalf("leading ./ not normalized: %v", keys(merged))
	}
}

func TestForUnknownFramework(t *testing.T) {
	if _, err := For(nil, types.Framework("rails")); !errors.Is(err, ErrUnknownFramework) {
		t.Fatalf("want ErrUnknownFramework, got %v", err)
	}
}

func TestValidateManifestRejects(t *testing.T) {
	valid := func() *yamlManifest {
		return &yamlManifest{
			Manifest: "project_scaffolds",
			Version:  1,
			Frameworks: []yamlFramework{
				{Name: "fastapi", Entrypoint: "main.py", DependencyFile: "requirements.txt", StartCommand: "uvicorn main:app"},
			},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*yamlManifest)
		wantErr string
	}{
		{"wrong manifest id", func(m *yamlManifest) { m.Manifest = "other" }, "unexpected manifest"},
		{"no frameworks", func(m *yamlManifest) { m.Frameworks = nil }, "no frameworks"},
		{"empty name", func(m *yamlManifest) { m.Frameworks[0].Name = " " }, "name is required"},
		{"unsupported framework", func(m *yamlManifest) { m.Frameworks[0].Name = "rails" }, "not supported"},
		{"duplicate", func(m *yamlManifest) { m.Frameworks = append(m.Frameworks, m.Frameworks[0]) }, "duplicate framework"},
		{"missing entrypoint", func(m *yamlManifest) { m.Frameworks[0].Entrypoint = "" }, "entrypoint is required"},
		{"missing dependency file", func(m *yamlManifest) { m.Frameworks[0].DependencyFile = "" }, "dependency_file is required"},
		{"missing start command", func(m *yamlManifest) { m.Frameworks[0].StartCommand = "" }, "start_command is required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := valid()
			tc.mutate(m)
			err := validateManifest(m)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}

	if err := validateManifest(valid()); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
