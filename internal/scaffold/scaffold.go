package scaffold

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

const scaffoldManifestEnv = "SCAFFOLD_MANIFEST_YAML"

//go:embed manifest.yaml
var manifestFS embed.FS

//go:embed all:templates
var templatesFS embed.FS

var ErrUnknownFramework = errors.New("unknown framework")

// Spec describes one framework scaffold: where its template files live, the
// file the validator requires as the app entrypoint, the dependency manifest,
// and the command the sandbox runs to start the app.
type Spec struct {
	Framework      types.Framework
	DisplayName    string
	Entrypoint     string
	DependencyFile string
	StartCommand   string
	TemplateDir    string
}

// fallback specs used when the manifest YAML is missing or invalid
var fallbackSpecs = map[types.Framework]Spec{
	types.FrameworkFastAPI: {
		Framework:      types.FrameworkFastAPI,
		DisplayName:    "FastAPI",
		Entrypoint:     "main.py",
		DependencyFile: "requirements.txt",
		StartCommand:   "uvicorn main:app --host 0.0.0.0 --port 8000",
		TemplateDir:    "fastapi",
	},
	types.FrameworkExpress: {
		Framework:      types.FrameworkExpress,
		DisplayName:    "Express",
		Entrypoint:     "index.js",
		DependencyFile: "package.json",
		StartCommand:   "node index.js",
		TemplateDir:    "express",
	},
}

type yamlManifest struct {
	Manifest   string          `yaml:"manifest"`
	Version    int             `yaml:"version"`
	Frameworks []yamlFramework `yaml:"frameworks"`
}

type yamlFramework struct {
	Name           string `yaml:"name"`
	DisplayName    string `yaml:"display_name"`
	Entrypoint     string `yaml:"entrypoint"`
	DependencyFile string `yaml:"dependency_file"`
	StartCommand   string `yaml:"start_command"`
	TemplateDir    string `yaml:"template_dir"`
}

var manifestOnce sync.Once
var manifestCache map[types.Framework]Spec
var manifestErr error

func currentSpecs(log *logger.Logger) map[types.Framework]Spec {
	manifestOnce.Do(func() {
		manifestCache, manifestErr = loadManifest()
	})
	if manifestErr != nil {
		if log != nil {
			log.Warn("scaffold: manifest load failed; using fallback", "error", manifestErr)
		}
		return fallbackSpecs
	}
	return manifestCache
}

// For returns the scaffold spec for a framework.
func For(log *logger.Logger, fw types.Framework) (Spec, error) {
	spec, ok := currentSpecs(log)[fw]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownFramework, fw)
	}
	return spec, nil
}

// Supported lists the frameworks the manifest declares, sorted by name.
func Supported(log *logger.Logger) []types.Framework {
	specs := currentSpecs(log)
	out := make([]types.Framework, 0, len(specs))
	for fw := range specs {
		out = append(out, fw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Files returns the framework's template files keyed by project-relative path.
func Files(log *logger.Logger, fw types.Framework) (map[string]string, error) {
	spec, err := For(log, fw)
	if err != nil {
		return nil, err
	}
	root := "templates/" + spec.TemplateDir
	out := map[string]string{}
	walkErr := fs.WalkDir(templatesFS, root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() {
			return nil
		}
		b, rerr := templatesFS.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		out[strings.TrimPrefix(path, root+"/")] = string(b)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("read scaffold templates for %s: %w", fw, walkErr)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("scaffold templates for %s are empty", fw)
	}
	return out, nil
}

// Merge lays the framework scaffold underneath a generated file set.
// Generated content wins on path collision.
func Merge(log *logger.Logger, fw types.Framework, generated map[string]string) (map[string]string, error) {
	merged, err := Files(log, fw)
	if err != nil {
		return nil, err
	}
	for path, content := range generated {
		merged[NormalizePath(path)] = content
	}
	return merged, nil
}

// NormalizePath strips a leading "./" or "/" so scaffold and generated paths
// collide when they name the same file.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	return p
}

func loadManifest() (map[types.Framework]Spec, error) {
	data, err := readManifest()
	if err != nil {
		return nil, err
	}

	var m yamlManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := validateManifest(&m); err != nil {
		return nil, err
	}

	out := make(map[types.Framework]Spec, len(m.Frameworks))
	for _, f := range m.Frameworks {
		fw := types.Framework(strings.TrimSpace(f.Name))
		spec := Spec{
			Framework:      fw,
			DisplayName:    strings.TrimSpace(f.DisplayName),
			Entrypoint:     strings.TrimSpace(f.Entrypoint),
			DependencyFile: strings.TrimSpace(f.DependencyFile),
			StartCommand:   strings.TrimSpace(f.StartCommand),
			TemplateDir:    strings.TrimSpace(f.TemplateDir),
		}
		if spec.TemplateDir == "" {
			spec.TemplateDir = string(fw)
		}
		if spec.DisplayName == "" {
			spec.DisplayName = string(fw)
		}
		out[fw] = spec
	}
	return out, nil
}

func readManifest() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(scaffoldManifestEnv)); path != "" {
		return os.ReadFile(path)
	}
	return manifestFS.ReadFile("manifest.yaml")
}

func validateManifest(m *yamlManifest) error {
	if m == nil {
		return errors.New("missing manifest")
	}
	if strings.TrimSpace(m.Manifest) != "project_scaffolds" {
		return fmt.Errorf("unexpected manifest: %s", m.Manifest)
	}
	if len(m.Frameworks) == 0 {
		return errors.New("no frameworks defined")
	}

	seen := map[string]bool{}
	for _, f := range m.Frameworks {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return errors.New("framework name is required")
		}
		if seen[name] {
			return fmt.Errorf("duplicate framework: %s", name)
		}
		seen[name] = true
		if !types.Framework(name).Valid() {
			return fmt.Errorf("framework %s is not supported", name)
		}
		if strings.TrimSpace(f.Entrypoint) == "" {
			return fmt.Errorf("framework %s: entrypoint is required", name)
		}
		if strings.TrimSpace(f.DependencyFile) == "" {
			return fmt.Errorf("framework %s: dependency_file is required", name)
		}
		if strings.TrimSpace(f.StartCommand) == "" {
			return fmt.Errorf("framework %s: start_command is required", name)
		}
	}
	return nil
}
