package generation

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/jobs/stage"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

const pipelineSpecEnv = "GENERATION_PIPELINE_YAML"

//go:embed generation.yaml
var pipelineSpecFS embed.FS

const (
	stagePlanName     = "plan"
	stageGenerateName = "generate"
	stageValidateName = "validate"
	stageFinalizeName = "finalize"
)

// stagePlan is the tunable half of a stage: the window, the messages and the
// retry budget. The body is bound by name in buildStages.
type stagePlan struct {
	Name     string
	JobStage types.Stage
	StartPct int
	EndPct   int
	StartMsg string
	DoneMsg  string
	Timeout  time.Duration
	Retry    stage.RetryPolicy
}

// fallback plan used when the YAML is missing or invalid
var fallbackStagePlans = []stagePlan{
	{
		Name: stagePlanName, JobStage: types.StageInitializing,
		StartPct: 2, EndPct: 15,
		StartMsg: "Interpreting prompt", DoneMsg: "Plan ready",
		Timeout: 2 * time.Minute,
		Retry:   stage.RetryPolicy{MaxAttempts: 3, MinBackoff: 500 * time.Millisecond, MaxBackoff: 8 * time.Second, JitterFrac: 0.2},
	},
	{
		Name: stageGenerateName, JobStage: types.StageGenerating,
		StartPct: 15, EndPct: 75,
		StartMsg: "Generating project files", DoneMsg: "Files generated",
		Timeout: 15 * time.Minute,
		Retry:   stage.RetryPolicy{MaxAttempts: 3, MinBackoff: time.Second, MaxBackoff: 15 * time.Second, JitterFrac: 0.2},
	},
	{
		Name: stageValidateName, JobStage: types.StageValidating,
		StartPct: 75, EndPct: 90,
		StartMsg: "Validating generated files", DoneMsg: "Validation passed",
		Timeout: time.Minute,
		Retry:   stage.RetryPolicy{MaxAttempts: 1},
	},
	{
		Name: stageFinalizeName, JobStage: types.StageValidating,
		StartPct: 90, EndPct: 100,
		StartMsg: "Saving results", DoneMsg: "Generation complete",
		Timeout: 2 * time.Minute,
		Retry:   stage.RetryPolicy{MaxAttempts: 3, MinBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second, JitterFrac: 0.2},
	},
}

type yamlPipelineSpec struct {
	Pipeline string          `yaml:"pipeline"`
	Version  int             `yaml:"version"`
	Stages   []yamlStageSpec `yaml:"stages"`
}

type yamlStageSpec struct {
	Name           string     `yaml:"name"`
	JobStage       string     `yaml:"job_stage"`
	StartPct       *int       `yaml:"start_pct"`
	EndPct         *int       `yaml:"end_pct"`
	StartMsg       string     `yaml:"start_msg"`
	DoneMsg        string     `yaml:"done_msg"`
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	Retry          *yamlRetry `yaml:"retry"`
}

type yamlRetry struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	MinBackoffMS int     `yaml:"min_backoff_ms"`
	MaxBackoffMS int     `yaml:"max_backoff_ms"`
	JitterFrac   float64 `yaml:"jitter_frac"`
}

var specOnce sync.Once
var specCache []stagePlan
var specErr error

// stagePlans returns the tuned stage list, loading the YAML once per process.
// A broken YAML never breaks generation: it logs and falls back.
func stagePlans(log *logger.Logger) []stagePlan {
	specOnce.Do(func() {
		specCache, specErr = loadStagePlans()
	})
	if specErr != nil {
		if log != nil {
			log.Warn("generation: stage plan load failed; using fallback", "error", specErr)
		}
		return fallbackStagePlans
	}
	return specCache
}

func loadStagePlans() ([]stagePlan, error) {
	data, err := readPipelineSpec()
	if err != nil {
		return nil, err
	}
	return parseStagePlans(data)
}

func readPipelineSpec() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(pipelineSpecEnv)); path != "" {
		return os.ReadFile(path)
	}
	return pipelineSpecFS.ReadFile("generation.yaml")
}

// parseStagePlans decodes and validates the YAML against the fixed stage set.
// The four stages are mandatory and must stay in order; the YAML tunes their
// windows, never their existence.
func parseStagePlans(data []byte) ([]stagePlan, error) {
	var spec yamlPipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Pipeline) != types.JobTypeProjectGeneration {
		return nil, fmt.Errorf("unexpected pipeline: %q", spec.Pipeline)
	}
	if len(spec.Stages) != len(fallbackStagePlans) {
		return nil, fmt.Errorf("expected %d stages, got %d", len(fallbackStagePlans), len(spec.Stages))
	}

	out := make([]stagePlan, 0, len(spec.Stages))
	lastEnd := -1
	for i, ys := range spec.Stages {
		base := fallbackStagePlans[i]
		if strings.TrimSpace(ys.Name) != base.Name {
			return nil, fmt.Errorf("stage %d: expected %q, got %q", i, base.Name, ys.Name)
		}

		plan := base
		if js := strings.TrimSpace(ys.JobStage); js != "" {
			st, err := parseJobStage(js)
			if err != nil {
				return nil, fmt.Errorf("stage %q: %w", ys.Name, err)
			}
			plan.JobStage = st
		}
		if ys.StartPct != nil {
			plan.StartPct = *ys.StartPct
		}
		if ys.EndPct != nil {
			plan.EndPct = *ys.EndPct
		}
		if plan.StartPct < 0 || plan.EndPct > 100 || plan.EndPct < plan.StartPct {
			return nil, fmt.Errorf("stage %q: bad progress window %d..%d", ys.Name, plan.StartPct, plan.EndPct)
		}
		if plan.EndPct < lastEnd {
			return nil, fmt.Errorf("stage %q: progress regresses below previous stage", ys.Name)
		}
		lastEnd = plan.EndPct

		if ys.StartMsg != "" {
			plan.StartMsg = ys.StartMsg
		}
		if ys.DoneMsg != "" {
			plan.DoneMsg = ys.DoneMsg
		}
		if ys.TimeoutSeconds > 0 {
			plan.Timeout = time.Duration(ys.TimeoutSeconds) * time.Second
		}
		if ys.Retry != nil {
			if ys.Retry.MaxAttempts <= 0 {
				return nil, fmt.Errorf("stage %q: retry.max_attempts must be >= 1", ys.Name)
			}
			plan.Retry = stage.RetryPolicy{
				MaxAttempts: ys.Retry.MaxAttempts,
				MinBackoff:  time.Duration(ys.Retry.MinBackoffMS) * time.Millisecond,
				MaxBackoff:  time.Duration(ys.Retry.MaxBackoffMS) * time.Millisecond,
				JitterFrac:  ys.Retry.JitterFrac,
			}
		}
		out = append(out, plan)
	}

	if len(out) == 0 {
		return nil, errors.New("no stages defined")
	}
	return out, nil
}

func parseJobStage(s string) (types.Stage, error) {
	switch st := types.Stage(strings.ToLower(strings.TrimSpace(s))); st {
	case types.StageIdle, types.StageInitializing, types.StageGenerating, types.StageValidating, types.StageComplete, types.StageError:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job_stage %q", s)
	}
}
