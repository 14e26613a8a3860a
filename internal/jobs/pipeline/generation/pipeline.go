package generation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/jobs/stage"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/pkg/httpx"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	jobrt "github.com/apiforge/apiforge-backend/internal/jobs/runtime"
)

// run is the per-execution working set. The engine memoizes stage outputs in
// the job's result JSONB; a re-entering tick starts with an empty run and
// hydrates plan/tree lazily from that state, so skipped stages still feed the
// ones that remain.
type run struct {
	p       *Pipeline
	project *types.Project

	plan      *projectPlan
	hasPrior  bool
	snapshot  map[string]string // current tree, loaded on demand
	snapOK    bool
	generated map[string]string // exactly what the stream produced
	tree      map[string]string // scaffold/snapshot/generated layered set
	answer    string            // QUESTION flows only
}

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if jc.Job.ProjectID == uuid.Nil {
		jc.Fail(fmt.Errorf("job %s has no project", jc.Job.ID))
		return nil
	}

	project, err := p.projects.GetByID(dbctx.Context{Ctx: jc.Ctx}, jc.Job.ProjectID)
	if err != nil {
		mapped := faults.MapError("load project", err)
		if errors.Is(mapped, faults.ErrNotFound) {
			jc.Fail(mapped)
			return nil
		}
		// DB hiccup: let the tick retry with the job row untouched.
		return mapped
	}

	r := &run{p: p, project: project}
	if err := stage.NewEngine().Run(jc, p.buildStages(r), map[string]any{
		"project_id": project.ID.String(),
	}); err != nil {
		return err
	}

	// Terminal success flips the project inside the finalize transaction;
	// terminal failure flips it here.
	if jc.Job.Status == types.JobStatusFailed {
		if serr := p.projects.SetStatus(dbctx.Context{Ctx: jc.Ctx}, project.ID, types.ProjectStatusFailed); serr != nil {
			p.log.Warn("mark project failed", "project_id", project.ID, "error", serr)
		}
		project.Status = types.ProjectStatusFailed
		if p.notify != nil {
			p.notify.ProjectUpdated(jc.Job.OwnerUserID, project)
		}
	}
	return nil
}

func (p *Pipeline) buildStages(r *run) []stage.Stage {
	plans := stagePlans(p.log)
	out := make([]stage.Stage, 0, len(plans))
	for _, sp := range plans {
		sp := sp
		def := stage.Stage{
			Name:     sp.Name,
			JobStage: sp.JobStage,
			Timeout:  sp.Timeout,
			StartPct: sp.StartPct,
			EndPct:   sp.EndPct,
			StartMsg: sp.StartMsg,
			DoneMsg:  sp.DoneMsg,
			Retry:    sp.Retry,
		}
		def.Retry.Retryable = stageRetryable(sp.Name)

		switch sp.Name {
		case stagePlanName:
			def.Run = func(jc *jobrt.Context, st *stage.State) (map[string]any, error) {
				return r.runPlan(jc, st)
			}
		case stageGenerateName:
			def.Run = func(jc *jobrt.Context, st *stage.State) (map[string]any, error) {
				return r.runGenerate(jc, st, sp)
			}
		case stageValidateName:
			def.Run = func(jc *jobrt.Context, st *stage.State) (map[string]any, error) {
				return r.runValidate(jc, st)
			}
		case stageFinalizeName:
			def.IsDone = func(jc *jobrt.Context, st *stage.State) (bool, error) {
				return r.finalizeDone(jc, st)
			}
			def.Run = func(jc *jobrt.Context, st *stage.State) (map[string]any, error) {
				return r.runFinalize(jc, st)
			}
		}
		out = append(out, def)
	}
	return out
}

// stageRetryable binds the retry predicate per stage. Plan and generate retry
// transient provider failures; finalize retries transient DB failures
// (serialization, lock timeouts, a lost version-number race); validation
// failures are terminal everywhere.
func stageRetryable(name string) func(error) bool {
	switch name {
	case stagePlanName, stageGenerateName:
		return func(err error) bool {
			if errors.Is(err, faults.ErrGenerationValidation) {
				return false
			}
			return errors.Is(err, faults.ErrGenerationTransient) || errors.Is(err, faults.ErrRetryable)
		}
	case stageFinalizeName:
		return func(err error) bool {
			return errors.Is(err, faults.ErrRetryable) || errors.Is(err, faults.ErrVersionConflict)
		}
	default:
		return func(error) bool { return false }
	}
}

// classifyProviderErr wraps retryable transport failures in the transient
// sentinel so the stage retry predicate and the final job error both see it.
func classifyProviderErr(err error) error {
	if err == nil {
		return nil
	}
	if httpx.IsRetryableError(err) {
		return faults.Transient(err)
	}
	return err
}

// -------------------- memoized-state hydration --------------------

// ensurePlan rehydrates the decoded plan from the plan stage's memoized
// outputs when the stage was skipped on a resumed tick.
func (r *run) ensurePlan(st *stage.State) error {
	if r.plan != nil {
		return nil
	}
	outs := stageOutputs(st, stagePlanName)
	if outs == nil {
		return errors.New("plan outputs missing from pipeline state")
	}
	plan, hasPrior, err := planFromOutputs(outs)
	if err != nil {
		return err
	}
	r.plan = plan
	r.hasPrior = hasPrior
	return nil
}

// ensureTree rehydrates the layered file set from the generate stage's
// memoized outputs.
func (r *run) ensureTree(st *stage.State) error {
	if r.tree != nil {
		return nil
	}
	outs := stageOutputs(st, stageGenerateName)
	if outs == nil {
		return errors.New("generate outputs missing from pipeline state")
	}
	tree, err := stringMapFromAny(outs["files"])
	if err != nil {
		return fmt.Errorf("decode generated tree: %w", err)
	}
	r.tree = tree

	if r.generated == nil {
		paths, err := stringSliceFromAny(outs["generated_paths"])
		if err != nil {
			return fmt.Errorf("decode generated paths: %w", err)
		}
		gen := make(map[string]string, len(paths))
		for _, p := range paths {
			if c, ok := tree[p]; ok {
				gen[p] = c
			}
		}
		r.generated = gen
	}
	return nil
}

// ensureAnswer rehydrates the QUESTION answer text.
func (r *run) ensureAnswer(st *stage.State) error {
	if r.answer != "" {
		return nil
	}
	outs := stageOutputs(st, stageGenerateName)
	if outs == nil {
		return errors.New("generate outputs missing from pipeline state")
	}
	answer, _ := outs["answer"].(string)
	if answer == "" {
		return errors.New("question answer missing from pipeline state")
	}
	r.answer = answer
	return nil
}

// ensureSnapshot loads the current tree once per run.
func (r *run) ensureSnapshot(jc *jobrt.Context) error {
	if r.snapOK {
		return nil
	}
	snap, err := r.p.files.Snapshot(dbctx.Context{Ctx: jc.Ctx}, r.project.ID)
	if err != nil {
		return faults.MapError("load current tree", err)
	}
	r.snapshot = snap
	r.snapOK = true
	return nil
}

func stageOutputs(st *stage.State, name string) map[string]any {
	if st == nil || st.Stages == nil {
		return nil
	}
	ss := st.Stages[name]
	if ss == nil || len(ss.Outputs) == 0 {
		return nil
	}
	return ss.Outputs
}

// stringMapFromAny tolerates both the in-process map[string]string and the
// map[string]any a JSON round trip produces.
func stringMapFromAny(v any) (map[string]string, error) {
	switch m := v.(type) {
	case nil:
		return nil, errors.New("missing value")
	case map[string]string:
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("value for %q is not a string", k)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}

func stringSliceFromAny(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), s...), nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element is not a string: %T", item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}

// planFromOutputs round-trips the memoized plan map back into the struct.
func planFromOutputs(outs map[string]any) (*projectPlan, bool, error) {
	b, err := json.Marshal(outs)
	if err != nil {
		return nil, false, err
	}
	var decoded struct {
		Name        string        `json:"name"`
		Description string        `json:"description"`
		CommandType string        `json:"command_type"`
		Files       []plannedFile `json:"files"`
		HasPrior    bool          `json:"has_prior_version"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, false, err
	}
	command := types.CommandType(decoded.CommandType)
	if !command.Valid() {
		return nil, false, fmt.Errorf("memoized plan has unknown command_type %q", decoded.CommandType)
	}
	return &projectPlan{
		Name:        decoded.Name,
		Description: decoded.Description,
		Command:     command,
		Files:       decoded.Files,
	}, decoded.HasPrior, nil
}
