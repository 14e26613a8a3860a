package generation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/jobs/stage"
	"github.com/apiforge/apiforge-backend/internal/platform/ai"
	"github.com/apiforge/apiforge-backend/internal/scaffold"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	jobrt "github.com/apiforge/apiforge-backend/internal/jobs/runtime"
)

// runGenerate streams the planned files from the provider and layers them
// into a full tree. QUESTION commands produce a text answer instead.
func (r *run) runGenerate(jc *jobrt.Context, st *stage.State, sp stagePlan) (map[string]any, error) {
	if err := r.ensurePlan(st); err != nil {
		return nil, err
	}
	if r.plan.Command == types.CommandQuestion {
		return r.runAnswer(jc)
	}
	if err := r.ensureSnapshot(jc); err != nil {
		return nil, err
	}

	inFlight := make(map[string]*types.GeneratedFile)
	planned := len(r.plan.Files)
	if planned < 1 {
		planned = 1
	}
	// Leave the last point of the window for composing the tree.
	span := sp.EndPct - sp.StartPct - 1
	if span < 0 {
		span = 0
	}
	lastPct := sp.StartPct
	done := 0

	onEvent := func(ev ai.FileEvent) {
		name := scaffold.NormalizePath(ev.Filename)
		if name == "" {
			return
		}
		gf := inFlight[name]
		if gf == nil {
			gf = &types.GeneratedFile{Filename: name}
			inFlight[name] = gf
		}
		if status := fileStatusFrom(ev.Status); status != "" {
			gf.Status = status
		}
		if ev.Relevance > 0 {
			gf.Relevance = ev.Relevance
		}
		if ev.Chunk != "" {
			gf.Append(ev.Chunk)
		}
		if ev.IsFinal && !gf.Done() {
			gf.Finish()
			done++
			denom := planned
			if done > denom {
				denom = done
			}
			if pct := sp.StartPct + span*done/denom; pct > lastPct {
				lastPct = pct
				jc.Progress(sp.JobStage, pct, fmt.Sprintf("Generated %s", name))
			}
		}
		if jc.Notify != nil {
			jc.Notify.FileProgress(jc.Job.OwnerUserID, jc.Job, name, gf.Status, gf.Relevance)
		}
	}

	request := jc.Job.Prompt
	if request == "" {
		request = jc.PayloadString("prompt")
	}
	req := ai.StreamRequest{
		System: generateSystemPrompt(r.project.Framework),
		Prompt: generateUserPrompt(r.project, r.plan, request, r.snapshot),
	}
	if err := r.p.ai.StreamProject(jc.Ctx, req, onEvent); err != nil {
		return nil, classifyProviderErr(err)
	}

	generated := make(map[string]string, len(inFlight))
	for name, gf := range inFlight {
		// Files the stream opened but never wrote to are noise; empty files
		// that reached final (an __init__.py, a .gitkeep) are real.
		if !gf.Done() && gf.Bytes() == 0 {
			continue
		}
		generated[name] = gf.Content()
	}
	if len(generated) == 0 {
		return nil, faults.Transient(errors.New("stream produced no files"))
	}
	r.generated = generated

	tree, err := r.composeTree(generated)
	if err != nil {
		return nil, err
	}
	r.tree = tree

	paths := make([]string, 0, len(generated))
	bytes := 0
	for name, content := range generated {
		paths = append(paths, name)
		bytes += len(content)
	}
	sort.Strings(paths)

	r.p.log.Info("files generated",
		"job_id", jc.Job.ID,
		"project_id", r.project.ID,
		"generated_files", len(paths),
		"generated_bytes", bytes,
		"tree_files", len(tree),
	)

	return map[string]any{
		"files":           tree,
		"generated_paths": paths,
		"generated_files": len(paths),
		"generated_bytes": bytes,
	}, nil
}

// runAnswer handles QUESTION commands: one text completion, no files.
func (r *run) runAnswer(jc *jobrt.Context) (map[string]any, error) {
	if err := r.ensureSnapshot(jc); err != nil {
		return nil, err
	}
	prompt := jc.Job.Prompt
	if prompt == "" {
		prompt = jc.PayloadString("prompt")
	}
	answer, err := r.p.ai.GenerateText(jc.Ctx, questionSystemPrompt, questionUserPrompt(r.project, prompt, r.snapshot))
	if err != nil {
		return nil, classifyProviderErr(err)
	}
	if answer == "" {
		return nil, faults.Transient(errors.New("provider returned an empty answer"))
	}
	r.answer = answer
	return map[string]any{"answer": answer}, nil
}

// composeTree layers the file sources into the final set. A fresh build is
// scaffold under generated; an incremental run keeps the live tree between
// them so untouched files survive.
func (r *run) composeTree(generated map[string]string) (map[string]string, error) {
	switch r.plan.Command {
	case types.CommandCreate, types.CommandCreateAndLink:
		tree, err := scaffold.Merge(r.p.log, r.project.Framework, generated)
		if err != nil {
			return nil, err
		}
		return tree, nil
	default:
		base, err := scaffold.Files(r.p.log, r.project.Framework)
		if err != nil {
			return nil, err
		}
		tree := make(map[string]string, len(base)+len(r.snapshot)+len(generated))
		for name, content := range base {
			tree[name] = content
		}
		for name, content := range r.snapshot {
			tree[scaffold.NormalizePath(name)] = content
		}
		for name, content := range generated {
			tree[scaffold.NormalizePath(name)] = content
		}
		return tree, nil
	}
}

// fileStatusFrom maps the provider's per-file phase onto the domain statuses.
// Unknown phases leave the current status alone.
func fileStatusFrom(s string) types.FileStreamStatus {
	switch s {
	case string(types.FileAnalyzing):
		return types.FileAnalyzing
	case string(types.FileReading):
		return types.FileReading
	case string(types.FileWriting):
		return types.FileWriting
	case string(types.FileComplete):
		return types.FileComplete
	default:
		return ""
	}
}
