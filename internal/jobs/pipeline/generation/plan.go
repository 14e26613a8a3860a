package generation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/jobs/stage"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/scaffold"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	jobrt "github.com/apiforge/apiforge-backend/internal/jobs/runtime"
)

// plannedFile is one file the model intends to produce, with the reason it
// picked it. Purpose feeds modification proposals on incremental runs.
type plannedFile struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose,omitempty"`
}

// projectPlan is the normalized interpretation of the user's prompt.
type projectPlan struct {
	Name        string
	Description string
	Command     types.CommandType
	Files       []plannedFile
}

// purposeByPath indexes planned purposes for proposal reasons.
func (pl *projectPlan) purposeByPath() map[string]string {
	out := make(map[string]string, len(pl.Files))
	for _, f := range pl.Files {
		if f.Purpose != "" {
			out[f.Path] = f.Purpose
		}
	}
	return out
}

// rawPlan mirrors the JSON document requested from the model.
type rawPlan struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	CommandType string        `json:"command_type"`
	Files       []plannedFile `json:"files"`
}

// runPlan asks the completion provider to interpret the prompt against the
// project's current tree and classify the requested command.
func (r *run) runPlan(jc *jobrt.Context, _ *stage.State) (map[string]any, error) {
	if err := r.ensureSnapshot(jc); err != nil {
		return nil, err
	}

	hasPrior := false
	latest := 0
	switch v, err := r.p.versions.LatestCompleted(dbctx.Context{Ctx: jc.Ctx}, r.project.ID); {
	case err == nil:
		hasPrior = true
		latest = v.VersionNumber
	case errors.Is(err, faults.ErrNotFound):
	default:
		return nil, err
	}

	prompt := strings.TrimSpace(jc.Job.Prompt)
	if prompt == "" {
		prompt = strings.TrimSpace(jc.PayloadString("prompt"))
	}
	if prompt == "" {
		return nil, errors.New("job carries no prompt")
	}

	var raw rawPlan
	user := planUserPrompt(r.project, prompt, r.snapshot, hasPrior, latest)
	if err := r.p.ai.GenerateJSON(jc.Ctx, planSystemPrompt, user, &raw); err != nil {
		return nil, classifyProviderErr(err)
	}

	plan, err := normalizePlan(raw, hasPrior)
	if err != nil {
		return nil, err
	}

	r.plan = plan
	r.hasPrior = hasPrior
	r.p.log.Info("plan ready",
		"job_id", jc.Job.ID,
		"project_id", r.project.ID,
		"command_type", plan.Command,
		"planned_files", len(plan.Files),
		"has_prior_version", hasPrior,
	)

	return map[string]any{
		"name":              plan.Name,
		"description":       plan.Description,
		"command_type":      string(plan.Command),
		"files":             plan.Files,
		"has_prior_version": hasPrior,
	}, nil
}

// normalizePlan trims and deduplicates what the model returned.
func normalizePlan(raw rawPlan, hasPrior bool) (*projectPlan, error) {
	command, err := normalizeCommandType(raw.CommandType, hasPrior)
	if err != nil {
		return nil, err
	}

	files := make([]plannedFile, 0, len(raw.Files))
	seen := make(map[string]struct{}, len(raw.Files))
	for _, f := range raw.Files {
		path := scaffold.NormalizePath(f.Path)
		if path == "" {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, plannedFile{Path: path, Purpose: strings.TrimSpace(f.Purpose)})
	}

	return &projectPlan{
		Name:        strings.TrimSpace(raw.Name),
		Description: strings.TrimSpace(raw.Description),
		Command:     command,
		Files:       files,
	}, nil
}

// normalizeCommandType maps the model's free-form classification onto the
// closed command set. Near-miss aliases are folded in; anything else is a
// schema violation worth one more attempt, so it is wrapped transient.
func normalizeCommandType(raw string, hasPrior bool) (types.CommandType, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")

	switch s {
	case "FIX", "FIX_ERRORS", "FIXERROR":
		s = string(types.CommandFixError)
	case "EDIT", "UPDATE", "CHANGE", "MODIFICATION":
		s = string(types.CommandModify)
	case "NEW", "BUILD", "GENERATE":
		s = string(types.CommandCreate)
	case "ASK", "ANSWER":
		s = string(types.CommandQuestion)
	case "LINK", "CREATE_LINK":
		s = string(types.CommandCreateAndLink)
	}

	if s == "" {
		if hasPrior {
			return types.CommandModify, nil
		}
		return types.CommandCreate, nil
	}

	command := types.CommandType(s)
	if !command.Valid() {
		return "", faults.Transient(fmt.Errorf("model returned unknown command type %q", raw))
	}
	return command, nil
}
