package generation

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/jobs/stage"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/services"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	jobrt "github.com/apiforge/apiforge-backend/internal/jobs/runtime"
)

// foldsSnapshot decides whether this run replaces the tree and allocates a
// version. Version-producing commands always fold; a modify-style command
// against a project that has no version yet also folds, because the first
// successful build must leave something runnable behind.
func (r *run) foldsSnapshot() bool {
	if r.plan.Command == types.CommandQuestion {
		return false
	}
	return r.plan.Command.ProducesVersion() || !r.hasPrior
}

// runFinalize persists the run's outcome in one transaction: the version fold
// or the modification proposals, the assistant reply, and the project status
// flip. The sandbox refresh happens after commit; a dead sandbox must never
// roll back a committed version.
func (r *run) runFinalize(jc *jobrt.Context, st *stage.State) (map[string]any, error) {
	if err := r.ensurePlan(st); err != nil {
		return nil, err
	}
	if r.plan.Command == types.CommandQuestion {
		if err := r.ensureAnswer(st); err != nil {
			return nil, err
		}
	} else if err := r.ensureTree(st); err != nil {
		return nil, err
	}

	outs := map[string]any{}
	var refreshTree map[string]string

	txErr := r.p.db.WithContext(jc.Ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: jc.Ctx, Tx: tx}
		var summary string

		switch {
		case r.plan.Command == types.CommandQuestion:
			summary = r.answer
			outs["result"] = "answered"

		case r.foldsSnapshot():
			// Snapshot again inside the transaction: the tree may have
			// drifted since the plan stage read it, and stale-marking keys
			// off the committed state.
			prior, err := r.p.files.Snapshot(dbc, r.project.ID)
			if err != nil {
				return err
			}
			version, err := r.p.versions.Append(dbc, r.project.ID, r.tree, services.AppendMeta{
				Name:        r.plan.Name,
				Description: r.plan.Description,
				CommandType: r.plan.Command,
				JobID:       &jc.Job.ID,
			})
			if err != nil {
				return err
			}
			if err := r.p.files.ReplaceAll(dbc, r.project.ID, r.tree); err != nil {
				return err
			}
			if changed := changedPaths(prior, r.tree); len(changed) > 0 {
				if _, err := r.p.mods.MarkStaleForPaths(dbc, r.project.ID, changed, nil); err != nil {
					return err
				}
			}
			summary = foldSummary(r.plan, version, len(r.tree))
			refreshTree = r.tree
			outs["result"] = "version"
			outs["version_id"] = version.ID.String()
			outs["version_number"] = version.VersionNumber

		default:
			prior, err := r.p.files.Snapshot(dbc, r.project.ID)
			if err != nil {
				return err
			}
			proposals := buildProposals(r.project.ID, jc, r.plan, prior, r.generated)
			if len(proposals) > 0 {
				if err := r.p.mods.Propose(dbc, proposals); err != nil {
					return err
				}
			}
			summary = proposalSummary(r.plan, len(proposals))
			outs["result"] = "proposals"
			outs["proposed"] = len(proposals)
		}

		if _, err := r.p.messages.Create(dbc, &types.ProjectMessage{
			ProjectID: r.project.ID,
			UserID:    jc.Job.OwnerUserID,
			Role:      types.MessageRoleAssistant,
			Content:   summary,
			JobID:     &jc.Job.ID,
		}); err != nil {
			return err
		}
		return r.p.projects.SetStatus(dbc, r.project.ID, types.ProjectStatusCompleted)
	})
	if txErr != nil {
		return nil, faults.MapError("finalize", txErr)
	}

	r.project.Status = types.ProjectStatusCompleted
	if r.p.notify != nil {
		r.p.notify.ProjectUpdated(jc.Job.OwnerUserID, r.project)
	}

	if refreshTree != nil {
		if err := r.p.sandbox.Refresh(jc.Ctx, r.project.ID, refreshTree); err != nil {
			// Advisory: the version is committed, the preview catches up on
			// the next open.
			r.p.log.Warn("sandbox refresh after fold", "project_id", r.project.ID, "error", err)
			outs["sandbox_refreshed"] = false
		} else {
			outs["sandbox_refreshed"] = true
		}
	}
	return outs, nil
}

// finalizeDone reports whether a previous tick already committed this job's
// finalize transaction. Every branch writes the assistant reply inside that
// transaction, so its presence is the marker; without this probe a crash
// between commit and the job-status write would fold a duplicate version on
// resume.
func (r *run) finalizeDone(jc *jobrt.Context, _ *stage.State) (bool, error) {
	msgs, err := r.p.messages.ListByProject(dbctx.Context{Ctx: jc.Ctx}, r.project.ID, 0)
	if err != nil {
		return false, faults.MapError("finalize probe", err)
	}
	for _, m := range msgs {
		if m.Role == types.MessageRoleAssistant && m.JobID != nil && *m.JobID == jc.Job.ID {
			return true, nil
		}
	}
	return false, nil
}

// buildProposals diffs the generated files against the committed tree and
// turns real differences into pending modifications. Identical content is
// dropped; the model often re-emits untouched files.
func buildProposals(projectID uuid.UUID, jc *jobrt.Context, plan *projectPlan, prior, generated map[string]string) []*types.CodeModification {
	var messageID *uuid.UUID
	if id, ok := jc.PayloadUUID("message_id"); ok {
		messageID = &id
	}
	purpose := plan.purposeByPath()

	paths := make([]string, 0, len(generated))
	for p := range generated {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]*types.CodeModification, 0, len(paths))
	for _, p := range paths {
		content := generated[p]
		mod := &types.CodeModification{
			ProjectID:  projectID,
			MessageID:  messageID,
			JobID:      &jc.Job.ID,
			FilePath:   p,
			NewContent: content,
			Reason:     purpose[p],
			Status:     types.ModificationPending,
		}
		if prev, ok := prior[p]; ok {
			if prev == content {
				continue
			}
			old := prev
			mod.OldContent = &old
			mod.ModificationType = types.ModificationEdit
		} else {
			mod.ModificationType = types.ModificationCreate
		}
		out = append(out, mod)
	}
	return out
}

// changedPaths lists every path whose content differs between the two trees,
// deletions included.
func changedPaths(old, new map[string]string) []string {
	paths := make([]string, 0)
	for p, c := range new {
		if prev, ok := old[p]; !ok || prev != c {
			paths = append(paths, p)
		}
	}
	for p := range old {
		if _, ok := new[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

func foldSummary(plan *projectPlan, version *types.Version, fileCount int) string {
	name := plan.Name
	if name == "" {
		name = "your project"
	}
	return fmt.Sprintf("Created version %d of %s with %d files. The sandbox preview is updating now.",
		version.VersionNumber, name, fileCount)
}

func proposalSummary(plan *projectPlan, proposed int) string {
	if proposed == 0 {
		return "The current files already match the request; nothing to change."
	}
	noun := "modifications"
	if proposed == 1 {
		noun = "modification"
	}
	if plan.Command == types.CommandFixError {
		return fmt.Sprintf("Proposed %d %s to fix the reported error. Review and apply them from the changes panel.", proposed, noun)
	}
	return fmt.Sprintf("Proposed %d %s for review. Apply them from the changes panel to update the project.", proposed, noun)
}
