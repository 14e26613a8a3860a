package generation

import (
	"fmt"
	"sort"
	"strings"

	types "github.com/apiforge/apiforge-backend/internal/domain"
)

// Context caps keep incremental and question prompts bounded on big trees.
// Files past the total cap are listed by name only.
const (
	promptPerFileCap = 8 * 1024
	promptTotalCap   = 96 * 1024
)

const planSystemPrompt = "You plan backend code generation for a hosted project builder.\n\n" +
	"Rules:\n" +
	"- Classify the request as exactly one command_type: CREATE, MODIFY, CREATE_AND_LINK, FIX_ERROR or QUESTION.\n" +
	"- CREATE regenerates the whole project. MODIFY and FIX_ERROR touch only the files the request needs.\n" +
	"- QUESTION means the user wants an answer, not code changes.\n" +
	"- List every file you intend to write under files, each with a one-line purpose.\n" +
	"- Use forward-slash relative paths only. Never use absolute paths or '..'.\n"

func planUserPrompt(project *types.Project, request string, snapshot map[string]string, hasPrior bool, latestVersion int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nFramework: %s\n", project.Name, project.Framework)
	if hasPrior {
		fmt.Fprintf(&b, "Latest version: %d\nCurrent files:\n%s", latestVersion, fileList(snapshot))
	} else {
		b.WriteString("The project has no files yet.\n")
	}
	fmt.Fprintf(&b, "\nRequest:\n%s\n", request)
	b.WriteString("\nReturn JSON with name, description, command_type and files (path, purpose).\n")
	return b.String()
}

func generateSystemPrompt(fw types.Framework) string {
	base := "You generate complete, runnable backend project files.\n\n" +
		"Rules:\n" +
		"- Emit every planned file in full. Never truncate a file or elide parts with comments.\n" +
		"- Use forward-slash relative paths only.\n" +
		"- Every .json file must parse.\n"
	switch fw {
	case types.FrameworkFastAPI:
		return base + "- Target FastAPI: main.py is the entrypoint, requirements.txt lists dependencies. Indent with four spaces and close every docstring.\n"
	case types.FrameworkExpress:
		return base + "- Target Express: index.js is the entrypoint, package.json lists dependencies and must stay valid JSON.\n"
	default:
		return base
	}
}

func generateUserPrompt(project *types.Project, plan *projectPlan, request string, snapshot map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nFramework: %s\nCommand: %s\n", project.Name, project.Framework, plan.Command)
	fmt.Fprintf(&b, "\nRequest:\n%s\n", request)
	if plan.Description != "" {
		fmt.Fprintf(&b, "\nInterpretation: %s\n", plan.Description)
	}
	if len(plan.Files) > 0 {
		b.WriteString("\nPlanned files:\n")
		for _, f := range plan.Files {
			if f.Purpose != "" {
				fmt.Fprintf(&b, "- %s: %s\n", f.Path, f.Purpose)
			} else {
				fmt.Fprintf(&b, "- %s\n", f.Path)
			}
		}
	}
	if !plan.Command.ProducesVersion() && len(snapshot) > 0 {
		b.WriteString("\nCURRENT_SOURCES:\n")
		b.WriteString(treeContext(snapshot, plannedPaths(plan)))
		b.WriteString("\nReturn the full new content for every file you change; untouched files stay as they are.\n")
	}
	b.WriteString("\nWrite every planned file in full.\n")
	return b.String()
}

const questionSystemPrompt = "You answer questions about a generated backend project.\n\n" +
	"Rules:\n" +
	"- Ground every statement in the provided sources.\n" +
	"- Say so plainly when the sources do not contain the answer.\n" +
	"- Keep answers short and concrete. Reference files by path.\n"

func questionUserPrompt(project *types.Project, request string, snapshot map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nFramework: %s\n", project.Name, project.Framework)
	if len(snapshot) > 0 {
		b.WriteString("\nSOURCES:\n")
		b.WriteString(treeContext(snapshot, nil))
	} else {
		b.WriteString("\nThe project has no files yet.\n")
	}
	fmt.Fprintf(&b, "\nQuestion:\n%s\n", request)
	return b.String()
}

func plannedPaths(plan *projectPlan) []string {
	out := make([]string, 0, len(plan.Files))
	for _, f := range plan.Files {
		out = append(out, f.Path)
	}
	return out
}

// fileList renders a sorted name-and-size listing.
func fileList(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "- %s (%d bytes)\n", p, len(files[p]))
	}
	return b.String()
}

// treeContext renders file contents fenced by path markers, priority paths
// first, honoring the per-file and total caps.
func treeContext(files map[string]string, priority []string) string {
	ordered := make([]string, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, p := range priority {
		if _, ok := files[p]; ok {
			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				ordered = append(ordered, p)
			}
		}
	}
	rest := make([]string, 0, len(files))
	for p := range files {
		if _, ok := seen[p]; !ok {
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)
	ordered = append(ordered, rest...)

	var b strings.Builder
	var skipped []string
	for _, p := range ordered {
		content := files[p]
		if b.Len() >= promptTotalCap {
			skipped = append(skipped, p)
			continue
		}
		if len(content) > promptPerFileCap {
			content = content[:promptPerFileCap] + "\n... [truncated]"
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", p, content)
	}
	if len(skipped) > 0 {
		b.WriteString("\nOmitted for length:\n")
		for _, p := range skipped {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	return b.String()
}
