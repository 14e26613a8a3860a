package promptstyle

import "strings"

const marker = "APIFORGE_PROMPT_STYLE_V1"

// ApplySystem prepends a concise, structured guidance block to system prompts.
// It is intentionally minimal to avoid changing task semantics while improving
// output quality.
func ApplySystem(system string, mode string) string {
	base := strings.TrimSpace(system)
	if base == "" {
		return base
	}
	if strings.Contains(base, marker) {
		return base
	}
	mode = strings.ToLower(strings.TrimSpace(mode))

	taskSummary := ""
	for _, line := range strings.Split(base, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			taskSummary = trimmed
			break
		}
	}

	var b strings.Builder
	b.WriteString(marker)
	b.WriteString("\nYou are a careful backend code generator for ApiForge.")
	if taskSummary != "" {
		b.WriteString("\nTask summary: " + taskSummary)
	}
	b.WriteString("\nFollow the system and user instructions precisely.")
	b.WriteString("\nIf an output format or schema is specified, output only that format.")
	b.WriteString("\nDo not add analysis or extra commentary.")
	b.WriteString("\nUse provided inputs as grounding; do not invent APIs or files that were not asked for.")
	b.WriteString("\nIf information is missing, use conservative, runnable defaults.")
	switch mode {
	case "json":
		b.WriteString("\nReturn a single JSON object that conforms to the requested shape and contains no extra keys.")
	case "files":
		b.WriteString("\nEmit one JSON object per line, nothing else: {\"filename\",\"chunk\",\"is_final\",\"status\",\"relevance\"}.")
		b.WriteString("\nNever interleave chunks of one file out of order; finish every file with is_final true.")
	default:
		b.WriteString("\nBe concise and structured when helpful.")
	}
	b.WriteString("\n---\n")
	b.WriteString(base)
	return strings.TrimSpace(b.String())
}
