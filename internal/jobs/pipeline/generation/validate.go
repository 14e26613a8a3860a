package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/jobs/stage"
	"github.com/apiforge/apiforge-backend/internal/observability"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
	"github.com/apiforge/apiforge-backend/internal/scaffold"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	jobrt "github.com/apiforge/apiforge-backend/internal/jobs/runtime"
)

// runValidate checks the composed tree for structural problems before any of
// it is persisted. Failures here are terminal for the job; there is nothing
// to retry when the entrypoint is missing or a JSON file does not parse.
func (r *run) runValidate(jc *jobrt.Context, st *stage.State) (map[string]any, error) {
	if err := r.ensurePlan(st); err != nil {
		return nil, err
	}
	if r.plan.Command == types.CommandQuestion {
		return map[string]any{"skipped": "question"}, nil
	}
	if err := r.ensureTree(st); err != nil {
		return nil, err
	}
	if issue := validateTree(r.p.log, r.project.Framework, r.tree); issue != nil {
		observability.ReportValidationIssues(jc.Ctx, r.p.log, string(r.project.Framework),
			[]string{issue.Error()}, map[string]any{
				"project_id": r.project.ID.String(),
				"job_id":     jc.Job.ID.String(),
			})
		return nil, faults.Validation(issue)
	}
	return map[string]any{"checked_files": len(r.tree)}, nil
}

// validateTree runs the structural checks over the full tree in path order
// and reports the first issue found.
func validateTree(log *logger.Logger, fw types.Framework, files map[string]string) *faults.ValidationIssue {
	if len(files) == 0 {
		return &faults.ValidationIssue{Detail: "no files generated"}
	}
	spec, err := scaffold.For(log, fw)
	if err != nil {
		return &faults.ValidationIssue{Detail: err.Error()}
	}
	if _, ok := files[spec.Entrypoint]; !ok {
		return &faults.ValidationIssue{File: spec.Entrypoint, Detail: "entrypoint is missing"}
	}
	if _, ok := files[spec.DependencyFile]; !ok {
		return &faults.ValidationIssue{File: spec.DependencyFile, Detail: "dependency file is missing"}
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if issue := checkPath(p); issue != nil {
			return issue
		}
		content := files[p]
		switch {
		case strings.HasSuffix(p, ".json"):
			if issue := checkJSON(p, content); issue != nil {
				return issue
			}
		case strings.HasSuffix(p, ".py"):
			if issue := checkTripleQuotes(p, content); issue != nil {
				return issue
			}
			if issue := checkIndentation(p, content); issue != nil {
				return issue
			}
		case strings.HasSuffix(p, ".js"), strings.HasSuffix(p, ".mjs"), strings.HasSuffix(p, ".cjs"):
			if issue := checkJSFile(p, content); issue != nil {
				return issue
			}
		}
	}
	return nil
}

// checkPath rejects anything that would resolve outside the project root once
// written to a sandbox filesystem.
func checkPath(p string) *faults.ValidationIssue {
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return &faults.ValidationIssue{File: p, Detail: "path escapes the project root"}
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return &faults.ValidationIssue{File: p, Detail: "path escapes the project root"}
		}
	}
	return nil
}

func checkJSON(path, content string) *faults.ValidationIssue {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		line := 0
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			line = lineOfOffset(content, syn.Offset)
		}
		return &faults.ValidationIssue{File: path, Line: line, Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

// checkTripleQuotes scans for an odd number of """ or ''' delimiters. It does
// not model one delimiter nested inside the other; generated code that does
// that is rare enough that the false positive is acceptable.
func checkTripleQuotes(path, content string) *faults.ValidationIssue {
	for _, delim := range []string{`"""`, `'''`} {
		open := false
		openLine := 0
		line := 1
		for i := 0; i < len(content); {
			if content[i] == '\n' {
				line++
				i++
				continue
			}
			if i+len(delim) <= len(content) && content[i:i+len(delim)] == delim {
				if open {
					open = false
				} else {
					open = true
					openLine = line
				}
				i += len(delim)
				continue
			}
			i++
		}
		if open {
			return &faults.ValidationIssue{
				File:   path,
				Line:   openLine,
				Detail: fmt.Sprintf("unclosed triple-quoted string (%s)", delim),
			}
		}
	}
	return nil
}

// checkIndentation rejects a tab/space mix, either within one line's leading
// run or across the file. Whitespace-only lines are ignored.
func checkIndentation(path, content string) *faults.ValidationIssue {
	sawTab := false
	sawSpace := false
	for n, raw := range strings.Split(content, "\n") {
		line := n + 1
		if strings.TrimSpace(raw) == "" {
			continue
		}
		indent := raw[:len(raw)-len(strings.TrimLeft(raw, " \t"))]
		if indent == "" {
			continue
		}
		hasTab := strings.ContainsRune(indent, '\t')
		hasSpace := strings.ContainsRune(indent, ' ')
		if hasTab && hasSpace {
			return &faults.ValidationIssue{File: path, Line: line, Detail: "mixed tabs and spaces in indentation"}
		}
		if hasTab {
			if sawSpace {
				return &faults.ValidationIssue{File: path, Line: line, Detail: "file mixes tab and space indentation"}
			}
			sawTab = true
		}
		if hasSpace {
			if sawTab {
				return &faults.ValidationIssue{File: path, Line: line, Detail: "file mixes tab and space indentation"}
			}
			sawSpace = true
		}
	}
	return nil
}

const (
	jsCode = iota
	jsSingle
	jsDouble
	jsBacktick
	jsLineComment
	jsBlockComment
)

// checkJSFile walks the file with a small string/comment state machine and
// reports a quote state still open at end of file. A newline closes ' and "
// states without reporting; only template literals legitimately span lines,
// and reporting mid-file would flag regex literals and the like.
func checkJSFile(path, content string) *faults.ValidationIssue {
	state := jsCode
	line := 1
	openLine := 0
	escaped := false

	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '\n' {
			line++
		}
		switch state {
		case jsCode:
			switch c {
			case '\'':
				state = jsSingle
				openLine = line
			case '"':
				state = jsDouble
				openLine = line
			case '`':
				state = jsBacktick
				openLine = line
			case '/':
				if i+1 < len(content) {
					switch content[i+1] {
					case '/':
						state = jsLineComment
						i++
					case '*':
						state = jsBlockComment
						i++
					}
				}
			}
		case jsSingle, jsDouble:
			if escaped {
				escaped = false
				break
			}
			switch c {
			case '\\':
				escaped = true
			case '\n':
				state = jsCode
			case '\'':
				if state == jsSingle {
					state = jsCode
				}
			case '"':
				if state == jsDouble {
					state = jsCode
				}
			}
		case jsBacktick:
			if escaped {
				escaped = false
				break
			}
			switch c {
			case '\\':
				escaped = true
			case '`':
				state = jsCode
			}
		case jsLineComment:
			if c == '\n' {
				state = jsCode
			}
		case jsBlockComment:
			if c == '*' && i+1 < len(content) && content[i+1] == '/' {
				state = jsCode
				i++
			}
		}
	}

	switch state {
	case jsSingle, jsDouble:
		return &faults.ValidationIssue{File: path, Line: openLine, Detail: "unterminated string literal"}
	case jsBacktick:
		return &faults.ValidationIssue{File: path, Line: openLine, Detail: "unterminated template literal"}
	}
	return nil
}

// lineOfOffset converts a byte offset into a 1-based line number.
func lineOfOffset(s string, off int64) int {
	if off < 0 {
		off = 0
	}
	if off > int64(len(s)) {
		off = int64(len(s))
	}
	line := 1
	for i := int64(0); i < off; i++ {
		if s[i] == '\n' {
			line++
		}
	}
	return line
}
