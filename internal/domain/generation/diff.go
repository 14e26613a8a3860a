package generation

import "sort"

// FileChangeState classifies one path of a version against its predecessor.
type FileChangeState string

const (
	FileNew       FileChangeState = "new"
	FileModified  FileChangeState = "modified"
	FileUnchanged FileChangeState = "unchanged"
)

type FileDiff struct {
	Path  string          `json:"path"`
	State FileChangeState `json:"state"`
}

// DiffAgainstPrevious classifies every path in files against prev. A nil prev
// map is an empty predecessor, so everything comes back new. Paths that exist
// only in prev were removed and do not appear in the result at all. Output is
// sorted by path.
func DiffAgainstPrevious(files, prev map[string]string) []FileDiff {
	out := make([]FileDiff, 0, len(files))
	for path, content := range files {
		old, existed := prev[path]
		switch {
		case !existed:
			out = append(out, FileDiff{Path: path, State: FileNew})
		case old != content:
			out = append(out, FileDiff{Path: path, State: FileModified})
		default:
			out = append(out, FileDiff{Path: path, State: FileUnchanged})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
