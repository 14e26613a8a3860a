package generation

import "strings"

// FileStreamStatus is the per-file phase reported while streaming.
type FileStreamStatus string

const (
	FileAnalyzing FileStreamStatus = "analyzing"
	FileReading   FileStreamStatus = "reading"
	FileWriting   FileStreamStatus = "writing"
	FileComplete  FileStreamStatus = "complete"
)

// GeneratedFile is an in-flight file during the generating stage. It lives in
// pipeline memory only; the finished set folds into a Version or into
// modification proposals and the GeneratedFiles are discarded.
type GeneratedFile struct {
	Filename  string
	Status    FileStreamStatus
	Relevance float64

	builder  strings.Builder
	complete bool
}

// Append adds a chunk in stream order.
func (g *GeneratedFile) Append(chunk string) {
	g.builder.WriteString(chunk)
	if g.Status == "" || g.Status == FileAnalyzing || g.Status == FileReading {
		g.Status = FileWriting
	}
}

// Finish marks streaming done for this file.
func (g *GeneratedFile) Finish() {
	g.complete = true
	g.Status = FileComplete
}

func (g *GeneratedFile) Done() bool      { return g.complete }
func (g *GeneratedFile) Content() string { return g.builder.String() }
func (g *GeneratedFile) Bytes() int      { return g.builder.Len() }
