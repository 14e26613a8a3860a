package ai

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// StreamRequest carries the prompts for a project-generation stream.
type StreamRequest struct {
	System string
	Prompt string
}

// FileEvent is one file-generation event from the provider stream.
// Status is the provider's per-file phase (analyzing/reading/writing/complete);
// Relevance is an optional context-retrieval score.
type FileEvent struct {
	Filename  string  `json:"filename"`
	Chunk     string  `json:"chunk"`
	IsFinal   bool    `json:"is_final"`
	Status    string  `json:"status,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// fileEventDecoder re-frames arbitrary text deltas into newline-delimited
// JSON file events. Lines that do not decode are counted and skipped; models
// occasionally emit stray prose around the event lines.
type fileEventDecoder struct {
	buf       strings.Builder
	emitted   int
	malformed int
}

func newFileEventDecoder() *fileEventDecoder {
	return &fileEventDecoder{}
}

func (d *fileEventDecoder) Feed(delta string, onEvent func(FileEvent)) {
	if delta == "" {
		return
	}
	d.buf.WriteString(delta)
	for {
		s := d.buf.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			return
		}
		line := s[:idx]
		rest := s[idx+1:]
		d.buf.Reset()
		d.buf.WriteString(rest)
		d.decodeLine(line, onEvent)
	}
}

// Flush decodes whatever remains in the buffer as a final line. Providers
// are not required to terminate the last event with a newline.
func (d *fileEventDecoder) Flush(onEvent func(FileEvent)) {
	line := d.buf.String()
	d.buf.Reset()
	d.decodeLine(line, onEvent)
}

func (d *fileEventDecoder) decodeLine(line string, onEvent func(FileEvent)) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "{") {
		d.malformed++
		return
	}
	var ev FileEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		d.malformed++
		return
	}
	if strings.TrimSpace(ev.Filename) == "" {
		d.malformed++
		return
	}
	d.emitted++
	if onEvent != nil {
		onEvent(ev)
	}
}

func (d *fileEventDecoder) Emitted() int   { return d.emitted }
func (d *fileEventDecoder) Malformed() int { return d.malformed }

// streamSSE reads a text/event-stream body and invokes onEvent once per
// event with the event name and joined data payload.
func streamSSE(r io.Reader, onEvent func(event string, data string) error) error {
	br := bufio.NewReader(r)
	var (
		eventName string
		dataLines []string
	)

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		ev := eventName
		eventName = ""

		if onEvent == nil {
			return nil
		}
		return onEvent(ev, data)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = flush()
				break
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		// Blank line ends event.
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}

		// Comment.
		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	return nil
}
