package ai

import (
	"errors"
	"strings"
	"testing"
)

func TestFileEventDecoderReframesDeltas(t *testing.T) {
	dec := newFileEventDecoder()
	var got []FileEvent
	on := func(ev FileEvent) { got = append(got, ev) }

	// Event lines arrive split at arbitrary delta boundaries.
	dec.Feed(`{"filename":"main.py","chunk":"imp`, on)
	dec.Feed(`ort fastapi\n","is_final":false,"status":"writing"}`+"\n", on)
	dec.Feed(`{"filename":"main.py","chunk":"app = FastAPI()\n","is_final":true,`, on)
	dec.Feed(`"status":"complete","relevance":0.9}`+"\n"+`{"filename":"requirements.txt",`, on)
	dec.Feed(`"chunk":"fastapi\n","is_final":true,"status":"complete"}`+"\n", on)

	if len(got) != 3 {
		t.Fatalf("Feed: expected 3 events, got %d", len(got))
	}
	if got[0].Filename != "main.py" || got[0].IsFinal {
		t.Fatalf("Feed: unexpected first event %+v", got[0])
	}
	if got[0].Chunk != "import fastapi\n" {
		t.Fatalf("Feed: first chunk mangled: %q", got[0].Chunk)
	}
	if !got[1].IsFinal || got[1].Relevance != 0.9 {
		t.Fatalf("Feed: unexpected second event %+v", got[1])
	}
	if got[2].Filename != "requirements.txt" || got[2].Status != "complete" {
		t.Fatalf("Feed: unexpected third event %+v", got[2])
	}
	if dec.Emitted() != 3 || dec.Malformed() != 0 {
		t.Fatalf("Feed: counters emitted=%d malformed=%d", dec.Emitted(), dec.Malformed())
	}
}

func TestFileEventDecoderFlushesTrailingLine(t *testing.T) {
	dec := newFileEventDecoder()
	var got []FileEvent
	on := func(ev FileEvent) { got = append(got, ev) }

	dec.Feed(`{"filename":"main.py","chunk":"x","is_final":true}`, on)
	if len(got) != 0 {
		t.Fatalf("Feed: event emitted before newline or flush")
	}
	dec.Flush(on)
	if len(got) != 1 {
		t.Fatalf("Flush: expected 1 event, got %d", len(got))
	}
	if got[0].Filename != "main.py" || !got[0].IsFinal {
		t.Fatalf("Flush: unexpected event %+v", got[0])
	}
}

func TestFileEventDecoderSkipsProse(t *testing.T) {
	dec := newFileEventDecoder()
	var got []FileEvent
	on := func(ev FileEvent) { got = append(got, ev) }

	dec.Feed("Here are your files:\n", on)
	dec.Feed("```json\n", on)
	dec.Feed(`{"filename":"main.py","chunk":"pass","is_final":true}`+"\n", on)
	dec.Feed("```\n", on)
	dec.Feed(`{"chunk":"orphan chunk without a filename","is_final":true}`+"\n", on)

	if len(got) != 1 {
		t.Fatalf("Feed: expected 1 event, got %d", len(got))
	}
	if got[0].Filename != "main.py" {
		t.Fatalf("Feed: unexpected event %+v", got[0])
	}
	if dec.Malformed() != 4 {
		t.Fatalf("Feed: expected 4 malformed lines, got %d", dec.Malformed())
	}
}

func TestStreamSSE(t *testing.T) {
	body := strings.Join([]string{
		": keepalive comment",
		"event: response.output_text.delta",
		`data: {"delta":"hello"}`,
		"",
		"data: first",
		"data: second",
		"",
		"data: [DONE]",
		"",
	}, "\n") + "\n"

	type rec struct {
		event string
		data  string
	}
	var got []rec
	err := streamSSE(strings.NewReader(body), func(event, data string) error {
		got = append(got, rec{event: event, data: data})
		return nil
	})
	if err != nil {
		t.Fatalf("streamSSE: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("streamSSE: expected 3 events, got %d: %+v", len(got), got)
	}
	if got[0].event != "response.output_text.delta" || got[0].data != `{"delta":"hello"}` {
		t.Fatalf("streamSSE: unexpected first event %+v", got[0])
	}
	if got[1].event != "" || got[1].data != "first\nsecond" {
		t.Fatalf("streamSSE: multi-line data not joined: %+v", got[1])
	}
	if got[2].data != "[DONE]" {
		t.Fatalf("streamSSE: sentinel not delivered: %+v", got[2])
	}
}

func TestStreamSSEStopsOnCallbackError(t *testing.T) {
	body := "data: one\n\ndata: two\n\n"
	calls := 0
	err := streamSSE(strings.NewReader(body), func(event, data string) error {
		calls++
		if data == "one" {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("streamSSE: expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("streamSSE: expected 1 call before stop, got %d", calls)
	}
}

var errStop = errors.New("stop")
