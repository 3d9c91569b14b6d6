package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/averis-ai/dispatch/internal/orchestrate"
)

// writeEvent serializes one named SSE event.
func writeEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

// streamWriter is the single ordered sink for one request's events. The
// orchestrator feeds the channel from one goroutine; this loop is the only
// writer touching the ResponseWriter, so event order is exactly emission
// order.
type streamWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newStreamWriter(w http.ResponseWriter) (*streamWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &streamWriter{w: w, f: f}, nil
}

// drain writes every event until the channel closes. Write errors stop
// writing but keep draining so the producer never blocks.
func (s *streamWriter) drain(events <-chan orchestrate.Event) {
	broken := false
	for ev := range events {
		if broken {
			continue
		}
		if err := writeEvent(s.w, ev.Name, ev.Payload); err != nil {
			broken = true
			continue
		}
		s.f.Flush()
	}
}
