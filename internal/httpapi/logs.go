package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/CZERTAINLY/Camelia/internal/logchan"
)

// logs streams the job log as server-sent events. Queued lines are sent
// first, then new lines as they arrive with a keep-alive comment whenever
// the job stays silent. Once the job is terminal the remaining lines are
// sent followed by "[status] <status>" and the stream ends.
//
// Reads consume lines, two streams of the same job split them.
func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	ch, err := s.reg.Logs(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for _, l := range ch.Drain() {
		writeEvent(w, l.Text)
	}
	flusher.Flush()

	for {
		job, err := s.reg.Get(id)
		if err != nil {
			return
		}
		if job.Status.Terminal() {
			for _, l := range ch.Drain() {
				writeEvent(w, l.Text)
			}
			writeEvent(w, "[status] "+string(job.Status))
			flusher.Flush()
			return
		}

		line, err := ch.Next(ctx, s.cfg.KeepAlive)
		switch {
		case err == nil:
			writeEvent(w, line.Text)
		case errors.Is(err, logchan.ErrTimeout):
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
		case errors.Is(err, logchan.ErrClosed):
			// evicted, the next Get ends the stream
			continue
		default:
			return
		}
		flusher.Flush()
	}
}

// writeEvent writes one data event. Multi-line text is split into several
// data fields so it stays a single event.
func writeEvent(w http.ResponseWriter, text string) {
	for l := range strings.SplitSeq(text, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", strings.TrimSuffix(l, "\r"))
	}
	_, _ = fmt.Fprint(w, "\n")
}
