package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"mediaflow/internal/application/events"
)

var keepAliveInterval = 15 * time.Second

// reconnectDelay is the retry hint sent when a stream ends before its final event.
const reconnectDelay = 2 * time.Second

func streamFile(w http.ResponseWriter, r *http.Request, fullPath, contentType string) {
	file, err := os.Open(fullPath)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	fileSize := info.Size()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(fileSize, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = io.Copy(w, file)
		}
		return
	}

	start, end, ok := parseRange(rangeHeader, fileSize)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fileSize))
		http.Error(w, "Invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	contentLength := end - start + 1
	w.Header().Set("Content-Length", strconv.FormatInt(contentLength, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, fileSize))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return
	}
	_, _ = io.CopyN(w, file, contentLength)
}

// parseRange resolves the first range of a "bytes=" header against size.
// Suffix ranges ("bytes=-500") count from the end of the file.
func parseRange(header string, size int64) (int64, int64, bool) {
	ranges, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || size <= 0 {
		return 0, 0, false
	}
	if i := strings.IndexByte(ranges, ','); i >= 0 {
		ranges = ranges[:i]
	}
	first, last, found := strings.Cut(strings.TrimSpace(ranges), "-")
	if !found {
		return 0, 0, false
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, true
}

// StreamEvents handles GET /api/jobs/{id}/events as server-sent events.
// Clients resume with Last-Event-ID or ?since; the stream ends after the final event.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if !h.owns(r, jobID) {
		writeError(w, http.StatusNotFound, "job not found", "")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	after := resumeSeq(r)
	replay, live, cleanup, err := h.jobs.Subscribe(jobID, after)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := &eventWriter{w: w, flusher: flusher, last: after}
	if sse.writeAll(replay) {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !sse.comment("keepalive") {
				return
			}
		case ev, open := <-live:
			if !open || ev.Seq > sse.last+1 {
				missed, err := h.jobs.EventsSince(jobID, sse.last)
				if err != nil {
					sse.interrupted()
					return
				}
				if sse.writeAll(missed) {
					return
				}
				if !open {
					sse.interrupted()
					return
				}
			}
			if ev.Seq <= sse.last {
				continue
			}
			if sse.writeAll([]events.Event{ev}) {
				return
			}
		}
	}
}

func resumeSeq(r *http.Request) int64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("since"))
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

type eventWriter struct {
	w       io.Writer
	flusher http.Flusher
	last    int64
}

// writeAll sends events not yet delivered and reports whether the stream is done,
// either because a final event went out or the client went away.
func (e *eventWriter) writeAll(batch []events.Event) bool {
	for _, ev := range batch {
		if ev.Seq <= e.last {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(e.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
			return true
		}
		e.last = ev.Seq
		if ev.Final {
			e.flusher.Flush()
			return true
		}
	}
	e.flusher.Flush()
	return false
}

// interrupted tells the client to reconnect with Last-Event-ID.
func (e *eventWriter) interrupted() {
	_, _ = fmt.Fprintf(e.w, "retry: %d\n: stream interrupted, resume from %d\n\n", reconnectDelay.Milliseconds(), e.last)
	e.flusher.Flush()
}

func (e *eventWriter) comment(text string) bool {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return false
	}
	e.flusher.Flush()
	return true
}
