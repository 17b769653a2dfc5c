package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"mediaflow/internal/application/events"
	"mediaflow/internal/application/resources"
	mediadomain "mediaflow/internal/domain/media"
)

const maxSubmitBody = 64 << 10

type jobUseCases interface {
	Start(ctx context.Context, userID string, req mediadomain.Request) (string, error)
	Cancel(jobID string) error
	Status(jobID string) mediadomain.Status
	Owner(jobID string) (string, bool)
	Transcript(jobID string) ([]mediadomain.TranscriptChunk, error)
	Subscribe(jobID string, seq int64) ([]events.Event, <-chan events.Event, func(), error)
	EventsSince(jobID string, seq int64) ([]events.Event, error)
	Files(userID string) ([]mediadomain.StoredFile, error)
	ResolveFile(userID, name string) (string, error)
	Stats() resources.Stats
}

type Handler struct {
	jobs    jobUseCases
	limiter *SubmitLimiter
}

// NewHandler wires HTTP handlers with the job service.
func NewHandler(jobs jobUseCases, limiter *SubmitLimiter) *Handler {
	if limiter == nil {
		limiter = NewSubmitLimiter(0, 1)
	}
	return &Handler{jobs: jobs, limiter: limiter}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type fileResponse struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	URL        string `json:"url"`
	ModifiedAt int64  `json:"modifiedAt"`
}

// SubmitJob handles POST /api/jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	if !h.limiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "too many submissions", mediadomain.ReasonRateLimited)
		return
	}

	var req mediadomain.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", mediadomain.ReasonBadRequest)
		return
	}

	jobID, err := h.jobs.Start(r.Context(), userID, req)
	if err != nil {
		reason := mediadomain.RejectReason(err)
		switch reason {
		case mediadomain.ReasonRateLimited:
			writeError(w, http.StatusTooManyRequests, err.Error(), reason)
		case mediadomain.ReasonStorageFull:
			writeError(w, http.StatusServiceUnavailable, err.Error(), reason)
		case mediadomain.ReasonBadRequest:
			writeError(w, http.StatusBadRequest, err.Error(), reason)
		default:
			requestLog(r).WithError(err).Error("job start failed")
			writeError(w, http.StatusInternalServerError, err.Error(), "")
		}
		return
	}

	requestLog(r).WithField("job_id", jobID).Info("job submitted")
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// JobStatus handles GET /api/jobs/{id}. Unknown jobs report not_found.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if !h.owns(r, jobID) {
		writeJSON(w, http.StatusOK, mediadomain.NotFound())
		return
	}
	writeJSON(w, http.StatusOK, h.jobs.Status(jobID))
}

// CancelJob handles DELETE /api/jobs/{id}.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if !h.owns(r, jobID) {
		writeError(w, http.StatusNotFound, mediadomain.ErrJobNotFound.Error(), "")
		return
	}
	if err := h.jobs.Cancel(jobID); err != nil {
		if errors.Is(err, mediadomain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error(), "")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// Transcript handles GET /api/jobs/{id}/transcript.
func (h *Handler) Transcript(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if !h.owns(r, jobID) {
		writeError(w, http.StatusNotFound, mediadomain.ErrJobNotFound.Error(), "")
		return
	}
	chunks, err := h.jobs.Transcript(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	if chunks == nil {
		chunks = []mediadomain.TranscriptChunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "chunks": chunks})
}

// ListFiles handles GET /api/files.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.jobs.Files(userFrom(r))
	if err != nil {
		requestLog(r).WithError(err).Error("list files failed")
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	resp := make([]fileResponse, 0, len(files))
	for _, f := range files {
		if workFile(f.Name) {
			continue
		}
		resp = append(resp, fileResponse{
			Name:       f.Name,
			Size:       f.Size,
			URL:        "/api/files/" + url.PathEscape(f.Name),
			ModifiedAt: f.ModifiedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// DownloadFile handles GET /api/files/{name} with byte-range support.
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	full, err := h.jobs.ResolveFile(userFrom(r), name)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", contentDisposition(filepath.Base(full)))
	streamFile(w, r, full, contentTypeFor(full))
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.Stats())
}

// Ping handles GET /ping.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "pong")
}

// owns hides other users' jobs behind not-found responses.
func (h *Handler) owns(r *http.Request, jobID string) bool {
	owner, ok := h.jobs.Owner(jobID)
	return ok && owner == userFrom(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, reason string) {
	writeJSON(w, status, errorResponse{Error: message, Reason: reason})
}

// workFile reports scratch files left by a running download or conversion.
func workFile(name string) bool {
	for _, suffix := range []string{".part", ".src", ".ytdl", ".tmp.mp3"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

func contentDisposition(name string) string {
	ascii := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	return `attachment; filename="` + ascii + `"; filename*=UTF-8''` + url.PathEscape(name)
}
