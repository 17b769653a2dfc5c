package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	mediadomain "mediaflow/internal/domain/media"
	"mediaflow/internal/logger"
)

// UserCookie names the cookie carrying the caller's user id.
const UserCookie = "uid"

type ctxKey int

const (
	userKey ctxKey = iota
	logKey
)

// withUserID issues a uid cookie on first contact and stores the id on the request context.
func withUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := ""
		if c, err := r.Cookie(UserCookie); err == nil && mediadomain.ValidUserID(c.Value) {
			userID = c.Value
		}
		if userID == "" {
			userID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     UserCookie,
				Value:    userID,
				Path:     "/",
				MaxAge:   int((365 * 24 * time.Hour).Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func userFrom(r *http.Request) string {
	userID, _ := r.Context().Value(userKey).(string)
	return userID
}

func requestLog(r *http.Request) *logrus.Entry {
	if log, ok := r.Context().Value(logKey).(*logrus.Entry); ok {
		return log
	}
	return logger.Discard()
}

// withRequestLog tags the request with an id and logs its outcome.
func withRequestLog(base *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := logger.RequestID(r)
			log := logger.WithRequest(base, r, reqID)
			w.Header().Set(logger.RequestIDHeader, reqID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			started := time.Now()
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), logKey, log)))

			entry := log.WithFields(logrus.Fields{
				"status":   rec.status,
				"duration": time.Since(started).Round(time.Microsecond).String(),
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Debug("request served")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(p)
}

// Flush keeps server-sent events streaming through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
