package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// NewRouter configures the job, file and health routes.
func NewRouter(handler *Handler, logger *logrus.Entry) *mux.Router {
	r := mux.NewRouter()
	r.Use(withRequestLog(logger))

	r.HandleFunc("/ping", handler.Ping).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(withUserID)
	api.HandleFunc("/jobs", handler.SubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", handler.JobStatus).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", handler.CancelJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/transcript", handler.Transcript).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/events", handler.StreamEvents).Methods(http.MethodGet)
	api.HandleFunc("/files", handler.ListFiles).Methods(http.MethodGet)
	api.HandleFunc("/files/{name}", handler.DownloadFile).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/stats", handler.Stats).Methods(http.MethodGet)
	return r
}
