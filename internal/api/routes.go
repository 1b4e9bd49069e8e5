// Package api exposes the ingestion pipeline over HTTP: file upload and
// views, template management, and on-demand job triggers.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/bordereaux/internal/mailbox"
	"github.com/ignite/bordereaux/internal/pipeline"
	"github.com/ignite/bordereaux/internal/storage"
	"github.com/ignite/bordereaux/internal/template"
)

// Handlers carries the dependencies every endpoint dispatches into.
type Handlers struct {
	store     *storage.Store
	templates *template.Repository
	pipeline  *pipeline.Pipeline
	poller    *mailbox.Poller // nil when mailbox polling is not configured
}

// NewHandlers creates the handler set. poller may be nil.
func NewHandlers(store *storage.Store, templates *template.Repository,
	pipe *pipeline.Pipeline, poller *mailbox.Poller) *Handlers {
	return &Handlers{store: store, templates: templates, pipeline: pipe, poller: poller}
}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Get("/health/", h.HealthCheck)

	r.Route("/files", func(r chi.Router) {
		r.Post("/upload", h.UploadFiles)
		r.Get("/api", h.ListFiles)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/api", h.GetFile)
			r.Get("/errors/api", h.ListFileErrors)
			r.Post("/reprocess", h.ReprocessFile)
			r.Delete("/delete", h.DeleteFile)
		})
	})

	r.Route("/mappings", func(r chi.Router) {
		r.Get("/", h.ListTemplates)
		r.Get("/api", h.ListTemplates)
		r.Post("/upload", h.UploadTemplate)
		r.Route("/file/{id}", func(r chi.Router) {
			r.Get("/", h.GetProposal)
			r.Post("/save", h.SaveProposalAsTemplate)
		})
		r.Route("/template/{id}", func(r chi.Router) {
			r.Get("/edit", h.GetTemplate)
			r.Post("/edit", h.EditTemplate)
			r.Delete("/delete", h.DeleteTemplate)
		})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/poll-mailbox", h.PollMailbox)
		r.Post("/process-files", h.ProcessFiles)
	})

	return r
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
