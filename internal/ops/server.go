// Package ops implements Squall's loopback diagnostics surface: a small
// HTTP server, separate from the stdio tool protocol, for a human or script
// to poke at a running process (spec §6's "loopback ops endpoints").
package ops

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/squall-dispatch/squall/pkg/models"
)

// ModelCatalog is the subset of *registry.Registry the ops surface needs
// to render /debug/models.
type ModelCatalog interface {
	List() []models.ModelEntry
	Available() []models.ModelEntry
}

// Server bundles everything the ops HTTP surface needs to answer requests.
type Server struct {
	Handler  http.Handler
	Metrics  *Metrics
	Activity *ActivityLog

	catalog ModelCatalog
	ready   bool
	version string
}

// NewServer builds the ops HTTP handler. ready reports true once the
// registry has finished loading — /healthz returns 503 until then, so a
// supervisor doesn't route traffic at a half-initialized process.
func NewServer(catalog ModelCatalog, version string, ready func() bool) *Server {
	s := &Server{
		Metrics:  NewMetrics(),
		Activity: NewActivityLog(200),
		catalog:  catalog,
		version:  version,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", s.handleHealthz(ready))
	r.Get("/debug/models", s.handleDebugModels)
	r.Get("/debug/recent", s.handleDebugRecent)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/version", s.handleVersion)

	s.Handler = r
	return s
}

func (s *Server) handleHealthz(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "loading"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (s *Server) handleDebugModels(w http.ResponseWriter, r *http.Request) {
	type modelView struct {
		Key       string `json:"key"`
		Provider  string `json:"provider"`
		Backend   string `json:"backend"`
		Available bool   `json:"available"`
	}

	available := make(map[string]bool)
	for _, m := range s.catalog.Available() {
		available[m.Key] = true
	}

	all := s.catalog.List()
	out := make([]modelView, 0, len(all))
	for _, m := range all {
		out = append(out, modelView{
			Key: m.Key, Provider: m.Provider, Backend: string(m.Backend),
			Available: available[m.Key],
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleDebugRecent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Activity.Recent(100))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(s.Metrics.WriteExpositionText()))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"version": s.version, "service": "squall"})
}
