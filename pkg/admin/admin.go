// Package admin serves the HTTP operations surface: health, stats,
// Prometheus metrics and snapshot triggering. It is separate from the data
// plane; clients of the line protocol never touch it.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zfoobar/kvs/pkg/metrics"
)

// Stats is the payload of GET /stats.
type Stats struct {
	Keys              int `json:"keys"`
	OpenTransactions  int `json:"open_transactions"`
	ConnectedSessions int `json:"connected_sessions"`
}

// Admin is the HTTP admin handler.
type Admin struct {
	router     chi.Router
	log        *zap.Logger
	statsFn    func() Stats
	snapshotFn func() error
}

// New creates the admin handler. snapshotFn may be nil when no snapshot path
// is configured; POST /snapshot then reports 503.
func New(m *metrics.Metrics, statsFn func() Stats, snapshotFn func() error, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Admin{
		log:        logger,
		statsFn:    statsFn,
		snapshotFn: snapshotFn,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.handleHealth)
	r.Get("/stats", a.handleStats)
	r.Handle("/metrics", m.Handler())
	r.Post("/snapshot", a.handleSnapshot)
	a.router = r

	return a
}

// Router returns the HTTP handler.
func (a *Admin) Router() http.Handler {
	return a.router
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Admin) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.statsFn())
}

func (a *Admin) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.snapshotFn == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no snapshot path configured"})
		return
	}
	if err := a.snapshotFn(); err != nil {
		a.log.Error("snapshot failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
