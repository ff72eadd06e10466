// Package serve exposes a read-only JSON API over the run ledger so sweep
// progress and metrics can be checked from another machine while training.
package serve

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/JacobJEdwards/gsplat/internal/logging"
	"github.com/JacobJEdwards/gsplat/internal/metrics"
	"github.com/JacobJEdwards/gsplat/internal/store"
)

// Server serves ledger state over HTTP.
type Server struct {
	ledger *store.RunStore
	router *mux.Router
	http   *http.Server
}

// New creates a server over the given ledger.
func New(ledger *store.RunStore, listen string) *Server {
	s := &Server{
		ledger: ledger,
		router: mux.NewRouter(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:              listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/sweeps", s.handleSweeps).Methods("GET")
	s.router.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	s.router.HandleFunc("/api/runs/{id}", s.handleRun).Methods("GET")
	s.router.HandleFunc("/api/runs/{id}/metrics", s.handleRunMetrics).Methods("GET")
	s.router.HandleFunc("/api/sweeps/{name}/summary", s.handleSummary).Methods("GET")
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving the API until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Serve("Status API listening on %s", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSweeps(w http.ResponseWriter, r *http.Request) {
	sweeps, err := s.ledger.ListSweeps()
	if err != nil {
		writeError(w, err)
		return
	}
	if sweeps == nil {
		sweeps = []string{}
	}
	writeJSON(w, http.StatusOK, sweeps)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	sweep := r.URL.Query().Get("sweep")
	if sweep == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sweep query parameter required"})
		return
	}
	runs, err := s.ledger.ListRuns(sweep)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.ledger.GetRun(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.ledger.GetRun(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	evals, err := s.ledger.EvalMetrics(id)
	if err != nil {
		writeError(w, err)
		return
	}
	train, err := s.ledger.TrainStats(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if evals == nil {
		evals = []metrics.EvalEntry{}
	}
	if train == nil {
		train = []metrics.TrainEntry{}
	}
	writeJSON(w, http.StatusOK, runMetricsResponse{Evals: evals, Train: train})
}

// runMetricsResponse bundles both stats families of a run.
type runMetricsResponse struct {
	Evals []metrics.EvalEntry  `json:"evals"`
	Train []metrics.TrainEntry `json:"train"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	summary, err := s.ledger.SweepSummary(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ServeDebug("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	logging.Serve("Request failed: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
