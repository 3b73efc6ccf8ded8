// Package api exposes the operator surface over REST/JSON: health, metrics,
// the dead-letter queue, poller controls and the execution kill switch. This
// is an internal control plane, not a public API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/signalswap/backend/internal/coordinator"
	"github.com/signalswap/backend/internal/core"
	"github.com/signalswap/backend/internal/database"
	"github.com/signalswap/backend/internal/poller"
)

// Server is the operator HTTP server.
type Server struct {
	dlq        *database.DLQStore
	poller     *poller.Poller
	killSwitch *coordinator.KillSwitch
	db         *database.DB
	apiKeyHash string
	logger     *log.Logger

	httpServer *http.Server
	lifecycle  context.Context
}

// NewServer wires the operator surface. apiKeyHash is a bcrypt hash of the
// bearer key; empty disables auth for local development.
func NewServer(dlq *database.DLQStore, p *poller.Poller, ks *coordinator.KillSwitch,
	db *database.DB, apiKeyHash string) *Server {
	return &Server{
		dlq:        dlq,
		poller:     p,
		killSwitch: ks,
		db:         db,
		apiKeyHash: apiKeyHash,
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
		lifecycle:  context.Background(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// Unauthenticated probes.
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/dlq", s.handleDLQList).Methods("GET")
	v1.HandleFunc("/dlq/{id}/retry", s.handleDLQRetry).Methods("POST")
	v1.HandleFunc("/dlq/{id}/abandon", s.handleDLQAbandon).Methods("POST")
	v1.HandleFunc("/dlq/{id}/resolve", s.handleDLQResolve).Methods("POST")

	v1.HandleFunc("/poller", s.handlePollerStatus).Methods("GET")
	v1.HandleFunc("/poller/pause", s.handlePollerPause).Methods("POST")
	v1.HandleFunc("/poller/resume", s.handlePollerResume).Methods("POST")
	v1.HandleFunc("/poller/tick", s.handlePollerTick).Methods("POST")

	v1.HandleFunc("/killswitch", s.handleKillSwitchGet).Methods("GET")
	v1.HandleFunc("/killswitch", s.handleKillSwitchSet).Methods("POST")

	return r
}

// Start serves until the context is cancelled, then drains with a timeout.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.lifecycle = ctx
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("🚀 operator API listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// authMiddleware checks the bearer key against the configured bcrypt hash.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(key)) != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Conn().PingContext(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"execution_enabled": s.killSwitch.Enabled(),
	})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	status := core.DLQStatus(r.URL.Query().Get("status"))
	entries, err := s.dlq.List(r.Context(), status)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []core.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.dlq.Retry(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Printf("🔁 operator retried DLQ entry %s", id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": core.DLQRetrying})
}

func (s *Server) handleDLQAbandon(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := s.dlq.Abandon(r.Context(), id, body.Reason); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": core.DLQAbandoned})
}

func (s *Server) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Notes string `json:"notes"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := s.dlq.Resolve(r.Context(), id, body.Notes); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": core.DLQResolved})
}

func (s *Server) handlePollerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.poller.Status())
}

func (s *Server) handlePollerPause(w http.ResponseWriter, r *http.Request) {
	s.poller.Pause()
	writeJSON(w, http.StatusOK, s.poller.Status())
}

func (s *Server) handlePollerResume(w http.ResponseWriter, r *http.Request) {
	s.poller.Resume()
	writeJSON(w, http.StatusOK, s.poller.Status())
}

func (s *Server) handlePollerTick(w http.ResponseWriter, r *http.Request) {
	summary := s.poller.Tick(r.Context())
	if summary == nil {
		writeError(w, http.StatusConflict, "poller is paused")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleKillSwitchGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"execution_enabled": s.killSwitch.Enabled()})
}

func (s *Server) handleKillSwitchSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	if *body.Enabled {
		s.killSwitch.Enable()
		// An engine booted with execution disabled has no poll loop yet.
		s.poller.Start(s.lifecycle)
	} else {
		s.killSwitch.Disable()
	}
	s.logger.Printf("🔧 operator set execution_enabled=%v", *body.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"execution_enabled": s.killSwitch.Enabled()})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
