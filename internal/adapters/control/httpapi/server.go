package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghalamif/ProxiFlow/internal/ports"
)

type errorResponse struct {
	Error string `json:"error"`
}

type labelRequest struct {
	Label string `json:"label"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

// controlTimeout bounds lifecycle and sync calls. They run detached from the
// request so a disconnecting client cannot cut a stop short.
const controlTimeout = 45 * time.Second

func controlContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), controlTimeout)
}

// NewRouter wires the control API. hub and gatherer are optional.
func NewRouter(ctl ports.Controller, hub *Hub, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on %s", req.Method, req.URL.Path))
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, http.StatusNotFound, fmt.Errorf("no route for %s", req.URL.Path))
	})

	r.HandleFunc("/v1/start", handleStart(ctl)).Methods(http.MethodPost)
	r.HandleFunc("/v1/stop", handleStop(ctl)).Methods(http.MethodPost)
	r.HandleFunc("/v1/label", handleLabel(ctl)).Methods(http.MethodPost)
	r.HandleFunc("/v1/sync", handleSync(ctl)).Methods(http.MethodPost)
	r.HandleFunc("/v1/stats", handleStats(ctl)).Methods(http.MethodGet)
	if hub != nil {
		r.HandleFunc("/v1/stream", hub.HandleWebSocket).Methods(http.MethodGet)
	}

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func handleStart(ctl ports.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := controlContext(r)
		defer cancel()
		if err := ctl.Start(ctx); err != nil {
			respondError(w, http.StatusConflict, err)
			return
		}
		respondJSON(w, http.StatusOK, ctl.Status())
	}
}

func handleStop(ctl ports.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := controlContext(r)
		defer cancel()
		if err := ctl.Stop(ctx); err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		respondJSON(w, http.StatusOK, ctl.Status())
	}
}

func handleLabel(ctl ports.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req labelRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, errors.New("body must be {\"label\": \"...\"}"))
			return
		}
		ctl.SetLabel(req.Label)
		respondJSON(w, http.StatusOK, ctl.Status())
	}
}

func handleSync(ctl ports.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := controlContext(r)
		defer cancel()
		if err := ctl.Sync(ctx); err != nil {
			respondError(w, http.StatusBadGateway, err)
			return
		}
		respondJSON(w, http.StatusOK, ctl.Status())
	}
}

func handleStats(ctl ports.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, ctl.Status())
	}
}

// Server runs the router on addr.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// ListenAndServe blocks; http.ErrServerClosed is reported as nil.
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
