package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/metrics"
	"github.com/spgate/spgate/pkg/s3compat"
)

// readyTimeout bounds the readiness probe.
const readyTimeout = 5 * time.Second

// ReadinessCheck reports whether the upstream can be reached.
type ReadinessCheck func(ctx context.Context) error

// Handler wires the gateway operations to their routes
type Handler struct {
	s3Handler      *s3compat.Handler
	metricsManager metrics.Manager
	metricsPath    string
	ready          ReadinessCheck
}

// NewHandler creates a new API handler. The metrics endpoint is registered
// only when metricsPath is not empty.
func NewHandler(s3Handler *s3compat.Handler, metricsManager metrics.Manager, metricsPath string, ready ReadinessCheck) *Handler {
	return &Handler{
		s3Handler:      s3Handler,
		metricsManager: metricsManager,
		metricsPath:    metricsPath,
		ready:          ready,
	}
}

// PublicPaths are served without authentication.
func PublicPaths() []string {
	return []string{"/status", "/health", "/ready"}
}

// RegisterRoutes registers all gateway routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	// Liveness and readiness
	router.HandleFunc("/status", h.handleStatus).Methods("GET", "HEAD")
	router.HandleFunc("/health", h.handleHealth).Methods("GET", "HEAD")
	router.HandleFunc("/ready", h.handleReady).Methods("GET")

	if h.metricsPath != "" {
		router.Handle(h.metricsPath, h.metricsManager.GetMetricsHandler()).Methods("GET")
	}

	// S3 operations, each taking a JSON document
	router.HandleFunc("/listBuckets", h.s3Handler.ListBuckets).Methods("POST", "OPTIONS")
	router.HandleFunc("/listObjectsV2", h.s3Handler.ListObjectsV2).Methods("POST", "OPTIONS")
	router.HandleFunc("/getObject", h.s3Handler.GetObject).Methods("POST", "OPTIONS")
	router.HandleFunc("/headObject", h.s3Handler.HeadObject).Methods("POST", "OPTIONS")

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s3compat.WriteError(w, r, "MethodNotAllowed", r.URL.Path)
	})
}

// handleStatus answers the plain-text liveness probe
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Health check handlers
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "healthy", "service": "spgate"}`))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := h.ready(ctx); err != nil {
			logrus.WithError(err).Warn("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "service": "spgate"})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ready", "service": "spgate"}`))
}
