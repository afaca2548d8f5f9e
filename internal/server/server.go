// Package server assembles the gateway: configuration, upstream clients,
// operation handlers and the HTTP middleware stack.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/api"
	"github.com/spgate/spgate/internal/auth"
	"github.com/spgate/spgate/internal/bucket"
	"github.com/spgate/spgate/internal/config"
	"github.com/spgate/spgate/internal/credential"
	"github.com/spgate/spgate/internal/graph"
	"github.com/spgate/spgate/internal/listing"
	"github.com/spgate/spgate/internal/metrics"
	"github.com/spgate/spgate/internal/middleware"
	"github.com/spgate/spgate/internal/object"
	"github.com/spgate/spgate/pkg/s3compat"
)

const shutdownTimeout = 30 * time.Second

// Server represents the spgate server
type Server struct {
	config         *config.Config
	httpServer     *http.Server
	metricsManager metrics.Manager
	credentials    *credential.Manager
	authenticator  *auth.Authenticator
	bucketManager  bucket.Manager
	startTime      time.Time
}

// New creates a new spgate server
func New(cfg *config.Config) (*Server, error) {
	metricsManager := metrics.NewManager(cfg.Metrics)

	bucketManager, err := bucket.NewManager(cfg.Buckets)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket manager: %w", err)
	}

	credOpts := credential.OptionsFromConfig(cfg.Graph)
	credOpts.Metrics = metricsManager
	credentials := credential.NewManager(credOpts)

	graphOpts := graph.OptionsFromConfig(cfg.Graph)
	graphOpts.Metrics = metricsManager
	tree := graph.NewClient(graphOpts, credentials)

	engine := listing.NewEngine(bucketManager, tree, cfg.Listing)
	downloader := object.NewDownloader(bucketManager, tree)

	server := &Server{
		config:         cfg,
		metricsManager: metricsManager,
		credentials:    credentials,
		authenticator:  auth.NewAuthenticator(cfg.Auth, metricsManager),
		bucketManager:  bucketManager,
		startTime:      time.Now(),
		httpServer: &http.Server{
			Addr:              cfg.Listen,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}

	s3Handler := s3compat.NewHandler(bucketManager, engine, downloader, metricsManager)
	server.httpServer.Handler = server.setupRoutes(s3Handler)

	return server, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) setupRoutes(s3Handler *s3compat.Handler) http.Handler {
	router := mux.NewRouter()

	metricsPath := ""
	if s.config.Metrics.Enable {
		metricsPath = s.config.Metrics.Path
		router.Use(s.metricsManager.Middleware())
	}
	router.Use(middleware.CORS())
	router.Use(s.authenticator.Middleware(api.PublicPaths()...))

	apiHandler := api.NewHandler(s3Handler, s.metricsManager, metricsPath, s.ready)
	apiHandler.RegisterRoutes(router)

	// Built inside out; the request id is assigned first and forwarded
	// client addresses are applied before logging and auth read RemoteAddr.
	var h http.Handler = router
	h = middleware.Logging()(h)
	if s.config.TrustProxyHeaders {
		h = handlers.ProxyHeaders(h)
	}
	h = middleware.Recovery()(h)
	h = middleware.RequestID()(h)
	return h
}

// ready reports whether an upstream token can be obtained.
func (s *Server) ready(ctx context.Context) error {
	_, err := s.credentials.Token(ctx)
	return err
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	names := make([]string, 0)
	for _, d := range s.bucketManager.ListBuckets(ctx) {
		names = append(names, d.Bucket)
	}
	logrus.WithFields(logrus.Fields{
		"address": ln.Addr().String(),
		"tls":     s.config.EnableTLS,
		"auth":    s.config.Auth.EnableAuth,
		"buckets": names,
	}).Info("Starting spgate server")

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.httpServer.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		s.authenticator.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	logrus.WithField("uptime", time.Since(s.startTime).Round(time.Second).String()).Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	defer s.authenticator.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Failed to shutdown server")
		return err
	}
	return nil
}
