// Package api serves the read-only runs API: recorded pipeline runs
// queryable over HTTP, backed by the run index and the tracker log.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/riftops/pipeloor/pkg/config"
	"github.com/riftops/pipeloor/pkg/tracker"
	"github.com/riftops/pipeloor/pkg/tracker/indexstore"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	index      indexstore.Store
	tr         tracker.Tracker
	httpServer *http.Server
	wg         sync.WaitGroup

	// done stops background goroutines (the rate limiter sweeper) when
	// the server shuts down.
	done chan struct{}
}

// NewServer creates a new API server. The index store may be nil, in
// which case listings fall back to the tracker log.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	index indexstore.Store,
	tr tracker.Tracker,
) Server {
	return &server{
		log:   log.WithField("component", "api"),
		cfg:   cfg,
		index: index,
		tr:    tr,
		done:  make(chan struct{}),
	}
}

// Start builds the router and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.ListenAddr).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
