package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/horus-sec/horus-scanner/pkg/etc"
)

type Server struct {
	cfg    etc.Metrics
	server *http.Server
}

// NewServer exposes the collectors of the given gatherer, usually
// prometheus.DefaultGatherer.
func NewServer(cfg etc.Metrics, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:    cfg.Addr,
			Handler: mux,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) ListenAndServe() {
	go func() {
		if err := s.listenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Error: %v", err)
		}
		log.Trace("Metrics server stopped listening for incoming connections")
	}()
}

func (s *Server) listenAndServe() error {
	log.WithField("addr", s.cfg.Addr).Warn("Starting metrics server without TLS")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) {
	log.Trace("Metrics server shutdown started")
	if err := s.server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Error while shutting down metrics server")
	}
	log.Trace("Metrics server shutdown completed")
}
