package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/xerrors"

	"github.com/horus-sec/horus-scanner/pkg/etc"
)

type Server struct {
	config etc.API
	server *http.Server
}

func NewServer(config etc.API, handler http.Handler) (server *Server, err error) {
	server = &Server{
		config: config,
		server: &http.Server{
			Handler:      handler,
			Addr:         config.Addr,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}

	if config.IsTLSEnabled() {
		server.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.X25519,
				tls.CurveP256,
			},
			// ECDHE only, no RC4, 3DES or CBC suites.
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}

		if len(config.ClientCAs) > 0 {
			certPool := x509.NewCertPool()

			for _, clientCAPath := range config.ClientCAs {
				clientCA, err := os.ReadFile(clientCAPath)
				if err != nil {
					return nil, xerrors.Errorf("could not read file %s: %w", clientCAPath, err)
				}

				certPool.AppendCertsFromPEM(clientCA)
			}

			server.server.TLSConfig.ClientCAs = certPool
			server.server.TLSConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	return
}

// ListenAndServe starts serving in the background. A listener failure other
// than a regular shutdown is fatal.
func (s *Server) ListenAndServe() {
	go func() {
		if err := s.listenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("API server failed")
		}
		log.Trace("API server stopped listening for incoming connections")
	}()
}

func (s *Server) listenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return xerrors.Errorf("listening on %s: %w", s.config.Addr, err)
	}
	if s.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConnections)
	}

	if s.config.IsTLSEnabled() {
		log.WithFields(log.Fields{
			"certificate":     s.config.TLSCertificate,
			"key":             s.config.TLSKey,
			"client_cas":      strings.Join(s.config.ClientCAs, ", "),
			"addr":            s.config.Addr,
			"max_connections": s.config.MaxConnections,
		}).Debug("Starting API server with TLS")
		return s.server.ServeTLS(listener, s.config.TLSCertificate, s.config.TLSKey)
	}
	log.WithFields(log.Fields{
		"addr":            s.config.Addr,
		"max_connections": s.config.MaxConnections,
	}).Warn("Starting API server without TLS")
	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) {
	log.Debug("API server shutdown started")
	if err := s.server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Error while shutting down API server")
	}
	log.Debug("API server shutdown completed")
}
