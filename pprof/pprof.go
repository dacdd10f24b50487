// Package pprof serves runtime profiling data over HTTP.
package pprof

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/database64128/tcprelay-go/tslog"
)

// Config is the configuration for the pprof service.
type Config struct {
	// Enabled controls whether the pprof service is enabled.
	Enabled bool `json:"enabled"`

	// ListenNetwork is the network to listen on.
	ListenNetwork string `json:"listenNetwork,omitzero"`

	// ListenAddress is the address to listen on.
	ListenAddress string `json:"listenAddress"`
}

// NewService creates a new pprof service.
//
// The handlers are registered on a private mux, not [http.DefaultServeMux].
func (c Config) NewService(logger *tslog.Logger) *Service {
	network := c.ListenNetwork
	if network == "" {
		network = "tcp"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &Service{
		logger:  logger,
		network: network,
		server: http.Server{
			Addr:     c.ListenAddress,
			Handler:  logRequests(logger, mux),
			ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError),
		},
	}
}

// logRequests is a middleware that logs requests at debug level.
func logRequests(logger *tslog.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
		if logger.Enabled(slog.LevelDebug) {
			logger.Debug("Handled pprof request",
				slog.String("method", r.Method),
				slog.String("requestURI", r.RequestURI),
				slog.String("remoteAddr", r.RemoteAddr),
			)
		}
	})
}

// Service serves pprof endpoints.
type Service struct {
	logger  *tslog.Logger
	network string
	addr    net.Addr
	server  http.Server
}

// Addr returns the address the service is listening on, or nil if it has not been started.
func (s *Service) Addr() net.Addr {
	return s.addr
}

// SlogAttr returns the service's identifying attribute.
func (*Service) SlogAttr() slog.Attr {
	return slog.String("service", "pprof")
}

// Start starts listening and serving in a new goroutine.
func (s *Service) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, s.network, s.server.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Failed to serve pprof", tslog.Err(err))
		}
	}()

	s.logger.Info("Started pprof", slog.Any("listenAddress", ln.Addr()))
	return nil
}

// Stop closes the server.
func (s *Service) Stop() error {
	if err := s.server.Close(); err != nil {
		return err
	}
	s.logger.Info("Stopped pprof")
	return nil
}
