// Package service consists of encapsulations that relay TCP connections
// between an application and a next hop, optionally sealing or opening the bytes on the way.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/database64128/tcprelay-go/metrics"
	"github.com/database64128/tcprelay-go/pprof"
	"github.com/database64128/tcprelay-go/tslog"
	"go.uber.org/multierr"
)

// Service is implemented by encapsulations that run in the background until stopped.
type Service interface {
	// SlogAttr returns a [slog.Attr] that identifies the service.
	SlogAttr() slog.Attr

	// Start starts the service.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop() error
}

var (
	_ Service = (*relay)(nil)
	_ Service = (*pprof.Service)(nil)
	_ Service = (*metrics.Service)(nil)
)

// Config stores configurations for a typical tcprelay service.
// It may be marshaled as or unmarshaled from JSON.
type Config struct {
	Relays  []RelayConfig  `json:"relays"`
	Pprof   pprof.Config   `json:"pprof,omitzero"`
	Metrics metrics.Config `json:"metrics,omitzero"`
}

// Manager initializes the service manager.
func (sc *Config) Manager(logger *tslog.Logger) (*Manager, error) {
	if len(sc.Relays) == 0 {
		return nil, &ConfigError{Field: "relays", Err: ErrNoRelays}
	}

	services := make([]Service, 0, len(sc.Relays)+2)

	if sc.Pprof.Enabled {
		services = append(services, sc.Pprof.NewService(logger))
	}

	collector := metrics.NewCollector()
	if sc.Metrics.Enabled {
		services = append(services, sc.Metrics.NewService(logger, collector))
	}

	names := make(map[string]struct{}, len(sc.Relays))

	for i := range sc.Relays {
		rc := &sc.Relays[i]

		r, err := rc.Relay(logger, collector)
		if err != nil {
			return nil, err
		}

		if _, ok := names[rc.Name]; ok {
			return nil, &ConfigError{Service: rc.Name, Field: "name", Err: ErrDuplicateName}
		}
		names[rc.Name] = struct{}{}

		services = append(services, r)
	}

	return &Manager{
		services: services,
		logger:   logger,
	}, nil
}

// Manager manages the services.
type Manager struct {
	services []Service
	logger   *tslog.Logger
}

// Start starts all configured services.
//
// If a service fails to start, the services already started are stopped.
func (m *Manager) Start(ctx context.Context) error {
	for i, s := range m.services {
		if err := s.Start(ctx); err != nil {
			err = fmt.Errorf("failed to start %s: %w", s.SlogAttr().Value, err)
			for _, started := range m.services[:i] {
				err = multierr.Append(err, started.Stop())
			}
			return err
		}
	}
	return nil
}

// Stop stops all running services.
func (m *Manager) Stop() {
	for _, s := range m.services {
		if err := s.Stop(); err != nil {
			m.logger.Warn("Failed to stop service", s.SlogAttr(), tslog.Err(err))
			continue
		}
		m.logger.Info("Stopped service", s.SlogAttr())
	}
}
