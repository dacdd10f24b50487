// Package metrics exports relay statistics in the Prometheus exposition format.
package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/database64128/tcprelay-go/tslog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tcprelay"

// Collector holds the metrics of all relays in a process.
type Collector struct {
	registry    *prometheus.Registry
	accepted    *prometheus.CounterVec
	active      *prometheus.GaugeVec
	failed      *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	frames      *prometheus.CounterVec
	connSeconds *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry.
// Go runtime and process metrics are registered alongside the relay metrics.
func NewCollector() *Collector {
	c := Collector{
		registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Number of accepted connections.",
		}, []string{"relay"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections being relayed.",
		}, []string{"relay"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_failed_total",
			Help:      "Number of connections aborted by an error, by error kind.",
		}, []string{"relay", "kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Number of frame bytes read, by direction.",
		}, []string{"relay", "direction"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_read_total",
			Help:      "Number of non-empty frames read, by direction.",
		}, []string{"relay", "direction"}),
		connSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of relayed connections.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"relay"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.accepted,
		c.active,
		c.failed,
		c.bytes,
		c.frames,
		c.connSeconds,
	)
	return &c
}

// Gatherer returns the registry the collector's metrics are registered to.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// Relay returns the metrics of the named relay.
func (c *Collector) Relay(name string) *Relay {
	return &Relay{
		Accepted:    c.accepted.WithLabelValues(name),
		Active:      c.active.WithLabelValues(name),
		Failed:      c.failed.MustCurryWith(prometheus.Labels{"relay": name}),
		InBytes:     c.bytes.WithLabelValues(name, "inbound"),
		OutBytes:    c.bytes.WithLabelValues(name, "outbound"),
		InFrames:    c.frames.WithLabelValues(name, "inbound"),
		OutFrames:   c.frames.WithLabelValues(name, "outbound"),
		ConnSeconds: c.connSeconds.WithLabelValues(name),
	}
}

// Relay is the set of metrics of one relay.
type Relay struct {
	Accepted    prometheus.Counter
	Active      prometheus.Gauge
	Failed      *prometheus.CounterVec
	InBytes     prometheus.Counter
	OutBytes    prometheus.Counter
	InFrames    prometheus.Counter
	OutFrames   prometheus.Counter
	ConnSeconds prometheus.Observer
}

// Config is the configuration for the metrics service.
type Config struct {
	// Enabled controls whether the metrics service is enabled.
	Enabled bool `json:"enabled"`

	// ListenNetwork is the network to listen on.
	ListenNetwork string `json:"listenNetwork,omitzero"`

	// ListenAddress is the address to listen on.
	ListenAddress string `json:"listenAddress"`

	// Path is the HTTP path metrics are served at. Defaults to "/metrics".
	Path string `json:"path,omitzero"`
}

// NewService creates a new metrics service that serves the collector's metrics.
func (c Config) NewService(logger *tslog.Logger, collector *Collector) *Service {
	network := c.ListenNetwork
	if network == "" {
		network = "tcp"
	}

	path := c.Path
	if path == "" {
		path = "/metrics"
	}

	errorLog := slog.NewLogLogger(logger.Handler(), slog.LevelError)
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(collector.registry, promhttp.HandlerOpts{
		ErrorLog: errorLog,
	}))

	return &Service{
		logger:  logger,
		network: network,
		path:    path,
		server: http.Server{
			Addr:     c.ListenAddress,
			Handler:  mux,
			ErrorLog: errorLog,
		},
	}
}

// Service serves metrics over HTTP.
type Service struct {
	logger  *tslog.Logger
	network string
	path    string
	addr    net.Addr
	server  http.Server
}

// Addr returns the address the service is listening on, or nil if it has not been started.
func (s *Service) Addr() net.Addr {
	return s.addr
}

// SlogAttr returns the service's identifying attribute.
func (*Service) SlogAttr() slog.Attr {
	return slog.String("service", "metrics")
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
			s.logger.Error("Failed to serve metrics", tslog.Err(err))
		}
	}()

	s.logger.Info("Started metrics",
		slog.Any("listenAddress", ln.Addr()),
		slog.String("path", s.path),
	)
	return nil
}

// Stop closes the server.
func (s *Service) Stop() error {
	if err := s.server.Close(); err != nil {
		return err
	}
	s.logger.Info("Stopped metrics")
	return nil
}
