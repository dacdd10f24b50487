package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/database64128/tcprelay-go/aead"
	"github.com/database64128/tcprelay-go/conn"
	"github.com/database64128/tcprelay-go/jsonhelper"
	"github.com/database64128/tcprelay-go/metrics"
	"github.com/database64128/tcprelay-go/tslog"
)

const (
	// DefaultKeyEnv is the environment variable the key is read from by default.
	DefaultKeyEnv = "AES_GCM_KEY"

	// defaultDialTimeout is the default timeout for dialing the next hop.
	defaultDialTimeout = 30 * time.Second

	// minAcceptRetryDelay and maxAcceptRetryDelay bound the backoff after a failed accept.
	minAcceptRetryDelay = 5 * time.Millisecond
	maxAcceptRetryDelay = time.Second
)

// RelayConfig is the configuration for a relay service.
type RelayConfig struct {
	// Name specifies the name of the relay.
	// If unspecified, the listen address is used.
	Name string `json:"name,omitzero"`

	// Role specifies what the relay does to the bytes it relays.
	//
	//  - "passthrough" (or "proxy"): Relay bytes unchanged.
	//  - "encrypt" (or "client"): Seal bytes from the accepted side, open bytes from the next hop.
	//  - "decrypt" (or "server"): Open bytes from the accepted side, seal bytes from the next hop.
	Role Role `json:"role"`

	// ListenNetwork controls the address family of the listener.
	//
	//  - "tcp": Determine from system capabilities and listen address.
	//  - "tcp4": AF_INET
	//  - "tcp6": AF_INET6
	//
	// If unspecified, "tcp" is used.
	ListenNetwork string `json:"listenNetwork,omitzero"`

	// ListenAddress specifies the address to accept connections on.
	ListenAddress string `json:"listen"`

	// ListenFwmark optionally specifies the listener's fwmark on Linux.
	ListenFwmark int `json:"listenFwmark,omitzero"`

	// ListenTrafficClass optionally specifies the listener's traffic class.
	ListenTrafficClass int `json:"listenTrafficClass,omitzero"`

	// ForwardNetwork controls the address family of connections to the next hop.
	// Accepts the same values as ListenNetwork.
	ForwardNetwork string `json:"forwardNetwork,omitzero"`

	// ForwardAddress specifies the address of the next hop.
	// It can be either an IP address or a domain name.
	// Domain names are resolved on each dial.
	ForwardAddress string `json:"forward"`

	// ForwardFwmark optionally specifies the fwmark of connections to the next hop on Linux.
	ForwardFwmark int `json:"forwardFwmark,omitzero"`

	// ForwardTrafficClass optionally specifies the traffic class of connections to the next hop.
	ForwardTrafficClass int `json:"forwardTrafficClass,omitzero"`

	// Cipher specifies the AEAD cipher. Defaults to "aes-256-gcm".
	Cipher aead.Cipher `json:"cipher,omitzero"`

	// KeyDerivation specifies how the key is derived from the secret. Defaults to "pad".
	KeyDerivation aead.KeyDerivation `json:"keyDerivation,omitzero"`

	// Key optionally specifies the secret inline.
	// Prefer KeyEnv, so the secret stays out of the config file.
	Key string `json:"key,omitzero"`

	// KeyEnv specifies the environment variable to read the secret from,
	// when Key is empty. Defaults to "AES_GCM_KEY".
	KeyEnv string `json:"keyEnv,omitzero"`

	// DialTimeout is the timeout for dialing the next hop. Defaults to 30s.
	DialTimeout jsonhelper.Duration `json:"dialTimeout,omitzero"`

	// KeepAlivePeriod is the TCP keep-alive period of both connections.
	// Zero uses Go's default. Negative disables keep-alive.
	KeepAlivePeriod jsonhelper.Duration `json:"keepAlivePeriod,omitzero"`
}

// CheckAndApplyDefaults checks and applies default values to the configuration.
func (rc *RelayConfig) CheckAndApplyDefaults() error {
	if rc.ListenAddress == "" {
		return rc.newConfigError("listen", errors.New("listen address is required"))
	}
	if rc.Name == "" {
		rc.Name = rc.ListenAddress
	}

	if !rc.Role.IsValid() {
		return rc.newConfigError("role", errors.New("role is required: one of [passthrough encrypt decrypt]"))
	}

	for _, network := range []struct {
		field string
		value *string
	}{
		{"listenNetwork", &rc.ListenNetwork},
		{"forwardNetwork", &rc.ForwardNetwork},
	} {
		switch *network.value {
		case "":
			*network.value = "tcp"
		case "tcp", "tcp4", "tcp6":
		default:
			return rc.newConfigError(network.field, fmt.Errorf("%q is not one of [tcp tcp4 tcp6]", *network.value))
		}
	}

	if rc.ForwardAddress == "" {
		return rc.newConfigError("forward", errors.New("forward address is required"))
	}

	if err := rc.Cipher.CheckAndApplyDefault(); err != nil {
		return rc.newConfigError("cipher", err)
	}
	if err := rc.KeyDerivation.CheckAndApplyDefault(); err != nil {
		return rc.newConfigError("keyDerivation", err)
	}
	if rc.KeyEnv == "" {
		rc.KeyEnv = DefaultKeyEnv
	}

	switch {
	case rc.DialTimeout == 0:
		rc.DialTimeout = jsonhelper.Duration(defaultDialTimeout)
	case rc.DialTimeout < 0:
		return rc.newConfigError("dialTimeout", fmt.Errorf("negative timeout: %s", rc.DialTimeout.Value()))
	}

	if err := rc.listenSocketOptions().Validate(); err != nil {
		return rc.newConfigError("listen socket options", err)
	}
	if err := rc.forwardSocketOptions().Validate(); err != nil {
		return rc.newConfigError("forward socket options", err)
	}

	return nil
}

func (rc *RelayConfig) newConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Service: rc.Name,
		Field:   field,
		Err:     err,
	}
}

func (rc *RelayConfig) listenSocketOptions() conn.TCPSocketOptions {
	return conn.TCPSocketOptions{
		Fwmark:          rc.ListenFwmark,
		TrafficClass:    rc.ListenTrafficClass,
		KeepAlivePeriod: rc.KeepAlivePeriod.Value(),
	}
}

func (rc *RelayConfig) forwardSocketOptions() conn.TCPSocketOptions {
	return conn.TCPSocketOptions{
		Fwmark:          rc.ForwardFwmark,
		TrafficClass:    rc.ForwardTrafficClass,
		KeepAlivePeriod: rc.KeepAlivePeriod.Value(),
		DialTimeout:     rc.DialTimeout.Value(),
	}
}

// secret returns the configured secret, reading it from the environment if necessary.
func (rc *RelayConfig) secret() (string, error) {
	if rc.Key != "" {
		return rc.Key, nil
	}
	if s := os.Getenv(rc.KeyEnv); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("%w: set the %s environment variable", ErrMissingKey, rc.KeyEnv)
}

// newCodec returns the codec for the relay's role, or nil if the role does not need one.
func (rc *RelayConfig) newCodec() (*aead.Codec, error) {
	if !rc.Role.NeedsKey() {
		return nil, nil
	}

	secret, err := rc.secret()
	if err != nil {
		return nil, rc.newConfigError("key", err)
	}

	key, err := rc.KeyDerivation.DeriveKey(secret)
	if err != nil {
		return nil, rc.newConfigError("keyDerivation", err)
	}

	codec, err := aead.NewCodec(rc.Cipher, key)
	if err != nil {
		return nil, rc.newConfigError("cipher", err)
	}
	return codec, nil
}

// relay accepts connections and relays each one to the next hop.
type relay struct {
	name           string
	role           Role
	codec          *aead.Codec
	listenNetwork  string
	listenAddress  string
	forwardNetwork string
	forwardAddress string
	listenConfig   conn.TCPSocketConfig
	dialConfig     conn.TCPSocketConfig
	logger         *tslog.Logger
	metrics        *metrics.Relay
	ln             *net.TCPListener
	addr           net.Addr
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	mwg            sync.WaitGroup
}

// Relay creates a relay service from the relay config.
// Call the Start method on the returned service to start it.
//
// If collector is nil, the relay's metrics are kept in a private collector.
func (rc *RelayConfig) Relay(logger *tslog.Logger, collector *metrics.Collector) (*relay, error) {
	if err := rc.CheckAndApplyDefaults(); err != nil {
		return nil, err
	}

	codec, err := rc.newCodec()
	if err != nil {
		return nil, err
	}

	if collector == nil {
		collector = metrics.NewCollector()
	}

	return &relay{
		name:           rc.Name,
		role:           rc.Role,
		codec:          codec,
		listenNetwork:  rc.ListenNetwork,
		listenAddress:  rc.ListenAddress,
		forwardNetwork: rc.ForwardNetwork,
		forwardAddress: rc.ForwardAddress,
		listenConfig:   rc.listenSocketOptions().Config(),
		dialConfig:     rc.forwardSocketOptions().Config(),
		logger:         logger,
		metrics:        collector.Relay(rc.Name),
	}, nil
}

// Addr returns the address the relay is listening on, or nil if it has not been started.
func (r *relay) Addr() net.Addr {
	return r.addr
}

// SlogAttr implements [Service.SlogAttr].
func (r *relay) SlogAttr() slog.Attr {
	return slog.String("relay", r.name)
}

// Start implements [Service.Start].
func (r *relay) Start(ctx context.Context) error {
	ln, err := r.listenConfig.Listen(ctx, r.listenNetwork, r.listenAddress)
	if err != nil {
		return err
	}
	r.ln = ln
	r.addr = ln.Addr()

	connCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	logger := r.logger.WithAttrs(
		slog.String("relay", r.name),
		slog.String("role", r.role.String()),
	)

	r.mwg.Add(1)

	go func() {
		r.acceptLoop(connCtx, logger, ln)
		r.mwg.Done()
	}()

	logger.Info("Started relay",
		tslog.NetAddr("listenAddress", r.addr),
		slog.String("forwardAddress", r.forwardAddress),
	)
	return nil
}

func (r *relay) acceptLoop(ctx context.Context, logger *tslog.Logger, ln *net.TCPListener) {
	var retryDelay time.Duration

	for {
		c, err := ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			// Running out of file descriptors and the like are worth waiting out.
			if retryDelay == 0 {
				retryDelay = minAcceptRetryDelay
			} else {
				retryDelay = min(2*retryDelay, maxAcceptRetryDelay)
			}

			logger.Warn("Failed to accept connection",
				slog.Duration("retryDelay", retryDelay),
				tslog.Err(err),
			)

			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		retryDelay = 0

		r.wg.Add(1)

		go func() {
			defer r.wg.Done()
			defer func() {
				if p := recover(); p != nil {
					_ = c.Close()
					logger.Error("Recovered from panic in connection handler",
						tslog.NetAddr("clientAddress", c.RemoteAddr()),
						slog.Any("panic", p),
						slog.String("stack", string(debug.Stack())),
					)
				}
			}()
			r.relayConn(ctx, logger, c)
		}()
	}
}

// Stop implements [Service.Stop].
//
// Stop closes the listener and all relayed connections, and waits for their goroutines to return.
func (r *relay) Stop() error {
	if r.ln == nil {
		return nil
	}

	err := r.ln.Close()
	r.cancel()
	r.mwg.Wait()
	r.wg.Wait()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
