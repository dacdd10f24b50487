// Package conn builds TCP listeners and dialers with socket options applied.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// TCPSocketOptions contains options for TCP sockets.
type TCPSocketOptions struct {
	// Fwmark sets the socket's fwmark on Linux.
	Fwmark int

	// TrafficClass sets the traffic class of the socket.
	TrafficClass int

	// KeepAlivePeriod sets the keep-alive period.
	// Zero uses Go's default. Negative disables keep-alive.
	KeepAlivePeriod time.Duration

	// DialTimeout is the maximum amount of time a dial waits for a connection to complete.
	// Zero means no timeout.
	DialTimeout time.Duration
}

// Validate returns an error if the options are not supported on this platform.
func (opts TCPSocketOptions) Validate() error {
	if opts.Fwmark != 0 && !fwmarkSupported {
		return fmt.Errorf("fwmark: %w", errors.ErrUnsupported)
	}
	if opts.TrafficClass != 0 && !trafficClassSupported {
		return fmt.Errorf("traffic class: %w", errors.ErrUnsupported)
	}
	return nil
}

// Config returns a [TCPSocketConfig] that applies the options.
func (opts TCPSocketOptions) Config() TCPSocketConfig {
	return TCPSocketConfig{
		fns:             opts.buildSetFns(),
		keepAlivePeriod: opts.KeepAlivePeriod,
		dialTimeout:     opts.DialTimeout,
	}
}

// setFunc sets a socket option on fd.
type setFunc = func(fd int, network string) error

type setFuncSlice []setFunc

func (fns setFuncSlice) controlFunc() func(network, address string, c syscall.RawConn) error {
	if len(fns) == 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) (err error) {
		if cerr := c.Control(func(fd uintptr) {
			for _, fn := range fns {
				if err = fn(int(fd), network); err != nil {
					return
				}
			}
		}); cerr != nil {
			return cerr
		}
		return
	}
}

// TCPSocketConfig listens and dials with a fixed set of socket options.
//
// The zero value listens and dials with Go's defaults.
type TCPSocketConfig struct {
	fns             setFuncSlice
	keepAlivePeriod time.Duration
	dialTimeout     time.Duration
}

// DefaultTCPSocketConfig is the config with no socket options set.
var DefaultTCPSocketConfig TCPSocketConfig

// Listen wraps [net.ListenConfig.Listen] and sets socket options on supported platforms.
func (c TCPSocketConfig) Listen(ctx context.Context, network, address string) (*net.TCPListener, error) {
	lc := net.ListenConfig{
		Control:   c.fns.controlFunc(),
		KeepAlive: c.keepAlivePeriod,
	}
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}

// Dial wraps [net.Dialer.DialContext] and sets socket options on supported platforms.
func (c TCPSocketConfig) Dial(ctx context.Context, network, address string) (*net.TCPConn, error) {
	d := net.Dialer{
		Timeout:   c.dialTimeout,
		KeepAlive: c.keepAlivePeriod,
		Control:   c.fns.controlFunc(),
	}
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return nc.(*net.TCPConn), nil
}
