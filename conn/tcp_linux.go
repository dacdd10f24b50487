package conn

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	fwmarkSupported       = true
	trafficClassSupported = true
)

func setFwmark(fd, fwmark int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, fwmark); err != nil {
		return fmt.Errorf("failed to set socket option SO_MARK: %w", err)
	}
	return nil
}

func setTrafficClass(fd int, network string, trafficClass int) error {
	// Set IP_TOS for both v4 and v6.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, trafficClass); err != nil {
		return fmt.Errorf("failed to set socket option IP_TOS: %w", err)
	}

	switch network {
	case "tcp4":
	case "tcp6":
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, trafficClass); err != nil {
			return fmt.Errorf("failed to set socket option IPV6_TCLASS: %w", err)
		}
	default:
		return fmt.Errorf("unsupported network: %s", network)
	}

	return nil
}

func (opts TCPSocketOptions) buildSetFns() setFuncSlice {
	var fns setFuncSlice
	if opts.Fwmark != 0 {
		fns = append(fns, func(fd int, _ string) error {
			return setFwmark(fd, opts.Fwmark)
		})
	}
	if opts.TrafficClass != 0 {
		fns = append(fns, func(fd int, network string) error {
			return setTrafficClass(fd, network, opts.TrafficClass)
		})
	}
	return fns
}
