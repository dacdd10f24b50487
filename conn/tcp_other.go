//go:build !linux

package conn

const (
	fwmarkSupported       = false
	trafficClassSupported = false
)

func (opts TCPSocketOptions) buildSetFns() setFuncSlice {
	return nil
}
