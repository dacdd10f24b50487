package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/database64128/tcprelay-go/frame"
	"github.com/database64128/tcprelay-go/jsonhelper"
	"github.com/database64128/tcprelay-go/metrics"
	"github.com/database64128/tcprelay-go/service/internal/chunkseq"
	"github.com/database64128/tcprelay-go/tslogtest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/nettest"
)

const testTimeout = 10 * time.Second

// localListenAddress returns a loopback address with a system-assigned port.
func localListenAddress(t *testing.T) string {
	t.Helper()
	switch {
	case nettest.SupportsIPv4():
		return "127.0.0.1:0"
	case nettest.SupportsIPv6():
		return "[::1]:0"
	default:
		t.Skip("no loopback network")
		return ""
	}
}

// startServer starts an application server on a loopback address
// that calls handle on each accepted connection.
func startServer(t *testing.T, handle func(c *net.TCPConn)) net.Addr {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				handle(c.(*net.TCPConn))
			}()
		}
	}()

	return ln.Addr()
}

// echo writes back everything it reads, then closes its write direction.
func echo(c *net.TCPConn) {
	_, _ = io.Copy(c, c)
	_ = c.CloseWrite()
}

// startEchoServer starts an application server that runs echo on each connection.
func startEchoServer(t *testing.T) net.Addr {
	return startServer(t, echo)
}

// startRelay creates and starts a relay on a loopback address, and stops it on cleanup.
func startRelay(t *testing.T, rc RelayConfig) *relay {
	t.Helper()

	if rc.ListenAddress == "" {
		rc.ListenAddress = localListenAddress(t)
	}
	if rc.Name == "" {
		rc.Name = rc.Role.String()
	}

	logger := tslogtest.Config{Level: slog.LevelDebug}.NewTestLogger(t)
	r, err := rc.Relay(logger, nil)
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}
	if err = r.Start(t.Context()); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop relay: %v", err)
		}
	})
	return r
}

// dial connects to addr, with a deadline on the connection.
func dial(t *testing.T, addr net.Addr) *net.TCPConn {
	t.Helper()
	var d net.Dialer
	c, err := d.DialContext(t.Context(), addr.Network(), addr.String())
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	if err = c.SetDeadline(time.Now().Add(testTimeout)); err != nil {
		t.Fatal(err)
	}
	return c.(*net.TCPConn)
}

// newTCPConnPair returns the two ends of a loopback TCP connection.
func newTCPConnPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	c := dial(t, ln.Addr())
	ac, ok := <-accepted
	if !ok {
		t.Fatal("Failed to accept")
	}
	t.Cleanup(func() {
		_ = ac.Close()
	})
	return c, ac.(*net.TCPConn)
}

// wireTap records the bytes that pass through it toward the server.
type wireTap struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *wireTap) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *wireTap) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Clone(w.buf.Bytes())
}

// startWireTap starts a transparent TCP forwarder to target that records upstream bytes.
func startWireTap(t *testing.T, target net.Addr) (net.Addr, *wireTap) {
	t.Helper()
	var tap wireTap
	addr := startServer(t, func(c *net.TCPConn) {
		var d net.Dialer
		uc, err := d.Dial(target.Network(), target.String())
		if err != nil {
			t.Errorf("Wire tap failed to dial %s: %v", target, err)
			return
		}
		defer uc.Close()
		up := uc.(*net.TCPConn)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = io.Copy(io.MultiWriter(&tap, up), c)
			_ = up.CloseWrite()
		}()
		_, _ = io.Copy(c, up)
		_ = c.CloseWrite()
		wg.Wait()
	})
	return addr, &tap
}

// startTunnel starts an encrypting relay and a decrypting relay in front of server,
// with a wire tap between them. It returns the encrypting relay and the tap.
func startTunnel(t *testing.T, server net.Addr, encryptSecret, decryptSecret string) (*relay, *relay, *wireTap) {
	t.Helper()
	decrypter := startRelay(t, RelayConfig{
		Role:           RoleDecrypt,
		ForwardAddress: server.String(),
		Key:            decryptSecret,
	})
	tapAddr, tap := startWireTap(t, decrypter.Addr())
	encrypter := startRelay(t, RelayConfig{
		Role:           RoleEncrypt,
		ForwardAddress: tapAddr.String(),
		Key:            encryptSecret,
	})
	return encrypter, decrypter, tap
}

// roundTrip writes b to c, closes the write direction, and reads until EOF.
func roundTrip(t *testing.T, c *net.TCPConn, b []byte) []byte {
	t.Helper()
	if _, err := c.Write(b); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := c.CloseWrite(); err != nil {
		t.Fatalf("Failed to close write: %v", err)
	}
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	return got
}

// waitForIdle waits for the relay to have no active connections.
func waitForIdle(t *testing.T, r *relay) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for testutil.ToFloat64(r.metrics.Active) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay %s still has %v active connections", r.name, testutil.ToFloat64(r.metrics.Active))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPassthroughEcho(t *testing.T) {
	r := startRelay(t, RelayConfig{
		Role:           RolePassthrough,
		ForwardAddress: startEchoServer(t).String(),
	})

	c := dial(t, r.Addr())
	if got := roundTrip(t, c, []byte("Hello, server!")); string(got) != "Hello, server!" {
		t.Errorf("got %q, want %q", got, "Hello, server!")
	}

	waitForIdle(t, r)
	if got := testutil.ToFloat64(r.metrics.Accepted); got != 1 {
		t.Errorf("accepted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.metrics.InBytes); got != float64(len("Hello, server!")) {
		t.Errorf("inbound bytes = %v, want %d", got, len("Hello, server!"))
	}
}

func TestEncryptDecryptEcho(t *testing.T) {
	encrypter, decrypter, tap := startTunnel(t, startEchoServer(t), "tunnel secret", "tunnel secret")

	payload := bytes.Repeat([]byte{'A'}, 60)
	c := dial(t, encrypter.Addr())
	if got := roundTrip(t, c, payload); !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}

	waitForIdle(t, encrypter)
	waitForIdle(t, decrypter)

	wire := tap.Bytes()
	if bytes.Contains(wire, payload[:16]) {
		t.Error("plaintext appeared on the wire between relays")
	}

	// The wire carries sealed length-prefixed frames, then the sentinel.
	var (
		r         = bytes.NewReader(wire)
		buf       = make([]byte, frame.MaxFrameSize)
		plaintext int
	)
	for {
		sealed, err := frame.LengthPrefixed.ReadFrame(r, buf)
		if err != nil {
			t.Fatalf("Failed to read frame from the wire: %v", err)
		}
		if len(sealed) == 0 {
			break
		}
		plaintext += len(sealed) - 28
	}
	if plaintext != len(payload) {
		t.Errorf("sealed frames carry %d plaintext bytes, want %d", plaintext, len(payload))
	}
	if r.Len() != 0 {
		t.Errorf("%d bytes on the wire after the sentinel", r.Len())
	}
}

func TestHalfClosePropagation(t *testing.T) {
	// The server says goodbye and closes its write direction first,
	// then keeps reading until the client is done.
	received := make(chan []byte, 1)
	server := startServer(t, func(c *net.TCPConn) {
		if _, err := c.Write([]byte("bye")); err != nil {
			t.Errorf("Server failed to write: %v", err)
		}
		if err := c.CloseWrite(); err != nil {
			t.Errorf("Server failed to close write: %v", err)
		}
		b, err := io.ReadAll(c)
		if err != nil {
			t.Errorf("Server failed to read: %v", err)
		}
		received <- b
	})

	encrypter, decrypter, _ := startTunnel(t, server, "s3cret", "s3cret")
	c := dial(t, encrypter.Addr())

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(got) != "bye" {
		t.Errorf("got %q, want %q", got, "bye")
	}

	// The other direction is still open.
	if _, err = c.Write([]byte("see you")); err != nil {
		t.Fatalf("Failed to write after the server closed its side: %v", err)
	}
	if err = c.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	select {
	case b := <-received:
		if string(b) != "see you" {
			t.Errorf("server received %q, want %q", b, "see you")
		}
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for the server to receive")
	}

	waitForIdle(t, encrypter)
	waitForIdle(t, decrypter)
}

func TestMismatchedKeyAbortsConnection(t *testing.T) {
	var serverReceived sync.WaitGroup
	serverReceived.Add(1)
	var receivedBytes int
	server := startServer(t, func(c *net.TCPConn) {
		defer serverReceived.Done()
		b, _ := io.ReadAll(c)
		receivedBytes = len(b)
	})

	encrypter, decrypter, _ := startTunnel(t, server, "alpha", "bravo")
	c := dial(t, encrypter.Addr())

	if _, err := c.Write([]byte("Hello, server!")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	// The relays abort the connection instead of answering.
	got, _ := io.ReadAll(c)
	if len(got) != 0 {
		t.Errorf("got %q, want nothing", got)
	}

	waitForIdle(t, encrypter)
	waitForIdle(t, decrypter)
	serverReceived.Wait()

	if receivedBytes != 0 {
		t.Errorf("server received %d bytes through a mismatched key", receivedBytes)
	}
	if got := testutil.ToFloat64(decrypter.metrics.Failed.WithLabelValues(KindCrypto.String())); got != 1 {
		t.Errorf("decrypter crypto failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(encrypter.metrics.Failed.WithLabelValues(KindFraming.String())); got != 1 {
		t.Errorf("encrypter framing failures = %v, want 1", got)
	}
}

func TestLargeTransferOrdering(t *testing.T) {
	const (
		chunkSize  = 1500
		chunkCount = 2000
	)

	encrypter, decrypter, _ := startTunnel(t, startEchoServer(t), "order", "order")
	c := dial(t, encrypter.Addr())

	writeErr := make(chan error, 1)
	go func() {
		var (
			s     chunkseq.Sender
			chunk = make([]byte, chunkSize)
		)
		for range chunkCount {
			s.Stamp(chunk)
			if _, err := c.Write(chunk); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- c.CloseWrite()
	}()

	r := chunkseq.NewReceiver(chunkSize)
	if _, err := io.Copy(r, c); err != nil {
		t.Fatalf("Echoed stream is out of order or corrupted after %d chunks: %v", r.Count(), err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	if got := r.Count(); got != chunkCount {
		t.Errorf("received %d chunks, want %d", got, chunkCount)
	}
	if got := r.Pending(); got != 0 {
		t.Errorf("%d trailing bytes", got)
	}

	waitForIdle(t, encrypter)
	waitForIdle(t, decrypter)
}

func TestDialFailure(t *testing.T) {
	// Reserve an address, then free it, so nothing is listening there.
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatal(err)
	}
	forward := ln.Addr().String()
	_ = ln.Close()

	r := startRelay(t, RelayConfig{
		Role:           RolePassthrough,
		ForwardAddress: forward,
		DialTimeout:    jsonhelper.Duration(time.Second),
	})

	c := dial(t, r.Addr())
	if got, _ := io.ReadAll(c); len(got) != 0 {
		t.Errorf("got %q, want nothing", got)
	}

	waitForIdle(t, r)
	if got := testutil.ToFloat64(r.metrics.Failed.WithLabelValues(KindDial.String())); got != 1 {
		t.Errorf("dial failures = %v, want 1", got)
	}

	// The relay keeps accepting after a failed connection.
	c = dial(t, r.Addr())
	if got, _ := io.ReadAll(c); len(got) != 0 {
		t.Errorf("got %q, want nothing", got)
	}
}

func TestStopClosesActiveConnections(t *testing.T) {
	// The server holds connections open until the relay closes them.
	server := startServer(t, func(c *net.TCPConn) {
		_, _ = io.Copy(io.Discard, c)
	})

	logger := tslogtest.Config{Level: slog.LevelDebug}.NewTestLogger(t)
	rc := RelayConfig{
		Role:           RolePassthrough,
		ListenAddress:  localListenAddress(t),
		ForwardAddress: server.String(),
	}
	r, err := rc.Relay(logger, metrics.NewCollector())
	if err != nil {
		t.Fatal(err)
	}
	if err = r.Start(t.Context()); err != nil {
		t.Fatal(err)
	}

	c := dial(t, r.Addr())
	if _, err = c.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(testTimeout)
	for testutil.ToFloat64(r.metrics.Active) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the connection to be relayed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- r.Stop()
	}()

	select {
	case err = <-stopped:
		if err != nil {
			t.Fatalf("r.Stop() = %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("r.Stop() did not return")
	}

	if _, err = io.ReadAll(c); err != nil && !errors.Is(err, syscall.ECONNRESET) {
		t.Errorf("reading from a stopped relay: %v", err)
	}
	if got := testutil.ToFloat64(r.metrics.Active); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}

	// The listener is closed.
	var d net.Dialer
	ctx, cancel := context.WithTimeout(t.Context(), testTimeout)
	defer cancel()
	if nc, err := d.DialContext(ctx, "tcp", r.Addr().String()); err == nil {
		nc.Close()
		t.Error("relay still accepts connections after Stop")
	}
}
