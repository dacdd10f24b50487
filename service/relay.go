package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/database64128/tcprelay-go/aead"
	"github.com/database64128/tcprelay-go/frame"
	"github.com/database64128/tcprelay-go/tslog"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// connPair is an accepted connection and the connection dialed to the next hop for it.
type connPair struct {
	inbound   *net.TCPConn
	outbound  *net.TCPConn
	closeOnce sync.Once
	closeErr  error
}

// streams returns the connection a direction reads from and the one it writes to.
func (p *connPair) streams(dir Direction) (src, dst *net.TCPConn) {
	if dir == DirectionInbound {
		return p.inbound, p.outbound
	}
	return p.outbound, p.inbound
}

// Close closes both connections. It is safe to call more than once,
// and from multiple goroutines. Every call returns the result of the first.
func (p *connPair) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = multierr.Combine(p.inbound.Close(), p.outbound.Close())
	})
	return p.closeErr
}

// directionStats counts what one direction of a connection has read.
type directionStats struct {
	bytes  uint64
	frames uint64
}

// relayConn relays an accepted connection until both directions have ended,
// or either one fails. inbound is always closed when relayConn returns.
func (r *relay) relayConn(ctx context.Context, logger *tslog.Logger, inbound *net.TCPConn) {
	startTime := time.Now()
	logger = logger.WithAttrs(
		slog.String("conn", uuid.NewString()),
		tslog.NetAddr("clientAddress", inbound.RemoteAddr()),
	)

	r.metrics.Accepted.Inc()
	r.metrics.Active.Inc()
	defer func() {
		r.metrics.Active.Dec()
		r.metrics.ConnSeconds.Observe(time.Since(startTime).Seconds())
	}()

	outbound, err := r.dialConfig.Dial(ctx, r.forwardNetwork, r.forwardAddress)
	if err != nil {
		_ = inbound.Close()
		err = &RelayError{Kind: KindDial, Err: err}
		if ctx.Err() != nil {
			logger.Debug("Dial canceled by shutdown", tslog.Err(err))
			return
		}
		r.metrics.Failed.WithLabelValues(KindDial.String()).Inc()
		logger.Warn("Failed to dial next hop",
			slog.String("forwardAddress", r.forwardAddress),
			tslog.Err(err),
		)
		return
	}

	pair := connPair{
		inbound:  inbound,
		outbound: outbound,
	}

	logger = logger.WithAttrs(tslog.NetAddr("forwardAddress", outbound.RemoteAddr()))
	logger.Debug("Relaying connection", tslog.NetAddr("forwardLocalAddress", outbound.LocalAddr()))

	var stats [directionCount]directionStats

	g, gctx := errgroup.WithContext(ctx)
	// An error in either direction, or the relay shutting down, closes both connections,
	// which unblocks the other direction.
	stop := context.AfterFunc(gctx, func() {
		_ = pair.Close()
	})
	defer stop()

	for dir := range directionCount {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = &RelayError{
						Kind:      KindInternal,
						Direction: dir,
						Err:       fmt.Errorf("panic: %v\n%s", p, debug.Stack()),
					}
				}
			}()
			src, dst := pair.streams(dir)
			return r.relayDirection(dir, src, dst, &stats[dir])
		})
	}

	err = g.Wait()
	closeErr := pair.Close()

	attrs := []slog.Attr{
		tslog.Uint("inboundBytes", stats[DirectionInbound].bytes),
		tslog.Uint("inboundFrames", stats[DirectionInbound].frames),
		tslog.Uint("outboundBytes", stats[DirectionOutbound].bytes),
		tslog.Uint("outboundFrames", stats[DirectionOutbound].frames),
		slog.Duration("duration", time.Since(startTime)),
	}

	if err == nil {
		if closeErr != nil {
			attrs = append(attrs, tslog.Err(closeErr))
		}
		logger.Debug("Finished relaying connection", attrs...)
		return
	}

	attrs = append(attrs, tslog.Err(err))

	// Once the relay is shutting down, every connection ends with a closed socket.
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		logger.Debug("Connection closed by shutdown", attrs...)
		return
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		r.metrics.Failed.WithLabelValues(relayErr.Kind.String()).Inc()
		attrs = append(attrs,
			slog.String("kind", relayErr.Kind.String()),
			slog.String("direction", relayErr.Direction.String()),
		)
	}
	logger.Warn("Aborted connection", attrs...)
}

// relayDirection moves frames from src to dst according to the relay's policy for dir,
// until src ends or an error occurs.
//
// When src ends, the end is passed on in dst's dialect before relayDirection returns nil.
func (r *relay) relayDirection(dir Direction, src io.Reader, dst io.Writer, stats *directionStats) error {
	policy := PolicyFor(r.role, dir)

	bytesCounter, framesCounter := r.metrics.InBytes, r.metrics.InFrames
	if dir == DirectionOutbound {
		bytesCounter, framesCounter = r.metrics.OutBytes, r.metrics.OutFrames
	}

	var (
		readBuf  = make([]byte, frame.BufferSize(policy.Read))
		writeBuf []byte
	)
	if policy.Op == aead.OpEncrypt {
		writeBuf = make([]byte, 0, len(readBuf)+aead.Overhead)
	}

	for {
		b, err := policy.Read.ReadFrame(src, readBuf)
		if err != nil {
			return newRelayError(dir, fmt.Errorf("failed to read %s frame: %w", policy.Read, err))
		}

		if len(b) == 0 {
			if err = policy.Write.WriteEnd(dst); err != nil {
				return newRelayError(dir, fmt.Errorf("failed to end %s stream: %w", policy.Write, err))
			}
			return nil
		}

		stats.bytes += uint64(len(b))
		stats.frames++
		bytesCounter.Add(float64(len(b)))
		framesCounter.Inc()

		out := b
		if policy.Op != aead.OpIdentity {
			writeBuf, err = r.codec.Apply(policy.Op, writeBuf[:0], b)
			if err != nil {
				return newRelayError(dir, err)
			}
			out = writeBuf
		}

		// A sealed empty frame opens to nothing. Writing it would end the stream.
		if len(out) == 0 {
			continue
		}

		if err = policy.Write.WriteFrame(dst, out); err != nil {
			return newRelayError(dir, fmt.Errorf("failed to write %s frame: %w", policy.Write, err))
		}
	}
}
