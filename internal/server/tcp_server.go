package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"geotrack-svr/internal/codec"
	"geotrack-svr/internal/observability"
	"geotrack-svr/internal/pipeline"
	"geotrack-svr/internal/utilities"
)

const (
	keepAlivePeriod  = 60 * time.Second
	maxAcceptBackoff = time.Second
)

// TCPServer reads concatenated CBOR statuses from each connection.
type TCPServer struct {
	Addr string
	// ReadTimeout bounds the wait for each frame; zero disables it.
	ReadTimeout time.Duration
	Sink        Sink
	Tracer      *utilities.Tracer
	Logger      *slog.Logger
}

// ListenAndServe binds Addr and serves until ctx ends.
func (s *TCPServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("error starting TCP server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, which returns nil, or the
// storage dispatcher closes, which returns ErrStorageUnavailable. ln is
// closed on return.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	lg := loggerOr(s.Logger).With("component", "tcp")

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	lg.Info("TCP server listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				if errors.Is(context.Cause(ctx), ErrStorageUnavailable) {
					return ErrStorageUnavailable
				}
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			observability.AcceptErrors.Inc()
			backoff = max(5*time.Millisecond, min(2*backoff, maxAcceptBackoff))
			lg.Error("accept error", "err", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			if s.handleConn(ctx, c, lg) {
				cancel(ErrStorageUnavailable)
			}
		}(conn)
	}
}

// handleConn serves one connection and reports whether the listener must
// stop.
func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn, lg *slog.Logger) (fatal bool) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	observability.TCPConnections.Inc()
	observability.ActiveConnections.Inc()
	defer observability.ActiveConnections.Dec()

	remote := conn.RemoteAddr().String()
	origin := pipeline.Origin{Transport: "tcp", Remote: remote}
	lg = lg.With("remote", remote)
	lg.Debug("connection accepted")

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
	}

	fr := codec.NewFrameReader(conn)
	for {
		if s.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		st, err := fr.Next()
		if err != nil {
			s.closeReason(ctx, lg, origin, fr, err)
			return false
		}
		if deliver(ctx, s.Sink, lg, origin, st) {
			return true
		}
	}
}

func (s *TCPServer) closeReason(ctx context.Context, lg *slog.Logger, origin pipeline.Origin, fr *codec.FrameReader, err error) {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		lg.Debug("connection closed on shutdown")
	case errors.Is(err, io.EOF):
		lg.Debug("connection closed by peer")
	case errors.Is(err, os.ErrDeadlineExceeded):
		observability.ReadTimeouts.Inc()
		lg.Debug("connection timed out", "timeout", s.ReadTimeout)
	case errors.Is(err, io.ErrUnexpectedEOF):
		lg.Warn("connection closed mid-frame", "pending", len(fr.Pending()))
	case errors.As(err, &netErr):
		lg.Warn("read error", "err", err)
	default:
		rejectPacket(lg, s.Tracer, origin, fr.Pending(), err)
	}
}
