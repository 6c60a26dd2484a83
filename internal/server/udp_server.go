package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"geotrack-svr/internal/codec"
	"geotrack-svr/internal/observability"
	"geotrack-svr/internal/pipeline"
	"geotrack-svr/internal/utilities"
)

// UDPServer reads one status per datagram from a single socket.
type UDPServer struct {
	Addr   string
	Sink   Sink
	Tracer *utilities.Tracer
	Logger *slog.Logger
}

func (s *UDPServer) ListenAndServe(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.Addr)
	if err != nil {
		return fmt.Errorf("error starting UDP server: %w", err)
	}
	return s.Serve(ctx, pc)
}

// Serve reads from pc until ctx ends (nil) or the storage dispatcher closes
// (ErrStorageUnavailable). pc is closed on return.
func (s *UDPServer) Serve(ctx context.Context, pc net.PacketConn) error {
	lg := loggerOr(s.Logger).With("component", "udp")
	defer pc.Close()
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()

	lg.Info("UDP server listening", "addr", pc.LocalAddr().String())

	// one spare byte tells an oversized datagram from a full one
	buf := make([]byte, codec.MaxDatagramSize+1)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			lg.Warn("read error", "err", err)
			continue
		}

		origin := pipeline.Origin{Transport: "udp", Remote: addr.String()}
		if n > codec.MaxDatagramSize {
			observability.DecodeErrors.WithLabelValues(origin.Transport).Inc()
			lg.Warn("datagram too large, dropped", "remote", origin.Remote, "max", codec.MaxDatagramSize)
			continue
		}

		if err := ingestPacket(ctx, s.Sink, s.Tracer, lg, origin, buf[:n]); err != nil {
			return err
		}
	}
}
