// Package server holds the network ingestors. Every ingestor decodes
// statuses and hands them to a Sink, one at a time and in arrival order.
package server

import (
	"context"
	"errors"
	"log/slog"

	"geotrack-svr/internal/codec"
	"geotrack-svr/internal/dispatcher"
	"geotrack-svr/internal/observability"
	"geotrack-svr/internal/pipeline"
	"geotrack-svr/internal/utilities"
)

// ErrStorageUnavailable is returned by an ingestor that stopped because the
// storage dispatcher is gone.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Sink receives decoded statuses; *pipeline.Processor is the production one.
type Sink interface {
	HandleStatus(ctx context.Context, origin pipeline.Origin, s codec.Status) error
}

func loggerOr(lg *slog.Logger) *slog.Logger {
	if lg == nil {
		return slog.Default()
	}
	return lg
}

// deliver hands s to sink. It reports fatal when the dispatcher is closed;
// any other failure is logged and the caller keeps going.
func deliver(ctx context.Context, sink Sink, lg *slog.Logger, origin pipeline.Origin, s codec.Status) (fatal bool) {
	err := sink.HandleStatus(ctx, origin, s)
	switch {
	case err == nil:
		return false
	case ctx.Err() != nil:
		// shutting down; the dispatcher may already be gone
		return false
	case errors.Is(err, dispatcher.ErrChannelClosed):
		lg.Error("storage dispatcher closed, stopping listener", "source_id", s.SourceID, "err", err)
		return true
	default:
		lg.Error("status not stored", "source_id", s.SourceID, "ts", s.Timestamp.Unix(), "err", err)
		return false
	}
}

// rejectPacket logs, counts and traces a payload that failed to decode.
func rejectPacket(lg *slog.Logger, tracer *utilities.Tracer, origin pipeline.Origin, payload []byte, cause error) {
	observability.DecodeErrors.WithLabelValues(origin.Transport).Inc()
	attrs := []any{"remote", origin.Remote, "bytes", len(payload), "err", cause}
	if id, ok := codec.PeekSourceID(payload); ok {
		attrs = append(attrs, "source_id", id)
	}
	lg.Warn("malformed status", attrs...)
	if err := tracer.Reject(origin.String(), payload, cause); err != nil {
		lg.Warn("trace write failed", "err", err)
	}
}

// ingestPacket handles a payload that must hold exactly one status, as
// delivered by datagram and broker transports. It returns
// ErrStorageUnavailable when the dispatcher is gone.
func ingestPacket(ctx context.Context, sink Sink, tracer *utilities.Tracer, lg *slog.Logger, origin pipeline.Origin, payload []byte) error {
	s, err := codec.DecodeStatus(payload)
	if err != nil {
		rejectPacket(lg, tracer, origin, payload, err)
		return nil
	}
	if deliver(ctx, sink, lg, origin, s) {
		return ErrStorageUnavailable
	}
	return nil
}
