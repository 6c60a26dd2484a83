package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"geotrack-svr/internal/codec"
	"geotrack-svr/internal/dispatcher"
	"geotrack-svr/internal/observability"
)

// Command is a mutation handled by the storage actor.
type Command interface{ isCommand() }

// Query is a read handled by the storage actor.
type Query interface{ isQuery() }

type PersistStatus struct {
	Status codec.Status
}

func (PersistStatus) isCommand() {}

type GetStatuses struct {
	SourceID codec.SourceID
	Range    TimeRange
}

func (GetStatuses) isQuery() {}

type CommandResult struct {
	Err error
}

type QueryResult struct {
	Statuses []codec.Status
	Err      error
}

// Handle is a dispatcher handle speaking the storage protocol.
type Handle = dispatcher.Handle[Command, Query, CommandResult, QueryResult]

// Service is the single owner of an Engine. All access goes through its
// mailbox, so the engine never sees two requests at once.
type Service struct {
	engine Engine
	handle *Handle
	loop   *dispatcher.Loop[Command, Query, CommandResult, QueryResult]
	logger *slog.Logger
}

func NewService(engine Engine, capacity int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{engine: engine, logger: logger.With("component", "storage")}
	s.handle, s.loop = dispatcher.Open(capacity, s.onCommand, s.onQuery)
	s.loop.WithLogger(s.logger)
	return s
}

// Run drives the actor loop until ctx ends or every client is closed.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("storage actor started")
	return s.loop.Run(ctx)
}

// Client returns an independent client; Close it when done.
func (s *Service) Client() *Client {
	return &Client{h: s.handle.Clone()}
}

// Close releases the service's own handle. The loop exits once every client
// is closed too.
func (s *Service) Close() {
	s.handle.Close()
}

func (s *Service) onCommand(ctx context.Context, cmd Command) CommandResult {
	observability.MailboxDepth.Set(float64(s.loop.Pending()))
	observability.DispatchRequests.WithLabelValues("command").Inc()

	switch c := cmd.(type) {
	case PersistStatus:
		start := time.Now()
		err := s.engine.PersistStatus(ctx, c.Status)
		observability.ObservePersistLatency(start)
		if err != nil {
			observability.StorageErrors.Inc()
			s.logger.Error("persist failed", "source_id", c.Status.SourceID, "ts", c.Status.Timestamp.Unix(), "err", err)
		}
		return CommandResult{Err: err}
	}
	return CommandResult{Err: fmt.Errorf("unknown storage command %T", cmd)}
}

func (s *Service) onQuery(ctx context.Context, q Query) QueryResult {
	observability.MailboxDepth.Set(float64(s.loop.Pending()))
	observability.DispatchRequests.WithLabelValues("query").Inc()

	switch c := q.(type) {
	case GetStatuses:
		statuses, err := s.engine.GetStatuses(ctx, c.SourceID, c.Range)
		if err != nil {
			observability.StorageErrors.Inc()
			s.logger.Error("query failed", "source_id", c.SourceID, "range", c.Range.String(), "err", err)
		}
		return QueryResult{Statuses: statuses, Err: err}
	}
	return QueryResult{Err: fmt.Errorf("unknown storage query %T", q)}
}

/* =======================================================================
                               CLIENT
======================================================================= */

// Client is the typed front of the storage actor used by ingestors and the
// API. Dispatch failures (dispatcher.ErrChannelClosed) are returned as is.
type Client struct {
	h *Handle
}

func (c *Client) PersistStatus(ctx context.Context, s codec.Status) error {
	res, err := c.h.Command(ctx, PersistStatus{Status: s})
	if err != nil {
		return err
	}
	return res.Err
}

func (c *Client) GetStatuses(ctx context.Context, id codec.SourceID, r TimeRange) ([]codec.Status, error) {
	res, err := c.h.Query(ctx, GetStatuses{SourceID: id, Range: r})
	if err != nil {
		return nil, err
	}
	return res.Statuses, res.Err
}

func (c *Client) Close() {
	c.h.Close()
}
