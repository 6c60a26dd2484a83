package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"geotrack-svr/internal/codec"
	"geotrack-svr/internal/observability"
)

// ForwardQueueSize bounds the statuses waiting for each forwarder.
const ForwardQueueSize = 256

// liveWindow separates live reports from buffered ones replayed by a device
// after a coverage gap.
const liveWindow = 120 * time.Second

// StatusWriter is the storage side of the pipeline; *store.Client satisfies it.
type StatusWriter interface {
	PersistStatus(ctx context.Context, s codec.Status) error
}

// Forwarder receives every status that was stored successfully.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, s codec.Status) error
}

// Origin identifies where a packet came from.
type Origin struct {
	Transport string
	Remote    string
}

func (o Origin) String() string {
	return o.Transport + "://" + o.Remote
}

// IsLive reports whether ts is recent enough to count as a live report.
func IsLive(ts, now time.Time) bool {
	return now.Sub(ts) <= liveWindow
}

type forwardQueue struct {
	f  Forwarder
	ch chan codec.Status
}

// Processor is the sink shared by every ingestor.
type Processor struct {
	store  StatusWriter
	queues []*forwardQueue
	logger *slog.Logger
	now    func() time.Time
}

func NewProcessor(store StatusWriter, lg *slog.Logger, forwarders ...Forwarder) *Processor {
	p := &Processor{
		store:  store,
		logger: lg.With("component", "pipeline"),
		now:    time.Now,
	}
	for _, f := range forwarders {
		p.queues = append(p.queues, &forwardQueue{f: f, ch: make(chan codec.Status, ForwardQueueSize)})
	}
	return p
}

// HandleStatus stores s and, once stored, hands it to the forwarders. The
// storage outcome is returned unchanged so ingestors can tell a closed
// dispatcher from a storage failure.
func (p *Processor) HandleStatus(ctx context.Context, origin Origin, s codec.Status) error {
	observability.PacketsRecv.WithLabelValues(origin.Transport).Inc()

	if s.Position != nil && !s.Position.Valid() {
		p.logger.Warn("position out of range",
			"source_id", s.SourceID, "remote", origin.Remote,
			"lon", s.Position.Lon, "lat", s.Position.Lat)
	}
	if !IsLive(s.Timestamp, p.now()) {
		p.logger.Debug("buffered status", "source_id", s.SourceID, "ts", s.Timestamp.Unix())
	}

	if err := p.store.PersistStatus(ctx, s); err != nil {
		return err
	}

	for _, q := range p.queues {
		select {
		case q.ch <- s:
		default:
			observability.ForwardDropped.WithLabelValues(q.f.Name()).Inc()
			p.logger.Warn("forward queue full, status dropped", "forwarder", q.f.Name(), "source_id", s.SourceID)
		}
	}
	return nil
}

// Run drains the forward queues until ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, q := range p.queues {
		wg.Add(1)
		go func(q *forwardQueue) {
			defer wg.Done()
			p.forwardLoop(ctx, q)
		}(q)
	}
	wg.Wait()
	return nil
}

func (p *Processor) forwardLoop(ctx context.Context, q *forwardQueue) {
	lg := p.logger.With("forwarder", q.f.Name())
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-q.ch:
			if err := q.f.Forward(ctx, s); err != nil {
				observability.ForwardErrors.WithLabelValues(q.f.Name()).Inc()
				lg.Warn("forward failed", "source_id", s.SourceID, "err", err)
			}
		}
	}
}
