// Package dispatcher serializes commands and queries against a single owner
// of state. Producers submit through a Handle; the owner drives a Loop that
// runs the handlers one request at a time, in arrival order.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrChannelClosed: the loop is gone or every handle was closed.
	ErrChannelClosed = errors.New("communication channel closed")
	// ErrSenderUnavailable: the caller stopped waiting before the reply.
	ErrSenderUnavailable = errors.New("unable to respond to sender")
)

type kind uint8

const (
	kindCommand kind = iota
	kindQuery
)

// envelope carries one request plus its private reply slot. Only the fields
// matching kind are set.
type envelope[C, Q, CR, QR any] struct {
	ctx  context.Context
	kind kind

	command      C
	commandReply chan CR

	query      Q
	queryReply chan QR
}

type mailbox[C, Q, CR, QR any] struct {
	requests chan envelope[C, Q, CR, QR]
	done     chan struct{}

	mu     sync.Mutex
	refs   int
	closed bool
}

// acquire takes a reference. It fails once the last handle has gone, since
// requests is already closed by then.
func (m *mailbox[C, Q, CR, QR]) acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.refs++
	return true
}

func (m *mailbox[C, Q, CR, QR]) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		m.closed = true
		close(m.requests)
	}
}

// Open creates a mailbox holding at most capacity pending requests and
// returns its first handle and the loop that drains it.
func Open[C, Q, CR, QR any](
	capacity int,
	onCommand func(context.Context, C) CR,
	onQuery func(context.Context, Q) QR,
) (*Handle[C, Q, CR, QR], *Loop[C, Q, CR, QR]) {
	if capacity < 1 {
		capacity = 1
	}
	mb := &mailbox[C, Q, CR, QR]{
		requests: make(chan envelope[C, Q, CR, QR], capacity),
		done:     make(chan struct{}),
		refs:     1,
	}
	h := &Handle[C, Q, CR, QR]{mb: mb}
	l := &Loop[C, Q, CR, QR]{
		mb:        mb,
		onCommand: onCommand,
		onQuery:   onQuery,
		logger:    slog.Default(),
	}
	return h, l
}

/* =======================================================================
                               HANDLE
======================================================================= */

// Handle submits requests to a Loop. It is safe for concurrent use; Clone it
// to give independent owners their own handle to Close.
type Handle[C, Q, CR, QR any] struct {
	mb *mailbox[C, Q, CR, QR]

	mu       sync.RWMutex
	released bool
}

// Clone returns a new handle on the same mailbox. Cloning a closed handle, or
// any handle after the mailbox closed, yields a handle whose requests fail
// with ErrChannelClosed.
func (h *Handle[C, Q, CR, QR]) Clone() *Handle[C, Q, CR, QR] {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released || !h.mb.acquire() {
		return &Handle[C, Q, CR, QR]{mb: h.mb, released: true}
	}
	return &Handle[C, Q, CR, QR]{mb: h.mb}
}

// Close releases the handle. Once every handle is closed the loop sees
// ErrChannelClosed after draining what was already queued.
func (h *Handle[C, Q, CR, QR]) Close() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()
	h.mb.release()
}

// Command submits a mutation and waits for the handler's result. A full
// mailbox blocks the caller. If ctx ends first, ctx.Err() is returned but an
// already queued request still runs.
func (h *Handle[C, Q, CR, QR]) Command(ctx context.Context, payload C) (CR, error) {
	var zero CR
	reply := make(chan CR)
	err := h.submit(ctx, envelope[C, Q, CR, QR]{
		ctx:          ctx,
		kind:         kindCommand,
		command:      payload,
		commandReply: reply,
	})
	if err != nil {
		return zero, err
	}
	return await(ctx, h.mb.done, reply)
}

// Query is Command for read-only requests. Queries get no priority.
func (h *Handle[C, Q, CR, QR]) Query(ctx context.Context, payload Q) (QR, error) {
	var zero QR
	reply := make(chan QR)
	err := h.submit(ctx, envelope[C, Q, CR, QR]{
		ctx:        ctx,
		kind:       kindQuery,
		query:      payload,
		queryReply: reply,
	})
	if err != nil {
		return zero, err
	}
	return await(ctx, h.mb.done, reply)
}

func (h *Handle[C, Q, CR, QR]) submit(ctx context.Context, env envelope[C, Q, CR, QR]) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released {
		return ErrChannelClosed
	}

	select {
	case <-h.mb.done:
		return ErrChannelClosed
	default:
	}

	select {
	case h.mb.requests <- env:
		return nil
	case <-h.mb.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[R any](ctx context.Context, done <-chan struct{}, reply <-chan R) (R, error) {
	var zero R
	select {
	case res := <-reply:
		return res, nil
	case <-done:
		return zero, ErrChannelClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

/* =======================================================================
                                LOOP
======================================================================= */

// Loop is the single consumer of a mailbox.
type Loop[C, Q, CR, QR any] struct {
	mb        *mailbox[C, Q, CR, QR]
	onCommand func(context.Context, C) CR
	onQuery   func(context.Context, Q) QR
	logger    *slog.Logger

	stopOnce sync.Once
}

// WithLogger sets the logger used by Run.
func (l *Loop[C, Q, CR, QR]) WithLogger(lg *slog.Logger) *Loop[C, Q, CR, QR] {
	l.logger = lg
	return l
}

// Pending is the number of queued, unprocessed requests.
func (l *Loop[C, Q, CR, QR]) Pending() int {
	return len(l.mb.requests)
}

// Step processes exactly one request. Handlers see the caller's context
// values but not its cancellation.
func (l *Loop[C, Q, CR, QR]) Step(ctx context.Context) error {
	select {
	case env, ok := <-l.mb.requests:
		if !ok {
			return ErrChannelClosed
		}
		return l.handle(env)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop[C, Q, CR, QR]) handle(env envelope[C, Q, CR, QR]) error {
	hctx := context.WithoutCancel(env.ctx)
	switch env.kind {
	case kindCommand:
		return reply(env.ctx, env.commandReply, l.onCommand(hctx, env.command))
	default:
		return reply(env.ctx, env.queryReply, l.onQuery(hctx, env.query))
	}
}

func reply[R any](ctx context.Context, ch chan<- R, v R) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ErrSenderUnavailable
	}
}

// Run steps until every handle is closed or ctx ends. Abandoned replies are
// logged and skipped. After Run returns, pending and future requests fail
// with ErrChannelClosed.
func (l *Loop[C, Q, CR, QR]) Run(ctx context.Context) error {
	defer l.Stop()
	for {
		err := l.Step(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrSenderUnavailable):
			l.logger.Warn("dispatch: reply dropped, caller is gone", "err", err)
		case errors.Is(err, ErrChannelClosed):
			l.logger.Info("dispatch: mailbox closed, loop exiting")
			return nil
		default:
			l.logger.Info("dispatch: loop stopped", "reason", err)
			return nil
		}
	}
}

// Stop marks the loop as gone without draining the mailbox.
func (l *Loop[C, Q, CR, QR]) Stop() {
	l.stopOnce.Do(func() { close(l.mb.done) })
}
