package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"geotrack-svr/internal/codec"
	"geotrack-svr/internal/pipeline"
)

var ErrNotConnected = errors.New("link: not connected")

// Client mantiene una conexión TCP hacia el socket proxy y le envía cada
// status aceptado como una línea JSON.
type Client struct {
	addr   string
	logger *slog.Logger

	DialRetry      time.Duration
	ReconnectDelay time.Duration

	mu    sync.Mutex
	conn  net.Conn
	state State
}

func NewClient(addr string, lg *slog.Logger) *Client {
	return &Client{
		addr:           addr,
		logger:         lg.With("component", "link"),
		DialRetry:      5 * time.Second,
		ReconnectDelay: 2 * time.Second,
	}
}

func (c *Client) Name() string { return "link" }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// -------------------------------------------------------------------
//                        LOOP DE CONEXIÓN
// -------------------------------------------------------------------

// Run dials the proxy and reconnects until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("link: dial failed", "addr", c.addr, "err", err)
			if !sleep(ctx, c.DialRetry) {
				return nil
			}
			continue
		}

		c.setConn(conn)
		c.logger.Info("link: connected", "remote", conn.RemoteAddr().String())

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readLoop(conn)
		stop()

		c.clearConn(conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("link: connection closed, reconnecting...")
		if !sleep(ctx, c.ReconnectDelay) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.state = Connected
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = conn.Close()
		c.conn = nil
		c.state = Disconnected
	}
}

// -------------------------------------------------------------------
//                           LECTURA
// -------------------------------------------------------------------

// El proxy no manda comandos todavía; sólo se loguea lo que llega.
func (c *Client) readLoop(conn net.Conn) {
	r := bufio.NewScanner(conn)
	for r.Scan() {
		c.logger.Debug("link: incoming line", "line", r.Text())
	}
	if err := r.Err(); err != nil && err != io.EOF {
		c.logger.Warn("link: read error", "err", err)
	}
}

// -------------------------------------------------------------------
//                          ENVÍO NDJSON
// -------------------------------------------------------------------

type statusPayload struct {
	Status bool         `json:"status"`
	Live   bool         `json:"live"`
	Data   codec.Status `json:"data"`
}

// Forward writes s as one NDJSON line. Statuses accepted while the proxy is
// down are not buffered.
func (c *Client) Forward(ctx context.Context, s codec.Status) error {
	b, err := json.Marshal(statusPayload{
		Status: true,
		Live:   pipeline.IsLive(s.Timestamp, time.Now()),
		Data:   s,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err = c.conn.Write(append(b, '\n'))
	return err
}
