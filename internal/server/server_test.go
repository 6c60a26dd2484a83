package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"geotrack-svr/internal/codec"
	"geotrack-svr/internal/dispatcher"
	"geotrack-svr/internal/observability"
	"geotrack-svr/internal/pipeline"
	"geotrack-svr/internal/store"
)

var testSource = codec.MustParseSourceID("0aaec05a-0e7d-4fd5-abc0-0ba69e3cfe11")

const testUnix = 1627364719

func fullStatus() codec.Status {
	return codec.Status{
		SourceID:  testSource,
		Timestamp: time.Unix(testUnix, 0).UTC(),
		Position:  &codec.Position{Lon: 24.745278, Lat: 59.437222},
		Bearing:   codec.Float(1.234),
		Speed:     codec.Float(15),
	}
}

func statusAt(unix int64) codec.Status {
	return codec.Status{SourceID: testSource, Timestamp: time.Unix(unix, 0).UTC()}
}

func encode(t *testing.T, statuses ...codec.Status) []byte {
	t.Helper()
	var out []byte
	for _, s := range statuses {
		b, err := codec.EncodeStatus(s)
		if err != nil {
			t.Fatalf("EncodeStatus: %v", err)
		}
		out = append(out, b...)
	}
	return out
}

// {"a": 1}: well formed CBOR, not a status
var notAStatus = []byte{0xa1, 0x61, 0x61, 0x01}

type fakeSink struct {
	got chan codec.Status

	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func newFakeSink() *fakeSink {
	return &fakeSink{got: make(chan codec.Status, 32)}
}

func (f *fakeSink) HandleStatus(_ context.Context, _ pipeline.Origin, s codec.Status) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			return err
		}
	}
	f.got <- s
	return nil
}

func (f *fakeSink) next(t *testing.T) codec.Status {
	t.Helper()
	select {
	case s := <-f.got:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a status")
		return codec.Status{}
	}
}

func (f *fakeSink) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case s := <-f.got:
		t.Fatalf("unexpected status %s", s)
	case <-time.After(wait):
	}
}

/* =======================================================================
                                 TCP
======================================================================= */

func startTCP(t *testing.T, srv *TCPServer) (addr string, done <-chan error, cancel context.CancelFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if srv.Logger == nil {
		srv.Logger = observability.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return ln.Addr().String(), errCh, cancel
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// expectClosed waits for the server to close c.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := c.Read(buf)
	if !errors.Is(err, io.EOF) && !isClosedErr(err) {
		t.Fatalf("read = %v, want connection closed by server", err)
	}
}

func isClosedErr(err error) bool {
	var ne net.Error
	return err != nil && !(errors.As(err, &ne) && ne.Timeout())
}

func TestTCPSplitFrames(t *testing.T) {
	sink := newFakeSink()
	addr, _, _ := startTCP(t, &TCPServer{Sink: sink, ReadTimeout: 2 * time.Second})
	c := dial(t, addr)

	data := encode(t, fullStatus(), statusAt(testUnix+1))
	if _, err := c.Write(data[:7]); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Write(data[7:]); err != nil {
		t.Fatal(err)
	}

	if got := sink.next(t); !got.Equal(fullStatus()) {
		t.Errorf("first = %+v", got)
	}
	if got := sink.next(t); got.Timestamp.Unix() != testUnix+1 {
		t.Errorf("second = %+v", got)
	}
}

func TestTCPTimeoutIsPerConnection(t *testing.T) {
	sink := newFakeSink()
	addr, _, _ := startTCP(t, &TCPServer{Sink: sink, ReadTimeout: 150 * time.Millisecond})

	idle := dial(t, addr)
	busy := dial(t, addr)

	// idle sends one record and then stalls
	if _, err := idle.Write(encode(t, statusAt(testUnix-1))); err != nil {
		t.Fatal(err)
	}
	if got := sink.next(t); got.Timestamp.Unix() != testUnix-1 {
		t.Fatalf("got %+v, want the idle connection's record", got)
	}

	// keep busy under the deadline while idle expires
	for i := 0; i < 5; i++ {
		if _, err := busy.Write(encode(t, statusAt(int64(testUnix+i)))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		sink.next(t)
		time.Sleep(50 * time.Millisecond)
	}
	expectClosed(t, idle)

	if _, err := busy.Write(encode(t, statusAt(testUnix+100))); err != nil {
		t.Fatalf("busy connection closed: %v", err)
	}
	if got := sink.next(t); got.Timestamp.Unix() != testUnix+100 {
		t.Errorf("got %+v", got)
	}
}

func TestTCPMalformedClosesConnection(t *testing.T) {
	sink := newFakeSink()
	addr, _, _ := startTCP(t, &TCPServer{Sink: sink, ReadTimeout: 2 * time.Second})
	c := dial(t, addr)

	if _, err := c.Write(notAStatus); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, c)
	sink.none(t, 50*time.Millisecond)

	// the listener is still serving
	c2 := dial(t, addr)
	if _, err := c2.Write(encode(t, fullStatus())); err != nil {
		t.Fatal(err)
	}
	sink.next(t)
}

func TestTCPStorageErrorKeepsConnection(t *testing.T) {
	sink := newFakeSink()
	sink.fail = func(call int) error {
		if call == 1 {
			return &store.StorageError{Op: "persist", Err: errors.New("disk full")}
		}
		return nil
	}
	addr, _, _ := startTCP(t, &TCPServer{Sink: sink, ReadTimeout: 2 * time.Second})
	c := dial(t, addr)

	if _, err := c.Write(encode(t, statusAt(testUnix), statusAt(testUnix+1))); err != nil {
		t.Fatal(err)
	}
	if got := sink.next(t); got.Timestamp.Unix() != testUnix+1 {
		t.Errorf("got %+v, want the second status", got)
	}
}

func TestTCPChannelClosedStopsListener(t *testing.T) {
	sink := newFakeSink()
	sink.fail = func(int) error { return dispatcher.ErrChannelClosed }
	addr, done, _ := startTCP(t, &TCPServer{Sink: sink, ReadTimeout: 2 * time.Second})
	c := dial(t, addr)

	if _, err := c.Write(encode(t, fullStatus())); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("Serve = %v, want ErrStorageUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener kept running")
	}
}

func TestTCPShutdown(t *testing.T) {
	addr, done, cancel := startTCP(t, &TCPServer{Sink: newFakeSink()})
	c := dial(t, addr)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	expectClosed(t, c)
}

func TestTCPBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := &TCPServer{Addr: ln.Addr().String(), Sink: newFakeSink(), Logger: observability.Discard()}
	if err := srv.ListenAndServe(context.Background()); err == nil {
		t.Fatal("ListenAndServe on a used port returned nil")
	}
}

/* =======================================================================
                                 UDP
======================================================================= */

func startUDP(t *testing.T, sink Sink) (net.Conn, <-chan error) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := &UDPServer{Sink: sink, Logger: observability.Discard()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, pc) }()

	c, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, errCh
}

func TestUDPEndToEnd(t *testing.T) {
	svc := store.NewService(store.NewMemory(store.DupeMerge), 16, observability.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)
	client := svc.Client()
	defer client.Close()

	proc := pipeline.NewProcessor(client, observability.Discard())
	c, _ := startUDP(t, proc)

	want := statusAt(testUnix)
	if _, err := c.Write(encode(t, want)); err != nil {
		t.Fatal(err)
	}

	window := store.Closed(time.Unix(testUnix-60, 0), time.Unix(testUnix+60, 0))
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := client.GetStatuses(ctx, testSource, window)
		if err != nil {
			t.Fatalf("GetStatuses: %v", err)
		}
		if len(got) == 1 {
			if !got[0].Equal(want) {
				t.Fatalf("stored %+v", got[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status not stored, have %d", len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUDPRejectsBadDatagrams(t *testing.T) {
	sink := newFakeSink()
	c, _ := startUDP(t, sink)

	withTrailing := append(encode(t, statusAt(testUnix)), 0x00)
	oversized := make([]byte, codec.MaxDatagramSize+10)
	for _, bad := range [][]byte{notAStatus, withTrailing, oversized} {
		if _, err := c.Write(bad); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.Write(encode(t, statusAt(testUnix+5))); err != nil {
		t.Fatal(err)
	}

	if got := sink.next(t); got.Timestamp.Unix() != testUnix+5 {
		t.Fatalf("got %+v, want only the valid datagram", got)
	}
	sink.none(t, 50*time.Millisecond)
}

func TestUDPChannelClosedStopsListener(t *testing.T) {
	sink := newFakeSink()
	sink.fail = func(int) error { return dispatcher.ErrChannelClosed }
	c, done := startUDP(t, sink)

	if _, err := c.Write(encode(t, fullStatus())); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("Serve = %v, want ErrStorageUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener kept running")
	}
}

/* =======================================================================
                                 MQTT
======================================================================= */

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestMQTTHandler(t *testing.T) {
	sink := newFakeSink()
	sub := &MQTTSubscriber{Topic: "geotrack/status", Sink: sink}
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	handle := sub.messageHandler(ctx, cancel, observability.Discard())

	handle(nil, &fakeMessage{topic: "geotrack/status", payload: notAStatus})
	handle(nil, &fakeMessage{topic: "geotrack/status", payload: encode(t, fullStatus())})

	if got := sink.next(t); !got.Equal(fullStatus()) {
		t.Errorf("got %+v", got)
	}
	sink.none(t, 20*time.Millisecond)
	if ctx.Err() != nil {
		t.Fatal("handler cancelled the subscriber on a bad payload")
	}
}

func TestMQTTHandlerChannelClosed(t *testing.T) {
	sink := newFakeSink()
	sink.fail = func(int) error { return dispatcher.ErrChannelClosed }
	sub := &MQTTSubscriber{Sink: sink}
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	sub.messageHandler(ctx, cancel, observability.Discard())(nil, &fakeMessage{payload: encode(t, fullStatus())})
	if !errors.Is(context.Cause(ctx), ErrStorageUnavailable) {
		t.Fatalf("cause = %v, want ErrStorageUnavailable", context.Cause(ctx))
	}
}
