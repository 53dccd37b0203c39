package main

import (
	"sync"
	"testing"
	"time"

	"github.com/puyokura/chatrelay/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock is a settable time source shared by the directory and notifier.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeConn records frames instead of writing them to a socket.
type fakeConn struct {
	id   string
	addr string

	mu          sync.Mutex
	frames      [][]byte
	closeCode   int
	closeReason string
	reject      bool
}

func newFakeConn(id, addr string) *fakeConn {
	return &fakeConn{id: id, addr: addr}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject || c.closeCode != 0 {
		return false
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return true
}

func (c *fakeConn) CloseWithReason(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
	c.closeReason = reason
}

func (c *fakeConn) closed() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// received decodes every frame sent so far.
func (c *fakeConn) received(t *testing.T) []model.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, 0, len(c.frames))
	for _, f := range c.frames {
		msg, err := model.WireCodec{}.Decode(f)
		require.NoError(t, err, "frame %s", f)
		out = append(out, msg)
	}
	return out
}

// take returns the decoded frames and forgets them.
func (c *fakeConn) take(t *testing.T) []model.Message {
	t.Helper()
	msgs := c.received(t)
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
	return msgs
}

// recordingSink keeps every presence event.
type recordingSink struct {
	mu     sync.Mutex
	events []PresenceEvent
}

func (s *recordingSink) Record(ev PresenceEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) all() []PresenceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PresenceEvent(nil), s.events...)
}

type testRelay struct {
	clock   *fakeClock
	dir     *Directory
	out     *Dispatcher
	router  *Router
	monitor *PresenceMonitor
	sink    *recordingSink
	metrics *Metrics
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	clock := newFakeClock()
	log := zap.NewNop()
	metrics := NewMetrics()
	dir := NewDirectory(clock.Now)
	codec := model.WireCodec{}
	notify := NewNotifier(clock.Now)
	out := NewDispatcher(codec, dir, metrics, log)
	sink := &recordingSink{}

	router := NewRouter(dir, codec, notify, out, metrics, log).WithSink(sink)
	router.now = clock.Now
	monitor := NewPresenceMonitor(dir, out, notify, time.Second, 15*time.Second, log).
		WithSink(sink).
		WithMetrics(metrics)
	monitor.now = clock.Now

	return &testRelay{
		clock:   clock,
		dir:     dir,
		out:     out,
		router:  router,
		monitor: monitor,
		sink:    sink,
		metrics: metrics,
	}
}

// send encodes msg and feeds it to the router as if it arrived on conn.
func (r *testRelay) send(conn Conn, msg model.Message) {
	r.router.HandleMessage(conn, model.WireCodec{}.Encode(msg))
}

// join registers name on a fresh connection and discards the ack.
func (r *testRelay) join(t *testing.T, name, addr string) *fakeConn {
	t.Helper()
	conn := newFakeConn("conn-"+name, addr)
	r.send(conn, model.Message{Kind: model.KindRegister, Sender: name})
	msgs := conn.take(t)
	require.NotEmpty(t, msgs)
	require.Equal(t, model.KindRegisterSuccess, msgs[len(msgs)-1].Kind)
	return conn
}

// drain discards what every conn has received so far.
func drain(t *testing.T, conns ...*fakeConn) {
	t.Helper()
	for _, c := range conns {
		c.take(t)
	}
}

func kinds(msgs []model.Message) []model.Kind {
	out := make([]model.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}
