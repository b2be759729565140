package jobsocket

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptboard/canvas/internal/channel"
)

type fakeConn struct {
	mu       sync.Mutex
	h        channel.Handlers
	closed   bool
	disabled bool
}

func (c *fakeConn) Send([]byte) error { return nil }

func (c *fakeConn) Close(int, string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) DisableReconnect() {
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed && c.disabled
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(_ string, h channel.Handlers, _ channel.Options) Conn {
	c := &fakeConn{h: h}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c
}

func (d *fakeDialer) live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

func (d *fakeDialer) all() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func TestAttach_Idempotent(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(WithDialer(d.dial))
	defer m.CleanupAll()

	var wg sync.WaitGroup
	var attached atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Attach("job-1", AttachOptions{URL: "ws://x", Timeout: time.Minute}) {
				attached.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), attached.Load())
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, d.live())
}

func TestCleanup_ClosesChannelAndTimer(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(WithDialer(d.dial))

	var timedOut atomic.Bool
	m.Attach("job-1", AttachOptions{
		URL:       "ws://x",
		Timeout:   50 * time.Millisecond,
		OnTimeout: func() { timedOut.Store(true) },
	})
	m.Cleanup("job-1")
	m.Cleanup("job-1")

	assert.False(t, m.Attached("job-1"))
	assert.Equal(t, 0, d.live())

	time.Sleep(100 * time.Millisecond)
	assert.False(t, timedOut.Load(), "timer must die with the channel")
}

func TestTimeout_FiresThenTearsDown(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(WithDialer(d.dial))

	fired := make(chan struct{})
	m.Attach("job-1", AttachOptions{
		URL:       "ws://x",
		Timeout:   20 * time.Millisecond,
		OnTimeout: func() { close(fired) },
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	require.Eventually(t, func() bool { return !m.Attached("job-1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, d.live())
}

func TestAttach_AfterCleanupCreatesFreshChannel(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(WithDialer(d.dial))
	defer m.CleanupAll()

	assert.True(t, m.Attach("job-1", AttachOptions{URL: "ws://x"}))
	m.Cleanup("job-1")
	assert.True(t, m.Attach("job-1", AttachOptions{URL: "ws://x"}))

	assert.Len(t, d.all(), 2)
	assert.Equal(t, 1, d.live())
}

func TestEventsDroppedAfterCleanup(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(WithDialer(d.dial))

	var msgs atomic.Int32
	m.Attach("job-1", AttachOptions{
		URL:       "ws://x",
		OnMessage: func([]byte) { msgs.Add(1) },
	})
	conn := d.all()[0]

	conn.h.OnMessage([]byte("a"))
	m.Cleanup("job-1")
	conn.h.OnMessage([]byte("b"))

	assert.Equal(t, int32(1), msgs.Load())
}

func TestCleanupAll(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(WithDialer(d.dial))

	for _, id := range []string{"a", "b", "c"} {
		m.Attach(id, AttachOptions{URL: "ws://" + id, Timeout: time.Minute})
	}
	require.Equal(t, 3, d.live())

	m.CleanupAll()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, d.live())
}

func TestCleanupFromMessageHandler(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(WithDialer(d.dial))

	m.Attach("job-1", AttachOptions{
		URL:       "ws://x",
		OnMessage: func([]byte) { m.Cleanup("job-1") },
	})
	d.all()[0].h.OnMessage([]byte("done"))

	assert.False(t, m.Attached("job-1"))
	assert.Equal(t, 0, d.live())
}
