// Package channel provides a self-reconnecting WebSocket client used to
// receive AI job status frames.
//
// A Channel dials as soon as it is constructed. Messages sent while it is not
// open are queued and flushed in order on the next successful open. When the
// connection ends unexpectedly the channel redials with exponential backoff
// plus jitter; a connection that stayed open for at least UnstableThreshold
// resets the retry count, a flapping one keeps backing off. Reconnection
// stops for good after MaxRetries consecutive failures, after MaxDuration
// since construction, on a close code listed in NoReconnectCodes, after
// DisableReconnect, or after Close.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scriptboard/canvas/internal/config"
)

// ErrClosed is returned by Send once the channel will never open again
var ErrClosed = errors.New("channel closed")

// Handlers receive transport events. They run on the channel's own goroutine,
// one at a time and in arrival order; any of them may be nil.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Options configure the reconnect policy and the dialer.
type Options struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Jitter   time.Duration

	// MaxRetries bounds consecutive failed attempts. Zero disables reconnection.
	MaxRetries int

	// MaxDuration bounds the whole reconnect sequence from construction. Zero means no bound.
	MaxDuration time.Duration

	UnstableThreshold time.Duration

	// NoReconnectCodes are close codes after which the channel stays closed.
	NoReconnectCodes []int

	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger
}

// DefaultOptions returns the policy used for job result sockets.
func DefaultOptions() Options {
	return Options{
		MinDelay:          time.Second,
		MaxDelay:          30 * time.Second,
		Jitter:            500 * time.Millisecond,
		MaxRetries:        10,
		MaxDuration:       5 * time.Minute,
		UnstableThreshold: 5 * time.Second,
		NoReconnectCodes:  []int{websocket.CloseNormalClosure},
	}
}

// OptionsFromConfig builds Options from the channel config section. Delays
// must be positive to apply. Jitter, MaxRetries and MaxDuration also accept
// zero, which turns the feature off. Negative values keep the defaults.
func OptionsFromConfig(cfg config.ChannelConfig) Options {
	opts := DefaultOptions()
	if cfg.MinDelay > 0 {
		opts.MinDelay = cfg.MinDelay
	}
	if cfg.MaxDelay > 0 {
		opts.MaxDelay = cfg.MaxDelay
	}
	if cfg.Jitter >= 0 {
		opts.Jitter = cfg.Jitter
	}
	if cfg.MaxRetries >= 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.MaxDuration >= 0 {
		opts.MaxDuration = cfg.MaxDuration
	}
	if cfg.UnstableThreshold > 0 {
		opts.UnstableThreshold = cfg.UnstableThreshold
	}
	return opts
}

// Channel is a WebSocket connection that redials itself.
type Channel struct {
	url    string
	opts   Options
	h      Handlers
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	policy *reconnectPolicy

	mu                sync.Mutex
	conn              *websocket.Conn
	open              bool
	queue             [][]byte
	closedByCaller    bool
	closeCode         int
	closeReason       string
	reconnectDisabled bool
	finished          bool

	writeMu sync.Mutex
}

// New constructs the channel and starts connecting immediately.
func New(url string, h Handlers, opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:    url,
		opts:   opts,
		h:      h,
		logger: logger.With("url", url),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		policy: newPolicy(opts, time.Now()),
	}
	go c.run()
	return c
}

// Send writes data if the connection is open, otherwise queues it for the
// next open. A write that fails is queued again.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.closedByCaller || c.finished {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.open || c.conn == nil {
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, data); err != nil {
		c.mu.Lock()
		c.queue = append(c.queue, data)
		c.mu.Unlock()
	}
	return nil
}

// Close ends the channel for good: no reconnection follows regardless of
// DisableReconnect. Safe to call more than once; only the first call counts.
func (c *Channel) Close(code int, reason string) {
	c.mu.Lock()
	if c.closedByCaller {
		c.mu.Unlock()
		return
	}
	c.closedByCaller = true
	c.closeCode = code
	c.closeReason = reason
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		// WriteControl and Close may run concurrently with the reader.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// DisableReconnect keeps the current connection but suppresses any redial
// after it ends.
func (c *Channel) DisableReconnect() {
	c.mu.Lock()
	c.reconnectDisabled = true
	c.mu.Unlock()
}

// Open reports whether the underlying connection is currently open.
func (c *Channel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Done is closed once the channel has stopped for good.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) run() {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()
		c.cancel()
	}()

	for {
		openedFor, code, reason := c.connectOnce()

		c.mu.Lock()
		byCaller := c.closedByCaller
		if byCaller {
			code, reason = c.closeCode, c.closeReason
		}
		stop := byCaller || c.reconnectDisabled || c.noReconnect(code)
		c.mu.Unlock()

		if c.h.OnClose != nil {
			c.h.OnClose(code, reason)
		}
		if stop {
			return
		}

		delay, ok := c.policy.next(time.Now(), openedFor)
		if !ok {
			c.logger.Warn("giving up reconnecting", "retries", c.policy.retries)
			return
		}
		c.logger.Debug("reconnect scheduled", "delay", delay, "retries", c.policy.retries)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce dials, flushes the queue, then reads until the connection ends.
func (c *Channel) connectOnce() (time.Duration, int, string) {
	conn, _, err := c.opts.Dialer.DialContext(c.ctx, c.url, c.opts.Header)
	if err != nil {
		if c.ctx.Err() == nil {
			c.emitError(err)
		}
		return 0, websocket.CloseAbnormalClosure, err.Error()
	}

	c.mu.Lock()
	if c.closedByCaller {
		c.mu.Unlock()
		_ = conn.Close()
		return 0, websocket.CloseNormalClosure, ""
	}
	c.conn = conn
	c.mu.Unlock()

	c.flush(conn)

	openedAt := time.Now()
	if c.h.OnOpen != nil {
		c.h.OnOpen()
	}

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if c.h.OnMessage != nil {
			c.h.OnMessage(data)
		}
	}
	openedFor := time.Since(openedAt)

	c.mu.Lock()
	c.open = false
	c.conn = nil
	byCaller := c.closedByCaller
	c.mu.Unlock()
	_ = conn.Close()

	var ce *websocket.CloseError
	if errors.As(readErr, &ce) {
		return openedFor, ce.Code, ce.Text
	}
	if !byCaller {
		c.emitError(readErr)
	}
	return openedFor, websocket.CloseAbnormalClosure, readErr.Error()
}

// flush drains the queue in order and only then marks the channel open, so
// a Send racing with the flush queues behind it instead of overtaking it.
func (c *Channel) flush(conn *websocket.Conn) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.open = true
			c.mu.Unlock()
			return
		}
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, msg := range pending {
			if err := c.write(conn, msg); err != nil {
				c.mu.Lock()
				c.queue = append(pending[i:len(pending):len(pending)], c.queue...)
				c.mu.Unlock()
				// the reader will see the broken connection and end this attempt
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) noReconnect(code int) bool {
	for _, nc := range c.opts.NoReconnectCodes {
		if nc == code {
			return true
		}
	}
	return false
}

func (c *Channel) emitError(err error) {
	c.logger.Debug("channel error", "error", err)
	if c.h.OnError != nil {
		c.h.OnError(err)
	}
}
