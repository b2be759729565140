// Package jobsocket keeps at most one result channel and one timeout per job id.
package jobsocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scriptboard/canvas/internal/channel"
	"github.com/scriptboard/canvas/internal/config"
)

// Conn is the part of a channel the manager drives
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string)
	DisableReconnect()
}

// Dialer opens a channel; the default wraps channel.New
type Dialer func(url string, h channel.Handlers, opts channel.Options) Conn

func dialChannel(url string, h channel.Handlers, opts channel.Options) Conn {
	return channel.New(url, h, opts)
}

// AttachOptions describe one job's result socket
type AttachOptions struct {
	URL       string
	Timeout   time.Duration
	OnMessage func(data []byte)
	OnTimeout func()
	OnError   func(err error)
	OnOpen    func()
	OnClose   func(code int, reason string)
	Channel   channel.Options
}

// handle pairs a job's channel with its timeout; they live and die together
type handle struct {
	conn  Conn
	timer *time.Timer
}

// Manager is a keyed registry of live job channels.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*handle
	dial    Dialer
	logger  *slog.Logger
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		handles: make(map[string]*handle),
		dial:    dialChannel,
		logger:  config.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach opens a channel for jobID and arms its timeout. It is a no-op that
// returns false when the job is already attached.
func (m *Manager) Attach(jobID string, opts AttachOptions) bool {
	m.mu.Lock()
	if _, ok := m.handles[jobID]; ok {
		m.mu.Unlock()
		return false
	}
	// Reserve the slot before dialing so a concurrent Attach is a no-op.
	h := &handle{}
	m.handles[jobID] = h
	m.mu.Unlock()

	// Events for a handle that has since been cleaned up are dropped.
	live := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.handles[jobID] == h
	}

	conn := m.dial(opts.URL, channel.Handlers{
		OnOpen: func() {
			if opts.OnOpen != nil && live() {
				opts.OnOpen()
			}
		},
		OnMessage: func(data []byte) {
			if opts.OnMessage != nil && live() {
				opts.OnMessage(data)
			}
		},
		OnError: func(err error) {
			if opts.OnError != nil && live() {
				opts.OnError(err)
			}
		},
		OnClose: func(code int, reason string) {
			if opts.OnClose != nil && live() {
				opts.OnClose(code, reason)
			}
		},
	}, opts.Channel)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handles[jobID] != h {
		// cleaned up while dialing
		conn.DisableReconnect()
		conn.Close(websocket.CloseNormalClosure, "job detached")
		return true
	}
	h.conn = conn

	if opts.Timeout > 0 {
		h.timer = time.AfterFunc(opts.Timeout, func() {
			if !live() {
				return
			}
			m.logger.Warn("job timed out", "job_id", jobID, "timeout", opts.Timeout)
			if opts.OnTimeout != nil {
				opts.OnTimeout()
			}
			m.Cleanup(jobID)
		})
	}

	m.logger.Debug("job attached", "job_id", jobID, "url", opts.URL)
	return true
}

// Cleanup stops the timeout, disables reconnect, closes the channel and
// forgets the job. Calling it for an unknown job is a no-op.
func (m *Manager) Cleanup(jobID string) {
	m.mu.Lock()
	h, ok := m.handles[jobID]
	if ok {
		delete(m.handles, jobID)
	}
	m.mu.Unlock()

	if ok {
		teardown(h)
		m.logger.Debug("job detached", "job_id", jobID)
	}
}

// CleanupAll tears down every registered job.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*handle)
	m.mu.Unlock()

	for _, h := range handles {
		teardown(h)
	}
}

// Attached reports whether jobID has a live channel
func (m *Manager) Attached(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[jobID]
	return ok
}

// Len returns the number of live jobs
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func teardown(h *handle) {
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.conn != nil {
		h.conn.DisableReconnect()
		h.conn.Close(websocket.CloseNormalClosure, "job detached")
	}
}
