// Package positions keeps card positions in three tiers: memory, a local
// durable store and the remote API.
//
// Reads come from memory only. Every mutation schedules a debounced write of
// the whole map to the local store and queues an operation for a debounced,
// batched remote flush. Failed flushes put their operations back and retry
// with capped exponential backoff, forever.
package positions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/model"
	"github.com/scriptboard/canvas/internal/storage"
)

// Remote is the card-position part of the REST API
type Remote interface {
	ListCardPositions(ctx context.Context, projectID string, cardType model.CardType) ([]model.CardPosition, error)
	BatchCardPositions(ctx context.Context, projectID string, batch model.CardPositionBatch) error
}

type Options struct {
	LocalDebounce  time.Duration
	RemoteDebounce time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration
	// MaxBackoffSteps caps the exponent of the retry delay
	MaxBackoffSteps int
	// InFlightDeferral is how long a flush waits when another is running
	InFlightDeferral time.Duration
	Logger           *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		LocalDebounce:    600 * time.Millisecond,
		RemoteDebounce:   1500 * time.Millisecond,
		RetryBase:        500 * time.Millisecond,
		RetryCap:         10 * time.Second,
		MaxBackoffSteps:  8,
		InFlightDeferral: 250 * time.Millisecond,
	}
}

func OptionsFromConfig(cfg config.PositionsConfig) Options {
	opts := DefaultOptions()
	if cfg.LocalDebounce > 0 {
		opts.LocalDebounce = cfg.LocalDebounce
	}
	if cfg.RemoteDebounce > 0 {
		opts.RemoteDebounce = cfg.RemoteDebounce
	}
	if cfg.RetryBase > 0 {
		opts.RetryBase = cfg.RetryBase
	}
	if cfg.RetryCap > 0 {
		opts.RetryCap = cfg.RetryCap
	}
	return opts
}

// Backoff returns the retry delay after step consecutive failures
func (o Options) Backoff(step int) time.Duration {
	if step > o.MaxBackoffSteps {
		step = o.MaxBackoffSteps
	}
	if step < 0 {
		step = 0
	}
	d := o.RetryBase << uint(step)
	if d > o.RetryCap || d <= 0 {
		return o.RetryCap
	}
	return d
}

func PositionsKey(projectID string, cardType model.CardType) string {
	return fmt.Sprintf("positions:%s:%s", projectID, cardType)
}

func PendingKey(projectID string, cardType model.CardType) string {
	return fmt.Sprintf("pending:%s:%s", projectID, cardType)
}

// Placer returns the default position of the n-th card of a map
type Placer func(n int) model.Point

// Grid places cards left to right in rows of perRow
func Grid(origin model.Point, dx, dy float64, perRow int) Placer {
	if perRow <= 0 {
		perRow = 1
	}
	return func(n int) model.Point {
		return model.Point{
			X: origin.X + float64(n%perRow)*dx,
			Y: origin.Y + float64(n/perRow)*dy,
		}
	}
}

// Cache holds the positions of one project and card type.
type Cache struct {
	projectID string
	cardType  model.CardType
	local     storage.Store
	remote    Remote
	opts      Options
	logger    *slog.Logger
	ctx       context.Context

	mu        sync.Mutex
	positions map[string]model.Point
	snap      map[string]model.Point
	pending   model.PendingOps
	inFlight  bool
	flying    model.CardPositionBatch
	retryStep int
	closed    bool

	localTimer *time.Timer
	flushTimer *time.Timer
}

// NewCache creates an empty cache. Call Hydrate to load stored state.
func NewCache(ctx context.Context, projectID string, cardType model.CardType, local storage.Store, remote Remote, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = config.Discard()
	}
	return &Cache{
		projectID: projectID,
		cardType:  cardType,
		local:     local,
		remote:    remote,
		opts:      opts,
		logger:    logger.With("project_id", projectID, "card_type", cardType),
		ctx:       context.WithoutCancel(ctx),
		positions: make(map[string]model.Point),
		pending:   model.NewPendingOps(),
	}
}

// Get returns the position of one card
func (c *Cache) Get(cardID string) (model.Point, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positions[cardID]
	return p, ok
}

// Snapshot returns the current map. The same map is returned until the next
// change, so callers can compare references; it must not be modified.
func (c *Cache) Snapshot() map[string]model.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() map[string]model.Point {
	if c.snap == nil {
		c.snap = make(map[string]model.Point, len(c.positions))
		for id, p := range c.positions {
			c.snap[id] = p
		}
	}
	return c.snap
}

// Set moves a card
func (c *Cache) Set(cardID string, p model.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(cardID, p)
	c.scheduleLocked()
}

func (c *Cache) setLocked(cardID string, p model.Point) {
	c.positions[cardID] = p
	c.snap = nil
	c.pending.Upsert(model.CardPosition{CardType: c.cardType, CardID: cardID, X: p.X, Y: p.Y})
}

// Delete forgets a card's position
func (c *Cache) Delete(cardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, cardID)
	c.snap = nil
	c.pending.Delete(model.CardPositionDelete{CardType: c.cardType, CardID: cardID})
	c.scheduleLocked()
}

// EnsureDefaults gives every id without a position one from place and
// returns how many it assigned. Existing positions are never overwritten.
func (c *Cache) EnsureDefaults(ids []string, place Placer) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	assigned := 0
	for _, id := range ids {
		if _, ok := c.positions[id]; ok {
			continue
		}
		c.setLocked(id, place(len(c.positions)))
		assigned++
	}
	if assigned > 0 {
		c.scheduleLocked()
	}
	return assigned
}

// Pending returns a copy of the operations not yet accepted remotely
func (c *Cache) Pending() model.PendingOps {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePending(c.pending)
}

// Hydrate loads the local tier first, then merges the remote snapshot under
// the pending operations, which win over remote state. The merged map is
// written back locally and pending operations are flushed right away.
func (c *Cache) Hydrate(ctx context.Context) error {
	c.loadLocal(ctx)
	return c.loadRemote(ctx)
}

// loadLocal merges the local tier under anything already in memory
func (c *Cache) loadLocal(ctx context.Context) {
	var localPositions map[string]model.Point
	if _, err := storage.GetJSON(ctx, c.local, PositionsKey(c.projectID, c.cardType), &localPositions); err != nil {
		c.logger.Warn("failed to read cached positions", "error", err)
	}
	var localPending model.PendingOps
	if _, err := storage.GetJSON(ctx, c.local, PendingKey(c.projectID, c.cardType), &localPending); err != nil {
		c.logger.Warn("failed to read pending positions", "error", err)
	}

	c.mu.Lock()
	for id, p := range localPositions {
		if _, ok := c.positions[id]; !ok {
			c.positions[id] = p
		}
	}
	for _, u := range localPending.Upserts {
		if !c.pending.Has(u.CardID) {
			c.pending.Upsert(u)
		}
	}
	for _, d := range localPending.Deletes {
		if !c.pending.Has(d.CardID) {
			c.pending.Delete(d)
		}
	}
	c.pending.ApplyTo(c.positions)
	c.snap = nil
	c.mu.Unlock()
}

// loadRemote replaces the map with the remote snapshot overlaid by the batch
// in flight and the pending operations
func (c *Cache) loadRemote(ctx context.Context) error {
	remote, err := c.remote.ListCardPositions(ctx, c.projectID, c.cardType)
	if err != nil {
		// keep any retry already scheduled by a failed flush
		c.mu.Lock()
		if c.pending.Len() > 0 && c.flushTimer == nil {
			c.scheduleFlushLocked(c.opts.RemoteDebounce)
		}
		c.mu.Unlock()
		return fmt.Errorf("load remote positions: %w", err)
	}

	merged := make(map[string]model.Point, len(remote))
	for _, pos := range remote {
		if pos.CardType != "" && pos.CardType != c.cardType {
			continue
		}
		merged[pos.CardID] = model.Point{X: pos.X, Y: pos.Y}
	}

	c.mu.Lock()
	if c.inFlight {
		c.flying.ApplyTo(merged)
	}
	c.pending.ApplyTo(merged)
	c.positions = merged
	c.snap = nil
	hasPending := c.pending.Len() > 0
	c.mu.Unlock()

	if err := c.writeLocal(ctx); err != nil {
		c.logger.Warn("failed to cache merged positions", "error", err)
	}
	if hasPending {
		go func() { _ = c.flush(c.ctx) }()
	}
	c.logger.Debug("positions hydrated", "count", len(merged))
	return nil
}

// Flush schedules a remote flush after the debounce window
func (c *Cache) Flush() {
	c.scheduleFlush(c.opts.RemoteDebounce)
}

// FlushNow writes the local tier and sends pending operations right away. If
// a flush is already running the new one is deferred instead.
func (c *Cache) FlushNow(ctx context.Context) error {
	c.mu.Lock()
	if c.localTimer != nil {
		c.localTimer.Stop()
		c.localTimer = nil
	}
	c.mu.Unlock()

	if err := c.writeLocal(ctx); err != nil {
		c.logger.Warn("failed to cache positions", "error", err)
	}
	return c.flush(ctx)
}

// Close flushes and stops every timer. Further mutations stay in memory only.
func (c *Cache) Close(ctx context.Context) error {
	err := c.FlushNow(ctx)
	c.mu.Lock()
	c.closed = true
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()
	return err
}

func (c *Cache) scheduleLocked() {
	if c.closed {
		return
	}
	if c.localTimer != nil {
		c.localTimer.Stop()
	}
	c.localTimer = time.AfterFunc(c.opts.LocalDebounce, func() {
		if err := c.writeLocal(c.ctx); err != nil {
			c.logger.Warn("failed to cache positions", "error", err)
		}
	})
	c.scheduleFlushLocked(c.opts.RemoteDebounce)
}

func (c *Cache) scheduleFlush(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleFlushLocked(d)
}

func (c *Cache) scheduleFlushLocked(d time.Duration) {
	if c.closed {
		return
	}
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(d, func() { _ = c.flush(c.ctx) })
}

// flush sends one batch. At most one batch per cache is in flight.
func (c *Cache) flush(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight {
		c.scheduleFlushLocked(c.opts.InFlightDeferral)
		c.mu.Unlock()
		return nil
	}
	if c.pending.Len() == 0 {
		c.mu.Unlock()
		return nil
	}
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	batch := c.pending.Drain()
	c.inFlight = true
	c.flying = batch
	c.mu.Unlock()

	err := c.remote.BatchCardPositions(ctx, c.projectID, batch)

	c.mu.Lock()
	c.inFlight = false
	c.flying = model.CardPositionBatch{}
	if err != nil {
		c.pending.Restore(batch)
		delay := c.opts.Backoff(c.retryStep)
		c.retryStep++
		c.scheduleFlushLocked(delay)
		c.logger.Warn("position flush failed", "error", err, "retry_in", delay, "ops", len(batch.Upserts)+len(batch.Deletes))
	} else {
		c.retryStep = 0
	}
	pending := clonePending(c.pending)
	c.mu.Unlock()

	if perr := storage.SetJSON(ctx, c.local, PendingKey(c.projectID, c.cardType), pending); perr != nil {
		c.logger.Warn("failed to cache pending positions", "error", perr)
	}
	if err != nil {
		return fmt.Errorf("flush positions: %w", err)
	}
	c.logger.Debug("positions flushed", "upserts", len(batch.Upserts), "deletes", len(batch.Deletes))
	return nil
}

// writeLocal stores the full map and the pending operations
func (c *Cache) writeLocal(ctx context.Context) error {
	c.mu.Lock()
	positions := c.snapshotLocked()
	pending := clonePending(c.pending)
	c.mu.Unlock()

	if err := storage.SetJSON(ctx, c.local, PositionsKey(c.projectID, c.cardType), positions); err != nil {
		return err
	}
	return storage.SetJSON(ctx, c.local, PendingKey(c.projectID, c.cardType), pending)
}

func clonePending(p model.PendingOps) model.PendingOps {
	out := model.NewPendingOps()
	for id, u := range p.Upserts {
		out.Upserts[id] = u
	}
	for id, d := range p.Deletes {
		out.Deletes[id] = d
	}
	return out
}
