package positions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/model"
	"github.com/scriptboard/canvas/internal/storage"
)

// Lifecycle states reported by the UI
const (
	LifecycleVisible  = "visible"
	LifecycleHidden   = "hidden"
	LifecyclePageHide = "pagehide"
	LifecycleUnload   = "unload"
)

// ForcesFlush reports whether state means the page may go away
func ForcesFlush(state string) bool {
	switch state {
	case LifecycleHidden, LifecyclePageHide, LifecycleUnload:
		return true
	}
	return false
}

type scope struct {
	projectID string
	cardType  model.CardType
}

// Registry owns one hydrated Cache per project and card type
type Registry struct {
	ctx    context.Context
	local  storage.Store
	remote Remote
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	caches map[scope]*cacheEntry
}

type cacheEntry struct {
	mu       sync.Mutex
	local    bool
	hydrated bool
	failures int
	retryAt  time.Time
	cache    *Cache
}

func NewRegistry(ctx context.Context, local storage.Store, remote Remote, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = config.Discard()
	}
	return &Registry{
		ctx:    context.WithoutCancel(ctx),
		local:  local,
		remote: remote,
		opts:   opts,
		logger: logger,
		caches: make(map[scope]*cacheEntry),
	}
}

// For returns the cache of a scope, hydrating it on first use. A failed
// remote load still yields a usable cache built from the local tier, and the
// remote load is retried by a later call once its backoff has passed.
func (r *Registry) For(ctx context.Context, projectID string, cardType model.CardType) (*Cache, error) {
	if !cardType.Valid() {
		return nil, fmt.Errorf("unknown card type %q", cardType)
	}
	key := scope{projectID: projectID, cardType: cardType}

	r.mu.Lock()
	entry, ok := r.caches[key]
	if !ok {
		entry = &cacheEntry{cache: NewCache(r.ctx, projectID, cardType, r.local, r.remote, r.opts)}
		r.caches[key] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.local {
		entry.cache.loadLocal(ctx)
		entry.local = true
	}
	if !entry.hydrated && !time.Now().Before(entry.retryAt) {
		if err := entry.cache.loadRemote(ctx); err != nil {
			delay := r.opts.Backoff(entry.failures)
			entry.failures++
			entry.retryAt = time.Now().Add(delay)
			r.logger.Warn("positions hydrated from local cache only", "project_id", projectID, "card_type", cardType, "retry_in", delay, "error", err)
		} else {
			entry.hydrated = true
		}
	}
	return entry.cache, nil
}

// Lifecycle flushes every cache of the project when the page is going away
func (r *Registry) Lifecycle(ctx context.Context, projectID, state string) error {
	if !ForcesFlush(state) {
		return nil
	}
	return r.flushWhere(ctx, func(s scope) bool { return s.projectID == projectID })
}

// FlushAll flushes every cache
func (r *Registry) FlushAll(ctx context.Context) error {
	return r.flushWhere(ctx, func(scope) bool { return true })
}

// Close flushes and stops every cache
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, c := range r.matching(func(scope) bool { return true }) {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) flushWhere(ctx context.Context, match func(scope) bool) error {
	var errs []error
	for _, c := range r.matching(match) {
		if err := c.FlushNow(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) matching(match func(scope) bool) []*Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Cache
	for s, e := range r.caches {
		if match(s) {
			out = append(out, e.cache)
		}
	}
	return out
}
