package positions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptboard/canvas/internal/model"
	"github.com/scriptboard/canvas/internal/storage"
)

func TestRegistry_ForReturnsSameCache(t *testing.T) {
	remote := &fakeRemote{positions: []model.CardPosition{{CardType: model.CardTypeScript, CardID: "a", X: 1, Y: 1}}}
	r := NewRegistry(context.Background(), storage.NewMemory(), remote, fastOptions())
	defer r.Close(context.Background())

	c1, err := r.For(context.Background(), "p1", model.CardTypeScript)
	require.NoError(t, err)
	c2, err := r.For(context.Background(), "p1", model.CardTypeScript)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	p, ok := c1.Get("a")
	require.True(t, ok, "cache is hydrated on first use")
	assert.Equal(t, model.Point{X: 1, Y: 1}, p)

	other, err := r.For(context.Background(), "p2", model.CardTypeScript)
	require.NoError(t, err)
	assert.NotSame(t, c1, other)

	_, err = r.For(context.Background(), "p1", model.CardType("nope"))
	assert.Error(t, err)
}

func TestRegistry_LifecycleFlushesProject(t *testing.T) {
	remote := &fakeRemote{}
	opts := fastOptions()
	opts.RemoteDebounce = time.Hour
	r := NewRegistry(context.Background(), storage.NewMemory(), remote, opts)
	defer r.Close(context.Background())

	p1, _ := r.For(context.Background(), "p1", model.CardTypeScript)
	p2, _ := r.For(context.Background(), "p2", model.CardTypeScript)
	p1.Set("a", model.Point{X: 1})
	p2.Set("b", model.Point{X: 2})

	require.NoError(t, r.Lifecycle(context.Background(), "p1", LifecycleVisible))
	assert.Zero(t, remote.calls())

	require.NoError(t, r.Lifecycle(context.Background(), "p1", LifecyclePageHide))
	assert.Equal(t, 1, remote.calls())
	assert.Zero(t, pendingLen(p1))
	assert.Equal(t, 1, pendingLen(p2))

	require.NoError(t, r.FlushAll(context.Background()))
	assert.Equal(t, 2, remote.calls())
	assert.Zero(t, pendingLen(p2))
}

func TestRegistry_PendingSurvivesRestart(t *testing.T) {
	local := storage.NewMemory()
	down := &fakeRemote{failures: 100}
	opts := fastOptions()
	opts.RemoteDebounce = time.Hour
	opts.RetryBase = time.Hour
	opts.RetryCap = time.Hour

	r1 := NewRegistry(context.Background(), local, down, opts)
	c, _ := r1.For(context.Background(), "p1", model.CardTypeStoryboard)
	c.Set("sb", model.Point{X: 4, Y: 2})
	assert.Error(t, r1.Close(context.Background()))

	up := &fakeRemote{}
	r2 := NewRegistry(context.Background(), local, up, fastOptions())
	defer r2.Close(context.Background())
	c2, err := r2.For(context.Background(), "p1", model.CardTypeStoryboard)
	require.NoError(t, err)

	p, ok := c2.Get("sb")
	require.True(t, ok)
	assert.Equal(t, model.Point{X: 4, Y: 2}, p)
	require.Eventually(t, func() bool { return up.calls() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_RetriesRemoteLoad(t *testing.T) {
	remote := &fakeRemote{listErr: errors.New("offline")}
	opts := fastOptions()
	opts.RemoteDebounce = time.Hour
	r := NewRegistry(context.Background(), storage.NewMemory(), remote, opts)
	defer r.Close(context.Background())

	cache, err := r.For(context.Background(), "p1", model.CardTypeScript)
	require.NoError(t, err)
	cache.Set("mine", model.Point{X: 5, Y: 5})
	_, ok := cache.Get("server")
	assert.False(t, ok)

	remote.mu.Lock()
	remote.listErr = nil
	remote.positions = []model.CardPosition{
		{CardType: model.CardTypeScript, CardID: "server", X: 9, Y: 9},
		{CardType: model.CardTypeScript, CardID: "mine", X: 1, Y: 1},
	}
	remote.mu.Unlock()

	require.Eventually(t, func() bool {
		c, err := r.For(context.Background(), "p1", model.CardTypeScript)
		if err != nil {
			return false
		}
		_, ok := c.Get("server")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	p, _ := cache.Get("server")
	assert.Equal(t, model.Point{X: 9, Y: 9}, p)
	p, _ = cache.Get("mine")
	assert.Equal(t, model.Point{X: 5, Y: 5}, p, "pending write wins over the late remote snapshot")
}
