package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptboard/canvas/internal/config"
)

func testPolicy(start time.Time) *reconnectPolicy {
	p := newPolicy(Options{
		MinDelay:          100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		MaxRetries:        20,
		MaxDuration:       time.Hour,
		UnstableThreshold: 5 * time.Second,
	}, start)
	p.rand = func() float64 { return 0 }
	return p
}

func TestBackoff_Caps(t *testing.T) {
	p := testPolicy(time.Now())
	assert.Equal(t, 100*time.Millisecond, p.backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.backoff(3))
	assert.Equal(t, 2*time.Second, p.backoff(5))
	assert.Equal(t, 2*time.Second, p.backoff(500))
}

func TestNext_MonotonicWhileFlapping(t *testing.T) {
	start := time.Now()
	p := testPolicy(start)

	var prev time.Duration
	for i := 0; i < 12; i++ {
		// connection opens briefly but never reaches the stability threshold
		d, ok := p.next(start.Add(time.Duration(i)*time.Second), time.Second)
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", i)
		prev = d
	}
	assert.Equal(t, 2*time.Second, prev)
}

func TestNext_ResetsAfterStableConnection(t *testing.T) {
	start := time.Now()
	p := testPolicy(start)

	for i := 0; i < 4; i++ {
		_, ok := p.next(start, 0)
		require.True(t, ok)
	}
	d, ok := p.next(start, 0)
	require.True(t, ok)
	assert.Equal(t, 1600*time.Millisecond, d)

	// a connection that stayed up for the threshold counts as a real success
	d, ok = p.next(start, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)
}

func TestNext_StopsAfterMaxRetries(t *testing.T) {
	start := time.Now()
	p := newPolicy(Options{MinDelay: time.Millisecond, MaxDelay: time.Second, MaxRetries: 3, UnstableThreshold: time.Second}, start)

	for i := 0; i < 3; i++ {
		_, ok := p.next(start, 0)
		require.True(t, ok)
	}
	_, ok := p.next(start, 0)
	assert.False(t, ok)
}

func TestNext_StopsAfterMaxDuration(t *testing.T) {
	start := time.Now()
	p := testPolicy(start)
	p.maxDuration = time.Minute

	_, ok := p.next(start.Add(30*time.Second), 0)
	assert.True(t, ok)
	_, ok = p.next(start.Add(61*time.Second), 0)
	assert.False(t, ok)
}

func TestNext_JitterBounded(t *testing.T) {
	p := testPolicy(time.Now())
	p.jitter = 50 * time.Millisecond
	p.rand = func() float64 { return 0.999 }

	d, ok := p.next(time.Now(), 0)
	require.True(t, ok)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.Less(t, d, 150*time.Millisecond)
}

func TestOptionsFromConfig(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.ChannelConfig
		check func(t *testing.T, opts Options)
	}{
		{
			name: "zero retries disables reconnect",
			cfg:  config.ChannelConfig{MaxRetries: 0, MaxDuration: time.Minute},
			check: func(t *testing.T, opts Options) {
				assert.Equal(t, 0, opts.MaxRetries)
				_, ok := newPolicy(opts, time.Now()).next(time.Now(), 0)
				assert.False(t, ok)
			},
		},
		{
			name: "zero duration and jitter mean unbounded and none",
			cfg:  config.ChannelConfig{MaxRetries: 3},
			check: func(t *testing.T, opts Options) {
				assert.Zero(t, opts.MaxDuration)
				assert.Zero(t, opts.Jitter)
				assert.Equal(t, 3, opts.MaxRetries)
			},
		},
		{
			name: "zero delays keep defaults",
			cfg:  config.ChannelConfig{MaxRetries: 3},
			check: func(t *testing.T, opts Options) {
				def := DefaultOptions()
				assert.Equal(t, def.MinDelay, opts.MinDelay)
				assert.Equal(t, def.MaxDelay, opts.MaxDelay)
				assert.Equal(t, def.UnstableThreshold, opts.UnstableThreshold)
			},
		},
		{
			name: "negative values keep defaults",
			cfg:  config.ChannelConfig{Jitter: -1, MaxRetries: -1, MaxDuration: -1},
			check: func(t *testing.T, opts Options) {
				def := DefaultOptions()
				assert.Equal(t, def.Jitter, opts.Jitter)
				assert.Equal(t, def.MaxRetries, opts.MaxRetries)
				assert.Equal(t, def.MaxDuration, opts.MaxDuration)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, OptionsFromConfig(tt.cfg))
		})
	}
}
