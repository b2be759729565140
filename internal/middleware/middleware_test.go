package middleware

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	auth := NewAuthMiddleware("secret")
	app := fiber.New()
	app.Get("/me", auth.Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c) + "|" + GetUserEmail(c))
	})

	good, err := auth.GenerateToken("u1", "a@b.c")
	require.NoError(t, err)
	forged, err := NewAuthMiddleware("other").GenerateToken("u1", "a@b.c")
	require.NoError(t, err)
	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, UserClaims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"bearer", "Bearer " + good, "", fiber.StatusOK},
		{"query token", "", good, fiber.StatusOK},
		{"missing", "", "", fiber.StatusUnauthorized},
		{"bad scheme", "Basic " + good, "", fiber.StatusUnauthorized},
		{"wrong key", "Bearer " + forged, "", fiber.StatusUnauthorized},
		{"wrong issuer", "Bearer " + wrongIssuer, "", fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/me"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest("GET", target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	down   bool
}

func (m *memCounter) Incr(_ context.Context, key string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	m.counts[key]++
	return redis.NewIntResult(m.counts[key], nil)
}

func (m *memCounter) Expire(context.Context, string, time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (m *memCounter) TTL(context.Context, string) *redis.DurationCmd {
	return redis.NewDurationResult(42*time.Second, nil)
}

func TestRateLimiter(t *testing.T) {
	counter := &memCounter{counts: map[string]int64{}}
	rl := NewRateLimiter(counter, nil)
	app := fiber.New()
	app.Post("/run", rl.GenerateLimit(2), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusAccepted) })

	call := func() int {
		resp, err := app.Test(httptest.NewRequest("POST", "/run", nil))
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusAccepted, call())
	assert.Equal(t, fiber.StatusAccepted, call())

	resp, err := app.Test(httptest.NewRequest("POST", "/run", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "42", resp.Header.Get("Retry-After"))

	counter.down = true
	assert.Equal(t, fiber.StatusAccepted, call(), "limiter fails open")
}
