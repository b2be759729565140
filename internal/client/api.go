package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/scriptboard/canvas/internal/config"
)

// ErrUnauthorized is returned when a request is still rejected after one refresh
var ErrUnauthorized = errors.New("unauthorized")

// StatusError carries a non-2xx response from a backend
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 from a backend
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

// refreshLeeway is how close to expiry a token is refreshed before use
const refreshLeeway = 30 * time.Second

// API is the REST backend client. It authenticates with a bearer access
// token; the refresh token lives in an http-only cookie held by the jar.
type API struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.RWMutex
	accessToken string

	refresh singleflight.Group
}

// NewAPI creates a REST client for cfg.BaseURL
func NewAPI(cfg config.APIConfig, logger *slog.Logger) (*API, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = config.Discard()
	}
	return &API{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		logger: logger,
		now:    time.Now,
	}, nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type tokenResponse struct {
	AccessToken      string `json:"accessToken"`
	AccessTokenSnake string `json:"access_token"`
}

func (r tokenResponse) token() string {
	if r.AccessToken != "" {
		return r.AccessToken
	}
	return r.AccessTokenSnake
}

// Register creates an account and signs in
func (c *API) Register(ctx context.Context, email, password, name string) error {
	return c.authenticate(ctx, "/auth/register", credentials{Email: email, Password: password, Name: name})
}

// Login signs in and stores the access token
func (c *API) Login(ctx context.Context, email, password string) error {
	return c.authenticate(ctx, "/auth/login", credentials{Email: email, Password: password})
}

// Logout ends the session and forgets the access token
func (c *API) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
	c.SetAccessToken("")
	return err
}

// SetAccessToken replaces the current access token
func (c *API) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// AccessToken returns the current access token
func (c *API) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Refresh exchanges the refresh cookie for a new access token. Concurrent
// callers share one request.
func (c *API) Refresh(ctx context.Context) (string, error) {
	v, err, _ := c.refresh.Do("refresh", func() (interface{}, error) {
		// one caller giving up must not fail the others
		rctx := context.WithoutCancel(ctx)
		var resp tokenResponse
		if err := c.send(rctx, http.MethodPost, "/auth/refresh", nil, &resp, ""); err != nil {
			return "", fmt.Errorf("refresh token: %w", err)
		}
		token := resp.token()
		if token == "" {
			return "", fmt.Errorf("refresh token: empty access token")
		}
		c.SetAccessToken(token)
		c.logger.Debug("access token refreshed")
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *API) authenticate(ctx context.Context, path string, creds credentials) error {
	var resp tokenResponse
	if err := c.send(ctx, http.MethodPost, path, creds, &resp, ""); err != nil {
		return err
	}
	if resp.token() == "" {
		return fmt.Errorf("%s: empty access token", path)
	}
	c.SetAccessToken(resp.token())
	return nil
}

// expiresSoon reports whether token is a JWT whose exp falls within the
// leeway. Tokens that are not JWTs are never considered expiring.
func (c *API) expiresSoon(token string) bool {
	if token == "" {
		return false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Before(c.now().Add(refreshLeeway))
}

// do sends an authenticated request. A 401 triggers exactly one refresh and
// one retry.
func (c *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	token := c.AccessToken()
	if c.expiresSoon(token) {
		if fresh, err := c.Refresh(ctx); err == nil {
			token = fresh
		}
	}

	err := c.send(ctx, method, path, body, out, token)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		return err
	}

	fresh, rerr := c.Refresh(ctx)
	if rerr != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, rerr)
	}
	err = c.send(ctx, method, path, body, out, fresh)
	if errors.As(err, &se) && se.Status == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	}
	return err
}

func (c *API) send(ctx context.Context, method, path string, body, out interface{}, token string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
