package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/model"
)

// JobStarter starts AI jobs and locates their result sockets
type JobStarter interface {
	StartJob(ctx context.Context, typ model.JobType, body interface{}) (string, error)
	ResultURL(typ model.JobType, jobID string) string
}

var startPaths = map[model.JobType]string{
	model.JobTypeSegments:         "/run-generate-script-segments",
	model.JobTypeVisuals:          "/run-generate-script-visuals",
	model.JobTypeStoryboardSketch: "/run-generate-storyboard-sketch",
}

var resultPaths = map[model.JobType]string{
	model.JobTypeSegments:         "/ws/generate-script-segments-result/",
	model.JobTypeVisuals:          "/ws/generate-script-visuals-result/",
	model.JobTypeStoryboardSketch: "/ws/generate-storyboard-sketch-result/",
}

// StartPath returns the job-start route for typ
func StartPath(typ model.JobType) string { return startPaths[typ] }

// ResultPath returns the result socket route prefix for typ
func ResultPath(typ model.JobType) string { return resultPaths[typ] }

// AI is the client for the AI generation service
type AI struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	api        *API
}

// NewAI creates an AI client. The socket base is derived from the HTTP base
// (http→ws, https→wss) unless cfg.WSURL is set.
func NewAI(cfg config.AIConfig) *AI {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	ws := strings.TrimRight(cfg.WSURL, "/")
	if ws == "" {
		ws = toWebSocketURL(base)
	}
	httpClient := &http.Client{Timeout: timeout}
	return &AI{
		baseURL:    base,
		wsURL:      ws,
		httpClient: httpClient,
		api:        &API{baseURL: base, httpClient: httpClient, logger: config.Discard(), now: time.Now},
	}
}

func toWebSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// StartJob posts body to the job-start endpoint of typ and returns the job id
func (c *AI) StartJob(ctx context.Context, typ model.JobType, body interface{}) (string, error) {
	path, ok := startPaths[typ]
	if !ok {
		return "", fmt.Errorf("unknown job type %q", typ)
	}

	var resp model.StartJobResponse
	if err := c.api.send(ctx, http.MethodPost, path, body, &resp, ""); err != nil {
		return "", fmt.Errorf("start %s job: %w", typ, err)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("start %s job: response without job_id", typ)
	}
	return resp.JobID, nil
}

// ResultURL returns the socket URL streaming frames for jobID
func (c *AI) ResultURL(typ model.JobType, jobID string) string {
	return c.wsURL + resultPaths[typ] + url.PathEscape(jobID)
}
