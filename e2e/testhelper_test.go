package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/scriptboard/canvas/internal/aisim"
	"github.com/scriptboard/canvas/internal/client"
	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/handler"
	"github.com/scriptboard/canvas/internal/jobsocket"
	"github.com/scriptboard/canvas/internal/jobstore"
	"github.com/scriptboard/canvas/internal/model"
	"github.com/scriptboard/canvas/internal/orchestrator"
	"github.com/scriptboard/canvas/internal/storage"
	ws "github.com/scriptboard/canvas/internal/websocket"
)

// testStack runs the agent against an in-process AI mock and REST backend
type testStack struct {
	agent   *fiber.App
	orch    *orchestrator.Orchestrator
	backend *fakeBackend
	events  *recorder
}

func listen(t *testing.T, app *fiber.App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func setupStack(t *testing.T) *testStack {
	t.Helper()
	validate := validator.New()

	// AI mock with an in-memory job store and inline task execution
	repo := &memRepo{jobs: map[string]aisim.Job{}}
	aiHub := ws.NewHub(nil)
	go aiHub.Run()
	t.Cleanup(aiHub.Close)
	worker := aisim.NewWorker(repo, aiHub, 200*time.Millisecond, nil)
	svc := aisim.NewService(repo, inlineQueue{worker}, nil)
	aiHub.SetReplay(func(jobID string) []byte { return svc.Replay(context.Background(), jobID) })

	aiApp := fiber.New(fiber.Config{DisableStartupMessage: true})
	handler.NewAIHandler(svc, aiHub, validate).Register(aiApp, func(c *fiber.Ctx) error { return c.Next() })
	aiURL := listen(t, aiApp)

	// REST backend
	backend := newFakeBackend()
	restURL := listen(t, backend.app())

	rest, err := client.NewAPI(config.APIConfig{BaseURL: restURL}, nil)
	require.NoError(t, err)

	events := &recorder{}
	orch := orchestrator.New(jobstore.New(storage.NewMemory()), jobsocket.NewManager(), client.NewAI(config.AIConfig{BaseURL: aiURL}),
		orchestrator.WithPublisher(events),
		orchestrator.WithTimeouts(orchestrator.Timeouts{Single: 10 * time.Second, Batch: 10 * time.Second}),
	)
	t.Cleanup(orch.Shutdown)

	jobs := handler.NewJobsHandler(
		orchestrator.NewSegments(orch, rest),
		orchestrator.NewVisuals(orch, rest),
		orchestrator.NewSketches(orch, rest),
		orch, validate,
	)
	agent := fiber.New()
	api := agent.Group("/api")
	api.Post("/jobs/segments", jobs.Segments)
	api.Post("/jobs/visuals", jobs.Visuals)
	api.Post("/jobs/storyboard-sketch", jobs.StoryboardSketch)
	api.Get("/jobs", jobs.List)
	api.Get("/indicators", jobs.Indicators)

	return &testStack{agent: agent, orch: orch, backend: backend, events: events}
}

// doRequest sends a JSON request to the agent
func doRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return app.Test(req, -1)
}

// parseJSON decodes a response body
func parseJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func (s *testStack) idle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		records, err := s.orch.Jobs(context.Background(), "")
		return err == nil && len(records) == 0 && len(s.orch.Indicators().List()) == 0
	}, 10*time.Second, 20*time.Millisecond)
}

type inlineQueue struct{ worker *aisim.Worker }

func (q inlineQueue) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	go func() { _ = q.worker.ProcessTask(context.Background(), task) }()
	return &asynq.TaskInfo{Queue: aisim.Queue}, nil
}

type memRepo struct {
	mu   sync.Mutex
	jobs map[string]aisim.Job
}

func (r *memRepo) Save(_ context.Context, job *aisim.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = *job
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*aisim.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, aisim.ErrJobNotFound
	}
	return &job, nil
}

type recorder struct {
	mu     sync.Mutex
	events []model.JobEvent
}

func (r *recorder) Publish(_ string, v interface{}) {
	if ev, ok := v.(model.JobEvent); ok {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *recorder) last(jobID string) (model.JobEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].JobID == jobID {
			return r.events[i], true
		}
	}
	return model.JobEvent{}, false
}

// fakeBackend is the REST API the agent writes generated entities to
type fakeBackend struct {
	mu       sync.Mutex
	seq      int
	segments map[string][]model.Segment
	visuals  map[string][]model.Visual
	sketches map[string][]model.StoryboardSketch
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		segments: map[string][]model.Segment{},
		visuals:  map[string][]model.Visual{},
		sketches: map[string][]model.StoryboardSketch{},
	}
}

func (b *fakeBackend) nextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s-%d", prefix, b.seq)
}

func (b *fakeBackend) app() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/segment-collections/:id/segments", func(c *fiber.Ctx) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		return c.JSON(append([]model.Segment{}, b.segments[c.Params("id")]...))
	})
	app.Post("/segment-collections/:id/segments", func(c *fiber.Ctx) error {
		var seg model.Segment
		if err := c.BodyParser(&seg); err != nil {
			return fiber.ErrBadRequest
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		seg.ID = b.nextID("seg")
		b.segments[c.Params("id")] = append(b.segments[c.Params("id")], seg)
		return c.Status(fiber.StatusCreated).JSON(seg)
	})

	app.Get("/visual-sets/:id/visuals", func(c *fiber.Ctx) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		return c.JSON(append([]model.Visual{}, b.visuals[c.Params("id")]...))
	})
	app.Post("/visual-sets/:id/visuals", func(c *fiber.Ctx) error {
		var v model.Visual
		if err := c.BodyParser(&v); err != nil {
			return fiber.ErrBadRequest
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		v.ID = b.nextID("vis")
		b.visuals[c.Params("id")] = append(b.visuals[c.Params("id")], v)
		return c.Status(fiber.StatusCreated).JSON(v)
	})

	app.Get("/storyboards/:id/sketches", func(c *fiber.Ctx) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		return c.JSON(append([]model.StoryboardSketch{}, b.sketches[c.Params("id")]...))
	})
	app.Post("/storyboards/:id/sketches", func(c *fiber.Ctx) error {
		var s model.StoryboardSketch
		if err := c.BodyParser(&s); err != nil {
			return fiber.ErrBadRequest
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		s.ID = b.nextID("sk")
		b.sketches[c.Params("id")] = append(b.sketches[c.Params("id")], s)
		return c.Status(fiber.StatusCreated).JSON(s)
	})

	return app
}

func (b *fakeBackend) segmentsOf(collectionID string) []model.Segment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Segment(nil), b.segments[collectionID]...)
}

func (b *fakeBackend) visualsOf(setID string) []model.Visual {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Visual(nil), b.visuals[setID]...)
}

func (b *fakeBackend) sketchesOf(storyboardID string) []model.StoryboardSketch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.StoryboardSketch(nil), b.sketches[storyboardID]...)
}
