package aisim

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptboard/canvas/internal/model"
)

type memRepo struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func newMemRepo() *memRepo { return &memRepo{jobs: map[string]Job{}} }

func (r *memRepo) Save(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = *job
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

type fakeQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *fakeQueue) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "t", Queue: Queue}, nil
}

type published struct {
	mu     sync.Mutex
	frames []model.Frame
	topics []string
}

func (p *published) Publish(topic string, v interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.frames = append(p.frames, v.(model.Frame))
}

func TestSplitSegments(t *testing.T) {
	text := "One. Two! Three? Four. Five."
	tests := []struct {
		n    int
		want []string
	}{
		{1, []string{"One. Two! Three? Four. Five."}},
		{2, []string{"One. Two! Three?", "Four. Five."}},
		{5, []string{"One.", "Two!", "Three?", "Four.", "Five."}},
		{9, []string{"One.", "Two!", "Three?", "Four.", "Five."}},
		{0, []string{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitSegments(text, tt.n), "n=%d", tt.n)
	}
	assert.Equal(t, []string{"no punctuation"}, splitSegments("no punctuation", 3))
	assert.Empty(t, splitSegments("   ", 3))
}

func TestGenerate_Shapes(t *testing.T) {
	input := func(v interface{}) json.RawMessage {
		data, _ := json.Marshal(v)
		return data
	}

	out, err := generate(&Job{Type: model.JobTypeVisuals, Input: input(model.VisualsJobRequest{Segments: []string{"a dark alley"}})})
	require.NoError(t, err)
	var single string
	require.NoError(t, json.Unmarshal(out, &single), "one segment yields a bare string")
	assert.Equal(t, "Visual 1: a dark alley", single)

	out, err = generate(&Job{Type: model.JobTypeStoryboardSketch, Input: input(model.SketchJobRequest{Visuals: []string{"a", "b"}, Style: "ink"})})
	require.NoError(t, err)
	var items []model.GeneratedItem
	require.NoError(t, json.Unmarshal(out, &items))
	assert.Equal(t, []model.GeneratedItem{{Content: "Sketch 1: a (ink)"}, {Content: "Sketch 2: b (ink)"}}, items)

	_, err = generate(&Job{Type: model.JobTypeSegments, Input: input(model.SegmentsJobRequest{ScriptText: "x " + FailMarker, NumSegments: 1})})
	assert.ErrorIs(t, err, errRequested)
}

func TestService_Start(t *testing.T) {
	repo, queue := newMemRepo(), &fakeQueue{}
	svc := NewService(repo, queue, nil)

	id, err := svc.Start(context.Background(), model.JobTypeSegments, model.SegmentsJobRequest{ScriptText: "A. B.", NumSegments: 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.FrameStatusPending, job.Status)

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, TaskTypeSegments, queue.tasks[0].Type())
	assert.JSONEq(t, `{"jobId":"`+id+`"}`, string(queue.tasks[0].Payload()))

	assert.Nil(t, svc.Replay(context.Background(), id), "running jobs replay nothing")

	_, err = svc.Start(context.Background(), model.JobType("poster"), nil)
	assert.Error(t, err)

	queue.err = errors.New("redis down")
	_, err = svc.Start(context.Background(), model.JobTypeVisuals, model.VisualsJobRequest{Segments: []string{"a"}})
	assert.Error(t, err)
}

func TestService_ReplayUnknownJob(t *testing.T) {
	svc := NewService(newMemRepo(), &fakeQueue{}, nil)

	var frame model.Frame
	require.NoError(t, json.Unmarshal(svc.Replay(context.Background(), "missing"), &frame))
	assert.Equal(t, model.FrameStatusError, frame.Status)
	assert.Equal(t, "job not found", frame.Error)
}

func TestWorker_ProcessTask(t *testing.T) {
	repo, queue := newMemRepo(), &fakeQueue{}
	svc := NewService(repo, queue, nil)
	hub := &published{}
	w := NewWorker(repo, hub, time.Millisecond, nil)

	id, err := svc.Start(context.Background(), model.JobTypeSegments, model.SegmentsJobRequest{ScriptText: "A. B. C.", NumSegments: 2})
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), queue.tasks[0]))

	require.Len(t, hub.frames, 2)
	assert.Equal(t, []string{id, id}, hub.topics)
	assert.Equal(t, model.FrameStatusPending, hub.frames[0].Status)
	assert.Equal(t, model.FrameStatusDone, hub.frames[1].Status)
	assert.JSONEq(t, `["A. B.","C."]`, string(hub.frames[1].Result))

	var frame model.Frame
	require.NoError(t, json.Unmarshal(svc.Replay(context.Background(), id), &frame))
	assert.Equal(t, model.FrameStatusDone, frame.Status, "finished jobs replay their terminal frame")

	// redelivery of a finished task is a no-op
	require.NoError(t, w.ProcessTask(context.Background(), queue.tasks[0]))
	assert.Len(t, hub.frames, 2)
}

func TestWorker_ErrorFrame(t *testing.T) {
	repo, queue := newMemRepo(), &fakeQueue{}
	svc := NewService(repo, queue, nil)
	hub := &published{}
	w := NewWorker(repo, hub, time.Millisecond, nil)

	id, err := svc.Start(context.Background(), model.JobTypeStoryboardSketch, model.SketchJobRequest{Visuals: []string{FailMarker}})
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), queue.tasks[0]))

	require.Len(t, hub.frames, 2)
	assert.Equal(t, model.FrameStatusError, hub.frames[1].Status)
	assert.NotEmpty(t, hub.frames[1].Error)

	job, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, job.Terminal())
	assert.NotNil(t, job.CompletedAt)
}

func TestWorker_CancelledContext(t *testing.T) {
	repo, queue := newMemRepo(), &fakeQueue{}
	svc := NewService(repo, queue, nil)
	w := NewWorker(repo, &published{}, time.Hour, nil)

	_, err := svc.Start(context.Background(), model.JobTypeSegments, model.SegmentsJobRequest{ScriptText: "A.", NumSegments: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.ProcessTask(ctx, queue.tasks[0]), context.Canceled)
}
