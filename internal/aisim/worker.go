package aisim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/model"
)

// Broadcaster pushes frames to the sockets watching a job
type Broadcaster interface {
	Publish(topic string, v interface{})
}

// Worker runs generation tasks
type Worker struct {
	repo      Repository
	hub       Broadcaster
	stepDelay time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewWorker(repo Repository, hub Broadcaster, stepDelay time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = config.Discard()
	}
	return &Worker{repo: repo, hub: hub, stepDelay: stepDelay, logger: logger, now: time.Now}
}

// Register mounts the worker on every generation task type
func (w *Worker) Register(mux *asynq.ServeMux) {
	for _, taskType := range taskTypes {
		mux.HandleFunc(taskType, w.ProcessTask)
	}
}

// ProcessTask runs one job: a pending frame, a simulated delay, then the
// terminal frame. Finished jobs are left alone.
func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	jobID := payload.JobID

	job, err := w.repo.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Terminal() {
		return nil
	}

	w.logger.Info("starting job", "job_id", jobID, "job_type", job.Type)
	w.hub.Publish(jobID, job.Frame())

	select {
	case <-ctx.Done():
		w.logger.Info("job cancelled", "job_id", jobID)
		return ctx.Err()
	case <-time.After(w.stepDelay):
	}

	result, err := generate(job)
	now := w.now()
	job.CompletedAt = &now
	if err != nil {
		job.Status = model.FrameStatusError
		job.Error = err.Error()
	} else {
		job.Status = model.FrameStatusDone
		job.Result = result
	}

	// saved before broadcasting so a socket that connects in between replays it
	if serr := w.repo.Save(ctx, job); serr != nil {
		w.logger.Error("failed to save job", "job_id", jobID, "error", serr)
	}
	w.hub.Publish(jobID, job.Frame())

	if err != nil {
		w.logger.Warn("job failed", "job_id", jobID, "error", err)
		return nil
	}
	w.logger.Info("job completed", "job_id", jobID)
	return nil
}
