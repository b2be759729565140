package aisim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/model"
)

// Enqueuer is satisfied by *asynq.Client
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Service starts generation jobs
type Service struct {
	repo   Repository
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, queue Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = config.Discard()
	}
	return &Service{repo: repo, queue: queue, logger: logger, now: time.Now}
}

// Start records a pending job and queues it
func (s *Service) Start(ctx context.Context, typ model.JobType, input interface{}) (string, error) {
	taskType := TaskType(typ)
	if taskType == "" {
		return "", fmt.Errorf("unknown job type %q", typ)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal input: %w", err)
	}

	job := &Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Status:    model.FrameStatusPending,
		Input:     raw,
		CreatedAt: s.now(),
	}
	if err := s.repo.Save(ctx, job); err != nil {
		return "", fmt.Errorf("failed to save job: %w", err)
	}

	payload, err := json.Marshal(taskPayload{JobID: job.ID})
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.queue.Enqueue(asynq.NewTask(taskType, payload),
		asynq.Queue(Queue),
		asynq.MaxRetry(0),
		asynq.Retention(jobTTL),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Info("job queued", "job_id", job.ID, "job_type", typ)
	return job.ID, nil
}

// Replay returns the encoded terminal frame of a finished job, an error
// frame for an unknown job, and nil while the job is still running
func (s *Service) Replay(ctx context.Context, jobID string) []byte {
	job, err := s.repo.Get(ctx, jobID)
	var frame model.Frame
	switch {
	case errors.Is(err, ErrJobNotFound):
		frame = model.Frame{Status: model.FrameStatusError, Error: ErrJobNotFound.Error()}
	case err != nil:
		s.logger.Warn("failed to load job", "job_id", jobID, "error", err)
		return nil
	case !job.Terminal():
		return nil
	default:
		frame = job.Frame()
	}
	data, _ := json.Marshal(frame)
	return data
}
