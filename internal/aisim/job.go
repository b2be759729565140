// Package aisim is a stand-in for the AI generation service. It accepts
// job-start requests, runs them on an asynq queue and streams the result
// frames on a per-job WebSocket topic.
package aisim

import (
	"encoding/json"
	"time"

	"github.com/scriptboard/canvas/internal/model"
)

// Queue is the asynq queue every generation task runs on
const Queue = "generate"

// Task types
const (
	TaskTypeSegments = "generate:segments"
	TaskTypeVisuals  = "generate:visuals"
	TaskTypeSketch   = "generate:storyboard_sketch"
)

var taskTypes = map[model.JobType]string{
	model.JobTypeSegments:         TaskTypeSegments,
	model.JobTypeVisuals:          TaskTypeVisuals,
	model.JobTypeStoryboardSketch: TaskTypeSketch,
}

// TaskType returns the asynq task type of a job type
func TaskType(typ model.JobType) string { return taskTypes[typ] }

// Job is the stored state of one generation job
type Job struct {
	ID          string            `json:"id"`
	Type        model.JobType     `json:"type"`
	Status      model.FrameStatus `json:"status"`
	Input       json.RawMessage   `json:"input"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Terminal reports whether the job has produced its last frame
func (j *Job) Terminal() bool {
	return j.Status == model.FrameStatusDone || j.Status == model.FrameStatusError
}

// Frame is the result socket message describing the job's current state
func (j *Job) Frame() model.Frame {
	f := model.Frame{Status: j.Status}
	switch j.Status {
	case model.FrameStatusDone:
		f.Result = j.Result
	case model.FrameStatusError:
		f.Error = j.Error
	}
	return f
}

type taskPayload struct {
	JobID string `json:"jobId"`
}
