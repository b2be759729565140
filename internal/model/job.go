package model

import (
	"encoding/json"
	"time"
)

// JobType identifies which AI generation pipeline a job belongs to
type JobType string

const (
	JobTypeSegments         JobType = "segments"
	JobTypeVisuals          JobType = "visuals"
	JobTypeStoryboardSketch JobType = "storyboard_sketch"
)

var ValidJobTypes = []JobType{
	JobTypeSegments, JobTypeVisuals, JobTypeStoryboardSketch,
}

// Valid reports whether t is one of the known job types
func (t JobType) Valid() bool {
	for _, v := range ValidJobTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Job kinds carried in JobRecord meta
const (
	JobKindSingle = "single"
	JobKindBatch  = "batch"
)

// Meta keys shared by the orchestrators and the cascade cancellation
const (
	MetaProjectID         = "projectId"
	MetaScriptID          = "scriptId"
	MetaCollectionID      = "collectionId"
	MetaNumSegments       = "numSegments"
	MetaVisualDirectionID = "visualDirectionId"
	MetaVisualSetID       = "visualSetId"
	MetaStoryboardID      = "storyboardId"
	MetaKind              = "kind"
	MetaSegmentID         = "segmentId"
	MetaSegmentText       = "segmentText"
	MetaSegmentIndex      = "segmentIndex"
	MetaSegmentIDs        = "segmentIds"
	MetaSegmentIndexes    = "segmentIndexes"
	MetaSegmentTexts      = "segmentTexts"
	MetaVisualIDs         = "visualIds"
	MetaVisualTexts       = "visualTexts"
)

// JobRecord is the durable ledger entry for an in-flight AI job
type JobRecord struct {
	JobID     string         `json:"jobId"`
	Type      JobType        `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Key returns the ledger identity of the record
func (r JobRecord) Key() JobKey {
	return JobKey{Type: r.Type, JobID: r.JobID}
}

// MetaString returns a string meta value, or "" when absent
func (r JobRecord) MetaString(key string) string {
	if v, ok := r.Meta[key].(string); ok {
		return v
	}
	return ""
}

// MetaInt returns a numeric meta value. Values read back from JSON arrive as float64.
func (r JobRecord) MetaInt(key string) int {
	return toInt(r.Meta[key])
}

// MetaInts returns an int slice meta value
func (r JobRecord) MetaInts(key string) []int {
	switch v := r.Meta[key].(type) {
	case []int:
		return v
	case []any:
		out := make([]int, len(v))
		for i, item := range v {
			out[i] = toInt(item)
		}
		return out
	}
	return nil
}

func toInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// MetaStrings returns a string slice meta value
func (r JobRecord) MetaStrings(key string) []string {
	switch v := r.Meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, _ := item.(string)
			out = append(out, s)
		}
		return out
	}
	return nil
}

// MetaHas reports whether the record references id under key, either as a
// scalar value or as an element of a list value
func (r JobRecord) MetaHas(key, id string) bool {
	if r.MetaString(key) == id && id != "" {
		return true
	}
	for _, v := range r.MetaStrings(key) {
		if v == id {
			return true
		}
	}
	return false
}

// JobKey identifies a record in the ledger
type JobKey struct {
	Type  JobType
	JobID string
}

// FrameStatus is the status field of a result socket frame
type FrameStatus string

const (
	FrameStatusPending FrameStatus = "pending"
	FrameStatusDone    FrameStatus = "done"
	FrameStatusError   FrameStatus = "error"
)

// Frame is one JSON message streamed on a job result socket
type Frame struct {
	Status FrameStatus     `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// JobState tracks one job through its lifecycle
type JobState string

const (
	JobStateStarting  JobState = "starting"
	JobStateAttached  JobState = "attached"
	JobStatePending   JobState = "pending"
	JobStateDone      JobState = "done"
	JobStateError     JobState = "error"
	JobStateTimedOut  JobState = "timed_out"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further frames are accepted in this state
func (s JobState) Terminal() bool {
	switch s {
	case JobStateDone, JobStateError, JobStateTimedOut, JobStateCancelled:
		return true
	}
	return false
}

// StartJobResponse is returned by the AI job-start endpoints
type StartJobResponse struct {
	JobID string `json:"job_id"`
}
