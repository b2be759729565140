package model

// WebSocket message types pushed to the canvas UI
const (
	WSMessageTypeJob       = "job"
	WSMessageTypeCanvas    = "canvas"
	WSMessageTypeIndicator = "indicator"
	WSMessageTypePing      = "ping"
	WSMessageTypePong      = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// JobEvent reports a job lifecycle transition to the UI
type JobEvent struct {
	Type      string   `json:"type"`
	ProjectID string   `json:"projectId"`
	JobID     string   `json:"jobId"`
	JobType   JobType  `json:"jobType"`
	State     JobState `json:"state"`
	Error     string   `json:"error,omitempty"`
	Created   int      `json:"created,omitempty"`
}

// IndicatorEvent reports a change in the set of "generating" card ids
type IndicatorEvent struct {
	Type       string `json:"type"`
	ProjectID  string `json:"projectId"`
	ID         string `json:"id"`
	Generating bool   `json:"generating"`
}

// Canvas event actions
const (
	CanvasActionCreated  = "created"
	CanvasActionUpdated  = "updated"
	CanvasActionDeleted  = "deleted"
	CanvasActionRollback = "rollback"
)

// CanvasEvent reports an optimistic entity change to the UI
type CanvasEvent struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	Tier      string `json:"tier"`
	Action    string `json:"action"`
	ID        string `json:"id"`
	TempID    string `json:"tempId,omitempty"`
	Entity    any    `json:"entity,omitempty"`
	Error     string `json:"error,omitempty"`
}
