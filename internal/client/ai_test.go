package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/model"
)

func TestAI_StartJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/run-generate-script-segments", r.URL.Path)
		var req model.SegmentsJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.NumSegments)
		writeJSON(w, http.StatusOK, model.StartJobResponse{JobID: "job-42"})
	}))
	defer srv.Close()

	ai := NewAI(config.AIConfig{BaseURL: srv.URL})
	id, err := ai.StartJob(context.Background(), model.JobTypeSegments, model.SegmentsJobRequest{ScriptText: "x", NumSegments: 3})
	require.NoError(t, err)
	assert.Equal(t, "job-42", id)
}

func TestAI_StartJobErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/run-generate-script-visuals" {
			writeJSON(w, http.StatusOK, map[string]string{})
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ai := NewAI(config.AIConfig{BaseURL: srv.URL})

	_, err := ai.StartJob(context.Background(), model.JobTypeVisuals, model.VisualsJobRequest{Segments: []string{"a"}})
	assert.ErrorContains(t, err, "without job_id")

	_, err = ai.StartJob(context.Background(), model.JobTypeStoryboardSketch, model.SketchJobRequest{Visuals: []string{"a"}})
	assert.ErrorContains(t, err, "status 500")

	_, err = ai.StartJob(context.Background(), model.JobType("bogus"), nil)
	assert.Error(t, err)
}

func TestAI_ResultURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AIConfig
		typ  model.JobType
		want string
	}{
		{"http", config.AIConfig{BaseURL: "http://ai:8000/"}, model.JobTypeSegments, "ws://ai:8000/ws/generate-script-segments-result/j1"},
		{"https", config.AIConfig{BaseURL: "https://ai.example.com"}, model.JobTypeVisuals, "wss://ai.example.com/ws/generate-script-visuals-result/j1"},
		{"explicit ws", config.AIConfig{BaseURL: "http://ai", WSURL: "ws://sockets"}, model.JobTypeStoryboardSketch, "ws://sockets/ws/generate-storyboard-sketch-result/j1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewAI(tt.cfg).ResultURL(tt.typ, "j1"))
		})
	}
}
