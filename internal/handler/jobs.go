package handler

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/scriptboard/canvas/internal/model"
	"github.com/scriptboard/canvas/internal/orchestrator"
	"github.com/scriptboard/canvas/pkg/response"
)

type SegmentsGenerator interface {
	Generate(ctx context.Context, req orchestrator.SegmentsRequest) (string, error)
}

type VisualsGenerator interface {
	Generate(ctx context.Context, req orchestrator.VisualsRequest) (string, error)
}

type SketchesGenerator interface {
	Generate(ctx context.Context, req orchestrator.SketchesRequest) (string, error)
}

// JobTracker exposes the in-flight job ledger
type JobTracker interface {
	Jobs(ctx context.Context, typ model.JobType) ([]model.JobRecord, error)
	Cancel(ctx context.Context, typ model.JobType, jobID string) (bool, error)
	Indicators() *orchestrator.Indicators
}

type JobsHandler struct {
	segments  SegmentsGenerator
	visuals   VisualsGenerator
	sketches  SketchesGenerator
	tracker   JobTracker
	validator *validator.Validate
}

func NewJobsHandler(segments SegmentsGenerator, visuals VisualsGenerator, sketches SketchesGenerator, tracker JobTracker, v *validator.Validate) *JobsHandler {
	return &JobsHandler{
		segments:  segments,
		visuals:   visuals,
		sketches:  sketches,
		tracker:   tracker,
		validator: v,
	}
}

// Segments handles POST /api/jobs/segments
func (h *JobsHandler) Segments(c *fiber.Ctx) error {
	var req orchestrator.SegmentsRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}

	jobID, err := h.segments.Generate(c.UserContext(), req)
	if err != nil {
		return response.AIError(c, err.Error())
	}
	return response.Accepted(c, fiber.Map{"jobId": jobID})
}

// Visuals handles POST /api/jobs/visuals
func (h *JobsHandler) Visuals(c *fiber.Ctx) error {
	var req orchestrator.VisualsRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}

	jobID, err := h.visuals.Generate(c.UserContext(), req)
	if err != nil {
		return response.AIError(c, err.Error())
	}
	return response.Accepted(c, fiber.Map{"jobId": jobID})
}

// StoryboardSketch handles POST /api/jobs/storyboard-sketch
func (h *JobsHandler) StoryboardSketch(c *fiber.Ctx) error {
	var req orchestrator.SketchesRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}

	jobID, err := h.sketches.Generate(c.UserContext(), req)
	if err != nil {
		return response.AIError(c, err.Error())
	}
	return response.Accepted(c, fiber.Map{"jobId": jobID})
}

// List handles GET /api/jobs?type=
func (h *JobsHandler) List(c *fiber.Ctx) error {
	var typ model.JobType
	if q := c.Query("type"); q != "" {
		if typ = parseJobType(q); !typ.Valid() {
			return response.ValidationError(c, "Unknown job type", fiber.Map{"type": q})
		}
	}

	records, err := h.tracker.Jobs(c.UserContext(), typ)
	if err != nil {
		return response.ServiceError(c, "Failed to list jobs")
	}
	if records == nil {
		records = []model.JobRecord{}
	}
	return response.OK(c, fiber.Map{"jobs": records})
}

// Cancel handles DELETE /api/jobs/:type/:jobId
func (h *JobsHandler) Cancel(c *fiber.Ctx) error {
	typ := parseJobType(c.Params("type"))
	if !typ.Valid() {
		return response.ValidationError(c, "Unknown job type", fiber.Map{"type": c.Params("type")})
	}

	found, err := h.tracker.Cancel(c.UserContext(), typ, c.Params("jobId"))
	if err != nil {
		return response.ServiceError(c, "Failed to cancel job")
	}
	if !found {
		return response.NotFound(c, "Job not found")
	}
	return response.NoContent(c)
}

// Indicators handles GET /api/indicators
func (h *JobsHandler) Indicators(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"generating": h.tracker.Indicators().List()})
}

// parseJobType accepts both the URL form (storyboard-sketch) and the stored form
func parseJobType(s string) model.JobType {
	return model.JobType(strings.ReplaceAll(s, "-", "_"))
}
