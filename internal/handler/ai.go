package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/scriptboard/canvas/internal/client"
	"github.com/scriptboard/canvas/internal/model"
	ws "github.com/scriptboard/canvas/internal/websocket"
	"github.com/scriptboard/canvas/pkg/response"
)

// AIJobStarter queues generation jobs on the mock AI service
type AIJobStarter interface {
	Start(ctx context.Context, typ model.JobType, input interface{}) (string, error)
}

// AIHandler serves the AI service surface the agent talks to
type AIHandler struct {
	svc       AIJobStarter
	hub       *ws.Hub
	validator *validator.Validate
}

func NewAIHandler(svc AIJobStarter, hub *ws.Hub, v *validator.Validate) *AIHandler {
	return &AIHandler{svc: svc, hub: hub, validator: v}
}

// Register mounts the start endpoints (behind limit) and the result sockets
func (h *AIHandler) Register(app fiber.Router, limit fiber.Handler) {
	app.Post(client.StartPath(model.JobTypeSegments), limit, h.StartSegments)
	app.Post(client.StartPath(model.JobTypeVisuals), limit, h.StartVisuals)
	app.Post(client.StartPath(model.JobTypeStoryboardSketch), limit, h.StartSketch)

	for _, typ := range model.ValidJobTypes {
		app.Get(client.ResultPath(typ)+":jobId", websocket.New(h.Result))
	}
}

// StartSegments handles POST /run-generate-script-segments
func (h *AIHandler) StartSegments(c *fiber.Ctx) error {
	var req model.SegmentsJobRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}
	return h.start(c, model.JobTypeSegments, req)
}

// StartVisuals handles POST /run-generate-script-visuals
func (h *AIHandler) StartVisuals(c *fiber.Ctx) error {
	var req model.VisualsJobRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}
	return h.start(c, model.JobTypeVisuals, req)
}

// StartSketch handles POST /run-generate-storyboard-sketch
func (h *AIHandler) StartSketch(c *fiber.Ctx) error {
	var req model.SketchJobRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}
	return h.start(c, model.JobTypeStoryboardSketch, req)
}

func (h *AIHandler) start(c *fiber.Ctx, typ model.JobType, input interface{}) error {
	jobID, err := h.svc.Start(c.UserContext(), typ, input)
	if err != nil {
		return response.ServiceError(c, "Failed to start job")
	}
	return response.OK(c, model.StartJobResponse{JobID: jobID})
}

// Result streams the frames of one job
func (h *AIHandler) Result(c *websocket.Conn) {
	h.hub.HandleConnection(c, c.Params("jobId"))
}
