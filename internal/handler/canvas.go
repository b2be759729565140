package handler

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/scriptboard/canvas/internal/canvas"
	"github.com/scriptboard/canvas/internal/model"
	"github.com/scriptboard/canvas/pkg/response"
)

// TierHandler serves the optimistic CRUD surface of one canvas tier
type TierHandler[T model.Entity] struct {
	coord     *canvas.Coordinator[T]
	validator *validator.Validate
}

func NewTierHandler[T model.Entity](coord *canvas.Coordinator[T], v *validator.Validate) *TierHandler[T] {
	return &TierHandler[T]{coord: coord, validator: v}
}

// Register mounts the tier under /projects/:projectId/{tier}
func (h *TierHandler[T]) Register(r fiber.Router) {
	path := "/projects/:projectId/" + h.coord.Tier()
	r.Get(path, h.List)
	r.Post(path, h.Create)
	r.Patch(path+"/:id", h.Update)
	r.Delete(path+"/:id", h.Delete)
}

// List loads the tier. When the API is down the last snapshot is served
// with X-Canvas-Stale set.
func (h *TierHandler[T]) List(c *fiber.Ctx) error {
	items, err := h.coord.Load(c.UserContext(), c.Params("projectId"))
	if err != nil {
		if len(items) == 0 {
			return response.UpstreamError(c, err.Error())
		}
		c.Set("X-Canvas-Stale", "true")
	}
	if items == nil {
		items = []T{}
	}
	return response.OK(c, fiber.Map{"items": items})
}

func (h *TierHandler[T]) Create(c *fiber.Ctx) error {
	var entity T
	if ok, err := bind(c, h.validator, &entity); !ok {
		return err
	}

	created, err := h.coord.Create(c.UserContext(), c.Params("projectId"), entity)
	if err != nil {
		return response.UpstreamError(c, err.Error())
	}
	return response.Created(c, created)
}

// Update applies the body over the current entity, so omitted fields keep their value
func (h *TierHandler[T]) Update(c *fiber.Ctx) error {
	projectID, id := c.Params("projectId"), c.Params("id")
	current, ok := h.coord.Get(projectID, id)
	if !ok {
		return response.NotFound(c, "Entity not found")
	}
	if err := json.Unmarshal(c.Body(), &current); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	h.coord.AssignID(&current, id)
	if err := h.validator.Struct(&current); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	updated, err := h.coord.Update(c.UserContext(), projectID, current)
	if errors.Is(err, canvas.ErrNotFound) {
		return response.NotFound(c, "Entity not found")
	}
	if err != nil {
		return response.UpstreamError(c, err.Error())
	}
	return response.OK(c, updated)
}

func (h *TierHandler[T]) Delete(c *fiber.Ctx) error {
	err := h.coord.Delete(c.UserContext(), c.Params("projectId"), c.Params("id"))
	if errors.Is(err, canvas.ErrNotFound) {
		return response.NotFound(c, "Entity not found")
	}
	if err != nil {
		return response.UpstreamError(c, err.Error())
	}
	return response.NoContent(c)
}

// RegisterCanvas mounts every tier of c
func RegisterCanvas(r fiber.Router, c *canvas.Canvas, v *validator.Validate) {
	NewTierHandler(c.Scripts, v).Register(r)
	NewTierHandler(c.SegmentCollections, v).Register(r)
	NewTierHandler(c.VisualDirections, v).Register(r)
	NewTierHandler(c.Storyboards, v).Register(r)
}
