package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/scriptboard/canvas/internal/model"
	"github.com/scriptboard/canvas/internal/positions"
	"github.com/scriptboard/canvas/pkg/response"
)

type PositionRequest struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
}

type LifecycleRequest struct {
	State string `json:"state" validate:"required,oneof=visible hidden pagehide unload"`
}

type PositionsHandler struct {
	registry  *positions.Registry
	validator *validator.Validate
}

func NewPositionsHandler(registry *positions.Registry, v *validator.Validate) *PositionsHandler {
	return &PositionsHandler{registry: registry, validator: v}
}

func (h *PositionsHandler) cache(c *fiber.Ctx) (*positions.Cache, error) {
	return h.registry.For(c.UserContext(), c.Params("projectId"), model.CardType(c.Params("cardType")))
}

// List handles GET /api/projects/:projectId/positions/:cardType
func (h *PositionsHandler) List(c *fiber.Ctx) error {
	cache, err := h.cache(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	pending := cache.Pending()
	return response.OK(c, fiber.Map{
		"positions": cache.Snapshot(),
		"pending":   pending.Len(),
	})
}

// Put handles PUT /api/projects/:projectId/positions/:cardType/:cardId
func (h *PositionsHandler) Put(c *fiber.Ctx) error {
	cache, err := h.cache(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	var req PositionRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}

	p := model.Point{X: *req.X, Y: *req.Y}
	cache.Set(c.Params("cardId"), p)
	return response.OK(c, p)
}

// Delete handles DELETE /api/projects/:projectId/positions/:cardType/:cardId
func (h *PositionsHandler) Delete(c *fiber.Ctx) error {
	cache, err := h.cache(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	cache.Delete(c.Params("cardId"))
	return response.NoContent(c)
}

// Flush handles POST /api/projects/:projectId/positions/:cardType/flush.
// A failed flush keeps the operations queued for retry.
func (h *PositionsHandler) Flush(c *fiber.Ctx) error {
	cache, err := h.cache(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	if err := cache.FlushNow(c.UserContext()); err != nil {
		return response.UpstreamError(c, err.Error())
	}
	return response.NoContent(c)
}

// Lifecycle handles POST /api/projects/:projectId/lifecycle
func (h *PositionsHandler) Lifecycle(c *fiber.Ctx) error {
	var req LifecycleRequest
	if ok, err := bind(c, h.validator, &req); !ok {
		return err
	}
	if err := h.registry.Lifecycle(c.UserContext(), c.Params("projectId"), req.State); err != nil {
		return response.UpstreamError(c, err.Error())
	}
	return response.NoContent(c)
}
