package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   Code
		wantMsg    string
	}{
		{"problem", New(CodeNotFound, "Job not found"), 404, CodeNotFound, "Job not found"},
		{"wrapped problem", fmt.Errorf("load: %w", New(CodeUpstreamError, "api down")), 502, CodeUpstreamError, "api down"},
		{"fiber error", fiber.ErrUpgradeRequired, 426, CodeBadRequest, "Upgrade Required"},
		{"fiber unauthorized", fiber.ErrUnauthorized, 401, CodeUnauthorized, "Unauthorized"},
		{"plain error", errors.New("boom"), 500, CodeServiceError, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
			app.Get("/", func(*fiber.Ctx) error { return tt.err })

			resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body struct {
				Error Problem `json:"error"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.wantMsg, body.Error.Message)
		})
	}
}

func TestValidationErrorDetails(t *testing.T) {
	app := fiber.New()
	app.Post("/", func(c *fiber.Ctx) error {
		return ValidationError(c, "Validation failed", map[string]string{"X": "required"})
	})

	resp, err := app.Test(httptest.NewRequest("POST", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var body map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "VALIDATION_ERROR", body["error"]["code"])
	assert.Equal(t, map[string]interface{}{"X": "required"}, body["error"]["details"])
}

func TestCodeStatus(t *testing.T) {
	assert.Equal(t, fiber.StatusBadGateway, CodeAIError.Status())
	assert.Equal(t, fiber.StatusTooManyRequests, CodeRateLimited.Status())
	assert.Equal(t, fiber.StatusInternalServerError, Code("UNKNOWN").Status())
}
