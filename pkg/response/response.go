package response

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Code is the machine-readable kind of an error body
type Code string

const (
	CodeValidationError Code = "VALIDATION_ERROR"
	CodeBadRequest      Code = "BAD_REQUEST"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeServiceError    Code = "SERVICE_ERROR"

	// the AI service refused or could not be reached
	CodeAIError Code = "AI_ERROR"

	// the REST backend failed after the local state was rolled back
	CodeUpstreamError Code = "UPSTREAM_ERROR"
)

var statusOf = map[Code]int{
	CodeValidationError: fiber.StatusBadRequest,
	CodeBadRequest:      fiber.StatusBadRequest,
	CodeUnauthorized:    fiber.StatusUnauthorized,
	CodeNotFound:        fiber.StatusNotFound,
	CodeRateLimited:     fiber.StatusTooManyRequests,
	CodeServiceError:    fiber.StatusInternalServerError,
	CodeAIError:         fiber.StatusBadGateway,
	CodeUpstreamError:   fiber.StatusBadGateway,
}

// Status returns the HTTP status a code is sent with
func (c Code) Status() int {
	if s, ok := statusOf[c]; ok {
		return s
	}
	return fiber.StatusInternalServerError
}

// Problem is the body of every error response. It is also an error, so a
// handler may return one and leave the rendering to ErrorHandler.
type Problem struct {
	Code    Code        `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func New(code Code, message string) *Problem {
	return &Problem{Code: code, Message: message}
}

func (p *Problem) WithDetails(details interface{}) *Problem {
	p.Details = details
	return p
}

func (p *Problem) Error() string {
	return string(p.Code) + ": " + p.Message
}

type envelope struct {
	Error *Problem `json:"error"`
}

// Send writes p under its code's status
func Send(c *fiber.Ctx, p *Problem) error {
	return c.Status(p.Code.Status()).JSON(envelope{Error: p})
}

// ErrorHandler is the fiber.Config ErrorHandler of both binaries. Problems
// are rendered as they are, fiber errors keep their status and anything else
// becomes a SERVICE_ERROR.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var p *Problem
	if errors.As(err, &p) {
		return Send(c, p)
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(envelope{Error: New(codeFor(fe.Code), fe.Message)})
	}
	return Send(c, New(CodeServiceError, http.StatusText(fiber.StatusInternalServerError)))
}

func codeFor(status int) Code {
	switch status {
	case fiber.StatusUnauthorized:
		return CodeUnauthorized
	case fiber.StatusNotFound:
		return CodeNotFound
	case fiber.StatusTooManyRequests:
		return CodeRateLimited
	}
	if status < fiber.StatusInternalServerError {
		return CodeBadRequest
	}
	return CodeServiceError
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Send(c, New(CodeValidationError, message).WithDetails(details))
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Send(c, New(CodeUnauthorized, message))
}

func NotFound(c *fiber.Ctx, message string) error {
	return Send(c, New(CodeNotFound, message))
}

func RateLimited(c *fiber.Ctx) error {
	return Send(c, New(CodeRateLimited, "Rate limit exceeded"))
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Send(c, New(CodeServiceError, message))
}

func AIError(c *fiber.Ctx, message string) error {
	return Send(c, New(CodeAIError, message))
}

func UpstreamError(c *fiber.Ctx, message string) error {
	return Send(c, New(CodeUpstreamError, message))
}

// OK, Created and Accepted send data as the bare JSON body
func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
