package handler

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/middleware"
	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/service"
	"github.com/workletforge/studio/pkg/response"
)

type ThreadHandler struct {
	service   *service.ThreadService
	validator *validator.Validate
	log       *zap.Logger
}

func NewThreadHandler(svc *service.ThreadService, v *validator.Validate, log *zap.Logger) *ThreadHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ThreadHandler{
		service:   svc,
		validator: v,
		log:       log.Named("threads"),
	}
}

// serviceError maps service errors onto the error envelope
func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrThreadNotFound):
		return response.NotFound(c, "Thread not found")
	case errors.Is(err, service.ErrWorkletNotFound):
		return response.NotFound(c, "Worklet not found")
	case errors.Is(err, service.ErrIterationNotFound):
		return response.NotFound(c, "Worklet iteration not found")
	case errors.Is(err, service.ErrClusterMissing):
		return response.NotFound(c, "Cluster not found")
	case errors.Is(err, service.ErrThreadExists):
		return response.Conflict(c, "Thread ID already exists")
	case errors.Is(err, service.ErrNoIterations):
		return response.Conflict(c, "Worklet has no iterations")
	case errors.Is(err, service.ErrInvalidIndex):
		return response.ValidationError(c, "Index out of range", nil)
	case errors.Is(err, service.ErrUnknownField):
		return response.ValidationError(c, "Unknown worklet field", nil)
	case errors.Is(err, service.ErrAIUnavailable):
		return response.AIError(c, "AI service unavailable")
	case errors.Is(err, service.ErrWaitTimeout):
		return response.Error(c, fiber.StatusGatewayTimeout, response.CodeServiceError, "Generation did not finish in time", nil)
	case errors.Is(err, service.ErrGenerationFailed):
		return response.ServiceError(c, err.Error())
	}
	return response.ServiceError(c, err.Error())
}

// Generate handles POST /generate/. It answers once the pipeline finished.
func (h *ThreadHandler) Generate(c *fiber.Ctx) error {
	form, err := parseGenerateForm(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	if err := h.validator.Struct(&form); err != nil {
		return response.Invalid(c, err)
	}

	userID := middleware.GetUserID(c)
	threadID := strings.TrimSpace(c.FormValue("thread_id"))

	rec, err := h.service.Create(c.UserContext(), userID, threadID, form)
	if err != nil {
		return serviceError(c, err)
	}

	rec, err = h.service.Wait(c.UserContext(), rec.ThreadID)
	if err != nil {
		h.log.Warn("generation did not succeed", zap.String("thread_id", threadID), zap.Error(err))
		return serviceError(c, err)
	}

	result, err := model.GenerateResponseFor(rec)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// List handles GET /thread/all
func (h *ThreadHandler) List(c *fiber.Ctx) error {
	threads, err := h.service.List(c.UserContext(), middleware.GetUserID(c))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, model.ThreadListResponse{Threads: threads})
}

// Get handles GET /thread/:threadId
func (h *ThreadHandler) Get(c *fiber.Ctx) error {
	threadID := c.Params("threadId")
	if threadID == "" {
		return response.ValidationError(c, "Thread ID is required", nil)
	}

	rec, err := h.service.Get(c.UserContext(), middleware.GetUserID(c), threadID)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, rec.Thread)
}

// Delete handles DELETE /thread/delete/:threadId
func (h *ThreadHandler) Delete(c *fiber.Ctx) error {
	threadID := c.Params("threadId")
	if threadID == "" {
		return response.ValidationError(c, "Thread ID is required", nil)
	}

	if err := h.service.Delete(c.UserContext(), middleware.GetUserID(c), threadID); err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, model.DeleteThreadResponse{Success: true, ThreadID: threadID})
}
