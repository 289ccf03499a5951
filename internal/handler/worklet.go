package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/service"
	"github.com/workletforge/studio/pkg/response"
)

type WorkletHandler struct {
	service   *service.WorkletService
	validator *validator.Validate
}

func NewWorkletHandler(svc *service.WorkletService, v *validator.Validate) *WorkletHandler {
	return &WorkletHandler{
		service:   svc,
		validator: v,
	}
}

// Iterate handles POST /iterate/
func (h *WorkletHandler) Iterate(c *fiber.Ctx) error {
	var req model.IterateFieldRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.Invalid(c, err)
	}

	result, err := h.service.IterateField(c.UserContext(), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Select handles POST /select/
func (h *WorkletHandler) Select(c *fiber.Ctx) error {
	var req model.SelectFieldRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.Invalid(c, err)
	}

	result, err := h.service.SelectField(c.UserContext(), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Enhance handles POST /worklet-iterations/enhance
func (h *WorkletHandler) Enhance(c *fiber.Ctx) error {
	var req model.EnhanceWorkletRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.Invalid(c, err)
	}

	result, err := h.service.EnhanceWorklet(c.UserContext(), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// SelectDefault handles POST /worklet-iterations/select-default
func (h *WorkletHandler) SelectDefault(c *fiber.Ctx) error {
	var req model.SelectIterationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.Invalid(c, err)
	}

	result, err := h.service.SelectIteration(c.UserContext(), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}
