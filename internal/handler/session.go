package handler

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/client"
	"github.com/workletforge/studio/internal/coordinator"
	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/pkg/response"
)

// SessionHandler exposes one studio session over HTTP
type SessionHandler struct {
	coordinator *coordinator.Coordinator
	validator   *validator.Validate
	log         *zap.Logger
}

func NewSessionHandler(c *coordinator.Coordinator, v *validator.Validate, log *zap.Logger) *SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandler{coordinator: c, validator: v, log: log.Named("session")}
}

type sessionIterateRequest struct {
	ThreadID string `json:"thread_id" validate:"required"`
	model.IterateFieldRequest
}

type sessionSelectRequest struct {
	ThreadID string `json:"thread_id" validate:"required"`
	model.SelectFieldRequest
}

type sessionEnhanceRequest struct {
	ThreadID string `json:"thread_id" validate:"required"`
	model.EnhanceWorkletRequest
}

type sessionSelectIterationRequest struct {
	ThreadID string `json:"thread_id" validate:"required"`
	model.SelectIterationRequest
}

type submitResponse struct {
	ThreadID string `json:"thread_id"`
}

func sessionError(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	var apiErr *client.APIError
	switch {
	case errors.As(err, &verrs):
		return response.Invalid(c, err)
	case errors.Is(err, coordinator.ErrScopeBusy):
		return response.Conflict(c, err.Error())
	case errors.Is(err, coordinator.ErrNoApproval):
		return response.Conflict(c, err.Error())
	case errors.Is(err, coordinator.ErrClosed):
		return response.Error(c, fiber.StatusServiceUnavailable, response.CodeServiceError, "Session closed", nil)
	case errors.As(err, &apiErr):
		code := apiErr.Code
		if code == "" {
			code = response.CodeServiceError
		}
		status := apiErr.Status
		if status == 0 {
			status = fiber.StatusBadGateway
		}
		return response.Error(c, status, code, apiErr.Message, apiErr.Details)
	}
	return response.ServiceError(c, err.Error())
}

// View handles GET /api/session/view
func (h *SessionHandler) View(c *fiber.Ctx) error {
	v, err := h.coordinator.View()
	if err != nil {
		return sessionError(c, err)
	}
	return response.OK(c, v)
}

// Submit handles POST /api/session/threads
func (h *SessionHandler) Submit(c *fiber.Ctx) error {
	form, err := parseGenerateForm(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	threadID, err := h.coordinator.Submit(form)
	if err != nil {
		return sessionError(c, err)
	}
	return response.Accepted(c, submitResponse{ThreadID: threadID})
}

// Open handles POST /api/session/threads/:threadId/open
func (h *SessionHandler) Open(c *fiber.Ctx) error {
	if err := h.coordinator.SelectThread(c.UserContext(), c.Params("threadId")); err != nil {
		return sessionError(c, err)
	}
	return h.View(c)
}

// Delete handles DELETE /api/session/threads/:threadId
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	threadID := c.Params("threadId")
	if err := h.coordinator.DeleteThread(c.UserContext(), threadID); err != nil {
		return sessionError(c, err)
	}
	return response.OK(c, model.DeleteThreadResponse{Success: true, ThreadID: threadID})
}

// New handles POST /api/session/new
func (h *SessionHandler) New(c *fiber.Ctx) error {
	if err := h.coordinator.NewThread(); err != nil {
		return sessionError(c, err)
	}
	return h.View(c)
}

// Home handles POST /api/session/home
func (h *SessionHandler) Home(c *fiber.Ctx) error {
	if err := h.coordinator.Home(); err != nil {
		return sessionError(c, err)
	}
	return h.View(c)
}

// Refresh handles POST /api/session/refresh
func (h *SessionHandler) Refresh(c *fiber.Ctx) error {
	if err := h.coordinator.RefreshThreads(c.UserContext()); err != nil {
		return sessionError(c, err)
	}
	return h.View(c)
}

// ApproveTopics handles POST /api/session/approvals/:threadId/topic
func (h *SessionHandler) ApproveTopics(c *fiber.Ctx) error {
	var topics model.DomainsKeywords
	if err := c.BodyParser(&topics); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.coordinator.SubmitTopicApproval(c.UserContext(), c.Params("threadId"), topics); err != nil {
		return sessionError(c, err)
	}
	return response.NoContent(c)
}

// ApproveQueries handles POST /api/session/approvals/:threadId/web
func (h *SessionHandler) ApproveQueries(c *fiber.Ctx) error {
	var body model.WebResponsePayload
	if err := c.BodyParser(&body); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.coordinator.SubmitWebApproval(c.UserContext(), c.Params("threadId"), body.Queries); err != nil {
		return sessionError(c, err)
	}
	return response.NoContent(c)
}

// Iterate handles POST /api/session/iterate
func (h *SessionHandler) Iterate(c *fiber.Ctx) error {
	var req sessionIterateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.Invalid(c, err)
	}
	result, err := h.coordinator.IterateField(c.UserContext(), req.ThreadID, req.IterateFieldRequest)
	if err != nil {
		return sessionError(c, err)
	}
	return response.OK(c, result)
}

// Select handles POST /api/session/select
func (h *SessionHandler) Select(c *fiber.Ctx) error {
	var req sessionSelectRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.Invalid(c, err)
	}
	result, err := h.coordinator.SelectField(c.UserContext(), req.ThreadID, req.SelectFieldRequest)
	if err != nil {
		return sessionError(c, err)
	}
	return response.OK(c, result)
}

// Enhance handles POST /api/session/enhance
func (h *SessionHandler) Enhance(c *fiber.Ctx) error {
	var req sessionEnhanceRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.Invalid(c, err)
	}
	result, err := h.coordinator.EnhanceWorklet(c.UserContext(), req.ThreadID, req.EnhanceWorkletRequest)
	if err != nil {
		return sessionError(c, err)
	}
	return response.OK(c, result)
}

// SelectIteration handles POST /api/session/select-iteration
func (h *SessionHandler) SelectIteration(c *fiber.Ctx) error {
	var req sessionSelectIterationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.Invalid(c, err)
	}
	result, err := h.coordinator.SelectWorkletIteration(c.UserContext(), req.ThreadID, req.SelectIterationRequest)
	if err != nil {
		return sessionError(c, err)
	}
	return response.OK(c, result)
}

// Stream handles GET /ws/session. Every applied action pushes the new view
// together with the notices it raised.
func (h *SessionHandler) Stream() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		updates, cancel := h.coordinator.Subscribe()
		defer cancel()

		if v, err := h.coordinator.View(); err == nil {
			if err := conn.WriteJSON(coordinator.Update{View: v}); err != nil {
				return
			}
		}

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				data, err := json.Marshal(u)
				if err != nil {
					h.log.Error("failed to encode update", zap.Error(err))
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					h.log.Debug("session stream closed", zap.Error(err))
					return
				}
			}
		}
	})
}
