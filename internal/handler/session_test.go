package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workletforge/studio/internal/client"
	"github.com/workletforge/studio/internal/coordinator"
	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/realtime"
	"github.com/workletforge/studio/internal/store"
	"github.com/workletforge/studio/pkg/response"
)

// stubAPI answers the coordinator's outbound calls in memory. Creation blocks
// until release is closed so a thread stays in flight.
type stubAPI struct {
	release chan struct{}
	iterate func(req model.IterateFieldRequest) (*model.IterateFieldResponse, error)
}

func (s *stubAPI) CreateThread(ctx context.Context, threadID string, form model.GenerateForm) (*model.GenerateResponse, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &model.GenerateResponse{ThreadID: threadID, Worklets: []json.RawMessage{}}, nil
}

func (s *stubAPI) ListThreads(ctx context.Context) ([]model.Thread, error) {
	return []model.Thread{}, nil
}

func (s *stubAPI) GetThread(ctx context.Context, threadID string) (model.Thread, error) {
	return model.Thread{}, &client.APIError{Status: http.StatusNotFound, Code: response.CodeNotFound, Message: "Thread not found"}
}

func (s *stubAPI) DeleteThread(ctx context.Context, threadID string) error {
	return nil
}

func (s *stubAPI) IterateField(ctx context.Context, req model.IterateFieldRequest) (*model.IterateFieldResponse, error) {
	return s.iterate(req)
}

func (s *stubAPI) SelectField(ctx context.Context, req model.SelectFieldRequest) (*model.SelectFieldResponse, error) {
	return &model.SelectFieldResponse{Success: true, WorkletID: req.WorkletID, WorkletIterationID: req.WorkletIterationID, Field: req.Field, SelectedIndex: req.SelectedIndex}, nil
}

func (s *stubAPI) EnhanceWorklet(ctx context.Context, req model.EnhanceWorkletRequest) (*model.EnhanceWorkletResponse, error) {
	return nil, &client.APIError{Status: http.StatusBadGateway, Code: response.CodeAIError, Message: "AI service unavailable"}
}

func (s *stubAPI) SelectIteration(ctx context.Context, req model.SelectIterationRequest) (*model.SelectIterationResponse, error) {
	return &model.SelectIterationResponse{Success: true, WorkletID: req.WorkletID}, nil
}

type sessionApp struct {
	app   *fiber.App
	ch    *realtime.Loopback
	coord *coordinator.Coordinator
}

func setupSessionApp(t *testing.T, api *stubAPI) *sessionApp {
	t.Helper()
	if api.release == nil {
		api.release = make(chan struct{})
	}
	validate := response.NewValidator()
	ch := realtime.NewLoopback()
	coord := coordinator.New(api, realtime.NewMultiplexer(ch, nil), store.New(), coordinator.Options{
		Validate: validate,
		NewID:    func() string { return "job-1" },
	})
	go coord.Run(context.Background())
	t.Cleanup(func() {
		close(api.release)
		coord.Close()
	})

	h := NewSessionHandler(coord, validate, nil)
	app := fiber.New()
	session := app.Group("/api/session")
	session.Get("/view", h.View)
	session.Post("/threads", h.Submit)
	session.Post("/threads/:threadId/open", h.Open)
	session.Delete("/threads/:threadId", h.Delete)
	session.Post("/new", h.New)
	session.Post("/home", h.Home)
	session.Post("/refresh", h.Refresh)
	session.Post("/approvals/:threadId/topic", h.ApproveTopics)
	session.Post("/approvals/:threadId/web", h.ApproveQueries)
	session.Post("/iterate", h.Iterate)
	session.Post("/select", h.Select)
	session.Post("/enhance", h.Enhance)
	session.Post("/select-iteration", h.SelectIteration)

	return &sessionApp{app: app, ch: ch, coord: coord}
}

func (s *sessionApp) view(t *testing.T) coordinator.View {
	t.Helper()
	resp, err := doRequest(s.app, http.MethodGet, "/api/session/view", "", nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)
	var v coordinator.View
	decodeBody(t, resp, &v)
	return v
}

func (s *sessionApp) submit(t *testing.T) {
	t.Helper()
	resp := doMultipart(t, s.app, "", "/api/session/threads", map[string]string{
		"thread_name": "Edge inference",
		"count":       "2",
		"links":       `["https://example.com/paper"]`,
	}, map[string]string{"brief.txt": "notes"})
	assertStatus(t, resp, http.StatusAccepted)

	var body submitResponse
	decodeBody(t, resp, &body)
	require.Equal(t, "job-1", body.ThreadID)
}

func TestSession_NewShowsForm(t *testing.T) {
	s := setupSessionApp(t, &stubAPI{})

	resp, err := doRequest(s.app, http.MethodPost, "/api/session/new", "", nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)

	var v coordinator.View
	decodeBody(t, resp, &v)
	assert.True(t, v.ShowForm)
	assert.Empty(t, v.SelectedID)
}

func TestSession_SubmitInsertsOptimisticThread(t *testing.T) {
	s := setupSessionApp(t, &stubAPI{})
	s.submit(t)
	require.NoError(t, s.coord.Sync())

	v := s.view(t)
	require.Len(t, v.Threads, 1)
	assert.Equal(t, "job-1", v.Threads[0].ThreadID)
	assert.True(t, v.Threads[0].Local)
	assert.Equal(t, []string{"brief.txt"}, v.Threads[0].Files)
	assert.Equal(t, "job-1", v.SelectedID)
	assert.Equal(t, model.PhaseInitializing, v.Phase)
}

func TestSession_SubmitInvalidForm(t *testing.T) {
	s := setupSessionApp(t, &stubAPI{})

	resp := doMultipart(t, s.app, "", "/api/session/threads", map[string]string{"count": "3"}, nil)
	assertStatus(t, resp, http.StatusUnprocessableEntity)

	var body response.ErrorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, response.CodeValidationError, body.Error.Code)
	assert.Empty(t, s.view(t).Threads)
}

func TestSession_TopicApproval(t *testing.T) {
	s := setupSessionApp(t, &stubAPI{})

	resp, err := doRequest(s.app, http.MethodPost, "/api/session/approvals/job-1/topic", `{"domains":{},"keywords":{}}`, nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusConflict)

	s.submit(t)
	s.ch.Deliver("job-1/topic_approval", model.TopicApprovalPayload{
		Domains:  model.Categories{model.CategoryWorklet: {"Edge inference"}},
		Keywords: model.Categories{},
		Message:  "Review topics",
	})
	require.NoError(t, s.coord.Sync())

	v := s.view(t)
	require.NotNil(t, v.Modal)
	assert.Equal(t, model.ModalTopicApproval, v.Modal.Kind)

	resp, err = doRequest(s.app, http.MethodPost, "/api/session/approvals/job-1/topic",
		`{"domains":{"worklet":["Edge inference","edge inference"]},"keywords":{"custom":["TinyML"]}}`, nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusNoContent)

	emitted := s.ch.Emitted()
	require.Len(t, emitted, 1)
	assert.Equal(t, "job-1/topic_response", emitted[0].Event)
	var sent model.DomainsKeywords
	require.NoError(t, json.Unmarshal(emitted[0].Data, &sent))
	assert.Equal(t, []string{"Edge inference"}, sent.Domains[model.CategoryWorklet])
	assert.Equal(t, []string{"TinyML"}, sent.Keywords[model.CategoryCustom])
}

func TestSession_WebApproval(t *testing.T) {
	s := setupSessionApp(t, &stubAPI{})
	s.submit(t)
	s.ch.Deliver("job-1/web_approval", model.WebApprovalPayload{Queries: []string{"edge tpu"}})
	require.NoError(t, s.coord.Sync())

	resp, err := doRequest(s.app, http.MethodPost, "/api/session/approvals/job-1/web", `{"queries":["edge tpu","Edge TPU!"]}`, nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusNoContent)

	emitted := s.ch.Emitted()
	require.Len(t, emitted, 1)
	assert.Equal(t, "job-1/web_response", emitted[0].Event)
	var sent model.WebResponsePayload
	require.NoError(t, json.Unmarshal(emitted[0].Data, &sent))
	assert.Equal(t, []string{"edge tpu"}, sent.Queries)
}

func TestSession_Iterate(t *testing.T) {
	api := &stubAPI{
		iterate: func(req model.IterateFieldRequest) (*model.IterateFieldResponse, error) {
			return &model.IterateFieldResponse{
				WorkletID:          req.WorkletID,
				WorkletIterationID: req.WorkletIterationID,
				Field:              req.Field,
				SelectedIndex:      1,
				Iterations:         json.RawMessage(`["First","Second"]`),
			}, nil
		},
	}
	s := setupSessionApp(t, api)

	body := `{"thread_id":"job-1","worklet_id":"w1","worklet_iteration_id":"i1","field":"title","index":0,"prompt":"shorter"}`
	resp, err := doRequest(s.app, http.MethodPost, "/api/session/iterate", body, nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)

	var result model.IterateFieldResponse
	decodeBody(t, resp, &result)
	assert.Equal(t, 1, result.SelectedIndex)
	assert.JSONEq(t, `["First","Second"]`, string(result.Iterations))
}

func TestSession_IterateValidation(t *testing.T) {
	s := setupSessionApp(t, &stubAPI{})

	body := `{"worklet_id":"w1","worklet_iteration_id":"i1","field":"title","prompt":"shorter"}`
	resp, err := doRequest(s.app, http.MethodPost, "/api/session/iterate", body, nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestSession_ServerErrorsPassThrough(t *testing.T) {
	api := &stubAPI{
		iterate: func(req model.IterateFieldRequest) (*model.IterateFieldResponse, error) {
			return nil, &client.APIError{Status: http.StatusNotFound, Code: response.CodeNotFound, Message: "Worklet not found"}
		},
	}
	s := setupSessionApp(t, api)

	body := `{"thread_id":"job-1","worklet_id":"w1","worklet_iteration_id":"i1","field":"title","index":0,"prompt":"shorter"}`
	resp, err := doRequest(s.app, http.MethodPost, "/api/session/iterate", body, nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusNotFound)

	var errBody response.ErrorResponse
	decodeBody(t, resp, &errBody)
	assert.Equal(t, "Worklet not found", errBody.Error.Message)

	body = `{"thread_id":"job-1","worklet_id":"w1","worklet_iteration_id":"i1","prompt":"more detail"}`
	resp, err = doRequest(s.app, http.MethodPost, "/api/session/enhance", body, nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusBadGateway)
	decodeBody(t, resp, &errBody)
	assert.Equal(t, response.CodeAIError, errBody.Error.Code)
}

func TestSession_SelectIteration(t *testing.T) {
	s := setupSessionApp(t, &stubAPI{})

	body := `{"thread_id":"job-1","worklet_id":"w1","worklet_iteration_id":"i1"}`
	resp, err := doRequest(s.app, http.MethodPost, "/api/session/select-iteration", body, nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)

	var result model.SelectIterationResponse
	decodeBody(t, resp, &result)
	assert.True(t, result.Success)
}
