package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/pkg/response"
)

func iterateBody(workletID, iterationID, field string, index int) string {
	return fmt.Sprintf(`{"worklet_id":%q,"worklet_iteration_id":%q,"field":%q,"index":%d,"prompt":"make it shorter"}`,
		workletID, iterationID, field, index)
}

func TestIterate_AppendsAndSelectsCandidate(t *testing.T) {
	ta := setupServerApp(t)
	b := generate(t, ta, "user-1", "t-iterate", 1)[0]
	iterationID := b.Iterations[0].IterationID

	resp := doAuthRequest(t, ta.app, "user-1", http.MethodPost, "/iterate/", iterateBody(b.WorkletID, iterationID, "title", 0))
	assertStatus(t, resp, http.StatusOK)

	var result model.IterateFieldResponse
	decodeBody(t, resp, &result)
	assert.Equal(t, b.WorkletID, result.WorkletID)
	assert.Equal(t, model.FieldTitle, result.Field)
	assert.Equal(t, 1, result.SelectedIndex)

	var titles []string
	require.NoError(t, json.Unmarshal(result.Iterations, &titles))
	require.Len(t, titles, 2)
	assert.Equal(t, titles[0]+" (make it shorter)", titles[1])
}

func TestIterate_ListField(t *testing.T) {
	ta := setupServerApp(t)
	b := generate(t, ta, "user-1", "t-iterate-list", 1)[0]

	resp := doAuthRequest(t, ta.app, "user-1", http.MethodPost, "/iterate/", iterateBody(b.WorkletID, b.Iterations[0].IterationID, "deliverables", 0))
	assertStatus(t, resp, http.StatusOK)

	var result model.IterateFieldResponse
	decodeBody(t, resp, &result)
	var lists [][]string
	require.NoError(t, json.Unmarshal(result.Iterations, &lists))
	require.Len(t, lists, 2)
	assert.Len(t, lists[1], len(lists[0])+1)
}

func TestIterate_Errors(t *testing.T) {
	ta := setupServerApp(t)
	b := generate(t, ta, "user-1", "t-iterate-errors", 1)[0]
	iterationID := b.Iterations[0].IterationID

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown worklet", iterateBody("missing", iterationID, "title", 0), http.StatusNotFound, response.CodeNotFound},
		{"unknown iteration", iterateBody(b.WorkletID, "missing", "title", 0), http.StatusNotFound, response.CodeNotFound},
		{"index out of range", iterateBody(b.WorkletID, iterationID, "title", 7), http.StatusUnprocessableEntity, response.CodeValidationError},
		{"unknown field", iterateBody(b.WorkletID, iterationID, "budget", 0), http.StatusUnprocessableEntity, response.CodeValidationError},
		{"missing prompt", fmt.Sprintf(`{"worklet_id":%q,"worklet_iteration_id":%q,"field":"title"}`, b.WorkletID, iterationID), http.StatusUnprocessableEntity, response.CodeValidationError},
		{"malformed body", `{"worklet_id":`, http.StatusUnprocessableEntity, response.CodeValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doAuthRequest(t, ta.app, "user-1", http.MethodPost, "/iterate/", tt.body)
			assertStatus(t, resp, tt.status)

			var body response.ErrorResponse
			decodeBody(t, resp, &body)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestSelect_ValidatesIndex(t *testing.T) {
	ta := setupServerApp(t)
	b := generate(t, ta, "user-1", "t-select", 1)[0]
	iterationID := b.Iterations[0].IterationID

	resp := doAuthRequest(t, ta.app, "user-1", http.MethodPost, "/iterate/", iterateBody(b.WorkletID, iterationID, "tech_stack", 0))
	assertStatus(t, resp, http.StatusOK)
	readBody(t, resp)

	selectBody := func(index int) string {
		return fmt.Sprintf(`{"worklet_id":%q,"worklet_iteration_id":%q,"field":"tech_stack","selected_index":%d}`, b.WorkletID, iterationID, index)
	}

	resp = doAuthRequest(t, ta.app, "user-1", http.MethodPost, "/select/", selectBody(0))
	assertStatus(t, resp, http.StatusOK)
	var result model.SelectFieldResponse
	decodeBody(t, resp, &result)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.SelectedIndex)

	resp = doAuthRequest(t, ta.app, "user-1", http.MethodPost, "/select/", selectBody(2))
	assertStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestEnhanceAndSelectDefault(t *testing.T) {
	ta := setupServerApp(t)
	b := generate(t, ta, "user-1", "t-enhance", 1)[0]
	firstID := b.Iterations[0].IterationID

	body := fmt.Sprintf(`{"worklet_id":%q,"worklet_iteration_id":%q,"prompt":"add a pilot phase"}`, b.WorkletID, firstID)
	resp := doAuthRequest(t, ta.app, "user-1", http.MethodPost, "/worklet-iterations/enhance", body)
	assertStatus(t, resp, http.StatusOK)

	var enhanced model.EnhanceWorkletResponse
	decodeBody(t, resp, &enhanced)
	assert.Equal(t, b.WorkletID, enhanced.WorkletID)
	assert.Equal(t, 1, enhanced.SelectedIterationIndex)

	var iteration struct {
		IterationID string `json:"iteration_id"`
	}
	require.NoError(t, json.Unmarshal(enhanced.Iteration, &iteration))
	assert.NotEqual(t, firstID, iteration.IterationID)

	body = fmt.Sprintf(`{"worklet_id":%q,"worklet_iteration_id":%q}`, b.WorkletID, firstID)
	resp = doAuthRequest(t, ta.app, "user-1", http.MethodPost, "/worklet-iterations/select-default", body)
	assertStatus(t, resp, http.StatusOK)

	var selected model.SelectIterationResponse
	decodeBody(t, resp, &selected)
	assert.True(t, selected.Success)
	assert.Equal(t, 0, selected.SelectedIterationIndex)

	body = fmt.Sprintf(`{"worklet_id":%q,"worklet_iteration_id":"missing"}`, b.WorkletID)
	resp = doAuthRequest(t, ta.app, "user-1", http.MethodPost, "/worklet-iterations/select-default", body)
	assertStatus(t, resp, http.StatusNotFound)
}
