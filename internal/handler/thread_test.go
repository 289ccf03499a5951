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

// bundleIDs is the subset of a generated bundle the tests address
type bundleIDs struct {
	WorkletID  string `json:"worklet_id"`
	Iterations []struct {
		IterationID string `json:"iteration_id"`
	} `json:"iterations"`
}

func generateFields(threadID string, count int) map[string]string {
	return map[string]string{
		"thread_id":     threadID,
		"thread_name":   "Battery recycling",
		"custom_prompt": "focus on hydrometallurgy",
		"count":         fmt.Sprint(count),
		"links":         `["https://example.com/paper"]`,
	}
}

// generate runs the whole pipeline through POST /generate and returns the bundles
func generate(t *testing.T, ta *testApp, userID, threadID string, count int) []bundleIDs {
	t.Helper()
	resp := doMultipart(t, ta.app, userID, "/generate/", generateFields(threadID, count), map[string]string{"notes.txt": "hello"})
	assertStatus(t, resp, http.StatusOK)

	var result model.GenerateResponse
	decodeBody(t, resp, &result)
	require.Equal(t, threadID, result.ThreadID)
	require.Equal(t, count, result.WorkletCount)
	require.Len(t, result.Worklets, count)

	bundles := make([]bundleIDs, 0, count)
	for _, raw := range result.Worklets {
		var b bundleIDs
		require.NoError(t, json.Unmarshal(raw, &b))
		require.NotEmpty(t, b.WorkletID)
		require.NotEmpty(t, b.Iterations)
		bundles = append(bundles, b)
	}
	return bundles
}

func TestHealth(t *testing.T) {
	ta := setupServerApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)

	var body model.HealthResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test", body.Version)
}

func TestGenerate_NoAuth(t *testing.T) {
	ta := setupServerApp(t)

	resp := doMultipart(t, ta.app, "", "/generate/", generateFields("t-anon", 1), nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestGenerate_InvalidForm(t *testing.T) {
	ta := setupServerApp(t)

	fields := generateFields("t-invalid", 0)
	delete(fields, "thread_name")
	resp := doMultipart(t, ta.app, "user-1", "/generate/", fields, nil)
	assertStatus(t, resp, http.StatusUnprocessableEntity)

	var body response.ErrorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, response.CodeValidationError, body.Error.Code)
	assert.NotNil(t, body.Error.Details)
}

func TestGenerate_MalformedLinks(t *testing.T) {
	ta := setupServerApp(t)

	fields := generateFields("t-links", 1)
	fields["links"] = "https://example.com"
	resp := doMultipart(t, ta.app, "user-1", "/generate/", fields, nil)
	assertStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestGenerate_RunsPipeline(t *testing.T) {
	ta := setupServerApp(t)

	bundles := generate(t, ta, "user-1", "t-pipeline", 2)
	assert.NotEqual(t, bundles[0].WorkletID, bundles[1].WorkletID)

	resp := doAuthRequest(t, ta.app, "user-1", http.MethodGet, "/thread/t-pipeline", "")
	assertStatus(t, resp, http.StatusOK)

	var thread model.Thread
	decodeBody(t, resp, &thread)
	assert.True(t, thread.Generated)
	assert.Equal(t, []string{"notes.txt"}, thread.Files)
	assert.Equal(t, []string{"https://example.com/paper"}, thread.Links)
	assert.Len(t, thread.Worklets, 2)
}

func TestGenerate_DuplicateThreadID(t *testing.T) {
	ta := setupServerApp(t)

	generate(t, ta, "user-1", "t-dup", 1)

	resp := doMultipart(t, ta.app, "user-1", "/generate/", generateFields("t-dup", 1), nil)
	assertStatus(t, resp, http.StatusConflict)

	var body response.ErrorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, response.CodeConflict, body.Error.Code)
	assert.Equal(t, "Thread ID already exists", body.Error.Message)
}

func TestGenerate_UnknownCluster(t *testing.T) {
	ta := setupServerApp(t)

	fields := generateFields("t-cluster", 1)
	fields["cluster_id"] = "research"
	resp := doMultipart(t, ta.app, "user-1", "/generate/", fields, nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestThreadList_ScopedToOwner(t *testing.T) {
	ta := setupServerApp(t)

	generate(t, ta, "user-a", "t-owned", 1)

	resp := doAuthRequest(t, ta.app, "user-a", http.MethodGet, "/thread/all", "")
	assertStatus(t, resp, http.StatusOK)
	var mine model.ThreadListResponse
	decodeBody(t, resp, &mine)
	require.Len(t, mine.Threads, 1)
	assert.Equal(t, "t-owned", mine.Threads[0].ThreadID)

	resp = doAuthRequest(t, ta.app, "user-b", http.MethodGet, "/thread/all", "")
	assertStatus(t, resp, http.StatusOK)
	var theirs model.ThreadListResponse
	decodeBody(t, resp, &theirs)
	assert.Empty(t, theirs.Threads)

	resp = doAuthRequest(t, ta.app, "user-b", http.MethodGet, "/thread/t-owned", "")
	assertStatus(t, resp, http.StatusNotFound)
}

func TestThreadGet_NotFound(t *testing.T) {
	ta := setupServerApp(t)

	resp := doAuthRequest(t, ta.app, "user-1", http.MethodGet, "/thread/missing", "")
	assertStatus(t, resp, http.StatusNotFound)

	var body response.ErrorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, response.CodeNotFound, body.Error.Code)
	assert.Equal(t, "/thread/missing", body.Error.Path)
}

func TestThreadDelete(t *testing.T) {
	ta := setupServerApp(t)

	generate(t, ta, "user-1", "t-delete", 1)

	resp := doAuthRequest(t, ta.app, "user-1", http.MethodDelete, "/thread/delete/t-delete", "")
	assertStatus(t, resp, http.StatusOK)
	var body model.DeleteThreadResponse
	decodeBody(t, resp, &body)
	assert.True(t, body.Success)
	assert.Equal(t, "t-delete", body.ThreadID)

	resp = doAuthRequest(t, ta.app, "user-1", http.MethodGet, "/thread/t-delete", "")
	assertStatus(t, resp, http.StatusNotFound)

	resp = doAuthRequest(t, ta.app, "user-1", http.MethodDelete, "/thread/delete/t-delete", "")
	assertStatus(t, resp, http.StatusNotFound)
}

func TestAuthVerify(t *testing.T) {
	ta := setupServerApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusUnauthorized)

	resp = doAuthRequest(t, ta.app, "user-7", http.MethodGet, "/auth/verify", "")
	assertStatus(t, resp, http.StatusOK)
	assert.Equal(t, "user-7", resp.Header.Get("X-User-Id"))
	assert.Equal(t, "user-7@example.com", resp.Header.Get("X-User-Email"))
}
