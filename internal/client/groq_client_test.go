package client

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workletforge/studio/internal/config"
)

func setupGroq(t *testing.T, handler fiber.Handler) *GroqClient {
	t.Helper()
	app := fiber.New()
	app.Post("/chat/completions", handler)
	srv := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(srv.Close)

	c := NewGroqClient(&config.GroqConfig{BaseURL: srv.URL + "/", APIKey: "key", Model: "test-model"})
	c.backoff = time.Millisecond
	return c
}

func answer(content string) fiber.Map {
	return fiber.Map{"choices": []fiber.Map{{"message": fiber.Map{"role": "assistant", "content": content}}}}
}

func TestGroqClient_CompleteJSON(t *testing.T) {
	c := setupGroq(t, func(ctx *fiber.Ctx) error {
		assert.Equal(t, "Bearer key", ctx.Get("Authorization"))

		var req chatRequest
		require.NoError(t, ctx.BodyParser(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "list titles", req.Messages[1].Content)

		return ctx.JSON(answer("```json\n{\"titles\": [\"A\", \"B\"]}\n```"))
	})

	var out struct {
		Titles []string `json:"titles"`
	}
	require.NoError(t, c.CompleteJSON(context.Background(), "be terse", "list titles", &out))
	assert.Equal(t, []string{"A", "B"}, out.Titles)
}

func TestGroqClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := setupGroq(t, func(ctx *fiber.Ctx) error {
		if calls.Add(1) == 1 {
			return ctx.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": fiber.Map{"message": "slow down", "type": "rate_limit_exceeded"},
			})
		}
		return ctx.JSON(answer(`{"ok": true}`))
	})

	var out map[string]bool
	require.NoError(t, c.CompleteJSON(context.Background(), "s", "u", &out))
	assert.True(t, out["ok"])
	assert.Equal(t, int32(2), calls.Load())
}

func TestGroqClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := setupGroq(t, func(ctx *fiber.Ctx) error {
		calls.Add(1)
		return ctx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": fiber.Map{"message": "Invalid API Key", "type": "invalid_request_error", "code": "invalid_api_key"},
		})
	})

	var out map[string]any
	err := c.CompleteJSON(context.Background(), "s", "u", &out)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, fiber.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid_api_key", apiErr.Code)
	assert.Equal(t, "Invalid API Key", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGroqClient_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := setupGroq(t, func(ctx *fiber.Ctx) error {
		calls.Add(1)
		return ctx.Status(fiber.StatusBadGateway).SendString("upstream down")
	})

	var out map[string]any
	err := c.CompleteJSON(context.Background(), "s", "u", &out)
	require.Error(t, err)
	assert.Equal(t, "upstream down", err.Error())
	assert.Equal(t, int32(groqMaxRetries+1), calls.Load())
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, stripFences(`  {"a":1} `))
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, retryAfter("3", time.Second))
	assert.Equal(t, time.Second, retryAfter("", time.Second))
	assert.Equal(t, time.Second, retryAfter("Wed, 21 Oct 2015 07:28:00 GMT", time.Second))
}
