package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/workletforge/studio/internal/auth"
	"github.com/workletforge/studio/internal/client"
	"github.com/workletforge/studio/internal/config"
	"github.com/workletforge/studio/internal/middleware"
	"github.com/workletforge/studio/internal/service"
	ws "github.com/workletforge/studio/internal/websocket"
	"github.com/workletforge/studio/internal/worker"
	"github.com/workletforge/studio/pkg/response"
)

const (
	testJWTSecret = "test-secret-for-handlers"
	testRedisDB   = 13
)

// testApp holds the server app and the services behind it
type testApp struct {
	app     *fiber.App
	threads *service.ThreadService
}

// setupServerApp builds the server routes with unconfigured external clients,
// so generation falls back to mock content. A local asynq server drains the
// generate queue.
func setupServerApp(t *testing.T) *testApp {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: testRedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, redisClient.FlushDB(ctx).Err())

	redisOpt := asynq.RedisClientOpt{Addr: "localhost:6379", DB: testRedisDB}
	asynqClient := asynq.NewClient(redisOpt)

	agent := &config.AgentConfig{
		ApprovalTimeout: 20 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		MaxWait:         15 * time.Second,
	}
	validate := response.NewValidator()

	hub := ws.NewHub(nil)
	go hub.Run(ctx)
	broker := ws.NewApprovalBroker(redisClient, nil)

	threads := service.NewThreadService(redisClient, asynqClient, service.NewUploadService(nil, nil), agent, nil)
	generator := service.NewGenerator(client.NewGroqClient(&config.GroqConfig{}), nil)
	worklets := service.NewWorkletService(threads, generator, nil)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{service.QueueGenerate: 1},
		LogLevel:    asynq.ErrorLevel,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TypeGenerate, worker.NewGenerateWorker(threads, generator, hub, broker, agent, nil).ProcessTask)
	require.NoError(t, srv.Start(mux))

	t.Cleanup(func() {
		srv.Shutdown()
		asynqClient.Close()
		redisClient.FlushDB(context.Background())
		redisClient.Close()
	})

	threadHandler := NewThreadHandler(threads, validate, nil)
	workletHandler := NewWorkletHandler(worklets, validate)
	healthHandler := NewHealthHandler(redisClient, "test")

	authMiddleware := middleware.NewAuthMiddleware(nil, testJWTSecret)
	authenticate := authMiddleware.Authenticate()
	rateLimiter := middleware.NewRateLimiter(redisClient, nil)

	app := fiber.New(fiber.Config{BodyLimit: 50 * 1024 * 1024})
	app.Get("/health", healthHandler.Check)
	app.Get("/auth/verify", NewAuthHandler(authMiddleware).Verify)

	// very high limits so tests don't get blocked
	app.Post("/generate", authenticate, rateLimiter.GenerateLimit(10000), threadHandler.Generate)
	thread := app.Group("/thread", authenticate)
	thread.Get("/all", threadHandler.List)
	thread.Get("/:threadId", threadHandler.Get)
	thread.Delete("/delete/:threadId", threadHandler.Delete)
	app.Post("/iterate", authenticate, rateLimiter.IterateLimit(10000), workletHandler.Iterate)
	app.Post("/select", authenticate, workletHandler.Select)
	iterations := app.Group("/worklet-iterations", authenticate)
	iterations.Post("/enhance", workletHandler.Enhance)
	iterations.Post("/select-default", workletHandler.SelectDefault)

	return &testApp{app: app, threads: threads}
}

// generateToken mints a service token for userID
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.MintServiceToken(testJWTSecret, userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)
	return token
}

// doRequest performs a request against app
func doRequest(app *fiber.App, method, path, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return app.Test(req, -1)
}

// doAuthRequest performs a request authenticated as userID
func doAuthRequest(t *testing.T, app *fiber.App, userID, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, userID),
	})
	require.NoError(t, err)
	return resp
}

// multipartBody encodes fields plus optional files under "files"
func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

// doMultipart posts a multipart form, authenticated when userID is set
func doMultipart(t *testing.T, app *fiber.App, userID, path string, fields, files map[string]string) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, fields, files)
	req, err := http.NewRequest(http.MethodPost, path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+generateToken(t, userID))
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

// readBody reads and returns the response body as a string
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// decodeBody decodes the response body into out
func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	body := readBody(t, resp)
	require.NoError(t, json.Unmarshal([]byte(body), out), "body: %s", body)
}

// assertStatus checks the status code and prints the body on mismatch
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d: %s", expected, resp.StatusCode, readBody(t, resp))
	}
}
