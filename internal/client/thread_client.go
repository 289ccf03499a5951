package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/workletforge/studio/internal/config"
	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/normalize"
)

// ThreadClient talks to the worklet API on behalf of the coordinator
type ThreadClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewThreadClient creates a worklet API client
func NewThreadClient(cfg *config.StudioConfig) *ThreadClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 35 * time.Minute
	}
	return &ThreadClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.APIURL,
		token:      cfg.Token,
	}
}

// CreateThread issues the creation call. The server answers once the pipeline
// completed, so this blocks for the whole generation.
func (c *ThreadClient) CreateThread(ctx context.Context, threadID string, form model.GenerateForm) (*model.GenerateResponse, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	links, err := json.Marshal(nonNil(form.Links))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal links: %w", err)
	}
	fields := []struct{ key, value string }{
		{"thread_id", threadID},
		{"thread_name", form.ThreadName},
		{"cluster_id", form.ClusterID},
		{"custom_prompt", form.CustomPrompt},
		{"count", strconv.Itoa(form.Count)},
		{"links", string(links)},
	}
	for _, f := range fields {
		if err := w.WriteField(f.key, f.value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", f.key, err)
		}
	}
	for _, file := range form.Files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, file.Filename))
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, fmt.Errorf("failed to write file part: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	var resp model.GenerateResponse
	if err := c.doRequest(ctx, http.MethodPost, "/generate/", &body, w.FormDataContentType(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListThreads returns every thread, normalized
func (c *ThreadClient) ListThreads(ctx context.Context) ([]model.Thread, error) {
	var raw struct {
		Threads []json.RawMessage `json:"threads"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/thread/all", nil, &raw); err != nil {
		return nil, err
	}
	threads := make([]model.Thread, 0, len(raw.Threads))
	for _, entry := range raw.Threads {
		threads = append(threads, normalize.Thread(entry))
	}
	return threads, nil
}

// GetThread fetches the canonical snapshot of one thread
func (c *ThreadClient) GetThread(ctx context.Context, threadID string) (model.Thread, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/thread/"+url.PathEscape(threadID), nil, &raw); err != nil {
		return model.Thread{}, err
	}
	return normalize.Thread(raw), nil
}

// DeleteThread removes a thread on the server
func (c *ThreadClient) DeleteThread(ctx context.Context, threadID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/thread/delete/"+url.PathEscape(threadID), nil, nil)
}

// IterateField asks for a new candidate of one field
func (c *ThreadClient) IterateField(ctx context.Context, req model.IterateFieldRequest) (*model.IterateFieldResponse, error) {
	var resp model.IterateFieldResponse
	if err := c.doJSON(ctx, http.MethodPost, "/iterate/", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SelectField points a field at an existing candidate
func (c *ThreadClient) SelectField(ctx context.Context, req model.SelectFieldRequest) (*model.SelectFieldResponse, error) {
	var resp model.SelectFieldResponse
	if err := c.doJSON(ctx, http.MethodPost, "/select/", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EnhanceWorklet asks for a whole new iteration of a worklet
func (c *ThreadClient) EnhanceWorklet(ctx context.Context, req model.EnhanceWorkletRequest) (*model.EnhanceWorkletResponse, error) {
	var resp model.EnhanceWorkletResponse
	if err := c.doJSON(ctx, http.MethodPost, "/worklet-iterations/enhance", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SelectIteration makes an iteration the default of its worklet
func (c *ThreadClient) SelectIteration(ctx context.Context, req model.SelectIterationRequest) (*model.SelectIterationResponse, error) {
	var resp model.SelectIterationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/worklet-iterations/select-default", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *ThreadClient) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.doRequest(ctx, method, path, body, contentType, out)
}

func (c *ThreadClient) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, respBody)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
