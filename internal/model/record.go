package model

import (
	"encoding/json"
	"time"
)

// StoredAttachment is an uploaded file kept alongside its thread
type StoredAttachment struct {
	Filename    string `json:"filename"`
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// ThreadRecord is the server-side persisted form of a thread
type ThreadRecord struct {
	Thread
	OwnerID     string             `json:"owner_id"`
	Status      ThreadStatus       `json:"status"`
	Stage       string             `json:"stage,omitempty"`
	Error       string             `json:"error,omitempty"`
	Attachments []StoredAttachment `json:"attachments"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// Done reports whether the pipeline of the thread reached a final state
func (r *ThreadRecord) Done() bool {
	return r.Status == ThreadStatusSucceeded || r.Status == ThreadStatusFailed
}

// GenerateTaskPayload is the queued unit of work of the generation pipeline
type GenerateTaskPayload struct {
	ThreadID string `json:"threadId"`
	OwnerID  string `json:"ownerId"`
}

// ThreadListResponse is returned by the thread listing endpoint
type ThreadListResponse struct {
	Threads []Thread `json:"threads"`
}

// GenerateResponseFor builds the creation answer for a finished thread
func GenerateResponseFor(rec *ThreadRecord) (*GenerateResponse, error) {
	worklets := make([]json.RawMessage, 0, len(rec.Worklets))
	for _, b := range rec.Worklets {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		worklets = append(worklets, data)
	}
	return &GenerateResponse{
		ThreadID:     rec.ThreadID,
		Worklets:     worklets,
		WorkletCount: len(worklets),
	}, nil
}
