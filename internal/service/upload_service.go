package service

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/client"
	"github.com/workletforge/studio/internal/model"
)

// UploadService stores thread attachments
type UploadService struct {
	storage client.StorageClient
	log     *zap.Logger
}

// NewUploadService creates an upload service. A nil storage makes every
// upload succeed with a mock URL.
func NewUploadService(storage client.StorageClient, log *zap.Logger) *UploadService {
	if log == nil {
		log = zap.NewNop()
	}
	return &UploadService{storage: storage, log: log.Named("uploads")}
}

func threadPrefix(threadID string) string {
	return "attachments/" + threadID + "/"
}

func attachmentKey(threadID, filename string) string {
	name := strings.ReplaceAll(filepath.Base(filename), " ", "_")
	return threadPrefix(threadID) + uuid.New().String() + "-" + name
}

// SaveAttachments uploads every file of a creation call
func (s *UploadService) SaveAttachments(ctx context.Context, threadID string, files []model.Attachment) ([]model.StoredAttachment, error) {
	stored := make([]model.StoredAttachment, 0, len(files))
	for _, file := range files {
		key := attachmentKey(threadID, file.Filename)
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		url := fmt.Sprintf("https://cdn.worklets.local/%s", key)
		if s.storage != nil {
			var err error
			url, err = s.storage.Put(ctx, client.AttachmentObject{
				Key:         key,
				ThreadID:    threadID,
				Filename:    file.Filename,
				ContentType: contentType,
				Size:        int64(len(file.Data)),
				Body:        bytes.NewReader(file.Data),
			})
			if err != nil {
				s.DeleteAttachments(ctx, stored)
				return nil, fmt.Errorf("failed to upload %s: %w", file.Filename, err)
			}
		}

		stored = append(stored, model.StoredAttachment{
			Filename:    file.Filename,
			Key:         key,
			URL:         url,
			ContentType: contentType,
			Size:        int64(len(file.Data)),
		})
	}
	return stored, nil
}

// DeleteAttachments removes stored files. Failures are logged and skipped.
func (s *UploadService) DeleteAttachments(ctx context.Context, attachments []model.StoredAttachment) {
	if s.storage == nil || len(attachments) == 0 {
		return
	}
	keys := make([]string, 0, len(attachments))
	for _, a := range attachments {
		keys = append(keys, a.Key)
	}
	if err := s.storage.Remove(ctx, keys...); err != nil {
		s.log.Warn("failed to delete attachments", zap.Strings("keys", keys), zap.Error(err))
	}
}

// PurgeThread removes everything stored under a thread, including uploads
// whose record never made it to redis.
func (s *UploadService) PurgeThread(ctx context.Context, threadID string) {
	if s.storage == nil {
		return
	}
	n, err := s.storage.RemovePrefix(ctx, threadPrefix(threadID))
	if err != nil {
		s.log.Warn("failed to purge thread attachments", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	s.log.Debug("purged thread attachments", zap.String("thread_id", threadID), zap.Int("count", n))
}
