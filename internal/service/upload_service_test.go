package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workletforge/studio/internal/client"
	"github.com/workletforge/studio/internal/model"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string]client.AttachmentObject
	failOn  string
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string]client.AttachmentObject)}
}

func (m *memStorage) Put(ctx context.Context, obj client.AttachmentObject) (string, error) {
	if m.failOn != "" && obj.Filename == m.failOn {
		return "", errors.New("bucket unavailable")
	}
	if _, err := io.ReadAll(obj.Body); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.Key] = obj
	return "https://files.test/" + obj.Key, nil
}

func (m *memStorage) Remove(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func (m *memStorage) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

func (m *memStorage) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func TestUploadService_SaveAttachments(t *testing.T) {
	storage := newMemStorage()
	uploads := NewUploadService(storage, nil)

	stored, err := uploads.SaveAttachments(context.Background(), "t-1", []model.Attachment{
		{Filename: "brief notes.txt", ContentType: "text/plain", Data: []byte("hello")},
		{Filename: "diagram.png", Data: []byte{0x89, 0x50}},
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)

	assert.True(t, strings.HasPrefix(stored[0].Key, "attachments/t-1/"))
	assert.True(t, strings.HasSuffix(stored[0].Key, "-brief_notes.txt"))
	assert.Equal(t, "https://files.test/"+stored[0].Key, stored[0].URL)
	assert.Equal(t, int64(5), stored[0].Size)
	assert.Equal(t, "application/octet-stream", stored[1].ContentType)

	obj := storage.objects[stored[0].Key]
	assert.Equal(t, "t-1", obj.ThreadID)
	assert.Equal(t, "brief notes.txt", obj.Filename)
}

func TestUploadService_RollsBackOnFailure(t *testing.T) {
	storage := newMemStorage()
	storage.failOn = "second.txt"
	uploads := NewUploadService(storage, nil)

	_, err := uploads.SaveAttachments(context.Background(), "t-1", []model.Attachment{
		{Filename: "first.txt", Data: []byte("a")},
		{Filename: "second.txt", Data: []byte("b")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second.txt")
	assert.Zero(t, storage.len())
}

func TestUploadService_PurgeThread(t *testing.T) {
	storage := newMemStorage()
	uploads := NewUploadService(storage, nil)
	ctx := context.Background()

	_, err := uploads.SaveAttachments(ctx, "t-1", []model.Attachment{{Filename: "a.txt", Data: []byte("a")}})
	require.NoError(t, err)
	_, err = uploads.SaveAttachments(ctx, "t-2", []model.Attachment{{Filename: "b.txt", Data: []byte("b")}})
	require.NoError(t, err)

	uploads.PurgeThread(ctx, "t-1")
	assert.Equal(t, 1, storage.len())
}

func TestUploadService_NoStorageUsesMockURLs(t *testing.T) {
	uploads := NewUploadService(nil, nil)

	stored, err := uploads.SaveAttachments(context.Background(), "t-1", []model.Attachment{{Filename: "a.txt", Data: []byte("a")}})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, strings.HasPrefix(stored[0].URL, "https://cdn.worklets.local/attachments/t-1/"))

	uploads.PurgeThread(context.Background(), "t-1")
}
