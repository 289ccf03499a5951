package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/config"
	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/normalize"
	"github.com/workletforge/studio/internal/store"
)

const (
	TypeGenerate     = "generate:process"
	QueueGenerate    = "generate"
	DefaultClusterID = "default"

	maxUpdateRetries = 10
)

func threadKey(threadID string) string { return fmt.Sprintf("thread:%s", threadID) }
func ownerIndexKey(ownerID string) string { return fmt.Sprintf("threads:%s", ownerID) }
func workletKey(workletID string) string  { return fmt.Sprintf("worklet:%s", workletID) }
func clusterKey(clusterID string) string  { return fmt.Sprintf("cluster:%s", clusterID) }

// ThreadService persists threads in redis and queues their generation
type ThreadService struct {
	redis        *redis.Client
	asynqClient  *asynq.Client
	uploads      *UploadService
	pollInterval time.Duration
	maxWait      time.Duration
	log          *zap.Logger
}

func NewThreadService(redisClient *redis.Client, asynqClient *asynq.Client, uploads *UploadService, cfg *config.AgentConfig, log *zap.Logger) *ThreadService {
	if log == nil {
		log = zap.NewNop()
	}
	s := &ThreadService{
		redis:        redisClient,
		asynqClient:  asynqClient,
		uploads:      uploads,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		log:          log.Named("threads"),
	}
	if s.pollInterval <= 0 {
		s.pollInterval = time.Second
	}
	if s.maxWait <= 0 {
		s.maxWait = 30 * time.Minute
	}
	return s
}

func newGenerateTask(payload model.GenerateTaskPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeGenerate, data), nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(normalize.TimestampLayout)
}

// RegisterCluster records an owning group so threads can be created in it
func (s *ThreadService) RegisterCluster(ctx context.Context, clusterID, name string) error {
	data, err := json.Marshal(model.Cluster{ClusterID: clusterID, ClusterName: name, CreatedAt: timestamp(time.Now())})
	if err != nil {
		return err
	}
	return s.redis.SetNX(ctx, clusterKey(clusterID), data, 0).Err()
}

func (s *ThreadService) ensureCluster(ctx context.Context, clusterID string) error {
	if clusterID == DefaultClusterID {
		return s.RegisterCluster(ctx, DefaultClusterID, "Default")
	}
	n, err := s.redis.Exists(ctx, clusterKey(clusterID)).Result()
	if err != nil {
		return fmt.Errorf("failed to look up cluster: %w", err)
	}
	if n == 0 {
		return ErrClusterMissing
	}
	return nil
}

// Create stores a new thread, uploads its attachments and queues its
// generation. An empty threadID gets a generated one.
func (s *ThreadService) Create(ctx context.Context, ownerID, threadID string, form model.GenerateForm) (*model.ThreadRecord, error) {
	if threadID == "" {
		threadID = uuid.New().String()
	}
	if err := s.ensureCluster(ctx, form.ClusterID); err != nil {
		return nil, err
	}

	now := time.Now()
	links := form.Links
	if links == nil {
		links = []string{}
	}
	rec := &model.ThreadRecord{
		Thread: model.Thread{
			ThreadID:     threadID,
			ThreadName:   form.ThreadName,
			ClusterID:    form.ClusterID,
			CustomPrompt: form.CustomPrompt,
			Links:        links,
			Files:        form.Filenames(),
			Count:        form.Count,
			CreatedAt:    timestamp(now),
			Worklets:     []model.WorkletBundle{},
		},
		OwnerID:     ownerID,
		Status:      model.ThreadStatusQueued,
		Attachments: []model.StoredAttachment{},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal thread: %w", err)
	}
	created, err := s.redis.SetNX(ctx, threadKey(threadID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to save thread: %w", err)
	}
	if !created {
		return nil, ErrThreadExists
	}

	if len(form.Files) > 0 {
		attachments, err := s.uploads.SaveAttachments(ctx, threadID, form.Files)
		if err != nil {
			s.redis.Del(ctx, threadKey(threadID))
			return nil, err
		}
		rec, err = s.update(ctx, threadID, func(r *model.ThreadRecord) error {
			r.Attachments = attachments
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if err := s.redis.ZAdd(ctx, ownerIndexKey(ownerID), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: threadID,
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to index thread: %w", err)
	}

	task, err := newGenerateTask(model.GenerateTaskPayload{ThreadID: threadID, OwnerID: ownerID})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if _, err := s.asynqClient.Enqueue(task,
		asynq.Queue(QueueGenerate),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	); err != nil {
		s.purge(ctx, rec)
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.log.Info("thread queued", zap.String("thread_id", threadID), zap.String("owner_id", ownerID), zap.Int("count", form.Count))
	return rec, nil
}

// Wait polls the record of threadID until its pipeline finished
func (s *ThreadService) Wait(ctx context.Context, threadID string) (*model.ThreadRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.maxWait)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		rec, _, err := s.load(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if rec.Done() {
			if rec.Status == model.ThreadStatusFailed {
				return rec, fmt.Errorf("%w: %s", ErrGenerationFailed, rec.Error)
			}
			return rec, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrWaitTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// List returns the threads of ownerID, newest first
func (s *ThreadService) List(ctx context.Context, ownerID string) ([]model.Thread, error) {
	ids, err := s.redis.ZRevRange(ctx, ownerIndexKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	threads := make([]model.Thread, 0, len(ids))
	if len(ids) == 0 {
		return threads, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = threadKey(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load threads: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			s.redis.ZRem(ctx, ownerIndexKey(ownerID), ids[i])
			continue
		}
		rec, _, err := decodeRecord([]byte(raw))
		if err != nil {
			s.log.Warn("skipping unreadable thread", zap.String("thread_id", ids[i]), zap.Error(err))
			continue
		}
		threads = append(threads, rec.Thread)
	}
	return threads, nil
}

// Get returns a thread owned by ownerID. Records holding legacy worklets are
// upgraded and written back, so their generated ids stay stable.
func (s *ThreadService) Get(ctx context.Context, ownerID, threadID string) (*model.ThreadRecord, error) {
	rec, legacy, err := s.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, ErrThreadNotFound
	}
	if legacy {
		return s.update(ctx, threadID, func(*model.ThreadRecord) error { return nil })
	}
	return rec, nil
}

// Load returns a thread regardless of its owner
func (s *ThreadService) Load(ctx context.Context, threadID string) (*model.ThreadRecord, error) {
	rec, _, err := s.load(ctx, threadID)
	return rec, err
}

// Delete removes a thread owned by ownerID with its index entries and attachments
func (s *ThreadService) Delete(ctx context.Context, ownerID, threadID string) error {
	rec, _, err := s.load(ctx, threadID)
	if err != nil {
		return err
	}
	if rec.OwnerID != ownerID {
		return ErrThreadNotFound
	}
	if err := s.purge(ctx, rec); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	s.log.Info("thread deleted", zap.String("thread_id", threadID))
	return nil
}

func (s *ThreadService) purge(ctx context.Context, rec *model.ThreadRecord) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, threadKey(rec.ThreadID))
		pipe.ZRem(ctx, ownerIndexKey(rec.OwnerID), rec.ThreadID)
		for _, b := range rec.Worklets {
			pipe.Del(ctx, workletKey(b.WorkletID))
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.uploads.PurgeThread(ctx, rec.ThreadID)
	return nil
}

// ThreadOfWorklet resolves the thread holding workletID
func (s *ThreadService) ThreadOfWorklet(ctx context.Context, workletID string) (string, error) {
	threadID, err := s.redis.Get(ctx, workletKey(workletID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrWorkletNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up worklet: %w", err)
	}
	return threadID, nil
}

// UpdateBundle applies fn to the bundle workletID inside its thread
func (s *ThreadService) UpdateBundle(ctx context.Context, workletID string, fn func(*model.WorkletBundle) error) (*model.WorkletBundle, error) {
	threadID, err := s.ThreadOfWorklet(ctx, workletID)
	if err != nil {
		return nil, err
	}

	var out model.WorkletBundle
	_, err = s.update(ctx, threadID, func(rec *model.ThreadRecord) error {
		for i := range rec.Worklets {
			if rec.Worklets[i].WorkletID != workletID {
				continue
			}
			if err := fn(&rec.Worklets[i]); err != nil {
				return err
			}
			out = rec.Worklets[i]
			return nil
		}
		return ErrWorkletNotFound
	})
	if errors.Is(err, ErrThreadNotFound) {
		return nil, ErrWorkletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Bundle returns the current state of workletID
func (s *ThreadService) Bundle(ctx context.Context, workletID string) (*model.WorkletBundle, error) {
	threadID, err := s.ThreadOfWorklet(ctx, workletID)
	if err != nil {
		return nil, err
	}
	rec, _, err := s.load(ctx, threadID)
	if errors.Is(err, ErrThreadNotFound) {
		return nil, ErrWorkletNotFound
	}
	if err != nil {
		return nil, err
	}
	for _, b := range rec.Worklets {
		if b.WorkletID == workletID {
			return &b, nil
		}
	}
	return nil, ErrWorkletNotFound
}

// MarkRunning flags the pipeline of threadID as started
func (s *ThreadService) MarkRunning(ctx context.Context, threadID string) error {
	_, err := s.update(ctx, threadID, func(rec *model.ThreadRecord) error {
		rec.Status = model.ThreadStatusRunning
		if rec.StartedAt == nil {
			now := time.Now()
			rec.StartedAt = &now
		}
		return nil
	})
	return err
}

// SetStage records the current pipeline stage
func (s *ThreadService) SetStage(ctx context.Context, threadID, stage string) error {
	_, err := s.update(ctx, threadID, func(rec *model.ThreadRecord) error {
		rec.Stage = stage
		return nil
	})
	return err
}

// AppendWorklet upserts a generated bundle into its thread
func (s *ThreadService) AppendWorklet(ctx context.Context, threadID string, bundle model.WorkletBundle) error {
	_, err := s.update(ctx, threadID, func(rec *model.ThreadRecord) error {
		rec.Worklets = store.MergeBundle(rec.Worklets, bundle)
		return nil
	})
	return err
}

// Complete marks the thread generated
func (s *ThreadService) Complete(ctx context.Context, threadID string) error {
	_, err := s.update(ctx, threadID, func(rec *model.ThreadRecord) error {
		now := time.Now()
		rec.Status = model.ThreadStatusSucceeded
		rec.Generated = true
		rec.Stage = ""
		rec.CompletedAt = &now
		return nil
	})
	return err
}

// Fail marks the pipeline of threadID as failed with message
func (s *ThreadService) Fail(ctx context.Context, threadID, message string) error {
	_, err := s.update(ctx, threadID, func(rec *model.ThreadRecord) error {
		now := time.Now()
		rec.Status = model.ThreadStatusFailed
		rec.Error = message
		rec.CompletedAt = &now
		return nil
	})
	return err
}

// Helper methods

// storedRecord reads worklets raw so legacy shapes survive decoding
type storedRecord struct {
	model.ThreadRecord
	Worklets json.RawMessage `json:"worklets"`
}

func decodeRecord(data []byte) (*model.ThreadRecord, bool, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal thread: %w", err)
	}
	rec := stored.ThreadRecord
	rec.Worklets = normalize.Bundles(stored.Worklets)
	return &rec, !isCanonical(stored.Worklets), nil
}

// isCanonical reports whether raw already is a list of bundles with stable ids
func isCanonical(raw json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	var bundles []model.WorkletBundle
	if err := json.Unmarshal(raw, &bundles); err != nil {
		return false
	}
	for _, b := range bundles {
		if b.WorkletID == "" || len(b.Iterations) == 0 {
			return false
		}
		for _, it := range b.Iterations {
			if it.IterationID == "" {
				return false
			}
		}
	}
	return true
}

func (s *ThreadService) load(ctx context.Context, threadID string) (*model.ThreadRecord, bool, error) {
	data, err := s.redis.Get(ctx, threadKey(threadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, ErrThreadNotFound
		}
		return nil, false, err
	}
	return decodeRecord(data)
}

// update runs fn on the current record under optimistic locking and writes
// the result back together with the worklet index of the thread
func (s *ThreadService) update(ctx context.Context, threadID string, fn func(*model.ThreadRecord) error) (*model.ThreadRecord, error) {
	key := threadKey(threadID)
	var out *model.ThreadRecord

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrThreadNotFound
		}
		if err != nil {
			return err
		}
		rec, _, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		next, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal thread: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			for _, b := range rec.Worklets {
				pipe.Set(ctx, workletKey(b.WorkletID), threadID, 0)
			}
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("thread %s: too many concurrent updates", threadID)
}
