// Package coordinator drives the generation lifecycle of threads: optimistic
// submission, the initialization placeholder, progress relay, the two approval
// handshakes, completion and the iterate sub-protocols.
//
// All state lives inside a single actor goroutine started by Run. Public
// methods hand closures to that goroutine and network calls run outside it,
// posting their results back. Consumers read immutable View snapshots.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/realtime"
	"github.com/workletforge/studio/internal/store"
)

// InitPlaceholder is the synthetic progress message shown while a fresh
// thread waits for its first real status update
const InitPlaceholder = "Initializing pipeline"

var (
	ErrClosed     = errors.New("coordinator closed")
	ErrScopeBusy  = errors.New("another operation is in progress for this worklet")
	ErrNoApproval = errors.New("no approval pending for this thread")
)

// API is the request/response surface of the worklet server
type API interface {
	CreateThread(ctx context.Context, threadID string, form model.GenerateForm) (*model.GenerateResponse, error)
	ListThreads(ctx context.Context) ([]model.Thread, error)
	GetThread(ctx context.Context, threadID string) (model.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	IterateField(ctx context.Context, req model.IterateFieldRequest) (*model.IterateFieldResponse, error)
	SelectField(ctx context.Context, req model.SelectFieldRequest) (*model.SelectFieldResponse, error)
	EnhanceWorklet(ctx context.Context, req model.EnhanceWorkletRequest) (*model.EnhanceWorkletResponse, error)
	SelectIteration(ctx context.Context, req model.SelectIterationRequest) (*model.SelectIterationResponse, error)
}

// Options tunes a Coordinator. Zero values pick the defaults.
type Options struct {
	InitWait time.Duration
	Logger   *zap.Logger
	Validate *validator.Validate
	NewID    func() string
	Now      func() time.Time
}

// Coordinator owns the thread list, the live view and every Job Record Store
// mutation of one studio session
type Coordinator struct {
	api   API
	mux   *realtime.Multiplexer
	store *store.Store
	log   *zap.Logger

	validate *validator.Validate
	initWait time.Duration
	newID    func() string
	now      func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	actions chan func()
	done    chan struct{}
	runOnce sync.Once

	// actor state, touched only from Run
	threads   []model.Thread
	selected  string
	showForm  bool
	formDraft *model.GenerateForm
	loading   bool
	live      *model.ProgressMessage
	worklets  []model.WorkletBundle
	modals    []Modal
	notFound  *NotFound
	phases    map[string]model.Phase
	scopes    map[string]model.ScopeState
	revision  uint64
	notices   []Notice

	initTimer *time.Timer
	initToken uint64
	initJob   string
	fetchSeq  uint64

	subMu       sync.Mutex
	subscribers map[uint64]chan Update
	nextSub     uint64
}

// New creates a Coordinator. Run must be started before any other method is used.
func New(api API, mux *realtime.Multiplexer, st *store.Store, opts Options) *Coordinator {
	if opts.InitWait <= 0 {
		opts.InitWait = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Validate == nil {
		opts.Validate = validator.New()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		api:         api,
		mux:         mux,
		store:       st,
		log:         opts.Logger.Named("coordinator"),
		validate:    opts.Validate,
		initWait:    opts.InitWait,
		newID:       opts.NewID,
		now:         opts.Now,
		ctx:         ctx,
		cancel:      cancel,
		actions:     make(chan func(), 256),
		done:        make(chan struct{}),
		phases:      make(map[string]model.Phase),
		scopes:      make(map[string]model.ScopeState),
		subscribers: make(map[uint64]chan Update),
	}
}

// Run processes actions until ctx is cancelled or Close is called
func (c *Coordinator) Run(ctx context.Context) {
	c.runOnce.Do(func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				c.shutdown()
				return
			case <-c.ctx.Done():
				c.shutdown()
				return
			case fn := <-c.actions:
				fn()
				c.publish()
			}
		}
	})
}

// Close tears down the active binding and the pending init timer
func (c *Coordinator) Close() {
	c.cancel()
	<-c.done
}

func (c *Coordinator) shutdown() {
	c.stopInit()
	c.mux.Unbind()
	c.subMu.Lock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	c.subMu.Unlock()
	c.log.Info("coordinator stopped")
}

// post queues fn on the actor. It reports false once the actor is gone.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.actions <- fn:
		return true
	case <-c.done:
		return false
	case <-c.ctx.Done():
		return false
	}
}

// call runs fn on the actor and waits for it
func (c *Coordinator) call(fn func()) error {
	finished := make(chan struct{})
	if !c.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Sync waits until every action queued before it has been applied
func (c *Coordinator) Sync() error {
	return c.call(func() {})
}

func (c *Coordinator) notify(level model.NoticeLevel, message string) {
	c.notices = append(c.notices, Notice{Level: level, Message: message})
	switch level {
	case model.NoticeError:
		c.log.Warn(message)
	default:
		c.log.Debug(message)
	}
}

func (c *Coordinator) phase(jobID string) model.Phase {
	if p, ok := c.phases[jobID]; ok {
		return p
	}
	return model.PhaseIdle
}

func (c *Coordinator) setPhase(jobID string, p model.Phase) {
	if prev := c.phase(jobID); prev != p {
		c.log.Debug("phase changed",
			zap.String("thread_id", jobID),
			zap.String("from", string(prev)),
			zap.String("to", string(p)),
		)
	}
	c.phases[jobID] = p
}

func (c *Coordinator) threadIndex(jobID string) int {
	for i := range c.threads {
		if c.threads[i].ThreadID == jobID {
			return i
		}
	}
	return -1
}

// updateThread replaces the thread entry of jobID with fn applied to a copy
func (c *Coordinator) updateThread(jobID string, fn func(model.Thread) model.Thread) {
	i := c.threadIndex(jobID)
	if i < 0 {
		return
	}
	threads := append([]model.Thread(nil), c.threads...)
	threads[i] = fn(threads[i])
	c.threads = threads
}

func (c *Coordinator) removeThread(jobID string) {
	i := c.threadIndex(jobID)
	if i < 0 {
		return
	}
	threads := make([]model.Thread, 0, len(c.threads)-1)
	threads = append(threads, c.threads[:i]...)
	c.threads = append(threads, c.threads[i+1:]...)
}

// startInit shows the placeholder for jobID and arms the bounded wait
func (c *Coordinator) startInit(jobID string) {
	c.stopInit()
	c.initToken++
	token := c.initToken
	c.initJob = jobID
	c.live = &model.ProgressMessage{Message: InitPlaceholder, Timestamp: c.now().UnixMilli()}
	c.initTimer = time.AfterFunc(c.initWait, func() {
		c.post(func() { c.expireInit(token) })
	})
}

func (c *Coordinator) expireInit(token uint64) {
	if token != c.initToken || c.initJob == "" {
		return
	}
	jobID := c.initJob
	c.log.Info("no progress before init wait expired", zap.String("thread_id", jobID))
	c.stopInit()
	if c.selected == jobID && c.live != nil && c.live.Message == InitPlaceholder {
		c.live = nil
	}
}

// stopInit disarms the bounded wait. The waiting job leaves Initializing
// whether or not it is still on screen.
func (c *Coordinator) stopInit() {
	if c.initTimer != nil {
		c.initTimer.Stop()
		c.initTimer = nil
	}
	if c.initJob != "" && c.phase(c.initJob) == model.PhaseInitializing {
		c.setPhase(c.initJob, model.PhaseStreaming)
	}
	c.initJob = ""
	c.initToken++
}

// Progress implements realtime.Sink
func (c *Coordinator) Progress(jobID string, msg model.ProgressMessage) {
	c.post(func() {
		c.store.AppendProgress(jobID, msg)
		if c.initJob == jobID {
			c.stopInit()
		}
		if c.phase(jobID) == model.PhaseInitializing {
			c.setPhase(jobID, model.PhaseStreaming)
		}
		if c.selected == jobID {
			m := msg
			c.live = &m
		}
	})
}

// TopicApproval implements realtime.Sink
func (c *Coordinator) TopicApproval(jobID string, req model.TopicApprovalPayload) {
	c.post(func() {
		c.setPhase(jobID, model.PhaseAwaitingTopicApproval)
		c.raiseModal(Modal{
			Kind:     model.ModalTopicApproval,
			ThreadID: jobID,
			Message:  req.Message,
			Topics:   model.DomainsKeywords{Domains: req.Domains, Keywords: req.Keywords},
		})
	})
}

// WebApproval implements realtime.Sink
func (c *Coordinator) WebApproval(jobID string, req model.WebApprovalPayload) {
	c.post(func() {
		c.setPhase(jobID, model.PhaseAwaitingWebApproval)
		c.raiseModal(Modal{
			Kind:     model.ModalWebApproval,
			ThreadID: jobID,
			Queries:  append([]string(nil), req.Queries...),
		})
	})
}

// Artifact implements realtime.Sink
func (c *Coordinator) Artifact(jobID string, bundle model.WorkletBundle) {
	c.post(func() {
		c.store.AppendArtifact(jobID, bundle)
		if c.selected == jobID {
			c.worklets = store.MergeBundle(c.worklets, bundle)
		}
	})
}

var _ realtime.Sink = (*Coordinator)(nil)
