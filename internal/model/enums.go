package model

// Lifecycle phase of one thread as seen by the coordinator
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseSubmitting            Phase = "submitting"
	PhaseInitializing          Phase = "initializing"
	PhaseStreaming             Phase = "streaming"
	PhaseAwaitingTopicApproval Phase = "awaiting_topic_approval"
	PhaseAwaitingWebApproval   Phase = "awaiting_web_approval"
	PhaseCompleted             Phase = "completed"
)

// Busy state of one iterate scope (a field or a whole bundle)
type ScopeState string

const (
	ScopeIdle      ScopeState = "idle"
	ScopeIterating ScopeState = "iterating"
	ScopeSelecting ScopeState = "selecting"
	ScopeEnhancing ScopeState = "enhancing"
)

// Pipeline status of a thread on the server
type ThreadStatus string

const (
	ThreadStatusQueued    ThreadStatus = "queued"
	ThreadStatusRunning   ThreadStatus = "running"
	ThreadStatusSucceeded ThreadStatus = "succeeded"
	ThreadStatusFailed    ThreadStatus = "failed"
)

// Modal kinds raised by approval requests
type ModalKind string

const (
	ModalTopicApproval ModalKind = "topic_approval"
	ModalWebApproval   ModalKind = "web_approval"
)

// Notice levels
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)
