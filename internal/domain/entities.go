// Package domain defines the orchestrator's entities and ports.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrNoWorkers       = errors.New("no available workers")
	ErrLimitReached    = errors.New("concurrency limit reached")
	ErrInternal        = errors.New("internal error")
)

// WorkItemType enumerates the kinds of work the orchestrator schedules.
type WorkItemType string

const (
	TypeBug      WorkItemType = "bug"
	TypeFeature  WorkItemType = "feature"
	TypeTask     WorkItemType = "task"
	TypeResearch WorkItemType = "research"
)

// WorkItemStatus is the workflow state of a work item.
type WorkItemStatus string

const (
	StatusBacklog    WorkItemStatus = "backlog"
	StatusReady      WorkItemStatus = "ready"
	StatusInProgress WorkItemStatus = "in_progress"
	StatusReview     WorkItemStatus = "review"
	StatusDone       WorkItemStatus = "done"
)

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerWorking    WorkerStatus = "working"
	WorkerPaused     WorkerStatus = "paused"
	WorkerError      WorkerStatus = "error"
	WorkerTerminated WorkerStatus = "terminated"
)

// WorkerRole is the phase a worker plays on a given item.
type WorkerRole string

const (
	RoleRefiner     WorkerRole = "refiner"
	RoleImplementer WorkerRole = "implementer"
	RoleTester      WorkerRole = "tester"
	RoleReviewer    WorkerRole = "reviewer"
)

// WorkItem is an atomic unit of work with a lifecycle
// backlog -> ready -> in_progress -> review -> done.
type WorkItem struct {
	ID              string
	Type            WorkItemType
	Status          WorkItemStatus
	RepositoryID    string
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SuccessCriteria []string
	LinkedFiles     []string
	// BlockedBy lists item ids that must reach done before this item is processable.
	BlockedBy []string
	// ChildIDs lists dependent items; used for priority boosting.
	ChildIDs    []string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// WorkerTemplate constrains which work-item types a worker can accept.
type WorkerTemplate struct {
	ID string
	// AllowedTypes may contain the wildcard "*".
	AllowedTypes []WorkItemType
	DefaultRole  WorkerRole
}

// Accepts reports whether the template allows the given work-item type.
func (t WorkerTemplate) Accepts(typ WorkItemType) bool {
	for _, a := range t.AllowedTypes {
		if a == "*" || a == typ {
			return true
		}
	}
	return false
}

// Worker is a long-lived compute agent owned by the external pool.
// The orchestrator reads its fields and asks the pool to mutate them.
type Worker struct {
	ID           string
	Template     WorkerTemplate
	Status       WorkerStatus
	ContextUsed  int64
	ContextLimit int64
	TokensUsed   int64
	CostUSD      float64
	ToolCalls    int
	ErrorCount   int
	CurrentItem  string
	CurrentRole  WorkerRole
}

// QueuedItem is the in-memory queue entry for a work item awaiting dispatch.
// RetryCount counts queue-level requeues (capacity refusals, no available
// workers) and only drives priority decay. EngineRetries counts executor
// failures already consumed against the retry budget; requeues never touch it.
type QueuedItem struct {
	Item          WorkItem
	Priority      int
	QueuedAt      time.Time
	RetryCount    int
	EngineRetries int
	LastError     string
	LastAttemptAt time.Time
}

// ErrorCategory classifies a failure for retry and escalation decisions.
type ErrorCategory string

const (
	ErrorTransient   ErrorCategory = "transient"
	ErrorRateLimited ErrorCategory = "rate_limited"
	ErrorResource    ErrorCategory = "resource"
	ErrorValidation  ErrorCategory = "validation"
	ErrorSystem      ErrorCategory = "system"
	ErrorUnknown     ErrorCategory = "unknown"
)

// RetryContext schedules a future retry for a work item. At most one live
// retry exists per work-item id.
type RetryContext struct {
	WorkItemID  string
	Category    ErrorCategory
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
}

// ErrorRecord is a single failure observation.
type ErrorRecord struct {
	Timestamp time.Time
	Category  ErrorCategory
	Message   string
	WorkerID  string
}

// ErrorHistory accumulates failures per work item across retries.
type ErrorHistory struct {
	WorkItemID    string
	Records       []ErrorRecord
	TotalFailures int
	LastFailureAt time.Time
	Escalated     bool
}

// EscalationEvent is emitted when the orchestrator gives up on a work item.
type EscalationEvent struct {
	WorkItemID    string
	WorkerID      string
	Category      ErrorCategory
	TotalFailures int
	History       []ErrorRecord
	Timestamp     time.Time
	Reason        string
}

// ProgressStatus enumerates agent-lifecycle event kinds.
type ProgressStatus string

const (
	ProgressStarted    ProgressStatus = "started"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressMilestone  ProgressStatus = "milestone"
	ProgressBlocked    ProgressStatus = "blocked"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
)

// ProgressEvent is one entry in a work item's progress stream.
type ProgressEvent struct {
	WorkItemID  string
	WorkerID    string
	ExecutionID string
	Status      ProgressStatus
	Message     string
	// Progress is a percentage in [0,100]; -1 when not reported.
	Progress  int
	Timestamp time.Time
}

// RepoFamiliarity counts a worker's completed items on a repository.
type RepoFamiliarity struct {
	CompletedTasks int
	LastWorkedAt   time.Time
}

// ScoringWeights are per-factor multipliers for worker scoring.
type ScoringWeights struct {
	Workload        float64 `yaml:"workload"`
	ErrorHistory    float64 `yaml:"error_history"`
	ContextHeadroom float64 `yaml:"context_headroom"`
	CostEfficiency  float64 `yaml:"cost_efficiency"`
	CapabilityMatch float64 `yaml:"capability_match"`
	RoleMatch       float64 `yaml:"role_match"`
	RepoFamiliarity float64 `yaml:"repo_familiarity"`
}

// DefaultScoringWeights returns the standard factor multipliers.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Workload:        1.0,
		ErrorHistory:    1.0,
		ContextHeadroom: 0.5,
		CostEfficiency:  0.3,
		CapabilityMatch: 1.0,
		RoleMatch:       0.8,
		RepoFamiliarity: 0.7,
	}
}

// ExecutionStatus is the terminal outcome reported by the executor.
type ExecutionStatus string

const (
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionContext is everything the executor needs to run one assignment.
type ExecutionContext struct {
	ExecutionID string
	Item        WorkItem
	Worker      Worker
	Role        WorkerRole
}

// ExecutionResult is the executor's structured outcome.
type ExecutionResult struct {
	ExecutionID string
	Status      ExecutionStatus
	Error       string
	TokensUsed  int64
	CostUSD     float64
	ToolCalls   int
}

// WorkItemPatch is a partial update applied through the store or sinks.
// Nil fields are left untouched.
type WorkItemPatch struct {
	Status      *WorkItemStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	WorkerID    *string
	Role        *WorkerRole
}

// Ports (consumed)

// WorkItemStore reads work items and applies targeted status writes.
type WorkItemStore interface {
	FindByStatus(ctx Context, status WorkItemStatus) ([]WorkItem, error)
	FindByID(ctx Context, id string) (WorkItem, error)
	FindByIDs(ctx Context, ids []string) ([]WorkItem, error)
	Update(ctx Context, id string, patch WorkItemPatch) error
}

// WorkerPool enumerates workers and mutates them on the orchestrator's behalf.
type WorkerPool interface {
	AvailableWorkers(ctx Context) ([]Worker, error)
	AssignWork(ctx Context, workerID, itemID string, role WorkerRole) error
	ReportError(ctx Context, workerID, message string) error
	CanSpawnMore(ctx Context) bool
	Spawn(ctx Context, templateID, sessionID string) (Worker, error)
}

// Workflow applies work-item state transitions owned by the wider system.
type Workflow interface {
	AssignWorkToAgent(ctx Context, itemID, workerID string, role WorkerRole) error
	CompleteWork(ctx Context, itemID, workerID string) error
	Transition(ctx Context, itemID string, target WorkItemStatus) error
	// Touch advances the item's bookkeeping timestamp without changing
	// its state, so activity is visible while a status holds steady.
	Touch(ctx Context, itemID string) error
}

// Executor runs an assignment. The call is logically asynchronous; the
// orchestrator invokes it from a continuation goroutine.
type Executor interface {
	Execute(ctx Context, ec ExecutionContext) (ExecutionResult, error)
}

// ProgressPublisher fans progress events out to external subscribers. Best-effort.
type ProgressPublisher interface {
	PublishProgress(ctx Context, ev ProgressEvent) error
}

// UpdateSink records work-item updates for observability. Best-effort.
type UpdateSink interface {
	RecordUpdate(ctx Context, itemID string, patch WorkItemPatch) error
}

// Lifecycle hooks. Hooks run in registration order; failures are logged and
// do not abort the chain.

// PreExecutionHook may veto a dispatch by returning false.
type PreExecutionHook func(ctx Context, ec ExecutionContext) (bool, error)

// PostExecutionHook observes a successful execution result.
type PostExecutionHook func(ctx Context, ec ExecutionContext, res ExecutionResult) error

// ErrorHook observes a failed execution.
type ErrorHook func(ctx Context, ec ExecutionContext, execErr error) error

// EscalationHook is notified when a work item is permanently failed.
type EscalationHook func(ctx Context, ev EscalationEvent) error

// ProgressListener receives every progress event synchronously.
type ProgressListener func(ev ProgressEvent)

// Context is an alias to allow decoupling from std context in domain.
type Context = context.Context
