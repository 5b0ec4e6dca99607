package orchestrator

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// RetryPolicy bounds retry behaviour for all error categories.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the standard retry bounds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// errorHistoryCap bounds the per-item error ring.
const errorHistoryCap = 10

// retryLogCap bounds the engine's structured log ring.
const retryLogCap = 1000

// Categorization keyword lists, evaluated in order; first match wins.
// A "503 rate limit" is rate_limited, a "500 internal error" is system.
var categoryKeywords = []struct {
	category domain.ErrorCategory
	keywords []string
}{
	{domain.ErrorRateLimited, []string{
		"rate limit", "429", "too many requests", "quota exceeded", "throttl",
	}},
	{domain.ErrorTransient, []string{
		"timeout", "timed out", "network", "connection", "econnrefused",
		"econnreset", "enotfound", "temporarily", "unavailable", "503", "502",
		"504", "retry", "socket hang up",
	}},
	{domain.ErrorResource, []string{
		"memory", "context window", "token limit", "max tokens",
		"resource exhausted", "out of resource", "insufficient",
		"limit exceeded", "heap", "allocation",
	}},
	{domain.ErrorValidation, []string{
		"invalid", "validation", "not found", "does not exist", "400", "401",
		"403", "404", "malformed", "missing required", "unauthorized",
		"forbidden", "permission denied",
	}},
	{domain.ErrorSystem, []string{
		"internal", "500", "system", "unexpected", "fatal", "crash",
		"segfault", "exception",
	}},
}

// RetryLogEntry is one observational record of a retry-engine decision.
type RetryLogEntry struct {
	Timestamp  time.Time
	Level      slog.Level
	WorkItemID string
	WorkerID   string
	Category   domain.ErrorCategory
	Message    string
	RetryCount int
	WillRetry  bool
}

// RetryLogFilter selects entries from the log ring. Zero values match all.
type RetryLogFilter struct {
	Level      *slog.Level
	Category   domain.ErrorCategory
	WorkItemID string
	WorkerID   string
	Limit      int
}

// RetryEngine classifies failures, schedules bounded retries with
// category-amplified backoff, preserves per-item error history, and fires
// escalation hooks when a work item is permanently failed.
type RetryEngine struct {
	mu        sync.Mutex
	policy    RetryPolicy
	retries   map[string]domain.RetryContext
	histories map[string]*domain.ErrorHistory
	hooks     []domain.EscalationHook
	logs      []RetryLogEntry
	logStart  int
	logCount  int
	rng       *rand.Rand
	now       func() time.Time

	scheduled  int64
	escalated  int64
	categoryCt map[domain.ErrorCategory]int64
}

// NewRetryEngine constructs a retry engine with the given policy.
func NewRetryEngine(policy RetryPolicy) *RetryEngine {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy().MaxDelay
	}
	return &RetryEngine{
		policy:     policy,
		retries:    make(map[string]domain.RetryContext),
		histories:  make(map[string]*domain.ErrorHistory),
		logs:       make([]RetryLogEntry, retryLogCap),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter, not crypto
		now:        time.Now,
		categoryCt: make(map[domain.ErrorCategory]int64),
	}
}

// SetPolicy replaces the retry bounds. In-flight retry contexts keep their
// already-computed wake times.
func (e *RetryEngine) SetPolicy(policy RetryPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if policy.MaxAttempts > 0 {
		e.policy.MaxAttempts = policy.MaxAttempts
	}
	if policy.BaseDelay > 0 {
		e.policy.BaseDelay = policy.BaseDelay
	}
	if policy.MaxDelay > 0 {
		e.policy.MaxDelay = policy.MaxDelay
	}
}

// Categorize maps an error message to its category by case-insensitive
// keyword matching. Order is part of the contract.
func (e *RetryEngine) Categorize(message string) domain.ErrorCategory {
	s := strings.ToLower(message)
	for _, group := range categoryKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(s, kw) {
				return group.category
			}
		}
	}
	return domain.ErrorUnknown
}

// ShouldRetry reports whether an error of the given category may be retried
// after retryCount previous attempts.
func (e *RetryEngine) ShouldRetry(category domain.ErrorCategory, retryCount int) bool {
	e.mu.Lock()
	maxAttempts := e.policy.MaxAttempts
	e.mu.Unlock()
	return retryCount < maxAttemptsFor(category, maxAttempts)
}

func maxAttemptsFor(category domain.ErrorCategory, maxAttempts int) int {
	switch category {
	case domain.ErrorValidation:
		return 0
	case domain.ErrorRateLimited, domain.ErrorTransient:
		return maxAttempts
	default:
		// resource, system, unknown: at most two attempts.
		if maxAttempts < 2 {
			return maxAttempts
		}
		return 2
	}
}

// RetryDelay computes the backoff before the next attempt: a category base
// (rate_limited 5x, resource 3x, system 2x) doubled per prior attempt,
// capped, then perturbed with uniform jitter in +-20%.
func (e *RetryEngine) RetryDelay(category domain.ErrorCategory, retryCount int) time.Duration {
	e.mu.Lock()
	base, maxDelay := e.policy.BaseDelay, e.policy.MaxDelay
	jitter := 1 + (e.rng.Float64()*0.4 - 0.2)
	e.mu.Unlock()

	switch category {
	case domain.ErrorRateLimited:
		base *= 5
	case domain.ErrorResource:
		base *= 3
	case domain.ErrorSystem:
		base *= 2
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(retryCount)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return time.Duration(float64(delay) * jitter)
}

// ScheduleRetry categorizes the error and records a retry for the work
// item, overwriting any existing one. The boolean is false when policy
// forbids a retry.
func (e *RetryEngine) ScheduleRetry(itemID, errMsg string, retryCount int) (domain.RetryContext, bool) {
	return e.ScheduleRetryWithCategory(itemID, errMsg, e.Categorize(errMsg), retryCount)
}

// ScheduleRetryWithCategory is ScheduleRetry with a caller-supplied
// category, for failures classified upstream (e.g. pre-execution vetoes).
func (e *RetryEngine) ScheduleRetryWithCategory(itemID, errMsg string, category domain.ErrorCategory, retryCount int) (domain.RetryContext, bool) {
	if !e.ShouldRetry(category, retryCount) {
		e.appendLog(RetryLogEntry{
			Timestamp:  e.now(),
			Level:      slog.LevelWarn,
			WorkItemID: itemID,
			Category:   category,
			Message:    errMsg,
			RetryCount: retryCount,
			WillRetry:  false,
		})
		return domain.RetryContext{}, false
	}

	delay := e.RetryDelay(category, retryCount)
	rc := domain.RetryContext{
		WorkItemID:  itemID,
		Category:    category,
		RetryCount:  retryCount + 1,
		NextRetryAt: e.now().Add(delay),
		LastError:   errMsg,
	}

	e.mu.Lock()
	e.retries[itemID] = rc
	e.scheduled++
	e.categoryCt[category]++
	e.mu.Unlock()

	e.appendLog(RetryLogEntry{
		Timestamp:  e.now(),
		Level:      slog.LevelInfo,
		WorkItemID: itemID,
		Category:   category,
		Message:    errMsg,
		RetryCount: rc.RetryCount,
		WillRetry:  true,
	})
	slog.Info("retry scheduled",
		slog.String("work_item_id", itemID),
		slog.String("category", string(category)),
		slog.Int("retry_count", rc.RetryCount),
		slog.Duration("delay", delay),
		slog.Time("next_retry_at", rc.NextRetryAt))
	return rc, true
}

// ReadyRetries atomically removes and returns all retries whose wake time
// has passed. Order is not guaranteed.
func (e *RetryEngine) ReadyRetries() []domain.RetryContext {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var ready []domain.RetryContext
	for id, rc := range e.retries {
		if !rc.NextRetryAt.After(now) {
			ready = append(ready, rc)
			delete(e.retries, id)
		}
	}
	return ready
}

// CancelRetry drops any pending retry for the work item.
func (e *RetryEngine) CancelRetry(itemID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retries, itemID)
}

// PendingRetries returns the number of live retry contexts.
func (e *RetryEngine) PendingRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retries)
}

// PendingRetry returns the live retry context for a work item, if any.
func (e *RetryEngine) PendingRetry(itemID string) (domain.RetryContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rc, ok := e.retries[itemID]
	return rc, ok
}

// RecordError appends a failure to the item's history ring.
func (e *RetryEngine) RecordError(itemID, workerID, message string, category domain.ErrorCategory) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.histories[itemID]
	if !ok {
		h = &domain.ErrorHistory{WorkItemID: itemID}
		e.histories[itemID] = h
	}
	h.Records = append(h.Records, domain.ErrorRecord{
		Timestamp: now,
		Category:  category,
		Message:   message,
		WorkerID:  workerID,
	})
	if len(h.Records) > errorHistoryCap {
		h.Records = h.Records[len(h.Records)-errorHistoryCap:]
	}
	h.TotalFailures++
	h.LastFailureAt = now
}

// ErrorHistory returns a copy of the item's failure history.
func (e *RetryEngine) ErrorHistory(itemID string) (domain.ErrorHistory, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.histories[itemID]
	if !ok {
		return domain.ErrorHistory{}, false
	}
	out := *h
	out.Records = append([]domain.ErrorRecord(nil), h.Records...)
	return out, true
}

// ClearErrorHistory drops the item's history after a successful completion.
func (e *RetryEngine) ClearErrorHistory(itemID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.histories, itemID)
}

// RegisterEscalationHook adds a hook invoked on every escalation.
func (e *RetryEngine) RegisterEscalationHook(h domain.EscalationHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Escalate declares the work item permanently failed: the history entry is
// marked escalated and every registered hook receives the event. A hook
// failure is logged and does not abort later hooks.
func (e *RetryEngine) Escalate(ctx domain.Context, itemID, workerID, errMsg string, category domain.ErrorCategory) domain.EscalationEvent {
	now := e.now()

	e.mu.Lock()
	h, ok := e.histories[itemID]
	if !ok {
		h = &domain.ErrorHistory{WorkItemID: itemID}
		e.histories[itemID] = h
	}
	h.Escalated = true
	ev := domain.EscalationEvent{
		WorkItemID:    itemID,
		WorkerID:      workerID,
		Category:      category,
		TotalFailures: h.TotalFailures,
		History:       append([]domain.ErrorRecord(nil), h.Records...),
		Timestamp:     now,
		Reason: fmt.Sprintf("work item failed %d time(s); last error (%s): %s",
			h.TotalFailures, category, errMsg),
	}
	hooks := append([]domain.EscalationHook(nil), e.hooks...)
	e.escalated++
	e.mu.Unlock()

	e.appendLog(RetryLogEntry{
		Timestamp:  now,
		Level:      slog.LevelError,
		WorkItemID: itemID,
		WorkerID:   workerID,
		Category:   category,
		Message:    ev.Reason,
		WillRetry:  false,
	})
	slog.Error("work item escalated",
		slog.String("work_item_id", itemID),
		slog.String("worker_id", workerID),
		slog.String("category", string(category)),
		slog.Int("total_failures", ev.TotalFailures))

	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("escalation hook panicked",
						slog.String("work_item_id", itemID),
						slog.Any("panic", r))
				}
			}()
			if err := hook(ctx, ev); err != nil {
				slog.Error("escalation hook failed",
					slog.String("work_item_id", itemID),
					slog.Any("error", err))
			}
		}()
	}
	return ev
}

// Log appends an observational entry to the engine's ring buffer.
func (e *RetryEngine) Log(entry RetryLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.now()
	}
	e.appendLog(entry)
}

func (e *RetryEngine) appendLog(entry RetryLogEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := (e.logStart + e.logCount) % retryLogCap
	e.logs[idx] = entry
	if e.logCount < retryLogCap {
		e.logCount++
	} else {
		// Ring full: losing the oldest entry is acceptable.
		e.logStart = (e.logStart + 1) % retryLogCap
	}
}

// RecentLogs returns entries matching the filter, oldest first.
func (e *RetryEngine) RecentLogs(f RetryLogFilter) []RetryLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []RetryLogEntry
	for i := 0; i < e.logCount; i++ {
		entry := e.logs[(e.logStart+i)%retryLogCap]
		if f.Level != nil && entry.Level != *f.Level {
			continue
		}
		if f.Category != "" && entry.Category != f.Category {
			continue
		}
		if f.WorkItemID != "" && entry.WorkItemID != f.WorkItemID {
			continue
		}
		if f.WorkerID != "" && entry.WorkerID != f.WorkerID {
			continue
		}
		out = append(out, entry)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Stats returns engine counters for status reporting.
func (e *RetryEngine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	byCategory := make(map[string]int64, len(e.categoryCt))
	for c, n := range e.categoryCt {
		byCategory[string(c)] = n
	}
	return map[string]any{
		"pending_retries":       len(e.retries),
		"tracked_histories":     len(e.histories),
		"retries_scheduled":     e.scheduled,
		"escalations":           e.escalated,
		"scheduled_by_category": byCategory,
		"log_entries":           e.logCount,
	}
}
