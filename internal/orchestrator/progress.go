package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// ProgressTracker converts agent-lifecycle events into work-item status
// changes and an outbound event stream. Tracking is best-effort: a failed
// workflow or sink write is logged and swallowed so it never breaks an
// execution in flight.
type ProgressTracker struct {
	workflow  domain.Workflow
	publisher domain.ProgressPublisher
	sink      domain.UpdateSink

	mu        sync.Mutex
	history   map[string][]domain.ProgressEvent
	listeners []domain.ProgressListener
	now       func() time.Time
}

// NewProgressTracker constructs a tracker. Publisher and sink may be nil.
func NewProgressTracker(workflow domain.Workflow, publisher domain.ProgressPublisher, sink domain.UpdateSink) *ProgressTracker {
	return &ProgressTracker{
		workflow:  workflow,
		publisher: publisher,
		sink:      sink,
		history:   make(map[string][]domain.ProgressEvent),
		now:       time.Now,
	}
}

// AddListener registers a listener invoked synchronously for every event,
// in registration order. A panicking listener does not prevent later
// listeners from running.
func (t *ProgressTracker) AddListener(l domain.ProgressListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// MarkStarted records the start of an execution and moves the item to
// in_progress.
func (t *ProgressTracker) MarkStarted(ctx domain.Context, itemID, workerID, executionID, message string) {
	t.record(ctx, domain.ProgressEvent{
		WorkItemID:  itemID,
		WorkerID:    workerID,
		ExecutionID: executionID,
		Status:      domain.ProgressStarted,
		Message:     message,
		Progress:    -1,
	})
}

// UpdateProgress records a progress percentage, clamped to [0,99];
// 100 is reserved for completion.
func (t *ProgressTracker) UpdateProgress(ctx domain.Context, itemID, workerID string, progress int, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	t.record(ctx, domain.ProgressEvent{
		WorkItemID: itemID,
		WorkerID:   workerID,
		Status:     domain.ProgressInProgress,
		Message:    message,
		Progress:   progress,
	})
}

// RecordMilestone records a named milestone without changing item status.
func (t *ProgressTracker) RecordMilestone(ctx domain.Context, itemID, workerID, message string) {
	t.record(ctx, domain.ProgressEvent{
		WorkItemID: itemID,
		WorkerID:   workerID,
		Status:     domain.ProgressMilestone,
		Message:    message,
		Progress:   -1,
	})
}

// MarkBlocked records that the execution is blocked on something external.
func (t *ProgressTracker) MarkBlocked(ctx domain.Context, itemID, workerID, message string) {
	t.record(ctx, domain.ProgressEvent{
		WorkItemID: itemID,
		WorkerID:   workerID,
		Status:     domain.ProgressBlocked,
		Message:    message,
		Progress:   -1,
	})
}

// MarkCompleted records completion, moves the item to review, and clears
// the item's progress history.
func (t *ProgressTracker) MarkCompleted(ctx domain.Context, itemID, workerID, executionID, message string) {
	t.record(ctx, domain.ProgressEvent{
		WorkItemID:  itemID,
		WorkerID:    workerID,
		ExecutionID: executionID,
		Status:      domain.ProgressCompleted,
		Message:     message,
		Progress:    100,
	})
	t.Clear(itemID)
}

// MarkFailed records a failure without changing the item's workflow status;
// retry and escalation decisions belong to the driver.
func (t *ProgressTracker) MarkFailed(ctx domain.Context, itemID, workerID, executionID, message string) {
	t.record(ctx, domain.ProgressEvent{
		WorkItemID:  itemID,
		WorkerID:    workerID,
		ExecutionID: executionID,
		Status:      domain.ProgressFailed,
		Message:     message,
		Progress:    -1,
	})
}

// record appends to history, applies the status transition, then fans out
// to listeners, the update sink, and the publisher, in that order.
func (t *ProgressTracker) record(ctx domain.Context, ev domain.ProgressEvent) {
	ev.Timestamp = t.now()

	t.mu.Lock()
	t.history[ev.WorkItemID] = append(t.history[ev.WorkItemID], ev)
	listeners := append([]domain.ProgressListener(nil), t.listeners...)
	t.mu.Unlock()

	t.applyTransition(ctx, ev)

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("progress listener panicked",
						slog.String("work_item_id", ev.WorkItemID),
						slog.Any("panic", r))
				}
			}()
			l(ev)
		}()
	}

	if t.sink != nil {
		patch := transitionPatch(ev.Status)
		if err := t.sink.RecordUpdate(ctx, ev.WorkItemID, patch); err != nil {
			slog.Warn("update sink write failed",
				slog.String("work_item_id", ev.WorkItemID),
				slog.Any("error", err))
		}
	}
	if t.publisher != nil {
		if err := t.publisher.PublishProgress(ctx, ev); err != nil {
			slog.Warn("progress publish failed",
				slog.String("work_item_id", ev.WorkItemID),
				slog.Any("error", err))
		}
	}
}

func (t *ProgressTracker) applyTransition(ctx domain.Context, ev domain.ProgressEvent) {
	var target domain.WorkItemStatus
	switch ev.Status {
	case domain.ProgressStarted:
		target = domain.StatusInProgress
	case domain.ProgressCompleted:
		target = domain.StatusReview
	default:
		// No status change, but the event is still activity worth
		// surfacing on the item.
		if err := t.workflow.Touch(ctx, ev.WorkItemID); err != nil {
			slog.Warn("work item touch failed",
				slog.String("work_item_id", ev.WorkItemID),
				slog.Any("error", err))
		}
		return
	}
	if err := t.workflow.Transition(ctx, ev.WorkItemID, target); err != nil {
		slog.Warn("work item transition failed",
			slog.String("work_item_id", ev.WorkItemID),
			slog.String("target", string(target)),
			slog.Any("error", err))
	}
}

func transitionPatch(status domain.ProgressStatus) domain.WorkItemPatch {
	var patch domain.WorkItemPatch
	switch status {
	case domain.ProgressStarted:
		s := domain.StatusInProgress
		patch.Status = &s
	case domain.ProgressCompleted:
		s := domain.StatusReview
		patch.Status = &s
	}
	return patch
}

// History returns a copy of the item's recorded events in order.
func (t *ProgressTracker) History(itemID string) []domain.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ProgressEvent(nil), t.history[itemID]...)
}

// Current returns the most recent event for the item.
func (t *ProgressTracker) Current(itemID string) (domain.ProgressEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	evs := t.history[itemID]
	if len(evs) == 0 {
		return domain.ProgressEvent{}, false
	}
	return evs[len(evs)-1], true
}

// InProgress lists item ids whose latest event is not terminal.
func (t *ProgressTracker) InProgress() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, evs := range t.history {
		if len(evs) == 0 {
			continue
		}
		switch evs[len(evs)-1].Status {
		case domain.ProgressCompleted, domain.ProgressFailed:
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

// Clear drops the item's progress history.
func (t *ProgressTracker) Clear(itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, itemID)
}
