// Package workflow applies work-item state transitions through the store.
package workflow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// StoreWorkflow implements domain.Workflow directly over the work-item
// store. Deployments with a richer workflow service can swap this out;
// the orchestrator only sees the interface.
type StoreWorkflow struct {
	store domain.WorkItemStore
	now   func() time.Time
}

// New constructs a StoreWorkflow.
func New(store domain.WorkItemStore) *StoreWorkflow {
	return &StoreWorkflow{store: store, now: time.Now}
}

// AssignWorkToAgent records the worker and role on the item.
func (w *StoreWorkflow) AssignWorkToAgent(ctx domain.Context, itemID, workerID string, role domain.WorkerRole) error {
	patch := domain.WorkItemPatch{WorkerID: &workerID, Role: &role}
	if err := w.store.Update(ctx, itemID, patch); err != nil {
		return fmt.Errorf("op=workflow.assign: %w", err)
	}
	slog.Debug("work item assigned",
		slog.String("work_item_id", itemID),
		slog.String("worker_id", workerID),
		slog.String("role", string(role)))
	return nil
}

// CompleteWork stamps the completion time and releases the assignment.
func (w *StoreWorkflow) CompleteWork(ctx domain.Context, itemID, workerID string) error {
	now := w.now().UTC()
	empty := ""
	patch := domain.WorkItemPatch{CompletedAt: &now, WorkerID: &empty}
	if err := w.store.Update(ctx, itemID, patch); err != nil {
		return fmt.Errorf("op=workflow.complete: %w", err)
	}
	slog.Info("work item completed in workflow",
		slog.String("work_item_id", itemID),
		slog.String("worker_id", workerID))
	return nil
}

// Transition moves the item to the target status; entering in_progress
// stamps started_at, entering review stamps completed_at.
func (w *StoreWorkflow) Transition(ctx domain.Context, itemID string, target domain.WorkItemStatus) error {
	patch := domain.WorkItemPatch{Status: &target}
	switch target {
	case domain.StatusInProgress:
		now := w.now().UTC()
		patch.StartedAt = &now
	case domain.StatusReview:
		now := w.now().UTC()
		patch.CompletedAt = &now
	}
	if err := w.store.Update(ctx, itemID, patch); err != nil {
		return fmt.Errorf("op=workflow.transition: %w", err)
	}
	return nil
}

// Touch writes an empty patch, which the store turns into an
// updated_at-only write.
func (w *StoreWorkflow) Touch(ctx domain.Context, itemID string) error {
	if err := w.store.Update(ctx, itemID, domain.WorkItemPatch{}); err != nil {
		return fmt.Errorf("op=workflow.touch: %w", err)
	}
	return nil
}
