package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

type fakeStore struct {
	patches map[string][]domain.WorkItemPatch
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{patches: make(map[string][]domain.WorkItemPatch)}
}

func (s *fakeStore) FindByStatus(domain.Context, domain.WorkItemStatus) ([]domain.WorkItem, error) {
	return nil, nil
}

func (s *fakeStore) FindByID(domain.Context, string) (domain.WorkItem, error) {
	return domain.WorkItem{}, domain.ErrNotFound
}

func (s *fakeStore) FindByIDs(domain.Context, []string) ([]domain.WorkItem, error) {
	return nil, nil
}

func (s *fakeStore) Update(_ domain.Context, id string, patch domain.WorkItemPatch) error {
	if s.err != nil {
		return s.err
	}
	s.patches[id] = append(s.patches[id], patch)
	return nil
}

func TestAssignWorkToAgent(t *testing.T) {
	store := newFakeStore()
	wf := New(store)

	require.NoError(t, wf.AssignWorkToAgent(context.Background(), "w-1", "worker-1", domain.RoleTester))

	patches := store.patches["w-1"]
	require.Len(t, patches, 1)
	require.NotNil(t, patches[0].WorkerID)
	assert.Equal(t, "worker-1", *patches[0].WorkerID)
	require.NotNil(t, patches[0].Role)
	assert.Equal(t, domain.RoleTester, *patches[0].Role)
	assert.Nil(t, patches[0].Status)
}

func TestCompleteWork(t *testing.T) {
	store := newFakeStore()
	wf := New(store)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	wf.now = func() time.Time { return fixed }

	require.NoError(t, wf.CompleteWork(context.Background(), "w-1", "worker-1"))

	patches := store.patches["w-1"]
	require.Len(t, patches, 1)
	require.NotNil(t, patches[0].CompletedAt)
	assert.Equal(t, fixed, *patches[0].CompletedAt)
	require.NotNil(t, patches[0].WorkerID)
	assert.Empty(t, *patches[0].WorkerID, "completion releases the assignment")
}

func TestTransition(t *testing.T) {
	store := newFakeStore()
	wf := New(store)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	wf.now = func() time.Time { return fixed }

	require.NoError(t, wf.Transition(context.Background(), "w-1", domain.StatusReview))
	require.NoError(t, wf.Transition(context.Background(), "w-1", domain.StatusInProgress))
	require.NoError(t, wf.Transition(context.Background(), "w-1", domain.StatusBacklog))

	patches := store.patches["w-1"]
	require.Len(t, patches, 3)

	require.NotNil(t, patches[0].Status)
	assert.Equal(t, domain.StatusReview, *patches[0].Status)
	assert.Nil(t, patches[0].StartedAt, "only in_progress stamps started_at")
	require.NotNil(t, patches[0].CompletedAt, "entering review stamps completed_at")
	assert.Equal(t, fixed, *patches[0].CompletedAt)

	assert.Equal(t, domain.StatusInProgress, *patches[1].Status)
	require.NotNil(t, patches[1].StartedAt)
	assert.Equal(t, fixed, *patches[1].StartedAt)
	assert.Nil(t, patches[1].CompletedAt)

	assert.Equal(t, domain.StatusBacklog, *patches[2].Status)
	assert.Nil(t, patches[2].StartedAt)
	assert.Nil(t, patches[2].CompletedAt)
}

func TestTouch(t *testing.T) {
	store := newFakeStore()
	wf := New(store)

	require.NoError(t, wf.Touch(context.Background(), "w-1"))

	patches := store.patches["w-1"]
	require.Len(t, patches, 1)
	assert.Equal(t, domain.WorkItemPatch{}, patches[0],
		"a touch is an empty patch; the store refreshes updated_at")
}

func TestStoreErrorsWrapped(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("db down")
	wf := New(store)

	err := wf.AssignWorkToAgent(context.Background(), "w-1", "worker-1", domain.RoleRefiner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=workflow.assign")

	err = wf.CompleteWork(context.Background(), "w-1", "worker-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=workflow.complete")

	err = wf.Transition(context.Background(), "w-1", domain.StatusDone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=workflow.transition")

	err = wf.Touch(context.Background(), "w-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=workflow.touch")
}
