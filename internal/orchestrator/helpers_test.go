package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// fakeStore is an in-memory WorkItemStore for tests.
type fakeStore struct {
	mu      sync.Mutex
	items   map[string]domain.WorkItem
	failAll bool
}

func newFakeStore(items ...domain.WorkItem) *fakeStore {
	s := &fakeStore{items: make(map[string]domain.WorkItem)}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

func (s *fakeStore) FindByStatus(_ domain.Context, status domain.WorkItemStatus) ([]domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errors.New("store down")
	}
	var out []domain.WorkItem
	for _, it := range s.items {
		if it.Status == status {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *fakeStore) FindByID(_ domain.Context, id string) (domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return domain.WorkItem{}, errors.New("store down")
	}
	it, ok := s.items[id]
	if !ok {
		return domain.WorkItem{}, domain.ErrNotFound
	}
	return it, nil
}

func (s *fakeStore) FindByIDs(_ domain.Context, ids []string) ([]domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errors.New("store down")
	}
	var out []domain.WorkItem
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *fakeStore) Update(_ domain.Context, id string, patch domain.WorkItemPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if patch.Status != nil {
		it.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		it.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		it.CompletedAt = patch.CompletedAt
	}
	s.items[id] = it
	return nil
}

func (s *fakeStore) get(id string) domain.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id]
}

func (s *fakeStore) put(it domain.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = it
}

// fakePool is an in-memory WorkerPool for tests.
type fakePool struct {
	mu          sync.Mutex
	workers     []domain.Worker
	listErr     error
	assigned    map[string]string // workerID -> itemID
	errReports  map[string][]string
	canSpawn    bool
	spawnCalled int
}

func newFakePool(workers ...domain.Worker) *fakePool {
	return &fakePool{
		workers:    workers,
		assigned:   make(map[string]string),
		errReports: make(map[string][]string),
	}
}

func (p *fakePool) AvailableWorkers(_ domain.Context) ([]domain.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]domain.Worker(nil), p.workers...), nil
}

func (p *fakePool) AssignWork(_ domain.Context, workerID, itemID string, role domain.WorkerRole) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assigned[workerID] = itemID
	for i := range p.workers {
		if p.workers[i].ID == workerID {
			p.workers[i].Status = domain.WorkerWorking
			p.workers[i].CurrentItem = itemID
			p.workers[i].CurrentRole = role
		}
	}
	return nil
}

func (p *fakePool) addWorker(w domain.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = append(p.workers, w)
}

func (p *fakePool) ReportError(_ domain.Context, workerID, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errReports[workerID] = append(p.errReports[workerID], message)
	return nil
}

func (p *fakePool) CanSpawnMore(_ domain.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canSpawn
}

func (p *fakePool) Spawn(_ domain.Context, templateID, _ string) (domain.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawnCalled++
	w := domain.Worker{ID: "spawned-1", Template: domain.WorkerTemplate{ID: templateID, AllowedTypes: []domain.WorkItemType{"*"}}, Status: domain.WorkerIdle}
	p.workers = append(p.workers, w)
	return w, nil
}

// fakeWorkflow records transitions and assignments. When store is set,
// transitions are also applied to it, mirroring the production workflow.
type fakeWorkflow struct {
	mu          sync.Mutex
	store       *fakeStore
	transitions map[string][]domain.WorkItemStatus
	assigned    map[string]string
	completed   map[string]string
	touches     map[string]int
	failWith    error
}

func newFakeWorkflow() *fakeWorkflow {
	return &fakeWorkflow{
		transitions: make(map[string][]domain.WorkItemStatus),
		assigned:    make(map[string]string),
		completed:   make(map[string]string),
		touches:     make(map[string]int),
	}
}

func (w *fakeWorkflow) AssignWorkToAgent(_ domain.Context, itemID, workerID string, _ domain.WorkerRole) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWith != nil {
		return w.failWith
	}
	w.assigned[itemID] = workerID
	return nil
}

func (w *fakeWorkflow) CompleteWork(_ domain.Context, itemID, workerID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWith != nil {
		return w.failWith
	}
	w.completed[itemID] = workerID
	return nil
}

func (w *fakeWorkflow) Transition(_ domain.Context, itemID string, target domain.WorkItemStatus) error {
	w.mu.Lock()
	if w.failWith != nil {
		w.mu.Unlock()
		return w.failWith
	}
	w.transitions[itemID] = append(w.transitions[itemID], target)
	store := w.store
	w.mu.Unlock()

	if store != nil {
		it := store.get(itemID)
		if it.ID != "" {
			it.Status = target
			store.put(it)
		}
	}
	return nil
}

func (w *fakeWorkflow) Touch(_ domain.Context, itemID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWith != nil {
		return w.failWith
	}
	w.touches[itemID]++
	return nil
}

func (w *fakeWorkflow) touchCount(itemID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.touches[itemID]
}

func (w *fakeWorkflow) transitionsFor(itemID string) []domain.WorkItemStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.WorkItemStatus(nil), w.transitions[itemID]...)
}

// fakeExecutor returns canned results per item id, or defaultResult.
// When gate is set, executions block until it is closed.
type fakeExecutor struct {
	mu            sync.Mutex
	results       map[string][]domain.ExecutionResult
	defaultResult domain.ExecutionResult
	calls         []domain.ExecutionContext
	gate          chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		results:       make(map[string][]domain.ExecutionResult),
		defaultResult: domain.ExecutionResult{Status: domain.ExecutionSuccess},
	}
}

// queueResult enqueues one result for the item; results are consumed FIFO.
func (e *fakeExecutor) queueResult(itemID string, res domain.ExecutionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[itemID] = append(e.results[itemID], res)
}

func (e *fakeExecutor) Execute(_ domain.Context, ec domain.ExecutionContext) (domain.ExecutionResult, error) {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, ec)
	if rs := e.results[ec.Item.ID]; len(rs) > 0 {
		res := rs[0]
		e.results[ec.Item.ID] = rs[1:]
		return res, nil
	}
	return e.defaultResult, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// fakePublisher collects published progress events and update records.
type fakePublisher struct {
	mu      sync.Mutex
	events  []domain.ProgressEvent
	updates []domain.WorkItemPatch
	pubErr  error
}

func (p *fakePublisher) PublishProgress(_ domain.Context, ev domain.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pubErr != nil {
		return p.pubErr
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) RecordUpdate(_ domain.Context, _ string, patch domain.WorkItemPatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, patch)
	return nil
}

func (p *fakePublisher) published() []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ProgressEvent(nil), p.events...)
}

// fixedClock returns a settable clock function for deterministic tests.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{t: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func readyItem(id string, typ domain.WorkItemType) domain.WorkItem {
	return domain.WorkItem{
		ID:           id,
		Type:         typ,
		Status:       domain.StatusReady,
		RepositoryID: "repo-1",
		CreatedBy:    "user-1",
		CreatedAt:    time.Now(),
	}
}

func idleWorker(id string) domain.Worker {
	return domain.Worker{
		ID: id,
		Template: domain.WorkerTemplate{
			ID:           "tmpl-any",
			AllowedTypes: []domain.WorkItemType{"*"},
		},
		Status:       domain.WorkerIdle,
		ContextLimit: 200000,
	}
}
