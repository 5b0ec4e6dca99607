package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// Config drives the orchestrator loop and its components.
type Config struct {
	CycleInterval     time.Duration
	Limits            ConcurrencyLimits
	Retry             RetryPolicy
	ScoringWeights    domain.ScoringWeights
	AutoSpawnWorkers  bool
	DefaultTemplateID string
}

// DefaultConfig returns the standard orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		CycleInterval:  5 * time.Second,
		Limits:         DefaultConcurrencyLimits(),
		Retry:          DefaultRetryPolicy(),
		ScoringWeights: domain.DefaultScoringWeights(),
	}
}

// ConfigUpdate is a partial configuration change; nil fields keep the
// current value.
type ConfigUpdate struct {
	CycleInterval     *time.Duration
	MaxGlobalWorkers  *int
	MaxWorkersPerRepo *int
	MaxWorkersPerUser *int
	MaxRetryAttempts  *int
	RetryBaseDelay    *time.Duration
	RetryMaxDelay     *time.Duration
	AutoSpawnWorkers  *bool
	DefaultTemplateID *string
	ScoringWeights    *domain.ScoringWeights
}

// Deps are the external collaborators the loop composes.
type Deps struct {
	Store     domain.WorkItemStore
	Pool      domain.WorkerPool
	Workflow  domain.Workflow
	Executor  domain.Executor
	Publisher domain.ProgressPublisher
	Sink      domain.UpdateSink
}

// LoopStatus is an observational snapshot of the driver loop.
type LoopStatus struct {
	Running           bool
	CycleCount        int64
	LastCycleAt       time.Time
	LastCycleDuration time.Duration
	QueueLength       int
	Processing        int
	PendingRetries    int
	ActiveGlobal      int
}

// Orchestrator is the driver loop: it refreshes the queue, promotes ready
// retries, and drains the queue by assigning and dispatching work.
type Orchestrator struct {
	queue    *Queue
	scorer   *Scorer
	retries  *RetryEngine
	ledger   *Ledger
	progress *ProgressTracker

	store    domain.WorkItemStore
	pool     domain.WorkerPool
	workflow domain.Workflow
	executor domain.Executor

	hookMu     sync.Mutex
	preHooks   []domain.PreExecutionHook
	postHooks  []domain.PostExecutionHook
	errorHooks []domain.ErrorHook

	mu                sync.Mutex
	cfg               Config
	running           bool
	stopCh            chan struct{}
	cycleCount        int64
	lastCycleAt       time.Time
	lastCycleDuration time.Duration

	cycleMu sync.Mutex
	wg      sync.WaitGroup
	execWG  sync.WaitGroup
}

// New composes the scheduling core from its dependencies.
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = def.CycleInterval
	}
	if cfg.ScoringWeights == (domain.ScoringWeights{}) {
		cfg.ScoringWeights = def.ScoringWeights
	}

	o := &Orchestrator{
		queue:    NewQueue(deps.Store),
		scorer:   NewScorer(deps.Pool, cfg.ScoringWeights),
		retries:  NewRetryEngine(cfg.Retry),
		ledger:   NewLedger(cfg.Limits),
		progress: NewProgressTracker(deps.Workflow, deps.Publisher, deps.Sink),
		store:    deps.Store,
		pool:     deps.Pool,
		workflow: deps.Workflow,
		executor: deps.Executor,
		cfg:      cfg,
	}
	return o
}

// Queue exposes the priority queue for inspection.
func (o *Orchestrator) Queue() *Queue { return o.queue }

// Scorer exposes the assignment scorer.
func (o *Orchestrator) Scorer() *Scorer { return o.scorer }

// Retries exposes the retry engine.
func (o *Orchestrator) Retries() *RetryEngine { return o.retries }

// Ledger exposes the concurrency ledger.
func (o *Orchestrator) Ledger() *Ledger { return o.ledger }

// Progress exposes the progress tracker.
func (o *Orchestrator) Progress() *ProgressTracker { return o.progress }

// RegisterPreExecutionHook adds a hook that may veto a dispatch.
func (o *Orchestrator) RegisterPreExecutionHook(h domain.PreExecutionHook) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.preHooks = append(o.preHooks, h)
}

// RegisterPostExecutionHook adds a hook observing successful executions.
func (o *Orchestrator) RegisterPostExecutionHook(h domain.PostExecutionHook) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.postHooks = append(o.postHooks, h)
}

// RegisterErrorHook adds a hook observing failed executions.
func (o *Orchestrator) RegisterErrorHook(h domain.ErrorHook) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.errorHooks = append(o.errorHooks, h)
}

// RegisterEscalationHook adds a hook fired on permanent failures.
func (o *Orchestrator) RegisterEscalationHook(h domain.EscalationHook) {
	o.retries.RegisterEscalationHook(h)
}

// Start runs the first cycle immediately, then schedules cycles at the
// configured interval. Cycles never overlap: a cycle that outlives the
// interval simply delays the next tick.
func (o *Orchestrator) Start(ctx domain.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	stopCh := o.stopCh
	interval := o.cfg.CycleInterval
	o.mu.Unlock()

	slog.Info("orchestrator starting", slog.Duration("cycle_interval", interval))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		o.runCycle(ctx)

		for {
			select {
			case <-stopCh:
				slog.Info("orchestrator stopping")
				return
			case <-ctx.Done():
				slog.Info("orchestrator context cancelled")
				return
			case <-ticker.C:
				o.runCycle(ctx)
				o.mu.Lock()
				if next := o.cfg.CycleInterval; next != interval {
					interval = next
					ticker.Reset(interval)
				}
				o.mu.Unlock()
			}
		}
	}()
}

// Stop prevents new cycles from starting and cancels the wait between
// cycles. A cycle in progress is allowed to finish; in-flight executor
// calls are not cancelled.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()
	o.wg.Wait()
	slog.Info("orchestrator stopped")
}

// ForceCycle runs one cycle synchronously, serialized with scheduled cycles.
func (o *Orchestrator) ForceCycle(ctx domain.Context) {
	o.runCycle(ctx)
}

// Status reports loop and component counters. Safe to call concurrently
// with cycles.
func (o *Orchestrator) Status() LoopStatus {
	o.mu.Lock()
	st := LoopStatus{
		Running:           o.running,
		CycleCount:        o.cycleCount,
		LastCycleAt:       o.lastCycleAt,
		LastCycleDuration: o.lastCycleDuration,
	}
	o.mu.Unlock()

	st.QueueLength = o.queue.Len()
	st.Processing = o.queue.ProcessingCount()
	st.PendingRetries = o.retries.PendingRetries()
	st.ActiveGlobal = o.ledger.Status().Global
	return st
}

// UpdateConfig applies a partial configuration change. Only fields present
// are replaced; components pick the change up on the next check.
func (o *Orchestrator) UpdateConfig(u ConfigUpdate) {
	o.mu.Lock()
	if u.CycleInterval != nil && *u.CycleInterval > 0 {
		o.cfg.CycleInterval = *u.CycleInterval
	}
	if u.AutoSpawnWorkers != nil {
		o.cfg.AutoSpawnWorkers = *u.AutoSpawnWorkers
	}
	if u.DefaultTemplateID != nil {
		o.cfg.DefaultTemplateID = *u.DefaultTemplateID
	}
	if u.MaxRetryAttempts != nil {
		o.cfg.Retry.MaxAttempts = *u.MaxRetryAttempts
	}
	if u.RetryBaseDelay != nil {
		o.cfg.Retry.BaseDelay = *u.RetryBaseDelay
	}
	if u.RetryMaxDelay != nil {
		o.cfg.Retry.MaxDelay = *u.RetryMaxDelay
	}
	retry := o.cfg.Retry
	o.mu.Unlock()

	o.ledger.UpdateLimits(LimitsUpdate{
		MaxGlobal:  u.MaxGlobalWorkers,
		MaxPerRepo: u.MaxWorkersPerRepo,
		MaxPerUser: u.MaxWorkersPerUser,
	})
	o.retries.SetPolicy(retry)
	if u.ScoringWeights != nil {
		o.scorer.SetWeights(*u.ScoringWeights)
	}
}

// runCycle is the cycle body: refresh the queue, promote ready retries,
// drain by assigning and dispatching. Cycles are serialized by cycleMu.
func (o *Orchestrator) runCycle(ctx domain.Context) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	tracer := otel.Tracer("orchestrator.loop")
	ctx, span := tracer.Start(ctx, "Orchestrator.cycle")
	defer span.End()

	started := time.Now()

	if err := o.queue.Refresh(ctx); err != nil {
		// A failed refresh aborts this cycle; the next one retries.
		slog.Error("queue refresh failed", slog.Any("error", err))
		span.RecordError(err)
		o.finishCycle(started, span)
		return
	}

	o.promoteRetries(ctx)

	// Bound the drain to the items present at cycle start so a refused
	// dispatch, which requeues its item, cannot spin the loop.
	pending := o.queue.Len()
	dispatched := 0
	for i := 0; i < pending; i++ {
		qi, ok := o.queue.Next()
		if !ok {
			break
		}
		o.dispatch(ctx, qi)
		dispatched++
	}

	span.SetAttributes(attribute.Int("orchestrator.dispatched", dispatched))
	o.finishCycle(started, span)
}

func (o *Orchestrator) finishCycle(started time.Time, span trace.Span) {
	dur := time.Since(started)
	span.SetAttributes(attribute.Float64("orchestrator.cycle_seconds", dur.Seconds()))
	o.mu.Lock()
	o.cycleCount++
	o.lastCycleAt = started
	o.lastCycleDuration = dur
	o.mu.Unlock()

	observability.ObserveCycle(dur)
	observability.SetSchedulerGauges(
		o.queue.Len(),
		o.queue.ProcessingCount(),
		o.ledger.Status().Global,
		o.retries.PendingRetries(),
	)
}

// promoteRetries moves ready retry contexts back into the queue with a
// fixed priority, preserving their retry counts.
func (o *Orchestrator) promoteRetries(ctx domain.Context) {
	for _, rc := range o.retries.ReadyRetries() {
		item, err := o.store.FindByID(ctx, rc.WorkItemID)
		if err != nil {
			slog.Error("failed to load work item for retry",
				slog.String("work_item_id", rc.WorkItemID),
				slog.Any("error", err))
			continue
		}
		o.queue.Push(domain.QueuedItem{
			Item:          item,
			Priority:      RetryPriority,
			RetryCount:    rc.RetryCount,
			EngineRetries: rc.RetryCount,
			LastError:     rc.LastError,
		})
		slog.Info("retry promoted to queue",
			slog.String("work_item_id", rc.WorkItemID),
			slog.Int("retry_count", rc.RetryCount))
	}
}

// dispatch assigns one queue item to a worker and submits it to the
// executor. The executor result is handled by a continuation goroutine;
// the drain phase never blocks on execution.
func (o *Orchestrator) dispatch(ctx domain.Context, qi domain.QueuedItem) {
	item := qi.Item

	if ok, reason := o.ledger.MayStart(item); !ok {
		slog.Debug("dispatch refused by concurrency ledger",
			slog.String("work_item_id", item.ID),
			slog.String("reason", reason))
		o.queue.Requeue(qi, reason)
		observability.RecordDispatch("requeued")
		return
	}

	role := o.scorer.DetermineRole(item)
	worker, found, err := o.scorer.FindBestWorker(ctx, item, role)
	if err != nil {
		slog.Error("worker selection failed",
			slog.String("work_item_id", item.ID),
			slog.Any("error", err))
		o.queue.Requeue(qi, "no available workers")
		observability.RecordDispatch("requeued")
		return
	}
	if !found {
		o.queue.Requeue(qi, "no available workers")
		observability.RecordDispatch("requeued")
		o.maybeSpawnWorker(ctx)
		return
	}

	// MayStart and RegisterStart must appear atomic to concurrent
	// schedulers; the single-threaded drain makes that automatic.
	o.ledger.RegisterStart(item, worker.ID)

	if err := o.workflow.AssignWorkToAgent(ctx, item.ID, worker.ID, role); err != nil {
		slog.Error("workflow assignment failed",
			slog.String("work_item_id", item.ID),
			slog.String("worker_id", worker.ID),
			slog.Any("error", err))
	}
	if err := o.pool.AssignWork(ctx, worker.ID, item.ID, role); err != nil {
		slog.Error("pool assignment failed",
			slog.String("work_item_id", item.ID),
			slog.String("worker_id", worker.ID),
			slog.Any("error", err))
	}

	ec := domain.ExecutionContext{
		ExecutionID: uuid.New().String(),
		Item:        item,
		Worker:      worker,
		Role:        role,
	}

	if blocked := o.runPreHooks(ctx, ec); blocked {
		o.ledger.RegisterComplete(item, worker.ID)
		o.handleFailure(ctx, qi, ec, "blocked by pre-execution hook", domain.ErrorValidation)
		return
	}

	o.progress.MarkStarted(ctx, item.ID, worker.ID, ec.ExecutionID, "execution started")
	observability.RecordDispatch("dispatched")
	slog.Info("work item dispatched",
		slog.String("work_item_id", item.ID),
		slog.String("worker_id", worker.ID),
		slog.String("role", string(role)),
		slog.String("execution_id", ec.ExecutionID))

	o.execWG.Add(1)
	go func() {
		defer o.execWG.Done()
		defer o.ledger.RegisterComplete(item, worker.ID)

		res, err := o.executor.Execute(ctx, ec)
		if err != nil && res.Status == "" {
			// A dispatch exception is treated identically to a
			// structured error result.
			res = domain.ExecutionResult{Status: domain.ExecutionError, Error: err.Error()}
		}
		if res.ExecutionID == "" {
			res.ExecutionID = ec.ExecutionID
		}

		switch res.Status {
		case domain.ExecutionSuccess:
			o.handleSuccess(ctx, ec, res)
		case domain.ExecutionCancelled:
			slog.Info("execution cancelled",
				slog.String("work_item_id", item.ID),
				slog.String("execution_id", res.ExecutionID))
			o.queue.Complete(item.ID)
			observability.RecordDispatch("cancelled")
		default:
			category := o.retries.Categorize(res.Error)
			o.handleFailure(ctx, qi, ec, res.Error, category)
		}
	}()
}

func (o *Orchestrator) maybeSpawnWorker(ctx domain.Context) {
	o.mu.Lock()
	autoSpawn := o.cfg.AutoSpawnWorkers
	templateID := o.cfg.DefaultTemplateID
	o.mu.Unlock()

	if !autoSpawn || templateID == "" || !o.pool.CanSpawnMore(ctx) {
		return
	}
	sessionID := uuid.New().String()
	if _, err := o.pool.Spawn(ctx, templateID, sessionID); err != nil {
		slog.Error("worker auto-spawn failed",
			slog.String("template_id", templateID),
			slog.Any("error", err))
		return
	}
	slog.Info("worker auto-spawned",
		slog.String("template_id", templateID),
		slog.String("session_id", sessionID))
}

func (o *Orchestrator) runPreHooks(ctx domain.Context, ec domain.ExecutionContext) bool {
	o.hookMu.Lock()
	hooks := append([]domain.PreExecutionHook(nil), o.preHooks...)
	o.hookMu.Unlock()

	blocked := false
	for _, h := range hooks {
		allow, err := h(ctx, ec)
		if err != nil {
			slog.Error("pre-execution hook failed",
				slog.String("work_item_id", ec.Item.ID),
				slog.Any("error", err))
			continue
		}
		if !allow {
			blocked = true
		}
	}
	return blocked
}

func (o *Orchestrator) runPostHooks(ctx domain.Context, ec domain.ExecutionContext, res domain.ExecutionResult) {
	o.hookMu.Lock()
	hooks := append([]domain.PostExecutionHook(nil), o.postHooks...)
	o.hookMu.Unlock()

	for _, h := range hooks {
		if err := h(ctx, ec, res); err != nil {
			slog.Error("post-execution hook failed",
				slog.String("work_item_id", ec.Item.ID),
				slog.Any("error", err))
		}
	}
}

func (o *Orchestrator) runErrorHooks(ctx domain.Context, ec domain.ExecutionContext, execErr error) {
	o.hookMu.Lock()
	hooks := append([]domain.ErrorHook(nil), o.errorHooks...)
	o.hookMu.Unlock()

	for _, h := range hooks {
		if err := h(ctx, ec, execErr); err != nil {
			slog.Error("error hook failed",
				slog.String("work_item_id", ec.Item.ID),
				slog.Any("error", err))
		}
	}
}

// handleSuccess is the success continuation.
func (o *Orchestrator) handleSuccess(ctx domain.Context, ec domain.ExecutionContext, res domain.ExecutionResult) {
	item := ec.Item

	o.progress.MarkCompleted(ctx, item.ID, ec.Worker.ID, res.ExecutionID, "execution completed")
	if err := o.workflow.CompleteWork(ctx, item.ID, ec.Worker.ID); err != nil {
		slog.Error("workflow completion failed",
			slog.String("work_item_id", item.ID),
			slog.Any("error", err))
	}
	o.runPostHooks(ctx, ec, res)
	o.scorer.RecordRepoExperience(ec.Worker.ID, item.RepositoryID)
	o.retries.ClearErrorHistory(item.ID)
	o.queue.Complete(item.ID)
	observability.RecordDispatch("success")

	slog.Info("work item completed",
		slog.String("work_item_id", item.ID),
		slog.String("worker_id", ec.Worker.ID),
		slog.Int64("tokens_used", res.TokensUsed),
		slog.Float64("cost_usd", res.CostUSD),
		slog.Int("tool_calls", res.ToolCalls))
}

// handleFailure is the error continuation: record, notify, then either
// schedule a retry or escalate and return the item to backlog for triage.
func (o *Orchestrator) handleFailure(ctx domain.Context, qi domain.QueuedItem, ec domain.ExecutionContext, errMsg string, category domain.ErrorCategory) {
	item := ec.Item
	workerID := ec.Worker.ID

	o.retries.RecordError(item.ID, workerID, errMsg, category)
	o.progress.MarkFailed(ctx, item.ID, workerID, ec.ExecutionID, errMsg)
	o.runErrorHooks(ctx, ec, fmt.Errorf("%s", errMsg))

	if rc, ok := o.retries.ScheduleRetryWithCategory(item.ID, errMsg, category, qi.EngineRetries); ok {
		observability.RecordRetryScheduled(string(rc.Category))
		slog.Info("execution failed, retry scheduled",
			slog.String("work_item_id", item.ID),
			slog.String("category", string(rc.Category)),
			slog.Int("retry_count", rc.RetryCount),
			slog.Time("next_retry_at", rc.NextRetryAt))
	} else {
		o.retries.Escalate(ctx, item.ID, workerID, errMsg, category)
		observability.RecordEscalation()
		if err := o.workflow.Transition(ctx, item.ID, domain.StatusBacklog); err != nil {
			slog.Error("backlog transition failed after escalation",
				slog.String("work_item_id", item.ID),
				slog.Any("error", err))
		}
	}

	o.queue.Complete(item.ID)
	observability.RecordDispatch("error")
	if err := o.pool.ReportError(ctx, workerID, errMsg); err != nil {
		slog.Error("failed to report error to worker pool",
			slog.String("worker_id", workerID),
			slog.Any("error", err))
	}
}

// WaitForExecutions blocks until all in-flight executor continuations have
// finished. Intended for tests and orderly shutdown.
func (o *Orchestrator) WaitForExecutions() {
	o.execWG.Wait()
}
