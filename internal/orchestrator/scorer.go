package orchestrator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// Scoring constants. A worker starts from scoreBase and each factor adds or
// subtracts its weighted contribution; the final score is clamped at 0.
const (
	scoreBase = 100.0

	capabilityBonus = 30.0

	roleBonusNone  = 15.0
	roleBonusMatch = 25.0
	roleBonusOther = 5.0

	idleBonus = 50.0

	errorPenaltyPerError = 10.0
	contextPenaltyFull   = 30.0

	costEfficiencyBonus     = 10.0
	costEfficiencyThreshold = 0.00002 // USD per token

	familiarityPerTask  = 5.0
	familiarityTaskCap  = 5
	familiarityRecent   = 15.0 // worked the repo within 24h
	familiarityModerate = 10.0 // within 72h
	familiarityStale    = 5.0
)

type famKey struct {
	workerID string
	repoID   string
}

// Scorer selects the best worker for a (work item, role) pair and owns the
// in-memory repo-familiarity cache.
type Scorer struct {
	pool domain.WorkerPool

	mu          sync.RWMutex
	weights     domain.ScoringWeights
	familiarity map[famKey]domain.RepoFamiliarity
	now         func() time.Time
}

// NewScorer constructs a scorer over the given worker pool.
func NewScorer(pool domain.WorkerPool, weights domain.ScoringWeights) *Scorer {
	return &Scorer{
		pool:        pool,
		weights:     weights,
		familiarity: make(map[famKey]domain.RepoFamiliarity),
		now:         time.Now,
	}
}

// SetWeights replaces the factor multipliers.
func (s *Scorer) SetWeights(w domain.ScoringWeights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights = w
}

// DetermineRole maps a work item's status to the role a worker should play.
func (s *Scorer) DetermineRole(item domain.WorkItem) domain.WorkerRole {
	switch item.Status {
	case domain.StatusBacklog:
		return domain.RoleRefiner
	case domain.StatusReady:
		return domain.RoleImplementer
	case domain.StatusInProgress:
		return domain.RoleTester
	case domain.StatusReview:
		return domain.RoleReviewer
	default:
		return domain.RoleImplementer
	}
}

// FindBestWorker scores the pool's available workers against the item and
// required role and returns the highest scorer. Ties break by worker id so
// selection is deterministic. The boolean is false when no worker qualifies.
func (s *Scorer) FindBestWorker(ctx domain.Context, item domain.WorkItem, role domain.WorkerRole) (domain.Worker, bool, error) {
	workers, err := s.pool.AvailableWorkers(ctx)
	if err != nil {
		return domain.Worker{}, false, fmt.Errorf("op=scorer.find_best_worker: %w", err)
	}
	if len(workers) == 0 {
		return domain.Worker{}, false, nil
	}

	now := s.now()
	type scored struct {
		worker domain.Worker
		score  float64
	}
	candidates := make([]scored, 0, len(workers))
	for _, w := range workers {
		sc := s.scoreWorker(w, item, role, now)
		if sc <= 0 {
			continue
		}
		candidates = append(candidates, scored{worker: w, score: sc})
	}
	if len(candidates) == 0 {
		return domain.Worker{}, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].worker.ID < candidates[j].worker.ID
	})

	best := candidates[0]
	slog.Debug("selected worker for work item",
		slog.String("work_item_id", item.ID),
		slog.String("worker_id", best.worker.ID),
		slog.String("role", string(role)),
		slog.Float64("score", best.score),
		slog.Int("candidates", len(candidates)))
	return best.worker, true, nil
}

func (s *Scorer) scoreWorker(w domain.Worker, item domain.WorkItem, role domain.WorkerRole, now time.Time) float64 {
	// Capability is a hard requirement, not a weighted preference.
	if !w.Template.Accepts(item.Type) {
		return 0
	}

	s.mu.RLock()
	weights := s.weights
	fam, hasFam := s.familiarity[famKey{workerID: w.ID, repoID: item.RepositoryID}]
	s.mu.RUnlock()

	score := scoreBase
	score += capabilityBonus * weights.CapabilityMatch

	switch {
	case w.Template.DefaultRole == "":
		score += roleBonusNone * weights.RoleMatch
	case w.Template.DefaultRole == role:
		score += roleBonusMatch * weights.RoleMatch
	default:
		score += roleBonusOther * weights.RoleMatch
	}

	if w.Status == domain.WorkerIdle {
		score += idleBonus * weights.Workload
	}

	score -= errorPenaltyPerError * float64(w.ErrorCount) * weights.ErrorHistory

	if w.ContextLimit > 0 {
		usage := float64(w.ContextUsed) / float64(w.ContextLimit)
		score -= contextPenaltyFull * usage * weights.ContextHeadroom
	}

	if w.TokensUsed > 0 && w.CostUSD/float64(w.TokensUsed) < costEfficiencyThreshold {
		score += costEfficiencyBonus * weights.CostEfficiency
	}

	if item.RepositoryID != "" && hasFam {
		tasks := fam.CompletedTasks
		if tasks > familiarityTaskCap {
			tasks = familiarityTaskCap
		}
		hours := now.Sub(fam.LastWorkedAt).Hours()
		recency := familiarityStale
		switch {
		case hours < 24:
			recency = familiarityRecent
		case hours < 72:
			recency = familiarityModerate
		}
		score += (familiarityPerTask*float64(tasks) + recency) * weights.RepoFamiliarity
	}

	if score < 0 {
		score = 0
	}
	return score
}

// RecordRepoExperience bumps the (worker, repo) familiarity counter after a
// successful completion.
func (s *Scorer) RecordRepoExperience(workerID, repoID string) {
	if repoID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := famKey{workerID: workerID, repoID: repoID}
	fam := s.familiarity[k]
	fam.CompletedTasks++
	fam.LastWorkedAt = s.now()
	s.familiarity[k] = fam
}

// Familiarity returns the familiarity entry for a (worker, repo) pair.
func (s *Scorer) Familiarity(workerID, repoID string) (domain.RepoFamiliarity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fam, ok := s.familiarity[famKey{workerID: workerID, repoID: repoID}]
	return fam, ok
}
