package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

func TestDetermineRole(t *testing.T) {
	s := NewScorer(newFakePool(), domain.DefaultScoringWeights())

	cases := []struct {
		status domain.WorkItemStatus
		want   domain.WorkerRole
	}{
		{domain.StatusBacklog, domain.RoleRefiner},
		{domain.StatusReady, domain.RoleImplementer},
		{domain.StatusInProgress, domain.RoleTester},
		{domain.StatusReview, domain.RoleReviewer},
		{domain.StatusDone, domain.RoleImplementer},
	}
	for _, tc := range cases {
		got := s.DetermineRole(domain.WorkItem{Status: tc.status})
		assert.Equal(t, tc.want, got, "status %s", tc.status)
	}
}

func TestFindBestWorker_CapabilityIsHard(t *testing.T) {
	bugOnly := idleWorker("worker-bugs")
	bugOnly.Template.AllowedTypes = []domain.WorkItemType{domain.TypeBug}
	pool := newFakePool(bugOnly)
	s := NewScorer(pool, domain.DefaultScoringWeights())

	item := readyItem("w-1", domain.TypeFeature)
	_, found, err := s.FindBestWorker(context.Background(), item, domain.RoleImplementer)
	require.NoError(t, err)
	assert.False(t, found, "a worker whose template rejects the type must never be selected")

	item.Type = domain.TypeBug
	w, found, err := s.FindBestWorker(context.Background(), item, domain.RoleImplementer)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "worker-bugs", w.ID)
}

func TestFindBestWorker_WildcardTemplate(t *testing.T) {
	s := NewScorer(newFakePool(idleWorker("worker-1")), domain.DefaultScoringWeights())
	for _, typ := range []domain.WorkItemType{domain.TypeBug, domain.TypeFeature, domain.TypeTask, domain.TypeResearch} {
		_, found, err := s.FindBestWorker(context.Background(), readyItem("w", typ), domain.RoleImplementer)
		require.NoError(t, err)
		assert.True(t, found, "type %s", typ)
	}
}

func TestFindBestWorker_PrefersIdleOverBusy(t *testing.T) {
	idle := idleWorker("worker-z-idle")
	busy := idleWorker("worker-a-busy")
	busy.Status = domain.WorkerWorking
	s := NewScorer(newFakePool(busy, idle), domain.DefaultScoringWeights())

	w, found, err := s.FindBestWorker(context.Background(), readyItem("w-1", domain.TypeTask), domain.RoleImplementer)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "worker-z-idle", w.ID, "idle bonus outweighs id ordering")
}

func TestFindBestWorker_ErrorHistoryPenalty(t *testing.T) {
	clean := idleWorker("worker-b")
	flaky := idleWorker("worker-a")
	flaky.ErrorCount = 4
	s := NewScorer(newFakePool(flaky, clean), domain.DefaultScoringWeights())

	w, found, err := s.FindBestWorker(context.Background(), readyItem("w-1", domain.TypeTask), domain.RoleImplementer)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "worker-b", w.ID)
}

func TestFindBestWorker_RoleMatchBonus(t *testing.T) {
	generalist := idleWorker("worker-a")
	tester := idleWorker("worker-b")
	tester.Template.DefaultRole = domain.RoleTester
	s := NewScorer(newFakePool(generalist, tester), domain.DefaultScoringWeights())

	item := readyItem("w-1", domain.TypeTask)
	item.Status = domain.StatusInProgress
	w, found, err := s.FindBestWorker(context.Background(), item, domain.RoleTester)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "worker-b", w.ID, "matching default role beats no default role")
}

func TestFindBestWorker_RepoFamiliarityWins(t *testing.T) {
	veteran := idleWorker("worker-z")
	rookie := idleWorker("worker-a")
	s := NewScorer(newFakePool(rookie, veteran), domain.DefaultScoringWeights())

	for i := 0; i < 3; i++ {
		s.RecordRepoExperience("worker-z", "repo-1")
	}

	item := readyItem("w-1", domain.TypeTask)
	w, found, err := s.FindBestWorker(context.Background(), item, domain.RoleImplementer)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "worker-z", w.ID)

	// Familiarity with a different repository must not leak.
	item.RepositoryID = "repo-other"
	w, found, err = s.FindBestWorker(context.Background(), item, domain.RoleImplementer)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "worker-a", w.ID, "ties break by worker id when no factor differs")
}

func TestFindBestWorker_FamiliarityTaskCapAndRecency(t *testing.T) {
	clock := newFixedClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	s := NewScorer(newFakePool(), domain.DefaultScoringWeights())
	s.now = clock.Now

	for i := 0; i < 20; i++ {
		s.RecordRepoExperience("worker-1", "repo-1")
	}
	fam, ok := s.Familiarity("worker-1", "repo-1")
	require.True(t, ok)
	assert.Equal(t, 20, fam.CompletedTasks)

	item := readyItem("w-1", domain.TypeTask)
	w := idleWorker("worker-1")

	recent := s.scoreWorker(w, item, domain.RoleImplementer, clock.Now())
	moderate := s.scoreWorker(w, item, domain.RoleImplementer, clock.Now().Add(48*time.Hour))
	stale := s.scoreWorker(w, item, domain.RoleImplementer, clock.Now().Add(200*time.Hour))

	assert.Greater(t, recent, moderate)
	assert.Greater(t, moderate, stale)

	// Task count contribution is capped: 20 completions score like 5.
	weights := domain.DefaultScoringWeights()
	wantTaskBonus := familiarityPerTask * float64(familiarityTaskCap) * weights.RepoFamiliarity
	unfamiliar := s.scoreWorker(idleWorker("worker-2"), item, domain.RoleImplementer, clock.Now())
	assert.InDelta(t, wantTaskBonus+familiarityRecent*weights.RepoFamiliarity, recent-unfamiliar, 0.001)
}

func TestFindBestWorker_DeterministicTie(t *testing.T) {
	s := NewScorer(newFakePool(idleWorker("worker-c"), idleWorker("worker-a"), idleWorker("worker-b")), domain.DefaultScoringWeights())

	item := readyItem("w-1", domain.TypeTask)
	item.RepositoryID = ""
	for i := 0; i < 5; i++ {
		w, found, err := s.FindBestWorker(context.Background(), item, domain.RoleImplementer)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "worker-a", w.ID)
	}
}

func TestFindBestWorker_EmptyPoolAndError(t *testing.T) {
	pool := newFakePool()
	s := NewScorer(pool, domain.DefaultScoringWeights())

	_, found, err := s.FindBestWorker(context.Background(), readyItem("w-1", domain.TypeTask), domain.RoleImplementer)
	require.NoError(t, err)
	assert.False(t, found)

	pool.listErr = errors.New("pool unavailable")
	_, _, err = s.FindBestWorker(context.Background(), readyItem("w-1", domain.TypeTask), domain.RoleImplementer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=scorer.find_best_worker")
}

func TestScoreWorker_NeverNegative(t *testing.T) {
	s := NewScorer(newFakePool(), domain.DefaultScoringWeights())
	w := idleWorker("worker-1")
	w.Status = domain.WorkerWorking
	w.ErrorCount = 50
	w.ContextUsed = w.ContextLimit

	score := s.scoreWorker(w, readyItem("w-1", domain.TypeTask), domain.RoleImplementer, time.Now())
	assert.Equal(t, 0.0, score)
}

func TestSetWeights_ChangesSelection(t *testing.T) {
	flakyButFamiliar := idleWorker("worker-z")
	flakyButFamiliar.ErrorCount = 2
	fresh := idleWorker("worker-a")
	s := NewScorer(newFakePool(fresh, flakyButFamiliar), domain.DefaultScoringWeights())
	s.RecordRepoExperience("worker-z", "repo-1")

	item := readyItem("w-1", domain.TypeTask)

	// With error history weighted to nothing, familiarity wins.
	w1 := domain.DefaultScoringWeights()
	w1.ErrorHistory = 0
	s.SetWeights(w1)
	w, _, err := s.FindBestWorker(context.Background(), item, domain.RoleImplementer)
	require.NoError(t, err)
	assert.Equal(t, "worker-z", w.ID)

	// With familiarity ignored, the clean worker wins.
	w2 := domain.DefaultScoringWeights()
	w2.RepoFamiliarity = 0
	s.SetWeights(w2)
	w, _, err = s.FindBestWorker(context.Background(), item, domain.RoleImplementer)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", w.ID)
}
