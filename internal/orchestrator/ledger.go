package orchestrator

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// ConcurrencyLimits caps in-flight executions across the three fairness
// dimensions.
type ConcurrencyLimits struct {
	MaxGlobal  int
	MaxPerRepo int
	MaxPerUser int
}

// DefaultConcurrencyLimits returns the standard caps.
func DefaultConcurrencyLimits() ConcurrencyLimits {
	return ConcurrencyLimits{MaxGlobal: 10, MaxPerRepo: 3, MaxPerUser: 5}
}

// LimitsUpdate is a partial replacement of the caps; nil fields keep the
// current value.
type LimitsUpdate struct {
	MaxGlobal  *int
	MaxPerRepo *int
	MaxPerUser *int
}

// ConcurrencyStatus is a snapshot of current in-flight accounting.
type ConcurrencyStatus struct {
	Global    int
	MaxGlobal int
	PerRepo   map[string]int
	PerUser   map[string]int
}

// Ledger tracks which workers currently occupy which (repo, user) slots.
// Pure in-memory; MayStart and RegisterStart for the same item must appear
// atomic to concurrent schedulers, so the driver calls them back to back
// without yielding.
type Ledger struct {
	mu     sync.Mutex
	limits ConcurrencyLimits
	global map[string]struct{}
	byRepo map[string]map[string]struct{}
	byUser map[string]map[string]struct{}
}

// NewLedger constructs a ledger with the given caps.
func NewLedger(limits ConcurrencyLimits) *Ledger {
	def := DefaultConcurrencyLimits()
	if limits.MaxGlobal <= 0 {
		limits.MaxGlobal = def.MaxGlobal
	}
	if limits.MaxPerRepo <= 0 {
		limits.MaxPerRepo = def.MaxPerRepo
	}
	if limits.MaxPerUser <= 0 {
		limits.MaxPerUser = def.MaxPerUser
	}
	return &Ledger{
		limits: limits,
		global: make(map[string]struct{}),
		byRepo: make(map[string]map[string]struct{}),
		byUser: make(map[string]map[string]struct{}),
	}
}

// MayStart checks, in order, the global cap, the item's per-repository cap
// (when the item has a repository), and the creator's per-user cap. The
// first violated condition is returned as the reason.
func (l *Ledger) MayStart(item domain.WorkItem) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.global) >= l.limits.MaxGlobal {
		return false, fmt.Sprintf("Global worker limit reached (%d/%d)",
			len(l.global), l.limits.MaxGlobal)
	}
	if item.RepositoryID != "" {
		if n := len(l.byRepo[item.RepositoryID]); n >= l.limits.MaxPerRepo {
			return false, fmt.Sprintf("Per-repository limit reached for %s (%d/%d)",
				item.RepositoryID, n, l.limits.MaxPerRepo)
		}
	}
	if n := len(l.byUser[item.CreatedBy]); n >= l.limits.MaxPerUser {
		return false, fmt.Sprintf("Per-user limit reached for %s (%d/%d)",
			item.CreatedBy, n, l.limits.MaxPerUser)
	}
	return true, ""
}

// RegisterStart records the worker as occupying the item's slots.
func (l *Ledger) RegisterStart(item domain.WorkItem, workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global[workerID] = struct{}{}
	if item.RepositoryID != "" {
		bucket := l.byRepo[item.RepositoryID]
		if bucket == nil {
			bucket = make(map[string]struct{})
			l.byRepo[item.RepositoryID] = bucket
		}
		bucket[workerID] = struct{}{}
	}
	bucket := l.byUser[item.CreatedBy]
	if bucket == nil {
		bucket = make(map[string]struct{})
		l.byUser[item.CreatedBy] = bucket
	}
	bucket[workerID] = struct{}{}
}

// RegisterComplete releases the worker's slots. Empty buckets are removed
// to keep the indices compact.
func (l *Ledger) RegisterComplete(item domain.WorkItem, workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.global, workerID)
	if item.RepositoryID != "" {
		if bucket := l.byRepo[item.RepositoryID]; bucket != nil {
			delete(bucket, workerID)
			if len(bucket) == 0 {
				delete(l.byRepo, item.RepositoryID)
			}
		}
	}
	if bucket := l.byUser[item.CreatedBy]; bucket != nil {
		delete(bucket, workerID)
		if len(bucket) == 0 {
			delete(l.byUser, item.CreatedBy)
		}
	}
}

// Status returns a copy of the current accounting.
func (l *Ledger) Status() ConcurrencyStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := ConcurrencyStatus{
		Global:    len(l.global),
		MaxGlobal: l.limits.MaxGlobal,
		PerRepo:   make(map[string]int, len(l.byRepo)),
		PerUser:   make(map[string]int, len(l.byUser)),
	}
	for repo, bucket := range l.byRepo {
		st.PerRepo[repo] = len(bucket)
	}
	for user, bucket := range l.byUser {
		st.PerUser[user] = len(bucket)
	}
	return st
}

// UpdateLimits atomically replaces any subset of the caps. In-flight counts
// are unaffected; subsequent MayStart checks honour the new limits.
func (l *Ledger) UpdateLimits(u LimitsUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u.MaxGlobal != nil && *u.MaxGlobal > 0 {
		l.limits.MaxGlobal = *u.MaxGlobal
	}
	if u.MaxPerRepo != nil && *u.MaxPerRepo > 0 {
		l.limits.MaxPerRepo = *u.MaxPerRepo
	}
	if u.MaxPerUser != nil && *u.MaxPerUser > 0 {
		l.limits.MaxPerUser = *u.MaxPerUser
	}
}

// Limits returns the current caps.
func (l *Ledger) Limits() ConcurrencyLimits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}
