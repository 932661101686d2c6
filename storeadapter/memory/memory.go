// Copyright 2026 The Chainwork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory implements chainwork.Store entirely in-process, for
// tests and single-binary examples. It is not meant for production use:
// every "transaction" is a snapshot-and-restore of the whole map set
// under a single mutex, grounded on the teacher's preference for small,
// explicit in-memory test doubles (cue/internal/core/runtime's registry
// cache) over a mocking framework.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainwork/chainwork"
)

type txMarker struct{}

// Store is an in-memory chainwork.Store.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*chainwork.Job
	blockers map[string][]string // jobID -> blocker root chain IDs
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*chainwork.Job),
		blockers: make(map[string][]string),
	}
}

func cloneJob(j *chainwork.Job) *chainwork.Job {
	cp := *j
	return &cp
}

func (s *Store) snapshot() (map[string]*chainwork.Job, map[string][]string) {
	jobs := make(map[string]*chainwork.Job, len(s.jobs))
	for k, v := range s.jobs {
		jobs[k] = cloneJob(v)
	}
	blockers := make(map[string][]string, len(s.blockers))
	for k, v := range s.blockers {
		cp := make([]string, len(v))
		copy(cp, v)
		blockers[k] = cp
	}
	return jobs, blockers
}

// RunInTransaction implements chainwork.Store.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx chainwork.TxContext) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobsSnap, blockersSnap := s.snapshot()
	if err := fn(txMarker{}); err != nil {
		s.jobs = jobsSnap
		s.blockers = blockersSnap
		return err
	}
	return nil
}

func (s *Store) withLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// lockUnlessInTx locks the store unless tx is non-nil, in which case the
// caller is already inside RunInTransaction and already holds the lock
// (sync.Mutex is not reentrant, so locking again here would deadlock).
func (s *Store) lockUnlessInTx(tx chainwork.TxContext) func() {
	if tx != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// GetJobChainByID implements chainwork.Store.
func (s *Store) GetJobChainByID(ctx context.Context, tx chainwork.TxContext, id string) (*chainwork.Chain, error) {
	defer s.lockUnlessInTx(tx)()
	return s.chainByID(id), nil
}

func (s *Store) chainByID(id string) *chainwork.Chain {
	root, ok := s.jobs[id]
	if !ok {
		return nil
	}
	tail := root
	for _, j := range s.jobs {
		if j.ChainID == id && j.SequenceIndex > tail.SequenceIndex {
			tail = j
		}
	}
	return &chainwork.Chain{Root: cloneJob(root), Tail: cloneJob(tail)}
}

// GetJobByID implements chainwork.Store.
func (s *Store) GetJobByID(ctx context.Context, tx chainwork.TxContext, id string) (*chainwork.Job, error) {
	defer s.lockUnlessInTx(tx)()
	if j, ok := s.jobs[id]; ok {
		return cloneJob(j), nil
	}
	return nil, nil
}

// CreateJob implements chainwork.Store.
func (s *Store) CreateJob(ctx context.Context, tx chainwork.TxContext, params chainwork.CreateJobParams) (*chainwork.Job, error) {
	id := params.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	job := &chainwork.Job{
		ID:            id,
		ChainID:       params.ChainID,
		ChainTypeName: params.ChainTypeName,
		TypeName:      params.TypeName,
		SequenceIndex: params.SequenceIndex,
		Input:         params.Input,
		Status:        params.Status,
		ScheduledAt:   params.ScheduledAt,
		CreatedAt:     now,
		UpdatedAt:     now,
		DedupKey:      params.DedupKey,
	}
	s.jobs[id] = job
	return cloneJob(job), nil
}

// AddJobBlockers implements chainwork.Store.
func (s *Store) AddJobBlockers(ctx context.Context, tx chainwork.TxContext, jobID string, blockerRootChainIDs []string) error {
	s.blockers[jobID] = append(append([]string{}, s.blockers[jobID]...), blockerRootChainIDs...)
	return nil
}

// ScheduleBlockedJobs implements chainwork.Store.
func (s *Store) ScheduleBlockedJobs(ctx context.Context, tx chainwork.TxContext, resolvedChainID string) ([]*chainwork.Job, error) {
	var newlyPending []*chainwork.Job
	for jobID, blockerIDs := range s.blockers {
		job, ok := s.jobs[jobID]
		if !ok || job.Status != chainwork.StatusBlocked {
			continue
		}
		remaining := make([]string, 0, len(blockerIDs))
		for _, id := range blockerIDs {
			if id == resolvedChainID {
				continue
			}
			chain := s.chainByID(id)
			if chain != nil && chain.Completed() {
				continue
			}
			remaining = append(remaining, id)
		}
		s.blockers[jobID] = remaining
		if len(remaining) == 0 {
			job.Status = chainwork.StatusPending
			job.UpdatedAt = time.Now().UTC()
			newlyPending = append(newlyPending, cloneJob(job))
		}
	}
	return newlyPending, nil
}

// GetJobBlockers implements chainwork.Store.
func (s *Store) GetJobBlockers(ctx context.Context, tx chainwork.TxContext, jobID string) ([]*chainwork.Chain, error) {
	defer s.lockUnlessInTx(tx)()
	var chains []*chainwork.Chain
	for _, id := range s.blockers[jobID] {
		if c := s.chainByID(id); c != nil {
			chains = append(chains, c)
		}
	}
	return chains, nil
}

// GetNextJobAvailableInMs implements chainwork.Store.
func (s *Store) GetNextJobAvailableInMs(ctx context.Context, typeNames []string) (int64, error) {
	allow := toSet(typeNames)
	var soonest *time.Time
	s.withLock(func() {
		for _, j := range s.jobs {
			if j.Status != chainwork.StatusPending {
				continue
			}
			if len(allow) > 0 && !allow[j.TypeName] {
				continue
			}
			t := j.ScheduledAt
			if soonest == nil || t.Before(*soonest) {
				soonest = &t
			}
		}
	})
	if soonest == nil {
		return -1, nil
	}
	d := time.Until(*soonest).Milliseconds()
	if d < 0 {
		d = 0
	}
	return d, nil
}

// AcquireJob implements chainwork.Store.
func (s *Store) AcquireJob(ctx context.Context, typeNames []string, workerID string, leaseMs int64) (*chainwork.Job, error) {
	allow := toSet(typeNames)
	var best *chainwork.Job
	now := time.Now().UTC()

	s.withLock(func() {
		var candidates []*chainwork.Job
		for _, j := range s.jobs {
			if j.Status != chainwork.StatusPending {
				continue
			}
			if len(allow) > 0 && !allow[j.TypeName] {
				continue
			}
			if j.ScheduledAt.After(now) {
				continue
			}
			candidates = append(candidates, j)
		}
		sort.Slice(candidates, func(i, k int) bool {
			if !candidates[i].ScheduledAt.Equal(candidates[k].ScheduledAt) {
				return candidates[i].ScheduledAt.Before(candidates[k].ScheduledAt)
			}
			if !candidates[i].CreatedAt.Equal(candidates[k].CreatedAt) {
				return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
			}
			return candidates[i].ID < candidates[k].ID
		})
		if len(candidates) == 0 {
			return
		}
		j := candidates[0]
		j.Status = chainwork.StatusRunning
		j.LeasedBy = workerID
		until := now.Add(time.Duration(leaseMs) * time.Millisecond)
		j.LeasedUntil = &until
		j.Attempt++
		j.UpdatedAt = now
		best = cloneJob(j)
	})
	return best, nil
}

// RenewJobLease implements chainwork.Store.
func (s *Store) RenewJobLease(ctx context.Context, jobID, workerID string, leaseMs int64) error {
	var err error
	s.withLock(func() {
		j, ok := s.jobs[jobID]
		if !ok || j.Status != chainwork.StatusRunning || j.LeasedBy != workerID {
			err = chainwork.ErrLeaseLost
			return
		}
		until := time.Now().UTC().Add(time.Duration(leaseMs) * time.Millisecond)
		j.LeasedUntil = &until
		j.UpdatedAt = time.Now().UTC()
	})
	return err
}

// RescheduleJob implements chainwork.Store.
func (s *Store) RescheduleJob(ctx context.Context, params chainwork.RescheduleJobParams) error {
	var err error
	s.withLock(func() {
		j, ok := s.jobs[params.JobID]
		if !ok || j.Status != chainwork.StatusRunning || j.LeasedBy != params.WorkerID {
			err = chainwork.ErrLeaseLost
			return
		}
		now := time.Now().UTC()
		j.Status = chainwork.StatusPending
		j.ScheduledAt = params.ScheduledAt
		j.LastAttemptAt = &now
		j.LastAttemptError = params.Error
		j.LeasedBy = ""
		j.LeasedUntil = nil
		j.UpdatedAt = now
	})
	return err
}

// CompleteJob implements chainwork.Store.
func (s *Store) CompleteJob(ctx context.Context, tx chainwork.TxContext, params chainwork.CompleteJobParams) error {
	j, ok := s.jobs[params.JobID]
	if !ok || j.Status != chainwork.StatusRunning || j.LeasedBy != params.WorkerID {
		return chainwork.ErrLeaseLost
	}
	now := time.Now().UTC()

	switch {
	case params.FatalError != "":
		j.Status = chainwork.StatusCompleted
		j.LastAttemptAt = &now
		j.LastAttemptError = params.FatalError
		j.CompletedAt = &now
		j.CompletedBy = params.WorkerID
	case params.Continuation != nil:
		j.Status = chainwork.StatusCompleted
		j.CompletedAt = &now
		j.CompletedBy = params.WorkerID
		next := &chainwork.Job{
			ID:            uuid.NewString(),
			ChainID:       j.ChainID,
			ChainTypeName: j.ChainTypeName,
			TypeName:      params.Continuation.TypeName,
			SequenceIndex: j.SequenceIndex + 1,
			Input:         params.Continuation.Input,
			Status:        chainwork.StatusPending,
			ScheduledAt:   now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.jobs[next.ID] = next
	default:
		j.Status = chainwork.StatusCompleted
		j.Output = params.Output
		j.CompletedAt = &now
		j.CompletedBy = params.WorkerID
	}
	j.LeasedBy = ""
	j.LeasedUntil = nil
	j.UpdatedAt = now
	return nil
}

// RemoveExpiredJobLease implements chainwork.Store.
func (s *Store) RemoveExpiredJobLease(ctx context.Context) ([]chainwork.ReapedJob, error) {
	var reaped []chainwork.ReapedJob
	now := time.Now().UTC()
	s.withLock(func() {
		for _, j := range s.jobs {
			if j.Status != chainwork.StatusRunning || j.LeasedUntil == nil || j.LeasedUntil.After(now) {
				continue
			}
			j.Status = chainwork.StatusPending
			j.LeasedBy = ""
			j.LeasedUntil = nil
			j.UpdatedAt = now
			reaped = append(reaped, chainwork.ReapedJob{JobID: j.ID, TypeName: j.TypeName, Attempt: j.Attempt})
		}
	})
	return reaped, nil
}

// DeleteJobsByRootChainIDs implements chainwork.Store.
func (s *Store) DeleteJobsByRootChainIDs(ctx context.Context, tx chainwork.TxContext, rootChainIDs []string) ([]*chainwork.Job, error) {
	doomed := toSet(rootChainIDs)
	for id := range s.jobs {
		j := s.jobs[id]
		if doomed[j.ChainID] {
			delete(s.jobs, id)
			delete(s.blockers, id)
		}
	}

	var newlyPending []*chainwork.Job
	for jobID, blockerIDs := range s.blockers {
		job, ok := s.jobs[jobID]
		if !ok || job.Status != chainwork.StatusBlocked {
			continue
		}
		remaining := remove(blockerIDs, doomed)
		s.blockers[jobID] = remaining
		if len(remaining) == 0 {
			job.Status = chainwork.StatusPending
			job.UpdatedAt = time.Now().UTC()
			newlyPending = append(newlyPending, cloneJob(job))
		}
	}
	return newlyPending, nil
}

// ListJobs implements chainwork.Store.
func (s *Store) ListJobs(ctx context.Context, chainID string, cursor string, limit int) (chainwork.Page[*chainwork.Job], error) {
	var items []*chainwork.Job
	s.withLock(func() {
		for _, j := range s.jobs {
			if j.ChainID == chainID {
				items = append(items, cloneJob(j))
			}
		}
	})
	sort.Slice(items, func(i, k int) bool { return items[i].SequenceIndex < items[k].SequenceIndex })
	return paginate(items, cursor, limit)
}

// ListChains implements chainwork.Store.
func (s *Store) ListChains(ctx context.Context, typeName string, cursor string, limit int) (chainwork.Page[*chainwork.Chain], error) {
	var items []*chainwork.Chain
	s.withLock(func() {
		for _, j := range s.jobs {
			if j.SequenceIndex != 0 {
				continue
			}
			if typeName != "" && j.TypeName != typeName {
				continue
			}
			items = append(items, s.chainByID(j.ID))
		}
	})
	sort.Slice(items, func(i, k int) bool { return items[i].Root.CreatedAt.Before(items[k].Root.CreatedAt) })
	return paginate(items, cursor, limit)
}

// FindChainByDedupKey implements chainwork.Store.
func (s *Store) FindChainByDedupKey(ctx context.Context, tx chainwork.TxContext, typeName, dedupKey string, strategy chainwork.DeduplicationStrategy, windowMs int64) (*chainwork.Chain, error) {
	defer s.lockUnlessInTx(tx)()
	var found *chainwork.Chain
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if j.SequenceIndex != 0 || j.TypeName != typeName || j.DedupKey == nil || *j.DedupKey != dedupKey {
			continue
		}
		chain := s.chainByID(j.ID)
		if strategy == chainwork.DedupFinalized && !chain.Completed() {
			continue
		}
		if windowMs > 0 && now.Sub(j.CreatedAt) > time.Duration(windowMs)*time.Millisecond {
			continue
		}
		if found == nil || j.CreatedAt.After(found.Root.CreatedAt) {
			found = chain
		}
	}
	return found, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

func remove(items []string, doomed map[string]bool) []string {
	out := make([]string, 0, len(items))
	for _, id := range items {
		if !doomed[id] {
			out = append(out, id)
		}
	}
	return out
}

func paginate[T any](items []T, cursor string, limit int) (chainwork.Page[T], error) {
	start := 0
	if cursor != "" {
		for i, v := range items {
			if id(v) == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 || limit > len(items)-start {
		limit = len(items) - start
	}
	if start >= len(items) {
		return chainwork.Page[T]{}, nil
	}
	end := start + limit
	page := items[start:end]
	next := ""
	if end < len(items) {
		next = id(page[len(page)-1])
	}
	return chainwork.Page[T]{Items: page, NextCursor: next}, nil
}

func id(v any) string {
	switch t := v.(type) {
	case *chainwork.Job:
		return t.ID
	case *chainwork.Chain:
		return t.ID()
	}
	return ""
}
