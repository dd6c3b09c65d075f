// Copyright 2025 Tom Barlow
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

// Package state keeps the execution state of every flow. The durable
// record store is the source of truth; the in-memory cache only saves
// reads and is swept of entries that have gone quiet.
package state

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/tombee/testflow/internal/backend"
	"github.com/tombee/testflow/internal/config"
	"github.com/tombee/testflow/internal/log"
	"github.com/tombee/testflow/internal/retry"
	"github.com/tombee/testflow/internal/telemetry"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// Options configures a Store.
type Options struct {
	// CheckInterval is the sweep period.
	CheckInterval time.Duration

	// MaxAge evicts cache entries not updated for this long.
	MaxAge time.Duration

	// Retry recovers from transient persistence failures.
	Retry *retry.Executor

	// PersistAttempts bounds each durable read or write.
	PersistAttempts int

	Logger *slog.Logger

	// Now overrides the clock.
	Now func() time.Time
}

// OptionsFromConfig maps orchestrator settings onto store options.
func OptionsFromConfig(c config.StateConfig) Options {
	return Options{CheckInterval: c.CheckInterval, MaxAge: c.MaxAge}
}

type entry struct {
	mu    sync.Mutex
	state *flow.ExecutionState
}

// Store serializes updates per flow and persists every change.
type Store struct {
	records backend.RecordStore
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	stop context.CancelFunc
	done chan struct{}
}

// New creates a Store over records.
func New(records backend.RecordStore, opts Options) *Store {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = time.Hour
	}
	if opts.PersistAttempts <= 0 {
		opts.PersistAttempts = 3
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.Config{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.1})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		records: records,
		opts:    opts,
		logger:  log.WithComponent(log.OrDefault(opts.Logger), "state"),
		entries: make(map[string]*entry),
	}
}

// lock returns the locked cache entry for id, creating an empty one.
func (s *Store) lock(id string) *entry {
	for {
		s.mu.Lock()
		e, ok := s.entries[id]
		if !ok {
			e = &entry{}
			s.entries[id] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		s.mu.Lock()
		current := s.entries[id] == e
		s.mu.Unlock()
		if current {
			return e
		}
		// Evicted while we waited.
		e.mu.Unlock()
	}
}

// unlock releases e, dropping it from the map if it never held state.
func (s *Store) unlock(id string, e *entry) {
	empty := e.state == nil
	e.mu.Unlock()
	if empty {
		s.mu.Lock()
		if cur, ok := s.entries[id]; ok && cur == e && e.mu.TryLock() {
			if e.state == nil {
				delete(s.entries, id)
			}
			e.mu.Unlock()
		}
		s.mu.Unlock()
	}
}

// load fills e from durable storage when the cache missed. It returns
// false if no durable record exists.
func (s *Store) load(ctx context.Context, id string, e *entry) (bool, error) {
	if e.state != nil {
		return true, nil
	}

	rec, _, err := retry.Run(ctx, s.opts.Retry, s.opts.PersistAttempts,
		func(ctx context.Context, _ int) (*backend.FlowRecord, error) {
			return s.records.ReadFlowRecord(ctx, id)
		})
	if err != nil {
		var nf *flowerrors.NotFoundError
		if errors.As(err, &nf) {
			return false, nil
		}
		telemetry.RecordPersistenceError(telemetry.OpRead, flowerrors.Type(err))
		return false, flowerrors.Wrapf(err, "reading state for flow %s", id)
	}

	st := rec.State.Clone()
	if st == nil {
		st = &flow.ExecutionState{
			FlowID:      rec.ID,
			FlowName:    rec.Name,
			Status:      rec.Status,
			CreatedAt:   rec.CreatedAt,
			LastUpdated: rec.UpdatedAt,
		}
	}
	e.state = st
	s.logger.Debug("state rehydrated", slog.String(log.FlowIDKey, id))
	return true, nil
}

func (s *Store) persist(ctx context.Context, st *flow.ExecutionState) error {
	patch := &backend.RecordPatch{
		Name:      st.FlowName,
		Status:    st.Status,
		State:     st,
		UpdatedAt: st.LastUpdated,
	}
	_, err := s.opts.Retry.Do(ctx, s.opts.PersistAttempts, func(ctx context.Context, _ int) error {
		return s.records.WriteFlowRecord(ctx, st.FlowID, patch)
	})
	if err != nil {
		telemetry.RecordPersistenceError(telemetry.OpWrite, flowerrors.Type(err))
		s.logger.Error("failed to persist state",
			slog.String(log.FlowIDKey, st.FlowID), log.Error(err))
		return flowerrors.Wrapf(err, "persisting state for flow %s", st.FlowID)
	}
	return nil
}

// Initialize creates PENDING state for f. Existing non-terminal state fails
// with AlreadyInitializedError; terminal state is replaced so a flow can
// run again.
func (s *Store) Initialize(ctx context.Context, f *flow.TestFlow) (*flow.ExecutionState, error) {
	e := s.lock(f.ID)
	defer s.unlock(f.ID, e)

	found, err := s.load(ctx, f.ID, e)
	if err != nil {
		return nil, err
	}
	if found && !e.state.Status.IsTerminal() {
		return nil, &flowerrors.AlreadyInitializedError{FlowID: f.ID, Status: e.state.Status.String()}
	}

	now := s.opts.Now()
	st := &flow.ExecutionState{
		FlowID:      f.ID,
		FlowName:    f.Name,
		Status:      flow.StatusPending,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := s.persist(ctx, st); err != nil {
		// Drop the cache so the next read reflects the durable record.
		e.state = nil
		return nil, err
	}
	e.state = st
	return st.Clone(), nil
}

// Update applies mutate to the current state of flowID and persists it.
// Updates to one flow are serialized. A flow in a terminal status cannot
// be updated and yields TerminalStateError. If persistence fails the
// change is discarded.
func (s *Store) Update(ctx context.Context, flowID string, mutate func(*flow.ExecutionState)) (*flow.ExecutionState, error) {
	e := s.lock(flowID)
	defer s.unlock(flowID, e)

	found, err := s.load(ctx, flowID, e)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, flowerrors.NewStateNotFound(flowID)
	}

	cur := e.state
	next := cur.Clone()
	mutate(next)
	next.FlowID = cur.FlowID

	if cur.Status.IsTerminal() {
		return nil, &flowerrors.TerminalStateError{
			FlowID:    flowID,
			Current:   cur.Status.String(),
			Requested: next.Status.String(),
		}
	}
	if next.Status != cur.Status && !cur.Status.CanTransition(next.Status) {
		return nil, &flowerrors.ValidationError{
			Field:   "status",
			Message: "cannot transition from " + cur.Status.String() + " to " + next.Status.String(),
		}
	}

	next.LastUpdated = s.opts.Now()
	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}
	e.state = next
	return next.Clone(), nil
}

// SetStatus is Update for the common status-only change.
func (s *Store) SetStatus(ctx context.Context, flowID string, status flow.Status) (*flow.ExecutionState, error) {
	return s.Update(ctx, flowID, func(st *flow.ExecutionState) { st.Status = status })
}

// TrackProgress merges progress into metrics.executionProgress and stamps
// the checkpoint time.
func (s *Store) TrackProgress(ctx context.Context, flowID string, progress map[string]any) (*flow.ExecutionState, error) {
	return s.Update(ctx, flowID, func(st *flow.ExecutionState) {
		if st.Metrics.ExecutionProgress == nil {
			st.Metrics.ExecutionProgress = make(map[string]any, len(progress))
		}
		maps.Copy(st.Metrics.ExecutionProgress, progress)
		st.Metrics.LastCheckpoint = s.opts.Now()
	})
}

// Get returns a copy of the state for flowID, rehydrating from durable
// storage if it was evicted.
func (s *Store) Get(ctx context.Context, flowID string) (*flow.ExecutionState, error) {
	e := s.lock(flowID)
	defer s.unlock(flowID, e)

	found, err := s.load(ctx, flowID, e)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, flowerrors.NewStateNotFound(flowID)
	}
	return e.state.Clone(), nil
}

// List returns durable records when the backend supports listing.
func (s *Store) List(ctx context.Context, filter backend.RecordFilter) ([]*backend.FlowRecord, error) {
	lister, ok := s.records.(backend.RecordLister)
	if !ok {
		return nil, errors.New("state backend does not support listing")
	}
	recs, err := lister.ListFlowRecords(ctx, filter)
	if err != nil {
		telemetry.RecordPersistenceError(telemetry.OpList, flowerrors.Type(err))
		return nil, err
	}
	return recs, nil
}

// Cached reports whether flowID is held in memory. It waits for an update
// in progress on flowID.
func (s *Store) Cached(flowID string) bool {
	s.mu.Lock()
	e, ok := s.entries[flowID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != nil
}

// Evict drops flowID from the cache. The durable record is untouched.
func (s *Store) Evict(flowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, flowID)
}

// Sweep evicts cache entries whose lastUpdated is older than MaxAge and
// returns how many were evicted. Entries being updated are skipped.
func (s *Store) Sweep() int {
	cutoff := s.opts.Now().Add(-s.opts.MaxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.state == nil || e.state.LastUpdated.Before(cutoff) {
			delete(s.entries, id)
			evicted++
		}
		e.mu.Unlock()
	}
	if evicted > 0 {
		s.logger.Debug("evicted stale state", slog.Int("count", evicted))
	}
	return evicted
}

// Start runs the sweep every CheckInterval until ctx is done or Close.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.stop = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Close stops the sweep.
func (s *Store) Close() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	return nil
}
