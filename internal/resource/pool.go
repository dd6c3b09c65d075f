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

// Package resource implements the pool of typed, capacity-bounded resources
// that flows borrow while they execute.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/testflow/internal/config"
	"github.com/tombee/testflow/internal/log"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

// Status is the state of a single resource.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusAllocated   Status = "allocated"
	StatusMaintenance Status = "maintenance"
)

// Resource is one unit in the pool.
type Resource struct {
	ID       string
	Type     string
	Capacity int
	Status   Status
	Metrics  Metrics

	// holder is the allocation id of the current borrower.
	holder string
}

// Metrics counts how a resource has been used.
type Metrics struct {
	Allocations     int64
	LastAllocatedAt time.Time
	TotalHeld       time.Duration
}

func (r *Resource) handle() flow.ResourceHandle {
	return flow.ResourceHandle{ID: r.ID, Type: r.Type, Capacity: r.Capacity, AllocationID: r.holder}
}

// Allocation binds a flow to the resources it holds.
type Allocation struct {
	ID          string
	FlowID      string
	Resources   []flow.ResourceHandle
	AllocatedAt time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total       int
	Available   int
	Allocated   int
	Maintenance int

	// Utilization is allocated capacity over total capacity, per type.
	Utilization map[string]float64
}

// Options configures a Pool.
type Options struct {
	// MaxWait bounds how long Allocate waits for a match.
	MaxWait time.Duration

	// PollInterval is how often waiters re-check the pool.
	PollInterval time.Duration

	// CheckInterval is the monitor tick.
	CheckInterval time.Duration

	// WarnThreshold is the utilization fraction that logs a warning.
	WarnThreshold float64

	// OnSample receives every monitor sample.
	OnSample func(Stats)

	Logger *slog.Logger
}

// OptionsFromConfig maps orchestrator settings onto pool options.
func OptionsFromConfig(c config.ResourceConfig) Options {
	return Options{
		MaxWait:       c.MaxWait,
		PollInterval:  c.PollInterval,
		CheckInterval: c.CheckInterval,
		WarnThreshold: c.WarnThreshold,
	}
}

// ErrClosed is returned by Allocate once the pool is closed.
var ErrClosed = errors.New("resource pool is closed")

type waiter struct {
	req     flow.ResourceRequirement
	seq     uint64
	granted chan *Resource
}

// Pool hands out resources to at most one holder at a time.
type Pool struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	resources   []*Resource
	byID        map[string]*Resource
	allocations map[string]*Allocation
	waiters     []*waiter
	seq         uint64
	closed      bool

	stopMonitor context.CancelFunc
	monitorDone chan struct{}
}

// New creates a pool holding the resources described by specs.
func New(specs []config.ResourceSpec, opts Options) *Pool {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 10 * time.Second
	}
	if opts.WarnThreshold <= 0 {
		opts.WarnThreshold = 0.8
	}

	p := &Pool{
		opts:        opts,
		logger:      log.WithComponent(log.OrDefault(opts.Logger), "resource_pool"),
		byID:        make(map[string]*Resource),
		allocations: make(map[string]*Allocation),
	}
	for _, spec := range specs {
		for i := 0; i < spec.Count; i++ {
			r := &Resource{
				ID:       uuid.NewString(),
				Type:     spec.Type,
				Capacity: spec.Capacity,
				Status:   StatusAvailable,
			}
			p.resources = append(p.resources, r)
			p.byID[r.ID] = r
		}
	}
	return p
}

// Allocate borrows the first available resource matching req, waiting up to
// MaxWait. Waiters with higher priority are served first.
func (p *Pool) Allocate(ctx context.Context, req flow.ResourceRequirement) (flow.ResourceHandle, error) {
	return p.allocate(ctx, req, "")
}

func (p *Pool) allocate(ctx context.Context, req flow.ResourceRequirement, allocID string) (flow.ResourceHandle, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return flow.ResourceHandle{}, ErrClosed
	}
	p.seq++
	w := &waiter{req: req, seq: p.seq, granted: make(chan *Resource, 1)}
	p.enqueue(w)
	p.dispatchLocked()
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.MaxWait)
	defer timer.Stop()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-w.granted:
			if r == nil {
				return flow.ResourceHandle{}, ErrClosed
			}
			return p.bind(r, allocID)
		case <-ticker.C:
			p.mu.Lock()
			p.dispatchLocked()
			p.mu.Unlock()
		case <-timer.C:
			if r, ok := p.abandon(w); ok {
				return p.bind(r, allocID)
			}
			return flow.ResourceHandle{}, &flowerrors.ResourceExhaustedError{
				Type:            req.Type,
				MinimumCapacity: req.MinimumCapacity,
				Waited:          time.Since(start),
			}
		case <-ctx.Done():
			if r, ok := p.abandon(w); ok {
				p.mu.Lock()
				p.releaseLocked(r)
				p.dispatchLocked()
				p.mu.Unlock()
			}
			return flow.ResourceHandle{}, ctx.Err()
		}
	}
}

// enqueue inserts w by priority, higher first, FIFO within a priority.
func (p *Pool) enqueue(w *waiter) {
	i := sort.Search(len(p.waiters), func(i int) bool {
		return p.waiters[i].req.Priority < w.req.Priority
	})
	p.waiters = append(p.waiters, nil)
	copy(p.waiters[i+1:], p.waiters[i:])
	p.waiters[i] = w
}

// dispatchLocked hands available resources to waiters in priority order.
func (p *Pool) dispatchLocked() {
	kept := p.waiters[:0]
	for _, w := range p.waiters {
		if r := p.matchLocked(w.req); r != nil {
			r.Status = StatusAllocated
			w.granted <- r
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(p.waiters); i++ {
		p.waiters[i] = nil
	}
	p.waiters = kept
}

func (p *Pool) matchLocked(req flow.ResourceRequirement) *Resource {
	for _, r := range p.resources {
		if r.Status == StatusAvailable && r.Type == req.Type && r.Capacity >= req.MinimumCapacity {
			return r
		}
	}
	return nil
}

// abandon removes w from the wait list. If a grant raced the removal the
// granted resource is returned.
func (p *Pool) abandon(w *waiter) (*Resource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return nil, false
		}
	}
	select {
	case r := <-w.granted:
		return r, r != nil
	default:
		return nil, false
	}
}

func (p *Pool) bind(r *Resource, allocID string) (flow.ResourceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return flow.ResourceHandle{}, ErrClosed
	}
	if allocID == "" {
		allocID = uuid.NewString()
	}
	r.holder = allocID
	r.Metrics.Allocations++
	r.Metrics.LastAllocatedAt = time.Now()

	p.logger.Debug("resource allocated",
		slog.String(log.ResourceIDKey, r.ID),
		slog.String("type", r.Type),
		slog.String("allocation_id", allocID))
	return r.handle(), nil
}

// Deallocate returns a resource to the available set. Returning a resource
// that is not allocated fails with UnknownResourceError.
func (p *Pool) Deallocate(h flow.ResourceHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.byID[h.ID]
	if !ok || r.Status != StatusAllocated {
		return &flowerrors.UnknownResourceError{ResourceID: h.ID}
	}
	if h.AllocationID != "" && r.holder != h.AllocationID {
		return &flowerrors.UnknownResourceError{ResourceID: h.ID}
	}
	p.releaseLocked(r)
	p.dispatchLocked()

	p.logger.Debug("resource deallocated", slog.String(log.ResourceIDKey, r.ID))
	return nil
}

func (p *Pool) releaseLocked(r *Resource) {
	if !r.Metrics.LastAllocatedAt.IsZero() {
		r.Metrics.TotalHeld += time.Since(r.Metrics.LastAllocatedAt)
	}
	r.Status = StatusAvailable
	r.holder = ""
}

// AllocateFor borrows every requirement for flowID. Either all are granted
// or none are held when it returns.
func (p *Pool) AllocateFor(ctx context.Context, flowID string, reqs []flow.ResourceRequirement) (*Allocation, error) {
	alloc := &Allocation{
		ID:          uuid.NewString(),
		FlowID:      flowID,
		AllocatedAt: time.Now(),
	}
	for _, req := range reqs {
		h, err := p.allocate(ctx, req, alloc.ID)
		if err != nil {
			if rerr := p.deallocateAll(alloc.Resources); rerr != nil {
				p.logger.Error("rollback of partial allocation failed",
					slog.String(log.FlowIDKey, flowID), log.Error(rerr))
			}
			return nil, err
		}
		alloc.Resources = append(alloc.Resources, h)
	}

	p.mu.Lock()
	p.allocations[alloc.ID] = alloc
	p.mu.Unlock()
	return alloc, nil
}

// Release returns every resource held by alloc. Releasing twice fails with
// UnknownResourceError.
func (p *Pool) Release(alloc *Allocation) error {
	if alloc == nil {
		return nil
	}
	p.mu.Lock()
	delete(p.allocations, alloc.ID)
	p.mu.Unlock()
	return p.deallocateAll(alloc.Resources)
}

func (p *Pool) deallocateAll(handles []flow.ResourceHandle) error {
	var errs []error
	for _, h := range handles {
		if err := p.Deallocate(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetMaintenance moves an available resource into maintenance, or a
// maintenance resource back to available.
func (p *Pool) SetMaintenance(id string, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.byID[id]
	if !ok {
		return &flowerrors.NotFoundError{Resource: "resource", ID: id}
	}
	switch {
	case on && r.Status == StatusAvailable:
		r.Status = StatusMaintenance
	case !on && r.Status == StatusMaintenance:
		r.Status = StatusAvailable
		p.dispatchLocked()
	case r.Status == StatusAllocated:
		return fmt.Errorf("resource %s is allocated", id)
	}
	return nil
}

// Resources returns a snapshot of every resource.
func (p *Pool) Resources() []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Resource, len(p.resources))
	for i, r := range p.resources {
		out[i] = *r
	}
	return out
}

// Allocations returns the live allocations.
func (p *Pool) Allocations() []*Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Allocation, 0, len(p.allocations))
	for _, a := range p.allocations {
		out = append(out, a)
	}
	return out
}

// Stats counts resources by status and computes utilization per type.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Total: len(p.resources), Utilization: make(map[string]float64)}
	total := make(map[string]int)
	used := make(map[string]int)
	for _, r := range p.resources {
		total[r.Type] += r.Capacity
		switch r.Status {
		case StatusAvailable:
			s.Available++
		case StatusAllocated:
			s.Allocated++
			used[r.Type] += r.Capacity
		case StatusMaintenance:
			s.Maintenance++
		}
	}
	for t, c := range total {
		if c > 0 {
			s.Utilization[t] = float64(used[t]) / float64(c)
		}
	}
	return s
}

// Start runs the utilization monitor until ctx is cancelled or Close is
// called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopMonitor != nil || p.closed {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.stopMonitor = cancel
	p.monitorDone = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.monitorDone)
		ticker := time.NewTicker(p.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sample()
			}
		}
	}()
}

func (p *Pool) sample() Stats {
	s := p.Stats()
	for t, u := range s.Utilization {
		if u > p.opts.WarnThreshold {
			p.logger.Warn("resource utilization high",
				slog.String("type", t),
				slog.Float64("utilization", u),
				slog.Float64("threshold", p.opts.WarnThreshold))
		}
	}
	if p.opts.OnSample != nil {
		p.opts.OnSample(s)
	}
	return s
}

// Close stops the monitor, fails pending waiters, and force-deallocates
// every outstanding allocation.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stop, done := p.stopMonitor, p.monitorDone

	forced := 0
	for _, r := range p.resources {
		if r.Status == StatusAllocated {
			p.releaseLocked(r)
			forced++
		}
	}
	p.allocations = make(map[string]*Allocation)
	for _, w := range p.waiters {
		w.granted <- nil
	}
	p.waiters = nil
	p.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if forced > 0 {
		p.logger.Warn("force-deallocated resources on shutdown", slog.Int("count", forced))
	}
	return nil
}
