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

package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/testflow/internal/config"
	"github.com/tombee/testflow/internal/log"
	flowerrors "github.com/tombee/testflow/pkg/errors"
	"github.com/tombee/testflow/pkg/flow"
)

func newTestPool(t *testing.T, specs []config.ResourceSpec, opts Options) *Pool {
	t.Helper()
	if opts.MaxWait == 0 {
		opts.MaxWait = 200 * time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	opts.Logger = log.Discard()
	p := New(specs, opts)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func cpu(n, capacity int) []config.ResourceSpec {
	return []config.ResourceSpec{{Type: "cpu", Count: n, Capacity: capacity}}
}

func TestAllocateMatchesTypeAndCapacity(t *testing.T) {
	p := newTestPool(t, []config.ResourceSpec{
		{Type: "cpu", Count: 1, Capacity: 10},
		{Type: "cpu", Count: 1, Capacity: 100},
		{Type: "memory", Count: 1, Capacity: 1024},
	}, Options{})

	tests := []struct {
		name     string
		req      flow.ResourceRequirement
		wantType string
		wantCap  int
	}{
		{"first cpu fits small request", flow.ResourceRequirement{Type: "cpu", MinimumCapacity: 5}, "cpu", 10},
		{"large cpu request skips small", flow.ResourceRequirement{Type: "cpu", MinimumCapacity: 50}, "cpu", 100},
		{"memory", flow.ResourceRequirement{Type: "memory", MinimumCapacity: 512}, "memory", 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := p.Allocate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, h.Type)
			assert.Equal(t, tt.wantCap, h.Capacity)
			assert.NotEmpty(t, h.AllocationID)
			require.NoError(t, p.Deallocate(h))
		})
	}
}

func TestAllocateExhausted(t *testing.T) {
	p := newTestPool(t, cpu(2, 100), Options{MaxWait: 50 * time.Millisecond})

	start := time.Now()
	_, err := p.Allocate(context.Background(), flow.ResourceRequirement{Type: "cpu", MinimumCapacity: 1000})
	elapsed := time.Since(start)

	var re *flowerrors.ResourceExhaustedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1000, re.MinimumCapacity)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.True(t, flowerrors.IsRetryable(err))
}

func TestDeallocateTwiceFails(t *testing.T) {
	p := newTestPool(t, cpu(1, 100), Options{})

	h, err := p.Allocate(context.Background(), flow.ResourceRequirement{Type: "cpu", MinimumCapacity: 1})
	require.NoError(t, err)
	require.NoError(t, p.Deallocate(h))

	var ue *flowerrors.UnknownResourceError
	require.ErrorAs(t, p.Deallocate(h), &ue)
	assert.Equal(t, h.ID, ue.ResourceID)

	require.ErrorAs(t, p.Deallocate(flow.ResourceHandle{ID: "missing"}), &ue)
}

func TestAllocateWaitsForRelease(t *testing.T) {
	p := newTestPool(t, cpu(1, 100), Options{MaxWait: time.Second})
	req := flow.ResourceRequirement{Type: "cpu", MinimumCapacity: 1}

	h, err := p.Allocate(context.Background(), req)
	require.NoError(t, err)

	got := make(chan flow.ResourceHandle, 1)
	go func() {
		h2, err := p.Allocate(context.Background(), req)
		assert.NoError(t, err)
		got <- h2
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Deallocate(h))

	select {
	case h2 := <-got:
		assert.Equal(t, h.ID, h2.ID)
		assert.NotEqual(t, h.AllocationID, h2.AllocationID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not granted the released resource")
	}
}

func TestWaitersServedByPriority(t *testing.T) {
	p := newTestPool(t, cpu(1, 100), Options{MaxWait: 2 * time.Second, PollInterval: time.Hour})

	held, err := p.Allocate(context.Background(), flow.ResourceRequirement{Type: "cpu"})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for _, prio := range []int{1, 5, 3} {
		wg.Add(1)
		go func(prio int) {
			defer wg.Done()
			h, err := p.Allocate(context.Background(), flow.ResourceRequirement{Type: "cpu", Priority: prio})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, prio)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			assert.NoError(t, p.Deallocate(h))
		}(prio)
		// Stagger enqueue so every waiter is queued before the release.
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, p.Deallocate(held))
	wg.Wait()
	assert.Equal(t, []int{5, 3, 1}, order)
}

func TestAtMostOneHolder(t *testing.T) {
	p := newTestPool(t, cpu(3, 100), Options{MaxWait: 5 * time.Second})
	req := flow.ResourceRequirement{Type: "cpu", MinimumCapacity: 1}

	var holders sync.Map
	var violations atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h, err := p.Allocate(context.Background(), req)
				if !assert.NoError(t, err) {
					return
				}
				if _, loaded := holders.LoadOrStore(h.ID, true); loaded {
					violations.Add(1)
				}
				time.Sleep(time.Millisecond)
				holders.Delete(h.ID)
				assert.NoError(t, p.Deallocate(h))
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	s := p.Stats()
	assert.Equal(t, 3, s.Available)
	assert.Zero(t, s.Allocated)
}

func TestConservation(t *testing.T) {
	p := newTestPool(t, cpu(4, 100), Options{})
	req := flow.ResourceRequirement{Type: "cpu"}

	check := func() {
		s := p.Stats()
		assert.Equal(t, 4, s.Available+s.Allocated+s.Maintenance)
	}

	var held []flow.ResourceHandle
	for i := 0; i < 4; i++ {
		h, err := p.Allocate(context.Background(), req)
		require.NoError(t, err)
		held = append(held, h)
		check()
	}
	for _, h := range held {
		require.NoError(t, p.Deallocate(h))
		check()
	}
	assert.Equal(t, 4, p.Stats().Available)
}

func TestAllocateForRollsBack(t *testing.T) {
	p := newTestPool(t, []config.ResourceSpec{
		{Type: "cpu", Count: 1, Capacity: 100},
	}, Options{MaxWait: 30 * time.Millisecond})

	_, err := p.AllocateFor(context.Background(), "flow-1", []flow.ResourceRequirement{
		{Type: "cpu", MinimumCapacity: 1},
		{Type: "gpu", MinimumCapacity: 1},
	})
	var re *flowerrors.ResourceExhaustedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "gpu", re.Type)

	assert.Equal(t, 1, p.Stats().Available)
	assert.Empty(t, p.Allocations())
}

func TestAllocateForAndRelease(t *testing.T) {
	p := newTestPool(t, config.DefaultInventory(), Options{})

	alloc, err := p.AllocateFor(context.Background(), "flow-1", []flow.ResourceRequirement{
		{Type: "cpu", MinimumCapacity: 50},
		{Type: "memory", MinimumCapacity: 512},
	})
	require.NoError(t, err)
	require.Len(t, alloc.Resources, 2)
	for _, h := range alloc.Resources {
		assert.Equal(t, alloc.ID, h.AllocationID)
	}
	assert.Len(t, p.Allocations(), 1)

	require.NoError(t, p.Release(alloc))
	assert.Empty(t, p.Allocations())
	assert.Equal(t, 8, p.Stats().Available)

	var ue *flowerrors.UnknownResourceError
	assert.ErrorAs(t, p.Release(alloc), &ue)
}

func TestAllocateHonorsContext(t *testing.T) {
	p := newTestPool(t, cpu(1, 100), Options{MaxWait: time.Minute})
	_, err := p.Allocate(context.Background(), flow.ResourceRequirement{Type: "cpu"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Allocate(ctx, flow.ResourceRequirement{Type: "cpu"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMaintenance(t *testing.T) {
	p := newTestPool(t, cpu(1, 100), Options{MaxWait: 20 * time.Millisecond})
	id := p.Resources()[0].ID

	require.NoError(t, p.SetMaintenance(id, true))
	assert.Equal(t, 1, p.Stats().Maintenance)

	_, err := p.Allocate(context.Background(), flow.ResourceRequirement{Type: "cpu"})
	var re *flowerrors.ResourceExhaustedError
	require.ErrorAs(t, err, &re)

	require.NoError(t, p.SetMaintenance(id, false))
	h, err := p.Allocate(context.Background(), flow.ResourceRequirement{Type: "cpu"})
	require.NoError(t, err)
	assert.Error(t, p.SetMaintenance(h.ID, true))

	var nf *flowerrors.NotFoundError
	assert.ErrorAs(t, p.SetMaintenance("nope", true), &nf)
}

func TestMonitorSamples(t *testing.T) {
	samples := make(chan Stats, 8)
	p := newTestPool(t, cpu(1, 100), Options{
		CheckInterval: 5 * time.Millisecond,
		OnSample: func(s Stats) {
			select {
			case samples <- s:
			default:
			}
		},
	})
	_, err := p.Allocate(context.Background(), flow.ResourceRequirement{Type: "cpu"})
	require.NoError(t, err)

	p.Start(context.Background())
	select {
	case s := <-samples:
		assert.InDelta(t, 1.0, s.Utilization["cpu"], 0.001)
	case <-time.After(time.Second):
		t.Fatal("no monitor sample")
	}
}

func TestCloseForceDeallocates(t *testing.T) {
	p := New(cpu(2, 100), Options{MaxWait: time.Minute, PollInterval: time.Millisecond, Logger: log.Discard()})
	_, err := p.AllocateFor(context.Background(), "flow-1", []flow.ResourceRequirement{{Type: "cpu"}, {Type: "cpu"}})
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Allocate(context.Background(), flow.ResourceRequirement{Type: "cpu"})
		waitErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, p.Close())
	assert.Equal(t, 2, p.Stats().Available)
	assert.Empty(t, p.Allocations())

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
}
