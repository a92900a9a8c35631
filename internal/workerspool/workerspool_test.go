// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPool_Saturate(t *testing.T) {
	// Test saturation.
	pool := New()
	wantTasks := 5
	pool.SetMaxParallelism(wantTasks)

	var count atomic.Int32
	allStarted := make(chan struct{})
	done := make(chan struct{})

	// Every copy blocks until all of them started: it only finishes if they all run concurrently.
	go func() {
		pool.Saturate(func() {
			got := count.Add(1)
			runtime.Gosched()
			if int(got) == wantTasks {
				close(allStarted)
				return
			}
			<-allStarted
		})
		close(done)
	}()

	select {
	case <-done:
		// Success
	case <-time.After(time.Second):
		t.Fatal("Timeout before all tasks were executed.")
	}
	if int(count.Load()) != wantTasks {
		t.Fatalf("Expected %d tasks, got %d", wantTasks, count.Load())
	}

	// Test No Parallelism
	pool.SetMaxParallelism(0)
	count.Store(0)
	pool.Saturate(func() { count.Add(1) })
	assert.Equal(t, int32(1), count.Load())

	// Test Unlimited
	pool.SetMaxParallelism(-1)
	count.Store(0)
	var started atomic.Int32
	pool.Saturate(func() {
		started.Add(1)
		runtime.Gosched()
		count.Add(1)
	})
	assert.Greater(t, int(started.Load()), 1)
	assert.Equal(t, count.Load(), started.Load())
}

func TestPool_WaitToStart(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		var wg sync.WaitGroup
		var count atomic.Int32
		for range 20 {
			wg.Add(1)
			pool.WaitToStart(func() {
				count.Add(1)
				wg.Done()
			})
		}
		wg.Wait()
		assert.Equal(t, int32(20), count.Load(), "parallelism=%d", parallelism)
		assert.Equal(t, parallelism != 0, pool.IsEnabled())
		assert.Equal(t, parallelism < 0, pool.IsUnlimited())
	}
}
