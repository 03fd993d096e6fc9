// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package taskprof

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// spinWorker runs a worker goroutine that bumps a counter and visits a
// safepoint until stop is closed.
func spinWorker(w *Worker, counter *atomic.Uint64, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		counter.Add(1)
		w.Safepoint()
	}
}

func TestPauseAndResume(t *testing.T) {
	w := newWorker(1, 0)
	var counter atomic.Uint64
	stop := make(chan struct{})
	defer close(stop)
	go spinWorker(w, &counter, stop)

	h, err := pause(w, time.Second)
	require.NoError(t, err)

	// The worker is parked: the counter must not advance.
	before := counter.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, before, counter.Load())

	h.resume()
	require.Eventually(t, func() bool {
		return counter.Load() > before
	}, time.Second, time.Millisecond, "worker did not continue after resume")
}

func TestPauseTimeoutZero(t *testing.T) {
	// A worker that never reaches a safepoint.
	w := newWorker(1, 0)
	_, err := pause(w, 0)
	require.ErrorIs(t, err, errFailedToStopThread)

	// The retracted token must not strand the worker: a later safepoint
	// visit returns immediately.
	done := make(chan struct{})
	go func() {
		w.Safepoint()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker parked on a retracted pause token")
	}
}

func TestResumeIdempotent(t *testing.T) {
	w := newWorker(1, 0)
	stop := make(chan struct{})
	defer close(stop)
	var counter atomic.Uint64
	go spinWorker(w, &counter, stop)

	h, err := pause(w, time.Second)
	require.NoError(t, err)
	h.resume()
	h.resume()
	h.resume()
}

// TestPauseRetractRace hammers the timeout/claim race: every pause attempt
// must end in exactly one of "failed, worker unaffected" or "succeeded,
// resumed", and the worker must never wedge.
func TestPauseRetractRace(t *testing.T) {
	w := newWorker(1, 0)
	var counter atomic.Uint64
	stop := make(chan struct{})
	go spinWorker(w, &counter, stop)

	var paused, failed int
	for i := 0; i < 2000; i++ {
		h, err := pause(w, time.Duration(i%3)*time.Microsecond)
		if err != nil {
			require.ErrorIs(t, err, errFailedToStopThread)
			failed++
			continue
		}
		paused++
		h.resume()
	}
	t.Logf("paused=%d failed=%d", paused, failed)
	require.Equal(t, 2000, paused+failed)

	// Worker is still alive and making progress.
	before := counter.Load()
	require.Eventually(t, func() bool {
		return counter.Load() > before
	}, time.Second, time.Millisecond)
	close(stop)
}

func TestWorkerSetRegister(t *testing.T) {
	s := newWorkerSet()
	w1 := s.register()
	w2 := s.register()
	require.NotEqual(t, w1.ID(), w2.ID())
	require.NotZero(t, w1.gid)
	s.unregister(w1)
	s.unregister(w2)
	require.Empty(t, s.all)
}
