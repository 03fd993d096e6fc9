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
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
)

// errFailedToStopThread is returned when a worker does not reach a safepoint
// within the pause timeout. The round proceeds and the worker's task is
// recorded with the failed-to-stop-thread sentinel.
var errFailedToStopThread = errors.New("worker did not reach a safepoint in time")

// Worker is one mutator goroutine that executes tasks. Workers suspend only
// at safepoints they reach themselves; the sampler never interrupts them
// asynchronously. The protocol is lock-free so a pause can never deadlock
// against anything a worker holds.
type Worker struct {
	id      int
	gid     int64
	pending atomic.Pointer[pauseToken]
}

// pauseToken is one in-flight pause request. The worker claims it with a CAS
// before acknowledging, the controller retracts it with a CAS on timeout;
// whoever wins the CAS decides whether the pause happened.
type pauseToken struct {
	ack     chan struct{} // buffered, worker sends once after claiming
	release chan struct{} // closed by resume
	once    sync.Once
}

func newWorker(id int, gid int64) *Worker {
	return &Worker{id: id, gid: gid}
}

// ID returns the worker's registration id.
func (w *Worker) ID() int { return w.id }

// Safepoint is the designated suspension point. Call it at well-defined
// execution points, typically between units of work. The fast path is a
// single atomic load. When a pause is pending the worker acknowledges and
// parks until the sampler resumes it.
func (w *Worker) Safepoint() {
	tok := w.pending.Load()
	if tok == nil {
		return
	}
	if !w.pending.CompareAndSwap(tok, nil) {
		// Retracted by a pause timeout while we were looking at it.
		return
	}
	tok.ack <- struct{}{}
	<-tok.release
}

// pause requests cooperative suspension of the worker and waits up to timeout
// for it to park at a safepoint. On timeout the request is retracted so the
// worker is never left with a stale token; if the worker claimed the token in
// the same instant the ack is imminent and the pause counts as successful.
func pause(w *Worker, timeout time.Duration) (*pausedWorker, error) {
	tok := &pauseToken{ack: make(chan struct{}, 1), release: make(chan struct{})}
	if !w.pending.CompareAndSwap(nil, tok) {
		// A token is already posted. Rounds are sequential so this only
		// happens if a previous round timed out and the worker has not looked
		// at the stale token yet; treat it like a worker that cannot stop.
		return nil, errFailedToStopThread
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.ack:
		return &pausedWorker{w: w, tok: tok}, nil
	case <-timer.C:
		if w.pending.CompareAndSwap(tok, nil) {
			return nil, errFailedToStopThread
		}
		<-tok.ack
		return &pausedWorker{w: w, tok: tok}, nil
	}
}

// pausedWorker is the handle for a successful pause. Every handle is resumed
// exactly once by the round that obtained it, on all exit paths.
type pausedWorker struct {
	w   *Worker
	tok *pauseToken
}

// resume releases the parked worker. Idempotent.
func (p *pausedWorker) resume() {
	p.tok.once.Do(func() { close(p.tok.release) })
}

// workerSet tracks registered workers so rounds can address them by identity.
type workerSet struct {
	mu     sync.Mutex
	nextID int
	all    map[int]*Worker
}

func newWorkerSet() *workerSet {
	return &workerSet{all: make(map[int]*Worker)}
}

// register creates a Worker bound to the calling goroutine.
func (s *workerSet) register() *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	w := newWorker(s.nextID, goid.Get())
	s.all[w.id] = w
	return w
}

func (s *workerSet) unregister(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.all, w.id)
}
