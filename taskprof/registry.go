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
	"sort"
	"sync"

	"github.com/petermattis/goid"
	log "github.com/sirupsen/logrus"
)

// TaskID identifies a live task. IDs are allocated from a monotonic counter
// and are never reused for the lifetime of a Registry, so a pending sample
// can never be attributed to a different task than the one it was taken for.
type TaskID uint64

// TaskState is the lifecycle state of a task as reported by the profiled
// scheduler through the registry hooks.
type TaskState int

const (
	TaskCreated TaskState = iota
	TaskRunnable
	TaskRunning
	TaskBlocked
	TaskFinished
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskRunnable:
		return "runnable"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskFinished:
		return "finished"
	}
	return "unknown"
}

type task struct {
	id     TaskID
	name   string
	state  TaskState
	gid    int64 // goroutine backing the task, 0 if not yet known
	worker *Worker
	epoch  uint64
}

// TaskView is one entry of a registry snapshot, immutable once returned.
type TaskView struct {
	ID     TaskID
	Name   string
	State  TaskState
	Gid    int64
	Worker *Worker
	Epoch  uint64
}

// Registry tracks every live task. It is the only structure touched both by
// the profiled program (through the lifecycle hooks) and by the sampler
// (through Snapshot), so every method holds the mutex only for map work,
// never across a pause or a capture.
type Registry struct {
	mu    sync.Mutex
	tasks map[TaskID]*task
	// current maps a goroutine id to the task it is backing right now. A
	// goroutine churning through tasks only ever backs the newest one.
	current   map[int64]TaskID
	nextID    TaskID
	nextEpoch uint64
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:   make(map[TaskID]*task),
		current: make(map[int64]TaskID),
	}
}

// TaskCreated registers a new task and records the calling goroutine as the
// one backing it. Call it from the task's own goroutine; use TaskCreatedOn
// when the scheduler registers tasks on their behalf.
func (r *Registry) TaskCreated(name string) TaskID {
	return r.TaskCreatedOn(name, goid.Get())
}

// TaskCreatedOn registers a new task backed by the given goroutine. A gid of
// zero means the task has no goroutine yet; it will produce failed-task
// samples until one is reported via TaskStateChanged from that goroutine.
func (r *Registry) TaskCreatedOn(name string, gid int64) TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.nextEpoch++
	id := r.nextID
	r.tasks[id] = &task{
		id:    id,
		name:  name,
		state: TaskCreated,
		gid:   gid,
		epoch: r.nextEpoch,
	}
	if gid != 0 {
		r.current[gid] = id
	}
	return id
}

// TaskStateChanged reports a transition to Runnable or Blocked. Transitions
// to Running must go through TaskRunningOn so the owning worker is known, and
// to Finished through TaskFinished.
func (r *Registry) TaskStateChanged(id TaskID, state TaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		// The task may have been reclaimed by a concurrent finish; this is a
		// registry inconsistency worth reporting but never fatal.
		log.WithFields(log.Fields{"task": id, "state": state}).Warn("state change for unknown task")
		return
	}
	t.state = state
	if state != TaskRunning {
		t.worker = nil
	}
}

// TaskRunningOn reports that a task started running on a worker.
func (r *Registry) TaskRunningOn(id TaskID, w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		log.WithField("task", id).Warn("running transition for unknown task")
		return
	}
	t.state = TaskRunning
	t.worker = w
	if w != nil && t.gid == 0 {
		t.gid = w.gid
		r.current[t.gid] = id
	}
}

// TaskFinished reports that a task reached its end and removes it from the
// live set. Finishing an unknown task is a no-op warning.
func (r *Registry) TaskFinished(id TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		log.WithField("task", id).Warn("finish for unknown task")
		return
	}
	if t.gid != 0 && r.current[t.gid] == id {
		delete(r.current, t.gid)
	}
	delete(r.tasks, id)
}

// Epoch returns the current creation epoch. A round records it before
// snapshotting so tasks created mid-round are deferred to the next round.
func (r *Registry) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextEpoch
}

// Snapshot copies the live set at a single point in time, restricted to
// tasks created at or before maxEpoch, ordered by creation epoch. The lock
// is held only for the copy; tasks finishing while the round proceeds is
// expected and surfaces as failed-task samples, not as snapshot errors.
func (r *Registry) Snapshot(maxEpoch uint64) []TaskView {
	r.mu.Lock()
	views := make([]TaskView, 0, len(r.tasks))
	for _, t := range r.tasks {
		if t.epoch > maxEpoch {
			continue
		}
		views = append(views, TaskView{
			ID:     t.id,
			Name:   t.name,
			State:  t.state,
			Gid:    t.gid,
			Worker: t.worker,
			Epoch:  t.epoch,
		})
	}
	r.mu.Unlock()
	sort.Slice(views, func(i, j int) bool { return views[i].Epoch < views[j].Epoch })
	return views
}

// backs reports whether the goroutine is still backing that task. It is
// false once the task finished, and also when the goroutine has moved on to
// a successor task, so a dumped stack is never attributed to a task the
// goroutine no longer executes.
func (r *Registry) backs(gid int64, id TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current[gid] == id
}

// live returns the current number of live tasks.
func (r *Registry) live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
