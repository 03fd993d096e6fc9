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
	"strings"
	"testing"
	"time"

	"github.com/DataDog/gostackparse"
	"github.com/petermattis/goid"
	"github.com/stretchr/testify/require"
)

func TestDumpIncludesOwnGoroutine(t *testing.T) {
	e, err := newCaptureEngine()
	require.NoError(t, err)

	stacks, err := e.stacksByGoroutine()
	require.NoError(t, err)

	g, ok := stacks[goid.Get()]
	require.True(t, ok, "current goroutine missing from dump")
	require.NotEmpty(t, g.Stack)

	found := false
	for _, f := range g.Stack {
		if strings.Contains(f.Func, "TestDumpIncludesOwnGoroutine") {
			found = true
			require.NotEmpty(t, f.File)
			require.NotZero(t, f.Line)
		}
	}
	require.True(t, found, "test frame not in captured stack")
}

func parkReportingID(ids chan<- int64, release <-chan struct{}) {
	ids <- goid.Get()
	<-release
}

// TestGoroutineIDsMatchDump pins the contract the registry depends on: the
// id reported by goid.Get on a goroutine is the id the runtime prints for it
// in the all-goroutine dump, and distinct goroutines report distinct ids.
func TestGoroutineIDsMatchDump(t *testing.T) {
	e, err := newCaptureEngine()
	require.NoError(t, err)

	const n = 3
	ids := make(chan int64, n)
	release := make(chan struct{})
	defer close(release)
	for i := 0; i < n; i++ {
		go parkReportingID(ids, release)
	}
	got := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		got[<-ids] = true
	}
	require.Len(t, got, n, "goroutine ids must be distinct")

	stacks, err := e.stacksByGoroutine()
	require.NoError(t, err)
	for id := range got {
		g, ok := stacks[id]
		require.True(t, ok, "goroutine %d missing from dump", id)
		found := false
		for _, f := range g.Stack {
			if strings.Contains(f.Func, "parkReportingID") {
				found = true
			}
		}
		require.True(t, found, "goroutine %d dumped a foreign stack", id)
	}
}

func TestTrimFrames(t *testing.T) {
	stack := []*gostackparse.Frame{
		{Func: safepointFunc, File: "safepoint.go", Line: 1},
		{Func: "runtime.gopark", File: "proc.go", Line: 2},
		{Func: "example.com/app.work", File: "work.go", Line: 3},
		{Func: "example.com/app.main", File: "main.go", Line: 4},
	}
	frames := trimFrames(stack)
	require.Equal(t, []Frame{
		{Func: "example.com/app.work", File: "work.go", Line: 3},
		{Func: "example.com/app.main", File: "main.go", Line: 4},
	}, frames)

	// Entirely machinery: nothing left, which captures as a failed task.
	frames = trimFrames(stack[:2])
	require.Empty(t, frames)

	// Runtime frames below user code stay: only the innermost end is walked.
	stack = []*gostackparse.Frame{
		{Func: "example.com/app.work"},
		{Func: "runtime.main"},
	}
	require.Len(t, trimFrames(stack), 2)
}

func TestConvertMemoizes(t *testing.T) {
	e, err := newCaptureEngine()
	require.NoError(t, err)
	stack := []*gostackparse.Frame{
		{Func: "example.com/app.work", File: "work.go", Line: 3},
	}
	f1 := e.convert(stack)
	f2 := e.convert(stack)
	require.Equal(t, f1, f2)
	require.Same(t, &f1[0], &f2[0], "expected memoized frames to be shared")
}

func TestCaptureOutcomes(t *testing.T) {
	e, err := newCaptureEngine()
	require.NoError(t, err)
	reg := NewRegistry()
	ts := time.Unix(10, 0)
	stacks := map[int64]*gostackparse.Goroutine{
		42: {ID: 42, Stack: []*gostackparse.Frame{{Func: "example.com/app.work"}}},
	}

	t.Run("blocked task with stack", func(t *testing.T) {
		id := reg.TaskCreatedOn("t", 42)
		v := TaskView{ID: id, State: TaskBlocked, Gid: 42}
		r := e.capture(reg, v, stacks, false, ts)
		require.Equal(t, SampleOK, r.Status)
		require.Equal(t, "example.com/app.work", r.Frames[0].Func)
	})

	t.Run("running task on unpaused worker", func(t *testing.T) {
		id := reg.TaskCreatedOn("t", 42)
		v := TaskView{ID: id, State: TaskRunning, Gid: 42, Worker: newWorker(1, 42)}
		r := e.capture(reg, v, stacks, false, ts)
		require.Equal(t, SampleFailedThread, r.Status)
		require.Equal(t, []Frame{{Func: SentinelFailedThread}}, r.Frames)
	})

	t.Run("running task on paused worker", func(t *testing.T) {
		id := reg.TaskCreatedOn("t", 42)
		v := TaskView{ID: id, State: TaskRunning, Gid: 42, Worker: newWorker(1, 42)}
		r := e.capture(reg, v, stacks, true, ts)
		require.Equal(t, SampleOK, r.Status)
	})

	t.Run("task without goroutine", func(t *testing.T) {
		id := reg.TaskCreatedOn("t", 0)
		v := TaskView{ID: id, State: TaskCreated, Gid: 0}
		r := e.capture(reg, v, stacks, false, ts)
		require.Equal(t, SampleFailedTask, r.Status)
		require.Equal(t, []Frame{{Func: SentinelFailedTask}}, r.Frames)
	})

	t.Run("task finished after snapshot", func(t *testing.T) {
		id := reg.TaskCreatedOn("t", 42)
		v := TaskView{ID: id, State: TaskBlocked, Gid: 42}
		reg.TaskFinished(id)
		r := e.capture(reg, v, stacks, false, ts)
		require.Equal(t, SampleFailedTask, r.Status)
	})

	t.Run("goroutine moved on to successor task", func(t *testing.T) {
		// The goroutine churned: the snapshotted task is still in the
		// registry, but its goroutine now backs a newer task. Attributing
		// the dumped stack to the old task would be wrong; it must be a
		// failed-task sample. The successor itself captures fine.
		old := reg.TaskCreatedOn("t", 42)
		succ := reg.TaskCreatedOn("t2", 42)

		r := e.capture(reg, TaskView{ID: old, State: TaskBlocked, Gid: 42}, stacks, false, ts)
		require.Equal(t, SampleFailedTask, r.Status)
		require.Equal(t, []Frame{{Func: SentinelFailedTask}}, r.Frames)

		r = e.capture(reg, TaskView{ID: succ, State: TaskBlocked, Gid: 42}, stacks, false, ts)
		require.Equal(t, SampleOK, r.Status)
	})

	t.Run("goroutine missing from dump", func(t *testing.T) {
		id := reg.TaskCreatedOn("t", 7777)
		v := TaskView{ID: id, State: TaskBlocked, Gid: 7777}
		r := e.capture(reg, v, stacks, false, ts)
		require.Equal(t, SampleFailedTask, r.Status)
	})
}
