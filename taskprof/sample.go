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
	"fmt"
	"time"
)

// Frame identifies one entry of a call stack.
type Frame struct {
	// Func is the fully qualified function name.
	Func string
	// File is the source file, empty for synthetic frames.
	File string
	// Line is the source line, zero for synthetic frames.
	Line int
}

// key returns the identity used to merge frames in the call tree. Two frames
// with the same function and call site are the same node.
func (f Frame) key() string {
	if f.File == "" && f.Line == 0 {
		return f.Func
	}
	return fmt.Sprintf("%s@%s:%d", f.Func, f.File, f.Line)
}

// SampleStatus describes the outcome of one capture attempt.
type SampleStatus int

const (
	// SampleOK means a real backtrace was captured.
	SampleOK SampleStatus = iota
	// SampleFailedTask means the task finished or was reclaimed between the
	// round's snapshot and the capture. Expected under high churn.
	SampleFailedTask
	// SampleFailedThread means the worker running the task did not reach a
	// safepoint within the pause timeout. Expected under blocking syscalls.
	SampleFailedThread
)

func (s SampleStatus) String() string {
	switch s {
	case SampleOK:
		return "ok"
	case SampleFailedTask:
		return "failed_task"
	case SampleFailedThread:
		return "failed_thread"
	}
	return fmt.Sprintf("SampleStatus(%d)", int(s))
}

// Sentinel frame identities. They flow through aggregation and every exporter
// unchanged so that sampling coverage gaps show up in the call tree next to
// real hotspots and can be diagnosed quantitatively.
const (
	SentinelFailedTask   = "failed to sample task"
	SentinelFailedThread = "failed to stop thread"
)

// SampleRecord is one capture attempt for one task in one round. Failed
// attempts carry a single sentinel frame instead of a backtrace; exactly one
// record is produced per snapshotted task per round.
type SampleRecord struct {
	Task TaskID
	// Time is the round timestamp shared by all records of the round.
	Time time.Time
	// Frames is ordered innermost first.
	Frames []Frame
	Status SampleStatus
}

func failedTaskRecord(id TaskID, ts time.Time) SampleRecord {
	return SampleRecord{
		Task:   id,
		Time:   ts,
		Frames: []Frame{{Func: SentinelFailedTask}},
		Status: SampleFailedTask,
	}
}

func failedThreadRecord(id TaskID, ts time.Time) SampleRecord {
	return SampleRecord{
		Task:   id,
		Time:   ts,
		Frames: []Frame{{Func: SentinelFailedThread}},
		Status: SampleFailedThread,
	}
}
