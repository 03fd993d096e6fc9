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
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/gostackparse"
	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
)

const (
	// initialDumpSize is the starting buffer for the per-round goroutine dump.
	initialDumpSize = 1 << 20
	// maxDumpSize bounds the dump buffer. Exceeding it is the one fatal
	// resource-exhaustion condition of the sampler.
	maxDumpSize = 1 << 29

	// frameCacheSize is the number of distinct stack signatures memoized per
	// engine. Large blocked cohorts share a handful of signatures.
	frameCacheSize = 4096

	// safepointFunc is the frame a paused worker parks in. It is machinery,
	// not workload, and is stripped from captures.
	safepointFunc = "github.com/parca-dev/taskprof/taskprof.(*Worker).Safepoint"
)

// captureEngine turns one all-goroutine dump per round into per-task frame
// stacks. The dump buffer and the parsed-frames cache persist across rounds.
type captureEngine struct {
	buf    []byte
	frames *freelru.LRU[string, []Frame]
}

func hashStackSig(s string) uint32 {
	return uint32(xxhash.Sum64String(s))
}

func newCaptureEngine() (*captureEngine, error) {
	lru, err := freelru.New[string, []Frame](frameCacheSize, hashStackSig)
	if err != nil {
		return nil, fmt.Errorf("creating frame cache: %w", err)
	}
	return &captureEngine{
		buf:    make([]byte, initialDumpSize),
		frames: lru,
	}, nil
}

// dumpGoroutines captures stacks of all goroutines, growing the buffer until
// the dump fits or the hard cap is reached.
func (e *captureEngine) dumpGoroutines() ([]byte, error) {
	for {
		n := runtime.Stack(e.buf, true)
		if n < len(e.buf) {
			return e.buf[:n], nil
		}
		if len(e.buf) >= maxDumpSize {
			return nil, fmt.Errorf("goroutine dump exceeds %d bytes", maxDumpSize)
		}
		e.buf = make([]byte, 2*len(e.buf))
	}
}

// stacksByGoroutine produces the round's goroutine-id index over the parsed
// dump. Parse errors on individual goroutines are logged and skipped; the
// affected tasks surface as failed-task samples. Conversion to frames happens
// per task at capture time, not here.
func (e *captureEngine) stacksByGoroutine() (map[int64]*gostackparse.Goroutine, error) {
	dump, err := e.dumpGoroutines()
	if err != nil {
		return nil, err
	}
	goroutines, errs := gostackparse.Parse(bytes.NewReader(dump))
	for _, perr := range errs {
		log.WithError(perr).Warn("parsing goroutine dump")
	}
	stacks := make(map[int64]*gostackparse.Goroutine, len(goroutines))
	for _, g := range goroutines {
		stacks[int64(g.ID)] = g
	}
	return stacks, nil
}

// convert trims and converts a parsed stack, memoizing by signature so the
// many identical stacks of a blocked cohort are converted once.
func (e *captureEngine) convert(stack []*gostackparse.Frame) []Frame {
	var sig strings.Builder
	for _, f := range stack {
		sig.WriteString(f.Func)
		sig.WriteByte(';')
		sig.WriteString(f.File)
		sig.WriteByte(':')
		sig.WriteString(strconv.Itoa(f.Line))
		sig.WriteByte('\n')
	}
	key := sig.String()
	if frames, ok := e.frames.Get(key); ok {
		return frames
	}
	frames := trimFrames(stack)
	e.frames.Add(key, frames)
	return frames
}

// trimFrames drops the safepoint machinery and runtime-internal frames from
// the innermost end: a paused worker's visible leaf is the safepoint it
// parked at, which says nothing about the task it runs.
func trimFrames(stack []*gostackparse.Frame) []Frame {
	start := 0
	for start < len(stack) {
		fn := stack[start].Func
		if fn == safepointFunc || strings.HasPrefix(fn, "runtime.") {
			start++
			continue
		}
		break
	}
	frames := make([]Frame, 0, len(stack)-start)
	for _, f := range stack[start:] {
		frames = append(frames, Frame{Func: f.Func, File: f.File, Line: f.Line})
	}
	return frames
}

// capture produces the sample record for one snapshotted task, given the
// round's goroutine index and whether the task's owning worker was paused.
// The verdict reflects the registry at this task's own capture, after the
// stack work, not at the snapshot: the dump is older than the check.
func (e *captureEngine) capture(reg *Registry, t TaskView, stacks map[int64]*gostackparse.Goroutine, workerPaused bool, ts time.Time) SampleRecord {
	if t.State == TaskRunning && t.Worker != nil && !workerPaused {
		return failedThreadRecord(t.ID, ts)
	}
	// No backing goroutine reported, or it is gone from the dump.
	if t.Gid == 0 {
		return failedTaskRecord(t.ID, ts)
	}
	g, ok := stacks[t.Gid]
	if !ok {
		return failedTaskRecord(t.ID, ts)
	}
	frames := e.convert(g.Stack)
	if len(frames) == 0 {
		return failedTaskRecord(t.ID, ts)
	}
	// The task may have finished since the snapshot, or its goroutine moved
	// on to a successor task; in both cases the dumped stack is not this
	// task's and the capture failed.
	if !reg.backs(t.Gid, t.ID) {
		return failedTaskRecord(t.ID, ts)
	}
	return SampleRecord{Task: t.ID, Time: ts, Frames: frames, Status: SampleOK}
}
