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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// SamplerState is the scheduler's state machine: Idle between rounds,
// RoundInProgress while one runs, Stopped is terminal.
type SamplerState int32

const (
	SamplerIdle SamplerState = iota
	SamplerRoundInProgress
	SamplerStopped
)

func (s SamplerState) String() string {
	switch s {
	case SamplerIdle:
		return "idle"
	case SamplerRoundInProgress:
		return "round_in_progress"
	case SamplerStopped:
		return "stopped"
	}
	return "unknown"
}

// sampler drives periodic sampling rounds on one dedicated goroutine.
// Rounds are strictly sequential, which bounds the worst-case pause imposed
// on any worker to a single capture pass and keeps the aggregator single-
// writer.
type sampler struct {
	cfg     *Config
	reg     *Registry
	workers *workerSet
	engine  *captureEngine

	// profMu serializes the aggregator between Merge (sampler goroutine) and
	// Snapshot (any caller).
	profMu sync.Mutex
	agg    *Aggregator

	state    atomic.Int32
	exit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func newSampler(cfg *Config, reg *Registry, workers *workerSet) (*sampler, error) {
	engine, err := newCaptureEngine()
	if err != nil {
		return nil, err
	}
	return &sampler{
		cfg:     cfg,
		reg:     reg,
		workers: workers,
		engine:  engine,
		agg:     NewAggregator(cfg.SampleInterval),
		exit:    make(chan struct{}),
	}, nil
}

// run starts the sampling loop. The first tick fires one interval after
// start; MaxDuration, when set, stops and drains the loop.
func (s *sampler) run() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.state.Store(int32(SamplerStopped))

		tick := time.NewTicker(s.cfg.SampleInterval)
		defer tick.Stop()

		var deadline <-chan time.Time
		if s.cfg.MaxDuration > 0 {
			t := time.NewTimer(s.cfg.MaxDuration)
			defer t.Stop()
			deadline = t.C
		}

		for {
			select {
			case ts := <-tick.C:
				s.state.Store(int32(SamplerRoundInProgress))
				if err := s.round(ts); err != nil {
					// Resource exhaustion is the only error a round returns
					// and it is fatal: the sampler stops hard.
					log.WithError(err).Error("sampling round failed, stopping sampler")
					s.setErr(err)
					return
				}
				s.state.Store(int32(SamplerIdle))
			case <-deadline:
				log.WithField("max_duration", s.cfg.MaxDuration).Debug("sampling duration exhausted")
				return
			case <-s.exit:
				return
			}
		}
	}()
}

// round performs one sampling pass: snapshot, pause owning workers, capture,
// resume, merge. Per-task failures become sentinel records and never abort
// the round.
func (s *sampler) round(ts time.Time) error {
	maxEpoch := s.reg.Epoch()
	snap := s.reg.Snapshot(maxEpoch)

	// Pause each worker that owns a running task in the snapshot, once.
	paused := make(map[int]*pausedWorker)
	failed := make(map[int]bool)
	var handles []*pausedWorker
	// Safety net: no exit path may leave a worker parked.
	defer func() {
		for _, h := range handles {
			h.resume()
		}
	}()
	for _, t := range snap {
		if t.State != TaskRunning || t.Worker == nil {
			continue
		}
		wid := t.Worker.ID()
		if paused[wid] != nil || failed[wid] {
			continue
		}
		h, err := pause(t.Worker, s.cfg.PauseTimeout)
		if err != nil {
			failed[wid] = true
			log.WithField("worker", wid).Debug("worker missed pause timeout")
			continue
		}
		paused[wid] = h
		handles = append(handles, h)
	}

	stacks, err := s.engine.stacksByGoroutine()
	if err != nil {
		return err
	}

	records := make([]SampleRecord, 0, len(snap))
capture:
	for _, t := range snap {
		// stop() is honored between per-task captures; whatever was captured
		// so far is still merged below, after the workers are released.
		select {
		case <-s.exit:
			break capture
		default:
		}
		// Yield between captures so mutators keep running and each capture
		// judges the task against the registry as of its own turn, not as of
		// the snapshot. Tasks that vanish mid-round surface as sentinels.
		runtime.Gosched()
		workerPaused := t.State == TaskRunning && t.Worker != nil && paused[t.Worker.ID()] != nil
		records = append(records, s.engine.capture(s.reg, t, stacks, workerPaused, ts))
	}

	// Capture happens before resume, resume happens before the round counts
	// as complete.
	for _, h := range handles {
		h.resume()
	}
	handles = nil

	s.profMu.Lock()
	s.agg.Merge(records, ts)
	rounds := s.agg.rounds
	s.profMu.Unlock()

	if s.cfg.Reporter != nil {
		meta := RoundMeta{
			Round:         rounds,
			Timestamp:     ts,
			LiveTasks:     len(snap),
			PausedWorkers: len(paused),
			FailedWorkers: len(failed),
		}
		if err := s.cfg.Reporter.ReportRound(records, meta); err != nil {
			log.WithError(err).Warn("round reporter failed")
		}
	}
	return nil
}

// stop signals the loop to stop and waits for any in-flight round to drain.
func (s *sampler) stop() {
	s.stopOnce.Do(func() {
		close(s.exit)
	})
	s.wg.Wait()
}

// snapshot returns an immutable copy of the running aggregate.
func (s *sampler) snapshot() *Profile {
	s.profMu.Lock()
	defer s.profMu.Unlock()
	return s.agg.Snapshot()
}

// samplerState returns the current scheduler state.
func (s *sampler) samplerState() SamplerState {
	return SamplerState(s.state.Load())
}

func (s *sampler) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// lastErr returns the fatal error that stopped the sampler, if any.
func (s *sampler) lastErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
