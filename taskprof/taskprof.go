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

// Package taskprof is a wall-time task sampler. It periodically captures a
// backtrace for every task registered with it, whether the task is running
// on a worker, blocked, or merely scheduled, and merges the samples into a
// weighted call tree. Capture failures are first-class samples carrying
// sentinel frames, so coverage gaps are visible in the same tree as real
// hotspots.
package taskprof

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultSampleInterval is the default time between sampling rounds.
	DefaultSampleInterval = 10 * time.Millisecond
	// DefaultPauseTimeout is the default per-worker pause timeout.
	DefaultPauseTimeout = time.Millisecond
)

var (
	ErrAlreadyInitialized = errors.New("taskprof already initialized")
	ErrNotInitialized     = errors.New("taskprof not initialized")
)

// Config configures the sampler. The zero value is usable: defaults are
// applied for the durations and sampling starts enabled.
type Config struct {
	// SampleInterval is the time between sampling rounds. It trades overhead
	// for temporal resolution.
	SampleInterval time.Duration
	// MaxDuration stops the sampler after this much wall time. Zero means no
	// bound.
	MaxDuration time.Duration
	// PauseTimeout bounds the stall a round may impose on one worker. A
	// worker that misses it yields failed-to-stop-thread samples for its
	// task and the round moves on.
	PauseTimeout time.Duration
	// Disabled registers the hooks without starting the sampling loop.
	Disabled bool
	// Reporter, when set, receives every round's raw records.
	Reporter Reporter
	// Verbose enables debug logging.
	Verbose bool
}

func (c *Config) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.PauseTimeout <= 0 {
		c.PauseTimeout = DefaultPauseTimeout
	}
}

var (
	setupMutex    sync.Mutex
	globalState   *State
	isInitialized bool
)

// State is a running sampler instance. At most one exists per process.
type State struct {
	cfg     Config
	reg     *Registry
	workers *workerSet
	sampler *sampler

	closeOnce sync.Once
}

// Setup initializes the sampler and, unless cfg.Disabled, starts the
// sampling loop. Only one Setup may be active at a time; cancelling ctx
// closes the state.
func Setup(ctx context.Context, cfg *Config) (*State, error) {
	setupMutex.Lock()
	defer setupMutex.Unlock()
	if isInitialized {
		return nil, ErrAlreadyInitialized
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	conf := Config{}
	if cfg != nil {
		conf = *cfg
	}
	conf.applyDefaults()
	if conf.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	reg := NewRegistry()
	workers := newWorkerSet()
	smp, err := newSampler(&conf, reg, workers)
	if err != nil {
		return nil, err
	}

	s := &State{
		cfg:     conf,
		reg:     reg,
		workers: workers,
		sampler: smp,
	}
	if !conf.Disabled {
		smp.run()
		log.WithFields(log.Fields{
			"interval":      conf.SampleInterval,
			"pause_timeout": conf.PauseTimeout,
		}).Debug("task sampler started")
	}

	globalState = s
	isInitialized = true

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s, nil
}

// GetState returns the active state set up by Setup.
func GetState() (*State, error) {
	setupMutex.Lock()
	defer setupMutex.Unlock()
	if !isInitialized || globalState == nil {
		return nil, ErrNotInitialized
	}
	return globalState, nil
}

// Close stops the sampler, draining any in-flight round, and releases the
// process-wide slot. Safe to call more than once.
func (s *State) Close() {
	s.closeOnce.Do(func() {
		s.sampler.stop()
		setupMutex.Lock()
		if globalState == s {
			globalState = nil
			isInitialized = false
		}
		setupMutex.Unlock()
		log.Debug("task sampler stopped")
	})
}

// Registry exposes the lifecycle hooks the profiled scheduler drives.
func (s *State) Registry() *Registry {
	return s.reg
}

// RegisterWorker registers the calling goroutine as a worker. The worker
// must call Safepoint at designated execution points and UnregisterWorker
// before exiting.
func (s *State) RegisterWorker() *Worker {
	return s.workers.register()
}

// UnregisterWorker removes a worker from pause consideration.
func (s *State) UnregisterWorker(w *Worker) {
	s.workers.unregister(w)
}

// Profile returns an immutable snapshot of the aggregated call tree.
func (s *State) Profile() *Profile {
	return s.sampler.snapshot()
}

// SamplerState returns the scheduler's current state.
func (s *State) SamplerState() SamplerState {
	return s.sampler.samplerState()
}

// Err returns the fatal error that stopped the sampler, if any.
func (s *State) Err() error {
	return s.sampler.lastErr()
}
