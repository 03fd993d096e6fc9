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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/parca-dev/taskprof/taskprof"
)

func main() {
	fs := flag.NewFlagSet("taskprof", flag.ExitOnError)
	var (
		interval     = fs.Duration("interval", taskprof.DefaultSampleInterval, "time between sampling rounds")
		duration     = fs.Duration("duration", 3*time.Second, "how long to run the workload")
		pauseTimeout = fs.Duration("pause-timeout", taskprof.DefaultPauseTimeout, "per-worker pause timeout")
		workload     = fs.String("workload", "blocked", "workload to run: blocked, spin or churn")
		tasks        = fs.Int("tasks", 256, "number of tasks the workload creates")
		output       = fs.String("output", "taskprof.pprof", "profile output path")
		format       = fs.String("format", "pprof", "output format: pprof or folded")
		enabled      = fs.Bool("enabled", true, "capture samples while the workload runs")
		verbose      = fs.Bool("verbose", false, "enable debug logging")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("TASKPROF")); err != nil {
		log.WithError(err).Fatal("parsing flags")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, err := taskprof.Setup(ctx, &taskprof.Config{
		SampleInterval: *interval,
		MaxDuration:    *duration,
		PauseTimeout:   *pauseTimeout,
		Disabled:       !*enabled,
		Verbose:        *verbose,
	})
	if err != nil {
		log.WithError(err).Fatal("setting up task sampler")
	}
	defer state.Close()

	log.WithFields(log.Fields{
		"workload": *workload,
		"tasks":    *tasks,
		"duration": *duration,
	}).Info("running workload")

	switch *workload {
	case "blocked":
		runBlocked(state, *tasks, *duration)
	case "spin":
		runSpin(state, *tasks, *duration)
	case "churn":
		runChurn(state, *tasks, *duration)
	default:
		log.WithField("workload", *workload).Fatal("unknown workload")
	}

	state.Close()
	if err := state.Err(); err != nil {
		log.WithError(err).Fatal("sampler stopped with error")
	}

	prof := state.Profile()
	log.WithFields(log.Fields{
		"rounds":  prof.Rounds,
		"samples": prof.TotalSamples,
	}).Info("profile collected")

	f, err := os.Create(*output)
	if err != nil {
		log.WithError(err).Fatal("creating output file")
	}
	defer f.Close()
	switch *format {
	case "pprof":
		err = taskprof.WritePprof(prof, f)
	case "folded":
		err = taskprof.WriteFolded(prof, f)
	default:
		log.WithField("format", *format).Fatal("unknown output format")
	}
	if err != nil {
		log.WithError(err).Fatal("writing profile")
	}
	fmt.Printf("wrote %s profile to %s (%d samples over %d rounds)\n", *format, *output, prof.TotalSamples, prof.Rounds)
}

// runBlocked parks n tasks on one channel for the whole run. The aggregate
// should attribute nearly all samples to the blocking receive below.
func runBlocked(state *taskprof.State, n int, d time.Duration) {
	reg := state.Registry()
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := reg.TaskCreated("blocked")
			defer reg.TaskFinished(id)
			reg.TaskStateChanged(id, taskprof.TaskBlocked)
			<-release
		}()
	}
	time.Sleep(d)
	close(release)
	wg.Wait()
}

// runSpin drives n CPU-bound tasks through a small pool of workers, plus one
// task parked on a channel, so the profile shows a dominant compute frame
// with a small blocked share.
func runSpin(state *taskprof.State, n int, d time.Duration) {
	reg := state.Registry()

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		id := reg.TaskCreated("parked")
		defer reg.TaskFinished(id)
		reg.TaskStateChanged(id, taskprof.TaskBlocked)
		<-release
	}()

	const workers = 4
	sem := make(chan *taskprof.Worker, workers)
	for i := 0; i < workers; i++ {
		sem <- state.RegisterWorker()
	}

	deadline := time.Now().Add(d)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := reg.TaskCreated("spin")
			defer reg.TaskFinished(id)
			compute(reg, id, sem, deadline)
		}()
	}
	time.Sleep(d)
	close(release)
	wg.Wait()
	for i := 0; i < workers; i++ {
		state.UnregisterWorker(<-sem)
	}
}

// compute burns CPU in slices, yielding its worker between slices so the n
// tasks share the pool. A task waiting for a worker keeps compute on its
// saved stack, which is what attributes its samples to this function.
func compute(reg *taskprof.Registry, id taskprof.TaskID, sem chan *taskprof.Worker, deadline time.Time) {
	x := uint64(1)
	w := <-sem
	reg.TaskRunningOn(id, w)
	for time.Now().Before(deadline) {
		for i := 0; i < 1<<12; i++ {
			x = x*6364136223846793005 + 1442695040888963407
		}
		w.Safepoint()
		reg.TaskStateChanged(id, taskprof.TaskRunnable)
		sem <- w
		w = <-sem
		reg.TaskRunningOn(id, w)
	}
	reg.TaskStateChanged(id, taskprof.TaskRunnable)
	sem <- w
	sink = x
}

var sink uint64

// runChurn continuously spawns tasks that finish in about 100 microseconds,
// far below any reasonable sampling interval. Most snapshot entries vanish
// before capture, so the failed-to-sample-task sentinel dominates.
func runChurn(state *taskprof.State, n int, d time.Duration) {
	reg := state.Registry()
	var wg sync.WaitGroup
	stop := time.Now().Add(d)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(stop) {
				id := reg.TaskCreated("churn")
				time.Sleep(100 * time.Microsecond)
				reg.TaskFinished(id)
			}
		}()
	}
	wg.Wait()
}
