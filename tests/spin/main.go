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

// spin drives CPU-bound tasks through a small worker pool and prints the
// folded profile. The hash loop in burn should dominate, with a visible
// share on the one parked task.
package main

import (
	"context"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/parca-dev/taskprof/taskprof"
)

const (
	numTasks   = 16
	numWorkers = 4
	runFor     = 2 * time.Second
)

var sink uint64

func main() {
	state, err := taskprof.Setup(context.Background(), &taskprof.Config{
		SampleInterval: 5 * time.Millisecond,
	})
	if err != nil {
		log.WithError(err).Fatal("setup")
	}
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

	sem := make(chan *taskprof.Worker, numWorkers)
	for i := 0; i < numWorkers; i++ {
		sem <- state.RegisterWorker()
	}

	deadline := time.Now().Add(runFor)
	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := reg.TaskCreated("spin")
			defer reg.TaskFinished(id)
			burn(reg, id, sem, deadline)
		}()
	}
	time.Sleep(runFor)
	close(release)
	wg.Wait()
	for i := 0; i < numWorkers; i++ {
		state.UnregisterWorker(<-sem)
	}

	state.Close()
	if err := state.Err(); err != nil {
		log.WithError(err).Fatal("sampler failed")
	}
	if err := taskprof.WriteFolded(state.Profile(), os.Stdout); err != nil {
		log.WithError(err).Fatal("writing profile")
	}
}

// burn hashes in slices, yielding its worker between slices so the tasks
// share the pool and non-running tasks keep burn on their saved stacks.
func burn(reg *taskprof.Registry, id taskprof.TaskID, sem chan *taskprof.Worker, deadline time.Time) {
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
