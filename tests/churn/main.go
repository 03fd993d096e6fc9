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

// churn spawns tasks whose lifetime sits far below the sampling interval and
// prints the folded profile. The failed-to-sample-task sentinel should carry
// most of the weight.
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
	spawners = 64
	taskLife = 100 * time.Microsecond
	runFor   = 2 * time.Second
)

func main() {
	state, err := taskprof.Setup(context.Background(), &taskprof.Config{
		SampleInterval: 10 * time.Millisecond,
	})
	if err != nil {
		log.WithError(err).Fatal("setup")
	}
	reg := state.Registry()

	stop := time.Now().Add(runFor)
	var wg sync.WaitGroup
	for i := 0; i < spawners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(stop) {
				id := reg.TaskCreated("churn")
				time.Sleep(taskLife)
				reg.TaskFinished(id)
			}
		}()
	}
	wg.Wait()

	state.Close()
	if err := state.Err(); err != nil {
		log.WithError(err).Fatal("sampler failed")
	}

	prof := state.Profile()
	log.WithFields(log.Fields{
		"total":       prof.TotalSamples,
		"failed_task": prof.StatusCounts[taskprof.SampleFailedTask],
	}).Info("sentinel share")
	if err := taskprof.WriteFolded(prof, os.Stdout); err != nil {
		log.WithError(err).Fatal("writing profile")
	}
}
