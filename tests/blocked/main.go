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

// blocked parks a cohort of tasks on a single channel and prints the folded
// profile. Every sample should land on waitForRelease.
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
	numTasks = 128
	runFor   = 2 * time.Second
)

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
	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			waitForRelease(reg, release)
		}()
	}
	time.Sleep(runFor)
	close(release)
	wg.Wait()

	state.Close()
	if err := state.Err(); err != nil {
		log.WithError(err).Fatal("sampler failed")
	}
	if err := taskprof.WriteFolded(state.Profile(), os.Stdout); err != nil {
		log.WithError(err).Fatal("writing profile")
	}
}

func waitForRelease(reg *taskprof.Registry, release chan struct{}) {
	id := reg.TaskCreated("blocked")
	defer reg.TaskFinished(id)
	reg.TaskStateChanged(id, taskprof.TaskBlocked)
	<-release
}
