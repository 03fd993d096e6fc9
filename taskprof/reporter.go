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

import "time"

// Reporter is the interface taskprof clients implement to receive the raw
// sample records of every round before they disappear into the aggregate.
type Reporter interface {
	// ReportRound reports one round's records with their metadata. It is
	// called from the sampler goroutine after the round is merged; errors are
	// logged and never stop the sampler.
	ReportRound(records []SampleRecord, meta RoundMeta) error
}

// RoundMeta contains metadata for one sampling round.
type RoundMeta struct {
	// Round is the 1-based index of the round.
	Round uint64
	// Timestamp is the time the round started.
	Timestamp time.Time
	// LiveTasks is the size of the registry snapshot the round worked from.
	LiveTasks int
	// PausedWorkers is the number of workers successfully paused.
	PausedWorkers int
	// FailedWorkers is the number of workers that missed the pause timeout.
	FailedWorkers int
}
