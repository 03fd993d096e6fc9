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

// rootFuncName is the synthetic frame name of the call tree root.
const rootFuncName = "root"

// CallNode is one node of the aggregated call tree. Counts are cumulative
// and only ever grow as more rounds are merged.
type CallNode struct {
	Frame    Frame
	Count    uint64
	Children map[string]*CallNode
}

func newCallNode(f Frame) *CallNode {
	return &CallNode{Frame: f, Children: make(map[string]*CallNode)}
}

func (n *CallNode) child(f Frame) *CallNode {
	k := f.key()
	c, ok := n.Children[k]
	if !ok {
		c = newCallNode(f)
		n.Children[k] = c
	}
	return c
}

// SelfCount is the number of samples whose innermost frame is this node:
// the cumulative count minus what descended into children.
func (n *CallNode) SelfCount() uint64 {
	sum := uint64(0)
	for _, c := range n.Children {
		sum += c.Count
	}
	return n.Count - sum
}

func (n *CallNode) clone() *CallNode {
	c := &CallNode{Frame: n.Frame, Count: n.Count, Children: make(map[string]*CallNode, len(n.Children))}
	for k, child := range n.Children {
		c.Children[k] = child.clone()
	}
	return c
}

// Profile is the exported artifact: an immutable snapshot of the running
// aggregate. The root is a synthetic node whose count equals the total number
// of sample records merged.
type Profile struct {
	Root         *CallNode
	TotalSamples uint64
	Rounds       uint64
	// StatusCounts breaks TotalSamples down by capture outcome. A large
	// sentinel share is the designed signal for workloads whose tasks are
	// short-lived relative to the sampling interval.
	StatusCounts map[SampleStatus]uint64
	// Interval is the configured time between rounds.
	Interval time.Duration
	// Duration is the wall time between the first and the last merged round.
	Duration time.Duration
}

// Aggregator merges per-round sample records into a weighted call tree. It
// has no locking of its own: rounds are strictly sequential, so only one
// goroutine ever mutates the tree, and snapshots are serialized by the
// sampler that owns the aggregator.
type Aggregator struct {
	root     *CallNode
	rounds   uint64
	byStatus map[SampleStatus]uint64
	interval time.Duration
	first    time.Time
	last     time.Time
}

func NewAggregator(interval time.Duration) *Aggregator {
	return &Aggregator{
		root:     newCallNode(Frame{Func: rootFuncName}),
		byStatus: make(map[SampleStatus]uint64),
		interval: interval,
	}
}

// Merge folds one round's records into the tree. Each record walks its
// frames outermost to innermost from the root, incrementing every visited
// node; the leaf (or the sentinel) gets the same increment as its ancestors.
// Merging is commutative and associative across rounds.
func (a *Aggregator) Merge(records []SampleRecord, ts time.Time) {
	if a.first.IsZero() || ts.Before(a.first) {
		a.first = ts
	}
	if ts.After(a.last) {
		a.last = ts
	}
	a.rounds++
	for i := range records {
		rec := &records[i]
		a.root.Count++
		a.byStatus[rec.Status]++
		node := a.root
		for j := len(rec.Frames) - 1; j >= 0; j-- {
			node = node.child(rec.Frames[j])
			node.Count++
		}
	}
}

// Snapshot returns a deep, immutable copy of the aggregate. Exporters
// receive snapshots and never see the live tree.
func (a *Aggregator) Snapshot() *Profile {
	status := make(map[SampleStatus]uint64, len(a.byStatus))
	for k, v := range a.byStatus {
		status[k] = v
	}
	return &Profile{
		Root:         a.root.clone(),
		TotalSamples: a.root.Count,
		Rounds:       a.rounds,
		StatusCounts: status,
		Interval:     a.interval,
		Duration:     a.last.Sub(a.first),
	}
}
