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
	"io"
	"sort"
	"strings"

	pprofile "github.com/google/pprof/profile"
)

// WritePprof serializes a profile snapshot in pprof format. Frame identities,
// counts and parent/child structure survive losslessly: every tree node with
// a non-zero self count becomes one sample whose value is that self count, so
// summing cumulatively over the decoded samples rebuilds the tree. Sentinel
// frames are exported like any other frame.
func WritePprof(p *Profile, w io.Writer) error {
	prof := &pprofile.Profile{
		SampleType: []*pprofile.ValueType{
			{Type: "samples", Unit: "count"},
		},
		PeriodType:    &pprofile.ValueType{Type: "wallclock", Unit: "nanoseconds"},
		Period:        p.Interval.Nanoseconds(),
		DurationNanos: p.Duration.Nanoseconds(),
	}
	m := &pprofile.Mapping{ID: 1, HasFunctions: true}
	prof.Mapping = []*pprofile.Mapping{m}

	functions := make(map[string]*pprofile.Function)
	locations := make(map[string]*pprofile.Location)

	locationFor := func(f Frame) *pprofile.Location {
		key := f.key()
		if loc, ok := locations[key]; ok {
			return loc
		}
		fn, ok := functions[f.Func+"\x00"+f.File]
		if !ok {
			fn = &pprofile.Function{
				ID:         uint64(len(functions) + 1),
				Name:       f.Func,
				SystemName: f.Func,
				Filename:   f.File,
			}
			functions[f.Func+"\x00"+f.File] = fn
			prof.Function = append(prof.Function, fn)
		}
		loc := &pprofile.Location{
			ID:      uint64(len(locations) + 1),
			Mapping: m,
			Line: []pprofile.Line{{
				Function: fn,
				Line:     int64(f.Line),
			}},
		}
		locations[key] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	var path []*pprofile.Location
	var walk func(n *CallNode)
	walk = func(n *CallNode) {
		if self := n.SelfCount(); self > 0 && len(path) > 0 {
			// pprof wants locations leaf first.
			locs := make([]*pprofile.Location, len(path))
			for i, loc := range path {
				locs[len(path)-1-i] = loc
			}
			prof.Sample = append(prof.Sample, &pprofile.Sample{
				Location: locs,
				Value:    []int64{int64(self)},
			})
		}
		for _, k := range sortedChildKeys(n) {
			c := n.Children[k]
			path = append(path, locationFor(c.Frame))
			walk(c)
			path = path[:len(path)-1]
		}
	}
	walk(p.Root)

	if err := prof.CheckValid(); err != nil {
		return fmt.Errorf("writing pprof profile: %w", err)
	}
	if err := prof.Write(w); err != nil {
		return fmt.Errorf("writing pprof profile: %w", err)
	}
	return nil
}

// WriteFolded serializes a profile snapshot as folded stacks, one
// "outer;...;inner count" line per call path with a non-zero self count,
// sorted for deterministic output.
func WriteFolded(p *Profile, w io.Writer) error {
	stacks := make(map[string]uint64)
	var path []string
	var walk func(n *CallNode)
	walk = func(n *CallNode) {
		if self := n.SelfCount(); self > 0 && len(path) > 0 {
			stacks[strings.Join(path, ";")] += self
		}
		for _, k := range sortedChildKeys(n) {
			c := n.Children[k]
			path = append(path, c.Frame.Func)
			walk(c)
			path = path[:len(path)-1]
		}
	}
	walk(p.Root)

	keys := make([]string, 0, len(stacks))
	for k := range stacks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s %d\n", k, stacks[k]); err != nil {
			return err
		}
	}
	return nil
}

func sortedChildKeys(n *CallNode) []string {
	keys := make([]string, 0, len(n.Children))
	for k := range n.Children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
