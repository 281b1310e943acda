// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package delta implements the C5 delta selector (§4.5): choosing between
// reusing what is already local, applying a static delta, or falling back
// to an object walk.
package delta

import (
	"github.com/arbortree/pull/models/repo"
)

// Candidate is one advertised delta ending at the target commit, resolved
// against local availability.
type Candidate struct {
	Entry         repo.DeltaEntry
	FromPresent   bool
	FromPartial   bool
	FromTimestamp int64
}

// Inputs bundles everything the selector needs to decide (§4.5). Whether a
// NoMatch result is acceptable (falls back to an object walk) or fatal
// (require-static-deltas) is the caller's call, not the selector's — it is
// handled in service/pull where the rest of the option set lives.
type Inputs struct {
	Target        repo.Checksum
	TargetPresent bool
	TargetPartial bool
	Candidates    []Candidate
	DisableDeltas bool
}

// Select runs the §4.5 decision procedure.
func Select(in Inputs) repo.Selection {
	if in.TargetPresent && !in.TargetPartial {
		return repo.Selection{Outcome: repo.SelectionUnchanged}
	}

	if in.DisableDeltas {
		return repo.Selection{Outcome: repo.SelectionNoMatch}
	}

	var best *Candidate
	var scratch bool
	for i := range in.Candidates {
		c := &in.Candidates[i]
		if c.Entry.From.IsZero() {
			scratch = true
			continue
		}
		if !c.FromPresent || c.FromPartial {
			continue
		}
		if best == nil || c.FromTimestamp > best.FromTimestamp {
			best = c
		}
	}

	if best != nil {
		return repo.Selection{Outcome: repo.SelectionFrom, From: best.Entry.From}
	}
	if scratch {
		return repo.Selection{Outcome: repo.SelectionScratch}
	}
	return repo.Selection{Outcome: repo.SelectionNoMatch}
}
