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

package pull

import (
	"context"
	"fmt"
	"sync"

	"github.com/arbortree/pull/models/repo"
	"github.com/arbortree/pull/service/scan"
	"github.com/arbortree/pull/service/scheduler"
	"github.com/arbortree/pull/service/verify"
)

// enqueueDelta schedules the static-delta path chosen by C5: fetch the
// superblock, fetch every part it names, apply it, then fetch whatever
// fallback objects the applier could not synthesize (§4.5, §4.7).
func (e *Engine) enqueueDelta(
	ctx context.Context,
	sched *scheduler.Scheduler,
	dedup, metaDedup *scheduler.RequestSet,
	scanQueue *scan.Queue,
	disk *scheduler.DiskSpaceChecker,
	mirrors []string,
	sel repo.Selection,
	target repo.Checksum,
	ref repo.Ref,
	keyringRef string,
	opts repo.Options,
	cnt *counters,
	previousTimestamp int64,
) {
	job := &deltaJob{
		engine:            e,
		sched:             sched,
		dedup:             dedup,
		metaDedup:         metaDedup,
		scanQueue:         scanQueue,
		disk:              disk,
		mirrors:           mirrors,
		from:              sel.From,
		to:                target,
		ref:               ref,
		keyringRef:        keyringRef,
		opts:              opts,
		cnt:               cnt,
		previousTimestamp: previousTimestamp,
	}

	sched.Enqueue(ctx, scheduler.Task{
		Class:            scheduler.ClassDeltaSuperblock,
		Checksum:         target,
		RetriesRemaining: int(opts.NNetworkRetries),
		Run:              job.fetchSuperblock,
	})
}

// deltaJob tracks the in-progress state of applying one static delta: it is
// shared by the superblock fetch and every part fetch it spawns, so it owns
// its own mutex rather than relying on the scheduler's.
type deltaJob struct {
	engine            *Engine
	sched             *scheduler.Scheduler
	dedup             *scheduler.RequestSet
	metaDedup         *scheduler.RequestSet
	scanQueue         *scan.Queue
	disk              *scheduler.DiskSpaceChecker
	mirrors           []string
	from, to          repo.Checksum
	ref               repo.Ref
	keyringRef        string
	opts              repo.Options
	cnt               *counters
	previousTimestamp int64

	mu        sync.Mutex
	sb        *repo.Superblock
	parts     map[int][]byte
	remaining int
	reserved  uint64
}

func (j *deltaJob) fetchSuperblock(ctx context.Context) error {
	path := repo.DeltaSuperblockPath(j.from, j.to)
	raw, _, err := j.engine.fetcher.FetchToMemory(ctx, j.mirrors, path, 0, "", 0, int64(j.opts.MaxMetadataSize))
	if err != nil {
		return err
	}

	var sb repo.Superblock
	if err := repo.Unmarshal(raw, &sb); err != nil {
		return repo.Wrap(repo.KindVerification, fmt.Sprintf("delta superblock %s", j.to), err)
	}

	var reserved uint64
	for _, p := range sb.Parts {
		reserved += p.UncompressedSize
	}
	if reserved > 0 {
		if err := j.disk.Reserve(reserved); err != nil {
			return err
		}
	}

	j.mu.Lock()
	j.sb = &sb
	j.parts = make(map[int][]byte, len(sb.Parts))
	j.remaining = len(sb.Parts)
	j.reserved = reserved
	j.mu.Unlock()

	j.engine.reporter.SetDeltaProgress(0, len(sb.Parts), 0, totalCompressedSize(sb.Parts), int64(reserved))

	if len(sb.Parts) == 0 {
		return j.apply(ctx)
	}

	for _, part := range sb.Parts {
		part := part
		j.sched.Enqueue(ctx, scheduler.Task{
			Class:            scheduler.ClassDeltaPart,
			Checksum:         part.Checksum,
			RetriesRemaining: int(j.opts.NNetworkRetries),
			Run: func(ctx context.Context) error {
				return j.fetchPart(ctx, part)
			},
		})
	}
	return nil
}

func (j *deltaJob) fetchPart(ctx context.Context, header repo.PartHeader) error {
	path := repo.DeltaPartPath(j.from, j.to, header.Index)
	data, _, err := j.engine.fetcher.FetchToMemory(ctx, j.mirrors, path, 0, "", 0, int64(header.CompressedSize))
	if err != nil {
		return err
	}
	if err := j.engine.verifier.VerifyChecksum(header.Checksum, data); err != nil {
		return err
	}

	j.mu.Lock()
	j.parts[header.Index] = data
	j.remaining--
	done := j.remaining == 0
	fetched := len(j.parts)
	total := len(j.sb.Parts)
	j.mu.Unlock()

	j.engine.reporter.SetDeltaProgress(fetched, total, 0, 0, 0)

	if !done {
		return nil
	}
	return j.apply(ctx)
}

// apply hands the collected parts to the configured DeltaApplier once every
// part has arrived, writes the inlined to-commit, and requests whatever
// fallback objects the delta could not synthesize.
func (j *deltaJob) apply(ctx context.Context) error {
	j.mu.Lock()
	sb := j.sb
	ordered := make([][]byte, len(sb.Parts))
	for _, ph := range sb.Parts {
		ordered[ph.Index] = j.parts[ph.Index]
	}
	reserved := j.reserved
	j.mu.Unlock()
	defer func() {
		if reserved > 0 {
			j.disk.Release(reserved)
		}
	}()

	if j.engine.applier == nil {
		return repo.Wrap(repo.KindMisconfiguration, fmt.Sprintf("delta %s", j.to), fmt.Errorf("no delta applier configured"))
	}

	if err := j.engine.verifier.VerifyChecksum(j.to, sb.ToCommit); err != nil {
		return err
	}

	var commit repo.Commit
	if err := repo.Unmarshal(sb.ToCommit, &commit); err != nil {
		return repo.Wrap(repo.KindVerification, fmt.Sprintf("commit %s", j.to), err)
	}

	metaRaw, sigs, err := j.engine.fetchCommitMeta(ctx, j.mirrors, j.to, j.opts)
	if err != nil {
		return err
	}
	j.metaDedup.AddIfAbsent(j.to)

	cctx := verify.CommitContext{
		Ref:               j.ref,
		KeyringRef:        j.keyringRef,
		PreviousTimestamp: j.previousTimestamp,
	}
	if err := j.engine.verifier.VerifyCommit(j.to, &commit, sb.ToCommit, sigs, cctx, verifyOptionsFrom(j.opts)); err != nil {
		return err
	}

	if err := j.engine.store.Write(j.to, repo.KindCommit, sb.ToCommit); err != nil {
		return repo.Wrap(repo.KindResource, fmt.Sprintf("commit %s", j.to), err)
	}
	if metaRaw != nil {
		if err := j.engine.store.Write(j.to, repo.KindCommitMeta, metaRaw); err != nil {
			return repo.Wrap(repo.KindResource, fmt.Sprintf("commitmeta %s", j.to), err)
		}
	}
	j.cnt.addMetadata(1)
	j.engine.reporter.AddFetchedMetadata(1)

	fallback, err := j.engine.applier.Apply(sb, ordered)
	if err != nil {
		return repo.Wrap(repo.KindFatal, fmt.Sprintf("delta %s", j.to), err)
	}

	for _, fb := range fallback {
		j.engine.requestObject(ctx, j.sched, j.dedup, j.mirrors, fb.Checksum, fb.Kind, j.opts, j.cnt, nil, nil)
	}

	if !j.opts.Flags.Has(repo.FlagCommitOnly) {
		if merr := j.engine.store.MarkPartial(j.to); merr != nil {
			j.engine.log.Warn().Err(merr).Str("commit", j.to.String()).Msg("could not mark commit partial after delta apply")
		}
	}

	j.scanQueue.Push(scan.Item{
		Kind:        scan.ItemCommit,
		Checksum:    j.to,
		Ref:         j.ref,
		KeyringRef:  j.keyringRef,
		CommitDepth: j.opts.Depth,
	})

	return nil
}

func totalCompressedSize(parts []repo.PartHeader) int64 {
	var total int64
	for _, p := range parts {
		total += int64(p.CompressedSize)
	}
	return total
}
