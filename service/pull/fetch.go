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

	"github.com/arbortree/pull/models/repo"
	"github.com/arbortree/pull/service/scheduler"
	"github.com/arbortree/pull/service/verify"
)

// commitVerify carries the extra ingredients a commit-kind fetch needs to
// run the full C8 pipeline - bindings, signature, timestamp - before either
// the commit or its detached commit-meta reaches the store. nil for every
// non-commit fetch, which keeps running the plain checksum/structural check.
type commitVerify struct {
	cctx      verify.CommitContext
	metaDedup *scheduler.RequestSet
}

// requestObject enqueues a fetch for a single metadata or content object,
// deduplicating against dedup so a checksum shared by several dirtrees (or
// requested from two different refs in the same pull) is only ever fetched
// once. onDone, if given, runs after the object has been durably written.
func (e *Engine) requestObject(
	ctx context.Context,
	sched *scheduler.Scheduler,
	dedup *scheduler.RequestSet,
	mirrors []string,
	checksum repo.Checksum,
	kind repo.Kind,
	opts repo.Options,
	cnt *counters,
	cv *commitVerify,
	onDone func(),
) {
	if !dedup.AddIfAbsent(checksum) {
		return
	}

	class := scheduler.ClassMetadata
	if kind == repo.KindFile {
		class = scheduler.ClassContent
		e.reporter.AddRequestedContent(1)
	} else {
		e.reporter.AddRequestedMetadata(1)
	}

	sched.Enqueue(ctx, scheduler.Task{
		Class:            class,
		Checksum:         checksum,
		RetriesRemaining: int(opts.NNetworkRetries),
		Run: func(ctx context.Context) error {
			return e.fetchAndStore(ctx, mirrors, checksum, kind, opts, cnt, cv, onDone)
		},
	})
}

func (e *Engine) fetchAndStore(
	ctx context.Context,
	mirrors []string,
	checksum repo.Checksum,
	kind repo.Kind,
	opts repo.Options,
	cnt *counters,
	cv *commitVerify,
	onDone func(),
) error {
	if e.importer != nil {
		data, ok, err := e.importer.Import(checksum, kind)
		if err != nil {
			return repo.Wrap(repo.KindFatal, fmt.Sprintf("%s %s", kind, checksum), err)
		}
		if ok {
			return e.storeObject(ctx, mirrors, checksum, kind, data, opts, cnt, cv, true, onDone)
		}
	}

	path, err := repo.ObjectPath(checksum, kind, false)
	if err != nil {
		return repo.Wrap(repo.KindFatal, checksum.String(), err)
	}

	maxSize := int64(opts.MaxMetadataSize)
	if kind == repo.KindFile {
		maxSize = 0
	}

	data, _, err := e.fetcher.FetchToMemory(ctx, mirrors, path, 0, "", 0, maxSize)
	if err != nil {
		return err
	}

	return e.storeObject(ctx, mirrors, checksum, kind, data, opts, cnt, cv, false, onDone)
}

// fetchCommitMeta synchronously fetches the detached commit-meta object for
// checksum, if the remote or localcache has one; absent commit-meta is not
// an error (§4.8: GPG verification only fails if GPG verification was
// actually requested and no signatures were found).
func (e *Engine) fetchCommitMeta(ctx context.Context, mirrors []string, checksum repo.Checksum, opts repo.Options) ([]byte, [][]byte, error) {
	if e.importer != nil {
		data, ok, err := e.importer.Import(checksum, repo.KindCommitMeta)
		if err != nil {
			return nil, nil, repo.Wrap(repo.KindFatal, fmt.Sprintf("commitmeta %s", checksum), err)
		}
		if ok {
			var meta repo.CommitMeta
			if err := repo.Unmarshal(data, &meta); err != nil {
				return nil, nil, repo.Wrap(repo.KindVerification, fmt.Sprintf("commitmeta %s", checksum), err)
			}
			return data, meta.Signatures, nil
		}
	}

	path, err := repo.ObjectPath(checksum, repo.KindCommitMeta, false)
	if err != nil {
		return nil, nil, repo.Wrap(repo.KindFatal, checksum.String(), err)
	}
	data, result, err := e.fetcher.FetchToMemory(ctx, mirrors, path, repo.OptionalContent, "", 0, int64(opts.MaxMetadataSize))
	if err != nil {
		return nil, nil, err
	}
	if result.Absent {
		return nil, nil, nil
	}
	var meta repo.CommitMeta
	if err := repo.Unmarshal(data, &meta); err != nil {
		return nil, nil, repo.Wrap(repo.KindVerification, fmt.Sprintf("commitmeta %s", checksum), err)
	}
	return data, meta.Signatures, nil
}

// storeObject runs the checks required before data reaches the store.
// Commits (cv != nil) additionally fetch their detached commit-meta and run
// the full VerifyCommit pipeline - bindings, signature, timestamp - before
// either the commit or its commit-meta is written (§4.8): a failing check
// must never leave a commit sitting in the store to be discovered later.
func (e *Engine) storeObject(
	ctx context.Context,
	mirrors []string,
	checksum repo.Checksum,
	kind repo.Kind,
	data []byte,
	opts repo.Options,
	cnt *counters,
	cv *commitVerify,
	imported bool,
	onDone func(),
) error {
	if err := e.verifier.VerifyChecksum(checksum, data); err != nil {
		return err
	}

	var contentLen int64
	if kind == repo.KindFile {
		var file repo.File
		if err := repo.Unmarshal(data, &file); err != nil {
			return repo.Wrap(repo.KindVerification, fmt.Sprintf("file %s", checksum), err)
		}
		fileOpts := verify.Options{BareuseronlyFiles: opts.Flags.Has(repo.FlagBareuseronlyFiles)}
		if err := e.verifier.VerifyFile(&file, fileOpts); err != nil {
			return err
		}
		contentLen = int64(len(file.Content))
	}

	var metaRaw []byte
	if kind == repo.KindCommit && cv != nil {
		var commit repo.Commit
		if err := repo.Unmarshal(data, &commit); err != nil {
			return repo.Wrap(repo.KindVerification, fmt.Sprintf("commit %s", checksum), err)
		}

		raw, sigs, err := e.fetchCommitMeta(ctx, mirrors, checksum, opts)
		if err != nil {
			return err
		}
		metaRaw = raw
		if cv.metaDedup != nil {
			cv.metaDedup.AddIfAbsent(checksum)
		}

		if err := e.verifier.VerifyCommit(checksum, &commit, data, sigs, cv.cctx, verifyOptionsFrom(opts)); err != nil {
			return err
		}
	}

	if err := e.store.Write(checksum, kind, data); err != nil {
		return repo.Wrap(repo.KindResource, fmt.Sprintf("%s %s", kind, checksum), err)
	}
	if metaRaw != nil {
		if err := e.store.Write(checksum, repo.KindCommitMeta, metaRaw); err != nil {
			return repo.Wrap(repo.KindResource, fmt.Sprintf("commitmeta %s", checksum), err)
		}
	}

	if kind == repo.KindFile {
		cnt.addContent(1, contentLen)
		e.reporter.AddFetchedContent(1, int64(len(data)))
		if imported {
			e.reporter.AddImportedFromLocalcache(1)
		}
	} else {
		cnt.addMetadata(1)
		e.reporter.AddFetchedMetadata(1)
	}

	if onDone != nil {
		onDone()
	}
	return nil
}
