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

// Package pull implements the C11 pull controller: the single entry point
// that resolves refs, selects deltas, drives the scheduler and scan queue to
// completion, and commits the resulting transaction (§2, §4.11).
package pull

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/arbortree/pull/models/repo"
	"github.com/arbortree/pull/service/delta"
	"github.com/arbortree/pull/service/progress"
	"github.com/arbortree/pull/service/resolve"
	"github.com/arbortree/pull/service/scan"
	"github.com/arbortree/pull/service/scheduler"
	"github.com/arbortree/pull/service/summary"
	"github.com/arbortree/pull/service/transport"
	"github.com/arbortree/pull/service/txn"
	"github.com/arbortree/pull/service/verify"
)

var validate = validator.New()

// Config bundles every collaborator the engine needs, mirroring the
// collaborator boundary list of §1.
type Config struct {
	Log      zerolog.Logger
	Fs       afero.Fs
	RepoRoot string // local repository root; summaries cache under <root>/cache/summaries/<remote>

	Fetcher  repo.Fetcher
	Store    repo.Store
	Signer   repo.SignatureVerifier // nil disables signature verification everywhere
	Config   repo.RemoteConfig
	Importer repo.Importer    // nil disables localcache/file:// import
	Applier  repo.DeltaApplier // nil disables static-delta application
}

// Engine is the C11 pull controller.
type Engine struct {
	log      zerolog.Logger
	fs       afero.Fs
	repoRoot string

	fetcher  repo.Fetcher
	store    repo.Store
	signer   repo.SignatureVerifier
	config   repo.RemoteConfig
	importer repo.Importer
	applier  repo.DeltaApplier

	resolver  *resolve.Resolver
	verifier  *verify.Object
	txnDriver *txn.Driver
	reporter  *progress.Reporter
}

// New builds an Engine from cfg, wiring C4, C8, C9, and C10 internally and
// keeping cfg.Fetcher as C1; C2, C3, C6 and C7 are built fresh per call to
// Pull since they carry per-pull state (dedup tables, queues, cache
// validators), and C5 is a stateless selection function.
func New(cfg Config) (*Engine, error) {
	verifier, err := verify.NewObject(cfg.Signer)
	if err != nil {
		return nil, fmt.Errorf("could not build object verifier: %w", err)
	}

	return &Engine{
		log:       cfg.Log.With().Str("component", "pull").Logger(),
		fs:        cfg.Fs,
		repoRoot:  cfg.RepoRoot,
		fetcher:   cfg.Fetcher,
		store:     cfg.Store,
		signer:    cfg.Signer,
		config:    cfg.Config,
		importer:  cfg.Importer,
		applier:   cfg.Applier,
		resolver:  resolve.New(cfg.Fetcher),
		verifier:  verifier,
		txnDriver: txn.New(cfg.Log, cfg.Fs, cfg.RepoRoot, cfg.Store),
		reporter:  progress.New(),
	}, nil
}

// Subscribe attaches an observer to the engine's progress reporter (§4.10).
func (e *Engine) Subscribe(observer repo.ProgressObserver) {
	e.reporter.Subscribe(observer)
}

// RunReporter ticks the engine's progress reporter at cadence until ctx is
// done, notifying every subscribed observer along the way. Callers run this
// in its own goroutine alongside Pull; a cadence of zero reports only the
// final snapshot once ctx is done, which is the right call for a dry run.
func (e *Engine) RunReporter(ctx context.Context, cadence time.Duration) {
	e.reporter.Run(ctx, cadence)
}

// refJob is one requested ref, resolved against its optional override.
type refJob struct {
	ref      repo.Ref
	override repo.Checksum
}

// counters accumulates the exact figures the final transaction stats need;
// kept separate from the progress reporter, which only has to be
// approximately current at any tick, not exactly correct at the end.
type counters struct {
	mu              sync.Mutex
	metadataWritten int
	contentWritten  int
	contentBytes    int64
}

func (c *counters) addMetadata(n int) {
	c.mu.Lock()
	c.metadataWritten += n
	c.mu.Unlock()
}

func (c *counters) addContent(n int, bytes int64) {
	c.mu.Lock()
	c.contentWritten += n
	c.contentBytes += bytes
	c.mu.Unlock()
}

func (c *counters) stats() repo.TransactionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return repo.TransactionStats{
		MetadataObjectsWritten: c.metadataWritten,
		ContentObjectsWritten:  c.contentWritten,
		ContentBytesWritten:    c.contentBytes,
	}
}

// Pull runs one full pull of remote under opts (§2's control-flow line):
// resolve mirrors, load the summary, resolve every requested ref, select a
// delta or fall back to an object walk per ref, drain the scheduler and scan
// queue to completion, then commit the resulting transaction.
func (e *Engine) Pull(ctx context.Context, remote string, opts repo.Options) (repo.TransactionStats, error) {
	var zero repo.TransactionStats

	if err := validate.Struct(opts); err != nil {
		return zero, repo.Wrap(repo.KindMisconfiguration, "options", err)
	}
	if err := opts.Validate(); err != nil {
		return zero, err
	}

	remoteURL := opts.OverrideURL
	if remoteURL == "" {
		url, err := e.config.URL(remote)
		if err != nil {
			return zero, repo.Wrap(repo.KindMisconfiguration, remote, err)
		}
		remoteURL = url
	}

	mirrors, err := transport.Resolve(ctx, e.fetcher, remoteURL)
	if err != nil {
		return zero, err
	}

	jobs := e.buildJobs(opts)

	if opts.DryRun {
		return e.dryRunResolve(ctx, mirrors, jobs, opts)
	}

	cacheDir := filepath.Join(e.repoRoot, "cache", "summaries", remote)
	sumCache := summary.New(e.log, e.fs, cacheDir, e.fetcher, e.signer)

	verifySummary := !opts.DisableSignVerifySummary && (opts.GPGVerifySummary || e.remoteGPGDefault(remote))
	sumResult, sumErr := sumCache.Load(ctx, mirrors, e.keyringFor(remote, repo.Ref{}, opts), verifySummary)

	var sum *repo.Summary
	if sumErr != nil {
		e.log.Warn().Err(sumErr).Str("remote", remote).Msg("could not load summary, falling back to direct ref resolution")
	} else {
		sum = &sumResult.Summary
	}

	tx, err := e.txnDriver.Prepare()
	if err != nil {
		return zero, err
	}

	abort := func(cause error) (repo.TransactionStats, error) {
		e.reporter.SetCaughtError(true)
		_ = tx.Abort(cause)
		return zero, cause
	}

	if opts.Flags.Has(repo.FlagMirror) {
		if sumBytes, sigBytes, ok := e.cachedSummaryBytes(cacheDir); ok {
			if err := tx.MirrorSummary(sumBytes, sigBytes, opts.PerObjectFsync); err != nil {
				return abort(err)
			}
		}
	}

	sched := scheduler.New()
	dedup := scheduler.NewRequestSet()
	metaDedup := scheduler.NewRequestSet()
	scanQueue := scan.NewQueue()
	disk := scheduler.NewDiskSpaceChecker(e.repoRoot)
	cnt := &counters{}

	verifyOpts := verifyOptionsFrom(opts)
	scanner := scan.New(e.store, e.verifier, e.importer, verifyOpts, opts.Subdirs)

	targets := make(map[repo.Ref]repo.Checksum, len(jobs))
	previousTimestamps := make(map[string]int64, len(jobs))
	var fullyPulled []repo.Checksum

	for _, job := range jobs {
		if old, found, rerr := e.store.ReadRef(remote, job.ref); rerr == nil && found {
			previousTimestamps[job.ref.String()] = e.commitTimestamp(old)
		}
	}

	for _, job := range jobs {
		keyringRef := e.keyringFor(remote, job.ref, opts)

		target, rerr := e.resolver.Resolve(ctx, mirrors, job.ref, job.override, sum)
		if rerr != nil {
			return abort(rerr)
		}
		targets[job.ref] = target
		fullyPulled = append(fullyPulled, target)

		if perr := e.planCommit(ctx, sched, dedup, metaDedup, scanQueue, disk, mirrors, sum, target, job.ref, keyringRef, opts, cnt, previousTimestamps[job.ref.String()]); perr != nil {
			return abort(perr)
		}
	}

	var scanErr error
	idle := func() bool {
		item, ok := scanQueue.Pop()
		if !ok {
			e.reporter.SetScanning(false)
			return false
		}
		e.reporter.SetScanning(true)

		cctx := verify.CommitContext{
			Ref:               item.Ref,
			KeyringRef:        item.KeyringRef,
			PreviousTimestamp: previousTimestamps[item.Ref.String()],
		}
		result, perr := scanner.Process(item, cctx)
		if perr != nil {
			scanErr = perr
			return false
		}
		e.reporter.AddScannedMetadata(1)

		for _, fr := range result.Fetches {
			fr := fr
			var onDone func()
			if fr.Requeue != nil {
				onDone = func() { scanQueue.Push(*fr.Requeue) }
			}
			var cv *commitVerify
			if fr.Kind == repo.KindCommit {
				cv = &commitVerify{
					cctx: verify.CommitContext{
						Ref:               item.Ref,
						KeyringRef:        item.KeyringRef,
						PreviousTimestamp: previousTimestamps[item.Ref.String()],
					},
					metaDedup: metaDedup,
				}
			}
			e.requestObject(ctx, sched, dedup, mirrors, fr.Checksum, fr.Kind, opts, cnt, cv, onDone)
		}
		for _, next := range result.NextItems {
			scanQueue.Push(next)
		}
		return true
	}

	runErr := sched.Run(ctx, idle)
	if scanErr != nil {
		return abort(scanErr)
	}
	if runErr != nil {
		return abort(runErr)
	}

	if err := tx.AdvanceRefs(remote, targets); err != nil {
		return abort(err)
	}

	finalStats, err := tx.Commit(cnt.stats(), fullyPulled)
	if err != nil {
		return zero, err
	}
	e.reporter.SetCaughtError(false)
	return finalStats, nil
}

func (e *Engine) buildJobs(opts repo.Options) []refJob {
	jobs := make([]refJob, 0, len(opts.Refs)+len(opts.CollectionRefs))
	for i, name := range opts.Refs {
		var override repo.Checksum
		if i < len(opts.OverrideCommitIDs) {
			override = opts.OverrideCommitIDs[i]
		}
		jobs = append(jobs, refJob{ref: repo.Ref{Name: name}, override: override})
	}
	for _, cr := range opts.CollectionRefs {
		jobs = append(jobs, refJob{ref: repo.Ref{Collection: cr.Collection, Name: cr.Ref}, override: cr.Commit})
	}
	return jobs
}

// dryRunResolve implements the conservative reading of the dry-run option
// this module took: it resolves every requested ref
// (so the caller learns what commit a real pull would land on) but performs
// no fetch, no scan, and no transaction, since doing a full scheduler run
// without ever writing the results would just be a wasted fetch.
func (e *Engine) dryRunResolve(ctx context.Context, mirrors []string, jobs []refJob, opts repo.Options) (repo.TransactionStats, error) {
	for _, job := range jobs {
		if _, err := e.resolver.Resolve(ctx, mirrors, job.ref, job.override, nil); err != nil {
			return repo.TransactionStats{}, err
		}
	}
	return repo.TransactionStats{}, nil
}

// verifyOptionsFrom derives the verification options a commit or scan check
// needs from the caller-facing pull options (§6's verification-affecting
// flags).
func verifyOptionsFrom(opts repo.Options) verify.Options {
	return verify.Options{
		GPGVerify:             opts.GPGVerify,
		DisableSignVerify:     opts.DisableSignVerify || opts.Flags.Has(repo.FlagUntrusted),
		DisableVerifyBindings: opts.DisableVerifyBindings,
		TimestampCheck:        opts.TimestampCheck,
		BareuseronlyFiles:     opts.Flags.Has(repo.FlagBareuseronlyFiles),
	}
}

func (e *Engine) remoteGPGDefault(remote string) bool {
	if e.config == nil {
		return false
	}
	ok, err := e.config.GPGVerify(remote)
	if err != nil {
		return false
	}
	return ok
}

// keyringFor resolves the keyring a ref's signatures should be checked
// against: an explicit ref-keyring-map entry wins, then the remote's
// configured keyring, then the remote's own name.
func (e *Engine) keyringFor(remote string, ref repo.Ref, opts repo.Options) string {
	for _, m := range opts.RefKeyringMap {
		if m.Collection == ref.Collection && m.Ref == ref.Name {
			return m.KeyringRemote
		}
	}
	if e.config != nil {
		if kr, err := e.config.Keyring(remote); err == nil && kr != "" {
			return kr
		}
	}
	return remote
}

func (e *Engine) commitTimestamp(checksum repo.Checksum) int64 {
	raw, err := e.store.Load(checksum, repo.KindCommit)
	if err != nil {
		return 0
	}
	var commit repo.Commit
	if err := repo.Unmarshal(raw, &commit); err != nil {
		return 0
	}
	return commit.Timestamp
}

// cachedSummaryBytes reads back the bytes summary.Cache.Load just wrote to
// its on-disk cache. Mirror mode reuses these instead of issuing a second,
// unconditional fetch (Open Question (b): "copy from cache headers when
// possible" rather than re-fetching the summary a mirrored repository just
// validated moments earlier).
func (e *Engine) cachedSummaryBytes(cacheDir string) ([]byte, []byte, bool) {
	sumBytes, err := afero.ReadFile(e.fs, filepath.Join(cacheDir, "summary"))
	if err != nil {
		return nil, nil, false
	}
	sigBytes, err := afero.ReadFile(e.fs, filepath.Join(cacheDir, "summary.sig"))
	if err != nil {
		return nil, nil, false
	}
	return sumBytes, sigBytes, true
}

// planCommit runs the C5 delta selector for one requested commit and
// enqueues either a static-delta job or a plain object walk.
func (e *Engine) planCommit(
	ctx context.Context,
	sched *scheduler.Scheduler,
	dedup, metaDedup *scheduler.RequestSet,
	scanQueue *scan.Queue,
	disk *scheduler.DiskSpaceChecker,
	mirrors []string,
	sum *repo.Summary,
	target repo.Checksum,
	ref repo.Ref,
	keyringRef string,
	opts repo.Options,
	cnt *counters,
	previousTimestamp int64,
) error {
	present, err := e.store.Has(target, repo.KindCommit)
	if err != nil {
		return repo.Wrap(repo.KindFatal, fmt.Sprintf("commit %s", target), err)
	}
	partial := false
	if present {
		partial, err = e.store.IsPartial(target)
		if err != nil {
			return repo.Wrap(repo.KindFatal, fmt.Sprintf("commit %s", target), err)
		}
	}

	var candidates []delta.Candidate
	if sum != nil && !opts.DisableStaticDeltas {
		for _, entry := range sum.DeltasTo(target) {
			c := delta.Candidate{Entry: entry}
			if !entry.From.IsZero() {
				fromPresent, herr := e.store.Has(entry.From, repo.KindCommit)
				if herr != nil {
					return repo.Wrap(repo.KindFatal, fmt.Sprintf("commit %s", entry.From), herr)
				}
				c.FromPresent = fromPresent
				if fromPresent {
					fromPartial, perr := e.store.IsPartial(entry.From)
					if perr != nil {
						return repo.Wrap(repo.KindFatal, fmt.Sprintf("commit %s", entry.From), perr)
					}
					c.FromPartial = fromPartial
					if !fromPartial {
						c.FromTimestamp = e.commitTimestamp(entry.From)
					}
				}
			}
			candidates = append(candidates, c)
		}
	}

	sel := delta.Select(delta.Inputs{
		Target:        target,
		TargetPresent: present,
		TargetPartial: partial,
		Candidates:    candidates,
		DisableDeltas: opts.DisableStaticDeltas || e.applier == nil,
	})

	switch sel.Outcome {
	case repo.SelectionUnchanged:
		return nil

	case repo.SelectionFrom, repo.SelectionScratch:
		e.enqueueDelta(ctx, sched, dedup, metaDedup, scanQueue, disk, mirrors, sel, target, ref, keyringRef, opts, cnt, previousTimestamp)
		return nil

	case repo.SelectionNoMatch:
		if opts.RequireStaticDeltas {
			return repo.Wrap(repo.KindMisconfiguration, fmt.Sprintf("commit %s", target),
				fmt.Errorf("require-static-deltas set but no delta is available for this commit"))
		}
		return e.enqueueObjectWalk(ctx, sched, dedup, metaDedup, scanQueue, mirrors, target, ref, keyringRef, opts, cnt, previousTimestamp)

	default:
		return repo.Wrap(repo.KindFatal, fmt.Sprintf("commit %s", target), fmt.Errorf("unreachable delta selection outcome"))
	}
}

// enqueueObjectWalk fetches the target commit itself (if not already local)
// and, once it is, pushes the initial scan item that drives the rest of the
// metadata/content walk (§4.6).
func (e *Engine) enqueueObjectWalk(
	ctx context.Context,
	sched *scheduler.Scheduler,
	dedup, metaDedup *scheduler.RequestSet,
	scanQueue *scan.Queue,
	mirrors []string,
	target repo.Checksum,
	ref repo.Ref,
	keyringRef string,
	opts repo.Options,
	cnt *counters,
	previousTimestamp int64,
) error {
	present, err := e.store.Has(target, repo.KindCommit)
	if err != nil {
		return repo.Wrap(repo.KindFatal, fmt.Sprintf("commit %s", target), err)
	}

	push := func() {
		scanQueue.Push(scan.Item{
			Kind:        scan.ItemCommit,
			Checksum:    target,
			Ref:         ref,
			KeyringRef:  keyringRef,
			CommitDepth: opts.Depth,
		})
	}

	if present {
		e.requestCommitMeta(ctx, sched, metaDedup, mirrors, target, opts)
		push()
		return nil
	}

	cv := &commitVerify{
		cctx: verify.CommitContext{
			Ref:               ref,
			KeyringRef:        keyringRef,
			PreviousTimestamp: previousTimestamp,
		},
		metaDedup: metaDedup,
	}
	e.requestObject(ctx, sched, dedup, mirrors, target, repo.KindCommit, opts, cnt, cv, func() {
		if !opts.Flags.Has(repo.FlagCommitOnly) {
			if merr := e.store.MarkPartial(target); merr != nil {
				e.log.Warn().Err(merr).Str("commit", target.String()).Msg("could not mark commit partial")
			}
		}
		push()
	})
	return nil
}

// requestCommitMeta opportunistically fetches the detached commit-meta
// object alongside a commit; absent commit-meta is not an error (§4.8: GPG
// verification only fails if GPG verification was actually requested and no
// signatures were found).
func (e *Engine) requestCommitMeta(ctx context.Context, sched *scheduler.Scheduler, metaDedup *scheduler.RequestSet, mirrors []string, target repo.Checksum, opts repo.Options) {
	if !metaDedup.AddIfAbsent(target) {
		return
	}
	sched.Enqueue(ctx, scheduler.Task{
		Class:            scheduler.ClassMetadata,
		Checksum:         target,
		RetriesRemaining: int(opts.NNetworkRetries),
		Run: func(ctx context.Context) error {
			path, err := repo.ObjectPath(target, repo.KindCommitMeta, false)
			if err != nil {
				return repo.Wrap(repo.KindFatal, target.String(), err)
			}
			data, result, ferr := e.fetcher.FetchToMemory(ctx, mirrors, path, repo.OptionalContent, "", 0, int64(opts.MaxMetadataSize))
			if ferr != nil {
				return ferr
			}
			if result.Absent {
				return nil
			}
			return e.store.Write(target, repo.KindCommitMeta, data)
		},
	})
}
