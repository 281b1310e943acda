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

package pull_test

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbortree/pull/models/repo"
	"github.com/arbortree/pull/service/pull"
	"github.com/arbortree/pull/service/transport"
	"github.com/arbortree/pull/service/verify"
)

type fakeStore struct {
	objects map[string][]byte
	partial map[string]bool
	refs    map[string]repo.Checksum
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[string][]byte),
		partial: make(map[string]bool),
		refs:    make(map[string]repo.Checksum),
	}
}

func objKey(c repo.Checksum, k repo.Kind) string { return c.String() + ":" + k.String() }

func (s *fakeStore) Has(c repo.Checksum, k repo.Kind) (bool, error) {
	_, ok := s.objects[objKey(c, k)]
	return ok, nil
}

func (s *fakeStore) Load(c repo.Checksum, k repo.Kind) ([]byte, error) {
	data, ok := s.objects[objKey(c, k)]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return data, nil
}

func (s *fakeStore) Write(c repo.Checksum, k repo.Kind, data []byte) error {
	s.objects[objKey(c, k)] = data
	return nil
}

func (s *fakeStore) MarkPartial(c repo.Checksum) error  { s.partial[c.String()] = true; return nil }
func (s *fakeStore) ClearPartial(c repo.Checksum) error { delete(s.partial, c.String()); return nil }
func (s *fakeStore) IsPartial(c repo.Checksum) (bool, error) {
	return s.partial[c.String()], nil
}

func (s *fakeStore) ReadRef(remote string, r repo.Ref) (repo.Checksum, bool, error) {
	c, ok := s.refs[remote+":"+r.String()]
	return c, ok, nil
}

func (s *fakeStore) WriteRef(remote string, r repo.Ref, commit repo.Checksum) error {
	s.refs[remote+":"+r.String()] = commit
	return nil
}

var _ repo.Store = (*fakeStore)(nil)

type fakeRemoteConfig struct {
	url string
}

func (c *fakeRemoteConfig) URL(string) (string, error)            { return c.url, nil }
func (c *fakeRemoteConfig) GPGVerify(string) (bool, error)        { return false, nil }
func (c *fakeRemoteConfig) TombstoneCommits(string) (bool, error) { return false, nil }
func (c *fakeRemoteConfig) Keyring(string) (string, error)        { return "", nil }

var _ repo.RemoteConfig = (*fakeRemoteConfig)(nil)

// fixture serves a minimal one-file repository tree over HTTP: a commit
// pointing at a dirtree with one file, plus its dirmeta. The summary and
// commit-meta endpoints always answer 404, so the engine falls back to
// direct ref resolution and unsigned commits, the same path a first pull of
// a freshly added remote takes in practice.
type fixture struct {
	srv *httptest.Server

	commit         *repo.Commit
	commitChecksum repo.Checksum
	treeChecksum   repo.Checksum
	metaChecksum   repo.Checksum
	fileChecksum   repo.Checksum
	fileContent    []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fileContent := []byte("hello world")
	file := &repo.File{Mode: repo.FileModeRegular, Perm: 0o644, Content: fileContent}
	fileData, fileChecksum, err := repo.MarshalChecksum(file)
	require.NoError(t, err)

	tree := &repo.DirTree{Files: repo.Files{{Name: "hello.txt", Checksum: fileChecksum}}}
	treeData, treeChecksum, err := repo.MarshalChecksum(tree)
	require.NoError(t, err)

	meta := &repo.DirMeta{Mode: 0o755}
	metaData, metaChecksum, err := repo.MarshalChecksum(meta)
	require.NoError(t, err)

	commit := &repo.Commit{
		Subject:   "initial import",
		Timestamp: 1_700_000_000,
		RootTree:  treeChecksum,
		RootMeta:  metaChecksum,
	}
	commitData, commitChecksum, err := repo.MarshalChecksum(commit)
	require.NoError(t, err)

	f := &fixture{
		commit:         commit,
		commitChecksum: commitChecksum,
		treeChecksum:   treeChecksum,
		metaChecksum:   metaChecksum,
		fileChecksum:   fileChecksum,
		fileContent:    fileContent,
	}

	paths := map[string][]byte{
		"/refs/heads/main": []byte(commitChecksum.String()),
	}
	objPath := func(c repo.Checksum, k repo.Kind) string {
		p, err := repo.ObjectPath(c, k, false)
		require.NoError(t, err)
		return "/" + p
	}
	paths[objPath(commitChecksum, repo.KindCommit)] = commitData
	paths[objPath(treeChecksum, repo.KindDirTree)] = treeData
	paths[objPath(metaChecksum, repo.KindDirMeta)] = metaData
	paths[objPath(fileChecksum, repo.KindFile)] = fileData

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if data, ok := paths[r.URL.Path]; ok {
			_, _ = w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(f.srv.Close)

	return f
}

func newEngine(t *testing.T, fx *fixture, store *fakeStore, applier repo.DeltaApplier) *pull.Engine {
	t.Helper()
	fs := afero.NewMemMapFs()
	engine, err := pull.New(pull.Config{
		Log:      zerolog.Nop(),
		Fs:       fs,
		RepoRoot: "/repo",
		Fetcher:  transport.New(zerolog.Nop(), fs, nil),
		Store:    store,
		Config:   &fakeRemoteConfig{url: fx.srv.URL},
		Applier:  applier,
	})
	require.NoError(t, err)
	return engine
}

func TestEnginePullObjectWalkEndToEnd(t *testing.T) {
	fx := newFixture(t)
	store := newFakeStore()
	engine := newEngine(t, fx, store, nil)

	opts := repo.DefaultOptions()
	opts.Refs = []string{"main"}

	stats, err := engine.Pull(context.Background(), "origin", opts)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.MetadataObjectsWritten) // commit, dirtree, dirmeta
	assert.Equal(t, 1, stats.ContentObjectsWritten)
	assert.Equal(t, int64(len(fx.fileContent)), stats.ContentBytesWritten)

	got, found, err := store.ReadRef("origin", repo.Ref{Name: "main"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, fx.commitChecksum, got)

	partial, err := store.IsPartial(fx.commitChecksum)
	require.NoError(t, err)
	assert.False(t, partial, "Commit should cleared its partial marker once the transaction committed")

	hasFile, err := store.Has(fx.fileChecksum, repo.KindFile)
	require.NoError(t, err)
	assert.True(t, hasFile)
}

func TestEnginePullDedupsSharedObjectsAcrossRefs(t *testing.T) {
	fx := newFixture(t)
	store := newFakeStore()
	engine := newEngine(t, fx, store, nil)

	opts := repo.DefaultOptions()
	opts.Refs = []string{"main"}
	opts.CollectionRefs = []repo.RefOverride{{Ref: "stable", Commit: fx.commitChecksum}}

	stats, err := engine.Pull(context.Background(), "origin", opts)
	require.NoError(t, err)

	// Both refs resolve to the same commit; every object backing it must
	// still only be counted once.
	assert.Equal(t, 3, stats.MetadataObjectsWritten)
	assert.Equal(t, 1, stats.ContentObjectsWritten)

	_, found, err := store.ReadRef("origin", repo.Ref{Name: "main"})
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = store.ReadRef("origin", repo.Ref{Name: "stable"})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEnginePullDryRunResolvesWithoutFetching(t *testing.T) {
	fx := newFixture(t)
	store := newFakeStore()
	engine := newEngine(t, fx, store, nil)

	opts := repo.DefaultOptions()
	opts.Refs = []string{"main"}
	opts.DryRun = true

	stats, err := engine.Pull(context.Background(), "origin", opts)
	require.NoError(t, err)
	assert.Zero(t, stats)

	hasCommit, err := store.Has(fx.commitChecksum, repo.KindCommit)
	require.NoError(t, err)
	assert.False(t, hasCommit, "dry-run must not fetch or write any object")

	_, found, err := store.ReadRef("origin", repo.Ref{Name: "main"})
	require.NoError(t, err)
	assert.False(t, found, "dry-run must not advance refs")
}

func TestEnginePullRequireStaticDeltasWithoutSummaryFails(t *testing.T) {
	fx := newFixture(t)
	store := newFakeStore()
	engine := newEngine(t, fx, store, nil)

	opts := repo.DefaultOptions()
	opts.Refs = []string{"main"}
	opts.RequireStaticDeltas = true

	_, err := engine.Pull(context.Background(), "origin", opts)
	require.Error(t, err)

	var rerr *repo.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, repo.KindMisconfiguration, rerr.Kind)
}

func TestEnginePullMutuallyExclusiveOptionsRejected(t *testing.T) {
	fx := newFixture(t)
	store := newFakeStore()
	engine := newEngine(t, fx, store, nil)

	opts := repo.DefaultOptions()
	opts.Refs = []string{"main"}
	opts.RequireStaticDeltas = true
	opts.DisableStaticDeltas = true

	_, err := engine.Pull(context.Background(), "origin", opts)
	require.Error(t, err)
}

func TestEnginePullAbortsOnPermanentFetchFailure(t *testing.T) {
	fx := newFixture(t)
	store := newFakeStore()
	engine := newEngine(t, fx, store, nil)

	// Point the ref at an override commit the server never serves, so the
	// commit fetch fails with a 404.
	opts := repo.DefaultOptions()
	opts.CollectionRefs = []repo.RefOverride{{Ref: "ghost", Commit: func() repo.Checksum {
		var c repo.Checksum
		c[0] = 0xff
		return c
	}()}}

	_, err := engine.Pull(context.Background(), "origin", opts)
	require.Error(t, err)

	_, found, rerr := store.ReadRef("origin", repo.Ref{Name: "ghost"})
	require.NoError(t, rerr)
	assert.False(t, found, "a failed pull must not advance any ref")
}

type fakeApplier struct {
	applied *repo.Superblock
}

func (a *fakeApplier) Apply(sb *repo.Superblock, parts [][]byte) ([]repo.FallbackEntry, error) {
	a.applied = sb
	return nil, nil
}

var _ repo.DeltaApplier = (*fakeApplier)(nil)

// deltaFixture serves a scratch static delta (no "from" commit) ending at a
// commit-only target: a summary advertising the delta, and the delta's
// superblock with zero parts, so applying it only needs to inline the
// to-commit - the same "delta with nothing left to fetch" shape a freshly
// seeded mirror serves for its newest commit.
type deltaFixture struct {
	srv            *httptest.Server
	commitChecksum repo.Checksum
}

func newDeltaFixture(t *testing.T) *deltaFixture {
	t.Helper()

	commit := &repo.Commit{Subject: "scratch delta import", Timestamp: 1_700_000_100}
	commitData, commitChecksum, err := repo.MarshalChecksum(commit)
	require.NoError(t, err)

	summary := &repo.Summary{
		Refs:   []repo.RefEntry{{Name: "main", Commit: commitChecksum}},
		Deltas: []repo.DeltaEntry{{To: commitChecksum}},
	}
	summary.Sort()
	summaryData, err := repo.Marshal(summary)
	require.NoError(t, err)

	sb := &repo.Superblock{To: commitChecksum, ToCommit: commitData}
	sbData, err := repo.Marshal(sb)
	require.NoError(t, err)

	paths := map[string][]byte{
		"/summary": summaryData,
		"/" + repo.DeltaSuperblockPath(repo.Checksum{}, commitChecksum): sbData,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if data, ok := paths[r.URL.Path]; ok {
			_, _ = w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	return &deltaFixture{srv: srv, commitChecksum: commitChecksum}
}

func TestEnginePullAppliesScratchStaticDelta(t *testing.T) {
	fx := newDeltaFixture(t)
	store := newFakeStore()
	fs := afero.NewMemMapFs()
	applier := &fakeApplier{}
	engine, err := pull.New(pull.Config{
		Log:      zerolog.Nop(),
		Fs:       fs,
		RepoRoot: "/repo",
		Fetcher:  transport.New(zerolog.Nop(), fs, nil),
		Store:    store,
		Config:   &fakeRemoteConfig{url: fx.srv.URL},
		Applier:  applier,
	})
	require.NoError(t, err)

	opts := repo.DefaultOptions()
	opts.Refs = []string{"main"}
	opts.Flags = repo.FlagCommitOnly

	stats, err := engine.Pull(context.Background(), "origin", opts)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.MetadataObjectsWritten)
	require.NotNil(t, applier.applied)
	assert.Equal(t, fx.commitChecksum, applier.applied.To)

	hasCommit, err := store.Has(fx.commitChecksum, repo.KindCommit)
	require.NoError(t, err)
	assert.True(t, hasCommit)

	got, found, err := store.ReadRef("origin", repo.Ref{Name: "main"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, fx.commitChecksum, got)
}

func TestEnginePullCommitOnlySkipsContentWalk(t *testing.T) {
	fx := newFixture(t)
	store := newFakeStore()
	engine := newEngine(t, fx, store, nil)

	opts := repo.DefaultOptions()
	opts.Refs = []string{"main"}
	opts.Flags = repo.FlagCommitOnly

	stats, err := engine.Pull(context.Background(), "origin", opts)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.MetadataObjectsWritten) // commit only, never marked partial
	assert.Zero(t, stats.ContentObjectsWritten)

	hasTree, err := store.Has(fx.treeChecksum, repo.KindDirTree)
	require.NoError(t, err)
	assert.False(t, hasTree)
}

// TestEnginePullFailingSignatureLeavesCommitAbsent covers spec.md scenario 4:
// a commit whose detached signature does not verify must make Pull fail, and
// the commit itself must never have reached the store in the meantime.
func TestEnginePullFailingSignatureLeavesCommitAbsent(t *testing.T) {
	commit := &repo.Commit{Subject: "signed import", Timestamp: 1_700_000_200}
	commitData, commitChecksum, err := repo.MarshalChecksum(commit)
	require.NoError(t, err)

	_, signingKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	verifyKey, _, err := ed25519.GenerateKey(nil) // unrelated to signingKey: any signature fails
	require.NoError(t, err)

	meta := &repo.CommitMeta{Signatures: [][]byte{ed25519.Sign(signingKey, commitData)}}
	metaData, err := repo.Marshal(meta)
	require.NoError(t, err)

	objPath := func(c repo.Checksum, k repo.Kind) string {
		p, err := repo.ObjectPath(c, k, false)
		require.NoError(t, err)
		return "/" + p
	}
	paths := map[string][]byte{
		"/refs/heads/main": []byte(commitChecksum.String()),
		objPath(commitChecksum, repo.KindCommit):     commitData,
		objPath(commitChecksum, repo.KindCommitMeta): metaData,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if data, ok := paths[r.URL.Path]; ok {
			_, _ = w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	store := newFakeStore()
	fs := afero.NewMemMapFs()
	signer := verify.NewEd25519Verifier()
	signer.AddKey("origin", verifyKey)

	engine, err := pull.New(pull.Config{
		Log:      zerolog.Nop(),
		Fs:       fs,
		RepoRoot: "/repo",
		Fetcher:  transport.New(zerolog.Nop(), fs, nil),
		Store:    store,
		Signer:   signer,
		Config:   &fakeRemoteConfig{url: srv.URL},
	})
	require.NoError(t, err)

	opts := repo.DefaultOptions()
	opts.Refs = []string{"main"}
	opts.Flags = repo.FlagCommitOnly
	opts.GPGVerify = true

	_, err = engine.Pull(context.Background(), "origin", opts)
	require.Error(t, err)

	hasCommit, err := store.Has(commitChecksum, repo.KindCommit)
	require.NoError(t, err)
	assert.False(t, hasCommit, "a commit that fails signature verification must never reach the store")

	_, found, err := store.ReadRef("origin", repo.Ref{Name: "main"})
	require.NoError(t, err)
	assert.False(t, found, "a failed pull must not advance the ref")
}

// TestEnginePullTimestampRegressionLeavesCommitAbsent covers spec.md
// scenario 5: a newly fetched commit whose timestamp regresses behind the
// ref's previously synced commit must make Pull fail without the regressed
// commit ever reaching the store.
func TestEnginePullTimestampRegressionLeavesCommitAbsent(t *testing.T) {
	oldCommit := &repo.Commit{Subject: "old", Timestamp: 1_700_000_500}
	oldData, oldChecksum, err := repo.MarshalChecksum(oldCommit)
	require.NoError(t, err)

	newCommit := &repo.Commit{Subject: "regressed", Timestamp: 1_700_000_100}
	newData, newChecksum, err := repo.MarshalChecksum(newCommit)
	require.NoError(t, err)

	objPath := func(c repo.Checksum, k repo.Kind) string {
		p, err := repo.ObjectPath(c, k, false)
		require.NoError(t, err)
		return "/" + p
	}
	paths := map[string][]byte{
		"/refs/heads/main":                   []byte(newChecksum.String()),
		objPath(newChecksum, repo.KindCommit): newData,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if data, ok := paths[r.URL.Path]; ok {
			_, _ = w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	store := newFakeStore()
	require.NoError(t, store.Write(oldChecksum, repo.KindCommit, oldData))
	require.NoError(t, store.WriteRef("origin", repo.Ref{Name: "main"}, oldChecksum))

	engine := newEngine(t, &fixture{srv: srv}, store, nil)

	opts := repo.DefaultOptions()
	opts.Refs = []string{"main"}
	opts.Flags = repo.FlagCommitOnly
	opts.TimestampCheck = true

	_, err = engine.Pull(context.Background(), "origin", opts)
	require.Error(t, err)

	hasCommit, err := store.Has(newChecksum, repo.KindCommit)
	require.NoError(t, err)
	assert.False(t, hasCommit, "a commit that regresses the ref's timestamp must never reach the store")

	got, found, err := store.ReadRef("origin", repo.Ref{Name: "main"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, oldChecksum, got, "ref must not advance past a commit that failed verification")
}
