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

package scan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbortree/pull/models/repo"
	"github.com/arbortree/pull/models/repo/repotest"
	"github.com/arbortree/pull/service/scan"
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

func TestProcessorDirTreeEnqueuesMissingFiles(t *testing.T) {
	store := newFakeStore()

	tree := repotest.GenericDirTree(1)
	treeChecksum := repotest.GenericChecksum(42)
	data, err := repo.Marshal(tree)
	require.NoError(t, err)
	require.NoError(t, store.Write(treeChecksum, repo.KindDirTree, data))

	verifier, err := verify.NewObject(nil)
	require.NoError(t, err)

	p := scan.New(store, verifier, nil, verify.Options{}, nil)

	result, err := p.Process(scan.Item{Kind: scan.ItemDirTree, Checksum: treeChecksum, Path: ""}, verify.CommitContext{})
	require.NoError(t, err)
	require.Len(t, result.Fetches, 1)
	assert.Equal(t, repo.KindFile, result.Fetches[0].Kind)
	assert.Equal(t, tree.Files[0].Checksum, result.Fetches[0].Checksum)
}

func TestProcessorDirTreeSkipsPresentFiles(t *testing.T) {
	store := newFakeStore()

	tree := repotest.GenericDirTree(1)
	treeChecksum := repotest.GenericChecksum(43)
	data, err := repo.Marshal(tree)
	require.NoError(t, err)
	require.NoError(t, store.Write(treeChecksum, repo.KindDirTree, data))
	require.NoError(t, store.Write(tree.Files[0].Checksum, repo.KindFile, repotest.GenericBytes))

	verifier, err := verify.NewObject(nil)
	require.NoError(t, err)

	p := scan.New(store, verifier, nil, verify.Options{}, nil)

	result, err := p.Process(scan.Item{Kind: scan.ItemDirTree, Checksum: treeChecksum, Path: ""}, verify.CommitContext{})
	require.NoError(t, err)
	assert.Empty(t, result.Fetches)
}

func TestProcessorDirTreeDepthExceeded(t *testing.T) {
	store := newFakeStore()
	verifier, err := verify.NewObject(nil)
	require.NoError(t, err)

	p := scan.New(store, verifier, nil, verify.Options{}, nil)

	_, err = p.Process(scan.Item{Kind: scan.ItemDirTree, Checksum: repotest.GenericChecksum(1), TreeDepth: scan.MaxTreeDepth + 1}, verify.CommitContext{})
	require.Error(t, err)
}

func TestProcessorCommitEnqueuesRootOnPartial(t *testing.T) {
	store := newFakeStore()

	commit := repotest.GenericCommit(1)
	data, checksum, err := repo.MarshalChecksum(commit)
	require.NoError(t, err)
	require.NoError(t, store.Write(checksum, repo.KindCommit, data))
	require.NoError(t, store.MarkPartial(checksum))

	verifier, err := verify.NewObject(nil)
	require.NoError(t, err)

	p := scan.New(store, verifier, nil, verify.Options{}, nil)

	result, err := p.Process(scan.Item{Kind: scan.ItemCommit, Checksum: checksum, Ref: repotest.GenericRef}, verify.CommitContext{Ref: repotest.GenericRef})
	require.NoError(t, err)
	// The root dirtree and dirmeta are not in the store yet, so they come
	// back as fetch requests rather than as items to descend into.
	assert.Empty(t, result.NextItems)
	require.Len(t, result.Fetches, 2)
	assert.Equal(t, repo.KindDirTree, result.Fetches[0].Kind)
	assert.Equal(t, commit.RootTree, result.Fetches[0].Checksum)
	assert.Equal(t, repo.KindDirMeta, result.Fetches[1].Kind)
	assert.Equal(t, commit.RootMeta, result.Fetches[1].Checksum)
}

func TestProcessorSubdirFilter(t *testing.T) {
	store := newFakeStore()

	tree := &repo.DirTree{
		Files: repo.Files{
			{Name: "included.txt", Checksum: repotest.GenericChecksum(10)},
			{Name: "excluded.txt", Checksum: repotest.GenericChecksum(11)},
		},
	}
	treeChecksum := repotest.GenericChecksum(44)
	data, err := repo.Marshal(tree)
	require.NoError(t, err)
	require.NoError(t, store.Write(treeChecksum, repo.KindDirTree, data))

	verifier, err := verify.NewObject(nil)
	require.NoError(t, err)

	p := scan.New(store, verifier, nil, verify.Options{}, []string{"included.txt"})

	result, err := p.Process(scan.Item{Kind: scan.ItemDirTree, Checksum: treeChecksum, Path: ""}, verify.CommitContext{})
	require.NoError(t, err)
	require.Len(t, result.Fetches, 1)
	assert.Equal(t, repotest.GenericChecksum(10), result.Fetches[0].Checksum)
}
