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

//go:build integration
// +build integration

package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbortree/pull/models/repo"
	"github.com/arbortree/pull/models/repo/repotest"
	"github.com/arbortree/pull/service/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestStoreWriteLoadHas(t *testing.T) {
	s := setupStore(t)

	checksum := repotest.GenericChecksum(1)
	data := repotest.GenericBytes

	ok, err := s.Has(checksum, repo.KindFile)
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Write(checksum, repo.KindFile, data)
	require.NoError(t, err)

	ok, err = s.Has(checksum, repo.KindFile)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Load(checksum, repo.KindFile)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Writing the same checksum again is idempotent (P2/§4.7 ordering).
	err = s.Write(checksum, repo.KindFile, data)
	require.NoError(t, err)
}

func TestStoreLoadMissing(t *testing.T) {
	s := setupStore(t)

	_, err := s.Load(repotest.GenericChecksum(99), repo.KindFile)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestStorePartialMarker(t *testing.T) {
	s := setupStore(t)

	commit := repotest.GenericChecksum(2)

	partial, err := s.IsPartial(commit)
	require.NoError(t, err)
	assert.False(t, partial)

	require.NoError(t, s.MarkPartial(commit))

	partial, err = s.IsPartial(commit)
	require.NoError(t, err)
	assert.True(t, partial)

	require.NoError(t, s.ClearPartial(commit))

	partial, err = s.IsPartial(commit)
	require.NoError(t, err)
	assert.False(t, partial)

	// Clearing twice must not error (idempotent).
	require.NoError(t, s.ClearPartial(commit))
}

func TestStoreRef(t *testing.T) {
	s := setupStore(t)

	_, found, err := s.ReadRef(repotest.GenericRemote, repotest.GenericRef)
	require.NoError(t, err)
	assert.False(t, found)

	commit := repotest.GenericChecksum(3)
	require.NoError(t, s.WriteRef(repotest.GenericRemote, repotest.GenericRef, commit))

	got, found, err := s.ReadRef(repotest.GenericRemote, repotest.GenericRef)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, commit, got)
}
