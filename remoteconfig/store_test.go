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

package remoteconfig_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbortree/pull/remoteconfig"
)

func TestStoreLoadMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotes.yaml")

	s, err := remoteconfig.Load(path)
	require.NoError(t, err)

	_, err = s.URL("origin")
	assert.Error(t, err)
}

func TestStoreSetSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotes.yaml")

	s, err := remoteconfig.Load(path)
	require.NoError(t, err)

	s.Set(remoteconfig.Entry{
		Name:             "origin",
		URL:              "https://example.invalid/repo",
		GPGVerify:        true,
		TombstoneCommits: false,
		Keyring:          "origin-keyring",
	})
	require.NoError(t, s.Save())

	reloaded, err := remoteconfig.Load(path)
	require.NoError(t, err)

	url, err := reloaded.URL("origin")
	require.NoError(t, err)
	assert.Equal(t, "https://example.invalid/repo", url)

	verify, err := reloaded.GPGVerify("origin")
	require.NoError(t, err)
	assert.True(t, verify)

	keyring, err := reloaded.Keyring("origin")
	require.NoError(t, err)
	assert.Equal(t, "origin-keyring", keyring)
}

func TestStoreRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotes.yaml")

	s, err := remoteconfig.Load(path)
	require.NoError(t, err)

	s.Set(remoteconfig.Entry{Name: "origin", URL: "https://example.invalid"})
	s.Remove("origin")

	_, err = s.URL("origin")
	assert.Error(t, err)
}
