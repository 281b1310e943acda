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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbortree/pull/remoteconfig"
)

func TestParseKeyfile(t *testing.T) {
	data := []byte(`
[remote]
url = "https://example.invalid/repo"
gpg-verify = true
tombstone-commits = false
collection-id = "org.example.Repo"
`)

	kf, err := remoteconfig.ParseKeyfile(data)
	require.NoError(t, err)
	assert.Equal(t, "https://example.invalid/repo", kf.Remote.URL)
	assert.True(t, kf.Remote.GPGVerify)
	assert.Equal(t, "org.example.Repo", kf.Remote.Collection)
}

func TestParseKeyfileInvalid(t *testing.T) {
	_, err := remoteconfig.ParseKeyfile([]byte("not = [valid toml"))
	assert.Error(t, err)
}
