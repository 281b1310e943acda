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

package repo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arbortree/pull/models/repo"
)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		options repo.Options
		wantErr bool
	}{
		{
			name: "valid minimal options",
			options: repo.Options{
				Refs: []string{"main"},
			},
			wantErr: false,
		},
		{
			name: "require and disable static deltas together",
			options: repo.Options{
				Refs:                []string{"main"},
				RequireStaticDeltas: true,
				DisableStaticDeltas: true,
			},
			wantErr: true,
		},
		{
			name: "summary bytes without summary sig bytes",
			options: repo.Options{
				Refs:         []string{"main"},
				SummaryBytes: []byte("summary"),
			},
			wantErr: true,
		},
		{
			name:    "no refs requested at all",
			options: repo.Options{},
			wantErr: true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			err := test.options.Validate()
			if test.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := repo.DefaultOptions()
	assert.Equal(t, repo.DefaultMaxMetadataSize, int(opts.MaxMetadataSize))
	assert.Equal(t, uint(repo.DefaultNetworkRetries), opts.NNetworkRetries)
	assert.Equal(t, repo.DefaultDepth, opts.Depth)
}
