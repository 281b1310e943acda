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

package store

import (
	"github.com/arbortree/pull/models/repo"
)

// Mirror implements repo.Importer against a second Store rooted at a
// file:// remote or a configured localcache repo (§4.6 "remote_repo_local"):
// objects already present there are copied straight out of its badger
// database instead of going over the network.
type Mirror struct {
	local *Store
}

// NewMirror wraps an already-open local Store for use as an importer.
func NewMirror(local *Store) *Mirror {
	return &Mirror{local: local}
}

// Import implements repo.Importer.
func (m *Mirror) Import(checksum repo.Checksum, kind repo.Kind) ([]byte, bool, error) {
	ok, err := m.local.Has(checksum, kind)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	data, err := m.local.Load(checksum, kind)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

var _ repo.Importer = (*Mirror)(nil)
