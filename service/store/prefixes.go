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

// Key prefixes for the badger-backed reference object store.
const (
	prefixObject    = 1 // + kind byte + checksum -> object bytes
	prefixPartial   = 2 // + checksum -> empty value (commitpartial marker)
	prefixRef       = 3 // + remote + 0x00 + ref -> checksum
)
