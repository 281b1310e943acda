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

package remoteconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Keyfile is the deprecated remote "config" document (§6: "the remote's
// config keyfile (deprecated; the summary carries the same info)"). Callers
// fetch this file from a remote and parse it here only as a fallback, when
// a remote has no summary yet.
type Keyfile struct {
	Remote struct {
		URL              string `toml:"url"`
		GPGVerify        bool   `toml:"gpg-verify"`
		TombstoneCommits bool   `toml:"tombstone-commits"`
		Collection       string `toml:"collection-id"`
	} `toml:"remote"`
}

// ParseKeyfile decodes the TOML bytes of a remote's "config" file.
func ParseKeyfile(data []byte) (Keyfile, error) {
	var kf Keyfile
	if _, err := toml.Decode(string(data), &kf); err != nil {
		return Keyfile{}, fmt.Errorf("could not parse remote keyfile: %w", err)
	}
	return kf, nil
}
