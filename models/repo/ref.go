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

package repo

import "fmt"

// Ref is a (collection-id?, name) pair mapping to a commit checksum.
// Collection may be empty for legacy refs.
type Ref struct {
	Collection string
	Name       string
}

// String renders the ref as "collection:name", e.g. "releases:main", or as
// the bare name "main" when Collection is empty.
func (r Ref) String() string {
	if r.Collection == "" {
		return r.Name
	}
	return fmt.Sprintf("%s:%s", r.Collection, r.Name)
}

// Path returns the wire path (§6) used to fetch this ref directly, bypassing
// the summary.
func (r Ref) Path() string {
	if r.Collection == "" {
		return fmt.Sprintf("refs/heads/%s", r.Name)
	}
	return fmt.Sprintf("refs/mirrors/%s/%s", r.Collection, r.Name)
}

// QualifiedRef is a ref as tracked in local storage: remote name plus the Ref
// itself.
type QualifiedRef struct {
	Remote string
	Ref    Ref
}

func (q QualifiedRef) String() string {
	return fmt.Sprintf("%s:%s", q.Remote, q.Ref.String())
}
