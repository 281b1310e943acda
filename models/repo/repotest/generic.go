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

// Package repotest holds fixtures shared by the rest of the module's tests,
// the way testing/mocks/generic.go did for the teacher repository.
package repotest

import (
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/arbortree/pull/models/repo"
)

// Global, non-nil fixtures that are valid values for the types commonly
// needed in tests.
var (
	NoopLogger = zerolog.New(io.Discard)

	GenericError = errors.New("dummy error")

	GenericBytes = []byte(`some object content`)

	GenericRef = repo.Ref{Name: "main"}

	GenericRemote = "origin"
)

// GenericChecksum returns a deterministic, distinct checksum per index, the
// way the teacher's genericIdentifier(offset) helpers worked.
func GenericChecksum(index int) repo.Checksum {
	return repo.ChecksumOf([]byte{byte(index), byte(index >> 8), byte(index >> 16)})
}

// GenericCommit returns a minimal but valid commit fixture.
func GenericCommit(index int) *repo.Commit {
	return &repo.Commit{
		Metadata:  map[string]string{},
		Parent:    repo.Checksum{},
		Subject:   "generic commit",
		Timestamp: 1_600_000_000 + int64(index),
		RootTree:  GenericChecksum(index + 1000),
		RootMeta:  GenericChecksum(index + 2000),
	}
}

// GenericDirTree returns a minimal dirtree fixture with one file entry.
func GenericDirTree(index int) *repo.DirTree {
	return &repo.DirTree{
		Files: repo.Files{
			{Name: "hello.txt", Checksum: GenericChecksum(index)},
		},
	}
}

// GenericDirMeta returns a minimal dirmeta fixture.
func GenericDirMeta() *repo.DirMeta {
	return &repo.DirMeta{
		UID:  0,
		GID:  0,
		Mode: 0o755,
	}
}
