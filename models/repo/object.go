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

// Kind is the tag of an object stored in the repository.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindDirTree
	KindDirMeta
	KindCommit
	KindCommitMeta
	KindCommitTombstone
)

// String implements the Stringer interface.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirTree:
		return "dirtree"
	case KindDirMeta:
		return "dirmeta"
	case KindCommit:
		return "commit"
	case KindCommitMeta:
		return "commit-meta"
	case KindCommitTombstone:
		return "commit-tombstone"
	default:
		return "invalid"
	}
}

// Suffix returns the wire-path suffix used under objects/<xx>/<rest>.<suffix>
// (§6). Compressed file objects use "filez"; callers decide between "file"
// and "filez" based on whether they want the compressed form.
func (k Kind) Suffix() (string, error) {
	switch k {
	case KindFile:
		return "file", nil
	case KindDirTree:
		return "dirtree", nil
	case KindDirMeta:
		return "dirmeta", nil
	case KindCommit:
		return "commit", nil
	case KindCommitMeta:
		return "commitmeta", nil
	case KindCommitTombstone:
		return "commit-tombstone", nil
	default:
		return "", fmt.Errorf("unknown object kind (%d)", k)
	}
}

// ObjectPath builds the wire path of §6: "objects/<first-2-chars-of-
// checksum>/<remaining-62>.<suffix>". compressed selects "filez" over
// "file" for KindFile; it is ignored for every other kind.
func ObjectPath(checksum Checksum, kind Kind, compressed bool) (string, error) {
	suffix, err := kind.Suffix()
	if err != nil {
		return "", err
	}
	if kind == KindFile && compressed {
		suffix = "filez"
	}
	hex := checksum.String()
	return fmt.Sprintf("objects/%s/%s.%s", hex[:2], hex[2:], suffix), nil
}

// FileMode distinguishes the three things a file object can represent.
type FileMode uint8

const (
	FileModeRegular FileMode = iota + 1
	FileModeSymlink
	FileModeHardlink
)

// File is a regular file, symlink, or hardlink target. Content is the
// addressed byte stream; for a symlink, Content is the link target path.
type File struct {
	Mode    FileMode `cbor:"1,keyasint"`
	UID     uint32   `cbor:"2,keyasint"`
	GID     uint32   `cbor:"3,keyasint"`
	Perm    uint32   `cbor:"4,keyasint"`
	Content []byte   `cbor:"5,keyasint"`
}

// DirEntryFile is a (name, file-checksum) entry of a dirtree.
type DirEntryFile struct {
	Name     string   `cbor:"1,keyasint"`
	Checksum Checksum `cbor:"2,keyasint"`
}

// DirEntrySub is a (name, dirtree-checksum, dirmeta-checksum) entry of a
// dirtree, naming a subdirectory.
type DirEntrySub struct {
	Name         string   `cbor:"1,keyasint"`
	TreeChecksum Checksum `cbor:"2,keyasint"`
	MetaChecksum Checksum `cbor:"3,keyasint"`
}

// DirTree is the binary-encoded listing of one directory's entries, sorted
// by name (files and subdirectories are each sorted by name in their own
// list).
type DirTree struct {
	Files Files `cbor:"1,keyasint"`
	Subs  Subs  `cbor:"2,keyasint"`
}

// Files is a name-sorted slice of file entries.
type Files []DirEntryFile

func (f Files) Len() int           { return len(f) }
func (f Files) Less(i, j int) bool { return f[i].Name < f[j].Name }
func (f Files) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

// Subs is a name-sorted slice of subdirectory entries.
type Subs []DirEntrySub

func (s Subs) Len() int           { return len(s) }
func (s Subs) Less(i, j int) bool { return s[i].Name < s[j].Name }
func (s Subs) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// XAttr is a single extended attribute.
type XAttr struct {
	Name  string `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint"`
}

// DirMeta is the permission/ownership metadata for a directory.
type DirMeta struct {
	UID    uint32  `cbor:"1,keyasint"`
	GID    uint32  `cbor:"2,keyasint"`
	Mode   uint32  `cbor:"3,keyasint"`
	XAttrs []XAttr `cbor:"4,keyasint"` // sorted by Name
}

// Commit is the top-level content-addressed metadata object naming a root
// dirtree and dirmeta.
type Commit struct {
	Metadata     map[string]string `cbor:"1,keyasint"`
	Parent       Checksum          `cbor:"2,keyasint"` // zero value means no parent
	RelatedRefs  []string          `cbor:"3,keyasint"`
	Subject      string            `cbor:"4,keyasint"`
	Body         string            `cbor:"5,keyasint"`
	Timestamp    int64             `cbor:"6,keyasint"` // unix seconds
	RootTree     Checksum          `cbor:"7,keyasint"`
	RootMeta     Checksum          `cbor:"8,keyasint"`
	RefBinding   []string          `cbor:"9,keyasint"`
	CollBinding  []string          `cbor:"10,keyasint"`
}

// CommitMeta is optional detached signatures/extra metadata for a commit,
// addressed by the commit's own checksum rather than its own content hash.
type CommitMeta struct {
	Signatures [][]byte          `cbor:"1,keyasint"`
	Extra      map[string]string `cbor:"2,keyasint"`
}

// CommitTombstone marks that a commit was intentionally deleted.
type CommitTombstone struct {
	Commit Checksum `cbor:"1,keyasint"`
	Reason string   `cbor:"2,keyasint"`
}
