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

package verify

import (
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/arbortree/pull/models/repo"
)

// CommitContext carries the information the verifier needs about the ref a
// commit was fetched under, so it can check bindings (§4.8) without the
// verifier itself knowing about refs or remotes.
type CommitContext struct {
	Ref              repo.Ref
	KeyringRef       string
	PreviousTimestamp int64 // 0 if there is no previous commit for this ref
}

// Options configures which checks Object runs, mirroring the caller-facing
// flags of §6 that affect verification.
type Options struct {
	GPGVerify             bool
	DisableSignVerify     bool
	DisableVerifyBindings bool
	TimestampCheck        bool
	BareuseronlyFiles     bool
}

// Object is the C8 object verifier: structure, checksum, bindings,
// signature, and timestamp checks run on every freshly-downloaded metadata
// object before it is written durably.
type Object struct {
	signer repo.SignatureVerifier
	cache  *ristretto.Cache
}

// NewObject builds a verifier. signer may be nil when signature checking is
// always disabled by the caller (UNTRUSTED flag or DisableSignVerify).
func NewObject(signer repo.SignatureVerifier) (*Object, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("could not initialize verification cache: %w", err)
	}
	return &Object{signer: signer, cache: cache}, nil
}

// VerifyChecksum re-hashes data and compares it to the address it is
// supposed to be stored under (P1). This check is unconditional.
func (o *Object) VerifyChecksum(checksum repo.Checksum, data []byte) error {
	got := repo.ChecksumOf(data)
	if got != checksum {
		return repo.Wrap(repo.KindVerification, fmt.Sprintf("checksum %s", checksum), fmt.Errorf("content hash mismatch (have: %s)", got))
	}
	return nil
}

// VerifyDirTree structurally validates a decoded dirtree: names must be
// sorted (mirrors the wire invariant of §3) and every checksum must be the
// right width — guaranteed by the repo.Checksum type itself, so the only
// remaining structural check is ordering.
func (o *Object) VerifyDirTree(tree *repo.DirTree) error {
	for i := 1; i < len(tree.Files); i++ {
		if tree.Files[i-1].Name >= tree.Files[i].Name {
			return repo.Wrap(repo.KindVerification, "dirtree", fmt.Errorf("file entries not sorted at %q", tree.Files[i].Name))
		}
	}
	for i := 1; i < len(tree.Subs); i++ {
		if tree.Subs[i-1].Name >= tree.Subs[i].Name {
			return repo.Wrap(repo.KindVerification, "dirtree", fmt.Errorf("subdir entries not sorted at %q", tree.Subs[i].Name))
		}
	}
	return nil
}

// VerifyDirMeta validates mode bits are sane and xattrs are sorted.
func (o *Object) VerifyDirMeta(meta *repo.DirMeta) error {
	for i := 1; i < len(meta.XAttrs); i++ {
		if meta.XAttrs[i-1].Name >= meta.XAttrs[i].Name {
			return repo.Wrap(repo.KindVerification, "dirmeta", fmt.Errorf("xattrs not sorted at %q", meta.XAttrs[i].Name))
		}
	}
	if meta.Mode&^uint32(0o7777) != 0 {
		return repo.Wrap(repo.KindVerification, "dirmeta", fmt.Errorf("mode bits out of range (%o)", meta.Mode))
	}
	return nil
}

// VerifyFile enforces bareuseronly mode when requested (§4.8 point 4): the
// on-disk representation this store uses cannot express non-root ownership
// for regular files/symlinks, so reject anything else up front.
func (o *Object) VerifyFile(file *repo.File, opts Options) error {
	if !opts.BareuseronlyFiles {
		return nil
	}
	if file.Mode != repo.FileModeRegular && file.Mode != repo.FileModeSymlink {
		return repo.Wrap(repo.KindVerification, "file", fmt.Errorf("bareuseronly mode requires regular file or symlink"))
	}
	if file.UID != 0 || file.GID != 0 {
		return repo.Wrap(repo.KindVerification, "file", fmt.Errorf("bareuseronly mode requires owner 0:0 (have %d:%d)", file.UID, file.GID))
	}
	return nil
}

// VerifyCommit runs every commit-specific check of §4.8: bindings,
// signatures, and (when requested) timestamp monotonicity. raw is the exact
// serialized bytes the signature was computed over; sigs is nil when no
// detached commit-meta was found for this commit.
func (o *Object) VerifyCommit(checksum repo.Checksum, commit *repo.Commit, raw []byte, sigs [][]byte, ctx CommitContext, opts Options) error {
	key := "commit:" + checksum.String()
	if _, ok := o.cache.Get(key); ok {
		return nil
	}

	if !opts.DisableVerifyBindings {
		if err := verifyBinding(commit.RefBinding, ctx.Ref.Name); err != nil {
			return repo.Wrap(repo.KindVerification, fmt.Sprintf("commit %s", checksum), err)
		}
		if ctx.Ref.Collection != "" {
			if err := verifyBinding(commit.CollBinding, ctx.Ref.Collection); err != nil {
				return repo.Wrap(repo.KindVerification, fmt.Sprintf("commit %s", checksum), err)
			}
		}
	}

	if opts.GPGVerify && !opts.DisableSignVerify {
		if o.signer == nil {
			return repo.Wrap(repo.KindVerification, fmt.Sprintf("commit %s", checksum), fmt.Errorf("no signature verifier configured"))
		}
		if len(sigs) == 0 {
			return repo.Wrap(repo.KindVerification, fmt.Sprintf("commit %s", checksum), fmt.Errorf("no detached signatures found"))
		}
		err := o.signer.Verify(ctx.KeyringRef, raw, sigs)
		if err != nil {
			return repo.Wrap(repo.KindVerification, fmt.Sprintf("commit %s", checksum), err)
		}
	}

	if opts.TimestampCheck && ctx.PreviousTimestamp != 0 && commit.Timestamp < ctx.PreviousTimestamp {
		return repo.Wrap(repo.KindVerification, fmt.Sprintf("commit %s", checksum), fmt.Errorf("timestamp regression (new: %d, old: %d)", commit.Timestamp, ctx.PreviousTimestamp))
	}

	o.cache.Set(key, struct{}{}, 1)
	o.cache.Wait()
	return nil
}

func verifyBinding(binding []string, want string) error {
	if len(binding) == 0 {
		return nil // commit makes no claim; nothing to check
	}
	for _, b := range binding {
		if b == want {
			return nil
		}
	}
	return fmt.Errorf("binding mismatch: %q not in %v", want, binding)
}
