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

// Package verify implements the signature-verifier and object-verifier
// collaborators (§1, §4.8).
package verify

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/errors"

	"github.com/arbortree/pull/models/repo"
)

// GPGVerifier checks detached binary OpenPGP signatures against a set of
// keyrings (armored or binary), one per keyring reference (a collection-id
// or remote name).
type GPGVerifier struct {
	mu       sync.RWMutex
	keyrings map[string]openpgp.EntityList
}

// NewGPGVerifier returns an empty verifier; keyrings are added with
// AddKeyring before first use.
func NewGPGVerifier() *GPGVerifier {
	return &GPGVerifier{keyrings: make(map[string]openpgp.EntityList)}
}

// AddKeyring registers an armored or binary keyring under keyringRef.
func (v *GPGVerifier) AddKeyring(keyringRef string, keyringData []byte) error {
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(keyringData))
	if err != nil {
		entities, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(keyringData))
	}
	if err != nil {
		return fmt.Errorf("could not parse keyring: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keyrings[keyringRef] = entities
	return nil
}

// Verify checks that at least one signature in signatures was produced by a
// key in the keyring registered under keyringRef, over data.
func (v *GPGVerifier) Verify(keyringRef string, data []byte, signatures [][]byte) error {
	v.mu.RLock()
	keyring, ok := v.keyrings[keyringRef]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("GPG: no keyring registered for %q", keyringRef)
	}
	if len(signatures) == 0 {
		return fmt.Errorf("GPG: no signatures to verify")
	}

	var lastErr error
	for _, sig := range signatures {
		_, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(sig))
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == errors.ErrUnknownIssuer {
		return fmt.Errorf("GPG: signature from unknown key")
	}
	return fmt.Errorf("GPG: no valid signature found: %w", lastErr)
}

var _ repo.SignatureVerifier = (*GPGVerifier)(nil)
