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
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/arbortree/pull/models/repo"
)

// Ed25519Verifier checks raw ed25519 signatures against a set of public
// keys, one set per keyring reference. The pack shows no ecosystem wrapper
// around raw ed25519 verification beyond what crypto/ed25519 already does,
// so stdlib is the right choice here (DESIGN.md records the justification).
type Ed25519Verifier struct {
	mu   sync.RWMutex
	keys map[string][]ed25519.PublicKey
}

// NewEd25519Verifier returns an empty verifier; keys are added with AddKey.
func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{keys: make(map[string][]ed25519.PublicKey)}
}

// AddKey registers a public key under keyringRef.
func (v *Ed25519Verifier) AddKey(keyringRef string, key ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[keyringRef] = append(v.keys[keyringRef], key)
}

// Verify checks that at least one signature in signatures validates against
// one of the keys registered under keyringRef.
func (v *Ed25519Verifier) Verify(keyringRef string, data []byte, signatures [][]byte) error {
	v.mu.RLock()
	keys := v.keys[keyringRef]
	v.mu.RUnlock()
	if len(keys) == 0 {
		return fmt.Errorf("ed25519: no keys registered for %q", keyringRef)
	}
	for _, sig := range signatures {
		for _, key := range keys {
			if ed25519.Verify(key, data, sig) {
				return nil
			}
		}
	}
	return fmt.Errorf("ed25519: no valid signature found")
}

var _ repo.SignatureVerifier = (*Ed25519Verifier)(nil)
