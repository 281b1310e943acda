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

	"github.com/arbortree/pull/models/repo"
)

// ChainVerifier accepts a commit's signatures if any of the configured
// verifiers accepts them (§4.8: "signatures (GPG and/or ed25519)").
type ChainVerifier struct {
	verifiers []repo.SignatureVerifier
}

// NewChainVerifier combines one or more signature verifiers.
func NewChainVerifier(verifiers ...repo.SignatureVerifier) *ChainVerifier {
	return &ChainVerifier{verifiers: verifiers}
}

// Verify succeeds if at least one underlying verifier accepts the
// signatures; it reports the last error if none do.
func (c *ChainVerifier) Verify(keyringRef string, data []byte, signatures [][]byte) error {
	if len(c.verifiers) == 0 {
		return fmt.Errorf("no signature verifiers configured")
	}
	var lastErr error
	for _, v := range c.verifiers {
		err := v.Verify(keyringRef, data, signatures)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

var _ repo.SignatureVerifier = (*ChainVerifier)(nil)
