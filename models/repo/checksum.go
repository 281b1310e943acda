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

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChecksumSize is the number of raw bytes in a Checksum.
const ChecksumSize = 32

// Checksum is a content hash: the address of an object in the repository.
// The zero value is not a valid checksum for any object.
type Checksum [ChecksumSize]byte

// ChecksumOf hashes the canonical serialization of an object and returns its
// address.
func ChecksumOf(data []byte) Checksum {
	return Checksum(sha256.Sum256(data))
}

// String returns the 64-character lowercase hex representation.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether c is the zero checksum (used as a sentinel for "no
// parent" / "no from commit").
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// ParseChecksum decodes a 64-character lowercase hex string into a Checksum.
func ParseChecksum(s string) (Checksum, error) {
	if len(s) != ChecksumSize*2 {
		return Checksum{}, fmt.Errorf("invalid checksum length (have: %d, want: %d)", len(s), ChecksumSize*2)
	}
	var c Checksum
	n, err := hex.Decode(c[:], []byte(s))
	if err != nil {
		return Checksum{}, fmt.Errorf("could not decode checksum: %w", err)
	}
	if n != ChecksumSize {
		return Checksum{}, fmt.Errorf("short checksum decode (have: %d, want: %d)", n, ChecksumSize)
	}
	return c, nil
}

// MarshalText implements encoding.TextMarshaler so checksums round-trip
// through YAML/JSON as their hex form rather than a raw byte array.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	parsed, err := ParseChecksum(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
