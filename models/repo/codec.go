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
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// codec is the canonical CBOR encoder used for every addressed object.
// Canonical (deterministic map key ordering, shortest-form integers) is
// mandatory: the checksum is a hash of these exact bytes, so any two
// encoders that disagree on byte order would disagree on every checksum.
var codec cbor.EncMode

func init() {
	var err error
	codec, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("could not initialize canonical codec: %w", err))
	}
}

// Marshal serializes an object canonically. The returned bytes are exactly
// what ChecksumOf hashes to produce the object's address.
func Marshal(v interface{}) ([]byte, error) {
	switch obj := v.(type) {
	case *DirTree:
		sort.Sort(obj.Files)
		sort.Sort(obj.Subs)
	case *DirMeta:
		sort.Slice(obj.XAttrs, func(i, j int) bool { return obj.XAttrs[i].Name < obj.XAttrs[j].Name })
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode object: %w", err)
	}
	return data, nil
}

// Unmarshal decodes canonically-serialized bytes back into v.
func Unmarshal(data []byte, v interface{}) error {
	err := cbor.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("could not decode object: %w", err)
	}
	return nil
}

// MarshalChecksum serializes v and returns both the bytes and the checksum
// that addresses them (P1: hash(serialize(obj)) == address).
func MarshalChecksum(v interface{}) ([]byte, Checksum, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, Checksum{}, err
	}
	return data, ChecksumOf(data), nil
}
