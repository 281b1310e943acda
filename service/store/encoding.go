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

package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/arbortree/pull/models/repo"
)

var (
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
)

func init() {
	var err error
	compressor, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Errorf("could not initialize compressor: %w", err))
	}
	decompressor, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Errorf("could not initialize decompressor: %w", err))
	}
}

// objectKey builds the badger key for a content-addressed object: the
// object-table prefix, the object kind, and the raw checksum bytes.
func objectKey(checksum repo.Checksum, kind repo.Kind) []byte {
	key := make([]byte, 0, 1+1+repo.ChecksumSize)
	key = append(key, prefixObject, byte(kind))
	key = append(key, checksum[:]...)
	return key
}

func partialKey(checksum repo.Checksum) []byte {
	key := make([]byte, 0, 1+repo.ChecksumSize)
	key = append(key, prefixPartial)
	key = append(key, checksum[:]...)
	return key
}

func refKey(remote string, ref repo.Ref) []byte {
	key := make([]byte, 0, 1+len(remote)+1+len(ref.String()))
	key = append(key, prefixRef)
	key = append(key, []byte(remote)...)
	key = append(key, 0x00)
	key = append(key, []byte(ref.String())...)
	return key
}

// compress wraps content objects the same way the teacher's storage layer
// compresses header/payload/event batches (service/storage/encoding.go):
// file content benefits the most, so every object kind is compressed with
// the default (non-dictionary) profile — we have no fixed corpus to train a
// shared dictionary against, unlike the teacher's chain-specific payloads.
func compress(data []byte) []byte {
	return compressor.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	out, err := decompressor.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("could not decompress object: %w", err)
	}
	return out, nil
}
