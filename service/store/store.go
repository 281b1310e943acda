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

// Package store is a reference implementation of the repo.Store collaborator
// (§1 of the specification names the object store as deliberately out of the
// pull engine's own scope). It exists so the engine can be exercised
// end-to-end without a production store, grounded on the teacher's
// badger-backed service/storage package.
package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/arbortree/pull/models/repo"
)

// Store is a badger-backed implementation of repo.Store.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open store: %w", err)
	}
	return &Store{db: db}, nil
}

// FromDB wraps an already-open badger database, for tests that open a store
// at a throwaway temp directory and discard it afterwards.
func FromDB(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Has reports whether an object is present (P1/P2: presence checks never
// touch content, only the key).
func (s *Store) Has(checksum repo.Checksum, kind repo.Kind) (bool, error) {
	var found bool
	err := s.db.View(func(tx *badger.Txn) error {
		_, err := tx.Get(objectKey(checksum, kind))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("could not check object presence: %w", err)
	}
	return found, nil
}

// Load retrieves and decompresses an object's bytes.
func (s *Store) Load(checksum repo.Checksum, kind repo.Kind) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(objectKey(checksum, kind))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return repo.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out, err := decompress(val)
			if err != nil {
				return err
			}
			data = out
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("could not load object (%s %s): %w", kind, checksum, err)
	}
	return data, nil
}

// Write stores an object. Writes are idempotent: writing the same checksum
// twice is a no-op success (§4.7 "ordering guarantees").
func (s *Store) Write(checksum repo.Checksum, kind repo.Kind, data []byte) error {
	err := s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(objectKey(checksum, kind), compress(data))
	})
	if err != nil {
		return fmt.Errorf("could not write object (%s %s): %w", kind, checksum, err)
	}
	return nil
}

// MarkPartial records that commit's reachable objects are not all present
// yet (§6 "<repo>/state/<commit>.commitpartial").
func (s *Store) MarkPartial(commit repo.Checksum) error {
	err := s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(partialKey(commit), nil)
	})
	if err != nil {
		return fmt.Errorf("could not mark commit partial: %w", err)
	}
	return nil
}

// ClearPartial removes the commitpartial marker once a commit's reachable
// objects have all been verified durable.
func (s *Store) ClearPartial(commit repo.Checksum) error {
	err := s.db.Update(func(tx *badger.Txn) error {
		err := tx.Delete(partialKey(commit))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("could not clear partial marker: %w", err)
	}
	return nil
}

// IsPartial reports whether commit still carries a commitpartial marker.
func (s *Store) IsPartial(commit repo.Checksum) (bool, error) {
	var partial bool
	err := s.db.View(func(tx *badger.Txn) error {
		_, err := tx.Get(partialKey(commit))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		partial = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("could not check partial marker: %w", err)
	}
	return partial, nil
}

// ReadRef looks up the local value of a remote-qualified ref.
func (s *Store) ReadRef(remote string, ref repo.Ref) (repo.Checksum, bool, error) {
	var (
		checksum repo.Checksum
		found    bool
	)
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(refKey(remote, ref))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != repo.ChecksumSize {
				return fmt.Errorf("corrupt ref value (len: %d)", len(val))
			}
			copy(checksum[:], val)
			found = true
			return nil
		})
	})
	if err != nil {
		return repo.Checksum{}, false, fmt.Errorf("could not read ref: %w", err)
	}
	return checksum, found, nil
}

// WriteRef sets the local value of a remote-qualified ref. This is the only
// mutation the transaction driver (C9) performs at commit time.
func (s *Store) WriteRef(remote string, ref repo.Ref, commit repo.Checksum) error {
	err := s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(refKey(remote, ref), commit[:])
	})
	if err != nil {
		return fmt.Errorf("could not write ref: %w", err)
	}
	return nil
}

var _ repo.Store = (*Store)(nil)
