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

// Package remoteconfig implements the remote-configuration-storage
// collaborator (§1, §2): a YAML-backed local store of configured remotes,
// plus a parser for the deprecated TOML `config` keyfile a remote itself may
// serve (§6).
package remoteconfig

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/arbortree/pull/models/repo"
)

// Entry is one configured remote, as persisted in the YAML store.
type Entry struct {
	Name             string `yaml:"name"`
	URL              string `yaml:"url"`
	GPGVerify        bool   `yaml:"gpg-verify"`
	TombstoneCommits bool   `yaml:"tombstone-commits"`
	Keyring          string `yaml:"keyring"`
}

// document is the on-disk shape: a list of entries keyed by name.
type document struct {
	Remotes []Entry `yaml:"remotes"`
}

// Store is a file-backed remote configuration store implementing
// repo.RemoteConfig.
type Store struct {
	mu      sync.RWMutex
	path    string
	remotes map[string]Entry
}

// Load reads a remote store from a YAML file. A missing file is treated as
// an empty store, so a first-run caller can call Save to create it.
func Load(path string) (*Store, error) {
	s := &Store{path: path, remotes: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("could not read remote config %q: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("could not parse remote config %q: %w", path, err)
	}
	for _, e := range doc.Remotes {
		s.remotes[e.Name] = e
	}
	return s, nil
}

// Save writes the current set of remotes back to the store's backing file.
func (s *Store) Save() error {
	s.mu.RLock()
	doc := document{Remotes: make([]Entry, 0, len(s.remotes))}
	for _, e := range s.remotes {
		doc.Remotes = append(doc.Remotes, e)
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("could not encode remote config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("could not write remote config %q: %w", s.path, err)
	}
	return nil
}

// Set adds or replaces a configured remote.
func (s *Store) Set(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remotes[e.Name] = e
}

// Remove deletes a configured remote, if present.
func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remotes, name)
}

func (s *Store) lookup(remote string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.remotes[remote]
	if !ok {
		return Entry{}, repo.Wrap(repo.KindMisconfiguration, remote, fmt.Errorf("remote not configured"))
	}
	return e, nil
}

// URL implements repo.RemoteConfig.
func (s *Store) URL(remote string) (string, error) {
	e, err := s.lookup(remote)
	if err != nil {
		return "", err
	}
	return e.URL, nil
}

// GPGVerify implements repo.RemoteConfig.
func (s *Store) GPGVerify(remote string) (bool, error) {
	e, err := s.lookup(remote)
	if err != nil {
		return false, err
	}
	return e.GPGVerify, nil
}

// TombstoneCommits implements repo.RemoteConfig.
func (s *Store) TombstoneCommits(remote string) (bool, error) {
	e, err := s.lookup(remote)
	if err != nil {
		return false, err
	}
	return e.TombstoneCommits, nil
}

// Keyring implements repo.RemoteConfig.
func (s *Store) Keyring(remote string) (string, error) {
	e, err := s.lookup(remote)
	if err != nil {
		return "", err
	}
	return e.Keyring, nil
}

var _ repo.RemoteConfig = (*Store)(nil)
