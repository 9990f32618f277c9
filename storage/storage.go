// Copyright 2021 The modbus-gateway Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage persists slave and source definitions under a fixed root
// directory. The layout is one slaves.yml index plus one directory per
// slave key holding its sources.yml:
//
//	<root>/slaves.yml
//	<root>/<key>/sources.yml
//
// Source rows are keyed by register address formatted as 0x%04x. Writes go
// through a temp file and rename so a crash never leaves a half-written
// table behind.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	yaml "gopkg.in/yaml.v2"
)

const (
	slavesFile  = "slaves.yml"
	sourcesFile = "sources.yml"
)

// SlaveRecord is one row of the slaves table.
type SlaveRecord struct {
	ID   uint8  `yaml:"id"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// SourceRecord is one row of a slave's sources table. The register address
// lives in the row key, not the record.
type SourceRecord struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Unit     string `yaml:"unit"`
	Interval int    `yaml:"interval"`
}

// Store is the durable configuration store. All methods are safe for
// concurrent use; writes are serialized.
type Store struct {
	mu   sync.Mutex
	root string
}

// Open prepares the store root, creating it if needed. A failure here is a
// fatal startup condition for the daemon.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to open storage root %s: %v", root, err)
	}
	return &Store{root: root}, nil
}

// AddressKey formats a register address as a source row key.
func AddressKey(address uint16) string {
	return fmt.Sprintf("0x%04x", address)
}

// ParseAddressKey is the inverse of AddressKey.
func ParseAddressKey(key string) (uint16, error) {
	var address uint16
	if _, err := fmt.Sscanf(key, "0x%04x", &address); err != nil {
		return 0, fmt.Errorf("malformed source address key %q: %v", key, err)
	}
	return address, nil
}

// Slaves replays the slaves table. A missing table means an empty gateway,
// not an error.
func (s *Store) Slaves() (map[string]SlaveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := map[string]SlaveRecord{}
	if err := s.read(s.slavesPath(), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// PutSlave writes one slave row. Called for new slaves only; replayed
// slaves never rewrite their row.
func (s *Store) PutSlave(key string, record SlaveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := map[string]SlaveRecord{}
	if err := s.read(s.slavesPath(), &rows); err != nil {
		return err
	}
	rows[key] = record
	return s.write(s.slavesPath(), rows)
}

// SetSlaveName updates the name key of one slave row in place.
func (s *Store) SetSlaveName(key, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := map[string]SlaveRecord{}
	if err := s.read(s.slavesPath(), &rows); err != nil {
		return err
	}
	record, ok := rows[key]
	if !ok {
		return fmt.Errorf("slave %s not present in store", key)
	}
	record.Name = name
	rows[key] = record
	return s.write(s.slavesPath(), rows)
}

// RemoveSlave deletes a slave row and its whole directory. This is the
// permanent-removal path only; ordinary shutdown leaves the store alone.
func (s *Store) RemoveSlave(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := map[string]SlaveRecord{}
	if err := s.read(s.slavesPath(), &rows); err != nil {
		return err
	}
	delete(rows, key)
	if err := s.write(s.slavesPath(), rows); err != nil {
		return err
	}

	return os.RemoveAll(filepath.Join(s.root, key))
}

// Sources replays one slave's sources table. Rows with malformed address
// keys are skipped, matching replay tolerance for hand-edited files.
func (s *Store) Sources(key string) (map[uint16]SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := map[string]SourceRecord{}
	if err := s.read(s.sourcesPath(key), &rows); err != nil {
		return nil, err
	}

	sources := map[uint16]SourceRecord{}
	for addressKey, record := range rows {
		address, err := ParseAddressKey(addressKey)
		if err != nil {
			continue
		}
		sources[address] = record
	}
	return sources, nil
}

// PutSource writes one source row. Only called on explicit creation with
// the persisted flag; startup replay never writes back.
func (s *Store) PutSource(key string, address uint16, record SourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create slave directory %s: %v", dir, err)
	}

	rows := map[string]SourceRecord{}
	if err := s.read(s.sourcesPath(key), &rows); err != nil {
		return err
	}
	rows[AddressKey(address)] = record
	return s.write(s.sourcesPath(key), rows)
}

// RemoveSource deletes one source row.
func (s *Store) RemoveSource(key string, address uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := map[string]SourceRecord{}
	if err := s.read(s.sourcesPath(key), &rows); err != nil {
		return err
	}
	delete(rows, AddressKey(address))
	return s.write(s.sourcesPath(key), rows)
}

func (s *Store) slavesPath() string {
	return filepath.Join(s.root, slavesFile)
}

func (s *Store) sourcesPath(key string) string {
	return filepath.Join(s.root, key, sourcesFile)
}

func (s *Store) read(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %v", path, err)
	}
	return nil
}

func (s *Store) write(path string, rows interface{}) error {
	data, err := yaml.Marshal(rows)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %v", tmp, err)
	}
	return os.Rename(tmp, path)
}
