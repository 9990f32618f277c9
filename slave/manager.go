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

package slave

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/regbridge/modbus-gateway/driver"
	"github.com/regbridge/modbus-gateway/storage"
	"github.com/regbridge/modbus-gateway/units"
)

// State machine delays. The retry delay is deliberately fixed for every
// failure path.
const (
	DefaultConnectDelay = 1 * time.Second
	DefaultRetryDelay   = 5 * time.Second
)

// Options configures a Manager. Store and Catalog are required; the rest
// defaults to the production wiring.
type Options struct {
	Store   *storage.Store
	Catalog *units.Catalog
	Factory driver.Factory
	Notify  Notifier
	Logger  log.Logger

	// Timer overrides, used by tests. Zero means the default.
	ConnectDelay time.Duration
	RetryDelay   time.Duration
}

// Manager is the registry of slaves and the sole owner of their
// lifecycles: a slave is destroyed exactly once, when the manager releases
// it.
type Manager struct {
	store   *storage.Store
	catalog *units.Catalog
	factory driver.Factory
	notify  Notifier
	logger  log.Logger

	connectDelay time.Duration
	retryDelay   time.Duration

	mu     sync.Mutex
	slaves map[string]*Slave
	order  []string
}

// NewManager builds the registry. Call Start to replay persisted slaves.
func NewManager(opts Options) *Manager {
	m := &Manager{
		store:        opts.Store,
		catalog:      opts.Catalog,
		factory:      opts.Factory,
		notify:       opts.Notify,
		logger:       opts.Logger,
		connectDelay: opts.ConnectDelay,
		retryDelay:   opts.RetryDelay,
		slaves:       map[string]*Slave{},
	}
	if m.factory == nil {
		m.factory = driver.New
	}
	if m.logger == nil {
		m.logger = log.NewNopLogger()
	}
	if m.connectDelay == 0 {
		m.connectDelay = DefaultConnectDelay
	}
	if m.retryDelay == 0 {
		m.retryDelay = DefaultRetryDelay
	}
	return m
}

// Start replays every persisted slave and its sources, then arms their
// connect timers. A store that cannot be read is a fatal startup error; a
// single bad row is logged and skipped.
func (m *Manager) Start() error {
	rows, err := m.store.Slaves()
	if err != nil {
		return err
	}

	for key, record := range rows {
		if _, err := driver.KindOf(record.URL); err != nil {
			level.Error(m.logger).Log("msg", "skipping slave with bad url", "slave", key, "url", record.URL, "err", err)
			continue
		}

		s := newSlave(key, record.ID, record.Name, record.URL, m)

		sources, err := m.store.Sources(key)
		if err != nil {
			level.Error(m.logger).Log("msg", "failed to replay sources", "slave", key, "err", err)
		}
		for address, row := range sources {
			src, err := NewSource(AddSourceRequest{
				Name:     row.Name,
				Type:     row.Type,
				Unit:     row.Unit,
				Address:  address,
				Interval: time.Duration(row.Interval) * time.Millisecond,
			}, m.catalog)
			if err != nil {
				level.Error(m.logger).Log("msg", "skipping bad source row", "slave", key, "address", storage.AddressKey(address), "err", err)
				continue
			}
			// Replay happens before the loop starts; no posting needed,
			// and the row is never written back.
			s.sources = append(s.sources, src)
		}

		m.register(s)
		s.start()
	}

	level.Info(m.logger).Log("msg", "started", "slaves", len(m.slaves))
	return nil
}

// Close stops every slave in an orderly fashion. Durable state is left
// untouched; the gateway comes back with the same slaves.
func (m *Manager) Close() {
	m.mu.Lock()
	slaves := make([]*Slave, 0, len(m.slaves))
	for _, s := range m.slaves {
		slaves = append(slaves, s)
	}
	m.slaves = map[string]*Slave{}
	m.order = nil
	m.mu.Unlock()

	for _, s := range slaves {
		s.stop()
	}
	slavesRegistered.Set(0)
}

// AddSlave registers a new slave, persists its row and starts its state
// machine. The URL scheme is the only thing checked here; a bad endpoint
// surfaces later as a connect failure, retried forever.
func (m *Manager) AddSlave(id uint8, name, url string) (string, error) {
	if _, err := driver.KindOf(url); err != nil {
		return "", &ConfigError{Err: err}
	}

	key, err := newKey()
	if err != nil {
		return "", err
	}

	if name == "" {
		name = url
	}

	if err := m.store.PutSlave(key, storage.SlaveRecord{ID: id, Name: name, URL: url}); err != nil {
		return "", err
	}

	s := newSlave(key, id, name, url, m)
	m.register(s)
	s.start()

	level.Info(m.logger).Log("msg", "slave added", "slave", key, "url", url)
	return key, nil
}

// RemoveSlave permanently deletes a slave: state machine, timers, durable
// row and its whole directory.
func (m *Manager) RemoveSlave(key string) error {
	m.mu.Lock()
	s, ok := m.slaves[key]
	if ok {
		delete(m.slaves, key)
		for i, candidate := range m.order {
			if candidate == key {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return &ConfigError{Err: ErrUnknownSlave}
	}

	s.stop()
	slavesRegistered.Dec()

	if err := m.store.RemoveSlave(key); err != nil {
		level.Error(m.logger).Log("msg", "failed to remove slave from store", "slave", key, "err", err)
		return err
	}

	level.Info(m.logger).Log("msg", "slave removed", "slave", key)
	return nil
}

// SetSlaveName renames a slave and persists the change immediately.
func (m *Manager) SetSlaveName(key, name string) error {
	if name == "" {
		return &ConfigError{Err: fmt.Errorf("name is required")}
	}

	s, err := m.get(key)
	if err != nil {
		return err
	}
	if err := s.setName(name); err != nil {
		return err
	}
	return m.store.SetSlaveName(key, name)
}

// AddSource validates the request, appends the source to the slave and, if
// asked to, persists its row. While the slave is online the source starts
// polling immediately.
func (m *Manager) AddSource(key string, req AddSourceRequest, persist bool) error {
	s, err := m.get(key)
	if err != nil {
		return err
	}

	src, err := NewSource(req, m.catalog)
	if err != nil {
		return err
	}

	if err := s.addSource(src); err != nil {
		return err
	}

	if persist {
		if err := m.store.PutSource(key, src.Address, storage.SourceRecord{
			Name:     src.Name,
			Type:     src.Type.String(),
			Unit:     src.Unit,
			Interval: int(src.Interval.Milliseconds()),
		}); err != nil {
			level.Error(m.logger).Log("msg", "failed to persist source", "slave", key, "address", storage.AddressKey(src.Address), "err", err)
			return err
		}
	}

	return nil
}

// RemoveSource drops a source and always deletes its durable record,
// online or not.
func (m *Manager) RemoveSource(key string, address uint16) error {
	s, err := m.get(key)
	if err != nil {
		return err
	}
	if err := s.removeSource(address); err != nil {
		return err
	}
	return m.store.RemoveSource(key, address)
}

// SetSourceInterval retargets a source's polling cadence and persists the
// new interval.
func (m *Manager) SetSourceInterval(key string, address uint16, interval time.Duration) error {
	if interval <= 0 {
		return &ConfigError{Err: fmt.Errorf("polling interval must be positive")}
	}

	s, err := m.get(key)
	if err != nil {
		return err
	}
	if err := s.setInterval(address, interval); err != nil {
		return err
	}

	sources, err := m.store.Sources(key)
	if err != nil {
		return err
	}
	record, ok := sources[address]
	if !ok {
		// Non-persisted source; the live retarget is all there is.
		return nil
	}
	record.Interval = int(interval.Milliseconds())
	return m.store.PutSource(key, address, record)
}

// GetSlave returns a point-in-time snapshot of one slave.
func (m *Manager) GetSlave(key string) (Snapshot, error) {
	s, err := m.get(key)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot()
}

// ListSlaves returns snapshots of every slave in registration order.
func (m *Manager) ListSlaves() []Snapshot {
	m.mu.Lock()
	slaves := make([]*Slave, 0, len(m.order))
	for _, key := range m.order {
		if s, ok := m.slaves[key]; ok {
			slaves = append(slaves, s)
		}
	}
	m.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(slaves))
	for _, s := range slaves {
		snap, err := s.snapshot()
		if err != nil {
			// Stopped between listing and snapshotting.
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

func (m *Manager) register(s *Slave) {
	m.mu.Lock()
	m.slaves[s.key] = s
	m.order = append(m.order, s.key)
	m.mu.Unlock()
	slavesRegistered.Inc()
}

func (m *Manager) get(key string) (*Slave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slaves[key]
	if !ok {
		return nil, &ConfigError{Err: ErrUnknownSlave}
	}
	return s, nil
}

// newKey generates the stable random identity used for persistence and
// management addressing.
func newKey() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate slave key: %v", err)
	}
	return hex.EncodeToString(raw), nil
}
