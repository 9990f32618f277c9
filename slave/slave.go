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

// Package slave manages the set of remote field devices. Each slave runs
// its own connection state machine and polling scheduler on a single
// event-loop goroutine; timers and external calls post closures to that
// loop, so per-slave state needs no locking and different slaves never
// interfere with each other.
package slave

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/regbridge/modbus-gateway/driver"
	"github.com/regbridge/modbus-gateway/storage"
)

// bond pairs one source with its recurring polling timer. It is the
// private context of exactly that timer; a fire whose bond is no longer in
// the timer table is stale and gets dropped.
type bond struct {
	source *Source
	timer  *time.Timer
}

// Slave is one managed remote device. All mutable state below the
// immutable identity block is confined to the run loop.
type Slave struct {
	key string
	id  uint8
	url string

	factory driver.Factory
	notify  Notifier
	logger  log.Logger

	connectDelay time.Duration
	retryDelay   time.Duration

	cmds chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once

	// Loop-confined state. conn presence is the only online truth.
	name    string
	conn    driver.Conn
	sources []*Source
	bonds   map[uint16]*bond
	retry   *time.Timer
}

func newSlave(key string, id uint8, name, url string, m *Manager) *Slave {
	return &Slave{
		key:          key,
		id:           id,
		name:         name,
		url:          url,
		factory:      m.factory,
		notify:       m.notify,
		logger:       log.With(m.logger, "slave", key),
		connectDelay: m.connectDelay,
		retryDelay:   m.retryDelay,
		cmds:         make(chan func(), 16),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		bonds:        map[uint16]*bond{},
	}
}

// Key returns the slave's stable identity.
func (s *Slave) Key() string {
	return s.key
}

// start arms the first connect attempt and enters the run loop.
func (s *Slave) start() {
	s.retry = time.AfterFunc(s.connectDelay, func() {
		s.post(s.connect)
	})
	go s.run()
}

// stop tears the slave down and waits for the loop to finish. After stop
// returns no timer callback can observe the slave.
func (s *Slave) stop() {
	s.once.Do(func() {
		close(s.quit)
	})
	<-s.done
}

func (s *Slave) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			s.teardown()
			return
		}
	}
}

// post queues fn for the loop. Posts against a stopped slave are dropped.
func (s *Slave) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// call runs fn on the loop and waits for its result.
func (s *Slave) call(fn func() error) error {
	errc := make(chan error, 1)
	s.post(func() {
		errc <- fn()
	})
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrStopped
	}
}

// connect is one attempt of the state machine: build the handle, set the
// unit id, dial. Every failure discards the handle and re-arms the retry
// timer; nothing partial survives an attempt.
func (s *Slave) connect() {
	if s.conn != nil {
		return
	}

	conn, err := s.factory(s.url)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to create connection", "url", s.url, "err", err)
		s.rearm()
		return
	}

	if err := conn.SetUnitID(s.id); err != nil {
		level.Error(s.logger).Log("msg", "failed to set unit id", "id", s.id, "err", err)
		conn.Close()
		s.rearm()
		return
	}

	if err := conn.Connect(); err != nil {
		level.Info(s.logger).Log("msg", "connect failed", "url", s.url, "err", err)
		conn.Close()
		s.rearm()
		return
	}

	s.conn = conn
	connectAttempts.WithLabelValues(s.key, "success").Inc()
	slaveOnline.WithLabelValues(s.key).Set(1)
	level.Info(s.logger).Log("msg", "online", "url", s.url)

	for _, src := range s.sources {
		s.startPolling(src)
	}

	s.emit(Event{Type: EventOnline, Slave: s.key, Online: true})
}

// rearm schedules the next connect attempt at the fixed retry delay. The
// delay is deliberately constant: no growth, no cap, no jitter.
func (s *Slave) rearm() {
	connectAttempts.WithLabelValues(s.key, "error").Inc()
	s.retry.Reset(s.retryDelay)
}

// disconnect leaves the online state: the whole timer table is discarded
// before the handle, the sources themselves survive untouched.
func (s *Slave) disconnect(cause error) {
	if s.conn == nil {
		return
	}

	level.Info(s.logger).Log("msg", "disconnected", "err", cause)

	s.clearBonds()
	s.conn.Close()
	s.conn = nil
	slaveOnline.WithLabelValues(s.key).Set(0)

	s.emit(Event{Type: EventOnline, Slave: s.key, Online: false})

	s.rearm()
}

func (s *Slave) clearBonds() {
	for _, b := range s.bonds {
		b.timer.Stop()
	}
	s.bonds = map[uint16]*bond{}
}

// startPolling enrolls one source in the scheduler. A source that already
// has a live timer gets it retargeted; there is never a second timer for
// the same address.
func (s *Slave) startPolling(src *Source) {
	if b, ok := s.bonds[src.Address]; ok {
		b.timer.Reset(src.Interval)
		return
	}

	b := &bond{source: src}
	b.timer = time.AfterFunc(src.Interval, func() {
		s.post(func() { s.poll(b) })
	})
	s.bonds[src.Address] = b
}

// poll is one timer expiry: a single typed read through the driver. A
// failing read skips the cycle and keeps the last observed value; only a
// fatal transport error tears the connection down. Either way a surviving
// source is rescheduled at its current interval.
func (s *Slave) poll(b *bond) {
	if s.bonds[b.source.Address] != b {
		// Stale fire from a timer already discarded.
		return
	}
	if s.conn == nil {
		return
	}

	src := b.source
	value, err := src.Type.read(s.conn, src.Address)
	if err != nil {
		sourceReads.WithLabelValues(s.key, "error").Inc()
		level.Error(s.logger).Log("msg", "read failed", "address", storage.AddressKey(src.Address), "err", err)
		if driver.IsFatal(err) {
			s.disconnect(err)
			return
		}
	} else {
		sourceReads.WithLabelValues(s.key, "success").Inc()
		src.value = &value
		s.emit(Event{
			Type:      EventValue,
			Slave:     s.key,
			Address:   storage.AddressKey(src.Address),
			Signature: src.Type.String(),
			Value:     value.Interface(),
		})
	}

	b.timer.Reset(src.Interval)
}

// teardown runs once, on the loop, when the slave is stopped. Timer
// cancellation is synchronous: the retry timer and every polling timer are
// dead before stop returns. No notification is emitted; a destroyed slave
// has no observers left.
func (s *Slave) teardown() {
	s.retry.Stop()
	s.clearBonds()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	slaveOnline.DeleteLabelValues(s.key)
}

func (s *Slave) emit(ev Event) {
	if s.notify != nil {
		s.notify(ev)
	}
}

func (s *Slave) findSource(address uint16) *Source {
	for _, src := range s.sources {
		if src.Address == address {
			return src
		}
	}
	return nil
}

// addSource appends a validated source to the set, enforcing address
// uniqueness against the source set (not the timer table). While online
// the source is enrolled in the scheduler immediately.
func (s *Slave) addSource(src *Source) error {
	return s.call(func() error {
		if s.findSource(src.Address) != nil {
			return &ConfigError{Err: ErrDuplicateAddress}
		}
		s.sources = append(s.sources, src)
		if s.conn != nil {
			s.startPolling(src)
		}
		return nil
	})
}

// removeSource drops a source and its timer. The durable record is the
// manager's business.
func (s *Slave) removeSource(address uint16) error {
	return s.call(func() error {
		src := s.findSource(address)
		if src == nil {
			return &ConfigError{Err: ErrUnknownSource}
		}
		if b, ok := s.bonds[address]; ok {
			b.timer.Stop()
			delete(s.bonds, address)
		}
		for i, candidate := range s.sources {
			if candidate == src {
				s.sources = append(s.sources[:i], s.sources[i+1:]...)
				break
			}
		}
		return nil
	})
}

// setInterval changes a source's polling cadence. A live timer is
// retargeted in place, never duplicated.
func (s *Slave) setInterval(address uint16, interval time.Duration) error {
	return s.call(func() error {
		src := s.findSource(address)
		if src == nil {
			return &ConfigError{Err: ErrUnknownSource}
		}
		src.Interval = interval
		if b, ok := s.bonds[address]; ok {
			b.timer.Reset(interval)
		}
		return nil
	})
}

func (s *Slave) setName(name string) error {
	return s.call(func() error {
		s.name = name
		return nil
	})
}

// Snapshot is the externally visible copy of a Slave.
type Snapshot struct {
	Key     string           `json:"key"`
	ID      uint8            `json:"id"`
	Name    string           `json:"name"`
	URL     string           `json:"url"`
	Online  bool             `json:"online"`
	Sources []SourceSnapshot `json:"sources"`
}

func (s *Slave) snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() error {
		snap = Snapshot{
			Key:     s.key,
			ID:      s.id,
			Name:    s.name,
			URL:     s.url,
			Online:  s.conn != nil,
			Sources: make([]SourceSnapshot, 0, len(s.sources)),
		}
		for _, src := range s.sources {
			snap.Sources = append(snap.Sources, src.snapshot())
		}
		return nil
	})
	return snap, err
}
