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

package api

import (
	"net/http"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/regbridge/modbus-gateway/slave"
)

// Hub fans change notifications out to websocket subscribers. Publish is
// called from slave event loops and must never block; a subscriber that
// cannot keep up loses events rather than stalling the gateway.
type Hub struct {
	logger   log.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan slave.Event]struct{}
}

// NewHub builds an empty hub.
func NewHub(logger log.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: map[chan slave.Event]struct{}{},
	}
}

// Publish delivers one event to every subscriber. Implements
// slave.Notifier.
func (h *Hub) Publish(ev slave.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow consumer; drop.
		}
	}
}

func (h *Hub) subscribe() (chan slave.Event, func()) {
	ch := make(chan slave.Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// ServeHTTP upgrades the request and streams events until the peer goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Error(h.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.subscribe()
	defer cancel()

	// The peer sends nothing we care about; the read loop only detects
	// the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				level.Debug(h.logger).Log("msg", "websocket write failed", "err", err)
				return
			}
		case <-closed:
			return
		}
	}
}
