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

// EventType discriminates change notifications.
type EventType string

const (
	// EventOnline is emitted exactly once per Online/Offline transition.
	EventOnline EventType = "online"
	// EventValue is emitted on every successful source read.
	EventValue EventType = "value"
)

// Event is one change notification pushed to the management interface.
type Event struct {
	Type  EventType `json:"type"`
	Slave string    `json:"slave"`

	// Online transitions. Not omitempty: false is the offline event.
	Online bool `json:"online"`

	// Value updates.
	Address   string      `json:"address,omitempty"`
	Signature string      `json:"signature,omitempty"`
	Value     interface{} `json:"value,omitempty"`
}

// Notifier consumes change notifications. Implementations must not block:
// events are delivered from slave event loops.
type Notifier func(Event)
