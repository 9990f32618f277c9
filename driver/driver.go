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

// Package driver provides master connections to Modbus slave devices over
// stream sockets and serial lines. The variant is chosen once, from the URL
// scheme, when the connection handle is created.
package driver

import (
	"errors"
	"net"
	"strings"
	"time"

	mb "github.com/goburrow/modbus"
)

// URL schemes understood by New. Matching is an exact prefix match, nothing
// else is accepted.
const (
	SchemeTCP    = "tcp://"
	SchemeSerial = "serial://"
)

// Kind names a connection variant.
type Kind int

const (
	TCP Kind = iota
	Serial
)

func (k Kind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case Serial:
		return "serial"
	}
	return "unknown"
}

// ErrUnknownScheme is returned for URLs that name neither variant.
var ErrUnknownScheme = errors.New("URL scheme must be tcp:// or serial://")

// KindOf classifies a slave URL without building a handle. Used to reject
// bad URLs at registration time; endpoint syntax is only checked when a
// connection attempt is made.
func KindOf(url string) (Kind, error) {
	switch {
	case strings.HasPrefix(url, SchemeTCP):
		return TCP, nil
	case strings.HasPrefix(url, SchemeSerial):
		return Serial, nil
	}
	return 0, ErrUnknownScheme
}

// Conn is one master connection to a single slave device.
//
// A Conn starts out unconnected. Callers set the unit id, then Connect. The
// typed reads are only valid on a connected Conn and are not safe for
// concurrent use.
type Conn interface {
	// SetUnitID registers the sub-unit address used for all subsequent
	// requests. Serial lines reject ids outside 1..247.
	SetUnitID(id uint8) error
	// Connect establishes the link.
	Connect() error
	// Close tears the link down. Safe to call on a half-dead connection.
	Close() error

	// ReadBool reads one coil.
	ReadBool(address uint16) (bool, error)
	// ReadByte reads the low byte of one holding register.
	ReadByte(address uint16) (byte, error)
	// ReadU16 reads one holding register.
	ReadU16(address uint16) (uint16, error)
	// ReadU32 reads two consecutive holding registers as one big-endian
	// value.
	ReadU32(address uint16) (uint32, error)
	// ReadU64 reads four consecutive holding registers as one big-endian
	// value.
	ReadU64(address uint16) (uint64, error)
}

// Factory builds a Conn from a slave URL. Tests substitute fakes for New.
type Factory func(url string) (Conn, error)

// defaultTimeout bounds a single request round trip on either variant.
const defaultTimeout = 5 * time.Second

// New builds the connection variant named by the URL scheme. The returned
// Conn is not yet connected.
func New(url string) (Conn, error) {
	kind, err := KindOf(url)
	if err != nil {
		return nil, err
	}
	switch kind {
	case TCP:
		return newTCP(strings.TrimPrefix(url, SchemeTCP))
	default:
		return newSerial(strings.TrimPrefix(url, SchemeSerial))
	}
}

// IsFatal reports whether a read error means the link itself is dead, as
// opposed to a device-side condition. Exception responses and timeouts come
// from a working link: the device or the wire is slow or unhappy, but the
// connection can keep serving. Anything else on an established link means
// the transport is gone and must be rebuilt.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var me *mb.ModbusError
	if errors.As(err, &me) {
		return false
	}
	var sh *ShortReadError
	if errors.As(err, &sh) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	return true
}
