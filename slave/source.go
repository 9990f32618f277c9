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
	"errors"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/regbridge/modbus-gateway/driver"
	"github.com/regbridge/modbus-gateway/units"
)

// AddressUnset is the sentinel meaning "no address given". It is not a
// valid register address for a source.
const AddressUnset uint16 = 0xffff

// DefaultInterval is the polling interval applied when a request does not
// carry one.
const DefaultInterval = 1000 * time.Millisecond

// Signature tags the wire type of a source value. The set is closed; a
// Signature can only be obtained through ParseSignature or the constants.
type Signature byte

const (
	SigBool Signature = 'b'
	SigByte Signature = 'y'
	SigU16  Signature = 'q'
	SigU32  Signature = 'u'
	SigU64  Signature = 't'
)

// ParseSignature validates a type string from a request. Anything but a
// single character from the permitted scalar set is rejected, so read-time
// dispatch can never meet an unknown signature.
func ParseSignature(s string) (Signature, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("type %q must be a single character", s)
	}
	sig := Signature(s[0])
	switch sig {
	case SigBool, SigByte, SigU16, SigU32, SigU64:
		return sig, nil
	}
	return 0, fmt.Errorf("type %q not one of b (bool), y (byte), q (uint16), u (uint32), t (uint64)", s)
}

func (s Signature) String() string {
	return string(byte(s))
}

// read dispatches to the matching driver operation. The driver already
// returns multi-register values converted from network order, so the
// scalar stored here is a host value.
func (s Signature) read(conn driver.Conn, address uint16) (Value, error) {
	switch s {
	case SigBool:
		v, err := conn.ReadBool(address)
		if err != nil {
			return Value{}, err
		}
		b := uint64(0)
		if v {
			b = 1
		}
		return Value{Signature: s, scalar: b}, nil
	case SigByte:
		v, err := conn.ReadByte(address)
		if err != nil {
			return Value{}, err
		}
		return Value{Signature: s, scalar: uint64(v)}, nil
	case SigU16:
		v, err := conn.ReadU16(address)
		if err != nil {
			return Value{}, err
		}
		return Value{Signature: s, scalar: uint64(v)}, nil
	case SigU32:
		v, err := conn.ReadU32(address)
		if err != nil {
			return Value{}, err
		}
		return Value{Signature: s, scalar: uint64(v)}, nil
	default:
		v, err := conn.ReadU64(address)
		if err != nil {
			return Value{}, err
		}
		return Value{Signature: s, scalar: v}, nil
	}
}

// Value is one observed reading, tagged with its signature.
type Value struct {
	Signature Signature
	scalar    uint64
}

// Bool reports the reading of a SigBool value.
func (v Value) Bool() bool {
	return v.scalar != 0
}

// Uint reports the reading of any unsigned variant, widened to 64 bits.
func (v Value) Uint() uint64 {
	return v.scalar
}

// Interface returns the reading in its natural Go type, for rendering.
func (v Value) Interface() interface{} {
	switch v.Signature {
	case SigBool:
		return v.Bool()
	case SigByte:
		return uint8(v.scalar)
	case SigU16:
		return uint16(v.scalar)
	case SigU32:
		return uint32(v.scalar)
	default:
		return v.scalar
	}
}

// Source is one polled register of a slave. All fields except the last
// observed value are fixed at creation; value and interval are only
// touched on the owning slave's loop.
type Source struct {
	Name     string
	Type     Signature
	Unit     string
	Address  uint16
	Interval time.Duration

	value *Value
}

// SourceSnapshot is the externally visible copy of a Source.
type SourceSnapshot struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Unit     string      `json:"unit"`
	Address  string      `json:"address"`
	Interval int64       `json:"interval"`
	Value    interface{} `json:"value,omitempty"`
}

func (s *Source) snapshot() SourceSnapshot {
	snap := SourceSnapshot{
		Name:     s.Name,
		Type:     s.Type.String(),
		Unit:     s.Unit,
		Address:  fmt.Sprintf("0x%04x", s.Address),
		Interval: s.Interval.Milliseconds(),
	}
	if s.value != nil {
		snap.Value = s.value.Interface()
	}
	return snap
}

// ConfigError marks a request rejected at the boundary. It is never
// retried and never changes gateway state.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err was a synchronous request rejection.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

var (
	// ErrDuplicateAddress rejects a source whose register address is
	// already claimed by a sibling.
	ErrDuplicateAddress = errors.New("address assigned already")
	// ErrUnknownSlave reports a key not present in the registry.
	ErrUnknownSlave = errors.New("unknown slave")
	// ErrUnknownSource reports an address not present in the slave's set.
	ErrUnknownSource = errors.New("unknown source")
	// ErrStopped reports an operation against a slave already torn down.
	ErrStopped = errors.New("slave stopped")
)

// AddSourceRequest carries the add-source parameters. Address defaults to
// AddressUnset and Interval to zero; NewSource applies the defaults and
// rejects what cannot be defaulted.
type AddSourceRequest struct {
	Name     string
	Type     string
	Unit     string
	Address  uint16
	Interval time.Duration
}

// NewSource validates a request against the unit catalog and builds the
// source. All boundary failures are accumulated into one ConfigError so
// the caller sees every problem at once. Address uniqueness is checked
// later, against the owning slave's source set.
func NewSource(req AddSourceRequest, catalog *units.Catalog) (*Source, error) {
	var err error

	if req.Name == "" {
		err = multierror.Append(err, fmt.Errorf("name is required"))
	}

	if req.Address == AddressUnset {
		err = multierror.Append(err, fmt.Errorf("address is required"))
	}

	sig, sigErr := ParseSignature(req.Type)
	if sigErr != nil {
		err = multierror.Append(err, sigErr)
	}

	if req.Unit == "" {
		err = multierror.Append(err, fmt.Errorf("unit is required"))
	} else if !catalog.Has(units.SI, req.Unit) {
		err = multierror.Append(err, fmt.Errorf("unit %q not present in catalog", req.Unit))
	}

	if req.Interval < 0 {
		err = multierror.Append(err, fmt.Errorf("polling interval must be positive"))
	}

	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	interval := req.Interval
	if interval == 0 {
		interval = DefaultInterval
	}

	return &Source{
		Name:     req.Name,
		Type:     sig,
		Unit:     req.Unit,
		Address:  req.Address,
		Interval: interval,
	}, nil
}
