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

package driver

import (
	"encoding/binary"
	"fmt"

	mb "github.com/goburrow/modbus"
)

// ShortReadError reports a response carrying fewer bytes than the request
// asked for. The device answered, so the link is still considered usable.
type ShortReadError struct {
	Address uint16
	Want    int
	Got     int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("short read at 0x%04x: want %d bytes, got %d", e.Address, e.Want, e.Got)
}

// reads implements the typed read operations shared by both connection
// variants. Quantities follow the value widths: one register for byte and
// u16, two for u32, four for u64. Multi-register values are transmitted
// big-endian and converted here.
type reads struct {
	client mb.Client
}

func (r reads) ReadBool(address uint16) (bool, error) {
	data, err := r.client.ReadCoils(address, 1)
	if err != nil {
		return false, err
	}
	if len(data) < 1 {
		return false, &ShortReadError{Address: address, Want: 1, Got: len(data)}
	}
	return data[0]&0x01 == 0x01, nil
}

func (r reads) ReadByte(address uint16) (byte, error) {
	data, err := r.registers(address, 1)
	if err != nil {
		return 0, err
	}
	return byte(binary.BigEndian.Uint16(data)), nil
}

func (r reads) ReadU16(address uint16) (uint16, error) {
	data, err := r.registers(address, 1)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(data), nil
}

func (r reads) ReadU32(address uint16) (uint32, error) {
	data, err := r.registers(address, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(data), nil
}

func (r reads) ReadU64(address uint16) (uint64, error) {
	data, err := r.registers(address, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(data), nil
}

// registers fetches quantity holding registers and checks the payload is
// wide enough to decode.
func (r reads) registers(address, quantity uint16) ([]byte, error) {
	data, err := r.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, err
	}
	if want := int(quantity) * 2; len(data) < want {
		return nil, &ShortReadError{Address: address, Want: want, Got: len(data)}
	}
	return data, nil
}
