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
	"fmt"
	"strconv"
	"strings"

	mb "github.com/goburrow/modbus"
)

// Serial line defaults applied when the URL carries no settings block.
const (
	defaultBaudRate = 115200
	defaultDataBits = 8
	defaultParity   = "N"
	defaultStopBits = 1
)

// serialSettings is the parsed form of the optional settings block of a
// serial URL: "baud,parity,databits,stopbits". The parity letter may be
// single-quoted, as in serial:///dev/ttyUSB0:115200,'N',8,1.
type serialSettings struct {
	device   string
	baudRate int
	parity   string
	dataBits int
	stopBits int
}

// parseSerial splits a serial endpoint into the device path and its line
// settings. The settings block is the part after the last colon; device
// paths never contain one.
func parseSerial(endpoint string) (serialSettings, error) {
	s := serialSettings{
		baudRate: defaultBaudRate,
		parity:   defaultParity,
		dataBits: defaultDataBits,
		stopBits: defaultStopBits,
	}

	device, block, found := cutLast(endpoint, ":")
	if !found {
		s.device = endpoint
		return s, nil
	}
	s.device = device

	fields := strings.Split(block, ",")
	if len(fields) != 4 {
		return s, fmt.Errorf("malformed serial settings %q: want baud,parity,databits,stopbits", block)
	}

	var err error
	if s.baudRate, err = strconv.Atoi(fields[0]); err != nil || s.baudRate <= 0 {
		return s, fmt.Errorf("invalid baud rate %q", fields[0])
	}

	s.parity = strings.Trim(fields[1], "'")
	if s.parity != "N" && s.parity != "E" && s.parity != "O" {
		return s, fmt.Errorf("invalid parity %q: N (None), E (Even), O (Odd)", fields[1])
	}

	if s.dataBits, err = strconv.Atoi(fields[2]); err != nil || s.dataBits < 5 || s.dataBits > 8 {
		return s, fmt.Errorf("invalid data bits %q", fields[2])
	}

	if s.stopBits, err = strconv.Atoi(fields[3]); err != nil || s.stopBits < 1 || s.stopBits > 2 {
		return s, fmt.Errorf("invalid stop bits %q", fields[3])
	}

	if s.device == "" {
		return s, fmt.Errorf("missing serial device in %q", endpoint)
	}

	return s, nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// serialConn is the serial-line variant. Unit ids are constrained to the
// RTU station address range.
type serialConn struct {
	reads
	handler *mb.RTUClientHandler
}

func newSerial(endpoint string) (Conn, error) {
	settings, err := parseSerial(endpoint)
	if err != nil {
		return nil, err
	}

	handler := mb.NewRTUClientHandler(settings.device)
	handler.BaudRate = settings.baudRate
	handler.Parity = settings.parity
	handler.DataBits = settings.dataBits
	handler.StopBits = settings.stopBits
	handler.Timeout = defaultTimeout

	c := &serialConn{handler: handler}
	c.reads = reads{client: mb.NewClient(handler)}

	return c, nil
}

func (c *serialConn) SetUnitID(id uint8) error {
	if id < 1 || id > 247 {
		return fmt.Errorf("serial unit id %d outside 1..247", id)
	}
	c.handler.SlaveId = id
	return nil
}

func (c *serialConn) Connect() error {
	return c.handler.Connect()
}

func (c *serialConn) Close() error {
	return c.handler.Close()
}
