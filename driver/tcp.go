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
	mb "github.com/goburrow/modbus"
)

// tcpConn is the stream-socket variant. The endpoint is a "host:port" pair;
// syntax problems only surface when Connect dials.
type tcpConn struct {
	reads
	handler *mb.TCPClientHandler
}

func newTCP(endpoint string) (Conn, error) {
	handler := mb.NewTCPClientHandler(endpoint)
	handler.Timeout = defaultTimeout

	c := &tcpConn{handler: handler}
	c.reads = reads{client: mb.NewClient(handler)}

	return c, nil
}

func (c *tcpConn) SetUnitID(id uint8) error {
	c.handler.SlaveId = id
	return nil
}

func (c *tcpConn) Connect() error {
	return c.handler.Connect()
}

func (c *tcpConn) Close() error {
	return c.handler.Close()
}
