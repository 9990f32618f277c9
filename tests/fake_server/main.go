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

// fake_server is an in-process Modbus TCP device for manual gateway runs:
// register it as a slave with url tcp://127.0.0.1:1502 and add sources
// against the addresses below.
package main

import (
	"log"
	"time"

	"github.com/tbrandon/mbserver"
)

const address = "127.0.0.1:1502"

func main() {
	serv := mbserver.NewServer()

	serv.Coils[5] = byte(1)                   // b at 0x0005
	serv.HoldingRegisters[0x10] = uint16(240) // q or y at 0x0010
	serv.HoldingRegisters[0x20] = uint16(0)   // u at 0x0020..0x0021
	serv.HoldingRegisters[0x21] = uint16(1000)

	err := serv.ListenTCP(address)
	if err != nil {
		log.Printf("%v\n", err)
	}

	log.Printf("listening on %v", address)

	defer serv.Close()

	// Tick the u32 register so polled values visibly change.
	for {
		time.Sleep(1 * time.Second)
		serv.HoldingRegisters[0x21]++
	}
}
