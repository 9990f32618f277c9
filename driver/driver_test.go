package driver

import (
	"errors"
	"net"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/tbrandon/mbserver"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		kind    Kind
		wantErr bool
	}{
		{name: "tcp", url: "tcp://localhost:1502", kind: TCP},
		{name: "serial", url: "serial:///dev/ttyUSB0", kind: Serial},
		{name: "serial with settings", url: "serial:///dev/ttyUSB0:115200,'N',8,1", kind: Serial},
		{name: "unknown scheme", url: "udp://localhost:1502", wantErr: true},
		{name: "no scheme", url: "localhost:1502", wantErr: true},
		{name: "scheme not at start", url: "xtcp://localhost:1502", wantErr: true},
		{name: "empty", url: "", wantErr: true},
	}

	for _, loopTest := range tests {
		test := loopTest

		t.Run(test.name, func(t *testing.T) {
			kind, err := KindOf(test.url)
			if test.wantErr {
				if !errors.Is(err, ErrUnknownScheme) {
					t.Fatalf("expected ErrUnknownScheme, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if kind != test.kind {
				t.Errorf("expected kind %v, got %v", test.kind, kind)
			}
		})
	}
}

func TestParseSerial(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     serialSettings
		wantErr  bool
	}{
		{
			name:     "device only gets defaults",
			endpoint: "/dev/ttyUSB0",
			want: serialSettings{
				device: "/dev/ttyUSB0", baudRate: 115200, parity: "N",
				dataBits: 8, stopBits: 1,
			},
		},
		{
			name:     "full settings block",
			endpoint: "/dev/ttyUSB0:19200,'E',7,2",
			want: serialSettings{
				device: "/dev/ttyUSB0", baudRate: 19200, parity: "E",
				dataBits: 7, stopBits: 2,
			},
		},
		{
			name:     "unquoted parity",
			endpoint: "/dev/ttyS1:9600,O,8,1",
			want: serialSettings{
				device: "/dev/ttyS1", baudRate: 9600, parity: "O",
				dataBits: 8, stopBits: 1,
			},
		},
		{name: "too few fields", endpoint: "/dev/ttyUSB0:115200,'N',8", wantErr: true},
		{name: "bad baud", endpoint: "/dev/ttyUSB0:fast,'N',8,1", wantErr: true},
		{name: "bad parity", endpoint: "/dev/ttyUSB0:115200,'X',8,1", wantErr: true},
		{name: "bad data bits", endpoint: "/dev/ttyUSB0:115200,'N',9,1", wantErr: true},
		{name: "bad stop bits", endpoint: "/dev/ttyUSB0:115200,'N',8,3", wantErr: true},
		{name: "missing device", endpoint: ":115200,'N',8,1", wantErr: true},
	}

	for _, loopTest := range tests {
		test := loopTest

		t.Run(test.name, func(t *testing.T) {
			got, err := parseSerial(test.endpoint)
			if test.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != test.want {
				t.Errorf("expected %+v, got %+v", test.want, got)
			}
		})
	}
}

func TestSerialUnitIDRange(t *testing.T) {
	conn, err := New("serial:///dev/ttyUSB0")
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []uint8{1, 42, 247} {
		if err := conn.SetUnitID(id); err != nil {
			t.Errorf("id %d: unexpected error %v", id, err)
		}
	}
	for _, id := range []uint8{0, 248, 255} {
		if err := conn.SetUnitID(id); err == nil {
			t.Errorf("id %d: expected error", id)
		}
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{name: "nil", err: nil, fatal: false},
		{
			name:  "modbus exception",
			err:   &mb.ModbusError{FunctionCode: 0x83, ExceptionCode: 2},
			fatal: false,
		},
		{
			name:  "short read",
			err:   &ShortReadError{Address: 0x10, Want: 2, Got: 0},
			fatal: false,
		},
		{name: "timeout", err: timeoutError{}, fatal: false},
		{name: "closed connection", err: net.ErrClosed, fatal: true},
		{name: "plain error", err: errors.New("broken pipe"), fatal: true},
	}

	for _, loopTest := range tests {
		test := loopTest

		t.Run(test.name, func(t *testing.T) {
			if got := IsFatal(test.err); got != test.fatal {
				t.Errorf("IsFatal(%v) = %v, want %v", test.err, got, test.fatal)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

const testServerAddress = "127.0.0.1:15502"

func TestTCPReads(t *testing.T) {
	serv := mbserver.NewServer()
	if err := serv.ListenTCP(testServerAddress); err != nil {
		t.Fatal(err)
	}
	defer serv.Close()

	serv.Coils[5] = 1
	serv.HoldingRegisters[0x10] = 0x0212     // byte and u16 reads
	serv.HoldingRegisters[0x20] = 0x0001     // u32 high word
	serv.HoldingRegisters[0x21] = 0x0002     // u32 low word
	serv.HoldingRegisters[0x30] = 0x0001     // u64, network order
	serv.HoldingRegisters[0x31] = 0x0002
	serv.HoldingRegisters[0x32] = 0x0003
	serv.HoldingRegisters[0x33] = 0x0004

	conn, err := New("tcp://" + testServerAddress)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.SetUnitID(1); err != nil {
		t.Fatal(err)
	}
	if err := conn.Connect(); err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The server goroutine accepts asynchronously.
	time.Sleep(50 * time.Millisecond)

	if v, err := conn.ReadBool(5); err != nil || v != true {
		t.Errorf("ReadBool(5) = %v, %v; want true", v, err)
	}
	if v, err := conn.ReadBool(6); err != nil || v != false {
		t.Errorf("ReadBool(6) = %v, %v; want false", v, err)
	}
	if v, err := conn.ReadByte(0x10); err != nil || v != 0x12 {
		t.Errorf("ReadByte(0x10) = %#x, %v; want 0x12", v, err)
	}
	if v, err := conn.ReadU16(0x10); err != nil || v != 0x0212 {
		t.Errorf("ReadU16(0x10) = %#x, %v; want 0x0212", v, err)
	}
	if v, err := conn.ReadU32(0x20); err != nil || v != 0x00010002 {
		t.Errorf("ReadU32(0x20) = %#x, %v; want 0x00010002", v, err)
	}
	if v, err := conn.ReadU64(0x30); err != nil || v != 0x0001000200030004 {
		t.Errorf("ReadU64(0x30) = %#x, %v; want 0x0001000200030004", v, err)
	}
}
