package slave

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/regbridge/modbus-gateway/units"
)

const testUnits = `units:
  SI:
    "56": volt (V)
    "41": ampere (A)
    "C2B043": degree Celsius (°C)
`

func testCatalog(t *testing.T) *units.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "units.yml")
	if err := os.WriteFile(path, []byte(testUnits), 0o644); err != nil {
		t.Fatal(err)
	}
	catalog, err := units.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return catalog
}

func TestParseSignature(t *testing.T) {
	for _, s := range []string{"b", "y", "q", "u", "t"} {
		sig, err := ParseSignature(s)
		if err != nil {
			t.Errorf("ParseSignature(%q): %v", s, err)
		}
		if sig.String() != s {
			t.Errorf("ParseSignature(%q) round trip gave %q", s, sig.String())
		}
	}
	for _, s := range []string{"", "x", "bb", "Q", "d", "s"} {
		if _, err := ParseSignature(s); err == nil {
			t.Errorf("ParseSignature(%q): expected error", s)
		}
	}
}

func TestNewSourceValidation(t *testing.T) {
	catalog := testCatalog(t)

	valid := AddSourceRequest{
		Name:     "Temp1",
		Type:     "q",
		Unit:     "°C",
		Address:  0x0010,
		Interval: 2 * time.Second,
	}

	tests := []struct {
		name    string
		mutate  func(*AddSourceRequest)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *AddSourceRequest) {}},
		{name: "missing name", mutate: func(r *AddSourceRequest) { r.Name = "" }, wantErr: true},
		{name: "missing address", mutate: func(r *AddSourceRequest) { r.Address = AddressUnset }, wantErr: true},
		{name: "missing type", mutate: func(r *AddSourceRequest) { r.Type = "" }, wantErr: true},
		{name: "long type", mutate: func(r *AddSourceRequest) { r.Type = "qq" }, wantErr: true},
		{name: "unknown type", mutate: func(r *AddSourceRequest) { r.Type = "d" }, wantErr: true},
		{name: "missing unit", mutate: func(r *AddSourceRequest) { r.Unit = "" }, wantErr: true},
		{name: "unknown unit", mutate: func(r *AddSourceRequest) { r.Unit = "psi" }, wantErr: true},
		{name: "everything wrong", mutate: func(r *AddSourceRequest) {
			*r = AddSourceRequest{Address: AddressUnset}
		}, wantErr: true},
	}

	for _, loopTest := range tests {
		test := loopTest

		t.Run(test.name, func(t *testing.T) {
			req := valid
			test.mutate(&req)

			src, err := NewSource(req, catalog)
			if test.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !IsConfigError(err) {
					t.Errorf("expected ConfigError, got %T: %v", err, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if src.Type != SigU16 || src.Address != 0x0010 || src.Interval != 2*time.Second {
				t.Errorf("unexpected source %+v", src)
			}
		})
	}
}

func TestNewSourceDefaultInterval(t *testing.T) {
	catalog := testCatalog(t)

	src, err := NewSource(AddSourceRequest{
		Name: "Volt", Type: "u", Unit: "V", Address: 0x0001,
	}, catalog)
	if err != nil {
		t.Fatal(err)
	}
	if src.Interval != DefaultInterval {
		t.Errorf("expected default interval %v, got %v", DefaultInterval, src.Interval)
	}
}

func TestValueInterface(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  interface{}
	}{
		{name: "bool true", value: Value{Signature: SigBool, scalar: 1}, want: true},
		{name: "bool false", value: Value{Signature: SigBool, scalar: 0}, want: false},
		{name: "byte", value: Value{Signature: SigByte, scalar: 0x12}, want: uint8(0x12)},
		{name: "u16", value: Value{Signature: SigU16, scalar: 0x0212}, want: uint16(0x0212)},
		{name: "u32", value: Value{Signature: SigU32, scalar: 0x10002}, want: uint32(0x10002)},
		{name: "u64", value: Value{Signature: SigU64, scalar: 1}, want: uint64(1)},
	}

	for _, loopTest := range tests {
		test := loopTest

		t.Run(test.name, func(t *testing.T) {
			if got := test.value.Interface(); got != test.want {
				t.Errorf("Interface() = %v (%T), want %v (%T)", got, got, test.want, test.want)
			}
		})
	}
}
