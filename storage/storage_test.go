package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSlaveRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	want := SlaveRecord{ID: 3, Name: "boiler plc", URL: "tcp://10.0.0.5:502"}
	if err := store.PutSlave("a1b2c3d4e5f60718", want); err != nil {
		t.Fatal(err)
	}

	rows, err := store.Slaves()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if got := rows["a1b2c3d4e5f60718"]; got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestSetSlaveName(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := store.PutSlave("k1", SlaveRecord{ID: 1, Name: "old", URL: "tcp://h:502"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSlaveName("k1", "new"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSlaveName("missing", "x"); err == nil {
		t.Error("expected error renaming unknown slave")
	}

	rows, err := store.Slaves()
	if err != nil {
		t.Fatal(err)
	}
	if rows["k1"].Name != "new" {
		t.Errorf("expected renamed row, got %+v", rows["k1"])
	}
	if rows["k1"].URL != "tcp://h:502" {
		t.Errorf("rename must not touch other keys, got %+v", rows["k1"])
	}
}

func TestSourceRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	want := SourceRecord{Name: "Temp1", Type: "q", Unit: "°C", Interval: 2000}
	if err := store.PutSource("k1", 0x0010, want); err != nil {
		t.Fatal(err)
	}

	sources, err := store.Sources("k1")
	if err != nil {
		t.Fatal(err)
	}
	if got := sources[0x0010]; got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestSourcesSkipsMalformedKeys(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.PutSource("k1", 0x0010, SourceRecord{Name: "ok", Type: "q", Unit: "V", Interval: 1000}); err != nil {
		t.Fatal(err)
	}

	// Simulate a hand-edited table with a broken row key.
	path := filepath.Join(root, "k1", "sources.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data = append(data, []byte("banana:\n  name: bad\n  type: q\n  unit: V\n  interval: 1000\n")...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	sources, err := store.Sources("k1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected malformed row to be skipped, got %d rows", len(sources))
	}
	if _, ok := sources[0x0010]; !ok {
		t.Error("expected surviving row at 0x0010")
	}
}

func TestRemoveSource(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := store.PutSource("k1", 0x0010, SourceRecord{Name: "a", Type: "q", Unit: "V", Interval: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutSource("k1", 0x0020, SourceRecord{Name: "b", Type: "u", Unit: "A", Interval: 500}); err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveSource("k1", 0x0010); err != nil {
		t.Fatal(err)
	}

	sources, err := store.Sources("k1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 row after remove, got %d", len(sources))
	}
	if _, ok := sources[0x0020]; !ok {
		t.Error("remove deleted the wrong row")
	}
}

func TestRemoveSlaveDeletesDirectory(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.PutSlave("k1", SlaveRecord{ID: 1, Name: "n", URL: "tcp://h:502"}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutSource("k1", 0x0010, SourceRecord{Name: "a", Type: "q", Unit: "V", Interval: 1000}); err != nil {
		t.Fatal(err)
	}

	if err := store.RemoveSlave("k1"); err != nil {
		t.Fatal(err)
	}

	rows, err := store.Slaves()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("expected empty slaves table, got %v", rows)
	}
	if _, err := os.Stat(filepath.Join(root, "k1")); !os.IsNotExist(err) {
		t.Errorf("expected slave directory to be gone, stat err %v", err)
	}
}

func TestAddressKeyRoundTrip(t *testing.T) {
	for _, address := range []uint16{0x0000, 0x0010, 0xBEEF, 0xFFFE} {
		key := AddressKey(address)
		parsed, err := ParseAddressKey(key)
		if err != nil {
			t.Fatalf("ParseAddressKey(%q): %v", key, err)
		}
		if parsed != address {
			t.Errorf("round trip %#04x -> %q -> %#04x", address, key, parsed)
		}
	}
	if _, err := ParseAddressKey("0010"); err == nil {
		t.Error("expected error for key without 0x prefix")
	}
}
