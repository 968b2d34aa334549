package pcidb

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildBinary runs the writer over the shared fixture and opens the result
// from memory.
func buildBinary(t *testing.T) (*TextDB, *BinaryDB) {
	t.Helper()
	text := newTestDB(t)

	var buf bytes.Buffer
	if err := WriteBinary(&buf, text); err != nil {
		t.Fatalf("WriteBinary failed: %v", err)
	}
	bin, err := NewBinary(buf.Bytes())
	if err != nil {
		t.Fatalf("NewBinary failed: %v", err)
	}
	return text, bin
}

func TestBinaryDB_MatchesTextDB(t *testing.T) {
	text, bin := buildBinary(t)

	// Every key the text backend knows must resolve identically.
	for id, want := range text.vendors {
		if got, ok := bin.VendorName(id); !ok || got != want {
			t.Errorf("VendorName(%#04x) = %q, %v; want %q", id, got, ok, want)
		}
	}
	for key, want := range text.devices {
		ven, dev := uint16(key>>16), uint16(key)
		if got, ok := bin.DeviceName(ven, dev); !ok || got != want {
			t.Errorf("DeviceName(%#04x, %#04x) = %q, %v; want %q", ven, dev, got, ok, want)
		}
	}
	for key, want := range text.subsystems {
		ven, dev := uint16(key>>48), uint16(key>>32)
		sv, sd := uint16(key>>16), uint16(key)
		if got, ok := bin.SubsystemName(ven, dev, sv, sd); !ok || got != want {
			t.Errorf("SubsystemName(%#04x, %#04x, %#04x, %#04x) = %q, %v; want %q",
				ven, dev, sv, sd, got, ok, want)
		}
	}
	for base, want := range text.baseClasses {
		if got, ok := bin.BaseClassName(base); !ok || got != want {
			t.Errorf("BaseClassName(%#02x) = %q, %v; want %q", base, got, ok, want)
		}
	}
	for key, want := range text.subclasses {
		base, sub := uint8(key>>8), uint8(key)
		if got, ok := bin.SubclassName(base, sub); !ok || got != want {
			t.Errorf("SubclassName(%#02x, %#02x) = %q, %v; want %q", base, sub, got, ok, want)
		}
	}
	for packed, want := range text.progIFs {
		base, sub, pi := UnpackClass(packed)
		if got, ok := bin.ClassName(base, sub, pi); !ok || got != want {
			t.Errorf("ClassName(%#02x, %#02x, %#02x) = %q, %v; want %q", base, sub, pi, got, ok, want)
		}
	}
}

func TestBinaryDB_FallbackChain(t *testing.T) {
	_, bin := buildBinary(t)

	// The binary backend applies the same fallback semantics as the text
	// backend: prog-if miss falls to subclass, subclass miss to base.
	if name, ok := bin.ClassName(0x0c, 0x03, 0xba); !ok || name != "USB controller" {
		t.Errorf("prog-if fallback = %q, %v", name, ok)
	}
	if name, ok := bin.ClassName(0x03, 0x09, 0x00); !ok || name != "Display controller" {
		t.Errorf("subclass fallback = %q, %v", name, ok)
	}
	if name, ok := bin.ClassNameFromCode(0x0c0330); !ok || name != "XHCI" {
		t.Errorf("ClassNameFromCode(0x0c0330) = %q, %v", name, ok)
	}
	if _, ok := bin.ClassName(0xee, 0x00, 0x00); ok {
		t.Error("unknown base class should not resolve")
	}
}

func TestBinaryDB_Misses(t *testing.T) {
	_, bin := buildBinary(t)

	if _, ok := bin.VendorName(0xdead); ok {
		t.Error("unknown vendor should not resolve")
	}
	if _, ok := bin.DeviceName(0x8086, 0xffff); ok {
		t.Error("unknown device should not resolve")
	}
	if _, ok := bin.DeviceName(0x10de, 0x1237); ok {
		t.Error("device id must not leak across vendor namespaces")
	}
	if _, ok := bin.SubsystemName(0x10de, 0x1db6, 0x10de, 0xffff); ok {
		t.Error("unknown subsystem should not resolve")
	}
}

func TestNewBinary_RejectsCorruptArtifacts(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBinary(&buf, newTestDB(t)); err != nil {
		t.Fatal(err)
	}
	good := buf.Bytes()

	corrupt := func(mutate func([]byte)) []byte {
		data := append([]byte(nil), good...)
		mutate(data)
		return data
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", good[:10]},
		{"bad magic", corrupt(func(d []byte) { d[0] = 'X' })},
		{"bad version", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint16(d[4:], 99)
		})},
		{"vendor table out of bounds", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint32(d[12:], 1<<20)
		})},
		{"string pool out of bounds", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint32(d[44:], 1<<30)
		})},
		{"truncated body", good[:len(good)-8]},
	}
	for _, tt := range tests {
		if _, err := NewBinary(tt.data); err == nil {
			t.Errorf("%s: NewBinary should fail", tt.name)
		}
	}
}

func TestConvertAndOpenBinary(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "pci.ids")
	binPath := filepath.Join(dir, "pci.ids.bin")
	if err := os.WriteFile(textPath, []byte(minimalIDs), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Convert(textPath, binPath); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	db, err := OpenBinary(binPath)
	if err != nil {
		t.Fatalf("OpenBinary failed: %v", err)
	}

	name, ok := db.VendorName(0x10de)
	if !ok || name != "NVIDIA Corporation" {
		t.Errorf("VendorName(0x10de) = %q, %v", name, ok)
	}

	// Names are copied out of the mapping, so they survive Close.
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if name != "NVIDIA Corporation" {
		t.Error("name invalidated by Close")
	}
	// Double Close must be a no-op.
	if err := db.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestConvert_BadInput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")
	if err := Convert(filepath.Join(dir, "missing"), out); err == nil {
		t.Fatal("Convert with a missing input should fail")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("failed conversion must not leave a partial output file")
	}
}
