package sysfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResource_Flags(t *testing.T) {
	tests := []struct {
		name                     string
		r                        Resource
		io, mem, pref, is64, win bool
	}{
		{
			name: "32-bit memory BAR",
			r:    Resource{Index: 0, Start: 0xf2000000, End: 0xf2ffffff, Flags: 0x00040200},
			mem:  true,
		},
		{
			name: "64-bit prefetchable memory BAR",
			r:    Resource{Index: 2, Start: 0xe0000000, End: 0xefffffff, Flags: 0x0014220c},
			mem:  true, pref: true, is64: true,
		},
		{
			name: "I/O BAR",
			r:    Resource{Index: 4, Start: 0xe000, End: 0xe07f, Flags: 0x00000101},
			io:   true,
		},
		{
			name: "bridge window",
			r:    Resource{Index: 8, Start: 0xf0000000, End: 0xf1ffffff, Flags: 0x00240200},
			mem:  true, win: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.IsIO(); got != tt.io {
				t.Errorf("IsIO() = %v, want %v", got, tt.io)
			}
			if got := tt.r.IsMem(); got != tt.mem {
				t.Errorf("IsMem() = %v, want %v", got, tt.mem)
			}
			if got := tt.r.IsPrefetchable(); got != tt.pref {
				t.Errorf("IsPrefetchable() = %v, want %v", got, tt.pref)
			}
			if got := tt.r.Is64Bit(); got != tt.is64 {
				t.Errorf("Is64Bit() = %v, want %v", got, tt.is64)
			}
			if got := tt.r.IsWindow(); got != tt.win {
				t.Errorf("IsWindow() = %v, want %v", got, tt.win)
			}
		})
	}
}

func TestResource_String(t *testing.T) {
	tests := []struct {
		r    Resource
		want string
	}{
		{
			Resource{Index: 0, Start: 0xf2000000, End: 0xf2ffffff, Flags: 0x00040200},
			"Region 0: Memory at f2000000 (32-bit, non-prefetchable) [size=16M]",
		},
		{
			Resource{Index: 2, Start: 0xe0000000, End: 0xefffffff, Flags: 0x0014220c},
			"Region 2: Memory at e0000000 (64-bit, prefetchable) [size=256M]",
		},
		{
			Resource{Index: 4, Start: 0xe000, End: 0xe07f, Flags: 0x00000101},
			"Region 4: I/O ports at e000 [size=128]",
		},
		{
			Resource{Index: 6, Start: 0xf3000000, End: 0xf307ffff, Flags: 0x00000200},
			"Expansion ROM at f3000000 [size=512K]",
		},
		{
			Resource{Index: 6, Start: 0x0, End: 0x7ffff, Flags: 0x00000200},
			"Expansion ROM at <unassigned> [size=512K]",
		},
		{
			Resource{Index: 3},
			"Region 3: Unused",
		},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestFmtSize(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{128, "128"},
		{4096, "4K"},
		{16 << 20, "16M"},
		{1 << 30, "1G"},
		{4097, "4097"}, // not an exact multiple
	}
	for _, tt := range tests {
		if got := fmtSize(tt.n); got != tt.want {
			t.Errorf("fmtSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestReadResourceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource")
	content := "0x00000000f2000000 0x00000000f2ffffff 0x0000000000040200\n" +
		"0x0000000000000000 0x0000000000000000 0x0000000000000000\n" +
		"garbage line\n" +
		"0x000000000000e000 0x000000000000e07f 0x0000000000000101\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got := readResourceFile(path)
	if len(got) != 2 {
		t.Fatalf("readResourceFile returned %d rows, want 2: %+v", len(got), got)
	}
	if got[0].Index != 0 || got[1].Index != 3 {
		t.Errorf("row indices = %d, %d; want 0, 3", got[0].Index, got[1].Index)
	}
	if got[1].Start != 0xe000 || !got[1].IsIO() {
		t.Errorf("row 3 = %+v, want I/O at e000", got[1])
	}

	if res := readResourceFile(filepath.Join(t.TempDir(), "missing")); res != nil {
		t.Errorf("missing file should yield nil, got %+v", res)
	}
}
