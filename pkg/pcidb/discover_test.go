package pcidb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeFixtures drops a text database, a binary conversion of it, and a
// corrupt binary into a temp dir.
func writeFixtures(t *testing.T) (textPath, binPath, corruptPath string) {
	t.Helper()
	dir := t.TempDir()

	textPath = filepath.Join(dir, "pci.ids")
	if err := os.WriteFile(textPath, []byte(minimalIDs), 0o644); err != nil {
		t.Fatal(err)
	}

	binPath = filepath.Join(dir, "pci.ids.bin")
	if err := Convert(textPath, binPath); err != nil {
		t.Fatal(err)
	}

	corruptPath = filepath.Join(dir, "corrupt.bin")
	data, err := os.ReadFile(binPath)
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 'X'
	if err := os.WriteFile(corruptPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return textPath, binPath, corruptPath
}

func kinds(cands []candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.kind
	}
	return out
}

func TestCandidates_Priority(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "explicit path short-circuits everything",
			opts: Options{Path: "/x/pci.ids", BinPath: "/x/b", TextPath: "/x/t"},
			want: []string{"path-auto"},
		},
		{
			name: "full environment",
			opts: Options{BinPath: "/x/b", TextPath: "/x/t"},
			want: []string{"env-bin", "env-text", "sys-bin", "sys-text", "bundled-text"},
		},
		{
			name: "defaults",
			opts: Options{},
			want: []string{"sys-bin", "sys-text", "bundled-text"},
		},
		{
			name: "system tier suppressed",
			opts: Options{NoSystem: true},
			want: []string{"bundled-text"},
		},
		{
			name: "bundled tier suppressed",
			opts: Options{NoBundled: true},
			want: []string{"sys-bin", "sys-text"},
		},
		{
			name: "everything suppressed",
			opts: Options{NoSystem: true, NoBundled: true},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := kinds(candidates(tt.opts))
			if len(got) != len(tt.want) {
				t.Fatalf("candidates = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("candidates = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestOpenWith_ExplicitPathSniffsFormat(t *testing.T) {
	textPath, binPath, _ := writeFixtures(t)

	db, err := OpenWith(Options{Path: textPath})
	if err != nil {
		t.Fatalf("OpenWith(text path) failed: %v", err)
	}
	if _, ok := db.(*TextDB); !ok {
		t.Errorf("explicit text path opened %T, want *TextDB", db)
	}
	db.Close()

	db, err = OpenWith(Options{Path: binPath})
	if err != nil {
		t.Fatalf("OpenWith(bin path) failed: %v", err)
	}
	if _, ok := db.(*BinaryDB); !ok {
		t.Errorf("explicit binary path opened %T, want *BinaryDB", db)
	}
	db.Close()
}

func TestOpenWith_FallsPastUnusableCandidates(t *testing.T) {
	textPath, _, corruptPath := writeFixtures(t)

	// The corrupt binary must be skipped, not fatal.
	db, src, err := OpenWithSource(Options{
		BinPath:  corruptPath,
		TextPath: textPath,
		NoSystem: true, NoBundled: true,
	})
	if err != nil {
		t.Fatalf("OpenWithSource failed: %v", err)
	}
	defer db.Close()

	if src.Kind != "env-text" {
		t.Errorf("source kind = %q, want env-text", src.Kind)
	}
	if name, ok := db.VendorName(0x8086); !ok || name != "Intel Corporation" {
		t.Errorf("fallback database lookup = %q, %v", name, ok)
	}
}

func TestOpenWith_SystemTier(t *testing.T) {
	textPath, binPath, _ := writeFixtures(t)

	// The binary system artifact wins over the text one.
	db, src, err := OpenWithSource(Options{
		SystemBinPath:  binPath,
		SystemTextPath: textPath,
		NoBundled:      true,
	})
	if err != nil {
		t.Fatalf("OpenWithSource failed: %v", err)
	}
	defer db.Close()
	if src.Kind != "sys-bin" {
		t.Errorf("source kind = %q, want sys-bin", src.Kind)
	}
}

func TestOpenWith_BundledFallback(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")

	db, src, err := OpenWithSource(Options{
		SystemBinPath:  missing + ".bin",
		SystemTextPath: missing,
	})
	if err != nil {
		t.Fatalf("bundled fallback failed: %v", err)
	}
	defer db.Close()

	if src.Kind != "bundled-text" {
		t.Errorf("source kind = %q, want bundled-text", src.Kind)
	}
	// The bundled subset must at least know the major vendors.
	if _, ok := db.VendorName(0x8086); !ok {
		t.Error("bundled database missing vendor 0x8086")
	}
}

func TestOpenWith_Exhaustion(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")

	_, err := OpenWith(Options{
		SystemBinPath:  missing + ".bin",
		SystemTextPath: missing,
		NoBundled:      true,
	})
	if !errors.Is(err, ErrNoDatabase) {
		t.Errorf("err = %v, want ErrNoDatabase", err)
	}

	_, err = OpenWith(Options{NoSystem: true, NoBundled: true})
	if !errors.Is(err, ErrNoDatabase) {
		t.Errorf("all tiers disabled: err = %v, want ErrNoDatabase", err)
	}
}

func TestEnvOptions(t *testing.T) {
	t.Setenv(EnvBinPath, "/e/bin")
	t.Setenv(EnvTextPath, "/e/text")
	t.Setenv(EnvNoSystem, "1")
	t.Setenv(EnvNoBundled, "1")

	opts := EnvOptions("/explicit")
	if opts.Path != "/explicit" || opts.BinPath != "/e/bin" || opts.TextPath != "/e/text" {
		t.Errorf("EnvOptions paths = %+v", opts)
	}
	if !opts.NoSystem || !opts.NoBundled {
		t.Errorf("EnvOptions tier flags = %+v", opts)
	}
}
