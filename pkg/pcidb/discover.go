package pcidb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// Environment overrides consumed by Open.
const (
	// EnvBinPath points at an explicit binary database.
	EnvBinPath = "PCIID_BIN"
	// EnvTextPath points at an explicit text database.
	EnvTextPath = "PCIID_TEXT"
	// EnvNoSystem set to "1" skips the system-installed tier.
	EnvNoSystem = "PCIID_NO_SYSTEM"
	// EnvNoBundled set to "1" skips the bundled tier.
	EnvNoBundled = "PCIID_NO_BUNDLED"
)

// Well-known system database locations (hwdata convention).
const (
	DefaultSystemBinPath  = "/usr/share/hwdata/pci.ids.bin"
	DefaultSystemTextPath = "/usr/share/hwdata/pci.ids"
)

// ErrNoDatabase is returned by Open when every candidate source failed.
var ErrNoDatabase = errors.New("no usable PCI ID database found")

// Options control database discovery. The zero value means: no explicit
// paths, default system locations, all tiers enabled.
type Options struct {
	// Path, when set, bypasses discovery entirely; the format is detected
	// by magic sniff.
	Path string
	// BinPath / TextPath are explicit per-format overrides (highest
	// priority after Path).
	BinPath  string
	TextPath string
	// SystemBinPath / SystemTextPath override the well-known system
	// locations; empty means the defaults.
	SystemBinPath  string
	SystemTextPath string
	// NoSystem / NoBundled suppress whole tiers.
	NoSystem  bool
	NoBundled bool
}

// candidate is one potential database source in priority order.
type candidate struct {
	kind string // "path-auto", "env-bin", "env-text", "sys-bin", "sys-text", "bundled-bin", "bundled-text"
	ref  string
	open func() (Database, error)
}

// candidates builds the ordered source list for opts. Pure function, no
// I/O, so the priority policy is unit-testable in isolation.
func candidates(opts Options) []candidate {
	if opts.Path != "" {
		p := opts.Path
		return []candidate{{"path-auto", p, func() (Database, error) {
			if sniffBinary(p) {
				return OpenBinary(p)
			}
			return OpenText(p)
		}}}
	}

	systemBin := opts.SystemBinPath
	if systemBin == "" {
		systemBin = DefaultSystemBinPath
	}
	systemText := opts.SystemTextPath
	if systemText == "" {
		systemText = DefaultSystemTextPath
	}

	var cands []candidate
	if opts.BinPath != "" {
		p := opts.BinPath
		cands = append(cands, candidate{"env-bin", p, func() (Database, error) {
			if !sniffBinary(p) {
				return nil, fmt.Errorf("%s is not a binary database", p)
			}
			return OpenBinary(p)
		}})
	}
	if opts.TextPath != "" {
		p := opts.TextPath
		cands = append(cands, candidate{"env-text", p, func() (Database, error) {
			return OpenText(p)
		}})
	}
	if !opts.NoSystem {
		cands = append(cands,
			candidate{"sys-bin", systemBin, func() (Database, error) {
				return OpenBinary(systemBin)
			}},
			candidate{"sys-text", systemText, func() (Database, error) {
				return OpenText(systemText)
			}},
		)
	}
	if !opts.NoBundled {
		if data, ok := bundledBinary(); ok {
			cands = append(cands, candidate{"bundled-bin", bundledBinName, func() (Database, error) {
				return NewBinary(data)
			}})
		}
		if data, ok := bundledText(); ok {
			cands = append(cands, candidate{"bundled-text", bundledTextName, func() (Database, error) {
				return NewText(bytes.NewReader(data))
			}})
		}
	}
	return cands
}

// Source identifies where a discovered database came from.
type Source struct {
	// Kind is the discovery tier: "path-auto", "env-bin", "env-text",
	// "sys-bin", "sys-text", "bundled-bin", "bundled-text".
	Kind string
	// Ref is the file path (or embedded name) of the source.
	Ref string
}

// OpenWith resolves and constructs a database backend per the discovery
// policy in opts: first usable candidate wins, construction failures
// advance to the next candidate, exhaustion is fatal.
func OpenWith(opts Options) (Database, error) {
	db, _, err := OpenWithSource(opts)
	return db, err
}

// OpenWithSource is OpenWith plus the winning source, for callers that
// report where the database came from.
func OpenWithSource(opts Options) (Database, Source, error) {
	var lastErr error
	for _, c := range candidates(opts) {
		db, err := c.open()
		if err != nil {
			log.Debugf("pcidb: candidate %s (%s) unusable: %v", c.kind, c.ref, err)
			lastErr = err
			continue
		}
		log.Debugf("pcidb: using %s database from %s", c.kind, c.ref)
		return db, Source{Kind: c.kind, Ref: c.ref}, nil
	}
	if lastErr != nil {
		return nil, Source{}, fmt.Errorf("%w (set %s/%s, install hwdata, or enable the bundled tier): last error: %v",
			ErrNoDatabase, EnvBinPath, EnvTextPath, lastErr)
	}
	return nil, Source{}, fmt.Errorf("%w: all source tiers disabled", ErrNoDatabase)
}

// EnvOptions builds discovery options from the process environment. A
// non-empty path takes precedence over everything else.
func EnvOptions(path string) Options {
	return Options{
		Path:      path,
		BinPath:   os.Getenv(EnvBinPath),
		TextPath:  os.Getenv(EnvTextPath),
		NoSystem:  os.Getenv(EnvNoSystem) == "1",
		NoBundled: os.Getenv(EnvNoBundled) == "1",
	}
}

// Open resolves a database using the environment-driven policy.
func Open(path string) (Database, error) {
	return OpenWith(EnvOptions(path))
}

// sniffBinary reports whether the file at path starts with the binary
// database magic.
func sniffBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var sig [4]byte
	if _, err := f.Read(sig[:]); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(sig[:]) == binMagic
}
