package pcidb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// TextDB is the text-format backend. It eagerly parses the line-oriented
// pci.ids grammar into lookup maps. Parsing is fault tolerant: a malformed
// line (bad hex, orphan indentation) is skipped and counted, never fatal —
// the canonical database occasionally carries stray vendor-inserted lines.
type TextDB struct {
	vendors     map[uint16]string
	devices     map[uint32]string // vendor<<16 | device
	subsystems  map[uint64]string // vendor<<48 | device<<32 | subvendor<<16 | subdevice
	baseClasses map[uint8]string
	subclasses  map[uint16]string // base<<8 | subclass
	progIFs     map[uint32]string // base<<16 | subclass<<8 | progIF
	skipped     int
}

// OpenText parses the text database at path.
func OpenText(path string) (*TextDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open text database %s: %w", path, err)
	}
	defer f.Close()

	db, err := NewText(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return db, nil
}

// NewText parses a text database from r. Only a structurally unreadable
// source or one yielding no entries at all is an error.
func NewText(r io.Reader) (*TextDB, error) {
	db := &TextDB{
		vendors:     make(map[uint16]string),
		devices:     make(map[uint32]string),
		subsystems:  make(map[uint64]string),
		baseClasses: make(map[uint8]string),
		subclasses:  make(map[uint16]string),
		progIFs:     make(map[uint32]string),
	}

	// Parser state: the current vendor/device or class/subclass context.
	// -1 means no context is open.
	var (
		inClasses bool
		curVendor = -1
		curDevice = -1
		curBase   = -1
		curSub    = -1
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ok := true
		switch {
		case strings.HasPrefix(line, "C "):
			// Class section header opens a class context and leaves the
			// vendor context for good.
			inClasses = true
			curBase, curSub = -1, -1
			id, name, err := splitIDName(line[2:], 2)
			if err != nil {
				ok = false
				break
			}
			db.baseClasses[uint8(id)] = name
			curBase = int(id)

		case !strings.HasPrefix(line, "\t"):
			if inClasses {
				ok = false
				break
			}
			curDevice = -1
			id, name, err := splitIDName(line, 4)
			if err != nil {
				curVendor = -1
				ok = false
				break
			}
			db.vendors[uint16(id)] = name
			curVendor = int(id)

		case strings.HasPrefix(line, "\t\t"):
			body := strings.TrimLeft(line, "\t")
			if inClasses {
				if curBase < 0 || curSub < 0 {
					ok = false
					break
				}
				id, name, err := splitIDName(body, 2)
				if err != nil {
					ok = false
					break
				}
				db.progIFs[PackClass(uint8(curBase), uint8(curSub), uint8(id))] = name
			} else {
				if curVendor < 0 || curDevice < 0 {
					ok = false
					break
				}
				sv, rest, err := splitIDName(body, 4)
				if err != nil {
					ok = false
					break
				}
				sd, name, err := splitIDName(rest, 4)
				if err != nil {
					ok = false
					break
				}
				key := uint64(curVendor)<<48 | uint64(curDevice)<<32 |
					uint64(sv)<<16 | uint64(sd)
				db.subsystems[key] = name
			}

		default: // exactly one leading tab
			body := strings.TrimPrefix(line, "\t")
			if inClasses {
				curSub = -1
				if curBase < 0 {
					ok = false
					break
				}
				id, name, err := splitIDName(body, 2)
				if err != nil {
					ok = false
					break
				}
				db.subclasses[uint16(curBase)<<8 | uint16(id)] = name
				curSub = int(id)
			} else {
				if curVendor < 0 {
					ok = false
					break
				}
				id, name, err := splitIDName(body, 4)
				if err != nil {
					curDevice = -1
					ok = false
					break
				}
				db.devices[uint32(curVendor)<<16 | uint32(id)] = name
				curDevice = int(id)
			}
		}

		if !ok {
			db.skipped++
			log.Debugf("pcidb: skipping malformed line %d: %q", lineno, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading text database: %w", err)
	}

	if len(db.vendors) == 0 && len(db.baseClasses) == 0 {
		return nil, fmt.Errorf("empty or corrupt text database")
	}
	return db, nil
}

// splitIDName splits "ID<ws>Name" where ID is exactly digits hex digits.
// The name may be empty (the canonical file has a few nameless entries).
func splitIDName(s string, digits int) (uint64, string, error) {
	s = strings.TrimLeft(s, " \t")
	idx := strings.IndexAny(s, " \t")
	tok := s
	rest := ""
	if idx >= 0 {
		tok = s[:idx]
		rest = strings.TrimLeft(s[idx:], " \t")
	}
	if len(tok) != digits {
		return 0, "", fmt.Errorf("id %q: want %d hex digits", tok, digits)
	}
	id, err := strconv.ParseUint(tok, 16, digits*4)
	if err != nil {
		return 0, "", fmt.Errorf("id %q: %w", tok, err)
	}
	return id, strings.TrimRight(rest, " \t"), nil
}

// Skipped reports how many malformed lines the parser dropped.
func (t *TextDB) Skipped() int { return t.skipped }

// VendorName implements Database.
func (t *TextDB) VendorName(vendorID uint16) (string, bool) {
	name, ok := t.vendors[vendorID]
	return name, ok
}

// DeviceName implements Database.
func (t *TextDB) DeviceName(vendorID, deviceID uint16) (string, bool) {
	name, ok := t.devices[uint32(vendorID)<<16|uint32(deviceID)]
	return name, ok
}

// SubsystemName implements Database.
func (t *TextDB) SubsystemName(vendorID, deviceID, subVendorID, subDeviceID uint16) (string, bool) {
	key := uint64(vendorID)<<48 | uint64(deviceID)<<32 |
		uint64(subVendorID)<<16 | uint64(subDeviceID)
	name, ok := t.subsystems[key]
	return name, ok
}

// BaseClassName implements Database.
func (t *TextDB) BaseClassName(base uint8) (string, bool) {
	name, ok := t.baseClasses[base]
	return name, ok
}

// SubclassName implements Database. Unknown subclasses fall back to the
// base class name.
func (t *TextDB) SubclassName(base, subclass uint8) (string, bool) {
	if name, ok := t.subclasses[uint16(base)<<8|uint16(subclass)]; ok {
		return name, true
	}
	return t.BaseClassName(base)
}

// ClassName implements Database. Unknown prog-if entries fall back to the
// subclass name, unknown subclasses to the base class name.
func (t *TextDB) ClassName(base, subclass, progIF uint8) (string, bool) {
	if _, ok := t.subclasses[uint16(base)<<8|uint16(subclass)]; !ok {
		return t.BaseClassName(base)
	}
	if name, ok := t.progIFs[PackClass(base, subclass, progIF)]; ok {
		return name, true
	}
	return t.SubclassName(base, subclass)
}

// ClassNameFromCode implements Database.
func (t *TextDB) ClassNameFromCode(code uint32) (string, bool) {
	base, sub, pi := UnpackClass(code)
	return t.ClassName(base, sub, pi)
}

// Close implements Database. The text backend holds no resources.
func (t *TextDB) Close() error { return nil }
