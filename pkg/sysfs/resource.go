package sysfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Generic kernel IORESOURCE flag bits that appear in the PCI resource file,
// plus the PCI BAR attribute bits mirrored into the low byte.
const (
	resBusSpecificBits = 0x000000ff
	resIO              = 0x00000100
	resMem             = 0x00000200
	resPrefetch        = 0x00002000
	resReadonly        = 0x00004000
	resMem64           = 0x00100000
	resWindow          = 0x00200000

	barIOSpace   = 0x01
	barMemType64 = 0x04
	barPrefetch  = 0x08
)

// romAddressMask strips the ROM enable/attribute bits from a ROM BAR.
const romAddressMask = ^uint64(0x7FF)

// romIndex is the resource slot the kernel uses for the expansion ROM.
const romIndex = 6

// Resource is one row of a device's sysfs resource file: a BAR, the
// expansion ROM, or a bridge window. End is inclusive, per the kernel.
type Resource struct {
	Index int    `json:"index"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Flags uint64 `json:"flags"`
}

// Size returns the byte length of the region.
func (r Resource) Size() uint64 {
	if r.Start == 0 && r.End == 0 {
		return 0
	}
	return r.End - r.Start + 1
}

// IsIO reports whether the region decodes I/O port space.
func (r Resource) IsIO() bool {
	if r.Flags&resIO != 0 {
		return true
	}
	return r.Flags&resBusSpecificBits&barIOSpace != 0
}

// IsMem reports whether the region decodes memory space.
func (r Resource) IsMem() bool {
	if r.Flags&resMem != 0 {
		return true
	}
	return !r.IsIO() && r.Size() > 0
}

// IsROM reports whether this is the expansion ROM slot.
func (r Resource) IsROM() bool { return r.Index == romIndex }

// IsPrefetchable reports the prefetchable attribute.
func (r Resource) IsPrefetchable() bool {
	if r.Flags&resPrefetch != 0 {
		return true
	}
	return r.Flags&resBusSpecificBits&barPrefetch != 0
}

// Is64Bit reports whether the region is a 64-bit memory window.
func (r Resource) Is64Bit() bool {
	if r.Flags&resMem64 != 0 {
		return true
	}
	low := r.Flags & resBusSpecificBits
	return low&barIOSpace == 0 && low&barMemType64 != 0
}

// IsWindow reports whether the region is forwarded by a bridge.
func (r Resource) IsWindow() bool { return r.Flags&resWindow != 0 }

// String renders the region the way lspci does.
func (r Resource) String() string {
	if r.Start == 0 && r.End == 0 && r.Flags == 0 {
		return fmt.Sprintf("Region %d: Unused", r.Index)
	}

	size := fmtSize(r.Size())

	if r.IsROM() {
		var at string
		switch {
		case r.Start&romAddressMask != 0:
			at = fmt.Sprintf("%08x", r.Start&romAddressMask)
		case r.Flags&romAddressMask != 0:
			at = "<ignored>"
		default:
			at = "<unassigned>"
		}
		return fmt.Sprintf("Expansion ROM at %s [size=%s]", at, size)
	}

	if r.IsIO() {
		return fmt.Sprintf("Region %d: I/O ports at %x [size=%s]", r.Index, r.Start, size)
	}

	if r.IsMem() {
		width := "32-bit"
		if r.Is64Bit() {
			width = "64-bit"
		}
		pf := "non-prefetchable"
		if r.IsPrefetchable() {
			pf = "prefetchable"
		}
		return fmt.Sprintf("Region %d: Memory at %x (%s, %s) [size=%s]", r.Index, r.Start, width, pf, size)
	}

	return fmt.Sprintf("Region %d: start=0x%x end=0x%x flags=0x%08x [size=%s]",
		r.Index, r.Start, r.End, r.Flags, size)
}

// fmtSize renders a byte count in lspci's binary units.
func fmtSize(n uint64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%dG", n>>30)
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dM", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dK", n>>10)
	default:
		return strconv.FormatUint(n, 10)
	}
}

// readResourceFile parses a device's resource file. Each line holds three
// hex fields (start, end, flags); all-zero slots are unused and dropped.
// A missing or malformed file yields nil — resources are optional.
func readResourceFile(path string) []Resource {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []Resource
	for idx, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		start, err1 := parseHexField(fields[0])
		end, err2 := parseHexField(fields[1])
		flags, err3 := parseHexField(fields[2])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		if start == 0 && end == 0 && flags == 0 {
			continue
		}
		out = append(out, Resource{Index: idx, Start: start, End: end, Flags: flags})
	}
	return out
}

func parseHexField(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
