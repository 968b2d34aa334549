// Package pcidb resolves numeric PCI vendor, device, subsystem and class
// identifiers to human-readable names. Two interchangeable backends implement
// the same lookup contract: TextDB parses the canonical pci.ids text format,
// BinaryDB serves queries out of a memory-mapped pre-indexed artifact.
// Open selects a backend via a deterministic discovery order.
package pcidb

import "fmt"

// Database is the read-only lookup contract shared by both backends.
// Lookups are pure; a missing key is reported through the bool, never as an
// error. Implementations are immutable after construction and safe for
// concurrent readers.
type Database interface {
	// VendorName resolves a 16-bit vendor id.
	VendorName(vendorID uint16) (string, bool)
	// DeviceName resolves a device id within its vendor's namespace.
	DeviceName(vendorID, deviceID uint16) (string, bool)
	// SubsystemName resolves a (subvendor, subdevice) pair under vendor+device.
	SubsystemName(vendorID, deviceID, subVendorID, subDeviceID uint16) (string, bool)
	// BaseClassName resolves a base class byte.
	BaseClassName(base uint8) (string, bool)
	// SubclassName resolves (base, subclass), falling back to the base class
	// name when the subclass is unknown.
	SubclassName(base, subclass uint8) (string, bool)
	// ClassName resolves (base, subclass, progIF), falling back to the
	// subclass name and then the base class name.
	ClassName(base, subclass, progIF uint8) (string, bool)
	// ClassNameFromCode resolves a packed 24-bit class code
	// (base<<16 | subclass<<8 | progIF) with the same fallback chain.
	ClassNameFromCode(code uint32) (string, bool)
	// Close releases backend resources. Names returned before Close remain
	// valid afterwards; both backends copy out of their storage.
	Close() error
}

// PackClass packs a class triple into the 24-bit wire form.
func PackClass(base, subclass, progIF uint8) uint32 {
	return uint32(base)<<16 | uint32(subclass)<<8 | uint32(progIF)
}

// UnpackClass splits a packed 24-bit class code.
func UnpackClass(code uint32) (base, subclass, progIF uint8) {
	return uint8(code >> 16), uint8(code >> 8), uint8(code)
}

// Describe builds a best-effort one-line description of a device. Known
// vendor+device pairs yield "Vendor Device"; anything else degrades to an
// "Unknown ..." line built from whatever the database can name. The class
// lookup stops at subclass granularity since prog-if names rarely help
// identify an unknown part.
func Describe(db Database, vendorID, deviceID uint16, classCode uint32) string {
	if dn, ok := db.DeviceName(vendorID, deviceID); ok {
		vn, ok := db.VendorName(vendorID)
		if !ok {
			vn = fmt.Sprintf("0x%04x", vendorID)
		}
		return vn + " " + dn
	}

	base, sub, _ := UnpackClass(classCode)
	vendorPart := fmt.Sprintf("0x%04x", vendorID)
	if vn, ok := db.VendorName(vendorID); ok {
		vendorPart = vn
	}
	classPart := "PCI device"
	if cn, ok := db.SubclassName(base, sub); ok {
		classPart = cn
	}
	return fmt.Sprintf("Unknown %s %s (0x%04x)", vendorPart, classPart, deviceID)
}
