package pcidb

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// Binary artifact layout. All integers little-endian.
//
//	header (64 B):
//	  magic u32, version u16, reserved u16,
//	  then (offset u32, count u32) for the vendor, device, subsystem and
//	  class tables, then (offset u32, byteLen u32) for the string pool.
//	vendor row (20 B):  id u16, pad u16, devStart u32, devCount u32, nameOff u32, nameLen u32
//	device row (20 B):  id u16, pad u16, subStart u32, subCount u32, nameOff u32, nameLen u32
//	subsys row (12 B):  subVendor u16, subDevice u16, nameOff u32, nameLen u32
//	class row  (12 B):  key u32, nameOff u32, nameLen u32
//
// Rows are sorted by their key: vendors by id, devices by (vendor, device)
// with each vendor's devices contiguous at [devStart, devStart+devCount),
// subsystems by (subvendor, subdevice) within their device's range. Class
// rows carry key = packed24<<2 | depth (depth 1 = base only, 2 = subclass,
// 3 = full triple, unused components zero) so all three granularities share
// one sorted table. Name offsets are relative to the string pool; names are
// raw UTF-8 bytes with no terminator.
const (
	binMagic   = 0x42494350 // "PCIB"
	binVersion = 1

	headerSize    = 64
	vendorRowSize = 20
	deviceRowSize = 20
	subsysRowSize = 12
	classRowSize  = 12
)

// Class key depths.
const (
	depthBase     = 1
	depthSubclass = 2
	depthProgIF   = 3
)

// BinaryDB is the indexed binary backend. It never deserializes the whole
// artifact: every query is a binary search over fixed-width rows in the
// mapped region, followed by one string-pool slice. Returned names are
// copied out of the mapping, so they stay valid after Close.
type BinaryDB struct {
	data []byte

	vendorOff, vendorCount uint32
	deviceOff, deviceCount uint32
	subsysOff, subsysCount uint32
	classOff, classCount   uint32
	strOff, strLen         uint32

	unmap  func() error
	closed bool
}

// OpenBinary memory-maps the binary database at path. The mapping is held
// for the lifetime of the returned backend and released by Close.
func OpenBinary(path string) (*BinaryDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open binary database %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("cannot stat %s: %w", path, err)
	}
	if st.Size() < headerSize {
		return nil, fmt.Errorf("binary database %s: truncated (%d bytes)", path, st.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("cannot mmap %s: %w", path, err)
	}

	db, err := newBinary(data, func() error { return unix.Munmap(data) })
	if err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("binary database %s: %w", path, err)
	}
	return db, nil
}

// NewBinary constructs a backend over an in-memory artifact (embedded data,
// tests). Close is then a no-op.
func NewBinary(data []byte) (*BinaryDB, error) {
	return newBinary(data, nil)
}

func newBinary(data []byte, unmap func() error) (*BinaryDB, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("truncated header (%d bytes)", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:]) != binMagic {
		return nil, fmt.Errorf("bad magic")
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != binVersion {
		return nil, fmt.Errorf("unsupported format version %d", v)
	}

	db := &BinaryDB{data: data, unmap: unmap}
	db.vendorOff = binary.LittleEndian.Uint32(data[8:])
	db.vendorCount = binary.LittleEndian.Uint32(data[12:])
	db.deviceOff = binary.LittleEndian.Uint32(data[16:])
	db.deviceCount = binary.LittleEndian.Uint32(data[20:])
	db.subsysOff = binary.LittleEndian.Uint32(data[24:])
	db.subsysCount = binary.LittleEndian.Uint32(data[28:])
	db.classOff = binary.LittleEndian.Uint32(data[32:])
	db.classCount = binary.LittleEndian.Uint32(data[36:])
	db.strOff = binary.LittleEndian.Uint32(data[40:])
	db.strLen = binary.LittleEndian.Uint32(data[44:])

	if err := db.validate(); err != nil {
		return nil, err
	}
	return db, nil
}

// validate bounds-checks every section and every row's string reference so
// that lookups can slice the mapping without further checks. A corrupted or
// truncated artifact fails here, at construction time.
func (b *BinaryDB) validate() error {
	size := uint64(len(b.data))
	section := func(name string, off, count uint32, rowSize uint64) error {
		end := uint64(off) + uint64(count)*rowSize
		if uint64(off) < headerSize && count > 0 {
			return fmt.Errorf("%s table overlaps header", name)
		}
		if end > size {
			return fmt.Errorf("%s table out of bounds (end %d, size %d)", name, end, size)
		}
		return nil
	}
	if err := section("vendor", b.vendorOff, b.vendorCount, vendorRowSize); err != nil {
		return err
	}
	if err := section("device", b.deviceOff, b.deviceCount, deviceRowSize); err != nil {
		return err
	}
	if err := section("subsystem", b.subsysOff, b.subsysCount, subsysRowSize); err != nil {
		return err
	}
	if err := section("class", b.classOff, b.classCount, classRowSize); err != nil {
		return err
	}
	if uint64(b.strOff)+uint64(b.strLen) > size {
		return fmt.Errorf("string pool out of bounds")
	}

	checkName := func(what string, i uint32, off, length uint32) error {
		if uint64(off)+uint64(length) > uint64(b.strLen) {
			return fmt.Errorf("%s row %d: name reference out of pool bounds", what, i)
		}
		return nil
	}
	for i := uint32(0); i < b.vendorCount; i++ {
		_, devStart, devCount, nameOff, nameLen := b.vendorRow(i)
		if uint64(devStart)+uint64(devCount) > uint64(b.deviceCount) {
			return fmt.Errorf("vendor row %d: device range out of bounds", i)
		}
		if err := checkName("vendor", i, nameOff, nameLen); err != nil {
			return err
		}
	}
	for i := uint32(0); i < b.deviceCount; i++ {
		_, subStart, subCount, nameOff, nameLen := b.deviceRow(i)
		if uint64(subStart)+uint64(subCount) > uint64(b.subsysCount) {
			return fmt.Errorf("device row %d: subsystem range out of bounds", i)
		}
		if err := checkName("device", i, nameOff, nameLen); err != nil {
			return err
		}
	}
	for i := uint32(0); i < b.subsysCount; i++ {
		_, _, nameOff, nameLen := b.subsysRow(i)
		if err := checkName("subsystem", i, nameOff, nameLen); err != nil {
			return err
		}
	}
	for i := uint32(0); i < b.classCount; i++ {
		_, nameOff, nameLen := b.classRow(i)
		if err := checkName("class", i, nameOff, nameLen); err != nil {
			return err
		}
	}
	return nil
}

// ----- row accessors -----

func (b *BinaryDB) vendorRow(i uint32) (id uint16, devStart, devCount, nameOff, nameLen uint32) {
	p := b.data[b.vendorOff+i*vendorRowSize:]
	return binary.LittleEndian.Uint16(p),
		binary.LittleEndian.Uint32(p[4:]),
		binary.LittleEndian.Uint32(p[8:]),
		binary.LittleEndian.Uint32(p[12:]),
		binary.LittleEndian.Uint32(p[16:])
}

func (b *BinaryDB) deviceRow(i uint32) (id uint16, subStart, subCount, nameOff, nameLen uint32) {
	p := b.data[b.deviceOff+i*deviceRowSize:]
	return binary.LittleEndian.Uint16(p),
		binary.LittleEndian.Uint32(p[4:]),
		binary.LittleEndian.Uint32(p[8:]),
		binary.LittleEndian.Uint32(p[12:]),
		binary.LittleEndian.Uint32(p[16:])
}

func (b *BinaryDB) subsysRow(i uint32) (subVendor, subDevice uint16, nameOff, nameLen uint32) {
	p := b.data[b.subsysOff+i*subsysRowSize:]
	return binary.LittleEndian.Uint16(p),
		binary.LittleEndian.Uint16(p[2:]),
		binary.LittleEndian.Uint32(p[4:]),
		binary.LittleEndian.Uint32(p[8:])
}

func (b *BinaryDB) classRow(i uint32) (key, nameOff, nameLen uint32) {
	p := b.data[b.classOff+i*classRowSize:]
	return binary.LittleEndian.Uint32(p),
		binary.LittleEndian.Uint32(p[4:]),
		binary.LittleEndian.Uint32(p[8:])
}

// str copies a name out of the string pool.
func (b *BinaryDB) str(off, length uint32) string {
	base := b.strOff + off
	return string(b.data[base : base+length])
}

// ----- binary searches -----

func (b *BinaryDB) findVendor(vendorID uint16) (uint32, bool) {
	n := int(b.vendorCount)
	i := sort.Search(n, func(i int) bool {
		id, _, _, _, _ := b.vendorRow(uint32(i))
		return id >= vendorID
	})
	if i == n {
		return 0, false
	}
	if id, _, _, _, _ := b.vendorRow(uint32(i)); id != vendorID {
		return 0, false
	}
	return uint32(i), true
}

func (b *BinaryDB) findDevice(start, count uint32, deviceID uint16) (uint32, bool) {
	i := sort.Search(int(count), func(i int) bool {
		id, _, _, _, _ := b.deviceRow(start + uint32(i))
		return id >= deviceID
	})
	if uint32(i) == count {
		return 0, false
	}
	idx := start + uint32(i)
	if id, _, _, _, _ := b.deviceRow(idx); id != deviceID {
		return 0, false
	}
	return idx, true
}

func (b *BinaryDB) findSubsystem(start, count uint32, subVendor, subDevice uint16) (uint32, bool) {
	want := uint32(subVendor)<<16 | uint32(subDevice)
	i := sort.Search(int(count), func(i int) bool {
		sv, sd, _, _ := b.subsysRow(start + uint32(i))
		return uint32(sv)<<16|uint32(sd) >= want
	})
	if uint32(i) == count {
		return 0, false
	}
	idx := start + uint32(i)
	if sv, sd, _, _ := b.subsysRow(idx); uint32(sv)<<16|uint32(sd) != want {
		return 0, false
	}
	return idx, true
}

func (b *BinaryDB) findClass(key uint32) (string, bool) {
	n := int(b.classCount)
	i := sort.Search(n, func(i int) bool {
		k, _, _ := b.classRow(uint32(i))
		return k >= key
	})
	if i == n {
		return "", false
	}
	k, nameOff, nameLen := b.classRow(uint32(i))
	if k != key {
		return "", false
	}
	return b.str(nameOff, nameLen), true
}

// ----- Database implementation -----

// VendorName implements Database.
func (b *BinaryDB) VendorName(vendorID uint16) (string, bool) {
	i, ok := b.findVendor(vendorID)
	if !ok {
		return "", false
	}
	_, _, _, nameOff, nameLen := b.vendorRow(i)
	return b.str(nameOff, nameLen), true
}

// DeviceName implements Database.
func (b *BinaryDB) DeviceName(vendorID, deviceID uint16) (string, bool) {
	vi, ok := b.findVendor(vendorID)
	if !ok {
		return "", false
	}
	_, devStart, devCount, _, _ := b.vendorRow(vi)
	di, ok := b.findDevice(devStart, devCount, deviceID)
	if !ok {
		return "", false
	}
	_, _, _, nameOff, nameLen := b.deviceRow(di)
	return b.str(nameOff, nameLen), true
}

// SubsystemName implements Database.
func (b *BinaryDB) SubsystemName(vendorID, deviceID, subVendorID, subDeviceID uint16) (string, bool) {
	vi, ok := b.findVendor(vendorID)
	if !ok {
		return "", false
	}
	_, devStart, devCount, _, _ := b.vendorRow(vi)
	di, ok := b.findDevice(devStart, devCount, deviceID)
	if !ok {
		return "", false
	}
	_, subStart, subCount, _, _ := b.deviceRow(di)
	si, ok := b.findSubsystem(subStart, subCount, subVendorID, subDeviceID)
	if !ok {
		return "", false
	}
	_, _, nameOff, nameLen := b.subsysRow(si)
	return b.str(nameOff, nameLen), true
}

// BaseClassName implements Database.
func (b *BinaryDB) BaseClassName(base uint8) (string, bool) {
	return b.findClass(PackClass(base, 0, 0)<<2 | depthBase)
}

// SubclassName implements Database, falling back to the base class name.
func (b *BinaryDB) SubclassName(base, subclass uint8) (string, bool) {
	if name, ok := b.findClass(PackClass(base, subclass, 0)<<2 | depthSubclass); ok {
		return name, true
	}
	return b.BaseClassName(base)
}

// ClassName implements Database with the prog-if → subclass → base
// fallback chain.
func (b *BinaryDB) ClassName(base, subclass, progIF uint8) (string, bool) {
	if _, ok := b.findClass(PackClass(base, subclass, 0)<<2 | depthSubclass); !ok {
		return b.BaseClassName(base)
	}
	if name, ok := b.findClass(PackClass(base, subclass, progIF)<<2 | depthProgIF); ok {
		return name, true
	}
	return b.SubclassName(base, subclass)
}

// ClassNameFromCode implements Database.
func (b *BinaryDB) ClassNameFromCode(code uint32) (string, bool) {
	base, sub, pi := UnpackClass(code)
	return b.ClassName(base, sub, pi)
}

// Close implements Database. The underlying mapping is released exactly
// once; lookups after Close would fault, so the backend must not be used
// concurrently with or after Close.
func (b *BinaryDB) Close() error {
	if b.closed || b.unmap == nil {
		b.closed = true
		return nil
	}
	b.closed = true
	err := b.unmap()
	b.data = nil
	return err
}
