package pcidb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// WriteBinary serializes a parsed text database into the indexed binary
// format read by BinaryDB. Conversion is lossless for ids and names; names
// are deduplicated in the string pool.
func WriteBinary(w io.Writer, t *TextDB) error {
	// Group devices under their vendor and subsystems under their device so
	// each parent row can reference a contiguous, sorted child range.
	devsByVendor := make(map[uint16][]uint16)
	for key := range t.devices {
		devsByVendor[uint16(key>>16)] = append(devsByVendor[uint16(key>>16)], uint16(key))
	}
	subsByDevice := make(map[uint32][]uint32) // vendor<<16|device → sv<<16|sd
	for key := range t.subsystems {
		dk := uint32(key >> 32)
		subsByDevice[dk] = append(subsByDevice[dk], uint32(key))
	}

	vendorIDs := make([]uint16, 0, len(t.vendors))
	for id := range t.vendors {
		vendorIDs = append(vendorIDs, id)
	}
	sort.Slice(vendorIDs, func(i, j int) bool { return vendorIDs[i] < vendorIDs[j] })

	var pool bytes.Buffer
	interned := make(map[string]uint32)
	intern := func(s string) (off, length uint32) {
		if off, ok := interned[s]; ok {
			return off, uint32(len(s))
		}
		off = uint32(pool.Len())
		interned[s] = off
		pool.WriteString(s)
		return off, uint32(len(s))
	}

	vendorTab := make([]byte, len(vendorIDs)*vendorRowSize)
	deviceTab := make([]byte, len(t.devices)*deviceRowSize)
	subsysTab := make([]byte, len(t.subsystems)*subsysRowSize)

	devIdx, subIdx := 0, 0
	for vi, ven := range vendorIDs {
		devs := devsByVendor[ven]
		sort.Slice(devs, func(i, j int) bool { return devs[i] < devs[j] })

		devStart := devIdx
		for _, dev := range devs {
			devKey := uint32(ven)<<16 | uint32(dev)
			subs := subsByDevice[devKey]
			sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })

			subStart := subIdx
			for _, sub := range subs {
				name := t.subsystems[uint64(devKey)<<32|uint64(sub)]
				off, length := intern(name)
				p := subsysTab[subIdx*subsysRowSize:]
				binary.LittleEndian.PutUint16(p, uint16(sub>>16))
				binary.LittleEndian.PutUint16(p[2:], uint16(sub))
				binary.LittleEndian.PutUint32(p[4:], off)
				binary.LittleEndian.PutUint32(p[8:], length)
				subIdx++
			}

			off, length := intern(t.devices[devKey])
			p := deviceTab[devIdx*deviceRowSize:]
			binary.LittleEndian.PutUint16(p, dev)
			binary.LittleEndian.PutUint32(p[4:], uint32(subStart))
			binary.LittleEndian.PutUint32(p[8:], uint32(subIdx-subStart))
			binary.LittleEndian.PutUint32(p[12:], off)
			binary.LittleEndian.PutUint32(p[16:], length)
			devIdx++
		}

		off, length := intern(t.vendors[ven])
		p := vendorTab[vi*vendorRowSize:]
		binary.LittleEndian.PutUint16(p, ven)
		binary.LittleEndian.PutUint32(p[4:], uint32(devStart))
		binary.LittleEndian.PutUint32(p[8:], uint32(devIdx-devStart))
		binary.LittleEndian.PutUint32(p[12:], off)
		binary.LittleEndian.PutUint32(p[16:], length)
	}

	type classEntry struct {
		key  uint32
		name string
	}
	classes := make([]classEntry, 0, len(t.baseClasses)+len(t.subclasses)+len(t.progIFs))
	for base, name := range t.baseClasses {
		classes = append(classes, classEntry{PackClass(base, 0, 0)<<2 | depthBase, name})
	}
	for key, name := range t.subclasses {
		classes = append(classes, classEntry{uint32(key)<<(8+2) | depthSubclass, name})
	}
	for packed, name := range t.progIFs {
		classes = append(classes, classEntry{packed<<2 | depthProgIF, name})
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].key < classes[j].key })

	classTab := make([]byte, len(classes)*classRowSize)
	for i, c := range classes {
		off, length := intern(c.name)
		p := classTab[i*classRowSize:]
		binary.LittleEndian.PutUint32(p, c.key)
		binary.LittleEndian.PutUint32(p[4:], off)
		binary.LittleEndian.PutUint32(p[8:], length)
	}

	vendorOff := uint32(headerSize)
	deviceOff := vendorOff + uint32(len(vendorTab))
	subsysOff := deviceOff + uint32(len(deviceTab))
	classOff := subsysOff + uint32(len(subsysTab))
	strOff := classOff + uint32(len(classTab))

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:], binMagic)
	binary.LittleEndian.PutUint16(header[4:], binVersion)
	binary.LittleEndian.PutUint32(header[8:], vendorOff)
	binary.LittleEndian.PutUint32(header[12:], uint32(len(vendorIDs)))
	binary.LittleEndian.PutUint32(header[16:], deviceOff)
	binary.LittleEndian.PutUint32(header[20:], uint32(len(t.devices)))
	binary.LittleEndian.PutUint32(header[24:], subsysOff)
	binary.LittleEndian.PutUint32(header[28:], uint32(len(t.subsystems)))
	binary.LittleEndian.PutUint32(header[32:], classOff)
	binary.LittleEndian.PutUint32(header[36:], uint32(len(classes)))
	binary.LittleEndian.PutUint32(header[40:], strOff)
	binary.LittleEndian.PutUint32(header[44:], uint32(pool.Len()))

	for _, chunk := range [][]byte{header, vendorTab, deviceTab, subsysTab, classTab, pool.Bytes()} {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("writing binary database: %w", err)
		}
	}
	return nil
}

// Convert parses the text database at inPath and writes the binary artifact
// to outPath.
func Convert(inPath, outPath string) error {
	t, err := OpenText(inPath)
	if err != nil {
		return err
	}
	defer t.Close()

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", outPath, err)
	}
	if err := WriteBinary(f, t); err != nil {
		f.Close()
		os.Remove(outPath)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", outPath, err)
	}
	return nil
}
