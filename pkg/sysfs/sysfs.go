// Package sysfs enumerates the live PCI device topology exposed by the
// kernel under /sys/bus/pci/devices. A scan is a one-shot snapshot: it
// builds an address-keyed device map with parent/child bus topology and is
// rebuilt from scratch on every call, never updated incrementally.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// DefaultRoot is the kernel's flat PCI device directory.
const DefaultRoot = "/sys/bus/pci/devices"

// Address is a PCI domain:bus:slot.function identifier. Its string form
// ("0000:65:00.0") is the stable identity key within a scan snapshot.
type Address struct {
	Domain   uint32
	Bus      uint8
	Slot     uint8
	Function uint8
}

// String renders the canonical BDF form.
func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// ParseAddress parses a full "dddd:bb:ss.f" address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != 12 || s[4] != ':' || s[7] != ':' || s[10] != '.' {
		return a, fmt.Errorf("malformed PCI address %q", s)
	}
	dom, err := strconv.ParseUint(s[0:4], 16, 32)
	if err != nil {
		return a, fmt.Errorf("malformed PCI address %q: %w", s, err)
	}
	bus, err := strconv.ParseUint(s[5:7], 16, 8)
	if err != nil {
		return a, fmt.Errorf("malformed PCI address %q: %w", s, err)
	}
	slot, err := strconv.ParseUint(s[8:10], 16, 8)
	if err != nil {
		return a, fmt.Errorf("malformed PCI address %q: %w", s, err)
	}
	fn, err := strconv.ParseUint(s[11:12], 16, 8)
	if err != nil {
		return a, fmt.Errorf("malformed PCI address %q: %w", s, err)
	}
	a.Domain = uint32(dom)
	a.Bus = uint8(bus)
	a.Slot = uint8(slot)
	a.Function = uint8(fn)
	return a, nil
}

// Device is one PCI function discovered at scan time. Devices are immutable
// after Scan returns. Topology links are stored as addresses resolved
// through the owning DeviceMap, so the graph cannot form reference cycles
// and lives exactly as long as the snapshot.
type Device struct {
	Address Address

	VendorID    uint16
	DeviceID    uint16
	SubVendorID uint16
	SubDeviceID uint16
	// ClassCode is the packed 24-bit base<<16 | subclass<<8 | progIF.
	ClassCode uint32
	Revision  uint8

	Driver     string
	IOMMUGroup int // -1 when not assigned
	NUMANode   int // -1 when the platform has no NUMA affinity

	Resources []Resource
	// Link holds the PCIe link attributes exposed by the kernel
	// (current/max link speed and width), absent entries omitted.
	Link map[string]string
	// Netdevs lists network interface names bound to this function.
	Netdevs []string
	// LinkType is the netlink encap type of the first netdev, best effort.
	LinkType string

	// ParentAddr is the upstream bridge's address, empty for root devices.
	ParentAddr string
	// ChildAddrs are the immediate downstream devices, sorted by address.
	ChildAddrs []string
}

// Class16 returns the 16-bit base:subclass pair used in lspci output.
func (d *Device) Class16() uint16 {
	return uint16(d.ClassCode >> 8)
}

// DeviceMap is one enumeration snapshot, keyed by BDF string. It owns the
// devices; Parent and Children resolve the address links against it.
type DeviceMap map[string]*Device

// Parent returns d's upstream bridge, or nil for a root device.
func (m DeviceMap) Parent(d *Device) *Device {
	if d == nil || d.ParentAddr == "" {
		return nil
	}
	return m[d.ParentAddr]
}

// Children returns d's immediate downstream devices.
func (m DeviceMap) Children(d *Device) []*Device {
	if d == nil {
		return nil
	}
	out := make([]*Device, 0, len(d.ChildAddrs))
	for _, addr := range d.ChildAddrs {
		if c, ok := m[addr]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Addresses returns all device addresses in sorted order.
func (m DeviceMap) Addresses() []string {
	out := make([]string, 0, len(m))
	for addr := range m {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// FindByVendor returns all devices with the given vendor id.
func (m DeviceMap) FindByVendor(vendorID uint16) []*Device {
	var out []*Device
	for _, addr := range m.Addresses() {
		if d := m[addr]; d.VendorID == vendorID {
			out = append(out, d)
		}
	}
	return out
}

// FindByVendorDevice returns all devices matching vendor and device id.
func (m DeviceMap) FindByVendorDevice(vendorID, deviceID uint16) []*Device {
	var out []*Device
	for _, addr := range m.Addresses() {
		if d := m[addr]; d.VendorID == vendorID && d.DeviceID == deviceID {
			out = append(out, d)
		}
	}
	return out
}

// Roots returns the devices with no parent, sorted by address.
func (m DeviceMap) Roots() []*Device {
	var out []*Device
	for _, addr := range m.Addresses() {
		if d := m[addr]; d.ParentAddr == "" {
			out = append(out, d)
		}
	}
	return out
}

// Enumerator walks a sysfs PCI device directory.
type Enumerator struct {
	Root string

	skipped int
}

// NewEnumerator returns an enumerator over root, or DefaultRoot if empty.
func NewEnumerator(root string) *Enumerator {
	if root == "" {
		root = DefaultRoot
	}
	return &Enumerator{Root: root}
}

// Skipped reports how many BDF entries the last Scan dropped because their
// mandatory attributes were unreadable.
func (e *Enumerator) Skipped() int { return e.skipped }

// Scan walks the device directory once and returns a fresh snapshot.
// A device whose mandatory attributes (vendor, device, class) are
// unreadable is skipped with a warning — sysfs entries can race with
// device removal. Optional attributes degrade to their zero values.
// Only an unreadable root directory is a hard error.
func (e *Enumerator) Scan() (DeviceMap, error) {
	entries, err := os.ReadDir(e.Root)
	if err != nil {
		return nil, fmt.Errorf("cannot read PCI device directory %s: %w", e.Root, err)
	}

	e.skipped = 0
	devices := make(DeviceMap)
	for _, entry := range entries {
		addr, err := ParseAddress(entry.Name())
		if err != nil {
			continue // not a BDF entry
		}
		dev, err := e.readDevice(entry.Name(), addr)
		if err != nil {
			log.Warnf("sysfs: skipping %s: %v", entry.Name(), err)
			e.skipped++
			continue
		}
		devices[addr.String()] = dev
	}

	// Wire children in a second pass so a partially-scanned tree never
	// references a device that was not constructed.
	for addr, dev := range devices {
		if dev.ParentAddr == "" {
			continue
		}
		parent, ok := devices[dev.ParentAddr]
		if !ok {
			dev.ParentAddr = ""
			continue
		}
		parent.ChildAddrs = append(parent.ChildAddrs, addr)
	}
	for _, dev := range devices {
		sort.Strings(dev.ChildAddrs)
	}
	return devices, nil
}

// readDevice reads one device directory.
func (e *Enumerator) readDevice(name string, addr Address) (*Device, error) {
	dir := filepath.Join(e.Root, name)

	vendor, ok := readHexAttr(filepath.Join(dir, "vendor"))
	if !ok {
		return nil, fmt.Errorf("unreadable vendor id")
	}
	device, ok := readHexAttr(filepath.Join(dir, "device"))
	if !ok {
		return nil, fmt.Errorf("unreadable device id")
	}
	class, ok := readHexAttr(filepath.Join(dir, "class"))
	if !ok {
		return nil, fmt.Errorf("unreadable class code")
	}

	dev := &Device{
		Address:    addr,
		VendorID:   uint16(vendor),
		DeviceID:   uint16(device),
		ClassCode:  uint32(class) & 0xFFFFFF,
		IOMMUGroup: -1,
		NUMANode:   -1,
	}

	if v, ok := readHexAttr(filepath.Join(dir, "subsystem_vendor")); ok {
		dev.SubVendorID = uint16(v)
	}
	if v, ok := readHexAttr(filepath.Join(dir, "subsystem_device")); ok {
		dev.SubDeviceID = uint16(v)
	}
	if v, ok := readHexAttr(filepath.Join(dir, "revision")); ok {
		dev.Revision = uint8(v)
	}

	if target, err := os.Readlink(filepath.Join(dir, "driver")); err == nil {
		dev.Driver = filepath.Base(target)
	}
	if target, err := filepath.EvalSymlinks(filepath.Join(dir, "iommu_group")); err == nil {
		if g, err := strconv.Atoi(filepath.Base(target)); err == nil {
			dev.IOMMUGroup = g
		}
	}
	if data, err := os.ReadFile(filepath.Join(dir, "numa_node")); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			dev.NUMANode = n
		}
	}

	dev.Resources = readResourceFile(filepath.Join(dir, "resource"))

	link := make(map[string]string)
	for _, attr := range []string{"current_link_speed", "current_link_width", "max_link_speed", "max_link_width"} {
		if data, err := os.ReadFile(filepath.Join(dir, attr)); err == nil {
			link[attr] = strings.TrimSpace(string(data))
		}
	}
	if len(link) > 0 {
		dev.Link = link
	}

	if names, err := netNames(dir); err == nil && len(names) > 0 {
		dev.Netdevs = names
		dev.LinkType = linkType(names[0])
	}

	dev.ParentAddr = parentAddr(dir, name)
	return dev, nil
}

// parentAddr infers the upstream bridge from the resolved device path: the
// kernel nests a function's real directory under its bridge's, so the
// nearest preceding BDF-shaped path component is the parent.
func parentAddr(dir, name string) string {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return ""
	}
	parts := strings.Split(real, string(filepath.Separator))
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == name {
			continue
		}
		if _, err := ParseAddress(parts[i]); err == nil {
			return parts[i]
		}
	}
	return ""
}

// readHexAttr reads a small hex attribute file ("0x10de\n").
func readHexAttr(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return v, true
}

// netNames lists the network interfaces bound to a device directory.
func netNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "net"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// linkType returns the encap type of a network interface via netlink.
func linkType(ifName string) string {
	if ifName == "" {
		return ""
	}
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return ""
	}
	return link.Attrs().EncapType
}
