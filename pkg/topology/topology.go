// Package topology provides bus-topology computations and serialization
// over a sysfs enumeration snapshot: the secondary-bus-reset impact set and
// a portable devices+edges dump for offline inspection.
package topology

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/pcitools/pciid/pkg/sysfs"
)

// SBRAffected returns the devices sharing origin's secondary-bus-reset
// domain: origin itself plus everything downstream of its immediate
// upstream bridge (nested bridges and their subtrees included, the bridge
// itself excluded). A root device has no bridge to reset through, so the
// set is just the device itself. The traversal keeps a visited set so a
// malformed (cyclic) snapshot terminates rather than looping; the scan
// constructs the graph acyclic, this is only a safety net.
func SBRAffected(devs sysfs.DeviceMap, origin *sysfs.Device) []*sysfs.Device {
	parent := devs.Parent(origin)
	if parent == nil {
		return []*sysfs.Device{origin}
	}

	seen := map[string]bool{parent.Address.String(): true}
	var out []*sysfs.Device
	stack := []*sysfs.Device{parent}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range devs.Children(cur) {
			addr := child.Address.String()
			if seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, child)
			stack = append(stack, child)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}

// snapshotVersion guards the dump format.
const snapshotVersion = 1

// Node is the serialized form of one device. Numeric ids are hex strings
// so dumps stay greppable against lspci output.
type Node struct {
	VendorID    string            `json:"vendor_id"`
	DeviceID    string            `json:"device_id"`
	SubVendorID string            `json:"subvendor_id"`
	SubDeviceID string            `json:"subdevice_id"`
	ClassCode   string            `json:"class_code"`
	Revision    string            `json:"revision"`
	Driver      string            `json:"driver,omitempty"`
	IOMMUGroup  *int              `json:"iommu_group,omitempty"`
	NUMANode    *int              `json:"numa_node,omitempty"`
	Resources   []sysfs.Resource  `json:"resources,omitempty"`
	Link        map[string]string `json:"link,omitempty"`
	Netdevs     []string          `json:"netdevs,omitempty"`
	ParentAddr  string            `json:"parent_bdf,omitempty"`
}

// Snapshot is a portable devices+edges dump of one enumeration result.
type Snapshot struct {
	Version int             `json:"version"`
	Nodes   map[string]Node `json:"nodes"`
	Edges   [][2]string     `json:"edges"`
	Roots   []string        `json:"roots"`
}

// Capture converts a device map into its serializable form.
func Capture(devs sysfs.DeviceMap) Snapshot {
	snap := Snapshot{
		Version: snapshotVersion,
		Nodes:   make(map[string]Node, len(devs)),
	}
	for _, addr := range devs.Addresses() {
		d := devs[addr]
		n := Node{
			VendorID:    fmt.Sprintf("0x%04x", d.VendorID),
			DeviceID:    fmt.Sprintf("0x%04x", d.DeviceID),
			SubVendorID: fmt.Sprintf("0x%04x", d.SubVendorID),
			SubDeviceID: fmt.Sprintf("0x%04x", d.SubDeviceID),
			ClassCode:   fmt.Sprintf("0x%06x", d.ClassCode),
			Revision:    fmt.Sprintf("0x%02x", d.Revision),
			Driver:      d.Driver,
			Resources:   d.Resources,
			Link:        d.Link,
			Netdevs:     d.Netdevs,
			ParentAddr:  d.ParentAddr,
		}
		if d.IOMMUGroup >= 0 {
			g := d.IOMMUGroup
			n.IOMMUGroup = &g
		}
		if d.NUMANode >= 0 {
			nn := d.NUMANode
			n.NUMANode = &nn
		}
		snap.Nodes[addr] = n

		if d.ParentAddr != "" {
			snap.Edges = append(snap.Edges, [2]string{d.ParentAddr, addr})
		} else {
			snap.Roots = append(snap.Roots, addr)
		}
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i][0] != snap.Edges[j][0] {
			return snap.Edges[i][0] < snap.Edges[j][0]
		}
		return snap.Edges[i][1] < snap.Edges[j][1]
	})
	sort.Strings(snap.Roots)
	return snap
}

// Dump serializes a device map as deterministic JSON.
func Dump(devs sysfs.DeviceMap) ([]byte, error) {
	return json.MarshalIndent(Capture(devs), "", "  ")
}

// DumpYAML serializes a device map as YAML.
func DumpYAML(devs sysfs.DeviceMap) ([]byte, error) {
	return yaml.Marshal(Capture(devs))
}

// Load rebuilds a fully-stitched device map from a JSON or YAML dump.
func Load(data []byte) (sysfs.DeviceMap, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("cannot parse topology snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	devs := make(sysfs.DeviceMap, len(snap.Nodes))
	for addr, n := range snap.Nodes {
		a, err := sysfs.ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", addr, err)
		}
		d := &sysfs.Device{
			Address:    a,
			Driver:     n.Driver,
			IOMMUGroup: -1,
			NUMANode:   -1,
			Resources:  n.Resources,
			Link:       n.Link,
			Netdevs:    n.Netdevs,
			ParentAddr: n.ParentAddr,
		}
		var fields = []struct {
			dst  func(uint64)
			src  string
			bits int
		}{
			{func(v uint64) { d.VendorID = uint16(v) }, n.VendorID, 16},
			{func(v uint64) { d.DeviceID = uint16(v) }, n.DeviceID, 16},
			{func(v uint64) { d.SubVendorID = uint16(v) }, n.SubVendorID, 16},
			{func(v uint64) { d.SubDeviceID = uint16(v) }, n.SubDeviceID, 16},
			{func(v uint64) { d.ClassCode = uint32(v) }, n.ClassCode, 24},
			{func(v uint64) { d.Revision = uint8(v) }, n.Revision, 8},
		}
		for _, f := range fields {
			v, err := parseHex(f.src, f.bits)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", addr, err)
			}
			f.dst(v)
		}
		if n.IOMMUGroup != nil {
			d.IOMMUGroup = *n.IOMMUGroup
		}
		if n.NUMANode != nil {
			d.NUMANode = *n.NUMANode
		}
		devs[addr] = d
	}

	// Stitch children the same way a live scan does.
	for addr, d := range devs {
		if d.ParentAddr == "" {
			continue
		}
		parent, ok := devs[d.ParentAddr]
		if !ok {
			return nil, fmt.Errorf("node %s references missing parent %s", addr, d.ParentAddr)
		}
		parent.ChildAddrs = append(parent.ChildAddrs, addr)
	}
	for _, d := range devs {
		sort.Strings(d.ChildAddrs)
	}
	return devs, nil
}

func parseHex(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, bits)
	if err != nil {
		return 0, fmt.Errorf("bad hex field %q: %w", s, err)
	}
	return v, nil
}
