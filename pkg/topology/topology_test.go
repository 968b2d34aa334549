package topology

import (
	"reflect"
	"testing"

	"github.com/pcitools/pciid/pkg/sysfs"
)

// fixtureMap builds this topology by hand:
//
//	0000:00:01.0 (bridge)
//	├── 0000:65:00.0
//	├── 0000:66:00.0
//	└── 0000:02:00.0 (nested bridge)
//	    └── 0000:67:00.0
//	0000:00:1f.0 (root endpoint)
func fixtureMap(t *testing.T) sysfs.DeviceMap {
	t.Helper()
	devs := make(sysfs.DeviceMap)

	add := func(addr, parent string, vendor, device uint16, class uint32) *sysfs.Device {
		a, err := sysfs.ParseAddress(addr)
		if err != nil {
			t.Fatal(err)
		}
		d := &sysfs.Device{
			Address:    a,
			VendorID:   vendor,
			DeviceID:   device,
			ClassCode:  class,
			IOMMUGroup: -1,
			NUMANode:   -1,
			ParentAddr: parent,
		}
		devs[addr] = d
		if parent != "" {
			devs[parent].ChildAddrs = append(devs[parent].ChildAddrs, addr)
		}
		return d
	}

	add("0000:00:01.0", "", 0x8086, 0x2448, 0x060400)
	add("0000:65:00.0", "0000:00:01.0", 0x10de, 0x1db6, 0x030200)
	add("0000:66:00.0", "0000:00:01.0", 0x1af4, 0x1000, 0x020000)
	add("0000:02:00.0", "0000:00:01.0", 0x8086, 0x2448, 0x060400)
	add("0000:67:00.0", "0000:02:00.0", 0x144d, 0xa808, 0x010802)
	add("0000:00:1f.0", "", 0x8086, 0x1237, 0x040300)
	return devs
}

func addrs(devs []*sysfs.Device) []string {
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.Address.String()
	}
	return out
}

func TestSBRAffected_RootDevice(t *testing.T) {
	devs := fixtureMap(t)

	// A root device has no upstream bridge; resetting it affects only
	// itself.
	got := SBRAffected(devs, devs["0000:00:1f.0"])
	if want := []string{"0000:00:1f.0"}; !reflect.DeepEqual(addrs(got), want) {
		t.Errorf("SBRAffected(root) = %v, want %v", addrs(got), want)
	}
}

func TestSBRAffected_Sibling(t *testing.T) {
	devs := fixtureMap(t)

	// Resetting through the top bridge takes down every descendant,
	// including the nested bridge's subtree, but never the bridge itself.
	got := addrs(SBRAffected(devs, devs["0000:65:00.0"]))
	want := []string{"0000:02:00.0", "0000:65:00.0", "0000:66:00.0", "0000:67:00.0"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SBRAffected = %v, want %v", got, want)
	}
}

func TestSBRAffected_NestedChild(t *testing.T) {
	devs := fixtureMap(t)

	// The NVMe device under the nested bridge only shares a reset domain
	// with that bridge's subtree.
	got := addrs(SBRAffected(devs, devs["0000:67:00.0"]))
	if want := []string{"0000:67:00.0"}; !reflect.DeepEqual(got, want) {
		t.Errorf("SBRAffected(nested child) = %v, want %v", got, want)
	}
}

func TestSBRAffected_CyclicSnapshot(t *testing.T) {
	devs := fixtureMap(t)

	// A corrupt dump could contain a cycle; traversal must still terminate.
	devs["0000:67:00.0"].ChildAddrs = []string{"0000:00:01.0"}
	got := SBRAffected(devs, devs["0000:65:00.0"])
	if len(got) == 0 {
		t.Error("traversal over cyclic snapshot returned nothing")
	}
}

func TestDumpLoad_RoundTrip(t *testing.T) {
	devs := fixtureMap(t)
	gpu := devs["0000:65:00.0"]
	gpu.SubVendorID = 0x10de
	gpu.SubDeviceID = 0x124a
	gpu.Revision = 0xa1
	gpu.Driver = "nouveau"
	gpu.IOMMUGroup = 7
	gpu.NUMANode = 0
	gpu.Resources = []sysfs.Resource{{Index: 0, Start: 0xf2000000, End: 0xf2ffffff, Flags: 0x00040200}}
	gpu.Link = map[string]string{"current_link_speed": "8.0 GT/s PCIe"}
	gpu.Netdevs = []string{"enp101s0"}

	for _, dump := range []func(sysfs.DeviceMap) ([]byte, error){Dump, DumpYAML} {
		data, err := dump(devs)
		if err != nil {
			t.Fatalf("dump failed: %v", err)
		}
		loaded, err := Load(data)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if !reflect.DeepEqual(loaded.Addresses(), devs.Addresses()) {
			t.Fatalf("addresses = %v, want %v", loaded.Addresses(), devs.Addresses())
		}
		got := loaded["0000:65:00.0"]
		if got.VendorID != gpu.VendorID || got.SubDeviceID != gpu.SubDeviceID ||
			got.ClassCode != gpu.ClassCode || got.Revision != gpu.Revision {
			t.Errorf("loaded ids differ: %+v", got)
		}
		if got.Driver != "nouveau" || got.IOMMUGroup != 7 || got.NUMANode != 0 {
			t.Errorf("loaded attributes differ: %+v", got)
		}
		if !reflect.DeepEqual(got.Resources, gpu.Resources) {
			t.Errorf("loaded resources = %+v", got.Resources)
		}

		// The parent/child graph is restitched, so reset domains match.
		want := addrs(SBRAffected(devs, gpu))
		if got := addrs(SBRAffected(loaded, got)); !reflect.DeepEqual(got, want) {
			t.Errorf("reset domain after round trip = %v, want %v", got, want)
		}
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not a snapshot", "]["},
		{"wrong version", `{"version": 99, "nodes": {}}`},
		{
			"missing parent",
			`{"version": 1, "nodes": {"0000:65:00.0": {
				"vendor_id": "0x10de", "device_id": "0x1db6",
				"subvendor_id": "0x0000", "subdevice_id": "0x0000",
				"class_code": "0x030200", "revision": "0x00",
				"parent_bdf": "0000:00:01.0"}}}`,
		},
		{
			"bad hex field",
			`{"version": 1, "nodes": {"0000:65:00.0": {
				"vendor_id": "zz", "device_id": "0x1db6",
				"subvendor_id": "0x0000", "subdevice_id": "0x0000",
				"class_code": "0x030200", "revision": "0x00"}}}`,
		},
		{
			"bad address key",
			`{"version": 1, "nodes": {"65:00.0": {
				"vendor_id": "0x10de", "device_id": "0x1db6",
				"subvendor_id": "0x0000", "subdevice_id": "0x0000",
				"class_code": "0x030200", "revision": "0x00"}}}`,
		},
	}
	for _, tt := range tests {
		if _, err := Load([]byte(tt.data)); err == nil {
			t.Errorf("%s: Load should fail", tt.name)
		}
	}
}

func TestCapture_EdgesAndRoots(t *testing.T) {
	snap := Capture(fixtureMap(t))

	if snap.Version != snapshotVersion {
		t.Errorf("version = %d", snap.Version)
	}
	wantRoots := []string{"0000:00:01.0", "0000:00:1f.0"}
	if !reflect.DeepEqual(snap.Roots, wantRoots) {
		t.Errorf("roots = %v, want %v", snap.Roots, wantRoots)
	}
	wantEdges := [][2]string{
		{"0000:00:01.0", "0000:02:00.0"},
		{"0000:00:01.0", "0000:65:00.0"},
		{"0000:00:01.0", "0000:66:00.0"},
		{"0000:02:00.0", "0000:67:00.0"},
	}
	if !reflect.DeepEqual(snap.Edges, wantEdges) {
		t.Errorf("edges = %v, want %v", snap.Edges, wantEdges)
	}
}
