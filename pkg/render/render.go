// Package render provides output formatting for enumerated PCI devices:
// lspci-compatible lines, human-readable tables, JSON, and a topology tree.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/pcitools/pciid/pkg/pcidb"
	"github.com/pcitools/pciid/pkg/sysfs"
)

// FormatLine renders one device the way lspci does:
//
//	0000:65:00.0 VGA compatible controller [0300]: NVIDIA Corporation GV100GL [1db6] (rev a1)
func FormatLine(db pcidb.Database, d *sysfs.Device) string {
	base, sub, _ := pcidb.UnpackClass(d.ClassCode)
	class16 := d.Class16()

	cname, ok := db.SubclassName(base, sub)
	if !ok {
		cname = fmt.Sprintf("Class %04x", class16)
	}

	vname, vok := db.VendorName(d.VendorID)
	dname, dok := db.DeviceName(d.VendorID, d.DeviceID)

	var desc string
	switch {
	case vok && dok:
		desc = vname + " " + dname
	case vok:
		desc = fmt.Sprintf("%s Device %04x", vname, d.DeviceID)
	case dok:
		desc = fmt.Sprintf("Vendor %04x %s", d.VendorID, dname)
	default:
		desc = fmt.Sprintf("Device [%04x:%04x]", d.VendorID, d.DeviceID)
	}

	rev := ""
	if d.Revision != 0 {
		rev = fmt.Sprintf(" (rev %02x)", d.Revision)
	}

	return fmt.Sprintf("%s %s [%04x]: %s [%04x:%04x]%s",
		d.Address, cname, class16, desc, d.VendorID, d.DeviceID, rev)
}

// FormatLineNumeric renders one device the way lspci -n does:
//
//	0000:65:00.0 0302: 10de:1db6 (rev a1)
func FormatLineNumeric(d *sysfs.Device) string {
	rev := ""
	if d.Revision != 0 {
		rev = fmt.Sprintf(" (rev %02x)", d.Revision)
	}
	return fmt.Sprintf("%s %04x: %04x:%04x%s",
		d.Address, d.Class16(), d.VendorID, d.DeviceID, rev)
}

// PrintLspci writes one FormatLine per device, sorted by address. With
// verbose set, each line is followed by indented detail lines.
func PrintLspci(w io.Writer, db pcidb.Database, devs sysfs.DeviceMap, verbose bool) {
	for _, addr := range devs.Addresses() {
		d := devs[addr]
		fmt.Fprintln(w, FormatLine(db, d))
		if verbose {
			printDetail(w, db, d)
		}
	}
}

// PrintLspciNumeric writes one numeric line per device, sorted by address.
// No database is needed.
func PrintLspciNumeric(w io.Writer, devs sysfs.DeviceMap) {
	for _, addr := range devs.Addresses() {
		fmt.Fprintln(w, FormatLineNumeric(devs[addr]))
	}
}

// printDetail emits lspci -v style detail lines for one device.
func printDetail(w io.Writer, db pcidb.Database, d *sysfs.Device) {
	if d.SubVendorID != 0 || d.SubDeviceID != 0 {
		if name, ok := db.SubsystemName(d.VendorID, d.DeviceID, d.SubVendorID, d.SubDeviceID); ok {
			fmt.Fprintf(w, "\tSubsystem: %s [%04x:%04x]\n", name, d.SubVendorID, d.SubDeviceID)
		} else {
			fmt.Fprintf(w, "\tSubsystem: Device [%04x:%04x]\n", d.SubVendorID, d.SubDeviceID)
		}
	}
	for _, r := range d.Resources {
		fmt.Fprintf(w, "\t%s\n", r)
	}
	if speed, ok := d.Link["current_link_speed"]; ok {
		width := d.Link["current_link_width"]
		fmt.Fprintf(w, "\tLink: %s x%s\n", speed, width)
	}
	if d.Driver != "" {
		fmt.Fprintf(w, "\tKernel driver in use: %s\n", d.Driver)
	}
	if len(d.Netdevs) > 0 {
		fmt.Fprintf(w, "\tNetwork interfaces: %s\n", strings.Join(d.Netdevs, ", "))
	}
}

// PrintTable renders enumerated devices as a human-readable table.
func PrintTable(w io.Writer, db pcidb.Database, devs sysfs.DeviceMap) {
	table := tablewriter.NewTable(w)
	table.Header("ADDRESS", "CLASS", "VENDOR", "DEVICE", "DRIVER")
	for _, addr := range devs.Addresses() {
		d := devs[addr]
		base, sub, _ := pcidb.UnpackClass(d.ClassCode)

		cname, ok := db.SubclassName(base, sub)
		if !ok {
			cname = fmt.Sprintf("[%04x]", d.Class16())
		}
		vname, ok := db.VendorName(d.VendorID)
		if !ok {
			vname = fmt.Sprintf("[%04x]", d.VendorID)
		}
		dname, ok := db.DeviceName(d.VendorID, d.DeviceID)
		if !ok {
			dname = fmt.Sprintf("[%04x]", d.DeviceID)
		}
		driver := d.Driver
		if driver == "" {
			driver = "(none)"
		}
		table.Append(addr, cname, vname, dname, driver)
	}
	table.Render()
}

// DeviceJSON is the JSON representation of one enumerated device.
type DeviceJSON struct {
	Address    string `json:"address"`
	VendorID   string `json:"vendor_id"`
	DeviceID   string `json:"device_id"`
	ClassCode  string `json:"class_code"`
	VendorName string `json:"vendor_name,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	ClassName  string `json:"class_name,omitempty"`
	Driver     string `json:"driver,omitempty"`
	Parent     string `json:"parent,omitempty"`
}

// PrintJSON renders enumerated devices, with resolved names, as JSON.
func PrintJSON(w io.Writer, db pcidb.Database, devs sysfs.DeviceMap) error {
	out := make([]DeviceJSON, 0, len(devs))
	for _, addr := range devs.Addresses() {
		d := devs[addr]
		j := DeviceJSON{
			Address:   addr,
			VendorID:  fmt.Sprintf("0x%04x", d.VendorID),
			DeviceID:  fmt.Sprintf("0x%04x", d.DeviceID),
			ClassCode: fmt.Sprintf("0x%06x", d.ClassCode),
			Driver:    d.Driver,
			Parent:    d.ParentAddr,
		}
		if name, ok := db.VendorName(d.VendorID); ok {
			j.VendorName = name
		}
		if name, ok := db.DeviceName(d.VendorID, d.DeviceID); ok {
			j.DeviceName = name
		}
		if name, ok := db.ClassNameFromCode(d.ClassCode); ok {
			j.ClassName = name
		}
		out = append(out, j)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// PrintTree renders the parent/child topology as an indented tree rooted at
// the parentless devices.
func PrintTree(w io.Writer, db pcidb.Database, devs sysfs.DeviceMap) {
	for _, root := range devs.Roots() {
		printSubtree(w, db, devs, root, 0, map[string]bool{})
	}
}

func printSubtree(w io.Writer, db pcidb.Database, devs sysfs.DeviceMap, d *sysfs.Device, depth int, seen map[string]bool) {
	addr := d.Address.String()
	if seen[addr] {
		return
	}
	seen[addr] = true

	fmt.Fprintf(w, "%s%s %s\n", strings.Repeat("  ", depth), addr,
		pcidb.Describe(db, d.VendorID, d.DeviceID, d.ClassCode))
	for _, child := range devs.Children(d) {
		printSubtree(w, db, devs, child, depth+1, seen)
	}
}
