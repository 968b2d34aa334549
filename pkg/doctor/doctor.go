// Package doctor provides environment diagnostics.
// It checks PCI ID database availability, sysfs enumeration health,
// bus topology consistency, and name resolution coverage.
package doctor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/pcitools/pciid/pkg/pcidb"
	"github.com/pcitools/pciid/pkg/sysfs"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for a device or the whole host.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// Diagnose runs all host checks. dbPath and sysfsRoot mirror the CLI
// overrides; empty strings mean the default discovery policy and
// /sys/bus/pci/devices.
func Diagnose(dbPath, sysfsRoot string) *Report {
	report := &Report{}

	db := checkDatabase(report, dbPath)
	if db != nil {
		defer db.Close()
	}

	devs := checkSysfs(report, sysfsRoot)
	if devs != nil {
		checkTopology(report, devs)
	}
	if db != nil && devs != nil {
		checkNaming(report, db, devs)
	}
	return report
}

// checkDatabase reports which source tiers exist on this host and resolves
// a database through the normal discovery policy.
func checkDatabase(report *Report, dbPath string) pcidb.Database {
	for _, p := range []string{pcidb.DefaultSystemBinPath, pcidb.DefaultSystemTextPath} {
		if _, err := os.Stat(p); err == nil {
			report.add(CheckResult{
				Check:    "system_database",
				Severity: Pass,
				Message:  fmt.Sprintf("System database present: %s", p),
			})
		} else {
			report.add(CheckResult{
				Check:    "system_database",
				Severity: Warn,
				Message:  fmt.Sprintf("System database not installed: %s", p),
			})
		}
	}

	db, src, err := pcidb.OpenWithSource(pcidb.EnvOptions(dbPath))
	if err != nil {
		report.add(CheckResult{
			Check:    "database",
			Severity: Fail,
			Message:  fmt.Sprintf("No usable PCI ID database: %v", err),
		})
		return nil
	}
	report.add(CheckResult{
		Check:    "database",
		Severity: Pass,
		Message:  fmt.Sprintf("Database resolved via %s (%s)", src.Kind, src.Ref),
	})
	return db
}

// checkSysfs enumerates the PCI tree and reports scan health.
func checkSysfs(report *Report, sysfsRoot string) sysfs.DeviceMap {
	enum := sysfs.NewEnumerator(sysfsRoot)
	devs, err := enum.Scan()
	if err != nil {
		report.add(CheckResult{
			Check:    "sysfs",
			Severity: Fail,
			Message:  fmt.Sprintf("Cannot enumerate PCI devices: %v", err),
		})
		return nil
	}
	if len(devs) == 0 {
		report.add(CheckResult{
			Check:    "sysfs",
			Severity: Warn,
			Message:  fmt.Sprintf("No PCI devices found under %s", enum.Root),
		})
		return devs
	}
	report.add(CheckResult{
		Check:    "sysfs",
		Severity: Pass,
		Message:  fmt.Sprintf("Enumerated %d PCI device(s)", len(devs)),
	})
	if n := enum.Skipped(); n > 0 {
		report.add(CheckResult{
			Check:    "sysfs",
			Severity: Warn,
			Message:  fmt.Sprintf("Skipped %d device entries with unreadable attributes", n),
		})
	}
	return devs
}

// checkTopology verifies the parent/child graph is mutually consistent.
func checkTopology(report *Report, devs sysfs.DeviceMap) {
	if len(devs) == 0 {
		return
	}
	roots := devs.Roots()
	if len(roots) == 0 {
		report.add(CheckResult{
			Check:    "topology",
			Severity: Fail,
			Message:  "No root devices: every device claims a parent",
		})
		return
	}
	for _, addr := range devs.Addresses() {
		d := devs[addr]
		parent := devs.Parent(d)
		if d.ParentAddr != "" && parent == nil {
			report.add(CheckResult{
				Check:    "topology",
				Severity: Warn,
				Message:  fmt.Sprintf("Parent %s not in scan", d.ParentAddr),
				Device:   addr,
			})
		}
	}
	report.add(CheckResult{
		Check:    "topology",
		Severity: Pass,
		Message:  fmt.Sprintf("%d root device(s), parent links consistent", len(roots)),
	})
}

// checkNaming warns about devices whose vendor the database cannot name; a
// long list usually means a stale pci.ids or the trimmed bundled subset.
func checkNaming(report *Report, db pcidb.Database, devs sysfs.DeviceMap) {
	var unnamed []string
	for _, addr := range devs.Addresses() {
		if _, ok := db.VendorName(devs[addr].VendorID); !ok {
			unnamed = append(unnamed, addr)
		}
	}
	if len(unnamed) == 0 {
		report.add(CheckResult{
			Check:    "naming",
			Severity: Pass,
			Message:  "All device vendors resolve to names",
		})
		return
	}
	report.add(CheckResult{
		Check:    "naming",
		Severity: Warn,
		Message: fmt.Sprintf("%d device(s) with unknown vendor (stale or trimmed database): %s",
			len(unnamed), strings.Join(unnamed, ", ")),
	})
}

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		status := fmt.Sprintf("%s %s", marker, r.Severity)
		table.Append(status, r.Check, dev, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines multiple reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}
