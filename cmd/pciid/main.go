// pciid is a CLI for the PCI ID database and sysfs topology library. It
// resolves vendor/device/class identifiers to names, lists and renders the
// live PCI tree, computes secondary-bus-reset impact sets, and converts the
// text pci.ids into the indexed binary format.
//
// Usage:
//
//	pciid list --output table
//	pciid tree
//	pciid lookup --vendor 10de --device 1db6
//	pciid sbr 0000:65:00.0
//	pciid convert /usr/share/hwdata/pci.ids pci.ids.bin
//	pciid doctor --strict
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pcitools/pciid/pkg/doctor"
	"github.com/pcitools/pciid/pkg/pcidb"
	"github.com/pcitools/pciid/pkg/render"
	"github.com/pcitools/pciid/pkg/sysfs"
	"github.com/pcitools/pciid/pkg/topology"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "pciid",
		Short: "PCI ID lookup and bus topology tool",
		Long:  "A tool for resolving PCI vendor/device/class identifiers against the pci.ids database and inspecting the sysfs PCI bus topology.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	root.AddCommand(
		newListCmd(),
		newTreeCmd(),
		newLookupCmd(),
		newSBRCmd(),
		newConvertCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  list
// ──────────────────────────────────────────────

func newListCmd() *cobra.Command {
	var (
		db        string
		sysfsRoot string
		vendor    string
		device    string
		verbose   bool
		numeric   bool
		output    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List PCI devices with resolved names",
		RunE: func(cmd *cobra.Command, args []string) error {
			if device != "" && vendor == "" {
				return fmt.Errorf("--device requires --vendor")
			}

			devs, err := sysfs.NewEnumerator(sysfsRoot).Scan()
			if err != nil {
				return fmt.Errorf("enumeration failed: %w", err)
			}

			if vendor != "" {
				vid, err := parseID(vendor, 16)
				if err != nil {
					return fmt.Errorf("invalid --vendor: %w", err)
				}
				if device != "" {
					did, err := parseID(device, 16)
					if err != nil {
						return fmt.Errorf("invalid --device: %w", err)
					}
					devs = subsetMap(devs.FindByVendorDevice(uint16(vid), uint16(did)))
				} else {
					devs = subsetMap(devs.FindByVendor(uint16(vid)))
				}
			}

			// Numeric output needs no database at all.
			if numeric {
				render.PrintLspciNumeric(cmd.OutOrStdout(), devs)
				return nil
			}

			database, err := pcidb.Open(db)
			if err != nil {
				return fmt.Errorf("database resolution failed: %w", err)
			}
			defer database.Close()

			switch output {
			case "json":
				return render.PrintJSON(cmd.OutOrStdout(), database, devs)
			case "table":
				render.PrintTable(cmd.OutOrStdout(), database, devs)
			default:
				render.PrintLspci(cmd.OutOrStdout(), database, devs, verbose)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "Database path (auto-discovered if omitted)")
	cmd.Flags().StringVar(&sysfsRoot, "sysfs", "", "Sysfs PCI device directory (default /sys/bus/pci/devices)")
	cmd.Flags().StringVar(&vendor, "vendor", "", "Only devices with this vendor id (hex)")
	cmd.Flags().StringVar(&device, "device", "", "Only devices with this device id (hex, requires --vendor)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show per-device detail lines (lspci output only)")
	cmd.Flags().BoolVarP(&numeric, "numeric", "n", false, "Show numeric ids instead of names")
	cmd.Flags().StringVar(&output, "output", "lspci", "Output format (lspci|table|json)")

	cmd.MarkFlagsMutuallyExclusive("numeric", "verbose")
	cmd.MarkFlagsMutuallyExclusive("numeric", "output")

	return cmd
}

// ──────────────────────────────────────────────
//  tree
// ──────────────────────────────────────────────

func newTreeCmd() *cobra.Command {
	var (
		db        string
		sysfsRoot string
		fromDump  string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Render the PCI bus topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			var devs sysfs.DeviceMap
			if fromDump != "" {
				data, err := os.ReadFile(fromDump)
				if err != nil {
					return err
				}
				devs, err = topology.Load(data)
				if err != nil {
					return fmt.Errorf("cannot load topology dump: %w", err)
				}
			} else {
				var err error
				devs, err = sysfs.NewEnumerator(sysfsRoot).Scan()
				if err != nil {
					return fmt.Errorf("enumeration failed: %w", err)
				}
			}

			switch output {
			case "json":
				data, err := topology.Dump(devs)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			case "yaml":
				data, err := topology.DumpYAML(devs)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			default:
				database, err := pcidb.Open(db)
				if err != nil {
					return fmt.Errorf("database resolution failed: %w", err)
				}
				defer database.Close()
				render.PrintTree(cmd.OutOrStdout(), database, devs)
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "Database path (auto-discovered if omitted)")
	cmd.Flags().StringVar(&sysfsRoot, "sysfs", "", "Sysfs PCI device directory (default /sys/bus/pci/devices)")
	cmd.Flags().StringVar(&fromDump, "from-dump", "", "Render from a topology dump file instead of scanning")
	cmd.Flags().StringVar(&output, "output", "tree", "Output format (tree|json|yaml)")

	cmd.MarkFlagsMutuallyExclusive("sysfs", "from-dump")

	return cmd
}

// ──────────────────────────────────────────────
//  lookup
// ──────────────────────────────────────────────

func newLookupCmd() *cobra.Command {
	var (
		db        string
		vendor    string
		device    string
		subvendor string
		subdevice string
		class     string
	)

	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Resolve PCI identifiers to names",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := pcidb.Open(db)
			if err != nil {
				return fmt.Errorf("database resolution failed: %w", err)
			}
			defer database.Close()

			out := cmd.OutOrStdout()
			found := true

			if class != "" {
				code, err := parseID(class, 24)
				if err != nil {
					return fmt.Errorf("invalid --class: %w", err)
				}
				if name, ok := database.ClassNameFromCode(uint32(code)); ok {
					fmt.Fprintf(out, "Class:  %s\n", name)
				} else {
					fmt.Fprintf(out, "Class:  [%06x] (unknown)\n", code)
					found = false
				}
			}

			if vendor != "" {
				vid, err := parseID(vendor, 16)
				if err != nil {
					return fmt.Errorf("invalid --vendor: %w", err)
				}
				if name, ok := database.VendorName(uint16(vid)); ok {
					fmt.Fprintf(out, "Vendor: %s\n", name)
				} else {
					fmt.Fprintf(out, "Vendor: [%04x] (unknown)\n", vid)
					found = false
				}

				if device != "" {
					did, err := parseID(device, 16)
					if err != nil {
						return fmt.Errorf("invalid --device: %w", err)
					}
					if name, ok := database.DeviceName(uint16(vid), uint16(did)); ok {
						fmt.Fprintf(out, "Device: %s\n", name)
					} else {
						fmt.Fprintf(out, "Device: [%04x] (unknown)\n", did)
						found = false
					}

					if subvendor != "" && subdevice != "" {
						svid, err := parseID(subvendor, 16)
						if err != nil {
							return fmt.Errorf("invalid --subvendor: %w", err)
						}
						sdid, err := parseID(subdevice, 16)
						if err != nil {
							return fmt.Errorf("invalid --subdevice: %w", err)
						}
						if name, ok := database.SubsystemName(uint16(vid), uint16(did), uint16(svid), uint16(sdid)); ok {
							fmt.Fprintf(out, "Subsystem: %s\n", name)
						} else {
							fmt.Fprintf(out, "Subsystem: [%04x:%04x] (unknown)\n", svid, sdid)
							found = false
						}
					}
				}
			}

			if !found {
				os.Exit(exitRuntimeError)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "Database path (auto-discovered if omitted)")
	cmd.Flags().StringVar(&vendor, "vendor", "", "Vendor id (hex)")
	cmd.Flags().StringVar(&device, "device", "", "Device id (hex, requires --vendor)")
	cmd.Flags().StringVar(&subvendor, "subvendor", "", "Subsystem vendor id (hex)")
	cmd.Flags().StringVar(&subdevice, "subdevice", "", "Subsystem device id (hex)")
	cmd.Flags().StringVar(&class, "class", "", "24-bit class code (hex, e.g. 0c0330)")

	cmd.MarkFlagsOneRequired("vendor", "class")
	cmd.MarkFlagsRequiredTogether("subvendor", "subdevice")

	return cmd
}

// ──────────────────────────────────────────────
//  sbr
// ──────────────────────────────────────────────

func newSBRCmd() *cobra.Command {
	var (
		db        string
		sysfsRoot string
		fromDump  string
	)

	cmd := &cobra.Command{
		Use:   "sbr ADDRESS",
		Short: "Show devices affected by a secondary bus reset",
		Long:  "Lists every device that shares the given device's secondary-bus-reset domain: the device itself plus everything downstream of its upstream bridge.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := sysfs.ParseAddress(args[0])
			if err != nil {
				return err
			}

			var devs sysfs.DeviceMap
			if fromDump != "" {
				data, err := os.ReadFile(fromDump)
				if err != nil {
					return err
				}
				devs, err = topology.Load(data)
				if err != nil {
					return fmt.Errorf("cannot load topology dump: %w", err)
				}
			} else {
				devs, err = sysfs.NewEnumerator(sysfsRoot).Scan()
				if err != nil {
					return fmt.Errorf("enumeration failed: %w", err)
				}
			}

			origin, ok := devs[addr.String()]
			if !ok {
				return fmt.Errorf("device %s not found", addr)
			}

			database, err := pcidb.Open(db)
			if err != nil {
				return fmt.Errorf("database resolution failed: %w", err)
			}
			defer database.Close()

			for _, d := range topology.SBRAffected(devs, origin) {
				fmt.Fprintln(cmd.OutOrStdout(), render.FormatLine(database, d))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "Database path (auto-discovered if omitted)")
	cmd.Flags().StringVar(&sysfsRoot, "sysfs", "", "Sysfs PCI device directory (default /sys/bus/pci/devices)")
	cmd.Flags().StringVar(&fromDump, "from-dump", "", "Compute from a topology dump file instead of scanning")

	cmd.MarkFlagsMutuallyExclusive("sysfs", "from-dump")

	return cmd
}

// ──────────────────────────────────────────────
//  convert
// ──────────────────────────────────────────────

func newConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert INPUT OUTPUT",
		Short: "Convert a text pci.ids into the indexed binary format",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := pcidb.Convert(args[0], args[1]); err != nil {
				return fmt.Errorf("conversion failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Binary database written to %s\n", args[1])
			return nil
		},
	}
	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd() *cobra.Command {
	var (
		db        string
		sysfsRoot string
		strict    bool
		showPass  bool
		output    string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := doctor.Diagnose(db, sysfsRoot)

			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), report, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), report, showPass)
			}

			// Exit code strategy
			if report.HasFail {
				os.Exit(exitRuntimeError)
			}
			if strict && report.HasWarn {
				os.Exit(exitRuntimeError)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "Database path (auto-discovered if omitted)")
	cmd.Flags().StringVar(&sysfsRoot, "sysfs", "", "Sysfs PCI device directory (default /sys/bus/pci/devices)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pciid %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

// parseID parses a hex identifier with an optional 0x prefix.
func parseID(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, bits)
	if err != nil {
		return 0, fmt.Errorf("bad hex identifier %q", s)
	}
	return v, nil
}

// subsetMap rebuilds a device map from a filtered slice so the render
// helpers keep working on their usual type.
func subsetMap(devs []*sysfs.Device) sysfs.DeviceMap {
	out := make(sysfs.DeviceMap, len(devs))
	for _, d := range devs {
		out[d.Address.String()] = d
	}
	return out
}
