package pcidb

import (
	"embed"
)

// The bundled tier ships a trimmed pci.ids with the library so lookups work
// on hosts without hwdata installed. A pre-built pci.ids.bin sibling is
// embedded when packaging produced one (pciid convert); its absence simply
// removes that candidate.
const (
	bundledTextName = "data/pci.ids"
	bundledBinName  = "data/pci.ids.bin"
)

//go:embed data
var bundledFS embed.FS

func bundledText() ([]byte, bool) {
	data, err := bundledFS.ReadFile(bundledTextName)
	return data, err == nil && len(data) > 0
}

func bundledBinary() ([]byte, bool) {
	data, err := bundledFS.ReadFile(bundledBinName)
	return data, err == nil && len(data) > 0
}
