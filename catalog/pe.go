package catalog

import (
	"debug/pe"
	"strings"

	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/bin"
	"github.com/mewmew/bridge/disasm"
	"github.com/pkg/errors"
)

// parsePE parses the executable sections and imported symbols of the given PE
// file.
func parsePE(binPath string) (*disasm.Image, []string, error) {
	file, err := pe.Open(binPath)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	defer file.Close()
	var base bin.Addr
	switch optHdr := file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		base = bin.Addr(optHdr.ImageBase)
	case *pe.OptionalHeader64:
		base = bin.Addr(optHdr.ImageBase)
	default:
		return nil, nil, errors.Errorf("unable to locate optional header of %q", binPath)
	}
	var arch abi.Arch
	switch file.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		arch = abi.ArchX86
	case pe.IMAGE_FILE_MACHINE_AMD64:
		arch = abi.ArchX86_64
	case pe.IMAGE_FILE_MACHINE_ARM64:
		arch = abi.ArchAArch64
	default:
		return nil, nil, errors.Errorf("support for PE machine type 0x%04X not yet implemented", file.Machine)
	}
	img := disasm.NewImage(arch)
	for _, sect := range file.Sections {
		if !isExec(sect) {
			continue
		}
		dbg.Printf("=== [ section %q ] ===", sect.Name)
		data, err := sect.Data()
		if err != nil {
			return nil, nil, errors.WithStack(err)
		}
		img.AddSection(&disasm.Section{
			Name: sect.Name,
			Addr: base + bin.Addr(sect.VirtualAddress),
			Data: data,
		})
	}
	syms, err := file.ImportedSymbols()
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	var imports []string
	for _, sym := range syms {
		// Imported symbols are of the form "name:library".
		if pos := strings.IndexByte(sym, ':'); pos != -1 {
			sym = sym[:pos]
		}
		imports = append(imports, sym)
	}
	return img, imports, nil
}

// isExec reports whether the given section is executable.
func isExec(sect *pe.Section) bool {
	const codeMask = 0x00000020
	return sect.Characteristics&codeMask != 0
}
