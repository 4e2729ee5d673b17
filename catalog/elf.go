package catalog

import (
	"debug/elf"

	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/bin"
	"github.com/mewmew/bridge/disasm"
	"github.com/pkg/errors"
)

// parseELF parses the executable sections and imported symbols of the given
// ELF file.
func parseELF(binPath string) (*disasm.Image, []string, error) {
	file, err := elf.Open(binPath)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	defer file.Close()
	var arch abi.Arch
	switch file.Machine {
	case elf.EM_386:
		arch = abi.ArchX86
	case elf.EM_X86_64:
		arch = abi.ArchX86_64
	case elf.EM_AARCH64:
		arch = abi.ArchAArch64
	default:
		return nil, nil, errors.Errorf("support for ELF machine type %v not yet implemented", file.Machine)
	}
	img := disasm.NewImage(arch)
	for _, sect := range file.Sections {
		if sect.Type != elf.SHT_PROGBITS || sect.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		dbg.Printf("=== [ section %q ] ===", sect.Name)
		data, err := sect.Data()
		if err != nil {
			return nil, nil, errors.WithStack(err)
		}
		img.AddSection(&disasm.Section{
			Name: sect.Name,
			Addr: bin.Addr(sect.Addr),
			Data: data,
		})
	}
	syms, err := file.ImportedSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, nil, errors.WithStack(err)
	}
	var imports []string
	for _, sym := range syms {
		imports = append(imports, sym.Name)
	}
	return img, imports, nil
}
