// Package disasm decodes the native code at entry points of binary
// executables.
package disasm

import (
	"encoding/hex"
	"log"
	"os"
	"sort"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/bin"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "disasm:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("disasm:")+" ", 0)
)

// Maximum number of instructions decoded when validating an entry point.
const maxInsts = 64

// Section is a contiguous region of executable code.
type Section struct {
	// Section name.
	Name string
	// Start address of the section.
	Addr bin.Addr
	// Section contents.
	Data []byte
}

// Contains reports whether the given address is located within the section.
func (sect *Section) Contains(addr bin.Addr) bool {
	return sect.Addr <= addr && addr < sect.Addr+bin.Addr(len(sect.Data))
}

// Image is the executable code of a binary executable.
type Image struct {
	// Machine architecture.
	Arch abi.Arch
	// Executable sections sorted by start address.
	Sects []*Section
}

// NewImage returns a new code image of the given architecture.
func NewImage(arch abi.Arch) *Image {
	return &Image{Arch: arch}
}

// AddSection adds the executable section to the image.
func (img *Image) AddSection(sect *Section) {
	img.Sects = append(img.Sects, sect)
	less := func(i, j int) bool {
		return img.Sects[i].Addr < img.Sects[j].Addr
	}
	sort.Slice(img.Sects, less)
}

// Section returns the executable section containing the given address.
func (img *Image) Section(addr bin.Addr) (*Section, bool) {
	i := sort.Search(len(img.Sects), func(i int) bool {
		return img.Sects[i].Addr+bin.Addr(len(img.Sects[i].Data)) > addr
	})
	if i < len(img.Sects) && img.Sects[i].Contains(addr) {
		return img.Sects[i], true
	}
	return nil, false
}

// Inst is a decoded native instruction.
type Inst struct {
	// Address of instruction.
	Addr bin.Addr
	// Length of instruction in bytes.
	Len int
	// Instruction terminates the basic block.
	Term bool
	// Assembly representation of instruction.
	Text string
}

// ValidEntry reports whether the given address is the entry point of native
// code; i.e. it is located in an executable section and decodes into valid
// instructions up to the first terminator, the end of the object bounds
// (size, if non-zero) or the end of the section, whichever comes first.
func (img *Image) ValidEntry(entry bin.Addr, size uint64) error {
	sect, ok := img.Section(entry)
	if !ok {
		return errors.Errorf("unable to locate executable section containing address %v", entry)
	}
	end := sect.Addr + bin.Addr(len(sect.Data))
	if size != 0 && entry+bin.Addr(size) < end {
		end = entry + bin.Addr(size)
	}
	addr := entry
	for i := 0; i < maxInsts && addr < end; i++ {
		src := sect.Data[addr-sect.Addr : end-sect.Addr]
		inst, err := img.decodeInst(addr, src)
		if err != nil {
			return errors.WithStack(err)
		}
		if inst.Term {
			break
		}
		addr += bin.Addr(inst.Len)
	}
	return nil
}

// Decode decodes the native instruction at the given address.
func (img *Image) Decode(addr bin.Addr) (*Inst, error) {
	sect, ok := img.Section(addr)
	if !ok {
		return nil, errors.Errorf("unable to locate executable section containing address %v", addr)
	}
	return img.decodeInst(addr, sect.Data[addr-sect.Addr:])
}

// decodeInst decodes the leading bytes in src as a single instruction, and
// annotates the instruction with the given address.
func (img *Image) decodeInst(addr bin.Addr, src []byte) (*Inst, error) {
	var (
		inst *Inst
		err  error
	)
	switch img.Arch {
	case abi.ArchX86:
		inst, err = decodeX86(addr, src, 32)
	case abi.ArchX86_64:
		inst, err = decodeX86(addr, src, 64)
	case abi.ArchAArch64:
		inst, err = decodeAArch64(addr, src)
	default:
		return nil, errors.Errorf("support for architecture %v not yet implemented", img.Arch)
	}
	if err != nil {
		end := 16
		if end > len(src) {
			end = len(src)
		}
		dbg.Printf("undecodable bytes at %v:\n%s", addr, hex.Dump(src[:end]))
		return nil, errors.Errorf("unable to decode instruction at address %v; %v", addr, err)
	}
	return inst, nil
}
