package catalog

import (
	"bytes"
	"io"
	"os"

	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/disasm"
	"github.com/pkg/errors"
)

// AddImage scans the given binary executable (PE or ELF), recording its
// executable sections for entry point validation and adding imported symbols
// not yet present in the catalog as external objects of unknown arity.
func (c *Catalog) AddImage(binPath string) error {
	dbg.Printf("AddImage(binPath = %q)", binPath)
	magic, err := readMagic(binPath)
	if err != nil {
		return errors.WithStack(err)
	}
	var (
		img     *disasm.Image
		imports []string
	)
	switch {
	case bytes.HasPrefix(magic, []byte("MZ")):
		img, imports, err = parsePE(binPath)
	case bytes.HasPrefix(magic, []byte("\x7FELF")):
		img, imports, err = parseELF(binPath)
	default:
		return errors.Errorf("unable to identify file format of %q", binPath)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	if img.Arch != c.Arch {
		return errors.Errorf("architecture mismatch of %q; expected %v, got %v", binPath, c.Arch, img.Arch)
	}
	c.img = img
	for _, name := range imports {
		if _, ok := c.names[name]; ok {
			continue
		}
		ext := &NativeObject{
			Name:  name,
			Class: External,
			Args:  abi.UnknownArity,
		}
		warn.Printf("imported symbol %q missing from catalog; assuming unknown arity", name)
		if err := c.Add(ext); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// ### [ Helper functions ] ####################################################

// readMagic returns the leading bytes of the given file.
func readMagic(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	buf := make([]byte, 4)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, errors.WithStack(err)
	}
	return buf[:n], nil
}
