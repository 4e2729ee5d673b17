package catalog

import (
	"log"
	"os"
	"sort"

	"github.com/mewkiz/pkg/jsonutil"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/bin"
	"github.com/mewmew/bridge/disasm"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "catalog:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("catalog:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Catalog is a registry of native objects. It is immutable once frozen.
type Catalog struct {
	// Machine architecture.
	Arch abi.Arch
	// Operating system (e.g. "linux", "windows").
	OS string
	// Default calling convention name.
	Conv string

	// Maps from object identity to native object.
	objs map[ID]*NativeObject
	// Maps from symbol name to native object.
	names map[string]*NativeObject
	// Executable code of the binary; nil if unknown.
	img *disasm.Image
	// Catalog is immutable.
	frozen bool
}

// New returns a new empty catalog of the given architecture and operating
// system.
func New(arch abi.Arch, os string) *Catalog {
	return &Catalog{
		Arch:  arch,
		OS:    os,
		objs:  make(map[ID]*NativeObject),
		names: make(map[string]*NativeObject),
	}
}

// jsonCatalog is the JSON representation of a catalog, as produced by the
// control flow graph recovery stage.
type jsonCatalog struct {
	// Machine architecture.
	Arch abi.Arch `json:"arch"`
	// Operating system.
	OS string `json:"os"`
	// Default calling convention.
	Conv string `json:"cc"`
	// Functions defined within the binary executable.
	Funcs []*NativeObject `json:"functions"`
	// Symbols imported from dynamically linked libraries.
	Externals []*NativeObject `json:"externals"`
}

// Load parses the given JSON catalog file.
func Load(jsonPath string) (*Catalog, error) {
	dbg.Printf("Load(jsonPath = %q)", jsonPath)
	var v jsonCatalog
	if err := jsonutil.ParseFile(jsonPath, &v); err != nil {
		return nil, errors.WithStack(err)
	}
	if v.Arch == abi.ArchInvalid {
		return nil, errors.Errorf("invalid catalog %q; missing architecture", jsonPath)
	}
	c := New(v.Arch, v.OS)
	c.Conv = v.Conv
	for _, f := range v.Funcs {
		if f.Class == External {
			return nil, errors.Errorf("invalid function %v; external object listed as function", f.ID())
		}
		if err := c.Add(f); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, ext := range v.Externals {
		ext.Class = External
		if err := c.Add(ext); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return c, nil
}

// Add adds the native object to the catalog.
func (c *Catalog) Add(o *NativeObject) error {
	if c.frozen {
		panic(errors.Errorf("unable to add native object %v to frozen catalog", o.ID()))
	}
	if err := o.validate(); err != nil {
		return errors.WithStack(err)
	}
	id := o.ID()
	if prev, ok := c.objs[id]; ok {
		return errors.Errorf("native object %v already present in catalog (%v)", id, prev)
	}
	if len(o.Name) > 0 {
		if prev, ok := c.names[o.Name]; ok {
			return errors.Errorf("symbol name %q of native object %v already used by %v", o.Name, id, prev.ID())
		}
		c.names[o.Name] = o
	}
	c.objs[id] = o
	return nil
}

// Freeze marks the catalog as immutable. Internal objects whose bounds overlap
// the entry of a subsequent internal object are reported as warnings.
func (c *Catalog) Freeze() {
	c.frozen = true
	for _, pair := range c.Overlaps() {
		warn.Printf("native object %v overlaps entry of %v", pair[0], pair[1].ID())
	}
}

// Overlaps returns the pairs of adjacent internal objects where the bounds of
// the first contain the entry address of the second.
func (c *Catalog) Overlaps() [][2]*NativeObject {
	var addrs bin.Addrs
	for id, o := range c.objs {
		if o.Class.IsInternal() {
			addrs = append(addrs, id.Addr)
		}
	}
	sort.Sort(addrs)
	var overlaps [][2]*NativeObject
	for i := 1; i < len(addrs); i++ {
		prev := c.objs[ID{Addr: addrs[i-1]}]
		o := c.objs[ID{Addr: addrs[i]}]
		if prev.Contains(o.Addr) {
			overlaps = append(overlaps, [2]*NativeObject{prev, o})
		}
	}
	return overlaps
}

// Image returns the executable code of the binary; nil if unknown.
func (c *Catalog) Image() *disasm.Image {
	return c.img
}

// Len returns the number of native objects in the catalog.
func (c *Catalog) Len() int {
	return len(c.objs)
}

// Lookup returns the internal object with the given entry address.
func (c *Catalog) Lookup(addr bin.Addr) (*NativeObject, bool) {
	o, ok := c.objs[ID{Addr: addr}]
	return o, ok
}

// LookupName returns the native object with the given symbol name.
func (c *Catalog) LookupName(name string) (*NativeObject, bool) {
	o, ok := c.names[name]
	return o, ok
}

// Objects returns the native objects of the catalog, sorted by identity.
func (c *Catalog) Objects() []*NativeObject {
	objs := make([]*NativeObject, 0, len(c.objs))
	for _, o := range c.objs {
		objs = append(objs, o)
	}
	less := func(i, j int) bool {
		return objs[i].ID().Less(objs[j].ID())
	}
	sort.Slice(objs, less)
	return objs
}

// Classify returns the classification of the native object.
func (c *Catalog) Classify(o *NativeObject) Class {
	return o.Class
}

// NativeConv returns the native calling convention of the object.
func (c *Catalog) NativeConv(o *NativeObject) (*abi.Conv, error) {
	name := o.Conv
	if len(name) == 0 {
		name = c.Conv
	}
	if len(name) == 0 {
		return abi.Default(c.Arch, c.OS)
	}
	conv, err := abi.Lookup(c.Arch, c.OS, name)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to locate calling convention of native object %v", o.ID())
	}
	return conv, nil
}

// ValidTarget reports whether the native object is reachable as a native call
// target.
func (c *Catalog) ValidTarget(o *NativeObject) error {
	if own, ok := c.objs[o.ID()]; !ok || own != o {
		return errors.Errorf("native object %v not present in catalog", o.ID())
	}
	switch o.Class {
	case External:
		if len(o.Name) == 0 {
			return errors.Errorf("external object at %v has no symbol name to bind", o.Addr)
		}
		return nil
	case Internal, InternalNoReturn:
		if o.Addr == 0 {
			return errors.Errorf("internal object %q has no entry address", o.Name)
		}
		if c.img == nil {
			// Entry points cannot be validated without the executable code.
			return nil
		}
		if err := c.img.ValidEntry(o.Addr, o.Size); err != nil {
			return errors.Wrapf(err, "invalid entry point of native object %v", o.ID())
		}
		return nil
	}
	return errors.Errorf("invalid classification %v of native object %v", o.Class, o.ID())
}
