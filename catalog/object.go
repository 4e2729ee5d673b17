// Package catalog provides the registry of native functions and external
// symbols recovered from a binary executable.
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/bin"
	"github.com/pkg/errors"
)

// Class is the classification of a native object.
type Class uint8

// Native object classifications.
const (
	// Function defined within the binary executable.
	Internal Class = iota
	// Function defined within the binary executable which may not return.
	InternalNoReturn
	// Symbol imported from a dynamically linked library.
	External
)

// String returns the string representation of the classification.
func (class Class) String() string {
	switch class {
	case Internal:
		return "internal"
	case InternalNoReturn:
		return "internal-noreturn"
	case External:
		return "external"
	}
	return fmt.Sprintf("Class(%d)", uint8(class))
}

// IsInternal reports whether the classification denotes code defined within
// the binary executable.
func (class Class) IsInternal() bool {
	return class == Internal || class == InternalNoReturn
}

// UnmarshalText unmarshals the text into class.
func (class *Class) UnmarshalText(text []byte) error {
	switch s := string(text); s {
	case "internal":
		*class = Internal
	case "internal-noreturn", "noreturn":
		*class = InternalNoReturn
	case "external":
		*class = External
	default:
		return errors.Errorf("invalid native object classification %q", s)
	}
	return nil
}

// MarshalText returns the textual representation of class.
func (class Class) MarshalText() ([]byte, error) {
	return []byte(class.String()), nil
}

// ID is the stable identity of a native object; the address of internal
// objects and the symbol name of external objects.
type ID struct {
	// Address of internal object.
	Addr bin.Addr
	// Symbol name of external object.
	Name string
}

// String returns the string representation of the identity.
func (id ID) String() string {
	if len(id.Name) > 0 {
		return id.Name
	}
	return id.Addr.String()
}

// Less reports whether id sorts before other; internal objects sort by address
// before external objects by name.
func (id ID) Less(other ID) bool {
	if (len(id.Name) == 0) != (len(other.Name) == 0) {
		return len(id.Name) == 0
	}
	if id.Addr != other.Addr {
		return id.Addr < other.Addr
	}
	return id.Name < other.Name
}

// NativeObject is a function or external symbol of interest in the binary
// executable.
type NativeObject struct {
	// Entry address; zero for external objects unless the import is bound to
	// a known address.
	Addr bin.Addr `json:"addr,omitempty"`
	// Symbol name; required for external objects.
	Name string `json:"name,omitempty"`
	// Classification.
	Class Class `json:"class"`
	// Native calling convention name; empty to use the default of the
	// catalog.
	Conv string `json:"cc,omitempty"`
	// Number of machine-word arguments; abi.UnknownArity if unknown or
	// omitted.
	Args int `json:"args"`
	// Function takes a variable number of arguments.
	Variadic bool `json:"variadic,omitempty"`
	// Function never returns.
	NoReturn bool `json:"noreturn,omitempty"`
	// External symbol may be absent at run time.
	Weak bool `json:"weak,omitempty"`
	// Function is exported by the binary executable.
	Exported bool `json:"exported,omitempty"`
	// Address of function is taken by code or data of the binary executable.
	AddrTaken bool `json:"addr_taken,omitempty"`
	// Size of function in bytes; zero if unknown.
	Size uint64 `json:"size,omitempty"`
}

// ID returns the identity of the native object.
func (o *NativeObject) ID() ID {
	if o.Class == External {
		return ID{Name: o.Name}
	}
	return ID{Addr: o.Addr}
}

// String returns the string representation of the native object.
func (o *NativeObject) String() string {
	switch {
	case o.Class == External:
		return fmt.Sprintf("%s external %q", o.ID(), o.Name)
	case len(o.Name) > 0:
		return fmt.Sprintf("%s %s %q", o.ID(), o.Class, o.Name)
	default:
		return fmt.Sprintf("%s %s", o.ID(), o.Class)
	}
}

// IsNoReturn reports whether control never returns from the native object.
func (o *NativeObject) IsNoReturn() bool {
	return o.Class == InternalNoReturn || o.NoReturn
}

// Contains reports whether the given address is located within the bounds of
// the native object. Objects of unknown size contain only their entry.
func (o *NativeObject) Contains(addr bin.Addr) bool {
	if o.Size == 0 {
		return addr == o.Addr
	}
	return o.Addr <= addr && addr < o.Addr+bin.Addr(o.Size)
}

// UnmarshalJSON unmarshals the JSON data into the native object. The argument
// count defaults to abi.UnknownArity when omitted.
func (o *NativeObject) UnmarshalJSON(data []byte) error {
	// plain has no UnmarshalJSON method.
	type plain NativeObject
	v := plain{Args: abi.UnknownArity}
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.WithStack(err)
	}
	*o = NativeObject(v)
	return nil
}

// validate reports whether the native object is well-formed.
func (o *NativeObject) validate() error {
	switch o.Class {
	case Internal, InternalNoReturn:
		if o.Addr == 0 {
			return errors.Errorf("invalid internal object %q; missing entry address", o.Name)
		}
	case External:
		if len(o.Name) == 0 {
			return errors.Errorf("invalid external object at %v; missing symbol name", o.Addr)
		}
	default:
		return errors.Errorf("invalid classification %v of native object %v", o.Class, o.ID())
	}
	if o.Args < abi.UnknownArity {
		return errors.Errorf("invalid argument count %d of native object %v", o.Args, o.ID())
	}
	return nil
}
