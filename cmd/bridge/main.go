// The bridge tool generates the trampolines connecting lifted LLVM IR with
// native code; callbacks through which native code enters lifted functions,
// and exit points through which lifted code calls native functions.
//
// Separation of concern is handled through reliance on oracles; the catalog of
// native functions and imports, as recovered from the binary executable, and
// the lifted LLVM IR module.
//
// Usage:
//
//	bridge [OPTION]... [LIFTED.ll]
//
// Flags:
//
//	-bin string
//	      binary executable (PE or ELF) used to validate native entry points
//	-c string
//	      session configuration file (default "bridge.yml")
//	-catalog string
//	      native object catalog (default "catalog.json")
//	-dump
//	      dump generated trampolines
//	-o string
//	      output LLVM IR assembly file (default standard output)
//	-q    suppress non-error messages
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
)

var (
	// dbg is a logger which logs debug messages with "bridge:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("bridge:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

func usage() {
	const use = `
Generate trampolines between lifted LLVM IR and native code.

Usage:

	bridge [OPTION]... [LIFTED.ll]

Flags:
`
	fmt.Fprint(os.Stderr, use[1:])
	flag.PrintDefaults()
}

func main() {
	// Parse command line arguments.
	var (
		// binPath specifies the binary executable.
		binPath string
		// cfgPath specifies the session configuration file.
		cfgPath string
		// catalogPath specifies the native object catalog.
		catalogPath string
		// dump specifies whether to dump generated trampolines.
		dump bool
		// output specifies the output path.
		output string
		// quiet specifies whether to suppress non-error messages.
		quiet bool
	)
	flag.StringVar(&binPath, "bin", "", "binary executable (PE or ELF) used to validate native entry points")
	flag.StringVar(&cfgPath, "c", "bridge.yml", "session configuration file")
	flag.StringVar(&catalogPath, "catalog", "catalog.json", "native object catalog")
	flag.BoolVar(&dump, "dump", false, "dump generated trampolines")
	flag.StringVar(&output, "o", "", "output LLVM IR assembly file (default standard output)")
	flag.BoolVar(&quiet, "q", false, "suppress non-error messages")
	flag.Usage = usage
	flag.Parse()
	var llPath string
	switch flag.NArg() {
	case 0:
		// Generate into empty module.
	case 1:
		llPath = flag.Arg(0)
	default:
		flag.Usage()
		os.Exit(1)
	}
	// Skip debug output if -q is set.
	if quiet {
		dbg.SetOutput(ioutil.Discard)
	}

	// Generate trampolines.
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	s, err := newSession(cfg, catalogPath, binPath, llPath)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	if err := s.generate(); err != nil {
		log.Fatalf("%+v", err)
	}
	if dump {
		s.dump(os.Stderr)
	}
	if err := s.close(output); err != nil {
		log.Fatalf("%+v", err)
	}
}
