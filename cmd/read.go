package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"

	"grimm.is/reflash/internal/flash"
)

// RunRead dumps a region to a file or stdout.
func RunRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	configFile := fs.String("config", DefaultConfigFile(), "Configuration file")
	fs.StringVar(configFile, "c", DefaultConfigFile(), "Configuration file (short)")
	out := fs.String("o", "", "Output file (default partition_<label>.bin, - for stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: read [-c config] [-o file] <label>")
	}

	e, err := openEnv(*configFile, flash.LockShared)
	if err != nil {
		return err
	}
	defer e.Close()

	part, err := e.table.Find(fs.Arg(0))
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	path := *out
	if path == "" {
		path = "partition_" + part.Label() + ".bin"
	}
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	buf := make([]byte, part.EraseUnit())
	for off := int64(0); off < part.Size(); off += int64(len(buf)) {
		if err := part.Read(off, buf); err != nil {
			return fmt.Errorf("read %s at %#x: %w", part.Label(), off, err)
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	if path != "-" {
		Printer.Fprintf(os.Stderr, "Wrote %d bytes of %s to %s\n", part.Size(), part.Label(), path)
	}
	return nil
}
