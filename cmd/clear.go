package cmd

import (
	"flag"
	"fmt"

	"grimm.is/reflash/internal/flash"
)

// RunClear erases a whole region.
func RunClear(args []string) error {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	configFile := fs.String("config", DefaultConfigFile(), "Configuration file")
	fs.StringVar(configFile, "c", DefaultConfigFile(), "Configuration file (short)")
	confirm := fs.Bool("y", false, "Confirm erase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: clear [-c config] -y <label>")
	}
	if !*confirm {
		return fmt.Errorf("refusing to erase %s without -y", fs.Arg(0))
	}

	e, err := openEnv(*configFile, flash.LockExclusive)
	if err != nil {
		return err
	}
	defer e.Close()

	part, err := e.table.Find(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := part.Erase(0, part.Size()); err != nil {
		return fmt.Errorf("failed to erase partition: %w", err)
	}
	Printer.Printf("Partition %s cleared (%d bytes)\n", part.Label(), part.Size())
	return nil
}
