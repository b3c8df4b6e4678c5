package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"grimm.is/reflash/internal/config"
	"grimm.is/reflash/internal/flash"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: reflash check [-v] <config-file>")
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	infos, err := cfg.Partitions()
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Printf("Configuration valid!\n")
	Printer.Printf("Schema Version: %s\n", cfg.SchemaVersion)
	Printer.Printf("Device: %s (%s)\n", cfg.Device.Path, cfg.Device.Size)
	Printer.Printf("Regions: %d\n", len(infos))

	if verbose {
		Printer.Println()
		printRegions(infos)
		st, _ := cfg.Flash.Settings()
		Printer.Printf("\nErase unit:        %s\n", humanize.IBytes(uint64(st.EraseUnit)))
		Printer.Printf("Accumulate buffer: %s\n", humanize.IBytes(uint64(st.EraseUnit*st.AccumulateUnits)))
		Printer.Printf("Max transfer:      %s\n", humanize.IBytes(uint64(st.MaxTransfer)))
		Printer.Printf("Verify:            %t\n", st.Verify)
		Printer.Printf("Web:               %s (reboot mode %s)\n", cfg.Web.Listen, cfg.Web.RebootMode)
		if cfg.Portal.IsEnabled() {
			Printer.Printf("Portal DNS:        %s -> %s\n", cfg.Portal.Listen, cfg.Portal.Address)
		}
	}
	return nil
}

func printRegions(infos []flash.Info) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	Printer.Fprintln(tw, "LABEL\tTYPE\tSUBTYPE\tOFFSET\tSIZE")
	for _, i := range infos {
		Printer.Fprintf(tw, "%s\t%s\t%s\t%#x\t%s\n", i.Label, i.Kind, flash.SubtypeName(i.Kind, i.Subtype), i.Address, humanize.IBytes(uint64(i.Size)))
	}
	tw.Flush()
}
