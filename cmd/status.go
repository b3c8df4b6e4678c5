package cmd

import (
	"encoding/json"
	"flag"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"grimm.is/reflash/internal/brand"
	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/state"
	"grimm.is/reflash/internal/update"
)

// RunStatus prints the partition table, the boot selection and recent
// update sessions.
func RunStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configFile := fs.String("config", DefaultConfigFile(), "Configuration file")
	fs.StringVar(configFile, "c", DefaultConfigFile(), "Configuration file (short)")
	sessions := fs.Int("n", 5, "Number of recent sessions to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := openEnv(*configFile, flash.LockShared)
	if err != nil {
		return err
	}
	defer e.Close()

	Printer.Printf("=== %s Status ===\n\n", brand.Name)
	Printer.Printf("Device:  %s (%s, erase unit %s)\n\n", e.cfg.Device.Path,
		humanize.IBytes(uint64(e.dev.Size())), humanize.IBytes(uint64(e.dev.EraseUnit())))

	next := ""
	if sel, ok, err := state.GetBoot(e.store); err != nil {
		Printer.Fprintf(os.Stderr, "Warning: failed to read boot selection: %v\n", err)
	} else if ok {
		next = sel.Label
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	Printer.Fprintln(tw, "LABEL\tTYPE\tSUBTYPE\tOFFSET\tSIZE\t")
	for _, p := range e.table.All() {
		info := p.Info()
		mark := ""
		if info.Label == next {
			mark = "next boot"
		}
		Printer.Fprintf(tw, "%s\t%s\t%s\t%#x\t%s\t%s\n", info.Label, info.Kind,
			flash.SubtypeName(info.Kind, info.Subtype), info.Address, humanize.IBytes(uint64(info.Size)), mark)
	}
	tw.Flush()

	entries, err := e.store.Recent(state.BucketSessions, *sessions)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	Printer.Println("\nRecent sessions:")
	tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, ent := range entries {
		var res update.Result
		if err := json.Unmarshal(ent.Value, &res); err != nil {
			continue
		}
		Printer.Fprintf(tw, "  %s\t%s\t%s\t%s\t%d/%d written\t%s\n", res.Started.Format("2006-01-02 15:04:05"),
			res.Region, res.State, humanize.IBytes(uint64(res.Received)), res.PagesWritten, res.PagesCompared, res.Error)
	}
	return tw.Flush()
}
