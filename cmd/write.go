package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"

	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/metrics"
	"grimm.is/reflash/internal/state"
	"grimm.is/reflash/internal/update"
)

// RunWrite performs an offline differential write of an image file.
func RunWrite(args []string) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	configFile := fs.String("config", DefaultConfigFile(), "Configuration file")
	fs.StringVar(configFile, "c", DefaultConfigFile(), "Configuration file (short)")
	label := fs.String("label", "", "Target region (default: web.upload_target or first OTA slot)")
	fs.StringVar(label, "l", "", "Target region (short)")
	verify := fs.Bool("verify", false, "Read back every flushed run")
	noBoot := fs.Bool("no-boot", false, "Do not select an app region for the next boot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: write [-c config] [-l label] [-verify] [-no-boot] <image|->")
	}

	e, err := openEnv(*configFile, flash.LockExclusive)
	if err != nil {
		return err
	}
	defer e.Close()

	part, err := resolveTarget(e, *label)
	if err != nil {
		return err
	}

	opts, err := writerOptions(e.cfg)
	if err != nil {
		return err
	}
	opts.Verify = opts.Verify || *verify
	opts.Reporter = update.LogReporter{Logger: e.log.WithComponent("update")}
	w, err := update.NewWriter(opts)
	if err != nil {
		return err
	}

	src, size, closeSrc, err := openImage(fs.Arg(0), opts.MaxTransfer)
	if err != nil {
		return err
	}
	defer closeSrc()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := w.WriteStream(ctx, part, src, size)
	if res != nil {
		metrics.Get().ObserveResult(res, err)
		if serr := e.store.SetJSON(state.BucketSessions, res.ID, res); serr != nil {
			e.log.Warn("failed to record session", "error", serr)
		}
	}
	if err != nil {
		return err
	}
	printResult(res)

	if part.Info().Kind == flash.KindApp && !*noBoot {
		sel := state.BootSelection{Label: part.Label(), SessionID: res.ID, UpdatedAt: res.Started}
		if err := state.SetBoot(e.store, sel); err != nil {
			return fmt.Errorf("failed to set boot partition: %w", err)
		}
		Printer.Printf("Next boot:      %s\n", part.Label())
	}
	return nil
}

// resolveTarget picks the region like POST /upload does.
func resolveTarget(e *env, label string) (*flash.Partition, error) {
	if label == "" {
		label = e.cfg.Web.UploadTarget
	}
	if label == "" {
		return e.table.DefaultUpdateTarget()
	}
	return e.table.Find(label)
}

// openImage opens path, or buffers stdin for "-" since the writer needs the
// length up front.
func openImage(path string, limit int64) (io.Reader, int64, func() error, error) {
	if path == "-" {
		data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
		if err != nil {
			return nil, 0, nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return bytes.NewReader(data), int64(len(data)), func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	return f, fi.Size(), f.Close, nil
}

func printResult(res *update.Result) {
	Printer.Printf("Session:        %s\n", res.ID)
	Printer.Printf("Region:         %s\n", res.Region)
	Printer.Printf("Received:       %s (%d bytes)\n", humanize.IBytes(uint64(res.Received)), res.Received)
	Printer.Printf("Units compared: %d\n", res.PagesCompared)
	Printer.Printf("Units skipped:  %d\n", res.PagesSkipped)
	Printer.Printf("Units written:  %d in %d runs\n", res.PagesWritten, res.RunsFlushed)
	Printer.Printf("Erased:         %s\n", humanize.IBytes(uint64(res.BytesErased)))
	if res.ReadFailures > 0 {
		Printer.Printf("Read failures:  %d\n", res.ReadFailures)
	}
}
