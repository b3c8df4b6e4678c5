package update

import (
	"fmt"

	"grimm.is/reflash/internal/clock"
	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/logging"
)

// Options configures a Writer. Tunables are fixed for the Writer's lifetime.
type Options struct {
	// EraseUnit is the erase and comparison granularity in bytes.
	EraseUnit int
	// AccumulateUnits is the accumulation buffer capacity in erase units.
	// A dirty run is flushed as soon as it reaches this size.
	AccumulateUnits int
	// MaxTransfer caps the declared stream length. It must be positive.
	MaxTransfer int64
	// ErasedValue pads the final partial unit. Padding never takes part in
	// the comparison.
	ErasedValue byte
	// ProgressInterval is the number of received bytes between progress
	// reports.
	ProgressInterval int64
	// Verify reads every flushed run back and compares it. A failed read
	// here is fatal, unlike reads on the compare path which only mark the
	// unit as changed.
	Verify bool

	Reporter Reporter
	Logger   *logging.Logger
	Clock    clock.Clock
}

// DefaultOptions returns the stock tunables: 4 KiB units, a 256 KiB
// accumulation buffer, a 5 MiB transfer limit and progress every 64 KiB.
func DefaultOptions() Options {
	return Options{
		EraseUnit:        flash.DefaultEraseUnit,
		AccumulateUnits:  64,
		MaxTransfer:      5 << 20,
		ErasedValue:      flash.ErasedByte,
		ProgressInterval: 64 << 10,
	}
}

func (o Options) validate() error {
	switch {
	case o.EraseUnit <= 0:
		return fmt.Errorf("%w: erase unit %d", ErrInvalidOptions, o.EraseUnit)
	case o.AccumulateUnits <= 0:
		return fmt.Errorf("%w: accumulate units %d", ErrInvalidOptions, o.AccumulateUnits)
	case o.MaxTransfer <= 0:
		return fmt.Errorf("%w: max transfer %d", ErrInvalidOptions, o.MaxTransfer)
	case o.ProgressInterval < 0:
		return fmt.Errorf("%w: progress interval %d", ErrInvalidOptions, o.ProgressInterval)
	}
	return nil
}

// BufferSize is the accumulation buffer capacity in bytes.
func (o Options) BufferSize() int {
	return o.EraseUnit * o.AccumulateUnits
}
