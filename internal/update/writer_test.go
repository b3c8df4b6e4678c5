package update

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/reflash/internal/clock"
	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/logging"
)

const unit = flash.DefaultEraseUnit

// op is one storage call seen by recordingRegion.
type op struct {
	kind string
	off  int64
	n    int64
}

// recordingRegion wraps a region, records erase/write calls and injects faults.
type recordingRegion struct {
	flash.Region

	mu        sync.Mutex
	ops       []op
	failRead  func(off int64) error
	failErase func(off int64) error
	failWrite func(off int64) error
}

func (r *recordingRegion) Read(off int64, p []byte) error {
	if r.failRead != nil {
		if err := r.failRead(off); err != nil {
			return err
		}
	}
	return r.Region.Read(off, p)
}

func (r *recordingRegion) Erase(off, n int64) error {
	r.record("erase", off, n)
	if r.failErase != nil {
		if err := r.failErase(off); err != nil {
			return err
		}
	}
	return r.Region.Erase(off, n)
}

func (r *recordingRegion) Write(off int64, p []byte) error {
	r.record("write", off, int64(len(p)))
	if r.failWrite != nil {
		if err := r.failWrite(off); err != nil {
			return err
		}
	}
	return r.Region.Write(off, p)
}

func (r *recordingRegion) record(kind string, off, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op{kind, off, n})
}

func (r *recordingRegion) calls() []op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]op(nil), r.ops...)
}

func (r *recordingRegion) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = nil
}

// setup builds a region of the given number of erase units on a memory device.
func setup(t *testing.T, units int64) (*recordingRegion, *flash.Device) {
	t.Helper()
	dev, err := flash.NewDevice(flash.NewMemory(units*unit), flash.DeviceOptions{})
	require.NoError(t, err)
	table, err := flash.NewTable(dev, []flash.Info{{
		Label: "ota_0", Kind: flash.KindApp, Subtype: flash.SubtypeOTAMin, Size: units * unit,
	}})
	require.NoError(t, err)
	p, err := table.Find("ota_0")
	require.NoError(t, err)
	return &recordingRegion{Region: p}, dev
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard, Buffer: logging.NewRingBuffer(8)})
}

func newTestWriter(t *testing.T, mutate func(*Options)) *Writer {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	if mutate != nil {
		mutate(&opts)
	}
	w, err := NewWriter(opts)
	require.NoError(t, err)
	return w
}

func readBack(t *testing.T, r flash.Region, n int64) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, r.Read(0, buf))
	return buf
}

func fill(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

func randomImage(seed int64, n int) []byte {
	img := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(img)
	return img
}

func Test_Writer_ScenarioSingleRun(t *testing.T) {
	region, _ := setup(t, 3)
	pattern := randomImage(1, unit)
	require.NoError(t, region.Region.Write(unit, pattern))

	stream := append(append(fill(0xFF, unit), pattern...), fill(0x42, unit)...)
	w := newTestWriter(t, nil)

	res, err := w.WriteStream(context.Background(), region, bytes.NewReader(stream), int64(len(stream)))
	require.NoError(t, err)

	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, int64(3), res.PagesCompared)
	assert.Equal(t, int64(2), res.PagesSkipped)
	assert.Equal(t, int64(1), res.PagesWritten)
	assert.Equal(t, int64(1), res.RunsFlushed)
	assert.Equal(t, []uint32{2}, res.DirtyUnits)
	assert.Equal(t, []op{{"erase", 2 * unit, unit}, {"write", 2 * unit, unit}}, region.calls())
	assert.Equal(t, stream, readBack(t, region, int64(len(stream))))
}

func Test_Writer_Idempotent(t *testing.T) {
	region, _ := setup(t, 8)
	img := randomImage(2, 7*unit+123)
	w := newTestWriter(t, nil)

	_, err := w.WriteStream(context.Background(), region, bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	region.reset()

	res, err := w.WriteStream(context.Background(), region, bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	assert.Empty(t, region.calls(), "second pass must not erase or write")
	assert.Zero(t, res.RunsFlushed)
	assert.Equal(t, int64(8), res.PagesSkipped)
	assert.Empty(t, res.DirtyUnits)
}

func Test_Writer_CorrectnessRandomized(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		units := int64(1 + rng.Intn(12))
		region, _ := setup(t, units)

		// Start from a random prior image, then mutate a few units.
		prior := randomImage(seed+100, int(units*unit))
		_, err := newTestWriter(t, nil).WriteStream(context.Background(), region, bytes.NewReader(prior), int64(len(prior)))
		require.NoError(t, err)

		total := rng.Int63n(units*unit + 1)
		img := append([]byte(nil), prior[:total]...)
		for i := 0; i < 3 && total > 0; i++ {
			img[rng.Int63n(total)] ^= 0xA5
		}

		w := newTestWriter(t, func(o *Options) { o.AccumulateUnits = 1 + rng.Intn(4) })
		res, err := w.WriteStream(context.Background(), region, iotest.HalfReader(bytes.NewReader(img)), total)
		require.NoError(t, err, "seed %d", seed)
		assert.Equal(t, total, res.Received)
		assert.Equal(t, img, readBack(t, region, total), "seed %d", seed)
	}
}

func Test_Writer_Minimality(t *testing.T) {
	region, _ := setup(t, 10)
	base := randomImage(3, 10*unit)
	_, err := newTestWriter(t, nil).WriteStream(context.Background(), region, bytes.NewReader(base), int64(len(base)))
	require.NoError(t, err)
	region.reset()

	img := append([]byte(nil), base...)
	for _, u := range []int{1, 2, 3, 6, 9} {
		img[u*unit+17] ^= 0xFF
	}

	res, err := newTestWriter(t, nil).WriteStream(context.Background(), region, bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	assert.Equal(t, int64(5*unit), res.BytesErased)
	assert.Equal(t, []uint32{1, 2, 3, 6, 9}, res.DirtyUnits)
	assert.Equal(t, []op{
		{"erase", 1 * unit, 3 * unit}, {"write", 1 * unit, 3 * unit},
		{"erase", 6 * unit, unit}, {"write", 6 * unit, unit},
		{"erase", 9 * unit, unit}, {"write", 9 * unit, unit},
	}, region.calls())
	assert.Equal(t, img, readBack(t, region, int64(len(img))))
}

func Test_Writer_AllDifferFlushesInChunks(t *testing.T) {
	region, _ := setup(t, 10)
	img := fill(0x00, 10*unit)

	w := newTestWriter(t, func(o *Options) { o.AccumulateUnits = 4 })
	res, err := w.WriteStream(context.Background(), region, bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.RunsFlushed)
	assert.Equal(t, []op{
		{"erase", 0, 4 * unit}, {"write", 0, 4 * unit},
		{"erase", 4 * unit, 4 * unit}, {"write", 4 * unit, 4 * unit},
		{"erase", 8 * unit, 2 * unit}, {"write", 8 * unit, 2 * unit},
	}, region.calls())
}

func Test_Writer_PartialFinalUnit(t *testing.T) {
	t.Run("padding excluded from comparison", func(t *testing.T) {
		region, _ := setup(t, 2)
		content := randomImage(4, 2*unit)
		require.NoError(t, region.Region.Write(0, content))

		// Same leading bytes, region tail beyond the stream is not erased.
		total := int64(unit + 100)
		res, err := newTestWriter(t, nil).WriteStream(context.Background(), region, bytes.NewReader(content[:total]), total)
		require.NoError(t, err)
		assert.Zero(t, res.RunsFlushed)
		assert.Empty(t, region.calls())
	})

	t.Run("changed tail is padded with erased value", func(t *testing.T) {
		region, _ := setup(t, 2)
		require.NoError(t, region.Region.Write(unit, fill(0x11, unit)))

		img := append(fill(0xFF, unit), fill(0x22, 10)...)
		w := newTestWriter(t, func(o *Options) { o.Verify = true })
		res, err := w.WriteStream(context.Background(), region, bytes.NewReader(img), int64(len(img)))
		require.NoError(t, err)
		assert.Equal(t, []uint32{1}, res.DirtyUnits)

		tail := make([]byte, unit)
		require.NoError(t, region.Read(unit, tail))
		assert.Equal(t, fill(0x22, 10), tail[:10])
		assert.Equal(t, fill(0xFF, unit-10), tail[10:])
	})

	t.Run("custom erased value", func(t *testing.T) {
		region, _ := setup(t, 1)
		w := newTestWriter(t, func(o *Options) { o.ErasedValue = 0x00 })
		_, err := w.WriteStream(context.Background(), region, bytes.NewReader([]byte{1, 2, 3}), 3)
		require.NoError(t, err)

		written := readBack(t, region, unit)
		assert.Equal(t, []byte{1, 2, 3}, written[:3])
		assert.Equal(t, fill(0x00, unit-3), written[3:])
	})
}

func Test_Writer_Boundaries(t *testing.T) {
	t.Run("zero length", func(t *testing.T) {
		region, _ := setup(t, 1)
		src := &countingReader{}
		res, err := newTestWriter(t, nil).WriteStream(context.Background(), region, src, 0)
		require.NoError(t, err)
		assert.Equal(t, StateComplete, res.State)
		assert.Zero(t, res.PagesCompared)
		assert.Zero(t, src.reads)
	})

	t.Run("exactly region size", func(t *testing.T) {
		region, _ := setup(t, 4)
		img := randomImage(5, 4*unit)
		res, err := newTestWriter(t, nil).WriteStream(context.Background(), region, bytes.NewReader(img), int64(len(img)))
		require.NoError(t, err)
		assert.Equal(t, int64(4), res.PagesWritten)
		assert.Equal(t, img, readBack(t, region, int64(len(img))))
	})

	t.Run("one byte over transfer limit", func(t *testing.T) {
		region, _ := setup(t, 4)
		src := &countingReader{}
		w := newTestWriter(t, func(o *Options) { o.MaxTransfer = 2 * unit })
		res, err := w.WriteStream(context.Background(), region, src, 2*unit+1)
		require.ErrorIs(t, err, ErrPayloadTooLarge)
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, PhaseValidate, res.Phase)
		assert.Zero(t, src.reads, "no stream read before rejection")
		assert.Empty(t, region.calls())
	})

	t.Run("larger than region", func(t *testing.T) {
		region, _ := setup(t, 2)
		_, err := newTestWriter(t, nil).WriteStream(context.Background(), region, &countingReader{}, 2*unit+1)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})
}

type countingReader struct{ reads int }

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads++
	return 0, io.EOF
}

func Test_Writer_TruncatedStream(t *testing.T) {
	region, _ := setup(t, 3)
	img := fill(0x00, 3*unit)

	w := newTestWriter(t, func(o *Options) { o.AccumulateUnits = 1 })
	res, err := w.WriteStream(context.Background(), region, bytes.NewReader(img[:2*unit]), 3*unit)
	require.ErrorIs(t, err, ErrStreamIncomplete)
	assert.False(t, errors.Is(err, ErrStreamTimeout))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, PhaseReceive, res.Phase)
	assert.Equal(t, int64(2*unit), res.Received)

	got := readBack(t, region, 3*unit)
	assert.Equal(t, img[:2*unit], got[:2*unit], "runs flushed before the failure persist")
	assert.Equal(t, fill(0xFF, unit), got[2*unit:])
}

func Test_Writer_TruncatedStreamLosesOpenRun(t *testing.T) {
	region, _ := setup(t, 3)
	img := fill(0x00, 3*unit)

	res, err := newTestWriter(t, nil).WriteStream(context.Background(), region, bytes.NewReader(img[:2*unit]), 3*unit)
	require.ErrorIs(t, err, ErrStreamIncomplete)
	assert.Zero(t, res.RunsFlushed)
	assert.Empty(t, region.calls())
}

type timeoutReader struct{ after []byte }

func (r *timeoutReader) Read(p []byte) (int, error) {
	if len(r.after) > 0 {
		n := copy(p, r.after)
		r.after = r.after[n:]
		return n, nil
	}
	return 0, os.ErrDeadlineExceeded
}

func Test_Writer_StreamTimeout(t *testing.T) {
	region, _ := setup(t, 2)
	_, err := newTestWriter(t, nil).WriteStream(context.Background(), region, &timeoutReader{after: fill(0, 100)}, 2*unit)
	require.ErrorIs(t, err, ErrStreamTimeout)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, PhaseReceive, se.Phase)
}

func Test_Writer_ContextCancelled(t *testing.T) {
	region, _ := setup(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestWriter(t, nil).WriteStream(ctx, region, bytes.NewReader(fill(0, 2*unit)), 2*unit)
	require.ErrorIs(t, err, ErrStreamIncomplete)
	assert.ErrorIs(t, err, context.Canceled)
}

func Test_Writer_ReadFailureAssumesDiffers(t *testing.T) {
	region, _ := setup(t, 2)
	img := fill(0xFF, 2*unit) // identical to the erased region
	region.failRead = func(off int64) error {
		if off == unit {
			return errors.New("ecc error")
		}
		return nil
	}

	res, err := newTestWriter(t, nil).WriteStream(context.Background(), region, bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ReadFailures)
	assert.Equal(t, []op{{"erase", unit, unit}, {"write", unit, unit}}, region.calls())
}

func Test_Writer_VerifyReadFailureIsFatal(t *testing.T) {
	region, _ := setup(t, 1)
	reads := 0
	region.failRead = func(int64) error {
		reads++
		if reads > 1 {
			return errors.New("bus fault")
		}
		return nil
	}

	w := newTestWriter(t, func(o *Options) { o.Verify = true })
	res, err := w.WriteStream(context.Background(), region, bytes.NewReader(fill(1, unit)), unit)
	require.ErrorIs(t, err, ErrStorageRead)
	assert.Equal(t, PhaseVerify, res.Phase)
}

func Test_Writer_StorageFailuresAreFatal(t *testing.T) {
	boom := errors.New("boom")

	t.Run("erase", func(t *testing.T) {
		region, _ := setup(t, 4)
		region.failErase = func(off int64) error {
			if off >= 2*unit {
				return boom
			}
			return nil
		}
		w := newTestWriter(t, func(o *Options) { o.AccumulateUnits = 2 })
		res, err := w.WriteStream(context.Background(), region, bytes.NewReader(fill(0, 4*unit)), 4*unit)
		require.ErrorIs(t, err, ErrStorageErase)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, PhaseErase, res.Phase)
		assert.Equal(t, int64(1), res.RunsFlushed)
		assert.Equal(t, []uint32{0, 1}, res.DirtyUnits)

		// No further operations after the failure.
		calls := region.calls()
		assert.Equal(t, op{"erase", 2 * unit, 2 * unit}, calls[len(calls)-1])
	})

	t.Run("write", func(t *testing.T) {
		region, _ := setup(t, 1)
		region.failWrite = func(int64) error { return boom }
		_, err := newTestWriter(t, nil).WriteStream(context.Background(), region, bytes.NewReader(fill(0, unit)), unit)
		require.ErrorIs(t, err, ErrStorageWrite)

		var se *SessionError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, PhaseWrite, se.Phase)
		assert.Equal(t, int64(0), se.Offset)
	})
}

func Test_Writer_RetryAfterFailureConverges(t *testing.T) {
	region, _ := setup(t, 4)
	img := randomImage(6, 4*unit)

	fail := true
	region.failWrite = func(off int64) error {
		if fail && off >= 2*unit {
			return errors.New("transient")
		}
		return nil
	}
	w := newTestWriter(t, func(o *Options) { o.AccumulateUnits = 2 })
	_, err := w.WriteStream(context.Background(), region, bytes.NewReader(img), int64(len(img)))
	require.Error(t, err)

	fail = false
	region.reset()
	res, err := w.WriteStream(context.Background(), region, bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, res.DirtyUnits, "units written before the failure are skipped")
	assert.Equal(t, img, readBack(t, region, int64(len(img))))
}

func Test_Writer_ProgressReports(t *testing.T) {
	region, _ := setup(t, 8)
	var reports []Progress
	w := newTestWriter(t, func(o *Options) {
		o.ProgressInterval = 2 * unit
		o.Reporter = ReporterFunc(func(p Progress) { reports = append(reports, p) })
	})

	img := fill(0, 8*unit)
	_, err := w.WriteStream(context.Background(), region, bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)

	require.Len(t, reports, 5)
	for i, p := range reports[:4] {
		assert.Equal(t, int64(2*unit*(i+1)), p.BytesReceived)
		assert.Equal(t, int64(len(img)), p.BytesTotal)
	}
	final := reports[4]
	assert.Equal(t, StateComplete, final.State)
	assert.Equal(t, int64(8), final.PagesCompared)
	assert.Equal(t, int64(8), final.PagesWritten)
	assert.Equal(t, 100.0, final.Percent())
}

func Test_Writer_SessionLifecycle(t *testing.T) {
	region, _ := setup(t, 2)
	mock := clock.NewMockClock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))

	var states []State
	w := newTestWriter(t, func(o *Options) {
		o.Clock = mock
		o.ProgressInterval = unit
		o.Reporter = ReporterFunc(func(p Progress) { states = append(states, p.State) })
	})

	s := w.NewSession(region, 2*unit)
	assert.Equal(t, StateIdle, s.State())
	assert.NotEmpty(t, s.ID)

	res, err := w.Run(context.Background(), s, bytes.NewReader(fill(0, 2*unit)))
	require.NoError(t, err)
	assert.Equal(t, StateComplete, s.State())
	assert.Equal(t, s.ID, res.ID)
	assert.Equal(t, mock.Now(), res.Started)
	assert.Equal(t, []State{StateReceiving, StateReceiving, StateComplete}, states)

	_, err = w.Run(context.Background(), s, bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrSessionStarted)
}

func Test_NewWriter_RejectsBadOptions(t *testing.T) {
	for _, mutate := range []func(*Options){
		func(o *Options) { o.EraseUnit = 0 },
		func(o *Options) { o.AccumulateUnits = 0 },
		func(o *Options) { o.MaxTransfer = -1 },
		func(o *Options) { o.MaxTransfer = 0 },
		func(o *Options) { o.ProgressInterval = -1 },
	} {
		opts := DefaultOptions()
		mutate(&opts)
		_, err := NewWriter(opts)
		assert.ErrorIs(t, err, ErrInvalidOptions)
	}
}

func Test_Writer_MisalignedRegion(t *testing.T) {
	region, _ := setup(t, 2)
	w := newTestWriter(t, func(o *Options) { o.EraseUnit = 3000 })
	_, err := w.WriteStream(context.Background(), region, bytes.NewReader(nil), 10)
	assert.ErrorIs(t, err, ErrRegionMisaligned)
}
