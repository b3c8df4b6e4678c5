package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/services"
	"grimm.is/reflash/internal/state"
)

// DeviceCheck reads the first erase unit of dev.
func DeviceCheck(dev *flash.Device) CheckFunc {
	return func(ctx context.Context) Check {
		buf := make([]byte, dev.EraseUnit())
		if err := dev.ReadAt(buf, 0); err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("flash read failed: %v", err)}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("flash readable (%s)", humanize.IBytes(uint64(dev.Size())))}
	}
}

// StoreCheck lists buckets in the state store.
func StoreCheck(s state.Store) CheckFunc {
	return func(ctx context.Context) Check {
		buckets, err := s.ListBuckets()
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("state store: %v", err)}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d buckets", len(buckets))}
	}
}

// ServiceCheck reports a background service. A stopped service degrades
// health without failing it.
func ServiceCheck(svc services.Service) CheckFunc {
	return func(ctx context.Context) Check {
		st := svc.Status()
		switch {
		case st.Error != "":
			return Check{Status: StatusDegraded, Message: st.Error}
		case !st.Running:
			return Check{Status: StatusDegraded, Message: "not running"}
		}
		return Check{Status: StatusHealthy, Message: "listening on " + st.Addr}
	}
}

// DirCheck verifies dir is writable.
func DirCheck(dir string) CheckFunc {
	return func(ctx context.Context) Check {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("%s not writable: %v", dir, err)}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return Check{Status: StatusHealthy, Message: filepath.Clean(dir) + " writable"}
	}
}
