//go:build linux || freebsd || darwin

package flash

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes a non-blocking flock. The lock belongs to the open file
// and is released when it is closed.
func lockFile(f *os.File, mode LockMode) error {
	how := unix.LOCK_EX
	if mode == LockShared {
		how = unix.LOCK_SH
	}
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return ErrDeviceBusy
		}
		return err
	}
}
