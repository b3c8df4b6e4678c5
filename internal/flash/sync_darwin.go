//go:build darwin

package flash

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile uses F_FULLFSYNC so data reaches stable storage.
func syncFile(f *os.File) error {
	_, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0)
	return err
}
