//go:build !linux && !freebsd && !darwin

package flash

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}
