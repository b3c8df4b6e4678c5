//go:build !linux && !freebsd && !darwin

package flash

import "os"

// lockFile is a no-op where flock is unavailable.
func lockFile(*os.File, LockMode) error { return nil }
