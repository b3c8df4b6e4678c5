// Package system performs host-level actions requested over the API.
package system

import (
	"fmt"
	"os/exec"
	"sync"

	"grimm.is/reflash/internal/logging"
)

// Rebooter restarts whatever runs the recovery image.
type Rebooter interface {
	Reboot(reason string) error
}

// RebooterFunc adapts a function to Rebooter.
type RebooterFunc func(reason string) error

func (f RebooterFunc) Reboot(reason string) error { return f(reason) }

// Syncer flushes pending writes before a reboot.
type Syncer interface {
	Sync() error
}

// CommandRebooter syncs and runs the system reboot command.
type CommandRebooter struct {
	Syncer  Syncer
	Command []string // defaults to "reboot", then "reboot -f"

	run func(name string, args ...string) error
}

func (c *CommandRebooter) Reboot(reason string) error {
	log := logging.WithComponent("system")
	log.Warn("rebooting host", "reason", reason)

	if c.Syncer != nil {
		if err := c.Syncer.Sync(); err != nil {
			log.Error("sync before reboot failed", "error", err)
		}
	}
	run := c.run
	if run == nil {
		run = func(name string, args ...string) error { return exec.Command(name, args...).Run() }
	}
	if len(c.Command) > 0 {
		return run(c.Command[0], c.Command[1:]...)
	}
	if err := run("reboot"); err != nil {
		log.Error("reboot command failed, forcing", "error", err)
		if err := run("reboot", "-f"); err != nil {
			return fmt.Errorf("reboot: %w", err)
		}
	}
	return nil
}

// ExitRebooter syncs and calls Exit once; the process supervisor brings
// the service back.
type ExitRebooter struct {
	Syncer Syncer
	Exit   func()

	once sync.Once
}

func (e *ExitRebooter) Reboot(reason string) error {
	logging.WithComponent("system").Warn("restarting service", "reason", reason)
	var err error
	if e.Syncer != nil {
		err = e.Syncer.Sync()
	}
	e.once.Do(e.Exit)
	return err
}

// NoopRebooter only logs.
type NoopRebooter struct{}

func (NoopRebooter) Reboot(reason string) error {
	logging.WithComponent("system").Info("reboot requested but disabled", "reason", reason)
	return nil
}

// NewRebooter returns the Rebooter for a web.reboot_mode value.
func NewRebooter(mode string, syncer Syncer, exit func()) (Rebooter, error) {
	switch mode {
	case "system":
		return &CommandRebooter{Syncer: syncer}, nil
	case "exit":
		return &ExitRebooter{Syncer: syncer, Exit: exit}, nil
	case "none", "":
		return NoopRebooter{}, nil
	}
	return nil, fmt.Errorf("unknown reboot mode %q", mode)
}
