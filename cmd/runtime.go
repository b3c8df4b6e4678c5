package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"grimm.is/reflash/internal/brand"
	"grimm.is/reflash/internal/config"
	"grimm.is/reflash/internal/flash"
	"grimm.is/reflash/internal/i18n"
	"grimm.is/reflash/internal/logging"
	"grimm.is/reflash/internal/state"
	"grimm.is/reflash/internal/update"
)

// Printer is the localized printer for command output.
var Printer = i18n.NewCLIPrinter()

// DefaultConfigFile is the configuration path used when -config is not given.
func DefaultConfigFile() string {
	return brand.ConfigPath()
}

// LoadConfig reads path. A missing file at the default location yields the
// built-in defaults so a fresh install runs without any configuration.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigFile() {
		return config.DefaultConfig(), nil
	}
	return nil, err
}

// setupLogging installs the default logger from the logging block.
func setupLogging(cfg *config.Config) *logging.Logger {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		lc.Level = level
	}
	lc.JSON = cfg.Logging.JSON
	l := logging.New(lc)
	logging.SetDefault(l)
	return l
}

// env is the opened device, partition table and state store.
type env struct {
	cfg   *config.Config
	log   *logging.Logger
	dev   *flash.Device
	table *flash.Table
	store *state.SQLiteStore
}

// openEnv loads the configuration and opens everything it names. Commands
// that erase or program pass flash.LockExclusive so they never run against
// an image another process is writing.
func openEnv(configFile string, mode flash.LockMode) (*env, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: setupLogging(cfg)}

	size, err := cfg.DeviceSize()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Device.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create device directory: %w", err)
	}
	medium, err := flash.OpenFile(cfg.Device.Path, size, mode)
	if err != nil {
		return nil, err
	}
	e.dev, err = flash.NewDevice(medium, flash.DeviceOptions{
		EraseUnit: int64(cfg.Flash.EraseUnit),
		Lenient:   cfg.Device.Lenient,
	})
	if err != nil {
		medium.Close()
		return nil, err
	}

	infos, err := cfg.Partitions()
	if err != nil {
		e.Close()
		return nil, err
	}
	if e.table, err = flash.NewTable(e.dev, infos); err != nil {
		e.Close()
		return nil, err
	}

	if e.store, err = openStore(cfg); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return e, nil
}

// Close releases the store and the device.
func (e *env) Close() error {
	var errs []error
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.dev != nil {
		errs = append(errs, e.dev.Close())
	}
	return errors.Join(errs...)
}

// writerOptions translates the flash block into writer options.
func writerOptions(cfg *config.Config) (update.Options, error) {
	st, err := cfg.Flash.Settings()
	if err != nil {
		return update.Options{}, err
	}
	return update.Options{
		EraseUnit:        st.EraseUnit,
		AccumulateUnits:  st.AccumulateUnits,
		MaxTransfer:      st.MaxTransfer,
		ErasedValue:      st.ErasedValue,
		ProgressInterval: st.ProgressInterval,
		Verify:           st.Verify,
	}, nil
}
