// Package brand holds product naming and default filesystem locations.
//
// The identity is embedded from brand.json so packaging scripts can read the
// same values.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information.
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Description      string `json:"description"`
	EnvPrefix        string `json:"envPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	ConfigFileName   string `json:"configFileName"`
	StateFileName    string `json:"stateFileName"`
	AccessPointSSID  string `json:"accessPointSSID"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}
	Name = b.Name
	LowerName = b.LowerName
}

var (
	Name      string
	LowerName string

	// Set at build time via -ldflags.
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Get returns the full Brand struct.
func Get() Brand {
	return b
}

// ConfigDir returns the configuration directory.
// Priority: REFLASH_CONFIG_DIR > REFLASH_PREFIX/config > default.
func ConfigDir() string {
	return dirFromEnv("_CONFIG_DIR", "config", b.DefaultConfigDir)
}

// StateDir returns the state directory.
// Priority: REFLASH_STATE_DIR > REFLASH_PREFIX/state > default.
func StateDir() string {
	return dirFromEnv("_STATE_DIR", "state", b.DefaultStateDir)
}

// ConfigPath is the default configuration file location.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), b.ConfigFileName)
}

// StatePath is the default state database location.
func StatePath() string {
	return filepath.Join(StateDir(), b.StateFileName)
}

func dirFromEnv(suffix, sub, fallback string) string {
	if dir := os.Getenv(b.EnvPrefix + suffix); dir != "" {
		return dir
	}
	if prefix := os.Getenv(b.EnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return fallback
}
