package cmd

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/reflash/internal/accesspoint"
	"grimm.is/reflash/internal/config"
	"grimm.is/reflash/internal/state"
)

// RunWifi manages the access-point credentials.
//
//	wifi show
//	wifi set -ssid NAME [-password PASS] [-authmode MODE]
//	wifi reset
//	wifi hostapd [-i wlan0]
func RunWifi(args []string) error {
	if len(args) == 0 || args[0] == "help" {
		printWifiUsage()
		return nil
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("wifi "+sub, flag.ContinueOnError)
	configFile := fs.String("config", DefaultConfigFile(), "Configuration file")
	fs.StringVar(configFile, "c", DefaultConfigFile(), "Configuration file (short)")
	ssid := fs.String("ssid", "", "Network name")
	password := fs.String("password", "", "Passphrase, 8-63 bytes (empty for an open network)")
	authmode := fs.String("authmode", "", "Auth mode: open, wpa_psk, wpa2_psk, wpa_wpa2_psk, wpa3_psk, wpa2_wpa3_psk")
	iface := fs.String("i", "wlan0", "Interface for hostapd output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	m := accesspoint.NewManager(store, accesspoint.FromConfig(cfg.AccessPoint))

	switch sub {
	case "show":
		c, err := m.Load()
		if err != nil {
			return err
		}
		c = c.Redacted()
		Printer.Printf("SSID:      %s\n", c.SSID)
		Printer.Printf("Auth mode: %s\n", c.AuthMode)
		if c.Password != "" {
			Printer.Printf("Password:  %s\n", c.Password)
		}
		Printer.Printf("Channel:   %d\n", c.Channel)
	case "set":
		if *ssid == "" {
			return fmt.Errorf("usage: wifi set -ssid NAME [-password PASS] [-authmode MODE]")
		}
		c := accesspoint.Credentials{SSID: *ssid, Password: *password, AuthMode: accesspoint.AuthMode(*authmode)}
		if err := m.Save(c); err != nil {
			return err
		}
		Printer.Println("Credentials saved. They apply the next time the access point starts.")
	case "reset":
		if err := m.Reset(); err != nil {
			return err
		}
		Printer.Println("Credentials reset to configured defaults.")
	case "hostapd":
		c, err := m.Load()
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, c.Hostapd(*iface))
	default:
		printWifiUsage()
		return fmt.Errorf("unknown wifi command %q", sub)
	}
	return nil
}

func openStore(cfg *config.Config) (*state.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return state.Open(state.DefaultOptions(cfg.State.Path))
}

func printWifiUsage() {
	Printer.Println(`Usage: reflash wifi <command> [options]

Commands:
  show      Show the effective credentials
  set       Save credentials (-ssid, -password, -authmode)
  reset     Drop saved credentials and use the configured defaults
  hostapd   Print a hostapd.conf for the effective credentials (-i iface)`)
}
