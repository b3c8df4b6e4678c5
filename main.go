package main

import (
	"flag"
	"os"

	"grimm.is/reflash/cmd"
	"grimm.is/reflash/internal/brand"
	"grimm.is/reflash/internal/logging"
)

var printer = cmd.Printer

func main() {
	logging.SetProcessName(brand.LowerName)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
		configFile := serveFlags.String("config", cmd.DefaultConfigFile(), "Configuration file")
		serveFlags.StringVar(configFile, "c", cmd.DefaultConfigFile(), "Configuration file (short)")
		listen := serveFlags.String("listen", "", "HTTP listen address (overrides web.listen)")
		noPortal := serveFlags.Bool("no-portal", false, "Do not run the captive-portal DNS responder")
		serveFlags.Parse(os.Args[2:])

		err = cmd.RunServe(cmd.ServeOptions{ConfigFile: *configFile, Listen: *listen, NoPortal: *noPortal})

	case "write":
		err = cmd.RunWrite(os.Args[2:])

	case "read":
		err = cmd.RunRead(os.Args[2:])

	case "clear":
		err = cmd.RunClear(os.Args[2:])

	case "status":
		err = cmd.RunStatus(os.Args[2:])

	case "wifi":
		err = cmd.RunWifi(os.Args[2:])

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := cmd.DefaultConfigFile()
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}
		err = cmd.RunCheck(configFile, *verbose)

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Commit: %s\n", brand.GitCommit)
		printer.Printf("Build: %s\n", brand.BuildTime)

	case "help", "-h", "--help":
		if len(os.Args) > 2 && os.Args[2] == "wifi" {
			err = cmd.RunWifi([]string{"help"})
		} else {
			printUsage()
		}

	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		printer.Fprintf(os.Stderr, "%s %s: %v\n", brand.LowerName, os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  serve     Run the recovery web server and captive-portal DNS
            Options: --config (-c) <file>, --listen <addr>, --no-portal
  write     Differentially write an image into a region
            Options: -c <file>, -l <label>, -verify, -no-boot; image path or - for stdin
  read      Dump a region to a file
            Options: -c <file>, -o <file>
  clear     Erase a whole region (-y required)
  status    Show regions, boot selection and recent sessions
  wifi      Manage access-point credentials
            Subcommands: show, set, reset, hostapd
  check     Validate a configuration file
            Options: --verbose (-v)
  version   Print version information

`, brand.Name, brand.Get().Description, brand.LowerName)
}
