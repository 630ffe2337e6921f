package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `coderelay - host daemon bridging personal devices to a coding assistant CLI

Usage:
  coderelay <command> [options]

Commands:
  start         Start the host daemon
  pair          Generate a pairing code for a device
  devices list  List paired devices
  devices revoke <device-id>  Revoke a device token
  session list         List known sessions
  session kill <id>    Kill a running session

Run 'coderelay <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "start":
		return runStart(args[2:], stdout, stderr)
	case "pair":
		return runPair(args[2:], stdout, stderr)
	case "devices":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: coderelay devices <list|revoke>")
			return 1
		}
		switch args[2] {
		case "list":
			return runDevicesList(args[3:], stdout, stderr)
		case "revoke":
			return runDevicesRevoke(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown devices command: %s\n", args[2])
			return 1
		}
	case "session":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: coderelay session <list|kill>")
			return 1
		}
		switch args[2] {
		case "list":
			return runSessionList(args[3:], stdout, stderr)
		case "kill":
			return runSessionKill(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown session command: %s\n", args[2])
			return 1
		}
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "coderelay %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
