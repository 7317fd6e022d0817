// Package main is the entry point for the vmpilot CLI.
//
// vmpilot turns infrastructure-change requests into staged deployment plans,
// gates them on risk, reserves the identifiers they need and drives them to
// completion or rolls them back.
//
// Commands: serve, plan, submit, status, watch, cancel, approve, deny,
// escalations, audit, draft, version.
//
// For detailed usage information, run:
//
//	vmpilot --help
package main

import (
	"fmt"
	"os"

	"github.com/imamik/vmpilot/cmd/vmpilot/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
