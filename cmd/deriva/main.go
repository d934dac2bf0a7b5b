// Command deriva evaluates derivation items against source states on a
// wall-clock aligned tick and publishes the results.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if err := runServe(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "check":
		os.Exit(runCheck(args, os.Stdout, os.Stderr))
	case "install":
		runInstall(args)
	case "version":
		printVersion()
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: deriva <command> [flags]

Commands:
  serve     run the scheduler, metrics and MCP endpoints (default)
  check     validate and compile an item file, then exit
  install   write ~/.deriva/settings.json and reload a running server
  version   print the version
`)
}
