package main

import (
	"fmt"
	"os"

	"github.com/synoproxy/synoproxy/cmd"
	"github.com/synoproxy/synoproxy/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := cmd.RunServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("%s version %s\n", brand.Name, brand.Version)
		fmt.Printf("Build: %s\n", brand.BuildTime)
		fmt.Printf("Commit: %s\n", brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - reverse proxy manager for Synology NAS

Usage:
  %s <command>

Commands:
  serve     Start the API server
  version   Print version info
  help      Show this help

Configuration is read from environment variables (a .env file in the
working directory is honored). Required: SYNOLOGY_NAS_URL,
SYNOLOGY_USERNAME, SYNOLOGY_PASSWORD. See README for the full list.
`, brand.Name, brand.LowerName)
}
