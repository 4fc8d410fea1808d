// Package main is the entry point for the Parley load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test — opens N authenticated idle connections
//   - rooms:    Room traffic test — users join rooms, type, and exchange messages
//
// Both scenarios require pre-seeded users in the users table (IDs built from
// the -user-prefix flag) and the server's JWT secret.
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "rooms":
		runRooms(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test — opens N idle authenticated connections")
	fmt.Println("  rooms       Room traffic test — users join rooms, type, and exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
