// Package main is the entry point for the lobby load generator. It provides
// subcommands for different scenarios:
//
//   - saturate: open N idle connections and hold them
//   - chat:     N named users each broadcast M messages to the whole room
//
// Usage:
//
//	lobbyload <command> [options]
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
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: lobbyload <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  chat        Broadcast test, N named users each send M messages to the room")
	fmt.Println()
	fmt.Println("Run 'lobbyload <command> -h' for command-specific options.")
}
