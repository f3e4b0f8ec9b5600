package main

import (
	"fmt"
	"os"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	if len(args) == 0 {
		return runCommand(runTUICommand, nil)
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return 0
	case "--help", "-h", "help":
		printHelp()
		return 0
	case "tui":
		return runCommand(runTUICommand, args[1:])
	case "watch":
		return runCommand(runWatchCommand, args[1:])
	case "join":
		return runCommand(runJoinCommand, args[1:])
	case "create":
		return runCommand(runCreateCommand, args[1:])
	case "start":
		return runCommand(runStartCommand, args[1:])
	case "stop":
		return runCommand(runStopCommand, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		return exitUsage
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func printVersion() {
	fmt.Printf("swarmchat %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printHelp() {
	fmt.Println("swarmchat - terminal client for group deliberation sessions")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  swarmchat [COMMAND] [FLAGS]")
	fmt.Println()
	fmt.Println("COMMANDS:")
	fmt.Println("  tui                              Interactive client (default)")
	fmt.Println("  join --code <code> --name <name> Join a session and stream its events")
	fmt.Println("  watch                            Resume the saved session and stream its events")
	fmt.Println("  create --title <title> [--size n]")
	fmt.Println("                                   Create a session and print its join code")
	fmt.Println("  start --session <id>             Start a session and print the subgroups")
	fmt.Println("  stop --session <id>              Stop a session")
	fmt.Println("  version                          Print version information")
	fmt.Println()
	fmt.Println("GLOBAL FLAGS:")
	fmt.Println("  --config <path>                  Load configuration from path")
	fmt.Println("  --client <id>                    Client id for logs and the resume snapshot")
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Println("  SWARMCHAT_API_URL, SWARMCHAT_WS_URL, SWARMCHAT_TOKEN, SWARMCHAT_LOG_LEVEL,")
	fmt.Println("  SWARMCHAT_STATE_PATH, SWARMCHAT_DEBUG_BIND, SWARMCHAT_RECONNECT, SWARMCHAT_TRACING")
}
