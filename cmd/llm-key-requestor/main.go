package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the sub-command in args[1]. With no sub-command it serves.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "reconcile":
		return runReconcile(args[2:], stdout, stderr)
	case "validate-config":
		return runValidateConfig(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "llm-key-requestor %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "llm-key-requestor: approval workflow for LLM API keys")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  llm-key-requestor <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP API and the approval queue (default)")
	printCommand(w, "reconcile", "Run the approval queue without HTTP (--once for a single pass)")
	printCommand(w, "validate-config", "Load the configuration and build the plugin chain")
	printCommand(w, "health", "Check a running server (--url)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from $CONFIG_FILE (default config.yaml) and the environment.")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-16s %s\n", name, desc)
}
