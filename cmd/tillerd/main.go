// Command tillerd runs the execution-governance broker: it wires the
// proposal pipeline from environment configuration and YAML seed packs,
// starts the queue workers and maintenance jobs, and serves health probes.
// Callers embed the pipeline packages directly for the request surface.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand. Split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "tillerd: unknown command %q\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "tillerd is the execution-governance broker daemon.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  tillerd [serve]   run the broker (default)")
	fmt.Fprintln(w, "  tillerd verify    walk the audit hash chain and exit")
	fmt.Fprintln(w, "  tillerd help      show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration comes from the environment; see pkg/config.")
}
