// Command orchestratorctl submits, inspects and stops orchestrator work.
package main

import (
	"fmt"
	"os"

	"media-orchestrator/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
