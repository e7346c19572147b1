// Command jeeves is the CLI entry point for the issue-resolution
// orchestrator.
package main

import (
	"os"

	"github.com/hansjm10/jeeves/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
