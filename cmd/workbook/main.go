// Command workbook keeps workbook edits on this device and syncs them to the
// platform backend.
package main

import (
	"os"

	"github.com/mesh-intelligence/workbook/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
