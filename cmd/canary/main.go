// Command canary probes a storage network end to end and publishes one
// status badge per pipeline stage.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/canary/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	var exitErr *cli.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// Usage errors from flag parsing; commands report their own failures.
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
