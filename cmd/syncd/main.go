// Command syncd keeps records consistent across external systems.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/syncd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "syncd:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
