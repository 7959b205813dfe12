// Command campaignsync syncs campaign documents with the remote store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/campaignsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
