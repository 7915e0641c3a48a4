// hcbcli is a terminal client for the HCB API built on the offline-aware
// core: it signs in over OAuth PKCE, keeps tokens in the encrypted store,
// and serves reads through the cache-backed fetcher.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "hcbcli",
		Short:         "HCB command-line client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newStatusCmd(),
		newGetCmd(),
		newWatchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
