// Command milterd is an example milter protocol v6 server built on the
// github.com/nemorim/milterd package. It logs every callback it receives
// and accepts every message; it exists to exercise the server package
// end-to-end rather than to filter real mail.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "milterd",
		Short: "milterd runs an example milter protocol v6 server",
	}
	root.AddCommand(newServeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
