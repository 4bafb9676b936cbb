package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "easytransfer",
		Short:        "Share local files through short-lived download links",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newShareCmd(), newListCmd(), newRevokeCmd())
	return root
}
