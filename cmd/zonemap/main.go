package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configDir string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "zonemap",
		Short:         "Sales zone assignments for municipalities, with a durable change ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config", ".", "directory holding config.yaml and .env")

	root.AddCommand(
		newServeCommand(opts),
		newReconcileCommand(opts),
		newExportCommand(opts),
		newBackupCommand(opts),
		newRestoreCommand(opts),
		newLedgerCommand(opts),
		newEditCommand(opts),
		newRevertCommand(opts),
	)
	return root
}
