// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package cli wires the sctpadapter commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func Execute(args []string) error {
	return execute(context.Background(), args, os.Stdout)
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)

	return root.ExecuteContext(ctx)
}

func PrintError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func newRootCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "sctpadapter",
		Short: "sctpadapter exercises the poll-driven SCTP association adapter",
		Long: `sctpadapter runs pairs of adapters against each other over an in-process
bus or a virtual UDP network and reports per-case results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	cmd.AddCommand(newRunCmd(&verbose))
	cmd.AddCommand(newCasesCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}
