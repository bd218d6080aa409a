// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package cli

import (
	"github.com/pion/sctpadapter/harness"
	"github.com/spf13/cobra"
)

func newRunCmd(verbose *bool) *cobra.Command {
	opts := harness.DefaultOptions()
	cmd := &cobra.Command{
		Use:   "run [cases...]",
		Short: "Run harness cases and report results",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Cases = append(opts.Cases, args...)
			opts.Verbose = *verbose
			results, err := harness.Run(cmd.Context(), opts)
			harness.PrintResults(cmd.OutOrStdout(), results)

			return err
		},
	}

	cmd.Flags().StringSliceVar(&opts.Cases, "cases", nil, "comma-separated case list (default: scenario file cases, else handshake,echo,burst)")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML scenario file")
	cmd.Flags().StringVar(&opts.Link, "link", opts.Link, "network between the adapters (mem|vnet)")
	cmd.Flags().StringVar(&opts.Timeout, "timeout", opts.Timeout, "per-iteration timeout (0 disables)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "base random seed (0 selects the default)")
	cmd.Flags().IntVar(&opts.Repeat, "repeat", opts.Repeat, "iterations per case")
	cmd.Flags().IntVar(&opts.Messages, "messages", 0, "override the message count of cases that send data")
	cmd.Flags().IntVar(&opts.PayloadSize, "payload-size", 0, "override the message size in bytes")
	cmd.Flags().StringVar(&opts.JUnitPath, "out", "", "optional JUnit XML report path")
	cmd.Flags().StringVar(&opts.OutDir, "out-dir", "", "directory for config.json, results.json, seed.txt and packet logs")
	cmd.Flags().StringVar(&opts.PprofCPU, "pprof-cpu", "", "write a CPU profile to this path")
	cmd.Flags().StringVar(&opts.PprofHeap, "pprof-heap", "", "write a heap profile to this path")
	cmd.Flags().StringVar(&opts.PprofAllocs, "pprof-allocs", "", "write an allocs profile to this path")
	cmd.Flags().StringVar(&opts.PprofMutex, "pprof-mutex", "", "write a mutex contention profile to this path")

	return cmd
}
