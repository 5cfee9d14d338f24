/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/friendsincode/fxcorr/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "fxcorr",
	Short: "fxcorr - distributed software FX correlator",
	Long:  "fxcorr correlates VLBI station recordings into visibility spectra, either in one process or across a cluster of manager, input, correlator and output nodes.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build identity",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.BuildID())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
