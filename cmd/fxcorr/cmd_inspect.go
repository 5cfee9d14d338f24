/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendsincode/fxcorr/internal/config"
	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/runlog"
)

var inspectFlags struct {
	records bool
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <output-file>",
	Short: "Summarise a correlator output file",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var runsFlags struct {
	limit int
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded correlation runs",
	Long:  "List the most recent runs from the run log configured through FXCORR_RUNLOG_DSN.",
	RunE:  runRuns,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectFlags.records, "records", false, "list every visibility record")
	runsCmd.Flags().IntVarP(&runsFlags.limit, "limit", "n", 20, "number of runs to list")
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(runsCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	h, index, err := corrdata.ReadIndex(f)
	if err != nil {
		return err
	}

	fmt.Printf("experiment:   %s\n", h.Experiment)
	fmt.Printf("build:        %s\n", h.CorrelatorBuild)
	fmt.Printf("job:          %d-%d\n", h.Job, h.Subjob)
	fmt.Printf("start:        %s\n", h.Start)
	fmt.Printf("channels:     %d\n", h.NumberChannels)
	fmt.Printf("integration:  %gs\n", h.IntegrationTime.Seconds())
	fmt.Printf("polarisation: %s\n", h.PolType)
	fmt.Printf("stations:     %s\n", strings.Join(h.Stations, " "))
	if len(h.Sources) > 0 {
		fmt.Printf("sources:      %s\n", strings.Join(h.Sources, " "))
	}
	fmt.Printf("records:      %d\n", len(index))

	slices := map[int32]bool{}
	integrations := map[int32]bool{}
	baselines := 0
	for _, e := range index {
		slices[e.SliceNr] = true
		integrations[e.IntegrationNr] = true
		if e.Baselines > baselines {
			baselines = e.Baselines
		}
	}
	fmt.Printf("slices:       %d\n", len(slices))
	fmt.Printf("integrations: %d\n", len(integrations))
	fmt.Printf("baselines:    %d\n", baselines)

	if inspectFlags.records {
		fmt.Println()
		fmt.Println("slice  integr  chan  source  bin  baselines  bins")
		for _, e := range index {
			fmt.Printf("%5d  %6d  %4d  %6d  %3d  %9d  %4d\n",
				e.SliceNr, e.IntegrationNr, e.ChannelNr, e.SourceIdx,
				e.PulsarBin, e.Baselines, e.Bins)
		}
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	env := config.LoadEnv()
	if env.RunlogDSN == "" {
		return fmt.Errorf("no run log configured, set FXCORR_RUNLOG_DSN")
	}
	store, err := runlog.Open(env.RunlogKind, env.RunlogDSN)
	if err != nil {
		return err
	}
	defer store.Close()
	runs, err := store.Runs(runsFlags.limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	fmt.Println("run                                   job     experiment    started              status    slices")
	for _, r := range runs {
		fmt.Printf("%-36s  %d-%-3d  %-12s  %s  %-8s  %6d\n",
			r.RunID, r.Job, r.Subjob, r.Experiment,
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Slices)
	}
	return nil
}
