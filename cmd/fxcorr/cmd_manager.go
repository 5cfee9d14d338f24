/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/friendsincode/fxcorr/internal/config"
	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/events"
	"github.com/friendsincode/fxcorr/internal/logging"
	"github.com/friendsincode/fxcorr/internal/manager"
	"github.com/friendsincode/fxcorr/internal/obsdesc"
	"github.com/friendsincode/fxcorr/internal/runctx"
	"github.com/friendsincode/fxcorr/internal/runlog"
	"github.com/friendsincode/fxcorr/internal/telemetry"
	"github.com/friendsincode/fxcorr/internal/transport"
)

var managerFlags struct {
	ctrlPath string
	obsPath  string
	workers  int
	bind     string
}

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the manager of a distributed correlation",
	Long: `Listen for node registrations and drive the job across them.

The manager waits until the log, output, input and worker nodes named
by the plan have all registered, then wires the data streams and
dispatches time slices until the job is done.`,
	RunE: runManager,
}

func init() {
	managerCmd.Flags().StringVarP(&managerFlags.ctrlPath, "ctrl", "c", "", "control file (required)")
	managerCmd.Flags().StringVarP(&managerFlags.obsPath, "obs", "o", "", "observation descriptor (required)")
	managerCmd.Flags().IntVarP(&managerFlags.workers, "workers", "w", 2, "correlator worker count")
	managerCmd.Flags().StringVar(&managerFlags.bind, "bind", "", "listen address (default from FXCORR_BIND)")
	managerCmd.MarkFlagRequired("ctrl")
	managerCmd.MarkFlagRequired("obs")
	rootCmd.AddCommand(managerCmd)
}

func runManager(cmd *cobra.Command, args []string) error {
	env := config.LoadEnv()
	log := logging.Setup(env.Environment)
	bind := managerFlags.bind
	if bind == "" {
		bind = env.BindAddr
	}

	c, err := config.Load(managerFlags.ctrlPath)
	if err != nil {
		return err
	}
	obs, err := obsdesc.Load(managerFlags.obsPath)
	if err != nil {
		return err
	}
	plan, err := manager.BuildPlan(c, obs, managerFlags.workers)
	if err != nil {
		return err
	}
	run := runctx.New(c.Job, c.Subjob, c.Seed, c.Deterministic)
	log.Info().Str("run", run.ID.String()).Str("experiment", obs.Exper.Name).
		Int("stations", len(c.Stations)).Int("workers", managerFlags.workers).
		Msg("starting distributed correlation")

	ctx, stop := signal.NotifyContext(runctx.With(context.Background(), run),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.NewBus()
	if env.NATSURL != "" {
		mirror, err := events.NewMirror(env.NATSURL, run.ID.String(), bus, log)
		if err != nil {
			return err
		}
		defer mirror.Close()
	}
	if env.MetricsBind != "" {
		go telemetry.Serve(ctx, env.MetricsBind, log)
	}

	store, err := runlog.Open(env.RunlogKind, env.RunlogDSN)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Begin(&runlog.Run{
		RunID:      run.ID.String(),
		Job:        c.Job,
		Subjob:     c.Subjob,
		Experiment: obs.Exper.Name,
		Stations:   strings.Join(c.Stations, ","),
	}); err != nil {
		return err
	}
	slicesDone, stopRecording := recordSlices(bus, store, run.ID.String())
	defer stopRecording()

	tn, err := transport.Listen(ctrl.RankManager, bind, log)
	if err != nil {
		return err
	}
	defer tn.Close()
	log.Info().Str("endpoint", tn.Endpoint()).Msg("manager listening")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(tn.Serve(gctx)) })

	runErr := manager.NewNode(tn, plan, bus, log.With().Str("node", "manager").Logger()).Run(gctx)
	cancel()
	if err := g.Wait(); runErr == nil && err != nil {
		runErr = err
	}
	if runErr != nil {
		store.Abort(run.ID.String(), runErr)
		return runErr
	}
	if err := store.Finish(run.ID.String(), slicesDone(), 0); err != nil {
		log.Warn().Err(err).Msg("run log update failed")
	}
	log.Info().Str("output", c.OutputFile).Msg("correlation finished")
	return nil
}
