/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/friendsincode/fxcorr/internal/config"
	"github.com/friendsincode/fxcorr/internal/corrnode"
	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/events"
	"github.com/friendsincode/fxcorr/internal/inputnode"
	"github.com/friendsincode/fxcorr/internal/logging"
	"github.com/friendsincode/fxcorr/internal/lognode"
	"github.com/friendsincode/fxcorr/internal/manager"
	"github.com/friendsincode/fxcorr/internal/obsdesc"
	"github.com/friendsincode/fxcorr/internal/outputnode"
	"github.com/friendsincode/fxcorr/internal/runctx"
	"github.com/friendsincode/fxcorr/internal/runlog"
	"github.com/friendsincode/fxcorr/internal/telemetry"
	"github.com/friendsincode/fxcorr/internal/transport"
)

var runFlags struct {
	ctrlPath string
	obsPath  string
	workers  int
	logFile  string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Correlate a job in a single process",
	Long:  "Run the manager, log, output, input and correlator nodes as one process over loopback connections.",
	RunE:  runSingle,
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.ctrlPath, "ctrl", "c", "", "control file (required)")
	runCmd.Flags().StringVarP(&runFlags.obsPath, "obs", "o", "", "observation descriptor (required)")
	runCmd.Flags().IntVarP(&runFlags.workers, "workers", "w", 2, "correlator worker count")
	runCmd.Flags().StringVar(&runFlags.logFile, "log-file", "", "collected node log destination")
	runCmd.MarkFlagRequired("ctrl")
	runCmd.MarkFlagRequired("obs")
	rootCmd.AddCommand(runCmd)
}

// register announces a node's endpoint to the manager.
func register(tn *transport.Node) error {
	body, err := ctrl.Encode(ctrl.NodeReady{
		Rank:      tn.Rank(),
		Endpoints: []string{tn.Endpoint()},
	})
	if err != nil {
		return err
	}
	return tn.Send(ctrl.RankManager, ctrl.TagNodeReady, body)
}

// spawn listens on loopback, connects to the manager, registers and runs
// the role body.
func spawn(ctx context.Context, g *errgroup.Group, rank transport.Rank, managerAddr string,
	log zerolog.Logger, body func(context.Context, *transport.Node) error) error {

	tn, err := transport.Listen(rank, "127.0.0.1:0", log)
	if err != nil {
		return err
	}
	g.Go(func() error { return ignoreCancel(tn.Serve(ctx)) })
	if err := tn.Connect(ctx, ctrl.RankManager, []string{managerAddr}); err != nil {
		tn.Close()
		return err
	}
	if err := register(tn); err != nil {
		tn.Close()
		return err
	}
	g.Go(func() error {
		defer tn.Close()
		return ignoreCancel(body(ctx, tn))
	})
	return nil
}

// ignoreCancel drops the context error that every node returns when the
// manager finishes first and the run context is torn down.
func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}

func runSingle(cmd *cobra.Command, args []string) error {
	env := config.LoadEnv()
	log := logging.Setup(env.Environment)

	c, err := config.Load(runFlags.ctrlPath)
	if err != nil {
		return err
	}
	obs, err := obsdesc.Load(runFlags.obsPath)
	if err != nil {
		return err
	}
	plan, err := manager.BuildPlan(c, obs, runFlags.workers)
	if err != nil {
		return err
	}
	run := runctx.New(c.Job, c.Subjob, c.Seed, c.Deterministic)
	log.Info().Str("run", run.ID.String()).Str("experiment", obs.Exper.Name).
		Int("stations", len(c.Stations)).Int("workers", runFlags.workers).
		Msg("starting correlation")

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

	mgrTN, err := transport.Listen(ctrl.RankManager, env.BindAddr, log)
	if err != nil {
		return err
	}
	defer mgrTN.Close()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(mgrTN.Serve(gctx)) })
	managerAddr := mgrTN.Endpoint()

	logSink, err := openLogSink(runFlags.logFile)
	if err != nil {
		return err
	}
	if runFlags.logFile != "" {
		defer logSink.Close()
	}

	err = spawn(gctx, g, ctrl.RankLog, managerAddr, log, func(ctx context.Context, tn *transport.Node) error {
		return lognode.NewNode(tn, logSink, zerolog.DebugLevel, log).Run(ctx)
	})
	if err != nil {
		return err
	}
	err = spawn(gctx, g, ctrl.RankOutput, managerAddr, log, func(ctx context.Context, tn *transport.Node) error {
		return outputnode.Run(ctx, tn, log.With().Str("node", "output").Logger())
	})
	if err != nil {
		return err
	}
	for rank := range plan.Inputs {
		err = spawn(gctx, g, rank, managerAddr, log, func(ctx context.Context, tn *transport.Node) error {
			return inputnode.NewNode(tn, run, log).Run(ctx)
		})
		if err != nil {
			return err
		}
	}
	for _, rank := range plan.Workers {
		r := rank
		err = spawn(gctx, g, r, managerAddr, log, func(ctx context.Context, tn *transport.Node) error {
			return corrnode.NewNode(tn, log.With().Int32("rank", int32(r)).Logger()).Run(ctx)
		})
		if err != nil {
			return err
		}
	}

	runErr := manager.NewNode(mgrTN, plan, bus, log.With().Str("node", "manager").Logger()).Run(gctx)
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

// recordSlices folds slice completion events into the run log until the
// returned stop function is called. The count function reports how many
// slices were recorded.
func recordSlices(bus *events.Bus, store *runlog.Store, runID string) (count func() int32, stop func()) {
	sub := bus.Subscribe(events.EventSliceDone)
	done := make(chan struct{})
	var n atomic.Int32
	go func() {
		defer close(done)
		for p := range sub {
			n.Add(1)
			store.AddSlice(&runlog.Slice{
				RunID:   runID,
				SliceNr: asInt32(p["slice_nr"]),
				Records: asInt32(p["records"]),
			})
		}
	}()
	return n.Load, func() {
		bus.Unsubscribe(events.EventSliceDone, sub)
		close(sub)
		<-done
	}
}

func asInt32(v any) int32 {
	switch x := v.(type) {
	case int32:
		return x
	case int:
		return int32(x)
	case int64:
		return int32(x)
	}
	return 0
}

func openLogSink(path string) (*os.File, error) {
	if path == "" {
		return os.Stderr, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("log file: %w", err)
	}
	return f, nil
}
