/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/friendsincode/fxcorr/internal/config"
	"github.com/friendsincode/fxcorr/internal/corrnode"
	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/inputnode"
	"github.com/friendsincode/fxcorr/internal/logging"
	"github.com/friendsincode/fxcorr/internal/lognode"
	"github.com/friendsincode/fxcorr/internal/outputnode"
	"github.com/friendsincode/fxcorr/internal/runctx"
	"github.com/friendsincode/fxcorr/internal/transport"
)

var nodeFlags struct {
	role          string
	rank          int32
	bind          string
	managerAddr   string
	logEndpoint   string
	logFile       string
	job           int32
	subjob        int32
	seed          int64
	deterministic bool
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run one node of a distributed correlation",
	Long: `Run a single node and register it with an already listening manager.

Ranks follow the manager's plan: 1 is the log node, 2 the output node,
3 onward the input nodes in station order, then the correlator workers.
Nodes other than the log node ship their log stream to the collector
when --log-endpoint names its address.`,
	RunE: runNode,
}

func init() {
	nodeCmd.Flags().StringVar(&nodeFlags.role, "role", "", "node role: log, output, input or worker (required)")
	nodeCmd.Flags().Int32Var(&nodeFlags.rank, "rank", -1, "node rank within the job (required)")
	nodeCmd.Flags().StringVar(&nodeFlags.bind, "bind", "", "listen address (default from FXCORR_BIND)")
	nodeCmd.Flags().StringVar(&nodeFlags.managerAddr, "manager", "", "manager endpoint (required)")
	nodeCmd.Flags().StringVar(&nodeFlags.logEndpoint, "log-endpoint", "", "log node endpoint for shipped logs")
	nodeCmd.Flags().StringVar(&nodeFlags.logFile, "log-file", "", "collected log destination (log role)")
	nodeCmd.Flags().Int32Var(&nodeFlags.job, "job", 0, "job number of the run")
	nodeCmd.Flags().Int32Var(&nodeFlags.subjob, "subjob", 0, "subjob number of the run")
	nodeCmd.Flags().Int64Var(&nodeFlags.seed, "seed", 0, "sample generator seed (input role)")
	nodeCmd.Flags().BoolVar(&nodeFlags.deterministic, "deterministic", false, "derive stream seeds deterministically")
	nodeCmd.MarkFlagRequired("role")
	nodeCmd.MarkFlagRequired("rank")
	nodeCmd.MarkFlagRequired("manager")
	rootCmd.AddCommand(nodeCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	env := config.LoadEnv()
	bind := nodeFlags.bind
	if bind == "" {
		bind = env.BindAddr
	}
	rank := transport.Rank(nodeFlags.rank)
	if rank <= ctrl.RankManager {
		return fmt.Errorf("rank %d is reserved for the manager", nodeFlags.rank)
	}

	log := logging.Setup(env.Environment)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tn, err := transport.Listen(rank, bind, log)
	if err != nil {
		return err
	}
	defer tn.Close()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(tn.Serve(gctx)) })

	if err := tn.Connect(gctx, ctrl.RankManager, []string{nodeFlags.managerAddr}); err != nil {
		return err
	}
	if nodeFlags.logEndpoint != "" && nodeFlags.role != "log" {
		if err := tn.Connect(gctx, ctrl.RankLog, []string{nodeFlags.logEndpoint}); err != nil {
			return err
		}
		ship := lognode.NewShipWriter(tn, fmt.Sprintf("%s-%d", nodeFlags.role, rank))
		log = logging.SetupWithWriter(env.Environment, ship)
	}
	if err := register(tn); err != nil {
		return err
	}
	log.Info().Str("role", nodeFlags.role).Int32("rank", int32(rank)).
		Str("endpoint", tn.Endpoint()).Msg("node registered")

	switch nodeFlags.role {
	case "log":
		sink, err := openLogSink(nodeFlags.logFile)
		if err != nil {
			return err
		}
		if nodeFlags.logFile != "" {
			defer sink.Close()
		}
		err = ignoreCancel(lognode.NewNode(tn, sink, zerolog.DebugLevel, log).Run(gctx))
	case "output":
		err = ignoreCancel(outputnode.Run(gctx, tn, log.With().Str("node", "output").Logger()))
	case "input":
		run := runctx.New(nodeFlags.job, nodeFlags.subjob, nodeFlags.seed, nodeFlags.deterministic)
		err = ignoreCancel(inputnode.NewNode(tn, run, log).Run(gctx))
	case "worker":
		err = ignoreCancel(corrnode.NewNode(tn, log.With().Int32("rank", int32(rank)).Logger()).Run(gctx))
	default:
		err = fmt.Errorf("unknown role %q", nodeFlags.role)
	}
	cancel()
	if werr := g.Wait(); err == nil && werr != nil {
		err = werr
	}
	return err
}
