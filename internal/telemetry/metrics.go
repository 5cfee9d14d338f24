/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes the correlator's prometheus metrics. All
// collectors live in the default registry; Serve publishes them on an
// optional HTTP endpoint.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// BytesRead counts recording bytes consumed, per station.
	BytesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxcorr_input_bytes_read_total",
		Help: "Recording bytes read per station datastream.",
	}, []string{"station"})

	// FramesRejected counts frames dropped for CRC or timecode faults.
	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxcorr_input_frames_rejected_total",
		Help: "Tape frames rejected by header validation.",
	}, []string{"station"})

	// SlicesDispatched counts work slices handed to correlator workers.
	SlicesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxcorr_slices_dispatched_total",
		Help: "Correlation slices dispatched by the manager.",
	})

	// SlicesCompleted counts finished slices.
	SlicesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxcorr_slices_completed_total",
		Help: "Correlation slices reported done by workers.",
	})

	// IdleWorkers tracks the manager's ready queue depth.
	IdleWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxcorr_idle_workers",
		Help: "Correlator workers currently waiting for a slice.",
	})

	// ReorderDepth tracks the output node's pending slice count.
	ReorderDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxcorr_output_reorder_depth",
		Help: "Slices buffered in the output reorder window.",
	})

	// OutputBytes counts bytes written to the output files.
	OutputBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxcorr_output_bytes_written_total",
		Help: "Bytes written to correlator output files.",
	})
)

// Serve publishes the metrics endpoint on addr until ctx is cancelled.
// An empty addr disables the endpoint.
func Serve(ctx context.Context, addr string, log zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
		}
	}()
}
