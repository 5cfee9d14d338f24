/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package manager drives a correlation run: it waits for every rank to
// register, configures the nodes, wires the data streams, and walks the
// schedule dispatching one slice at a time to idle correlator workers.
package manager

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/events"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/telemetry"
	"github.com/friendsincode/fxcorr/internal/transport"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// work is one dispatched slice awaiting its SliceDone.
type work struct {
	slice   corrdata.Slice
	worker  transport.Rank
	sources []transport.Rank
	delays  [][]float64
}

// Node is the manager state: the plan, the registered endpoints and the
// worker ready queue.
type Node struct {
	tn   *transport.Node
	plan *Plan
	log  zerolog.Logger
	bus  *events.Bus

	endpoints map[transport.Rank][]string
	idle      []transport.Rank
	inflight  map[int32]work
	done      int
	total     int
}

// NewNode wraps a transport endpoint into the manager. bus may be nil.
func NewNode(tn *transport.Node, plan *Plan, bus *events.Bus, log zerolog.Logger) *Node {
	return &Node{
		tn:        tn,
		plan:      plan,
		log:       log.With().Str("node", "manager").Logger(),
		bus:       bus,
		endpoints: make(map[transport.Rank][]string),
		inflight:  make(map[int32]work),
	}
}

func (n *Node) publish(et events.EventType, payload events.Payload) {
	if n.bus != nil {
		n.bus.Publish(et, payload)
	}
}

// expectedRanks lists every rank that must register before setup.
func (n *Node) expectedRanks() map[transport.Rank]bool {
	want := map[transport.Rank]bool{ctrl.RankLog: true, ctrl.RankOutput: true}
	for r := range n.plan.Inputs {
		want[r] = true
	}
	for _, r := range n.plan.Workers {
		want[r] = true
	}
	return want
}

// recv pulls the next control message, handling aborts uniformly.
func (n *Node) recv(ctx context.Context) (transport.Message, error) {
	var msg transport.Message
	select {
	case <-ctx.Done():
		return msg, ctx.Err()
	case msg = <-n.tn.Inbox():
	}
	if msg.Tag == ctrl.TagAbort {
		var ab ctrl.Abort
		if err := ctrl.Decode(msg.Data, &ab); err != nil {
			return msg, err
		}
		return msg, fxerr.Abort(int(ab.Rank), "remote", fxerr.Resourcef("%s", ab.Reason))
	}
	return msg, nil
}

// gather waits for a NodeReady from every expected rank and records its
// endpoints.
func (n *Node) gather(ctx context.Context) error {
	want := n.expectedRanks()
	for len(want) > 0 {
		msg, err := n.recv(ctx)
		if err != nil {
			return err
		}
		if msg.Tag != ctrl.TagNodeReady {
			return fxerr.Protocolf("manager got tag %d from rank %d before registration",
				msg.Tag, msg.From)
		}
		var nr ctrl.NodeReady
		if err := ctrl.Decode(msg.Data, &nr); err != nil {
			return err
		}
		if !want[nr.Rank] {
			return fxerr.Protocolf("unexpected registration from rank %d", nr.Rank)
		}
		delete(want, nr.Rank)
		n.endpoints[nr.Rank] = nr.Endpoints
		n.log.Debug().Int32("rank", int32(nr.Rank)).Strs("endpoints", nr.Endpoints).
			Msg("rank registered")
	}
	return nil
}

func (n *Node) send(to transport.Rank, tag transport.Tag, v any) error {
	body, err := ctrl.Encode(v)
	if err != nil {
		return err
	}
	return n.tn.Send(to, tag, body)
}

// setup configures the output node, every input node and every worker.
func (n *Node) setup() error {
	out := n.plan.Output
	out.Workers = len(n.plan.Workers)
	if err := n.send(ctrl.RankOutput, ctrl.TagOutputSetup, out); err != nil {
		return err
	}
	for rank, setup := range n.plan.Inputs {
		if err := n.send(rank, ctrl.TagInputSetup, setup); err != nil {
			return err
		}
	}
	for _, rank := range n.plan.Workers {
		if err := n.send(rank, ctrl.TagWorkerSetup, n.plan.Worker); err != nil {
			return err
		}
	}
	return nil
}

// wire establishes the data streams: one from every worker to the output
// node, one from every input node to every worker. Dispatch starts only
// after every Connected ack is in.
func (n *Node) wire(ctx context.Context) error {
	var streamID uint32
	pending := 0
	connect := func(writer, reader transport.Rank) error {
		streamID++
		err := n.send(writer, ctrl.TagConnectTo, ctrl.ConnectTo{
			StreamID:  streamID,
			Peer:      reader,
			Endpoints: n.endpoints[reader],
		})
		if err != nil {
			return err
		}
		pending++
		return nil
	}
	for _, w := range n.plan.Workers {
		if err := connect(w, ctrl.RankOutput); err != nil {
			return err
		}
	}
	for in := range n.plan.Inputs {
		for _, w := range n.plan.Workers {
			if err := connect(in, w); err != nil {
				return err
			}
		}
	}
	for pending > 0 {
		msg, err := n.recv(ctx)
		if err != nil {
			return err
		}
		if msg.Tag != ctrl.TagConnected {
			return fxerr.Protocolf("manager got tag %d from rank %d while wiring streams",
				msg.Tag, msg.From)
		}
		pending--
	}
	return nil
}

// takeWorker removes one idle worker. Deterministic runs pick the lowest
// rank; otherwise the ready queue is FIFO.
func (n *Node) takeWorker() transport.Rank {
	i := 0
	if n.plan.Deterministic {
		for j := 1; j < len(n.idle); j++ {
			if n.idle[j] < n.idle[i] {
				i = j
			}
		}
	}
	w := n.idle[i]
	n.idle = append(n.idle[:i], n.idle[i+1:]...)
	telemetry.IdleWorkers.Set(float64(len(n.idle)))
	return w
}

// dispatch commands every feeding input to push the slice's sample blocks
// to the worker and hands the slice to the worker.
func (n *Node) dispatch(u work) error {
	for i := range u.slice.Streams {
		s := &u.slice.Streams[i]
		err := n.send(u.sources[i], ctrl.TagTimeSlice, ctrl.TimeSlice{
			SliceNr:     u.slice.SliceNr,
			ChannelNr:   n.plan.inputChannel(u.slice.SliceNr, i),
			StreamNr:    s.StreamNr,
			Dest:        u.worker,
			Start:       s.Start,
			Duration:    s.Stop.Sub(s.Start),
			SampleRate:  s.SampleRate,
			SampleCount: s.SampleCount,
		})
		if err != nil {
			return err
		}
	}
	if err := n.send(u.worker, ctrl.TagCorrelate, ctrl.Correlate{
		Slice:        u.slice,
		Sources:      u.sources,
		SourceDelays: u.delays,
	}); err != nil {
		return err
	}
	n.inflight[u.slice.SliceNr] = u
	telemetry.SlicesDispatched.Inc()
	return nil
}

// sliceDone retires one slice and returns its worker to the ready queue.
func (n *Node) sliceDone(msg transport.Message) error {
	var sd ctrl.SliceDone
	if err := ctrl.Decode(msg.Data, &sd); err != nil {
		return err
	}
	u, ok := n.inflight[sd.SliceNr]
	if !ok {
		return fxerr.Protocolf("slice %d done but not in flight", sd.SliceNr)
	}
	delete(n.inflight, sd.SliceNr)
	n.idle = append(n.idle, u.worker)
	telemetry.IdleWorkers.Set(float64(len(n.idle)))
	telemetry.SlicesCompleted.Inc()
	n.done++
	n.publish(events.EventSliceDone, events.Payload{
		"slice_nr": sd.SliceNr,
		"records":  sd.Records,
		"done":     n.done,
		"total":    n.total,
	})
	n.log.Debug().Int32("slice", sd.SliceNr).Int("records", sd.Records).
		Int("done", n.done).Int("total", n.total).Msg("slice done")
	return nil
}

// correlate walks the schedule. Dispatch blocks on SliceDone whenever the
// ready queue is empty, so at most len(Workers) slices are in flight.
func (n *Node) correlate(ctx context.Context) error {
	sched, err := n.plan.Schedule()
	if err != nil {
		return err
	}
	n.total = len(sched)
	if err := n.send(ctrl.RankOutput, ctrl.TagSliceCount, ctrl.SliceCount{Total: int32(n.total)}); err != nil {
		return err
	}
	n.idle = append([]transport.Rank(nil), n.plan.Workers...)
	telemetry.IdleWorkers.Set(float64(len(n.idle)))

	var scan string
	for _, u := range sched {
		if sc := n.plan.scanOf(u.slice.SliceNr); sc != scan {
			scan = sc
			n.publish(events.EventScanStarted, events.Payload{"scan": scan})
			n.log.Info().Str("scan", scan).Time("start", u.slice.Start.Time()).
				Msg("scan started")
		}
		for len(n.idle) == 0 {
			msg, err := n.recv(ctx)
			if err != nil {
				return err
			}
			if msg.Tag != ctrl.TagSliceDone {
				return fxerr.Protocolf("manager got tag %d from rank %d while dispatching",
					msg.Tag, msg.From)
			}
			if err := n.sliceDone(msg); err != nil {
				return err
			}
		}
		u.worker = n.takeWorker()
		if err := n.dispatch(u); err != nil {
			return err
		}
	}
	for n.done < n.total {
		msg, err := n.recv(ctx)
		if err != nil {
			return err
		}
		if msg.Tag != ctrl.TagSliceDone {
			return fxerr.Protocolf("manager got tag %d from rank %d while draining",
				msg.Tag, msg.From)
		}
		if err := n.sliceDone(msg); err != nil {
			return err
		}
	}
	return nil
}

// waitOutput blocks until the output node reports every record written.
func (n *Node) waitOutput(ctx context.Context) (int64, error) {
	for {
		msg, err := n.recv(ctx)
		if err != nil {
			return 0, err
		}
		if msg.Tag != ctrl.TagOutputDone {
			return 0, fxerr.Protocolf("manager got tag %d from rank %d while waiting for output",
				msg.Tag, msg.From)
		}
		var od ctrl.OutputDone
		if err := ctrl.Decode(msg.Data, &od); err != nil {
			return 0, err
		}
		return od.Bytes, nil
	}
}

// terminate broadcasts the shutdown tag to every registered rank.
func (n *Node) terminate() {
	for rank := range n.endpoints {
		if err := n.tn.Send(rank, ctrl.TagTerminate, nil); err != nil {
			n.log.Warn().Err(err).Int32("rank", int32(rank)).Msg("terminate send failed")
		}
	}
}

// Run executes the whole state machine. On any error the run is torn down
// by broadcasting Terminate; partial output files are not useful.
func (n *Node) Run(ctx context.Context) error {
	err := n.run(ctx)
	n.terminate()
	if err != nil {
		n.publish(events.EventRunAborted, events.Payload{"reason": err.Error()})
		n.log.Error().Err(err).Msg("run aborted")
		return err
	}
	return nil
}

func (n *Node) run(ctx context.Context) error {
	n.publish(events.EventRunStarted, events.Payload{
		"start": n.plan.Start.Time(),
		"stop":  n.plan.Stop.Time(),
	})
	if err := n.gather(ctx); err != nil {
		return err
	}
	if err := n.setup(); err != nil {
		return err
	}
	if err := n.wire(ctx); err != nil {
		return err
	}
	if err := n.correlate(ctx); err != nil {
		return err
	}
	bytes, err := n.waitOutput(ctx)
	if err != nil {
		return err
	}
	n.publish(events.EventRunFinished, events.Payload{
		"slices": n.total,
		"bytes":  bytes,
	})
	n.log.Info().Int("slices", n.total).Int64("bytes", bytes).Msg("run finished")
	return nil
}

// clipWindows shortens a duration to a whole number of FFT windows at the
// stream sample rate.
func clipWindows(d vlbitime.Duration, fftSize int, rate int64) (vlbitime.Duration, int) {
	samples := d.SampleCount(rate)
	windows := int(samples / int64(fftSize))
	return vlbitime.FromSampleCount(int64(windows)*int64(fftSize), rate), windows
}
