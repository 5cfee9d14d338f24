/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package inputnode owns one station recording. It runs the channel
// extractor over the byte stream and serves time slices of packed samples
// to correlator workers over outgoing data streams, in enqueue order per
// stream.
package inputnode

import (
	"context"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/recording"
	"github.com/friendsincode/fxcorr/internal/runctx"
	"github.com/friendsincode/fxcorr/internal/tape"
	"github.com/friendsincode/fxcorr/internal/telemetry"
	"github.com/friendsincode/fxcorr/internal/transport"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// chanQueue buffers one channel's extracted samples between the shared
// frame cursor and that channel's slice consumption.
type chanQueue struct {
	buf   []byte
	start vlbitime.Timestamp
	bits  int
}

func (q *chanQueue) samples() int64 { return int64(len(q.buf)) * 8 / int64(q.bits) }

func (q *chanQueue) end(rate int64) vlbitime.Timestamp {
	return q.start.Add(vlbitime.FromSampleCount(q.samples(), rate))
}

// Node is the input node state: the extractor pipeline plus the open
// outgoing streams.
type Node struct {
	tn  *transport.Node
	run *runctx.Run
	log zerolog.Logger

	setup   ctrl.InputSetup
	src     *recording.Source
	ext     tape.Extractor
	queues  []chanQueue
	aligned bool
	ended   bool
	seen    tape.Stats

	streams map[transport.Rank]net.Conn
}

// NewNode wraps a transport endpoint into an input node.
func NewNode(tn *transport.Node, run *runctx.Run, log zerolog.Logger) *Node {
	return &Node{
		tn:      tn,
		run:     run,
		log:     log.With().Str("node", "input").Int32("rank", int32(tn.Rank())).Logger(),
		streams: make(map[transport.Rank]net.Conn),
	}
}

// configure opens the recording and builds the extractor.
func (n *Node) configure(setup ctrl.InputSetup) error {
	format, err := tape.ParseFormat(setup.Format)
	if err != nil {
		return err
	}
	src, err := recording.Open(setup.Source.Paths...)
	if err != nil {
		return err
	}
	channels := make([]tape.ChannelMap, len(setup.Channels))
	for i, cm := range setup.Channels {
		channels[i] = tape.ChannelMap{SignTracks: cm.SignTracks, MagTracks: cm.MagTracks}
	}
	cfg := tape.Config{
		Format:              format,
		NTracks:             setup.NTracks,
		TrackBitRate:        setup.TrackBitRate,
		Channels:            channels,
		InsertRandomHeaders: setup.RandomHeaders,
		Reference:           setup.Reference,
		StrictRateCheck:     setup.StrictRate,
		VDIFThread:          setup.VDIFThread,
	}
	if setup.RandomHeaders {
		cfg.Rand = n.run.StreamRand(int(n.tn.Rank()))
	}
	warn := func(format string, args ...any) {
		n.log.Warn().Str("station", setup.Station).Msgf(format, args...)
	}
	ext, err := tape.New(cfg, src, warn)
	if err != nil {
		src.Close()
		return err
	}
	n.setup = setup
	n.src = src
	n.ext = ext
	n.queues = make([]chanQueue, len(channels))
	for i := range n.queues {
		n.queues[i].bits = channels[i].BitsPerSample()
	}
	return nil
}

// dataTime maps correlator time to recording time. A station whose clock
// runs early carries timestamps ahead of the wall clock by the
// whole-second reader offset.
func (n *Node) dataTime(t vlbitime.Timestamp) vlbitime.Timestamp {
	return t.Add(n.setup.ReaderOffset)
}

// align positions the frame cursor for the first slice and stamps every
// channel queue with the cursor time.
func (n *Node) align(start vlbitime.Timestamp) error {
	if err := n.ext.FindHeader(); err != nil {
		return err
	}
	if err := n.ext.GotoTime(n.dataTime(start)); err != nil {
		return err
	}
	t := n.ext.CurrentTime().Add(-n.setup.ReaderOffset)
	for i := range n.queues {
		n.queues[i].start = t
	}
	n.aligned = true
	return nil
}

// fill reads frames until channel ch covers time end or the recording is
// exhausted. Every frame feeds all channel queues; slices for different
// channels consume independently.
func (n *Node) fill(ch int, end vlbitime.Timestamp, rate int64) error {
	for !n.ended && n.queues[ch].end(rate).Before(end) {
		if err := n.ext.ReadFrame(); err != nil {
			if err == io.EOF {
				n.ended = true
				if n.setup.ExitOnEmpty && n.queues[ch].samples() == 0 {
					return fxerr.Resourcef("station %s recording is empty", n.setup.Station)
				}
				return nil
			}
			return err
		}
		for i := range n.queues {
			n.queues[i].buf = n.ext.Extract(i, n.queues[i].buf)
		}
	}
	return nil
}

// serve cuts one slice out of a channel queue and writes it to the
// destination stream. A recording that ends mid-slice produces a short
// block; the correlator pads the remainder with zero weight.
func (n *Node) serve(ts ctrl.TimeSlice) error {
	conn, ok := n.streams[ts.Dest]
	if !ok {
		return fxerr.Protocolf("no data stream to rank %d", ts.Dest)
	}
	if int(ts.ChannelNr) < 0 || int(ts.ChannelNr) >= len(n.queues) {
		return fxerr.Protocolf("slice %d names channel %d of %d",
			ts.SliceNr, ts.ChannelNr, len(n.queues))
	}
	if !n.aligned {
		if err := n.align(ts.Start); err != nil {
			return err
		}
	}
	if err := n.fill(int(ts.ChannelNr), ts.Start.Add(ts.Duration), ts.SampleRate); err != nil {
		return err
	}
	q := &n.queues[ts.ChannelNr]

	dropSamples := ts.Start.Sub(q.start).SampleCount(ts.SampleRate)
	if dropSamples < 0 {
		return fxerr.Protocolf("slice %d starts %v before channel %d queue",
			ts.SliceNr, q.start.Sub(ts.Start), ts.ChannelNr)
	}
	if dropSamples*int64(q.bits)%8 != 0 {
		return fxerr.Configf("slice %d start is not byte aligned in channel %d",
			ts.SliceNr, ts.ChannelNr)
	}
	dropBytes := dropSamples * int64(q.bits) / 8
	if dropBytes > int64(len(q.buf)) {
		dropBytes = int64(len(q.buf))
	}
	q.buf = q.buf[dropBytes:]
	q.start = ts.Start

	want := ts.SampleCount * int64(q.bits) / 8
	got := want
	if got > int64(len(q.buf)) {
		got = int64(len(q.buf))
	}
	hdr := ctrl.DataBlockHeader{
		SliceNr:   ts.SliceNr,
		ChannelNr: ts.ChannelNr,
		StreamNr:  ts.StreamNr,
	}
	if err := ctrl.WriteDataBlock(conn, hdr, q.buf[:got]); err != nil {
		return err
	}
	if got < want {
		n.log.Warn().
			Int32("slice", ts.SliceNr).
			Int64("want", want).
			Int64("got", got).
			Msg("recording ended mid-slice")
	}
	q.buf = q.buf[got:]
	q.start = q.start.Add(vlbitime.FromSampleCount(got*8/int64(q.bits), ts.SampleRate))
	n.count()
	return nil
}

// count folds the extractor's counter deltas into the metrics.
func (n *Node) count() {
	st := n.ext.Stats()
	telemetry.BytesRead.WithLabelValues(n.setup.Station).
		Add(float64(st.BytesRead - n.seen.BytesRead))
	telemetry.FramesRejected.WithLabelValues(n.setup.Station).
		Add(float64(st.FramesRejected - n.seen.FramesRejected))
	n.seen = st
}

func (n *Node) close() {
	for _, c := range n.streams {
		c.Close()
	}
	if n.src != nil {
		n.src.Close()
	}
}

// abort reports a fatal error to the manager before the node exits.
func (n *Node) abort(err error) {
	body, encErr := ctrl.Encode(ctrl.Abort{Rank: n.tn.Rank(), Reason: err.Error()})
	if encErr == nil {
		if sendErr := n.tn.Send(ctrl.RankManager, ctrl.TagAbort, body); sendErr != nil {
			n.log.Error().Err(sendErr).Msg("abort notification failed")
		}
	}
}

// Run is the input node event loop.
func (n *Node) Run(ctx context.Context) error {
	defer n.close()
	for {
		var msg transport.Message
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-n.tn.Inbox():
		}
		switch msg.Tag {
		case ctrl.TagInputSetup:
			var setup ctrl.InputSetup
			if err := ctrl.Decode(msg.Data, &setup); err != nil {
				return err
			}
			if err := n.configure(setup); err != nil {
				n.abort(err)
				return err
			}
		case ctrl.TagConnectTo:
			var ct ctrl.ConnectTo
			if err := ctrl.Decode(msg.Data, &ct); err != nil {
				return err
			}
			conn, err := n.tn.OpenStream(ctx, ct.Endpoints, ct.StreamID)
			if err != nil {
				n.abort(err)
				return err
			}
			n.streams[ct.Peer] = conn
			body, err := ctrl.Encode(ctrl.Connected{StreamID: ct.StreamID})
			if err != nil {
				return err
			}
			if err := n.tn.Send(ctrl.RankManager, ctrl.TagConnected, body); err != nil {
				return err
			}
		case ctrl.TagTimeSlice:
			var ts ctrl.TimeSlice
			if err := ctrl.Decode(msg.Data, &ts); err != nil {
				return err
			}
			if err := n.serve(ts); err != nil {
				n.abort(err)
				return err
			}
		case ctrl.TagTerminate:
			if n.ext != nil {
				st := n.ext.Stats()
				n.log.Info().
					Int64("frames", st.FramesAccepted).
					Int64("rejected", st.FramesRejected).
					Int64("resyncs", st.Resyncs).
					Int64("bytes", st.BytesRead).
					Msg("input node done")
			}
			return nil
		default:
			return fxerr.Protocolf("input node got tag %d from rank %d", msg.Tag, msg.From)
		}
	}
}
