/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package corrnode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/friendsincode/fxcorr/internal/calib"
	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/delaymodel"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/transport"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

type blockKey struct {
	slice  int32
	stream int32
}

type block struct {
	key     blockKey
	payload []byte
}

// Node is the correlator worker process: it receives slice assignments,
// collects the matching sample blocks from the input nodes and feeds the
// correlation core.
type Node struct {
	tn  *transport.Node
	log zerolog.Logger

	setup   ctrl.WorkerSetup
	opts    Options
	haveSet bool

	tables map[int32]*delaymodel.Table
	clocks map[int32]ctrl.StationClock
	cal    *calib.Table
	binner *Binner

	out    net.Conn
	blocks map[blockKey][]byte
	arrive chan block
	rdErrs chan error
}

// NewNode wraps a transport endpoint into a correlator worker.
func NewNode(tn *transport.Node, log zerolog.Logger) *Node {
	return &Node{
		tn:     tn,
		log:    log.With().Str("node", "correlator").Int32("rank", int32(tn.Rank())).Logger(),
		tables: make(map[int32]*delaymodel.Table),
		clocks: make(map[int32]ctrl.StationClock),
		blocks: make(map[blockKey][]byte),
		arrive: make(chan block, 64),
		rdErrs: make(chan error, 8),
	}
}

func (n *Node) configure(ctx context.Context, setup ctrl.WorkerSetup) error {
	window, err := ParseWindow(setup.Window)
	if err != nil {
		return err
	}
	n.opts = Options{
		FFTSizeDelay:   setup.FFTSizeDelay,
		FFTSizeCorr:    setup.FFTSizeCorr,
		NumberChannels: setup.NumberChannels,
		Window:         window,
	}
	if err := n.opts.Validate(); err != nil {
		return err
	}
	for _, sc := range setup.Stations {
		n.clocks[sc.StationNr] = sc
	}
	if setup.CalPath != "" {
		f, err := os.Open(setup.CalPath)
		if err != nil {
			return fxerr.Resourcef("open calibration table %s: %v", setup.CalPath, err)
		}
		n.cal, err = calib.Read(f)
		f.Close()
		if err != nil {
			return err
		}
	}
	if p := setup.Pulsar; p != nil {
		f, err := os.Open(p.PolycoPath)
		if err != nil {
			return fxerr.Resourcef("open polyco file %s: %v", p.PolycoPath, err)
		}
		polycos, perr := ReadPolycos(f)
		f.Close()
		if perr != nil {
			return perr
		}
		n.binner = &Binner{Polycos: polycos, Lo: p.IntervalLo, Hi: p.IntervalHi, NBins: p.NBins}
	}
	n.setup = setup
	n.haveSet = true
	return nil
}

// model composes the delay model for one stream, loading the station's
// delay table on first use.
func (n *Node) model(ctx context.Context, s *corrdata.StationStream) (*delaymodel.StationModel, error) {
	sc, ok := n.clocks[s.StationNr]
	if !ok {
		return nil, fxerr.Configf("no clock solution for station %d", s.StationNr)
	}
	table, ok := n.tables[s.StationNr]
	if !ok {
		path := filepath.Join(n.setup.DelayDir, strings.ToLower(sc.Station)+".del")
		var err error
		table, err = delaymodel.Load(ctx, path, sc.Station, n.setup.DelayGenerator)
		if err != nil {
			return nil, err
		}
		n.tables[s.StationNr] = table
	}
	return &delaymodel.StationModel{
		Table:      table,
		Clock:      delaymodel.Clock{Offset: sc.Offset, Rate: sc.Rate, Epoch: sc.Epoch},
		ExtraDelay: sc.ExtraDelay + s.ExtraDelay,
	}, nil
}

// collect waits until every stream of the slice has delivered its sample
// block.
func (n *Node) collect(ctx context.Context, c ctrl.Correlate) (map[int32][]byte, error) {
	want := make(map[blockKey]bool, len(c.Slice.Streams))
	for _, s := range c.Slice.Streams {
		want[blockKey{slice: c.Slice.SliceNr, stream: s.StreamNr}] = true
	}
	got := make(map[int32][]byte, len(want))
	take := func(k blockKey, payload []byte) {
		if want[k] {
			got[k.stream] = payload
			delete(want, k)
			delete(n.blocks, k)
		}
	}
	for k, payload := range n.blocks {
		take(k, payload)
	}
	for len(want) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-n.rdErrs:
			return nil, err
		case b := <-n.arrive:
			if want[b.key] {
				take(b.key, b.payload)
			} else {
				n.blocks[b.key] = b.payload
			}
		}
	}
	return got, nil
}

func (n *Node) correlate(ctx context.Context, c ctrl.Correlate) error {
	if !n.haveSet {
		return fxerr.Protocolf("correlate before worker setup")
	}
	if n.out == nil {
		return fxerr.Protocolf("correlate before output stream is connected")
	}
	data, err := n.collect(ctx, c)
	if err != nil {
		return err
	}
	inputs := make([]StationInput, len(c.Slice.Streams))
	for i := range c.Slice.Streams {
		s := &c.Slice.Streams[i]
		m, err := n.model(ctx, s)
		if err != nil {
			return err
		}
		inputs[i] = StationInput{
			Stream:  *s,
			Model:   m,
			Samples: bytes.NewReader(data[s.StreamNr]),
		}
	}
	var srcDelay SourceDelayFunc
	if len(c.SourceDelays) > 0 {
		byStation := make(map[int32]int, len(c.Slice.Streams))
		for i, s := range c.Slice.Streams {
			byStation[s.StationNr] = i
		}
		delays := c.SourceDelays
		srcDelay = func(source int, station int32, _ vlbitime.Timestamp) float64 {
			if source >= len(delays) {
				return 0
			}
			i, ok := byStation[station]
			if !ok || i >= len(delays[source]) {
				return 0
			}
			return delays[source][i]
		}
	}
	core, err := New(Config{
		Options:     n.opts,
		Slice:       c.Slice,
		Inputs:      inputs,
		Cal:         n.cal,
		Binner:      n.binner,
		SourceDelay: srcDelay,
		Log:         n.log,
	})
	if err != nil {
		return err
	}
	records, err := core.Run()
	if err != nil {
		return err
	}
	for i := range records {
		if err := records[i].Encode(n.out); err != nil {
			return fxerr.Resourcef("slice %d record: %v", c.Slice.SliceNr, err)
		}
	}
	body, err := ctrl.Encode(ctrl.SliceDone{SliceNr: c.Slice.SliceNr, Records: len(records)})
	if err != nil {
		return err
	}
	return n.tn.Send(ctrl.RankManager, ctrl.TagSliceDone, body)
}

func (n *Node) readBlocks(s transport.Stream) {
	for {
		hdr, payload, err := ctrl.ReadDataBlock(s)
		if err != nil {
			s.Close()
			if !errors.Is(err, io.EOF) {
				select {
				case n.rdErrs <- err:
				default:
				}
			}
			return
		}
		n.arrive <- block{
			key:     blockKey{slice: hdr.SliceNr, stream: hdr.StreamNr},
			payload: payload,
		}
	}
}

func (n *Node) abort(err error) {
	body, encErr := ctrl.Encode(ctrl.Abort{Rank: n.tn.Rank(), Reason: err.Error()})
	if encErr == nil {
		if sendErr := n.tn.Send(ctrl.RankManager, ctrl.TagAbort, body); sendErr != nil {
			n.log.Error().Err(sendErr).Msg("abort notification failed")
		}
	}
}

// Run is the correlator worker event loop.
func (n *Node) Run(ctx context.Context) error {
	defer func() {
		if n.out != nil {
			n.out.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-n.tn.Streams():
			go n.readBlocks(s)
		case err := <-n.rdErrs:
			n.abort(err)
			return err
		case msg := <-n.tn.Inbox():
			switch msg.Tag {
			case ctrl.TagWorkerSetup:
				var setup ctrl.WorkerSetup
				if err := ctrl.Decode(msg.Data, &setup); err != nil {
					return err
				}
				if err := n.configure(ctx, setup); err != nil {
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
				n.out = conn
				body, err := ctrl.Encode(ctrl.Connected{StreamID: ct.StreamID})
				if err != nil {
					return err
				}
				if err := n.tn.Send(ctrl.RankManager, ctrl.TagConnected, body); err != nil {
					return err
				}
			case ctrl.TagCorrelate:
				var c ctrl.Correlate
				if err := ctrl.Decode(msg.Data, &c); err != nil {
					return err
				}
				if err := n.correlate(ctx, c); err != nil {
					n.abort(err)
					return err
				}
			case ctrl.TagTerminate:
				return nil
			default:
				return fxerr.Protocolf("correlator node got tag %d from rank %d",
					msg.Tag, msg.From)
			}
		}
	}
}
