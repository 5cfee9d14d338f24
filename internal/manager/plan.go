/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package manager

import (
	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/transport"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// StreamPlan binds one station stream of a channel to the input node and
// extractor channel that produce it.
type StreamPlan struct {
	Input        transport.Rank
	InputChannel int32

	// Stream is the template for the slice's StationStream; the manager
	// fills Start, Stop and SampleCount per slice.
	Stream corrdata.StationStream
}

// ChannelPlan is one dispatchable channel: a single frequency channel, or
// a cross-polarisation pair whose streams carry both polarisations.
type ChannelPlan struct {
	ChannelNr      int32
	CrossChannelNr int32
	Streams        []StreamPlan
}

// Scan is one schedule entry.
type Scan struct {
	Name  string
	Start vlbitime.Timestamp
	Stop  vlbitime.Timestamp

	// Sources lists the phase centres, one entry outside
	// multi-phase-centre runs.
	Sources []string

	Channels []ChannelPlan
}

// SourceDelayFunc returns the extra geometric delay of a station towards
// a phase centre, in seconds.
type SourceDelayFunc func(source string, station int32, at vlbitime.Timestamp) float64

// Plan is everything the manager needs to run: the schedule, the node
// configurations and the dispatch policy.
type Plan struct {
	Start vlbitime.Timestamp
	Stop  vlbitime.Timestamp

	IntegrTime    vlbitime.Duration
	SubIntegrTime vlbitime.Duration

	Scans []Scan

	Inputs  map[transport.Rank]ctrl.InputSetup
	Workers []transport.Rank
	Worker  ctrl.WorkerSetup
	Output  ctrl.OutputSetup

	// Deterministic selects rank-order worker dispatch instead of the
	// ready queue, for reproducible runs.
	Deterministic bool

	// PulsarBins is the bin count for binning runs, the off-pulse bin 0
	// included; 0 otherwise.
	PulsarBins int

	// SourceDelay feeds the per-source rotation of multi-phase-centre
	// runs. Ignored for single-source scans.
	SourceDelay SourceDelayFunc

	meta map[int32]sliceMeta
}

type sliceMeta struct {
	scan       string
	inputChans []int32
}

func (p *Plan) scanOf(sliceNr int32) string { return p.meta[sliceNr].scan }

func (p *Plan) inputChannel(sliceNr int32, stream int) int32 {
	return p.meta[sliceNr].inputChans[stream]
}

func (p *Plan) validate() error {
	if !p.Start.Before(p.Stop) {
		return fxerr.Configf("stop time %v is not after start time %v", p.Stop, p.Start)
	}
	if p.IntegrTime <= 0 || p.SubIntegrTime <= 0 {
		return fxerr.Configf("integration and sub-integration times must be positive")
	}
	if p.SubIntegrTime > p.IntegrTime {
		return fxerr.Configf("sub-integration time %v exceeds integration time %v",
			p.SubIntegrTime, p.IntegrTime)
	}
	if len(p.Workers) == 0 {
		return fxerr.Configf("no correlator workers configured")
	}
	if len(p.Inputs) == 0 {
		return fxerr.Configf("no input nodes configured")
	}
	for si := range p.Scans {
		for ci := range p.Scans[si].Channels {
			cp := &p.Scans[si].Channels[ci]
			if len(cp.Streams) == 0 {
				return fxerr.Configf("scan %s channel %d has no station streams",
					p.Scans[si].Name, cp.ChannelNr)
			}
			rate := cp.Streams[0].Stream.SampleRate
			for i := range cp.Streams {
				if cp.Streams[i].Stream.SampleRate != rate {
					return fxerr.Configf("scan %s channel %d mixes sample rates",
						p.Scans[si].Name, cp.ChannelNr)
				}
				if _, ok := p.Inputs[cp.Streams[i].Input]; !ok {
					return fxerr.Configf("scan %s channel %d names unknown input rank %d",
						p.Scans[si].Name, cp.ChannelNr, cp.Streams[i].Input)
				}
			}
		}
	}
	return nil
}

// Schedule expands the plan into the dense slice sequence: per scan, per
// integration, per sub-integration, per channel. Slice numbers are the
// positions in this sequence, which is the order the output file carries.
func (p *Plan) Schedule() ([]work, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.meta = make(map[int32]sliceMeta)
	var sched []work
	var sliceNr, integrationNr int32
	for si := range p.Scans {
		scan := &p.Scans[si]
		start, stop := scan.Start, scan.Stop
		if p.Start.After(start) {
			start = p.Start
		}
		if p.Stop.Before(stop) {
			stop = p.Stop
		}
		if !start.Before(stop) || len(scan.Channels) == 0 {
			continue
		}
		for t := start; t.Before(stop); t = t.Add(p.IntegrTime) {
			iEnd := t.Add(p.IntegrTime)
			if stop.Before(iEnd) {
				iEnd = stop
			}
			for u := t; u.Before(iEnd); u = u.Add(p.SubIntegrTime) {
				d := p.SubIntegrTime
				if iEnd.Before(u.Add(d)) {
					d = iEnd.Sub(u)
				}
				for ci := range scan.Channels {
					u2, ok := p.buildSlice(scan, &scan.Channels[ci], sliceNr, integrationNr, u, d)
					if !ok {
						continue
					}
					sched = append(sched, u2)
					sliceNr++
				}
			}
			integrationNr++
		}
	}
	if len(sched) == 0 {
		return nil, fxerr.Configf("schedule is empty between %v and %v", p.Start, p.Stop)
	}
	return sched, nil
}

// buildSlice materialises one (sub-integration, channel) work unit. A span
// too short for a single FFT window produces no slice.
func (p *Plan) buildSlice(scan *Scan, cp *ChannelPlan, sliceNr, integrationNr int32,
	start vlbitime.Timestamp, d vlbitime.Duration) (work, bool) {

	rate := cp.Streams[0].Stream.SampleRate
	fft := p.Worker.FFTSizeCorr
	clipped, windows := clipWindows(d, fft, rate)
	if windows == 0 {
		return work{}, false
	}
	samples := int64(windows) * int64(fft)

	slice := corrdata.Slice{
		IntegrationNr:  integrationNr,
		SliceNr:        sliceNr,
		ChannelNr:      cp.ChannelNr,
		CrossChannelNr: cp.CrossChannelNr,
		Start:          start,
		Duration:       clipped,
		FFTWindows:     windows,
		PulsarBins:     p.PulsarBins,
		Sources:        scan.Sources,
		Streams:        make([]corrdata.StationStream, len(cp.Streams)),
	}
	sources := make([]transport.Rank, len(cp.Streams))
	inputChans := make([]int32, len(cp.Streams))
	for i := range cp.Streams {
		s := cp.Streams[i].Stream
		s.StreamNr = int32(i)
		s.Start = start
		s.Stop = start.Add(clipped)
		s.SampleCount = samples
		slice.Streams[i] = s
		sources[i] = cp.Streams[i].Input
		inputChans[i] = cp.Streams[i].InputChannel
	}

	var delays [][]float64
	if len(scan.Sources) > 1 && p.SourceDelay != nil {
		mid := start.Add(clipped / 2)
		delays = make([][]float64, len(scan.Sources))
		for si, src := range scan.Sources {
			delays[si] = make([]float64, len(slice.Streams))
			for i := range slice.Streams {
				delays[si][i] = p.SourceDelay(src, slice.Streams[i].StationNr, mid)
			}
		}
	}

	p.meta[sliceNr] = sliceMeta{scan: scan.Name, inputChans: inputChans}
	return work{slice: slice, sources: sources, delays: delays}, true
}
