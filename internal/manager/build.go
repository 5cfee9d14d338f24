/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package manager

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/friendsincode/fxcorr/internal/config"
	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/delaymodel"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/obsdesc"
	"github.com/friendsincode/fxcorr/internal/transport"
	"github.com/friendsincode/fxcorr/internal/version"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// BuildPlan assembles the run plan from the control file and the
// observation descriptor. One job correlates one mode; jobs spanning
// several modes are split by the operator. Workers is the number of
// correlator ranks following the input ranks.
func BuildPlan(c *config.Control, obs *obsdesc.Observation, workers int) (*Plan, error) {
	if workers < 1 {
		return nil, fxerr.Configf("at least one correlator worker is required")
	}

	scans, mode, err := selectScans(c, obs)
	if err != nil {
		return nil, err
	}

	start, stop, err := runWindow(c, scans)
	if err != nil {
		return nil, err
	}
	integr, sub := c.Integration()

	setups := make(map[string]*obsdesc.Setup, len(c.Stations))
	for _, st := range c.Stations {
		s, err := obs.Setup(st, mode)
		if err != nil {
			return nil, err
		}
		setups[st] = s
	}
	setupStation := c.SetupStation
	if setupStation == "" {
		setupStation = c.Stations[0]
	}

	plan := &Plan{
		Start:         start,
		Stop:          stop,
		IntegrTime:    integr,
		SubIntegrTime: sub,
		Inputs:        make(map[transport.Rank]ctrl.InputSetup),
		Deterministic: c.Deterministic,
	}

	stationRank := make(map[string]transport.Rank, len(c.Stations))
	for i, st := range c.Stations {
		rank := ctrl.RankFirstIn + transport.Rank(i)
		stationRank[st] = rank
		is, err := inputSetup(c, obs, st, int32(i), setups[st], start)
		if err != nil {
			return nil, err
		}
		plan.Inputs[rank] = is
	}
	for w := 0; w < workers; w++ {
		plan.Workers = append(plan.Workers, ctrl.RankFirstIn+transport.Rank(len(c.Stations)+w))
	}

	channels := channelPlans(c, setups[setupStation])

	allSources := map[string]bool{}
	var sourceList []string
	for _, sc := range scans {
		scanStart, _ := sc.StartTime()
		scanStop, _ := sc.StopTime()
		ps := Scan{
			Name:    sc.Name,
			Start:   scanStart,
			Stop:    scanStop,
			Sources: sc.SourceList(),
		}
		if !c.MultiPhaseCentre() && len(ps.Sources) > 1 {
			ps.Sources = ps.Sources[:1]
		}
		for _, src := range ps.Sources {
			if !allSources[src] {
				allSources[src] = true
				sourceList = append(sourceList, src)
			}
		}
		for _, cp := range channels {
			scp := ChannelPlan{ChannelNr: cp.ChannelNr, CrossChannelNr: cp.CrossChannelNr}
			for _, st := range c.Stations {
				if !sc.HasStation(st) {
					continue
				}
				for _, name := range cp.names {
					sp, err := streamPlan(c, st, stationRank[st], int32(indexOf(c.Stations, st)),
						setups[st], name)
					if err != nil {
						return nil, err
					}
					scp.Streams = append(scp.Streams, sp)
				}
			}
			if len(scp.Streams) > 0 {
				if err := checkBandwidths(c, sc.Name, &scp); err != nil {
					return nil, err
				}
				ps.Channels = append(ps.Channels, scp)
			}
		}
		plan.Scans = append(plan.Scans, ps)
	}

	fftCorr := c.FFTSizeCorrelation
	if fftCorr == 0 {
		fftCorr = 2 * c.NumberChannels
	}
	fftDelay := c.FFTSizeDelaycor
	if fftDelay == 0 {
		fftDelay = fftCorr
	}
	plan.Worker = ctrl.WorkerSetup{
		FFTSizeDelay:   fftDelay,
		FFTSizeCorr:    fftCorr,
		NumberChannels: c.NumberChannels,
		Window:         c.WindowName(),
		DelayDir:       c.DelayDirectory,
		DelayGenerator: c.DelayGenerator,
		CalPath:        c.CalFile,
	}
	for i, st := range c.Stations {
		plan.Worker.Stations = append(plan.Worker.Stations, stationClock(c, obs, st, int32(i), start))
	}
	if c.PulsarBinning {
		ps, bins := pulsarSetup(c)
		plan.Worker.Pulsar = ps
		plan.PulsarBins = bins
	}

	plan.Output = ctrl.OutputSetup{
		Path:    c.OutputFile,
		Bins:    max(plan.PulsarBins, 1),
		Workers: workers,
		Header: corrdata.GlobalHeader{
			PolType:         polType(c, channels),
			Start:           start,
			NumberChannels:  int32(c.NumberChannels),
			IntegrationTime: integr,
			Job:             c.Job,
			Subjob:          c.Subjob,
			CorrelatorBuild: version.BuildID(),
			Experiment:      obs.Exper.Name,
			Stations:        c.Stations,
			Sources:         sourceList,
		},
	}
	if c.MultiPhaseCentre() {
		plan.Output.Sources = sourceList
		plan.SourceDelay = sourceDelayFunc(c)
	}
	return plan, nil
}

// selectScans filters the schedule to the control window and checks the
// single-mode rule.
func selectScans(c *config.Control, obs *obsdesc.Observation) ([]obsdesc.Scan, string, error) {
	cStart, haveStart, err := c.StartTime()
	if err != nil {
		return nil, "", err
	}
	cStop, haveStop, err := c.StopTime()
	if err != nil {
		return nil, "", err
	}
	var out []obsdesc.Scan
	mode := ""
	for _, sc := range obs.Scans() {
		scanStart, err := sc.StartTime()
		if err != nil {
			return nil, "", err
		}
		scanStop, err := sc.StopTime()
		if err != nil {
			return nil, "", err
		}
		if haveStart && !scanStop.After(cStart) {
			continue
		}
		if haveStop && !scanStart.Before(cStop) {
			continue
		}
		participates := false
		for _, st := range c.Stations {
			if sc.HasStation(st) {
				participates = true
				break
			}
		}
		if !participates {
			continue
		}
		if mode == "" {
			mode = sc.Mode
		} else if sc.Mode != mode {
			return nil, "", fxerr.Configf("scans %s mixes mode %s with %s; correlate one mode per job",
				sc.Name, sc.Mode, mode)
		}
		out = append(out, sc)
	}
	if len(out) == 0 {
		return nil, "", fxerr.Configf("no scans fall inside the correlation window")
	}
	return out, mode, nil
}

// runWindow derives the job window, falling back to the schedule for
// "now" and "end".
func runWindow(c *config.Control, scans []obsdesc.Scan) (vlbitime.Timestamp, vlbitime.Timestamp, error) {
	start, haveStart, err := c.StartTime()
	if err != nil {
		return 0, 0, err
	}
	stop, haveStop, err := c.StopTime()
	if err != nil {
		return 0, 0, err
	}
	if !haveStart {
		start, _ = scans[0].StartTime()
	}
	if !haveStop {
		for _, sc := range scans {
			e, _ := sc.StopTime()
			if e.After(stop) {
				stop = e
			}
		}
	}
	if !start.Before(stop) {
		return 0, 0, fxerr.Configf("correlation window %v to %v is empty", start, stop)
	}
	return start, stop, nil
}

func inputSetup(c *config.Control, obs *obsdesc.Observation, station string, stationNr int32,
	setup *obsdesc.Setup, start vlbitime.Timestamp) (ctrl.InputSetup, error) {

	paths := c.DataSources[station]
	is := ctrl.InputSetup{
		Station:       station,
		StationNr:     stationNr,
		Source:        ctrl.DataSource{Paths: paths},
		Format:        setup.Format.String(),
		NTracks:       setup.NTracks,
		TrackBitRate:  setup.TrackBitRate,
		Reference:     start,
		RandomHeaders: true,
		StrictRate:    c.StrictRate(),
		ExitOnEmpty:   c.ExitOnEmptyDatastream,
	}
	for i, ch := range setup.Channels {
		is.Channels = append(is.Channels, ctrl.ChannelMapConfig{
			SignTracks: ch.SignTracks,
			MagTracks:  ch.MagTracks,
		})
		// multi-thread VDIF streams are split per thread upstream, so
		// one thread id covers the whole input
		if i == 0 {
			is.VDIFThread = ch.VDIFThread
		}
	}
	offset, _, _, ok := obs.Clock(station, start)
	if ok {
		reader, _ := delaymodel.SplitOffset(offset)
		is.ReaderOffset = reader
	}
	return is, nil
}

func stationClock(c *config.Control, obs *obsdesc.Observation, station string, stationNr int32,
	start vlbitime.Timestamp) ctrl.StationClock {

	sc := ctrl.StationClock{Station: station, StationNr: stationNr, Epoch: start}
	if offset, rate, epoch, ok := obs.Clock(station, start); ok {
		_, residual := delaymodel.SplitOffset(offset)
		sc.Offset = residual
		sc.Rate = rate * c.ClockRateScale()
		sc.Epoch = epoch
	}
	return sc
}

// bandPlan is an intermediate channel grouping: the channel numbers plus
// the frequency channel names each station must serve for it.
type bandPlan struct {
	ChannelNr      int32
	CrossChannelNr int32
	names          []string
}

// channelPlans groups the setup station's channels into dispatchable
// units. Cross-polarisation pairs matching frequency channels of
// opposite polarisation into one unit.
func channelPlans(c *config.Control, setup *obsdesc.Setup) []bandPlan {
	var plans []bandPlan
	if !c.CrossPolarize {
		for i := range setup.Channels {
			plans = append(plans, bandPlan{
				ChannelNr:      int32(i),
				CrossChannelNr: -1,
				names:          []string{setup.Channels[i].Name},
			})
		}
		return plans
	}
	paired := make([]bool, len(setup.Channels))
	for i := range setup.Channels {
		if paired[i] {
			continue
		}
		a := &setup.Channels[i]
		plan := bandPlan{ChannelNr: int32(i), CrossChannelNr: -1, names: []string{a.Name}}
		for j := i + 1; j < len(setup.Channels); j++ {
			b := &setup.Channels[j]
			if paired[j] || a.SkyFreq != b.SkyFreq || a.Bandwidth != b.Bandwidth ||
				a.Sideband != b.Sideband || a.Polarisation == b.Polarisation {
				continue
			}
			plan.CrossChannelNr = int32(j)
			plan.names = append(plan.names, b.Name)
			paired[j] = true
			break
		}
		paired[i] = true
		plans = append(plans, plan)
	}
	return plans
}

func streamPlan(c *config.Control, station string, rank transport.Rank, stationNr int32,
	setup *obsdesc.Setup, chName string) (StreamPlan, error) {

	idx := -1
	for i := range setup.Channels {
		if setup.Channels[i].Name == chName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return StreamPlan{}, fxerr.Configf("station %s does not record channel %s", station, chName)
	}
	ch := &setup.Channels[idx]
	bits := 1
	if len(ch.MagTracks) > 0 {
		bits = 2
	}
	stream := corrdata.StationStream{
		StationNr:     stationNr,
		SampleRate:    setup.SampleRate,
		Bandwidth:     ch.Bandwidth,
		ChannelFreq:   ch.SkyFreq,
		Sideband:      ch.Sideband,
		Polarisation:  ch.Polarisation,
		BitsPerSample: bits,
		ExtraDelay:    c.ExtraDelayFor(station, ch.Name, string(rune(ch.Polarisation))),
	}
	if off, ok := c.LOOffset[station]; ok {
		stream.LOOffset = off.Start
		if off.End != off.Start || off.Steps > 1 {
			stream.LOOffsetEnd = off.End
			stream.LOOffsetSteps = off.Steps
		}
	}
	return StreamPlan{Input: rank, InputChannel: int32(idx), Stream: stream}, nil
}

// checkBandwidths enforces matching recorded bands across the streams of
// one dispatch unit. With allow_mixed_bandwidth the narrower band may lie
// inside the wider one; the correlator clips to the overlap.
func checkBandwidths(c *config.Control, scanName string, cp *ChannelPlan) error {
	ref := cp.Streams[0].Stream
	for i := 1; i < len(cp.Streams); i++ {
		s := cp.Streams[i].Stream
		if s.ChannelFreq == ref.ChannelFreq && s.Bandwidth == ref.Bandwidth &&
			s.Sideband == ref.Sideband {
			continue
		}
		if !c.AllowMixedBandwidth {
			return fxerr.Configf("scan %s channel %d mixes bands %g MHz @ %g and %g MHz @ %g across stations",
				scanName, cp.ChannelNr, ref.Bandwidth, ref.ChannelFreq, s.Bandwidth, s.ChannelFreq)
		}
		if !bandContained(s, ref) && !bandContained(ref, s) {
			return fxerr.Configf("scan %s channel %d: bands %g MHz @ %g and %g MHz @ %g do not contain one another",
				scanName, cp.ChannelNr, ref.Bandwidth, ref.ChannelFreq, s.Bandwidth, s.ChannelFreq)
		}
	}
	return nil
}

func bandSpan(s corrdata.StationStream) (lo, hi float64) {
	if s.Sideband == corrdata.LowerSideband {
		return s.ChannelFreq - s.Bandwidth, s.ChannelFreq
	}
	return s.ChannelFreq, s.ChannelFreq + s.Bandwidth
}

func bandContained(inner, outer corrdata.StationStream) bool {
	ilo, ihi := bandSpan(inner)
	olo, ohi := bandSpan(outer)
	return ilo >= olo && ihi <= ohi
}

// pulsarSetup picks the configured pulsar, by name for determinism, and
// returns the bin count including the off-pulse bin.
func pulsarSetup(c *config.Control) (*ctrl.PulsarSetup, int) {
	names := make([]string, 0, len(c.Pulsars))
	for name := range c.Pulsars {
		names = append(names, name)
	}
	sort.Strings(names)
	p := c.Pulsars[names[0]]
	return &ctrl.PulsarSetup{
		PolycoPath: p.PolycoFile,
		IntervalLo: p.Interval[0],
		IntervalHi: p.Interval[1],
		NBins:      p.NBins,
	}, p.NBins + 1
}

func polType(c *config.Control, channels []bandPlan) corrdata.PolarisationType {
	if c.CrossPolarize {
		return corrdata.PolTypeCross
	}
	for _, cp := range channels {
		if len(cp.names) > 1 {
			return corrdata.PolTypeDual
		}
	}
	return corrdata.PolTypeSingle
}

// sourceDelayFunc resolves per-source delay tables named
// <station>_<source>.del in the delay directory, loading each at most
// once.
func sourceDelayFunc(c *config.Control) SourceDelayFunc {
	var mu sync.Mutex
	tables := make(map[string]*delaymodel.Table)
	return func(source string, station int32, at vlbitime.Timestamp) float64 {
		if int(station) >= len(c.Stations) {
			return 0
		}
		name := strings.ToLower(c.Stations[station]) + "_" + source + ".del"
		mu.Lock()
		t, ok := tables[name]
		if !ok {
			var err error
			t, err = delaymodel.Load(context.Background(),
				filepath.Join(c.DelayDirectory, name), c.Stations[station], c.DelayGenerator)
			if err != nil {
				t = nil
			}
			tables[name] = t
		}
		mu.Unlock()
		if t == nil {
			return 0
		}
		return t.Delay(at)
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
