/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package obsdesc models the observation descriptor: the subset of the
// VEX schedule the correlator needs, pre-digested into a YAML document
// by the observation tooling. It resolves the per-station data format,
// channel layout and clock solutions for a mode.
package obsdesc

import (
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/tape"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// ScanStation is one station's participation in a scan, with on-source
// offsets in seconds relative to the scan start.
type ScanStation struct {
	Station   string  `yaml:"station"`
	DataStart float64 `yaml:"data_start"`
	DataStop  float64 `yaml:"data_stop"`
}

// Scan is one schedule entry.
type Scan struct {
	Name     string        `yaml:"name"`
	Start    string        `yaml:"start"`
	Mode     string        `yaml:"mode"`
	Source   string        `yaml:"source"`
	Sources  []string      `yaml:"sources"`
	Stations []ScanStation `yaml:"stations"`
}

// StartTime parses the scan start stamp.
func (s *Scan) StartTime() (vlbitime.Timestamp, error) {
	return vlbitime.Parse(s.Start)
}

// StopTime returns the end of the longest station's on-source window.
func (s *Scan) StopTime() (vlbitime.Timestamp, error) {
	start, err := s.StartTime()
	if err != nil {
		return 0, err
	}
	var longest float64
	for _, st := range s.Stations {
		if st.DataStop > longest {
			longest = st.DataStop
		}
	}
	return start.Add(vlbitime.FromSeconds(longest)), nil
}

// SourceList returns the scan's phase centres. A plain source key gives
// a single-centre scan.
func (s *Scan) SourceList() []string {
	if len(s.Sources) > 0 {
		return s.Sources
	}
	if s.Source != "" {
		return []string{s.Source}
	}
	return nil
}

// HasStation reports whether the station takes part in the scan.
func (s *Scan) HasStation(station string) bool {
	for _, st := range s.Stations {
		if st.Station == station {
			return true
		}
	}
	return false
}

// Mode maps each referenced block to the station using it.
type Mode struct {
	Freq        map[string]string `yaml:"freq"`
	BBC         map[string]string `yaml:"bbc"`
	IF          map[string]string `yaml:"if"`
	Tracks      map[string]string `yaml:"tracks"`
	Bitstreams  map[string]string `yaml:"bitstreams"`
	Datastreams map[string]string `yaml:"datastreams"`
}

// FreqChannel is one frequency channel definition.
type FreqChannel struct {
	Name      string  `yaml:"name"`
	SkyFreq   float64 `yaml:"freq"`
	Bandwidth float64 `yaml:"bandwidth"`
	Sideband  string  `yaml:"sideband"`
	BBC       string  `yaml:"bbc"`
}

// Freq is a FREQ block. SampleRate lives here under descriptor
// vocabulary 1.5 and earlier.
type Freq struct {
	SampleRate int64         `yaml:"sample_rate"`
	Channels   []FreqChannel `yaml:"channels"`
}

// BBC links a baseband converter to its IF.
type BBC struct {
	IF string `yaml:"if"`
}

// IF carries the polarisation of an intermediate frequency chain.
type IF struct {
	Polarisation string `yaml:"polarisation"`
}

// FanoutDef assigns one channel's bits to physical track numbers.
type FanoutDef struct {
	Channel string `yaml:"channel"`
	Sign    []int  `yaml:"sign"`
	Mag     []int  `yaml:"mag"`
}

// Tracks is a TRACKS block for tape style formats.
type Tracks struct {
	TrackFrameFormat string      `yaml:"track_frame_format"`
	FanoutDefs       []FanoutDef `yaml:"fanout_defs"`
}

// BitstreamDef assigns one channel to Mark5B bit-stream indices. Mag is
// absent for 1-bit data.
type BitstreamDef struct {
	Channel string `yaml:"channel"`
	Sign    int    `yaml:"sign"`
	Mag     *int   `yaml:"mag"`
}

// Bitstreams is a BITSTREAMS block. SampleRate lives here under
// vocabulary 2.0 and later.
type Bitstreams struct {
	SampleRate int64          `yaml:"sample_rate"`
	Streams    []BitstreamDef `yaml:"streams"`
}

// ThreadDef lists the channels carried by one VDIF thread.
type ThreadDef struct {
	Thread   int      `yaml:"thread"`
	Channels []string `yaml:"channels"`
}

// Datastreams is a DATASTREAMS block describing a VDIF stream.
type Datastreams struct {
	SampleRate    int64       `yaml:"sample_rate"`
	BitsPerSample int         `yaml:"bits_per_sample"`
	Threads       []ThreadDef `yaml:"threads"`
}

// ClockSolution is one piece of a station's piecewise-linear clock
// model. Offset is seconds at the epoch; Rate is in the control file's
// clock rate units.
type ClockSolution struct {
	Epoch  string  `yaml:"epoch"`
	Offset float64 `yaml:"offset"`
	Rate   float64 `yaml:"rate"`
}

// Station carries per-station references outside any mode.
type Station struct {
	DAS string `yaml:"das"`
}

// DAS describes the data acquisition rack, used as a format fallback
// under the older vocabulary.
type DAS struct {
	Rack     string `yaml:"rack"`
	Recorder string `yaml:"recorder"`
}

// Exper is the EXPER block.
type Exper struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Observation is the parsed descriptor document.
type Observation struct {
	Rev         float64                    `yaml:"vex_rev"`
	Exper       Exper                      `yaml:"exper"`
	ScanList    []Scan                     `yaml:"scans"`
	Modes       map[string]Mode            `yaml:"modes"`
	Stations    map[string]Station         `yaml:"stations"`
	Freqs       map[string]Freq            `yaml:"freqs"`
	BBCs        map[string]BBC             `yaml:"bbcs"`
	IFs         map[string]IF              `yaml:"ifs"`
	Tracks      map[string]Tracks          `yaml:"tracks"`
	Bitstreams  map[string]Bitstreams      `yaml:"bitstreams"`
	Datastreams map[string]Datastreams     `yaml:"datastreams"`
	Clocks      map[string][]ClockSolution `yaml:"clocks"`
	DAS         map[string]DAS             `yaml:"das"`
}

// Channel is one resolved frequency channel of a station setup.
type Channel struct {
	Name         string
	SkyFreq      float64
	Bandwidth    float64
	Sideband     corrdata.Sideband
	Polarisation corrdata.Polarisation
	SignTracks   []int
	MagTracks    []int
	VDIFThread   int
}

// Setup is the resolved recording description for one station in one
// mode.
type Setup struct {
	Format        tape.Format
	NTracks       int
	TrackBitRate  int64
	SampleRate    int64
	BitsPerSample int
	Channels      []Channel
}

// Parse reads a descriptor document from bytes.
func Parse(data []byte) (*Observation, error) {
	var o Observation
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fxerr.Configf("observation descriptor: %v", err)
	}
	if len(o.ScanList) == 0 {
		return nil, fxerr.Configf("observation descriptor has no scans")
	}
	for i := range o.ScanList {
		sc := &o.ScanList[i]
		if _, err := sc.StartTime(); err != nil {
			return nil, fxerr.Configf("scan %s: %v", sc.Name, err)
		}
		if _, ok := o.Modes[sc.Mode]; !ok {
			return nil, fxerr.Configf("scan %s references unknown mode %s", sc.Name, sc.Mode)
		}
		if len(sc.SourceList()) == 0 {
			return nil, fxerr.Configf("scan %s has no source", sc.Name)
		}
	}
	return &o, nil
}

// Load reads and parses a descriptor from disk.
func Load(path string) (*Observation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fxerr.Resourcef("observation descriptor: %v", err)
	}
	return Parse(data)
}

// Scans returns the schedule sorted by start time.
func (o *Observation) Scans() []Scan {
	out := make([]Scan, len(o.ScanList))
	copy(out, o.ScanList)
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := out[i].StartTime()
		tj, _ := out[j].StartTime()
		return ti.Before(tj)
	})
	return out
}

// Clock evaluates the station's clock at the given time, picking the
// solution with the latest epoch not after it. ok is false when the
// station has no clock entry.
func (o *Observation) Clock(station string, at vlbitime.Timestamp) (offset, rate float64, epoch vlbitime.Timestamp, ok bool) {
	sols := o.Clocks[station]
	if len(sols) == 0 {
		return 0, 0, 0, false
	}
	best := -1
	var bestEpoch vlbitime.Timestamp
	for i, s := range sols {
		e, err := vlbitime.Parse(s.Epoch)
		if err != nil {
			continue
		}
		if e.After(at) {
			continue
		}
		if best < 0 || e.After(bestEpoch) {
			best, bestEpoch = i, e
		}
	}
	if best < 0 {
		// all epochs lie after t; fall back to the earliest
		best = 0
		bestEpoch, _ = vlbitime.Parse(sols[0].Epoch)
	}
	return sols[best].Offset, sols[best].Rate, bestEpoch, true
}

func parseSideband(s string) (corrdata.Sideband, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "U", "USB", "UPPER":
		return corrdata.UpperSideband, nil
	case "L", "LSB", "LOWER":
		return corrdata.LowerSideband, nil
	}
	return 0, fxerr.Configf("unknown sideband %q", s)
}

func parsePolarisation(s string) (corrdata.Polarisation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "R", "RCP":
		return corrdata.PolR, nil
	case "L", "LCP":
		return corrdata.PolL, nil
	case "X", "H":
		return corrdata.PolX, nil
	case "Y", "V":
		return corrdata.PolY, nil
	}
	return 0, fxerr.Configf("unknown polarisation %q", s)
}

// polarisationOf chases the channel's BBC and IF references.
func (o *Observation) polarisationOf(ch FreqChannel) (corrdata.Polarisation, error) {
	bbc, ok := o.BBCs[ch.BBC]
	if !ok {
		return 0, fxerr.Configf("channel %s references unknown BBC %s", ch.Name, ch.BBC)
	}
	ifdef, ok := o.IFs[bbc.IF]
	if !ok {
		return 0, fxerr.Configf("BBC %s references unknown IF %s", ch.BBC, bbc.IF)
	}
	return parsePolarisation(ifdef.Polarisation)
}

// wordWidth rounds a highest track number up to a frame word width.
func wordWidth(maxTrack int) (int, error) {
	for _, w := range []int{8, 16, 32, 64} {
		if maxTrack < w {
			return w, nil
		}
	}
	return 0, fxerr.Configf("track number %d exceeds the 64 bit frame word", maxTrack)
}

// formatOf applies the data format selection rules: a DATASTREAMS
// reference means VDIF, BITSTREAMS means Mark5B, TRACKS defers to
// track_frame_format, and with none of those the DAS rack decides.
func (o *Observation) formatOf(station string, mode Mode) (tape.Format, error) {
	if _, ok := mode.Datastreams[station]; ok {
		return tape.FormatVDIF, nil
	}
	if _, ok := mode.Bitstreams[station]; ok {
		return tape.FormatMark5B, nil
	}
	if ref, ok := mode.Tracks[station]; ok {
		tb, ok := o.Tracks[ref]
		if !ok {
			return 0, fxerr.Configf("station %s references unknown tracks block %s", station, ref)
		}
		if tb.TrackFrameFormat != "" {
			return tape.ParseFormat(tb.TrackFrameFormat)
		}
	}
	st, ok := o.Stations[station]
	if !ok {
		return 0, fxerr.Configf("no format information for station %s", station)
	}
	das, ok := o.DAS[st.DAS]
	if !ok {
		return 0, fxerr.Configf("station %s references unknown DAS block %s", station, st.DAS)
	}
	switch strings.ToUpper(das.Rack) {
	case "MARK4":
		return tape.FormatMark4, nil
	case "VLBA", "VLBA4":
		return tape.FormatVLBA, nil
	case "MARK5B":
		return tape.FormatMark5B, nil
	}
	return 0, fxerr.Configf("cannot infer data format for station %s from rack %q",
		station, das.Rack)
}

// Setup resolves the full recording description for a station in a
// mode.
func (o *Observation) Setup(station, modeName string) (*Setup, error) {
	mode, ok := o.Modes[modeName]
	if !ok {
		return nil, fxerr.Configf("unknown mode %s", modeName)
	}
	freqRef, ok := mode.Freq[station]
	if !ok {
		return nil, fxerr.Configf("mode %s has no FREQ for station %s", modeName, station)
	}
	freq, ok := o.Freqs[freqRef]
	if !ok {
		return nil, fxerr.Configf("station %s references unknown FREQ block %s", station, freqRef)
	}
	format, err := o.formatOf(station, mode)
	if err != nil {
		return nil, err
	}

	setup := &Setup{Format: format}
	for _, fc := range freq.Channels {
		sb, err := parseSideband(fc.Sideband)
		if err != nil {
			return nil, fxerr.Configf("channel %s: %v", fc.Name, err)
		}
		pol, err := o.polarisationOf(fc)
		if err != nil {
			return nil, err
		}
		setup.Channels = append(setup.Channels, Channel{
			Name:         fc.Name,
			SkyFreq:      fc.SkyFreq,
			Bandwidth:    fc.Bandwidth,
			Sideband:     sb,
			Polarisation: pol,
		})
	}
	pick := func(name string) (*Channel, error) {
		for i := range setup.Channels {
			if setup.Channels[i].Name == name {
				return &setup.Channels[i], nil
			}
		}
		return nil, fxerr.Configf("fanout references unknown channel %s", name)
	}

	switch format {
	case tape.FormatMark4, tape.FormatVLBA:
		ref := mode.Tracks[station]
		tb, ok := o.Tracks[ref]
		if !ok {
			return nil, fxerr.Configf("mode %s has no TRACKS for station %s", modeName, station)
		}
		maxTrack := 0
		for _, fd := range tb.FanoutDefs {
			ch, err := pick(fd.Channel)
			if err != nil {
				return nil, err
			}
			if len(fd.Sign) == 0 {
				return nil, fxerr.Configf("channel %s has no sign tracks", fd.Channel)
			}
			if len(fd.Mag) > 0 && len(fd.Mag) != len(fd.Sign) {
				return nil, fxerr.Configf("channel %s has %d mag tracks for %d sign tracks",
					fd.Channel, len(fd.Mag), len(fd.Sign))
			}
			ch.SignTracks = fd.Sign
			ch.MagTracks = fd.Mag
			for _, t := range append(append([]int(nil), fd.Sign...), fd.Mag...) {
				if t > maxTrack {
					maxTrack = t
				}
			}
		}
		setup.NTracks, err = wordWidth(maxTrack)
		if err != nil {
			return nil, err
		}
		setup.SampleRate = o.sampleRate(freq, nil, nil)
		if setup.SampleRate == 0 {
			return nil, fxerr.Configf("no sample rate for station %s in mode %s", station, modeName)
		}
		if len(tb.FanoutDefs) > 0 {
			fanout := len(tb.FanoutDefs[0].Sign)
			if setup.SampleRate%int64(fanout) != 0 {
				return nil, fxerr.Configf("sample rate %d is not a multiple of fanout %d",
					setup.SampleRate, fanout)
			}
			setup.TrackBitRate = setup.SampleRate / int64(fanout)
		}

	case tape.FormatMark5B:
		// the layout comes from a BITSTREAMS block, or from a TRACKS
		// block whose track numbers name bit-stream indices
		nstreams := 0
		var bsp *Bitstreams
		if ref, ok := mode.Bitstreams[station]; ok {
			bs, ok := o.Bitstreams[ref]
			if !ok {
				return nil, fxerr.Configf("station %s references unknown bitstreams block %s", station, ref)
			}
			bsp = &bs
			for _, sd := range bs.Streams {
				ch, err := pick(sd.Channel)
				if err != nil {
					return nil, err
				}
				ch.SignTracks = []int{sd.Sign}
				if sd.Mag != nil {
					ch.MagTracks = []int{*sd.Mag}
					if *sd.Mag >= nstreams {
						nstreams = *sd.Mag + 1
					}
				}
				if sd.Sign >= nstreams {
					nstreams = sd.Sign + 1
				}
			}
		} else if ref, ok := mode.Tracks[station]; ok {
			tb, ok := o.Tracks[ref]
			if !ok {
				return nil, fxerr.Configf("station %s references unknown tracks block %s", station, ref)
			}
			for _, fd := range tb.FanoutDefs {
				ch, err := pick(fd.Channel)
				if err != nil {
					return nil, err
				}
				ch.SignTracks = fd.Sign
				ch.MagTracks = fd.Mag
				for _, t := range append(append([]int(nil), fd.Sign...), fd.Mag...) {
					if t >= nstreams {
						nstreams = t + 1
					}
				}
			}
		} else {
			return nil, fxerr.Configf("mode %s has no BITSTREAMS or TRACKS for station %s", modeName, station)
		}
		w := 1
		for w < nstreams {
			w *= 2
		}
		setup.NTracks = w
		setup.SampleRate = o.sampleRate(freq, bsp, nil)
		if setup.SampleRate == 0 {
			return nil, fxerr.Configf("no sample rate for station %s in mode %s", station, modeName)
		}
		setup.TrackBitRate = setup.SampleRate

	case tape.FormatVDIF:
		ref := mode.Datastreams[station]
		ds, ok := o.Datastreams[ref]
		if !ok {
			return nil, fxerr.Configf("mode %s has no DATASTREAMS for station %s", modeName, station)
		}
		for _, td := range ds.Threads {
			for _, name := range td.Channels {
				ch, err := pick(name)
				if err != nil {
					return nil, err
				}
				ch.VDIFThread = td.Thread
				ch.SignTracks = []int{0}
				if ds.BitsPerSample == 2 {
					ch.MagTracks = []int{1}
				}
			}
		}
		setup.SampleRate = o.sampleRate(freq, nil, &ds)
		if setup.SampleRate == 0 {
			return nil, fxerr.Configf("no sample rate for station %s in mode %s", station, modeName)
		}
		setup.TrackBitRate = setup.SampleRate
		setup.BitsPerSample = ds.BitsPerSample
	}

	for i := range setup.Channels {
		if setup.Channels[i].SignTracks == nil {
			return nil, fxerr.Configf("channel %s has no track assignment for station %s",
				setup.Channels[i].Name, station)
		}
	}
	if setup.BitsPerSample == 0 && len(setup.Channels) > 0 {
		if len(setup.Channels[0].MagTracks) > 0 {
			setup.BitsPerSample = 2
		} else {
			setup.BitsPerSample = 1
		}
	}
	return setup, nil
}

// sampleRate applies the vocabulary rules: revision 2.0 moved the rate
// from the FREQ block into the BITSTREAMS and DATASTREAMS blocks.
func (o *Observation) sampleRate(freq Freq, bs *Bitstreams, ds *Datastreams) int64 {
	if o.Rev >= 2.0 {
		if ds != nil && ds.SampleRate > 0 {
			return ds.SampleRate
		}
		if bs != nil && bs.SampleRate > 0 {
			return bs.SampleRate
		}
	}
	if freq.SampleRate > 0 {
		return freq.SampleRate
	}
	// tolerate misplaced rates across vocabulary versions
	if ds != nil && ds.SampleRate > 0 {
		return ds.SampleRate
	}
	if bs != nil && bs.SampleRate > 0 {
		return bs.SampleRate
	}
	return 0
}
