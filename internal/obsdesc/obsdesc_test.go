/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package obsdesc

import (
	"strings"
	"testing"

	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/tape"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

const mark4Doc = `
vex_rev: 1.5
exper:
  name: F07L1
scans:
  - name: No0001
    start: 2007y123d04h30m00s
    mode: mk4
    source: 3C345
    stations:
      - {station: Ef, data_start: 0, data_stop: 30}
      - {station: Wb, data_start: 0, data_stop: 30}
modes:
  mk4:
    freq: {Ef: freq1, Wb: freq1}
    tracks: {Ef: trk1, Wb: trk1}
freqs:
  freq1:
    sample_rate: 32000000
    channels:
      - {name: CH01, freq: 4966.0, bandwidth: 16.0, sideband: U, bbc: BBC01}
      - {name: CH02, freq: 4966.0, bandwidth: 16.0, sideband: U, bbc: BBC02}
bbcs:
  BBC01: {if: IF_R}
  BBC02: {if: IF_L}
ifs:
  IF_R: {polarisation: R}
  IF_L: {polarisation: L}
tracks:
  trk1:
    track_frame_format: Mark4
    fanout_defs:
      - {channel: CH01, sign: [2, 4], mag: [3, 5]}
      - {channel: CH02, sign: [6, 8], mag: [7, 9]}
clocks:
  Ef:
    - {epoch: 2007y123d00h00m00s, offset: 1.5e-6, rate: 0.1}
    - {epoch: 2007y123d06h00m00s, offset: 2.0e-6, rate: 0.2}
  Wb:
    - {epoch: 2007y124d00h00m00s, offset: -3.0e-6, rate: 0.0}
`

func parseDoc(t *testing.T, doc string) *Observation {
	t.Helper()
	o, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return o
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"no scans", "exper: {name: X}\n"},
		{"unknown mode", strings.Replace(mark4Doc, "mode: mk4", "mode: nope", 1)},
		{"bad start", strings.Replace(mark4Doc, "2007y123d04h30m00s", "yesterday", 1)},
		{"no source", strings.Replace(mark4Doc, "source: 3C345", "source: \"\"", 1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Fatalf("Parse accepted %s", tc.name)
			}
		})
	}
}

func TestSetupMark4(t *testing.T) {
	o := parseDoc(t, mark4Doc)
	s, err := o.Setup("Ef", "mk4")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if s.Format != tape.FormatMark4 {
		t.Fatalf("format = %v, want Mark4", s.Format)
	}
	if s.NTracks != 16 {
		t.Errorf("NTracks = %d, want 16", s.NTracks)
	}
	if s.SampleRate != 32000000 {
		t.Errorf("SampleRate = %d, want 32000000", s.SampleRate)
	}
	if s.TrackBitRate != 16000000 {
		t.Errorf("TrackBitRate = %d, want 16000000 at fanout 2", s.TrackBitRate)
	}
	if s.BitsPerSample != 2 {
		t.Errorf("BitsPerSample = %d, want 2", s.BitsPerSample)
	}
	if len(s.Channels) != 2 {
		t.Fatalf("got %d channels, want 2", len(s.Channels))
	}
	ch := s.Channels[0]
	if ch.Name != "CH01" || ch.Sideband != corrdata.UpperSideband ||
		ch.Polarisation != corrdata.PolR {
		t.Errorf("channel 0 resolved as %+v", ch)
	}
	if len(ch.SignTracks) != 2 || ch.SignTracks[0] != 2 {
		t.Errorf("channel 0 sign tracks = %v", ch.SignTracks)
	}
	if s.Channels[1].Polarisation != corrdata.PolL {
		t.Errorf("channel 1 polarisation = %v, want L", s.Channels[1].Polarisation)
	}
}

func TestSetupMark5B(t *testing.T) {
	doc := `
vex_rev: 2.0
exper: {name: F07L1}
scans:
  - name: No0001
    start: 2007y123d04h30m00s
    mode: mk5b
    source: 3C345
    stations:
      - {station: Ef, data_start: 0, data_stop: 30}
modes:
  mk5b:
    freq: {Ef: freq1}
    bitstreams: {Ef: bs1}
freqs:
  freq1:
    channels:
      - {name: CH01, freq: 4966.0, bandwidth: 16.0, sideband: L, bbc: BBC01}
      - {name: CH02, freq: 4982.0, bandwidth: 16.0, sideband: U, bbc: BBC01}
bbcs:
  BBC01: {if: IF_R}
ifs:
  IF_R: {polarisation: RCP}
bitstreams:
  bs1:
    sample_rate: 64000000
    streams:
      - {channel: CH01, sign: 0, mag: 1}
      - {channel: CH02, sign: 2, mag: 3}
`
	o := parseDoc(t, doc)
	s, err := o.Setup("Ef", "mk5b")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if s.Format != tape.FormatMark5B {
		t.Fatalf("format = %v, want Mark5B", s.Format)
	}
	if s.NTracks != 4 {
		t.Errorf("NTracks = %d, want 4 bit-streams", s.NTracks)
	}
	// revision 2.0 carries the rate in the BITSTREAMS block
	if s.SampleRate != 64000000 || s.TrackBitRate != 64000000 {
		t.Errorf("rates = %d/%d, want 64000000", s.SampleRate, s.TrackBitRate)
	}
	if s.Channels[0].Sideband != corrdata.LowerSideband {
		t.Errorf("channel 0 sideband = %v, want lower", s.Channels[0].Sideband)
	}
	if got := s.Channels[1].SignTracks; len(got) != 1 || got[0] != 2 {
		t.Errorf("channel 1 sign streams = %v, want [2]", got)
	}
}

func TestSetupVDIF(t *testing.T) {
	doc := `
vex_rev: 2.0
exper: {name: F07L1}
scans:
  - name: No0001
    start: 2007y123d04h30m00s
    mode: vdif
    source: 3C345
    stations:
      - {station: Ef, data_start: 0, data_stop: 30}
modes:
  vdif:
    freq: {Ef: freq1}
    datastreams: {Ef: ds1}
freqs:
  freq1:
    channels:
      - {name: CH01, freq: 4966.0, bandwidth: 16.0, sideband: U, bbc: BBC01}
      - {name: CH02, freq: 4982.0, bandwidth: 16.0, sideband: U, bbc: BBC01}
bbcs:
  BBC01: {if: IF_X}
ifs:
  IF_X: {polarisation: X}
datastreams:
  ds1:
    sample_rate: 32000000
    bits_per_sample: 2
    threads:
      - {thread: 0, channels: [CH01]}
      - {thread: 1, channels: [CH02]}
`
	o := parseDoc(t, doc)
	s, err := o.Setup("Ef", "vdif")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if s.Format != tape.FormatVDIF {
		t.Fatalf("format = %v, want VDIF", s.Format)
	}
	if s.BitsPerSample != 2 {
		t.Errorf("BitsPerSample = %d, want 2", s.BitsPerSample)
	}
	if s.TrackBitRate != 32000000 {
		t.Errorf("TrackBitRate = %d, want 32000000", s.TrackBitRate)
	}
	if s.Channels[0].VDIFThread != 0 || s.Channels[1].VDIFThread != 1 {
		t.Errorf("threads = %d/%d, want 0/1",
			s.Channels[0].VDIFThread, s.Channels[1].VDIFThread)
	}
	if s.Channels[0].Polarisation != corrdata.PolX {
		t.Errorf("polarisation = %v, want X", s.Channels[0].Polarisation)
	}
}

func TestFormatFromRack(t *testing.T) {
	doc := strings.Replace(mark4Doc, "track_frame_format: Mark4", "", 1) + `
stations:
  Ef: {das: rack1}
  Wb: {das: rack1}
das:
  rack1: {rack: VLBA, recorder: Mark5A}
`
	o := parseDoc(t, doc)
	s, err := o.Setup("Ef", "mk4")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if s.Format != tape.FormatVLBA {
		t.Errorf("format = %v, want VLBA from DAS rack", s.Format)
	}
}

func TestClock(t *testing.T) {
	o := parseDoc(t, mark4Doc)
	at, err := vlbitime.Parse("2007y123d04h30m00s")
	if err != nil {
		t.Fatal(err)
	}

	offset, rate, _, ok := o.Clock("Ef", at)
	if !ok {
		t.Fatal("no clock for Ef")
	}
	if offset != 1.5e-6 || rate != 0.1 {
		t.Errorf("clock at scan start = %g/%g, want first solution", offset, rate)
	}

	later := at.Add(vlbitime.FromSeconds(3 * 3600))
	offset, rate, _, _ = o.Clock("Ef", later)
	if offset != 2.0e-6 || rate != 0.2 {
		t.Errorf("clock after 06h = %g/%g, want second solution", offset, rate)
	}

	// every Wb epoch lies after the scan; the earliest wins
	offset, _, _, ok = o.Clock("Wb", at)
	if !ok || offset != -3.0e-6 {
		t.Errorf("Wb clock = %g ok=%v, want earliest fallback", offset, ok)
	}

	if _, _, _, ok := o.Clock("On", at); ok {
		t.Error("clock for unknown station reported ok")
	}
}

func TestScansSorted(t *testing.T) {
	// the inserted scan starts half an hour before No0001
	doc := strings.Replace(mark4Doc, "modes:", `  - name: No0000
    start: 2007y123d04h00m00s
    mode: mk4
    source: 3C345
    stations:
      - {station: Ef, data_start: 0, data_stop: 30}
modes:`, 1)
	o := parseDoc(t, doc)
	scans := o.Scans()
	if len(scans) != 2 || scans[0].Name != "No0000" || scans[1].Name != "No0001" {
		t.Fatalf("scan order = %v", []string{scans[0].Name, scans[1].Name})
	}
	stop, err := scans[1].StopTime()
	if err != nil {
		t.Fatal(err)
	}
	start, _ := scans[1].StartTime()
	if stop.Sub(start).Seconds() != 30 {
		t.Errorf("scan window = %gs, want 30s", stop.Sub(start).Seconds())
	}
}
