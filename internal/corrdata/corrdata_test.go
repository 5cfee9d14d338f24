/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package corrdata

import (
	"bytes"
	"io"
	"reflect"
	"testing"

	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

func TestBaselineIndexing(t *testing.T) {
	n := 5
	seen := make(map[int]bool)
	for j := 0; j < n; j++ {
		for i := 0; i <= j; i++ {
			idx := BaselineIndex(i, j)
			if seen[idx] {
				t.Fatalf("index %d assigned twice", idx)
			}
			seen[idx] = true
			gi, gj := BaselinePair(idx)
			if gi != i || gj != j {
				t.Errorf("BaselinePair(%d) = (%d,%d), want (%d,%d)", idx, gi, gj, i, j)
			}
		}
	}
	if len(seen) != BaselineCount(n) {
		t.Fatalf("covered %d indices, want %d", len(seen), BaselineCount(n))
	}
}

func TestGlobalHeaderRoundTrip(t *testing.T) {
	h := &GlobalHeader{
		FormatVersion:   OutputFormatVersion,
		PolType:         PolTypeCross,
		Start:           vlbitime.FromDate(2007, 123, 16200),
		NumberChannels:  256,
		IntegrationTime: vlbitime.FromMicroseconds(1_000_000),
		Job:             1234,
		Subjob:          5,
		CorrelatorBuild: "fxcorr-0.3.1",
		Experiment:      "N07C1",
		Stations:        []string{"Ef", "Wb", "On"},
		Sources:         []string{"3C84", "J0102+5824"},
	}
	var buf bytes.Buffer
	if err := h.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := DecodeGlobalHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Start != h.Start {
		t.Errorf("start = %v, want %v", got.Start, h.Start)
	}
	got.Start = h.Start
	if !reflect.DeepEqual(got, h) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, h)
	}
}

func TestDecodeGlobalHeaderBadMagic(t *testing.T) {
	buf := bytes.Repeat([]byte{0xff}, 128)
	if _, err := DecodeGlobalHeader(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestRecordRoundTripAndIndex(t *testing.T) {
	recs := []*VisibilityRecord{
		{
			SliceNr: 0, IntegrationNr: 0, ChannelNr: 2, SourceIdx: 0,
			Baselines: []BaselineSpectrum{
				{StationA: 0, StationB: 0, PolA: PolR, PolB: PolR, Weight: 1,
					Spectrum: []complex64{1, 2, complex(3, -1)}},
				{StationA: 0, StationB: 1, PolA: PolR, PolB: PolR, Weight: 0.5,
					Spectrum: []complex64{complex(0.1, 0.2), 0, complex(-4, 4)}},
			},
		},
		{
			SliceNr: 1, IntegrationNr: 0, ChannelNr: 2, SourceIdx: 1, PulsarBin: 3,
			Baselines: []BaselineSpectrum{
				{StationA: 1, StationB: 1, PolA: PolL, PolB: PolL, Weight: 1,
					Spectrum: []complex64{5, 6, 7}},
			},
		},
	}

	var buf bytes.Buffer
	h := &GlobalHeader{
		FormatVersion: OutputFormatVersion,
		Start:         vlbitime.FromDate(2007, 123, 0),
		Stations:      []string{"Ef", "Wb"},
		Sources:       []string{"3C84", "3C273"},
	}
	if err := h.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if err := r.Encode(&buf); err != nil {
			t.Fatal(err)
		}
	}

	rd := bytes.NewReader(buf.Bytes())
	if _, err := DecodeGlobalHeader(rd); err != nil {
		t.Fatal(err)
	}
	for i, want := range recs {
		got, err := DecodeRecord(rd)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("record %d mismatch:\n got %+v\nwant %+v", i, got, want)
		}
	}
	if _, err := DecodeRecord(rd); err != io.EOF {
		t.Fatalf("after last record err = %v, want io.EOF", err)
	}

	_, index, err := ReadIndex(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(index) != len(recs) {
		t.Fatalf("index has %d entries, want %d", len(index), len(recs))
	}
	if index[1].PulsarBin != 3 || index[1].Baselines != 1 || index[1].Bins != 3 {
		t.Errorf("index entry = %+v", index[1])
	}
}
