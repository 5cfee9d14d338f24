/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package calib

import (
	"bytes"
	"math"
	"math/cmplx"
	"testing"

	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

func testHeader() Header {
	return Header{
		StartMJD:    54000,
		NChan:       8,
		NStation:    2,
		NPol:        1,
		NIF:         1,
		IFFreq:      []float64{4.9e9},
		IFBandwidth: []float64{16e6},
	}
}

func testRow(sec float64, entries ...Entry) Row {
	return Row{
		Time:     vlbitime.FromMJD(54000, sec),
		Interval: vlbitime.FromSeconds(2),
		Entries:  entries,
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	hdr := testHeader()
	rows := []Row{
		testRow(10, Entry{Delay: 1e-9, Gain: complex(1.5, 0.5), Weight: 1},
			Entry{Gain: 1, Weight: 1}),
		testRow(12, Entry{Delay: 2e-9, Gain: complex(1.4, 0.6), Weight: 1},
			Entry{Gain: 1, Weight: 0.5}),
	}
	var buf bytes.Buffer
	if err := Write(&buf, hdr, rows); err != nil {
		t.Fatal(err)
	}
	tab, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if tab.Header.NStation != 2 || tab.Header.IFFreq[0] != 4.9e9 {
		t.Errorf("header = %+v", tab.Header)
	}
	if len(tab.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(tab.Rows))
	}
	if got := tab.Rows[1].Entries[0].Gain; got != complex(1.4, 0.6) {
		t.Errorf("gain = %v", got)
	}
	if got := tab.Rows[0].Time.Sub(vlbitime.FromMJD(54000, 0)).Seconds(); math.Abs(got-10) > 1e-9 {
		t.Errorf("row time offset = %g", got)
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte("NOPE0000"))); err == nil {
		t.Fatal("accepted bad magic")
	}
}

func TestBracketSkipsLowWeight(t *testing.T) {
	tab := &Table{
		Header: testHeader(),
		Rows: []Row{
			testRow(10, Entry{Gain: 1, Weight: 0}),
			testRow(12, Entry{Gain: 1, Weight: 1}),
			testRow(14, Entry{Gain: 1, Weight: 1}),
		},
		cache: make(map[cacheKey]*cached),
	}
	at := vlbitime.FromMJD(54000, 13)
	lo, hi, ok := tab.bracket(0, at)
	if !ok || lo != 1 || hi != 2 {
		t.Errorf("bracket = %d,%d,%v; want 1,2,true", lo, hi, ok)
	}
	// before the first usable row there is nothing to interpolate from
	if _, _, ok := tab.bracket(0, vlbitime.FromMJD(54000, 9)); ok {
		t.Error("bracket found a row before any usable epoch")
	}
}

func TestChannelGainsConstant(t *testing.T) {
	g := cmplx.Rect(2, 0.3)
	tab := &Table{
		Header: testHeader(),
		Rows: []Row{
			testRow(10, Entry{Gain: g, Weight: 1}),
			testRow(12, Entry{Gain: g, Weight: 1}),
		},
		cache: make(map[cacheKey]*cached),
	}
	at := vlbitime.FromMJD(54000, 11)
	gains, ok := tab.ChannelGains(0, 0, 0, at, 4, 4.9e9, 16e6, false)
	if !ok {
		t.Fatal("no gains")
	}
	for j, gj := range gains {
		if math.Abs(cmplx.Abs(complex128(gj))-2) > 1e-6 {
			t.Errorf("chan %d amp = %g", j, cmplx.Abs(complex128(gj)))
		}
		if math.Abs(cmplx.Phase(complex128(gj))-0.3) > 1e-6 {
			t.Errorf("chan %d phase = %g", j, cmplx.Phase(complex128(gj)))
		}
	}
}

func TestChannelGainsDelaySlope(t *testing.T) {
	delay := 1e-9
	tab := &Table{
		Header: testHeader(),
		Rows: []Row{
			testRow(10, Entry{Delay: delay, Gain: 1, Weight: 1}),
			testRow(12, Entry{Delay: delay, Gain: 1, Weight: 1}),
		},
		cache: make(map[cacheKey]*cached),
	}
	at := vlbitime.FromMJD(54000, 11)
	nchan, bw := 8, 16e6
	refFreq := 4.9e9
	gains, ok := tab.ChannelGains(0, 0, 0, at, nchan, refFreq, bw, false)
	if !ok {
		t.Fatal("no gains")
	}
	for j, gj := range gains {
		fj := refFreq + (float64(j)+0.5)*bw/float64(nchan)
		want := 2 * math.Pi * delay * (fj - refFreq)
		got := cmplx.Phase(complex128(gj))
		if math.Abs(math.Mod(got-want+math.Pi, 2*math.Pi)-math.Pi) > 1e-5 {
			t.Errorf("chan %d phase = %g, want %g", j, got, want)
		}
	}

	// LSB mirrors the channel frequencies below the edge.
	lsb, ok := tab.ChannelGains(0, 0, 0, at, nchan, refFreq, bw, true)
	if !ok {
		t.Fatal("no lsb gains")
	}
	for j, gj := range lsb {
		fj := refFreq - (float64(j)+0.5)*bw/float64(nchan)
		want := 2 * math.Pi * delay * (fj - refFreq)
		got := cmplx.Phase(complex128(gj))
		if math.Abs(math.Mod(got-want+math.Pi, 2*math.Pi)-math.Pi) > 1e-5 {
			t.Errorf("lsb chan %d phase = %g, want %g", j, got, want)
		}
	}
}

func TestChannelGainsInterpolates(t *testing.T) {
	tab := &Table{
		Header: testHeader(),
		Rows: []Row{
			testRow(10, Entry{Gain: cmplx.Rect(1, 0.1), Weight: 1}),
			testRow(12, Entry{Gain: cmplx.Rect(3, 0.2), Weight: 1}),
		},
		cache: make(map[cacheKey]*cached),
	}
	at := vlbitime.FromMJD(54000, 11)
	gains, ok := tab.ChannelGains(0, 0, 0, at, 2, 4.9e9, 16e6, false)
	if !ok {
		t.Fatal("no gains")
	}
	g := complex128(gains[0])
	if math.Abs(cmplx.Abs(g)-2) > 1e-5 {
		t.Errorf("amp = %g, want 2", cmplx.Abs(g))
	}
	if math.Abs(cmplx.Phase(g)-0.15) > 1e-3 {
		t.Errorf("phase = %g, want 0.15", cmplx.Phase(g))
	}
}

func TestChannelGainsUncovered(t *testing.T) {
	tab := &Table{
		Header: testHeader(),
		Rows: []Row{
			testRow(10, Entry{Gain: 1, Weight: 0}),
		},
		cache: make(map[cacheKey]*cached),
	}
	if _, ok := tab.ChannelGains(0, 0, 0, vlbitime.FromMJD(54000, 11), 4, 4.9e9, 16e6, false); ok {
		t.Error("got gains from a zero-weight table")
	}
}

func TestChannelGainsCached(t *testing.T) {
	tab := &Table{
		Header: testHeader(),
		Rows: []Row{
			testRow(10, Entry{Gain: 1, Weight: 1}),
			testRow(12, Entry{Gain: 1, Weight: 1}),
		},
		cache: make(map[cacheKey]*cached),
	}
	at := vlbitime.FromMJD(54000, 11)
	g1, _ := tab.ChannelGains(0, 0, 0, at, 4, 4.9e9, 16e6, false)
	g2, _ := tab.ChannelGains(0, 0, 0, at.Add(vlbitime.FromSeconds(0.1)), 4, 4.9e9, 16e6, false)
	if &g1[0] != &g2[0] {
		t.Error("same bracket row did not reuse cached gains")
	}
	g3, _ := tab.ChannelGains(0, 0, 0, at, 8, 4.9e9, 16e6, false)
	if len(g3) != 8 {
		t.Errorf("len = %d after grid change", len(g3))
	}
}

func TestPhasorLerpWrap(t *testing.T) {
	a, b := math.Pi-0.1, -math.Pi+0.1
	got := phasorLerp(a, b, 0.5)
	if math.Abs(math.Abs(got)-math.Pi) > 1e-9 {
		t.Errorf("phasorLerp(%g, %g, 0.5) = %g, want ±π", a, b, got)
	}
}
