/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package corrnode

import (
	"bytes"
	"io"
	"math"
	"math/cmplx"
	"math/rand"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/delaymodel"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

func TestParseWindow(t *testing.T) {
	for _, name := range []string{"HANN", "hamming", " Cosine ", "RECTANGULAR", "PFB", "NONE"} {
		if _, err := ParseWindow(name); err != nil {
			t.Errorf("ParseWindow(%q): %v", name, err)
		}
	}
	if _, err := ParseWindow("BLACKMAN"); err == nil {
		t.Error("accepted unknown window")
	}
}

func TestWindowCoefficients(t *testing.T) {
	c := WindowHann.Coefficients(64)
	if len(c) != 64 {
		t.Fatalf("len = %d", len(c))
	}
	if c[0] > 1e-9 || math.Abs(c[32]-1) > 1e-9 {
		t.Errorf("hann endpoints/peak wrong: %g %g", c[0], c[32])
	}
	if WindowNone.Coefficients(64) != nil {
		t.Error("NONE produced coefficients")
	}
	r := WindowRectangular.Coefficients(8)
	for _, v := range r {
		if v != 1 {
			t.Errorf("rectangular coefficient %g", v)
		}
	}
}

func TestDequantise(t *testing.T) {
	var d1 [8]float64
	if err := Dequantise(d1[:], []byte{0b10100101}, 1); err != nil {
		t.Fatal(err)
	}
	want1 := [8]float64{1, -1, 1, -1, -1, 1, -1, 1}
	if d1 != want1 {
		t.Errorf("1-bit = %v, want %v", d1, want1)
	}

	var d2 [4]float64
	// samples low bits first: 00, 01, 10, 11
	if err := Dequantise(d2[:], []byte{0b11100100}, 2); err != nil {
		t.Fatal(err)
	}
	want2 := [4]float64{-1, 1, -3.3359, 3.3359}
	if d2 != want2 {
		t.Errorf("2-bit = %v, want %v", d2, want2)
	}

	if err := Dequantise(make([]float64, 1), []byte{0}, 4); err == nil {
		t.Error("accepted 4-bit samples")
	}
}

func TestOptionsValidate(t *testing.T) {
	good := Options{FFTSizeDelay: 256, FFTSizeCorr: 256, NumberChannels: 32}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}
	bad := []Options{
		{FFTSizeDelay: 100, FFTSizeCorr: 256, NumberChannels: 32},
		{FFTSizeDelay: 512, FFTSizeCorr: 256, NumberChannels: 32},
		{FFTSizeDelay: 256, FFTSizeCorr: 256, NumberChannels: 33},
		{FFTSizeDelay: 256, FFTSizeCorr: 256, NumberChannels: 0},
	}
	for i, o := range bad {
		if err := o.Validate(); err == nil {
			t.Errorf("case %d accepted %+v", i, o)
		}
	}
}

// pack1bit packs sign bits low-bit-first, the layout the extractors emit.
func pack1bit(x []float64) []byte {
	out := make([]byte, len(x)/8)
	for i, v := range x {
		if v >= 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func testStream(stationNr int32, pol corrdata.Polarisation, rate, nsamp int64) corrdata.StationStream {
	return corrdata.StationStream{
		StationNr:     stationNr,
		StreamNr:      stationNr,
		SampleRate:    rate,
		Bandwidth:     float64(rate) / 2,
		Polarisation:  pol,
		BitsPerSample: 1,
		SampleCount:   nsamp,
	}
}

func testSlice(rate, nsamp int64) corrdata.Slice {
	return corrdata.Slice{
		SliceNr:        3,
		IntegrationNr:  1,
		CrossChannelNr: -1,
		Start:          vlbitime.FromDate(2007, 123, 3600),
		Duration:       vlbitime.FromSampleCount(nsamp, rate),
	}
}

func TestAutocorrelationRealNonNegative(t *testing.T) {
	const (
		rate  = int64(32_000_000)
		nsamp = int64(16384)
	)
	rng := rand.New(rand.NewSource(7))
	x := make([]float64, nsamp)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	core, err := New(Config{
		Options: Options{FFTSizeDelay: 256, FFTSizeCorr: 256, NumberChannels: 32, Window: WindowHann},
		Slice:   testSlice(rate, nsamp),
		Inputs: []StationInput{{
			Stream:  testStream(0, corrdata.PolR, rate, nsamp),
			Samples: bytes.NewReader(pack1bit(x)),
		}},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := core.Run()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || len(recs[0].Baselines) != 1 {
		t.Fatalf("records %d, baselines %d", len(recs), len(recs[0].Baselines))
	}
	bl := recs[0].Baselines[0]
	if bl.Weight != 1 {
		t.Errorf("weight = %g", bl.Weight)
	}
	for k, v := range bl.Spectrum {
		if real(v) < -1e-3 {
			t.Errorf("bin %d power %g < 0", k, real(v))
		}
		if math.Abs(float64(imag(v))) > 1e-3*math.Abs(float64(real(v)))+1e-6 {
			t.Errorf("bin %d imaginary part %g", k, imag(v))
		}
	}
}

// delayedPair builds two 1-bit streams where station B sees the same
// noise d samples late.
func delayedPair(nsamp int64, d int, seed int64) (a, b []byte) {
	rng := rand.New(rand.NewSource(seed))
	x := make([]float64, int(nsamp)+d)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	return pack1bit(x[d:]), pack1bit(x[:nsamp])
}

func TestCrossPhaseOfUncompensatedDelay(t *testing.T) {
	const (
		rate  = int64(32_000_000)
		nsamp = int64(65536)
		m     = 256
		d     = 2
	)
	pa, pb := delayedPair(nsamp, d, 11)
	core, err := New(Config{
		Options: Options{FFTSizeDelay: m, FFTSizeCorr: m, NumberChannels: 128, Window: WindowRectangular},
		Slice:   testSlice(rate, nsamp),
		Inputs: []StationInput{
			{Stream: testStream(0, corrdata.PolR, rate, nsamp), Samples: bytes.NewReader(pa)},
			{Stream: testStream(1, corrdata.PolR, rate, nsamp), Samples: bytes.NewReader(pb)},
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := core.Run()
	if err != nil {
		t.Fatal(err)
	}
	var cross *corrdata.BaselineSpectrum
	for i := range recs[0].Baselines {
		bl := &recs[0].Baselines[i]
		if bl.StationA != bl.StationB {
			cross = bl
		}
	}
	if cross == nil {
		t.Fatal("no cross baseline")
	}
	// B lags by d samples, so the A x conj(B) phase climbs as 2*pi*k*d/m.
	rebin := (m / 2) / 128
	for _, k := range []int{8, 16, 32} {
		want := 2 * math.Pi * float64(k*rebin) * float64(d) / float64(m)
		got := cmplx.Phase(complex128(cross.Spectrum[k]))
		diff := math.Mod(got-want+3*math.Pi, 2*math.Pi) - math.Pi
		if math.Abs(diff) > 0.3 {
			t.Errorf("bin %d phase = %g, want %g", k, got, want)
		}
	}
}

func TestModelCompensatesDelay(t *testing.T) {
	const (
		rate  = int64(32_000_000)
		nsamp = int64(65536)
		m     = 256
		d     = 3
	)
	pa, pb := delayedPair(nsamp, d, 23)
	model := &delaymodel.StationModel{ExtraDelay: float64(d) / float64(rate)}
	core, err := New(Config{
		Options: Options{FFTSizeDelay: m, FFTSizeCorr: m, NumberChannels: 64, Window: WindowRectangular},
		Slice:   testSlice(rate, nsamp),
		Inputs: []StationInput{
			{Stream: testStream(0, corrdata.PolR, rate, nsamp), Samples: bytes.NewReader(pa)},
			{Stream: testStream(1, corrdata.PolR, rate, nsamp), Samples: bytes.NewReader(pb), Model: model},
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := core.Run()
	if err != nil {
		t.Fatal(err)
	}
	for _, bl := range recs[0].Baselines {
		if bl.StationA == bl.StationB {
			continue
		}
		for _, k := range []int{8, 24, 48} {
			got := cmplx.Phase(complex128(bl.Spectrum[k]))
			if math.Abs(got) > 0.3 {
				t.Errorf("bin %d residual phase = %g", k, got)
			}
		}
	}
}

func TestShortReadReducesWeight(t *testing.T) {
	const (
		rate  = int64(32_000_000)
		nsamp = int64(4096)
	)
	rng := rand.New(rand.NewSource(3))
	x := make([]float64, nsamp)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	full := pack1bit(x)
	core, err := New(Config{
		Options: Options{FFTSizeDelay: 256, FFTSizeCorr: 256, NumberChannels: 32, Window: WindowHann},
		Slice:   testSlice(rate, nsamp),
		Inputs: []StationInput{
			{Stream: testStream(0, corrdata.PolR, rate, nsamp), Samples: bytes.NewReader(full)},
			{Stream: testStream(1, corrdata.PolR, rate, nsamp), Samples: bytes.NewReader(full[:len(full)/2])},
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := core.Run()
	if err != nil {
		t.Fatal(err)
	}
	for _, bl := range recs[0].Baselines {
		switch {
		case bl.StationA == 0 && bl.StationB == 0:
			if bl.Weight != 1 {
				t.Errorf("full auto weight = %g", bl.Weight)
			}
		case bl.StationB == 1:
			if bl.Weight <= 0 || bl.Weight > 0.5 {
				t.Errorf("truncated baseline weight = %g", bl.Weight)
			}
		}
	}
}

func TestCrossPolarisationProducts(t *testing.T) {
	const (
		rate  = int64(32_000_000)
		nsamp = int64(1024)
	)
	inputs := make([]StationInput, 0, 4)
	rng := rand.New(rand.NewSource(5))
	for st := int32(0); st < 2; st++ {
		for _, pol := range []corrdata.Polarisation{corrdata.PolR, corrdata.PolL} {
			x := make([]float64, nsamp)
			for i := range x {
				x[i] = rng.NormFloat64()
			}
			inputs = append(inputs, StationInput{
				Stream:  testStream(st, pol, rate, nsamp),
				Samples: bytes.NewReader(pack1bit(x)),
			})
		}
	}
	slice := testSlice(rate, nsamp)
	slice.CrossChannelNr = 1
	core, err := New(Config{
		Options: Options{FFTSizeDelay: 256, FFTSizeCorr: 256, NumberChannels: 32, Window: WindowHann},
		Slice:   slice,
		Inputs:  inputs,
		Log:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := core.Run()
	if err != nil {
		t.Fatal(err)
	}
	// 4 pol products on the cross baseline plus 3 per-station combinations
	if got := len(recs[0].Baselines); got != 10 {
		t.Fatalf("products = %d, want 10", got)
	}
	crossPairs := map[[2]corrdata.Polarisation]bool{}
	for _, bl := range recs[0].Baselines {
		if bl.StationA != bl.StationB {
			crossPairs[[2]corrdata.Polarisation{bl.PolA, bl.PolB}] = true
		}
	}
	if len(crossPairs) != 4 {
		t.Errorf("cross-baseline pol pairs = %d, want 4", len(crossPairs))
	}
}

func TestMultiPhaseCentreRecords(t *testing.T) {
	const (
		rate  = int64(32_000_000)
		nsamp = int64(1024)
	)
	rng := rand.New(rand.NewSource(9))
	x := make([]float64, nsamp)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	slice := testSlice(rate, nsamp)
	slice.Sources = []string{"J1234+5678", "J1234+5679", "J1234+5680"}
	core, err := New(Config{
		Options: Options{FFTSizeDelay: 256, FFTSizeCorr: 256, NumberChannels: 32, Window: WindowNone},
		Slice:   slice,
		Inputs: []StationInput{{
			Stream:  testStream(0, corrdata.PolR, rate, nsamp),
			Samples: bytes.NewReader(pack1bit(x)),
		}},
		SourceDelay: func(src int, station int32, at vlbitime.Timestamp) float64 {
			return float64(src) * 1e-9 * float64(station+1)
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := core.Run()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.SourceIdx != int32(i) {
			t.Errorf("record %d source = %d", i, rec.SourceIdx)
		}
	}
}

const testPolyco = `B0329+54 6-AUG-26 120000.00 54000.50000000 26.764
 0.00000000 1.399541539 0 60 3 1420.000
 1.0000000000000D-03 -2.0000000000000D-06 3.0000000000000D-09
`

func TestReadPolycos(t *testing.T) {
	ps, err := ReadPolycos(strings.NewReader(testPolyco))
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 {
		t.Fatalf("blocks = %d", len(ps))
	}
	p := ps[0]
	if p.Name != "B0329+54" || p.TMidMJD != 54000.5 || len(p.Coeffs) != 3 {
		t.Errorf("parsed %+v", p)
	}
	at := vlbitime.FromMJD(54000, 43200)
	if !p.Covers(at) {
		t.Error("Covers(tmid) = false")
	}
	if p.Covers(vlbitime.FromMJD(54001, 43200)) {
		t.Error("Covers one day out")
	}
	if got := p.Phase(at); math.Abs(got-1e-3) > 1e-9 {
		t.Errorf("Phase(tmid) = %g", got)
	}
}

func TestBinnerRoutesPhases(t *testing.T) {
	b := &Binner{
		Polycos: []Polyco{{TMidMJD: 54000.5, F0: 1, SpanMin: 1440, RefPhase: 0, Coeffs: []float64{0}}},
		Lo:      0.25,
		Hi:      0.75,
		NBins:   4,
	}
	if b.Bins() != 5 {
		t.Fatalf("Bins = %d", b.Bins())
	}
	base := vlbitime.FromMJD(54000, 43200)
	// F0 = 1 Hz, so phase fraction equals the sub-second offset
	tests := []struct {
		offset float64
		bin    int
	}{
		{0.0, 0},
		{0.26, 1},
		{0.74, 4},
		{0.9, 0},
		{0.5, 3},
	}
	for _, tt := range tests {
		at := base.Add(vlbitime.FromSeconds(tt.offset))
		if got := b.Bin(at); got != tt.bin {
			t.Errorf("Bin(+%gs) = %d, want %d", tt.offset, got, tt.bin)
		}
	}
	// outside every polyco span everything is off-pulse
	far := vlbitime.FromMJD(54010, 0)
	if got := b.Bin(far); got != 0 {
		t.Errorf("Bin(far) = %d", got)
	}
}

func TestRunFailsOnHardReadError(t *testing.T) {
	const (
		rate  = int64(32_000_000)
		nsamp = int64(1024)
	)
	core, err := New(Config{
		Options: Options{FFTSizeDelay: 256, FFTSizeCorr: 256, NumberChannels: 32, Window: WindowHann},
		Slice:   testSlice(rate, nsamp),
		Inputs: []StationInput{{
			Stream:  testStream(0, corrdata.PolR, rate, nsamp),
			Samples: errReader{},
		}},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := core.Run(); err == nil {
		t.Fatal("expected read error")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }
