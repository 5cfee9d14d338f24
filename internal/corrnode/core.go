/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package corrnode implements the correlator worker: it consumes station
// sample streams for one work slice, applies delay and fringe corrections,
// transforms to the frequency domain and integrates baseline products into
// visibility records.
package corrnode

import (
	"io"
	"math"
	"math/cmplx"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/friendsincode/fxcorr/internal/calib"
	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/delaymodel"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// Options are the correlation parameters shared by every slice of a run.
type Options struct {
	// FFTSizeDelay is the window length for delay correction,
	// fft_size_delaycor. FFTSizeCorr is the correlation transform length,
	// fft_size_correlation. Both are powers of two and FFTSizeCorr is a
	// multiple of FFTSizeDelay.
	FFTSizeDelay int
	FFTSizeCorr  int

	// NumberChannels is the spectral resolution of the output records.
	NumberChannels int

	Window WindowFunction
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

// Validate checks the option invariants.
func (o Options) Validate() error {
	if !isPow2(o.FFTSizeDelay) || !isPow2(o.FFTSizeCorr) {
		return fxerr.Configf("fft sizes %d/%d must be powers of two",
			o.FFTSizeDelay, o.FFTSizeCorr)
	}
	if o.FFTSizeCorr < o.FFTSizeDelay {
		return fxerr.Configf("fft_size_correlation %d < fft_size_delaycor %d",
			o.FFTSizeCorr, o.FFTSizeDelay)
	}
	if o.NumberChannels <= 0 || (o.FFTSizeCorr/2)%o.NumberChannels != 0 {
		return fxerr.Configf("number_channels %d does not divide %d spectral points",
			o.NumberChannels, o.FFTSizeCorr/2)
	}
	return nil
}

// StationInput is one station's contribution to a slice: the stream
// description, the composed delay model and the packed extracted samples.
type StationInput struct {
	Stream  corrdata.StationStream
	Model   *delaymodel.StationModel
	Samples io.Reader
}

// SourceDelayFunc returns the extra geometric delay of a station towards
// a non-reference phase centre, in seconds.
type SourceDelayFunc func(source int, station int32, at vlbitime.Timestamp) float64

// Config assembles a Core for one slice.
type Config struct {
	Options Options
	Slice   corrdata.Slice
	Inputs  []StationInput

	// Cal applies per-channel complex gains before accumulation when set.
	Cal *calib.Table

	// Binner routes sub-integrations to pulsar bins when set.
	Binner *Binner

	// SourceDelay rotates accumulated visibilities to additional phase
	// centres. Nil leaves all sources at the reference centre.
	SourceDelay SourceDelayFunc

	Log zerolog.Logger
}

type product struct{ a, b int }

// Core correlates one slice.
type Core struct {
	cfg      Config
	products []product
}

// New validates the configuration and builds the baseline product list:
// the triangular matrix over input streams, restricted to matching
// polarisations unless the slice is cross-polarised.
func New(cfg Config) (*Core, error) {
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Inputs) == 0 {
		return nil, fxerr.Configf("slice %d has no station inputs", cfg.Slice.SliceNr)
	}
	m := cfg.Options.FFTSizeCorr
	for _, in := range cfg.Inputs {
		if in.Stream.SampleCount < int64(m) || in.Stream.SampleCount%int64(m) != 0 {
			return nil, fxerr.Configf("station %d sample count %d is not a multiple of fft size %d",
				in.Stream.StationNr, in.Stream.SampleCount, m)
		}
	}
	c := &Core{cfg: cfg}
	cross := cfg.Slice.CrossPolarised()
	for b := range cfg.Inputs {
		for a := 0; a <= b; a++ {
			sa, sb := cfg.Inputs[a].Stream, cfg.Inputs[b].Stream
			if !cross && sa.Polarisation != sb.Polarisation {
				continue
			}
			if a != b && sa.StationNr == sb.StationNr && !cross {
				continue
			}
			c.products = append(c.products, product{a, b})
		}
	}
	return c, nil
}

func polIndex(p corrdata.Polarisation) int {
	if p == corrdata.PolL || p == corrdata.PolY {
		return 1
	}
	return 0
}

func (c *Core) delayAt(i int, at vlbitime.Timestamp) float64 {
	if m := c.cfg.Inputs[i].Model; m != nil {
		return m.Delay(at)
	}
	return c.cfg.Inputs[i].Stream.ExtraDelay
}

// loOffsetAt returns the artificial LO offset in Hz at tsec seconds into
// the slice. A swept offset advances in discrete steps across the slice.
func loOffsetAt(s *corrdata.StationStream, tsec, duration float64) float64 {
	if s.LOOffsetSteps <= 0 || duration <= 0 {
		return s.LOOffset
	}
	step := math.Floor(tsec / duration * float64(s.LOOffsetSteps))
	if step >= float64(s.LOOffsetSteps) {
		step = float64(s.LOOffsetSteps - 1)
	}
	return s.LOOffset + (s.LOOffsetEnd-s.LOOffset)*step/float64(s.LOOffsetSteps)
}

// station holds the per-station working state for one slice.
type station struct {
	samples []float64
	valid   int64 // samples actually read; the tail is zero
	spec    []complex128
	segOK   bool
}

// Run consumes the inputs and produces one visibility record per
// (source, pulsar bin) pair.
func (c *Core) Run() ([]corrdata.VisibilityRecord, error) {
	n := c.cfg.Options.FFTSizeDelay
	m := c.cfg.Options.FFTSizeCorr
	segWindows := m / n
	nsamp := c.cfg.Inputs[0].Stream.SampleCount
	nseg := int(nsamp) / m

	stations, err := c.readInputs()
	if err != nil {
		return nil, err
	}

	bins := 1
	if c.cfg.Binner != nil {
		bins = c.cfg.Binner.Bins()
	}
	half := m/2 + 1
	acc := make([][][]complex128, bins)
	cnt := make([][]int, bins)
	segAssigned := make([]int, bins)
	for bin := 0; bin < bins; bin++ {
		acc[bin] = make([][]complex128, len(c.products))
		cnt[bin] = make([]int, len(c.products))
		for p := range c.products {
			acc[bin][p] = make([]complex128, half)
		}
	}

	fftDelay := fourier.NewCmplxFFT(n)
	fftCorr := fourier.NewCmplxFFT(m)
	coef := c.cfg.Options.Window.Coefficients(m)
	td := make([]complex128, n)
	fd := make([]complex128, n)
	seg := make([]complex128, m)
	full := make([]complex128, m)

	segDur := vlbitime.FromSampleCount(int64(m), c.cfg.Inputs[0].Stream.SampleRate)
	for si := 0; si < nseg; si++ {
		segMid := c.cfg.Slice.Start.Add(vlbitime.Duration(int64(si)*int64(segDur)) + segDur/2)
		bin := 0
		if c.cfg.Binner != nil {
			bin = c.cfg.Binner.Bin(segMid)
		}
		segAssigned[bin]++

		for i := range stations {
			c.stationSpectrum(&stations[i], i, si, segWindows, fftDelay, fftCorr,
				coef, td, fd, seg, full, segMid)
		}
		for p, pr := range c.products {
			if !stations[pr.a].segOK || !stations[pr.b].segOK {
				continue
			}
			sa, sb := stations[pr.a].spec, stations[pr.b].spec
			dst := acc[bin][p]
			for k := 0; k < half; k++ {
				v := sa[k] * cmplx.Conj(sb[k])
				if cmplx.IsNaN(v) {
					continue
				}
				dst[k] += v
			}
			cnt[bin][p]++
		}
	}

	return c.assemble(acc, cnt, segAssigned), nil
}

// readInputs pulls the packed sample bytes for every station and expands
// them to floats. A short read zero-fills the tail and is reported by the
// valid count; a hard read error fails the slice.
func (c *Core) readInputs() ([]station, error) {
	stations := make([]station, len(c.cfg.Inputs))
	half := c.cfg.Options.FFTSizeCorr/2 + 1
	for i := range c.cfg.Inputs {
		in := &c.cfg.Inputs[i]
		nsamp := in.Stream.SampleCount
		bits := in.Stream.BitsPerSample
		if bits != 1 && bits != 2 {
			return nil, fxerr.Configf("station %d: unsupported sample width %d bits",
				in.Stream.StationNr, bits)
		}
		packed := make([]byte, nsamp*int64(bits)/8)
		nread, err := io.ReadFull(in.Samples, packed)
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			c.cfg.Log.Warn().
				Int32("station", in.Stream.StationNr).
				Int64("want", nsamp).
				Int64("got", int64(nread)*8/int64(bits)).
				Msg("short sample read, padding with zero weight")
		default:
			return nil, fxerr.Resourcef("station %d sample stream: %v",
				in.Stream.StationNr, err)
		}
		st := &stations[i]
		st.samples = make([]float64, nsamp)
		st.valid = int64(nread) * 8 / int64(bits)
		if err := Dequantise(st.samples[:st.valid], packed[:nread], bits); err != nil {
			return nil, err
		}
		st.spec = make([]complex128, half)
	}
	return stations, nil
}

// stationSpectrum builds one station's delay-corrected, windowed and
// calibrated spectrum for correlation segment si. Delay correction runs
// per window of FFTSizeDelay samples: the integer sample shift moves the
// read position, the fractional remainder becomes a phase slope across
// the window's spectrum and the fringe term rotates the whole window.
func (c *Core) stationSpectrum(st *station, i, si, segWindows int,
	fftDelay, fftCorr *fourier.CmplxFFT, coef []float64,
	td, fd, seg, full []complex128, segMid vlbitime.Timestamp) {

	in := &c.cfg.Inputs[i]
	n := c.cfg.Options.FFTSizeDelay
	m := c.cfg.Options.FFTSizeCorr
	rate := in.Stream.SampleRate
	duration := c.cfg.Slice.Duration.Seconds()
	lsb := in.Stream.Sideband == corrdata.LowerSideband

	st.segOK = st.valid > 0
	for w := 0; w < segWindows; w++ {
		s0 := int64(si*segWindows+w) * int64(n)
		tc := c.cfg.Slice.Start.Add(vlbitime.FromSampleCount(s0+int64(n)/2, rate))
		tsec := vlbitime.FromSampleCount(s0+int64(n)/2, rate).Seconds()

		delay := c.delayAt(i, tc)
		shift := delay * float64(rate)
		whole := math.Floor(shift)
		frac := shift - whole
		k := int64(whole)

		phase := 2 * math.Pi * in.Stream.ChannelFreq * delay
		if lo := loOffsetAt(&in.Stream, tsec, duration); lo != 0 {
			phase += 2 * math.Pi * lo * tsec
		}
		if lsb {
			phase = -phase
		}
		rot := cmplx.Rect(1, phase)

		lo, hi := s0+k, s0+k+int64(n)
		if lo < 0 || hi > st.valid {
			st.segOK = false
		}
		for idx := int64(0); idx < int64(n); idx++ {
			j := lo + idx
			if j < 0 || j >= st.valid {
				td[idx] = 0
				continue
			}
			td[idx] = complex(st.samples[j], 0) * rot
		}

		fftDelay.Coefficients(fd, td)
		for q := 0; q < n; q++ {
			fq := float64(q) / float64(n)
			if q > n/2 {
				fq -= 1
			}
			fd[q] *= cmplx.Rect(1, 2*math.Pi*fq*frac)
		}
		fftDelay.Sequence(td, fd)
		inv := complex(1/float64(n), 0)
		for idx := 0; idx < n; idx++ {
			seg[w*n+idx] = td[idx] * inv
		}
	}

	if coef != nil {
		for idx := range seg {
			seg[idx] *= complex(coef[idx], 0)
		}
	}
	fftCorr.Coefficients(full, seg)
	half := m/2 + 1
	if lsb {
		st.spec[0] = cmplx.Conj(full[0])
		for q := 1; q < half; q++ {
			st.spec[q] = cmplx.Conj(full[m-q])
		}
	} else {
		copy(st.spec, full[:half])
	}

	if c.cfg.Cal != nil {
		ifIdx := int(c.cfg.Slice.ChannelNr) % int(c.cfg.Cal.Header.NIF)
		gains, ok := c.cfg.Cal.ChannelGains(int(in.Stream.StationNr),
			polIndex(in.Stream.Polarisation), ifIdx, segMid,
			half, in.Stream.ChannelFreq, in.Stream.Bandwidth, lsb)
		if ok {
			for q := 0; q < half; q++ {
				st.spec[q] *= complex128(gains[q])
			}
		}
	}
}

// assemble normalises the accumulators, rebins to the output resolution
// and emits one record per (source, bin).
func (c *Core) assemble(acc [][][]complex128, cnt [][]int, segAssigned []int) []corrdata.VisibilityRecord {
	m := c.cfg.Options.FFTSizeCorr
	nch := c.cfg.Options.NumberChannels
	rebin := (m / 2) / nch
	nsrc := len(c.cfg.Slice.Sources)
	if nsrc == 0 {
		nsrc = 1
	}
	mid := c.cfg.Slice.Start.Add(c.cfg.Slice.Duration / 2)

	var records []corrdata.VisibilityRecord
	for src := 0; src < nsrc; src++ {
		for bin := range acc {
			rec := corrdata.VisibilityRecord{
				SliceNr:       c.cfg.Slice.SliceNr,
				IntegrationNr: c.cfg.Slice.IntegrationNr,
				ChannelNr:     c.cfg.Slice.ChannelNr,
				SourceIdx:     int32(src),
				PulsarBin:     int32(bin),
				Baselines:     make([]corrdata.BaselineSpectrum, len(c.products)),
			}
			for p, pr := range c.products {
				sa, sb := c.cfg.Inputs[pr.a].Stream, c.cfg.Inputs[pr.b].Stream
				bl := corrdata.BaselineSpectrum{
					StationA: sa.StationNr,
					StationB: sb.StationNr,
					PolA:     sa.Polarisation,
					PolB:     sb.Polarisation,
					Spectrum: make([]complex64, nch+1),
				}
				if segAssigned[bin] > 0 {
					bl.Weight = float32(cnt[bin][p]) / float32(segAssigned[bin])
				}
				if cnt[bin][p] > 0 {
					norm := complex(1/float64(cnt[bin][p]), 0)
					var dphi float64
					if c.cfg.SourceDelay != nil {
						dphi = c.cfg.SourceDelay(src, sa.StationNr, mid) -
							c.cfg.SourceDelay(src, sb.StationNr, mid)
					}
					for k := 0; k <= nch; k++ {
						var sum complex128
						if k == nch {
							sum = acc[bin][p][m/2]
						} else {
							for q := k * rebin; q < (k+1)*rebin; q++ {
								sum += acc[bin][p][q]
							}
							sum /= complex(float64(rebin), 0)
						}
						sum *= norm
						if dphi != 0 {
							fk := sa.ChannelFreq + float64(k)*sa.Bandwidth/float64(nch)
							if sa.Sideband == corrdata.LowerSideband {
								fk = sa.ChannelFreq - float64(k)*sa.Bandwidth/float64(nch)
							}
							sum *= cmplx.Rect(1, 2*math.Pi*fk*dphi)
						}
						bl.Spectrum[k] = complex64(sum)
					}
				}
				rec.Baselines[p] = bl
			}
			records = append(records, rec)
		}
	}
	return records
}
