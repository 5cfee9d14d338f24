/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package calib reads binary calibration (CL) tables and computes the
// per-channel complex gains applied to station spectra before
// accumulation.
package calib

import (
	"encoding/binary"
	"io"
	"math"
	"math/cmplx"

	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// MinWeight is the cutoff below which a table row is ignored for an
// entry.
const MinWeight = 0.001

var clMagic = [4]byte{'F', 'X', 'C', 'L'}

// Header describes the table dimensions. Entries are indexed
// (station, polarisation, IF), IF fastest.
type Header struct {
	StartMJD    int32
	NChan       int32
	NStation    int32
	NPol        int32
	NIF         int32
	IFFreq      []float64 // Hz
	IFBandwidth []float64 // Hz
}

// Entry is one calibration solution.
type Entry struct {
	Delay     float64 // seconds
	Rate      float64 // s/s
	Gain      complex128
	Weight    float64
	DispDelay float64 // dispersive delay coefficient, s·Hz
}

// Row is one solution epoch.
type Row struct {
	Time     vlbitime.Timestamp
	Interval vlbitime.Duration
	Entries  []Entry
}

// Table is a loaded CL table plus a per-station gain cache.
type Table struct {
	Header Header
	Rows   []Row

	cache map[cacheKey]*cached
}

type cacheKey struct {
	station, pol, ifIdx int
}

type cached struct {
	rowIdx   int
	nchan    int
	chanFreq float64
	lsb      bool
	gains    []complex64
	ok       bool
}

func (t *Table) entryIdx(station, pol, ifIdx int) int {
	return (station*int(t.Header.NPol)+pol)*int(t.Header.NIF) + ifIdx
}

// Read loads a binary CL table: magic, header, IF vectors, then rows of
// (time, interval) and entries, all little-endian.
func Read(r io.Reader) (*Table, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fxerr.Resourcef("read cl table magic: %v", err)
	}
	if magic != clMagic {
		return nil, fxerr.Formatf("bad cl table magic %q", magic[:])
	}
	var dims struct{ StartMJD, NChan, NStation, NPol, NIF, NRows int32 }
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return nil, fxerr.Formatf("read cl table header: %v", err)
	}
	if dims.NStation <= 0 || dims.NPol <= 0 || dims.NIF <= 0 || dims.NRows < 0 {
		return nil, fxerr.Formatf("cl table dimensions %+v", dims)
	}
	t := &Table{
		Header: Header{
			StartMJD:    dims.StartMJD,
			NChan:       dims.NChan,
			NStation:    dims.NStation,
			NPol:        dims.NPol,
			NIF:         dims.NIF,
			IFFreq:      make([]float64, dims.NIF),
			IFBandwidth: make([]float64, dims.NIF),
		},
		cache: make(map[cacheKey]*cached),
	}
	if err := binary.Read(r, binary.LittleEndian, t.Header.IFFreq); err != nil {
		return nil, fxerr.Formatf("read cl IF frequencies: %v", err)
	}
	if err := binary.Read(r, binary.LittleEndian, t.Header.IFBandwidth); err != nil {
		return nil, fxerr.Formatf("read cl IF bandwidths: %v", err)
	}
	nEntries := int(dims.NStation) * int(dims.NPol) * int(dims.NIF)
	t.Rows = make([]Row, dims.NRows)
	for i := range t.Rows {
		var rh struct{ Sec, Interval float64 }
		if err := binary.Read(r, binary.LittleEndian, &rh); err != nil {
			return nil, fxerr.Formatf("read cl row %d: %v", i, err)
		}
		row := Row{
			Time:     vlbitime.FromMJD(int(dims.StartMJD), rh.Sec),
			Interval: vlbitime.FromSeconds(rh.Interval),
			Entries:  make([]Entry, nEntries),
		}
		for j := range row.Entries {
			var e struct {
				Delay, Rate, GainRe, GainIm, Weight, DispDelay float64
			}
			if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
				return nil, fxerr.Formatf("read cl row %d entry %d: %v", i, j, err)
			}
			row.Entries[j] = Entry{
				Delay:     e.Delay,
				Rate:      e.Rate,
				Gain:      complex(e.GainRe, e.GainIm),
				Weight:    e.Weight,
				DispDelay: e.DispDelay,
			}
		}
		t.Rows[i] = row
	}
	return t, nil
}

// Write emits the binary CL table format.
func Write(w io.Writer, hdr Header, rows []Row) error {
	if _, err := w.Write(clMagic[:]); err != nil {
		return err
	}
	dims := struct{ StartMJD, NChan, NStation, NPol, NIF, NRows int32 }{
		hdr.StartMJD, hdr.NChan, hdr.NStation, hdr.NPol, hdr.NIF, int32(len(rows)),
	}
	if err := binary.Write(w, binary.LittleEndian, &dims); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, hdr.IFFreq); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, hdr.IFBandwidth); err != nil {
		return err
	}
	for _, row := range rows {
		start := vlbitime.FromMJD(int(hdr.StartMJD), 0)
		rh := struct{ Sec, Interval float64 }{
			row.Time.Sub(start).Seconds(), row.Interval.Seconds(),
		}
		if err := binary.Write(w, binary.LittleEndian, &rh); err != nil {
			return err
		}
		for _, e := range row.Entries {
			out := struct {
				Delay, Rate, GainRe, GainIm, Weight, DispDelay float64
			}{e.Delay, e.Rate, real(e.Gain), imag(e.Gain), e.Weight, e.DispDelay}
			if err := binary.Write(w, binary.LittleEndian, &out); err != nil {
				return err
			}
		}
	}
	return nil
}

// bracket finds the row pair around t whose entries for idx carry enough
// weight. Rows under the weight cutoff are skipped as if absent.
func (t *Table) bracket(idx int, at vlbitime.Timestamp) (lo, hi int, ok bool) {
	lo, hi = -1, -1
	for i := range t.Rows {
		if t.Rows[i].Entries[idx].Weight < MinWeight {
			continue
		}
		if !t.Rows[i].Time.After(at) {
			lo = i
			continue
		}
		hi = i
		break
	}
	if lo < 0 {
		return 0, 0, false
	}
	if hi < 0 {
		hi = lo
	}
	return lo, hi, true
}

func lerp(a, b, f float64) float64 { return a + (b-a)*f }

// phasorLerp interpolates an angle through the complex plane, avoiding
// the 2π wrap that a linear angle blend would hit.
func phasorLerp(a, b, f float64) float64 {
	pa := cmplx.Rect(1, a)
	pb := cmplx.Rect(1, b)
	p := pa + complex(f, 0)*(pb-pa)
	if p == 0 {
		return a
	}
	return cmplx.Phase(p)
}

// ChannelGains computes the complex gain per spectral channel for one
// station entry at time t. chanFreq is the channel edge frequency and
// bandwidth its width; lsb reverses the channel order. Returns false when
// no row with sufficient weight covers t, in which case calibration is
// skipped for the slice.
//
// The per-station result is cached and recomputed only when the lookup
// key (row, channel grid) changes.
func (t *Table) ChannelGains(station, pol, ifIdx int, at vlbitime.Timestamp,
	nchan int, chanFreq, bandwidth float64, lsb bool) ([]complex64, bool) {

	idx := t.entryIdx(station, pol, ifIdx)
	lo, hi, ok := t.bracket(idx, at)
	if !ok {
		return nil, false
	}
	key := cacheKey{station, pol, ifIdx}
	c := t.cache[key]
	if c != nil && c.rowIdx == lo && c.nchan == nchan && c.chanFreq == chanFreq && c.lsb == lsb {
		return c.gains, c.ok
	}

	e0 := t.Rows[lo].Entries[idx]
	e1 := t.Rows[hi].Entries[idx]
	var f float64
	if hi != lo {
		span := t.Rows[hi].Time.Sub(t.Rows[lo].Time).Seconds()
		f = at.Sub(t.Rows[lo].Time).Seconds() / span
	}

	refFreq := t.Header.IFFreq[ifIdx]
	delay := lerp(e0.Delay, e1.Delay, f)
	amp := lerp(cmplx.Abs(e0.Gain), cmplx.Abs(e1.Gain), f)
	gphase := phasorLerp(cmplx.Phase(e0.Gain), cmplx.Phase(e1.Gain), f)
	ratePhase := phasorLerp(
		2*math.Pi*refFreq*e0.Rate*at.Sub(t.Rows[lo].Time).Seconds(),
		2*math.Pi*refFreq*e1.Rate*(at.Sub(t.Rows[hi].Time).Seconds()),
		f)
	disp := lerp(e0.DispDelay, e1.DispDelay, f)

	gains := make([]complex64, nchan)
	for j := 0; j < nchan; j++ {
		fj := chanFreq + (float64(j)+0.5)*bandwidth/float64(nchan)
		if lsb {
			fj = chanFreq - (float64(j)+0.5)*bandwidth/float64(nchan)
		}
		phase := 2*math.Pi*delay*(fj-refFreq) + gphase + ratePhase
		if disp != 0 && fj != 0 {
			phase += 2 * math.Pi * disp * refFreq * refFreq / fj
		}
		g := cmplx.Rect(amp, phase)
		gains[j] = complex64(g)
	}
	t.cache[key] = &cached{rowIdx: lo, nchan: nchan, chanFreq: chanFreq, lsb: lsb, gains: gains, ok: true}
	return gains, true
}
