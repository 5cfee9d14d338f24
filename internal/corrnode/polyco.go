/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package corrnode

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// Polyco is one pulsar phase polynomial block from a tempo polyco file.
// Phase(t) = RefPhase + 60·F0·dt + Σ c_i·dt^i with dt in minutes from
// TMid.
type Polyco struct {
	Name    string
	TMidMJD float64
	DM      float64

	RefPhase float64
	F0       float64 // Hz
	SpanMin  float64
	Coeffs   []float64
}

func mjdFloat(at vlbitime.Timestamp) float64 {
	return float64(at.MJD()) + at.SecondsOfDay()/86400
}

// Phase evaluates the polynomial at t, in turns.
func (p *Polyco) Phase(at vlbitime.Timestamp) float64 {
	// Whole days and seconds of day are differenced apart so the
	// sub-second part keeps full precision.
	day := math.Floor(p.TMidMJD)
	dt := float64(at.MJD()-int(day))*1440 + (at.SecondsOfDay()-(p.TMidMJD-day)*86400)/60
	poly := 0.0
	for i := len(p.Coeffs) - 1; i >= 0; i-- {
		poly = poly*dt + p.Coeffs[i]
	}
	return p.RefPhase + 60*p.F0*dt + poly
}

// Covers reports whether t lies within the block's validity span.
func (p *Polyco) Covers(at vlbitime.Timestamp) bool {
	return math.Abs(mjdFloat(at)-p.TMidMJD)*1440 <= p.SpanMin/2
}

// parseFortranFloat accepts D-exponent notation alongside the usual E.
func parseFortranFloat(s string) (float64, error) {
	s = strings.ReplaceAll(strings.ReplaceAll(s, "D", "E"), "d", "e")
	return strconv.ParseFloat(s, 64)
}

// ReadPolycos parses a tempo polyco file: per block two header lines
// (name, date, UTC, TMid, DM / refphase, F0, site, span, ncoeff, freq)
// followed by the coefficients, three per line.
func ReadPolycos(r io.Reader) ([]Polyco, error) {
	sc := bufio.NewScanner(r)
	var out []Polyco
	for sc.Scan() {
		h1 := strings.Fields(sc.Text())
		if len(h1) == 0 {
			continue
		}
		if len(h1) < 5 {
			return nil, fxerr.Formatf("polyco header line %q", sc.Text())
		}
		var p Polyco
		p.Name = h1[0]
		var err error
		if p.TMidMJD, err = parseFortranFloat(h1[3]); err != nil {
			return nil, fxerr.Formatf("polyco tmid %q: %v", h1[3], err)
		}
		if p.DM, err = parseFortranFloat(h1[4]); err != nil {
			return nil, fxerr.Formatf("polyco dm %q: %v", h1[4], err)
		}
		if !sc.Scan() {
			return nil, fxerr.Formatf("polyco block for %s truncated", p.Name)
		}
		h2 := strings.Fields(sc.Text())
		if len(h2) < 5 {
			return nil, fxerr.Formatf("polyco second header line %q", sc.Text())
		}
		if p.RefPhase, err = parseFortranFloat(h2[0]); err != nil {
			return nil, fxerr.Formatf("polyco refphase %q: %v", h2[0], err)
		}
		if p.F0, err = parseFortranFloat(h2[1]); err != nil {
			return nil, fxerr.Formatf("polyco f0 %q: %v", h2[1], err)
		}
		if p.SpanMin, err = parseFortranFloat(h2[3]); err != nil {
			return nil, fxerr.Formatf("polyco span %q: %v", h2[3], err)
		}
		ncoeff, err := strconv.Atoi(h2[4])
		if err != nil || ncoeff <= 0 {
			return nil, fxerr.Formatf("polyco coefficient count %q", h2[4])
		}
		p.Coeffs = make([]float64, 0, ncoeff)
		for len(p.Coeffs) < ncoeff {
			if !sc.Scan() {
				return nil, fxerr.Formatf("polyco coefficients for %s truncated", p.Name)
			}
			for _, f := range strings.Fields(sc.Text()) {
				v, err := parseFortranFloat(f)
				if err != nil {
					return nil, fxerr.Formatf("polyco coefficient %q: %v", f, err)
				}
				p.Coeffs = append(p.Coeffs, v)
			}
		}
		if len(p.Coeffs) != ncoeff {
			return nil, fxerr.Formatf("polyco for %s has %d coefficients, header says %d",
				p.Name, len(p.Coeffs), ncoeff)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fxerr.Resourcef("read polyco file: %v", err)
	}
	if len(out) == 0 {
		return nil, fxerr.Formatf("polyco file holds no blocks")
	}
	return out, nil
}

// Binner routes samples to pulsar bins. Phases inside [Lo, Hi) map to
// on-pulse bins 1..NBins; everything else lands in the off-pulse bin 0.
type Binner struct {
	Polycos []Polyco
	Lo, Hi  float64
	NBins   int
}

// Bins returns the total bin count including the off-pulse bin.
func (b *Binner) Bins() int { return b.NBins + 1 }

// Bin returns the bin index for time t, or 0 when no polyco block covers
// t.
func (b *Binner) Bin(at vlbitime.Timestamp) int {
	var p *Polyco
	for i := range b.Polycos {
		if b.Polycos[i].Covers(at) {
			p = &b.Polycos[i]
			break
		}
	}
	if p == nil {
		return 0
	}
	phase := p.Phase(at)
	frac := phase - math.Floor(phase)
	if frac < b.Lo || frac >= b.Hi {
		return 0
	}
	bin := int((frac - b.Lo) / (b.Hi - b.Lo) * float64(b.NBins))
	if bin >= b.NBins {
		bin = b.NBins - 1
	}
	return bin + 1
}
