/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package delaymodel loads per-station delay tables and evaluates the
// composed instrumental delay: geometric model, station clock and fixed
// extra delay. Tables are generated by an external program when missing.
package delaymodel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"

	"gonum.org/v1/gonum/interp"

	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

var tableMagic = [4]byte{'F', 'X', 'D', 'T'}

// Point is one support point of the delay polynomial: geometric delay and
// its time derivative at an instant.
type Point struct {
	Time  vlbitime.Timestamp
	Delay float64 // seconds
	Rate  float64 // s/s
}

// Table evaluates δ(t) between support points with Akima splines. The
// spline abscissa is seconds relative to the first support point so the
// fit stays well conditioned far from the tick epoch.
type Table struct {
	start  vlbitime.Timestamp
	first  float64
	last   float64
	delay  interp.AkimaSpline
	rate   interp.AkimaSpline
	points int
}

// NewTable fits the interpolants over the given support points, which must
// be strictly increasing in time. At least three points are required.
func NewTable(points []Point) (*Table, error) {
	if len(points) < 3 {
		return nil, fxerr.Resourcef("delay table has %d support points, need 3", len(points))
	}
	t := &Table{start: points[0].Time, points: len(points)}
	xs := make([]float64, len(points))
	delays := make([]float64, len(points))
	rates := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.Time.Sub(t.start).Seconds()
		if i > 0 && xs[i] <= xs[i-1] {
			return nil, fxerr.Resourcef("delay table not strictly increasing at point %d", i)
		}
		delays[i] = p.Delay
		rates[i] = p.Rate
	}
	if err := t.delay.Fit(xs, delays); err != nil {
		return nil, fxerr.Resourcef("fit delay spline: %v", err)
	}
	if err := t.rate.Fit(xs, rates); err != nil {
		return nil, fxerr.Resourcef("fit rate spline: %v", err)
	}
	t.first, t.last = xs[0], xs[len(xs)-1]
	return t, nil
}

// Covers reports whether t lies inside the table's support.
func (t *Table) Covers(ts vlbitime.Timestamp) bool {
	x := ts.Sub(t.start).Seconds()
	return x >= t.first && x <= t.last
}

// Delay returns δ(t) in seconds.
func (t *Table) Delay(ts vlbitime.Timestamp) float64 {
	return t.delay.Predict(ts.Sub(t.start).Seconds())
}

// Rate returns dδ/dt at t.
func (t *Table) Rate(ts vlbitime.Timestamp) float64 {
	return t.rate.Predict(ts.Sub(t.start).Seconds())
}

// ReadTable loads a binary delay table: magic, point count, then
// (tick, delay, rate) rows, all little-endian.
func ReadTable(r io.Reader) (*Table, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fxerr.Resourcef("read delay table magic: %v", err)
	}
	if magic != tableMagic {
		return nil, fxerr.Formatf("bad delay table magic %q", magic[:])
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fxerr.Resourcef("read delay table size: %v", err)
	}
	points := make([]Point, n)
	for i := range points {
		var row struct {
			Tick  int64
			Delay float64
			Rate  float64
		}
		if err := binary.Read(r, binary.LittleEndian, &row); err != nil {
			return nil, fxerr.Formatf("read delay table row %d: %v", i, err)
		}
		points[i] = Point{Time: vlbitime.Timestamp(row.Tick), Delay: row.Delay, Rate: row.Rate}
	}
	return NewTable(points)
}

// WriteTable writes the binary table format.
func WriteTable(w io.Writer, points []Point) error {
	if _, err := w.Write(tableMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(points))); err != nil {
		return err
	}
	for _, p := range points {
		row := struct {
			Tick  int64
			Delay float64
			Rate  float64
		}{int64(p.Time), p.Delay, p.Rate}
		if err := binary.Write(w, binary.LittleEndian, &row); err != nil {
			return err
		}
	}
	return nil
}

// Load opens the table at path. When the file is absent and a generator
// command is configured, the generator is invoked first; its arguments are
// the station name and the output path. A missing table with no generator,
// or a failing generator, is a resource error.
func Load(ctx context.Context, path, station, generator string) (*Table, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if generator == "" {
			return nil, fxerr.Resourcef("delay table %s missing and no generator configured", path)
		}
		cmd := exec.CommandContext(ctx, generator, station, path)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fxerr.Resourcef("delay generator %s for %s: %v: %s",
				generator, station, err, out)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fxerr.Resourcef("open delay table %s: %v", path, err)
	}
	defer f.Close()
	t, err := ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("delay table %s: %w", path, err)
	}
	return t, nil
}

// Clock is a station's piecewise-linear clock correction: offset at an
// epoch plus a drift rate. Unit-less rates in observation metadata are
// microseconds per second by convention; the caller scales them before
// building the Clock.
type Clock struct {
	Offset float64 // seconds at Epoch
	Rate   float64 // s/s
	Epoch  vlbitime.Timestamp
}

// At returns the clock correction at t.
func (c Clock) At(ts vlbitime.Timestamp) float64 {
	return c.Offset + c.Rate*ts.Sub(c.Epoch).Seconds()
}

// SplitOffset separates a clock offset into a whole-second part, applied
// by repositioning the input reader, and the residual folded into the
// delay model. Offsets in [0, 1) pass through unchanged.
func SplitOffset(offset float64) (reader vlbitime.Duration, residual float64) {
	whole := int64(offset)
	if offset < 0 {
		// round toward negative infinity so the residual stays in [0, 1)
		if float64(whole) > offset {
			whole--
		}
	}
	return vlbitime.Duration(whole) * vlbitime.Second, offset - float64(whole)
}

// StationModel composes the full delay for one station stream.
type StationModel struct {
	Table      *Table
	Clock      Clock
	ExtraDelay float64 // seconds
}

// Delay returns the total delay at t in seconds: geometric + clock +
// extra.
func (m *StationModel) Delay(ts vlbitime.Timestamp) float64 {
	d := m.Clock.At(ts) + m.ExtraDelay
	if m.Table != nil {
		d += m.Table.Delay(ts)
	}
	return d
}

// Rate returns the total delay rate at t.
func (m *StationModel) Rate(ts vlbitime.Timestamp) float64 {
	r := m.Clock.Rate
	if m.Table != nil {
		r += m.Table.Rate(ts)
	}
	return r
}
