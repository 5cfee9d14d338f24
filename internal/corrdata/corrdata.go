/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package corrdata holds the shared correlation data model: work slices,
// station streams, baseline indexing and visibility records, together with
// the binary output format.
package corrdata

import (
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// Sideband of a frequency channel.
type Sideband uint8

const (
	UpperSideband Sideband = iota
	LowerSideband
)

// Polarisation letter codes follow the observation metadata.
type Polarisation uint8

const (
	PolR Polarisation = 'R'
	PolL Polarisation = 'L'
	PolX Polarisation = 'X'
	PolY Polarisation = 'Y'
)

// StationStream describes one station's contribution to a slice: what to
// read, where it sits in frequency, and the per-station corrections the
// correlator must apply.
type StationStream struct {
	StationNr int32
	StreamNr  int32

	SampleRate    int64
	Bandwidth     float64 // Hz
	ChannelFreq   float64 // sky frequency of the channel edge, Hz
	Sideband      Sideband
	Polarisation  Polarisation
	BitsPerSample int

	// LOOffset is an artificial local-oscillator offset in Hz, applied as
	// an extra fringe term. LOOffsetEnd and LOOffsetSteps describe a swept
	// offset; both zero means a constant offset.
	LOOffset      float64
	LOOffsetEnd   float64
	LOOffsetSteps int

	// ExtraDelay is a fixed per-station instrumental delay in seconds,
	// composed with the delay model. Residual sub-second clock offsets
	// land here.
	ExtraDelay float64

	Start       vlbitime.Timestamp
	Stop        vlbitime.Timestamp
	SampleCount int64
}

// Slice is one unit of correlator work: a sub-integration span on one
// channel, or on a cross-polarisation channel pair.
type Slice struct {
	IntegrationNr int32
	SliceNr       int32
	ChannelNr     int32

	// CrossChannelNr is the partner channel for cross-polarisation
	// products, or -1.
	CrossChannelNr int32

	Start      vlbitime.Timestamp
	Duration   vlbitime.Duration
	FFTWindows int

	// PulsarBins is the bin count for pulsar binning runs, 0 otherwise.
	// Bin 0 is the off-pulse bin.
	PulsarBins int

	// Sources lists the phase centres of the scan. A single entry for
	// ordinary runs.
	Sources []string

	Streams []StationStream
}

// CrossPolarised reports whether the slice carries a channel pair.
func (s *Slice) CrossPolarised() bool { return s.CrossChannelNr >= 0 }

// BaselineCount returns the number of station pairs including autos for
// n stations.
func BaselineCount(n int) int { return n * (n + 1) / 2 }

// BaselineIndex maps an unordered station pair to its position in the
// packed triangular matrix. Requires i <= j.
func BaselineIndex(i, j int) int { return j*(j+1)/2 + i }

// BaselinePair inverts BaselineIndex.
func BaselinePair(idx int) (i, j int) {
	j = 0
	for BaselineIndex(0, j+1) <= idx {
		j++
	}
	i = idx - BaselineIndex(0, j)
	return i, j
}

// BaselineSpectrum is one baseline's integrated cross (or auto) spectrum
// within a visibility record.
type BaselineSpectrum struct {
	StationA int32
	StationB int32
	PolA     Polarisation
	PolB     Polarisation

	// Weight is the fraction of expected samples that contributed, in
	// [0, 1]. Short reads and absent stations reduce it.
	Weight float32

	Spectrum []complex64
}

// VisibilityRecord is the result of one slice on one phase centre and one
// pulsar bin.
type VisibilityRecord struct {
	SliceNr       int32
	IntegrationNr int32
	ChannelNr     int32
	SourceIdx     int32
	PulsarBin     int32

	Baselines []BaselineSpectrum
}
