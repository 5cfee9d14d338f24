/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package corrdata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// OutputFormatVersion is bumped on incompatible layout changes.
const OutputFormatVersion uint8 = 2

var outputMagic = [4]byte{'F', 'X', 'C', 'R'}

// PolarisationType tags the product set carried by an output file.
type PolarisationType uint8

const (
	PolTypeSingle PolarisationType = iota
	PolTypeDual
	PolTypeCross
)

func (p PolarisationType) String() string {
	switch p {
	case PolTypeSingle:
		return "single"
	case PolTypeDual:
		return "dual"
	case PolTypeCross:
		return "cross"
	}
	return fmt.Sprintf("PolarisationType(%d)", uint8(p))
}

// fixed-size leading part of the global header, written little-endian.
type globalHeaderFixed struct {
	Magic           [4]byte
	FormatVersion   uint8
	PolType         uint8
	_               [2]byte
	StartYear       int32
	StartDay        int32
	StartSecond     int32
	NumberChannels  int32
	IntegrationUsec int64
	Job             int32
	Subjob          int32
	CorrelatorBuild [16]byte
	Experiment      [32]byte
	StationBytes    int32
	SourceBytes     int32
}

// GlobalHeader precedes all visibility records in an output file.
type GlobalHeader struct {
	FormatVersion   uint8
	PolType         PolarisationType
	Start           vlbitime.Timestamp
	NumberChannels  int32
	IntegrationTime vlbitime.Duration
	Job             int32
	Subjob          int32
	CorrelatorBuild string
	Experiment      string

	// Stations and Sources enumerate the names referenced by record
	// indices, in index order.
	Stations []string
	Sources  []string
}

func packNames(names []string) []byte {
	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func unpackNames(b []byte) []string {
	var out []string
	for len(b) > 0 {
		i := bytes.IndexByte(b, 0)
		if i < 0 {
			out = append(out, string(b))
			break
		}
		out = append(out, string(b[:i]))
		b = b[i+1:]
	}
	return out
}

// Encode writes the global header to w.
func (h *GlobalHeader) Encode(w io.Writer) error {
	year, day := h.Start.Date()
	fixed := globalHeaderFixed{
		Magic:           outputMagic,
		FormatVersion:   h.FormatVersion,
		PolType:         uint8(h.PolType),
		StartYear:       int32(year),
		StartDay:        int32(day),
		StartSecond:     int32(h.Start.SecondsOfDay()),
		NumberChannels:  h.NumberChannels,
		IntegrationUsec: h.IntegrationTime.Microseconds(),
		Job:             h.Job,
		Subjob:          h.Subjob,
	}
	copy(fixed.CorrelatorBuild[:], h.CorrelatorBuild)
	copy(fixed.Experiment[:], h.Experiment)

	stations := packNames(h.Stations)
	sources := packNames(h.Sources)
	fixed.StationBytes = int32(len(stations))
	fixed.SourceBytes = int32(len(sources))

	if err := binary.Write(w, binary.LittleEndian, &fixed); err != nil {
		return fmt.Errorf("write global header: %w", err)
	}
	if _, err := w.Write(stations); err != nil {
		return fmt.Errorf("write station list: %w", err)
	}
	if _, err := w.Write(sources); err != nil {
		return fmt.Errorf("write source list: %w", err)
	}
	return nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// DecodeGlobalHeader reads a global header from r.
func DecodeGlobalHeader(r io.Reader) (*GlobalHeader, error) {
	var fixed globalHeaderFixed
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, fxerr.Formatf("read global header: %v", err)
	}
	if fixed.Magic != outputMagic {
		return nil, fxerr.Formatf("bad output magic %q", fixed.Magic[:])
	}
	if fixed.FormatVersion > OutputFormatVersion {
		return nil, fxerr.Formatf("unsupported output format version %d", fixed.FormatVersion)
	}
	if fixed.StationBytes < 0 || fixed.SourceBytes < 0 {
		return nil, fxerr.Formatf("negative name list length")
	}
	names := make([]byte, fixed.StationBytes+fixed.SourceBytes)
	if _, err := io.ReadFull(r, names); err != nil {
		return nil, fxerr.Formatf("read name lists: %v", err)
	}
	h := &GlobalHeader{
		FormatVersion:   fixed.FormatVersion,
		PolType:         PolarisationType(fixed.PolType),
		Start:           vlbitime.FromDate(int(fixed.StartYear), int(fixed.StartDay), float64(fixed.StartSecond)),
		NumberChannels:  fixed.NumberChannels,
		IntegrationTime: vlbitime.FromMicroseconds(fixed.IntegrationUsec),
		Job:             fixed.Job,
		Subjob:          fixed.Subjob,
		CorrelatorBuild: cString(fixed.CorrelatorBuild[:]),
		Experiment:      cString(fixed.Experiment[:]),
		Stations:        unpackNames(names[:fixed.StationBytes]),
		Sources:         unpackNames(names[fixed.StationBytes:]),
	}
	return h, nil
}

type recordFixed struct {
	SliceNr       int32
	IntegrationNr int32
	ChannelNr     int32
	SourceIdx     int32
	PulsarBin     int32
	NBaselines    int32
	NBins         int32
}

type baselineFixed struct {
	StationA int32
	StationB int32
	PolA     uint8
	PolB     uint8
	_        [2]byte
	Weight   float32
}

// Encode writes the record to w. All baselines in one record must share a
// spectrum length.
func (v *VisibilityRecord) Encode(w io.Writer) error {
	nBins := 0
	if len(v.Baselines) > 0 {
		nBins = len(v.Baselines[0].Spectrum)
	}
	fixed := recordFixed{
		SliceNr:       v.SliceNr,
		IntegrationNr: v.IntegrationNr,
		ChannelNr:     v.ChannelNr,
		SourceIdx:     v.SourceIdx,
		PulsarBin:     v.PulsarBin,
		NBaselines:    int32(len(v.Baselines)),
		NBins:         int32(nBins),
	}
	if err := binary.Write(w, binary.LittleEndian, &fixed); err != nil {
		return fmt.Errorf("write record header: %w", err)
	}
	buf := make([]byte, 8*nBins)
	for i := range v.Baselines {
		b := &v.Baselines[i]
		if len(b.Spectrum) != nBins {
			return fmt.Errorf("baseline %d spectrum length %d, record carries %d bins",
				i, len(b.Spectrum), nBins)
		}
		bf := baselineFixed{
			StationA: b.StationA,
			StationB: b.StationB,
			PolA:     uint8(b.PolA),
			PolB:     uint8(b.PolB),
			Weight:   b.Weight,
		}
		if err := binary.Write(w, binary.LittleEndian, &bf); err != nil {
			return fmt.Errorf("write baseline header: %w", err)
		}
		for k, c := range b.Spectrum {
			binary.LittleEndian.PutUint32(buf[8*k:], math.Float32bits(real(c)))
			binary.LittleEndian.PutUint32(buf[8*k+4:], math.Float32bits(imag(c)))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write spectrum: %w", err)
		}
	}
	return nil
}

// DecodeRecord reads one visibility record from r. Returns io.EOF cleanly
// at end of stream.
func DecodeRecord(r io.Reader) (*VisibilityRecord, error) {
	var fixed recordFixed
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fxerr.Formatf("read record header: %v", err)
	}
	if fixed.NBaselines < 0 || fixed.NBins < 0 {
		return nil, fxerr.Formatf("negative record dimensions")
	}
	v := &VisibilityRecord{
		SliceNr:       fixed.SliceNr,
		IntegrationNr: fixed.IntegrationNr,
		ChannelNr:     fixed.ChannelNr,
		SourceIdx:     fixed.SourceIdx,
		PulsarBin:     fixed.PulsarBin,
		Baselines:     make([]BaselineSpectrum, fixed.NBaselines),
	}
	buf := make([]byte, 8*fixed.NBins)
	for i := range v.Baselines {
		var bf baselineFixed
		if err := binary.Read(r, binary.LittleEndian, &bf); err != nil {
			return nil, fxerr.Formatf("read baseline header: %v", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fxerr.Formatf("read spectrum: %v", err)
		}
		spec := make([]complex64, fixed.NBins)
		for k := range spec {
			re := math.Float32frombits(binary.LittleEndian.Uint32(buf[8*k:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(buf[8*k+4:]))
			spec[k] = complex(re, im)
		}
		v.Baselines[i] = BaselineSpectrum{
			StationA: bf.StationA,
			StationB: bf.StationB,
			PolA:     Polarisation(bf.PolA),
			PolB:     Polarisation(bf.PolB),
			Weight:   bf.Weight,
			Spectrum: spec,
		}
	}
	return v, nil
}

// IndexEntry summarises one record for the inspect command.
type IndexEntry struct {
	SliceNr       int32
	IntegrationNr int32
	ChannelNr     int32
	SourceIdx     int32
	PulsarBin     int32
	Baselines     int
	Bins          int
}

// ReadIndex decodes the global header and scans all records of an output
// stream, returning one entry per record.
func ReadIndex(r io.Reader) (*GlobalHeader, []IndexEntry, error) {
	h, err := DecodeGlobalHeader(r)
	if err != nil {
		return nil, nil, err
	}
	var index []IndexEntry
	for {
		rec, err := DecodeRecord(r)
		if err == io.EOF {
			return h, index, nil
		}
		if err != nil {
			return h, index, err
		}
		bins := 0
		if len(rec.Baselines) > 0 {
			bins = len(rec.Baselines[0].Spectrum)
		}
		index = append(index, IndexEntry{
			SliceNr:       rec.SliceNr,
			IntegrationNr: rec.IntegrationNr,
			ChannelNr:     rec.ChannelNr,
			SourceIdx:     rec.SourceIdx,
			PulsarBin:     rec.PulsarBin,
			Baselines:     len(rec.Baselines),
			Bins:          bins,
		})
	}
}
