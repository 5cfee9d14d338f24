/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package tape turns interleaved tape-format frames (Mark4, VLBA, Mark5B,
// VDIF) into per-channel packed sample streams. The extractor owns the
// frame cursor of one recording: it finds and validates headers, tracks the
// embedded timecode, and demultiplexes track bits into channels.
package tape

import (
	"math/rand"
	"strings"

	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/recording"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// Format identifies a tape data format.
type Format uint8

const (
	FormatMark4 Format = iota
	FormatVLBA
	FormatMark5B
	FormatVDIF
)

func (f Format) String() string {
	switch f {
	case FormatMark4:
		return "Mark4"
	case FormatVLBA:
		return "VLBA"
	case FormatMark5B:
		return "Mark5B"
	case FormatVDIF:
		return "VDIF"
	}
	return "unknown"
}

// ParseFormat maps a format name from observation metadata to its
// constant. Matching is case-insensitive and tolerates the common
// MKIV/MARK5B spellings.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARK4", "MKIV", "MK4":
		return FormatMark4, nil
	case "VLBA":
		return FormatVLBA, nil
	case "MARK5B", "MK5B":
		return FormatMark5B, nil
	case "VDIF":
		return FormatVDIF, nil
	}
	return 0, fxerr.Configf("unknown data format %q", s)
}

// ChannelMap selects the track bit positions of one frequency channel
// inside a frame word. MagTracks is empty for 1-bit data, otherwise it
// parallels SignTracks.
type ChannelMap struct {
	SignTracks []int
	MagTracks  []int
}

// BitsPerSample returns 1 or 2.
func (c ChannelMap) BitsPerSample() int {
	if len(c.MagTracks) > 0 {
		return 2
	}
	return 1
}

// Fanout returns the number of samples one frame word contributes to the
// channel.
func (c ChannelMap) Fanout() int { return len(c.SignTracks) }

// Config parameterises an extractor.
type Config struct {
	Format Format

	// NTracks is the frame word width in bits for Mark4/VLBA (8, 16, 32
	// or 64) and the bit-stream count for Mark5B.
	NTracks int

	// TrackBitRate is the per-track data rate in bits per second.
	TrackBitRate int64

	Channels []ChannelMap

	// InsertRandomHeaders replaces samples falling inside the frame header
	// region with pseudo-random bits instead of the raw header content.
	InsertRandomHeaders bool

	// Rand feeds the header replacement. Required when
	// InsertRandomHeaders is set.
	Rand *rand.Rand

	// Reference resolves truncated timecode fields (Mark4 year digit,
	// VLBA MJD modulo 1000, VDIF/Mark5B epochs). It must lie within half
	// the ambiguity period of the data.
	Reference vlbitime.Timestamp

	// ValidateEvery re-checks CRC and bit statistics every n accepted
	// frames. 0 means the default of 100; 1 checks every frame.
	ValidateEvery int

	// StrictRateCheck enables the byte-counter data-rate assertion at
	// end of stream.
	StrictRateCheck bool

	// VDIF thread to extract; ignored by other formats.
	VDIFThread int
}

// DefaultValidateInterval is the accepted-frame period between full header
// re-validations.
const DefaultValidateInterval = 100

// MaxHeaderScanBytes bounds the sync search. Failing to find a header
// within this window is a format error.
const MaxHeaderScanBytes = 16 * 1024 * 1024

// Extractor is the per-recording demultiplexer. Implementations are not
// safe for concurrent use.
type Extractor interface {
	// FindHeader scans forward for the next valid frame header and leaves
	// the cursor on that frame. Returns a format error when no header is
	// found within the bounded scan window.
	FindHeader() error

	// CurrentTime returns the timecode of the frame under the cursor.
	CurrentTime() vlbitime.Timestamp

	// ReadFrame loads the frame under the cursor and advances to the
	// next. Returns io.EOF at end of data.
	ReadFrame() error

	// Extract appends the loaded frame's samples for channel ch to dst,
	// packed low-bit-first, and returns the extended slice.
	Extract(ch int, dst []byte) []byte

	// SamplesPerFrame returns the per-channel sample count of one frame.
	SamplesPerFrame() int

	// GotoTime skips forward so the next frame's timecode is the first
	// at or after t.
	GotoTime(t vlbitime.Timestamp) error

	// Stats returns counters accumulated since the extractor was created.
	Stats() Stats
}

// Stats carries extractor health counters.
type Stats struct {
	FramesAccepted int64
	FramesRejected int64
	Resyncs        int64
	BytesRead      int64

	// BitStatWarnings counts per-track one-frequency excursions outside
	// [0.45, 0.55].
	BitStatWarnings int64
}

// Warn is called for non-fatal extractor diagnostics. The input node
// installs a zerolog-backed hook here.
type Warn func(format string, args ...any)

// New builds the extractor for the configured format.
func New(cfg Config, src *recording.Source, warn Warn) (Extractor, error) {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	if cfg.ValidateEvery == 0 {
		cfg.ValidateEvery = DefaultValidateInterval
	}
	if cfg.InsertRandomHeaders && cfg.Rand == nil {
		return nil, fxerr.Configf("random header fill requested without a seed source")
	}
	switch cfg.Format {
	case FormatMark4:
		return newMark4(cfg, src, warn)
	case FormatVLBA:
		return newVLBA(cfg, src, warn)
	case FormatMark5B:
		return newMark5B(cfg, src, warn)
	case FormatVDIF:
		return newVDIF(cfg, src, warn)
	}
	return nil, fxerr.Configf("unknown tape format %d", cfg.Format)
}

// bitWriter packs sample bits low-bit-first into a byte slice.
type bitWriter struct {
	out  []byte
	bits uint
	cur  byte
}

func (w *bitWriter) push(b uint64, n uint) {
	for i := uint(0); i < n; i++ {
		w.cur |= byte((b>>i)&1) << w.bits
		w.bits++
		if w.bits == 8 {
			w.out = append(w.out, w.cur)
			w.cur, w.bits = 0, 0
		}
	}
}

func (w *bitWriter) flush() []byte {
	if w.bits > 0 {
		w.out = append(w.out, w.cur)
		w.cur, w.bits = 0, 0
	}
	return w.out
}

// trackStats accumulates per-track one counts over a validation window.
type trackStats struct {
	ones  []int64
	words int64
}

func newTrackStats(nTracks int) *trackStats {
	return &trackStats{ones: make([]int64, nTracks)}
}

func (s *trackStats) addWord(w uint64) {
	for t := range s.ones {
		s.ones[t] += int64((w >> uint(t)) & 1)
	}
	s.words++
}

// check resets the window and reports tracks whose one-frequency left
// [0.45, 0.55].
func (s *trackStats) check() []int {
	if s.words == 0 {
		return nil
	}
	var bad []int
	for t, n := range s.ones {
		f := float64(n) / float64(s.words)
		if f < 0.45 || f > 0.55 {
			bad = append(bad, t)
		}
		s.ones[t] = 0
	}
	s.words = 0
	return bad
}
