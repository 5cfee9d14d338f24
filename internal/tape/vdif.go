/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tape

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/recording"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// VDIF frame: a 32-byte header (16 for legacy) of little-endian 32-bit
// words followed by the data payload. There is no sync pattern and no CRC;
// alignment is recovered by finding two consecutive plausible headers, and
// per-frame health is the validity bit. The payload is a flat LSB-first
// bit stream with channels interleaved per sample, so extraction reuses
// the track tables with a synthetic word width.
const (
	vdifHeaderLen       = 32
	vdifLegacyHeaderLen = 16
)

type vdifHeader struct {
	invalid  bool
	legacy   bool
	seconds  int64
	refEpoch int
	frameNr  int64
	log2chan int
	frameLen int // bytes, header included
	bits     int
	thread   int
}

func parseVDIFHeader(b []byte) vdifHeader {
	w0 := binary.LittleEndian.Uint32(b)
	w1 := binary.LittleEndian.Uint32(b[4:])
	w2 := binary.LittleEndian.Uint32(b[8:])
	w3 := binary.LittleEndian.Uint32(b[12:])
	return vdifHeader{
		invalid:  w0>>31 == 1,
		legacy:   w0>>30&1 == 1,
		seconds:  int64(w0 & 0x3fffffff),
		refEpoch: int(w1 >> 24 & 0x3f),
		frameNr:  int64(w1 & 0xffffff),
		log2chan: int(w2 >> 24 & 0x1f),
		frameLen: int(w2&0xffffff) * 8,
		bits:     int(w3>>26&0x1f) + 1,
		thread:   int(w3 >> 16 & 0x3ff),
	}
}

func (h vdifHeader) headerLen() int {
	if h.legacy {
		return vdifLegacyHeaderLen
	}
	return vdifHeaderLen
}

// vdifEpochStart returns the start of a VDIF reference epoch: half-years
// counted from 2000-01-01.
func vdifEpochStart(epoch int) vlbitime.Timestamp {
	year := 2000 + epoch/2
	doy := 1
	if epoch%2 == 1 {
		doy = jul1DayOfYear(year)
	}
	return vlbitime.FromDate(year, doy, 0)
}

func jul1DayOfYear(year int) int {
	// 31+28+31+30+31+30 + 1, plus the leap day
	if year%4 == 0 && (year%100 != 0 || year%400 == 0) {
		return 183
	}
	return 182
}

// VDIFChannelMaps builds the channel maps for a VDIF stream of nchan
// channels at the given sample depth, together with the synthetic word
// width to configure as NTracks. For 2-bit data the high bit is the sign.
func VDIFChannelMaps(nchan, bits int) ([]ChannelMap, int, error) {
	if bits != 1 && bits != 2 {
		return nil, 0, fxerr.Configf("unsupported VDIF sample depth %d bits", bits)
	}
	if nchan < 1 || nchan&(nchan-1) != 0 {
		return nil, 0, fxerr.Configf("VDIF channel count %d is not a power of two", nchan)
	}
	tick := nchan * bits
	word := 8
	for word < tick {
		word *= 2
	}
	if word > 64 {
		return nil, 0, fxerr.Configf("%d channels at %d bits exceed a 64-bit word", nchan, bits)
	}
	fanout := word / tick
	maps := make([]ChannelMap, nchan)
	for c := 0; c < nchan; c++ {
		cm := ChannelMap{}
		for f := 0; f < fanout; f++ {
			base := f*tick + c*bits
			if bits == 2 {
				cm.SignTracks = append(cm.SignTracks, base+1)
				cm.MagTracks = append(cm.MagTracks, base)
			} else {
				cm.SignTracks = append(cm.SignTracks, base)
			}
		}
		maps[c] = cm
	}
	return maps, word, nil
}

type vdif struct {
	cfg  Config
	src  *recording.Source
	br   *bufio.Reader
	warn Warn

	wordBytes int
	frameLen  int // full frame bytes, fixed after sync
	headerLen int
	dataBytes int

	frame    []byte
	hdr      vdifHeader
	time     vlbitime.Timestamp
	frameDur vlbitime.Duration
	epoch    vlbitime.Timestamp

	tables  []*channelTable
	extract []func([]byte, *bitWriter)

	stats       Stats
	tstats      *trackStats
	sinceCheck  int
	synced      bool
	firstOffset int64
}

func newVDIF(cfg Config, src *recording.Source, warn Warn) (*vdif, error) {
	switch cfg.NTracks {
	case 8, 16, 32, 64:
	default:
		return nil, fxerr.Configf("word width %d not one of 8/16/32/64", cfg.NTracks)
	}
	if cfg.TrackBitRate <= 0 {
		return nil, fxerr.Configf("track bit rate %d", cfg.TrackBitRate)
	}
	v := &vdif{
		cfg:       cfg,
		src:       src,
		warn:      warn,
		wordBytes: cfg.NTracks / 8,
		tstats:    newTrackStats(cfg.NTracks),
	}
	fanout, bits := -1, -1
	for i, cm := range cfg.Channels {
		tab, err := buildChannelTable(cm, cfg.NTracks)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		fn, err := tab.extractFn(cfg.NTracks)
		if err != nil {
			return nil, err
		}
		if fanout >= 0 && (tab.fanout != fanout || tab.bitsPerSmp != bits) {
			return nil, fxerr.Configf("channel %d fanout/bit depth differs from channel 0", i)
		}
		fanout, bits = tab.fanout, tab.bitsPerSmp
		v.tables = append(v.tables, tab)
		v.extract = append(v.extract, fn)
	}
	if len(v.tables) == 0 {
		return nil, fxerr.Configf("no channels configured")
	}
	v.br = bufio.NewReaderSize(src, 1<<20)
	v.firstOffset = src.Offset()
	return v, nil
}

func (v *vdif) Stats() Stats                    { return v.stats }
func (v *vdif) CurrentTime() vlbitime.Timestamp { return v.time }

func (v *vdif) SamplesPerFrame() int {
	return v.dataBytes * 8 / v.cfg.NTracks * v.tables[0].fanout
}

func (v *vdif) plausible(h vdifHeader) bool {
	if h.frameLen < h.headerLen()+8 || h.frameLen > 1<<24 {
		return false
	}
	if h.bits != v.tables[0].bitsPerSmp {
		return false
	}
	t := vdifEpochStart(h.refEpoch).Add(vlbitime.Duration(h.seconds * int64(vlbitime.Second)))
	return absDur(t.Sub(v.cfg.Reference)) < 366*vlbitime.Day
}

// FindHeader recovers frame alignment by locating two consecutive headers
// that agree on geometry and advance in time.
func (v *vdif) FindHeader() error {
	scanned := 0
	for scanned < MaxHeaderScanBytes {
		buf, err := v.br.Peek(1 << 20)
		if len(buf) < vdifHeaderLen {
			if err == io.EOF {
				return io.EOF
			}
			return fxerr.Formatf("header scan: %v", err)
		}
		for i := 0; i+vdifHeaderLen <= len(buf); i += 4 {
			h := parseVDIFHeader(buf[i:])
			if !v.plausible(h) {
				continue
			}
			if i+h.frameLen+vdifHeaderLen > len(buf) {
				break
			}
			h2 := parseVDIFHeader(buf[i+h.frameLen:])
			if h2.frameLen != h.frameLen || h2.log2chan != h.log2chan || h2.legacy != h.legacy {
				continue
			}
			v.acceptGeometry(h)
			v.br.Discard(i)
			v.stats.BytesRead += int64(i)
			v.synced = true
			v.time = v.frameTime(h)
			return nil
		}
		skip := len(buf) - vdifHeaderLen
		v.br.Discard(skip)
		v.stats.BytesRead += int64(skip)
		scanned += skip
	}
	return fxerr.Formatf("no valid VDIF header within %d bytes", MaxHeaderScanBytes)
}

func (v *vdif) acceptGeometry(h vdifHeader) {
	v.frameLen = h.frameLen
	v.headerLen = h.headerLen()
	v.dataBytes = h.frameLen - v.headerLen
	v.frame = make([]byte, v.frameLen)
	v.epoch = vdifEpochStart(h.refEpoch)
	samplesPerFrame := int64(v.dataBytes*8/v.cfg.NTracks) * int64(v.tables[0].fanout)
	sampleRate := v.cfg.TrackBitRate / int64(v.tables[0].bitsPerSmp)
	v.frameDur = vlbitime.FromSampleCount(samplesPerFrame, sampleRate)
}

func (v *vdif) frameTime(h vdifHeader) vlbitime.Timestamp {
	return v.epoch.
		Add(vlbitime.Duration(h.seconds * int64(vlbitime.Second))).
		Add(vlbitime.Duration(h.frameNr * int64(v.frameDur)))
}

// ReadFrame loads the next frame of the selected thread. Frames flagged
// invalid keep their place in the sample stream: the payload is replaced
// with pseudo-random bits when replacement is configured, zeros otherwise.
func (v *vdif) ReadFrame() error {
	if !v.synced {
		if err := v.FindHeader(); err != nil {
			return err
		}
	}
	for {
		if _, err := io.ReadFull(v.br, v.frame); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return io.EOF
			}
			return fmt.Errorf("read frame: %w", err)
		}
		v.stats.BytesRead += int64(v.frameLen)
		h := parseVDIFHeader(v.frame)
		if h.frameLen != v.frameLen || !v.plausible(h) {
			v.stats.FramesRejected++
			v.stats.Resyncs++
			v.synced = false
			v.warn("VDIF alignment lost at byte %d, realigning", v.src.Offset())
			return v.ReadFrame()
		}
		if h.thread != v.cfg.VDIFThread {
			continue
		}
		v.hdr = h
		v.time = v.frameTime(h)
		if h.invalid {
			v.stats.FramesRejected++
			v.warn("VDIF frame at %v flagged invalid", v.time)
			data := v.frame[v.headerLen:]
			for i := range data {
				data[i] = 0
			}
			if v.cfg.InsertRandomHeaders {
				v.cfg.Rand.Read(data)
			}
		}
		v.sinceCheck++
		if v.sinceCheck >= v.cfg.ValidateEvery {
			v.sinceCheck = 0
			for off := v.headerLen; off+v.wordBytes <= v.frameLen; off += v.wordBytes {
				v.tstats.addWord(wordAt(v.frame, off, v.wordBytes))
			}
			if bad := v.tstats.check(); len(bad) > 0 {
				v.stats.BitStatWarnings += int64(len(bad))
				v.warn("VDIF bit positions %v outside bit frequency bounds near %v", bad, v.time)
			}
		}
		v.stats.FramesAccepted++
		v.time = v.time.Add(v.frameDur)
		return nil
	}
}

func (v *vdif) Extract(ch int, dst []byte) []byte {
	w := &bitWriter{out: dst}
	v.extract[ch](v.frame[v.headerLen:], w)
	return w.flush()
}

func (v *vdif) GotoTime(t vlbitime.Timestamp) error {
	if !v.synced {
		if err := v.FindHeader(); err != nil {
			return err
		}
	}
	for v.time.Before(t) {
		buf, err := v.br.Peek(vdifHeaderLen)
		if err != nil {
			if err == io.EOF {
				return io.EOF
			}
			return fmt.Errorf("peek header: %w", err)
		}
		h := parseVDIFHeader(buf)
		if h.frameLen != v.frameLen || !v.plausible(h) {
			v.synced = false
			return v.FindHeader()
		}
		if !v.frameTime(h).Before(t) {
			v.time = v.frameTime(h)
			return nil
		}
		if _, err := v.br.Discard(v.frameLen); err != nil {
			return fmt.Errorf("skip frame: %w", err)
		}
		v.stats.BytesRead += int64(v.frameLen)
		v.time = v.frameTime(h).Add(v.frameDur)
	}
	return nil
}
