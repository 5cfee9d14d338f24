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

// Mark5B frame: a 16-byte header of four little-endian 32-bit words
// followed by 10000 bytes of bit-stream data. Word 0 is the sync pattern,
// word 1 the frame number within the second, word 2 the BCD truncated-MJD
// day and second of day, word 3 BCD fractional seconds plus a CRC-16 over
// the two time words. The data region is word-interleaved across the
// configured bit streams, so channel extraction reuses the track tables
// with the stream count as the word width.
const (
	mark5bSync       = 0xabaddeed
	mark5bHeaderLen  = 16
	mark5bDataBytes  = 10000
	mark5bFrameBytes = mark5bHeaderLen + mark5bDataBytes
)

type mark5b struct {
	cfg  Config
	src  *recording.Source
	br   *bufio.Reader
	warn Warn

	wordBytes int
	dataWords int

	frame    []byte
	time     vlbitime.Timestamp
	frameDur vlbitime.Duration
	fps      int64

	tables  []*channelTable
	extract []func([]byte, *bitWriter)

	stats       Stats
	tstats      *trackStats
	sinceCheck  int
	synced      bool
	firstOffset int64
}

func newMark5B(cfg Config, src *recording.Source, warn Warn) (*mark5b, error) {
	switch cfg.NTracks {
	case 8, 16, 32:
	default:
		return nil, fxerr.Configf("bit stream count %d not one of 8/16/32", cfg.NTracks)
	}
	if cfg.TrackBitRate <= 0 {
		return nil, fxerr.Configf("track bit rate %d", cfg.TrackBitRate)
	}
	bitsPerFrame := int64(mark5bDataBytes * 8 / cfg.NTracks) // per stream
	m := &mark5b{
		cfg:       cfg,
		src:       src,
		warn:      warn,
		wordBytes: cfg.NTracks / 8,
		dataWords: mark5bDataBytes * 8 / cfg.NTracks,
		frame:     make([]byte, mark5bFrameBytes),
		frameDur:  vlbitime.FromSampleCount(bitsPerFrame, cfg.TrackBitRate),
		fps:       cfg.TrackBitRate / bitsPerFrame,
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
		m.tables = append(m.tables, tab)
		m.extract = append(m.extract, fn)
	}
	if len(m.tables) == 0 {
		return nil, fxerr.Configf("no channels configured")
	}
	m.br = bufio.NewReaderSize(src, 4*mark5bFrameBytes)
	m.firstOffset = src.Offset()
	return m, nil
}

func (m *mark5b) Stats() Stats                    { return m.stats }
func (m *mark5b) CurrentTime() vlbitime.Timestamp { return m.time }
func (m *mark5b) SamplesPerFrame() int            { return m.dataWords * m.tables[0].fanout }

func (m *mark5b) FindHeader() error {
	scanned := 0
	for scanned < MaxHeaderScanBytes {
		buf, err := m.br.Peek(2 * mark5bFrameBytes)
		if len(buf) < mark5bHeaderLen {
			if err == io.EOF {
				return io.EOF
			}
			return fxerr.Formatf("header scan: %v", err)
		}
		for i := 0; i+mark5bHeaderLen <= len(buf); i++ {
			if binary.LittleEndian.Uint32(buf[i:]) != mark5bSync {
				continue
			}
			t, err := m.decodeHeader(buf[i : i+mark5bHeaderLen])
			if err != nil {
				m.stats.FramesRejected++
				continue
			}
			m.br.Discard(i)
			m.stats.BytesRead += int64(i)
			m.time = t
			m.synced = true
			return nil
		}
		skip := len(buf) - mark5bHeaderLen
		m.br.Discard(skip)
		m.stats.BytesRead += int64(skip)
		scanned += skip
	}
	return fxerr.Formatf("no valid Mark5B header within %d bytes", MaxHeaderScanBytes)
}

// decodeHeader validates the CRC and returns the frame timecode. The
// sub-second part comes from the frame number, which is exact, rather than
// the four fractional BCD digits.
func (m *mark5b) decodeHeader(h []byte) (vlbitime.Timestamp, error) {
	frameNr := int64(binary.LittleEndian.Uint32(h[4:]) & 0x7fff)
	if frameNr >= m.fps {
		return 0, fxerr.Formatf("frame number %d at %d frames/s", frameNr, m.fps)
	}
	timeBits := make([]byte, 6)
	copy(timeBits, h[8:12])
	copy(timeBits[4:], h[12:14])
	want := crc16(timeBits, 48)
	got := binary.LittleEndian.Uint16(h[14:])
	if got != want {
		return 0, fxerr.Formatf("header crc %04x, computed %04x", got, want)
	}

	w2 := binary.LittleEndian.Uint32(h[8:])
	dig := func(n uint) int { return int(w2 >> (4 * n) & 0xf) }
	for n := uint(0); n < 8; n++ {
		if dig(n) > 9 {
			return 0, fxerr.Formatf("bcd nibble %d is %#x", n, dig(n))
		}
	}
	mjd3 := dig(7)*100 + dig(6)*10 + dig(5)
	sec := dig(4)*10000 + dig(3)*1000 + dig(2)*100 + dig(1)*10 + dig(0)
	if sec >= 86400 {
		return 0, fxerr.Formatf("second of day %d out of range", sec)
	}

	refMJD := m.cfg.Reference.MJD()
	base := refMJD - refMJD%1000 + mjd3
	best := vlbitime.FromMJD(base, float64(sec))
	for _, mj := range []int{base - 1000, base + 1000} {
		c := vlbitime.FromMJD(mj, float64(sec))
		if absDur(c.Sub(m.cfg.Reference)) < absDur(best.Sub(m.cfg.Reference)) {
			best = c
		}
	}
	return best.Add(vlbitime.Duration(frameNr * int64(m.frameDur))), nil
}

func (m *mark5b) ReadFrame() error {
	if !m.synced {
		if err := m.FindHeader(); err != nil {
			return err
		}
	}
	if _, err := io.ReadFull(m.br, m.frame); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if serr := m.strictRate(); serr != nil {
				return serr
			}
			return io.EOF
		}
		return fmt.Errorf("read frame: %w", err)
	}
	m.stats.BytesRead += int64(mark5bFrameBytes)

	if binary.LittleEndian.Uint32(m.frame) != mark5bSync {
		m.stats.FramesRejected++
		m.stats.Resyncs++
		m.synced = false
		m.warn("Mark5B sync lost at byte %d, realigning", m.src.Offset())
		return m.ReadFrame()
	}

	m.sinceCheck++
	if m.sinceCheck >= m.cfg.ValidateEvery {
		m.sinceCheck = 0
		t, err := m.decodeHeader(m.frame[:mark5bHeaderLen])
		if err == nil && t != m.time {
			err = fxerr.Formatf("timecode %v does not continue from %v", t, m.time)
		}
		if err != nil {
			m.stats.FramesRejected++
			m.stats.Resyncs++
			m.synced = false
			m.warn("Mark5B frame validation failed: %v, realigning", err)
			return m.ReadFrame()
		}
		for off := mark5bHeaderLen; off+m.wordBytes <= mark5bFrameBytes; off += m.wordBytes {
			m.tstats.addWord(wordAt(m.frame, off, m.wordBytes))
		}
		if bad := m.tstats.check(); len(bad) > 0 {
			m.stats.BitStatWarnings += int64(len(bad))
			m.warn("Mark5B bit streams %v outside bit frequency bounds near %v", bad, m.time)
		}
	}

	m.stats.FramesAccepted++
	m.time = m.time.Add(m.frameDur)
	return nil
}

func (m *mark5b) strictRate() error {
	if !m.cfg.StrictRateCheck {
		return nil
	}
	consumed := m.src.Offset() - m.firstOffset
	expected := m.stats.FramesAccepted * int64(mark5bFrameBytes)
	slack := int64(mark5bFrameBytes)
	if diff := consumed - expected; diff < -slack || diff > 2*slack {
		return fxerr.Formatf("data rate mismatch: %d bytes consumed for %d accepted frames",
			consumed, m.stats.FramesAccepted)
	}
	return nil
}

func (m *mark5b) Extract(ch int, dst []byte) []byte {
	w := &bitWriter{out: dst}
	m.extract[ch](m.frame[mark5bHeaderLen:], w)
	return w.flush()
}

func (m *mark5b) GotoTime(t vlbitime.Timestamp) error {
	if !m.synced {
		if err := m.FindHeader(); err != nil {
			return err
		}
	}
	if !t.After(m.time) {
		return nil
	}
	n := int64(t.Sub(m.time)) / int64(m.frameDur)
	if n == 0 {
		return nil
	}
	if b := int64(m.br.Buffered()); n*mark5bFrameBytes <= b {
		m.br.Discard(int(n * mark5bFrameBytes))
	} else {
		m.br.Discard(int(b))
		if err := m.src.Skip(n*mark5bFrameBytes - b); err != nil {
			return err
		}
		m.br.Reset(m.src)
	}
	m.time = m.time.Add(vlbitime.Duration(n * int64(m.frameDur)))
	m.synced = false
	if err := m.FindHeader(); err != nil {
		return err
	}
	if !m.time.Add(m.frameDur).After(t) {
		return fxerr.Formatf("repositioned to %v, wanted %v", m.time, t)
	}
	return nil
}
