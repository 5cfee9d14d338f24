/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tape

import (
	"bufio"
	"fmt"
	"io"

	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/recording"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// Mark4 frame geometry, in track-bits (frame words). One frame word carries
// one bit per track. The header occupies the first 160 words of the frame
// and contains real sample positions, which is why header replacement
// exists. The sync word is 32 all-ones words starting at word 96, so a
// sync run found at byte b puts the frame start at b minus three times the
// run length.
const (
	mark4FrameWords  = 20000
	mark4HeaderWords = 160
	mark4SyncWord    = 96
	mark4SyncLen     = 32
	mark4CRCBit      = 148 // CRC-12 over bits [0,148), stored at [148,160)

	// edge guard when scanning a window for the sync run
	syncScanGuard = 64
)

type mark4 struct {
	cfg  Config
	src  *recording.Source
	br   *bufio.Reader
	warn Warn

	wordBytes   int
	frameBytes  int
	headerBytes int
	syncOffset  int // byte offset of the sync run inside a frame
	syncBytes   int

	frame    []byte
	loaded   bool
	synced   bool
	time     vlbitime.Timestamp
	frameDur vlbitime.Duration

	tables  []*channelTable
	extract []func([]byte, *bitWriter)

	stats       Stats
	tstats      *trackStats
	sinceCheck  int
	firstOffset int64

	// header geometry knobs that differ between Mark4 and VLBA; VLBA
	// reuses this struct with its own values.
	headerInData bool // header words are sample positions (Mark4)
	dataOffset   int  // byte offset of the data region within the frame
	dataWords    int
	decode       func(track []byte) (vlbitime.Timestamp, error)
}

func newMark4(cfg Config, src *recording.Source, warn Warn) (*mark4, error) {
	m, err := newTrackFrame(cfg, src, warn, mark4FrameWords)
	if err != nil {
		return nil, err
	}
	m.headerInData = true
	m.dataOffset = 0
	m.dataWords = mark4FrameWords
	m.decode = m.decodeMark4Time
	return m, nil
}

// newTrackFrame builds the shared Mark4/VLBA track-interleaved extractor
// state for a frame of the given word count.
func newTrackFrame(cfg Config, src *recording.Source, warn Warn, frameWords int) (*mark4, error) {
	switch cfg.NTracks {
	case 8, 16, 32, 64:
	default:
		return nil, fxerr.Configf("track count %d not one of 8/16/32/64", cfg.NTracks)
	}
	if cfg.TrackBitRate <= 0 {
		return nil, fxerr.Configf("track bit rate %d", cfg.TrackBitRate)
	}
	m := &mark4{
		cfg:         cfg,
		src:         src,
		warn:        warn,
		wordBytes:   cfg.NTracks / 8,
		frameBytes:  frameWords * cfg.NTracks / 8,
		headerBytes: mark4HeaderWords * cfg.NTracks / 8,
		syncOffset:  mark4SyncWord * cfg.NTracks / 8,
		syncBytes:   mark4SyncLen * cfg.NTracks / 8,
		frameDur:    vlbitime.FromSampleCount(int64(frameWords), cfg.TrackBitRate),
		tstats:      newTrackStats(cfg.NTracks),
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
	m.frame = make([]byte, m.frameBytes)
	m.br = bufio.NewReaderSize(src, 2*m.frameBytes+4096)
	m.firstOffset = src.Offset()
	return m, nil
}

func (m *mark4) Stats() Stats { return m.stats }

func (m *mark4) CurrentTime() vlbitime.Timestamp { return m.time }

func (m *mark4) SamplesPerFrame() int {
	return m.dataWords * m.tables[0].fanout
}

// FindHeader scans forward for a sync run. Windows of half a frame are
// searched with a 64-byte guard at both edges, up to sixteen windows.
func (m *mark4) FindHeader() error {
	window := m.frameBytes / 2
	need := window + m.headerBytes
	for attempt := 0; attempt < 16; attempt++ {
		buf, err := m.br.Peek(need)
		if len(buf) < m.headerBytes {
			if err == io.EOF {
				return io.EOF
			}
			return fxerr.Formatf("header scan: %v", err)
		}
		limit := len(buf)
		if limit > window {
			limit = window
		}
		if start, ok := m.scanWindow(buf, limit); ok {
			m.br.Discard(start)
			m.synced = true
			m.loaded = false
			return nil
		}
		skip := limit - syncScanGuard
		if skip <= 0 {
			skip = limit
		}
		m.br.Discard(skip)
		m.stats.BytesRead += int64(skip)
	}
	return fxerr.Formatf("no valid %s header within %d bytes",
		m.cfg.Format, 16*window)
}

// scanWindow looks for an all-ones run of exactly the sync length inside
// buf[guard:limit-guard] and validates the candidate header. Returns the
// frame start offset on success.
func (m *mark4) scanWindow(buf []byte, limit int) (int, bool) {
	runStart := -1
	lo, hi := syncScanGuard, limit-syncScanGuard
	if hi > len(buf) {
		hi = len(buf)
	}
	for i := lo; i < hi; i++ {
		if buf[i] == 0xff {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			if n := i - runStart; n == m.syncBytes {
				hs := runStart - 3*n
				if hs >= 0 && hs+m.headerBytes <= len(buf) {
					if t, err := m.validateHeader(buf[hs : hs+m.headerBytes]); err == nil {
						m.time = t
						return hs, true
					}
					m.stats.FramesRejected++
				}
			}
			runStart = -1
		}
	}
	return 0, false
}

// trackBits de-interleaves the 160 header bits of one track.
func (m *mark4) trackBits(header []byte, track int) []byte {
	out := make([]byte, mark4HeaderWords/8)
	byteIdx, bitIdx := track/8, uint(track%8)
	for w := 0; w < mark4HeaderWords; w++ {
		bit := (header[w*m.wordBytes+byteIdx] >> bitIdx) & 1
		out[w/8] |= bit << uint(w%8)
	}
	return out
}

// validateHeader CRC-checks every track of the candidate header and
// decodes the timecode from track 0.
func (m *mark4) validateHeader(header []byte) (vlbitime.Timestamp, error) {
	for t := 0; t < m.cfg.NTracks; t++ {
		tb := m.trackBits(header, t)
		if err := checkTrackCRC(tb); err != nil {
			return 0, fmt.Errorf("track %d: %w", t, err)
		}
	}
	return m.decode(m.trackBits(header, 0))
}

func checkTrackCRC(tb []byte) error {
	want := crc12(tb, mark4CRCBit)
	var got uint16
	for i := 0; i < 12; i++ {
		got |= uint16((tb[(mark4CRCBit+i)/8]>>uint((mark4CRCBit+i)%8))&1) << uint(i)
	}
	if got != want {
		return fxerr.Formatf("header crc %03x, computed %03x", got, want)
	}
	return nil
}

func bcdDigit(tb []byte, digit int) int {
	var v int
	for b := 0; b < 4; b++ {
		bit := 4*digit + b
		v |= int((tb[bit/8]>>uint(bit%8))&1) << uint(b)
	}
	return v
}

// decodeMark4Time reads the 13-digit BCD timecode of one track:
// Y DDD HH MM SS mmm. The single year digit is resolved against the
// reference time.
func (m *mark4) decodeMark4Time(tb []byte) (vlbitime.Timestamp, error) {
	d := make([]int, 13)
	for i := range d {
		d[i] = bcdDigit(tb, i)
		if d[i] > 9 {
			return 0, fxerr.Formatf("bcd digit %d is %#x", i, d[i])
		}
	}
	doy := d[1]*100 + d[2]*10 + d[3]
	hour := d[4]*10 + d[5]
	min := d[6]*10 + d[7]
	sec := d[8]*10 + d[9]
	msec := d[10]*100 + d[11]*10 + d[12]
	if doy < 1 || doy > 366 || hour > 23 || min > 59 || sec > 60 {
		return 0, fxerr.Formatf("timecode out of range: %03dd%02dh%02dm%02ds", doy, hour, min, sec)
	}
	refYear, _ := m.cfg.Reference.Date()
	year := refYear - refYear%10 + d[0]
	best := vlbitime.FromDate(year, doy, float64(hour*3600+min*60+sec)+float64(msec)/1000)
	for _, y := range []int{year - 10, year + 10} {
		c := vlbitime.FromDate(y, doy, float64(hour*3600+min*60+sec)+float64(msec)/1000)
		if absDur(c.Sub(m.cfg.Reference)) < absDur(best.Sub(m.cfg.Reference)) {
			best = c
		}
	}
	return best, nil
}

func absDur(d vlbitime.Duration) vlbitime.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ReadFrame loads the frame under the cursor. The sync bytes are checked
// on every frame; the full per-track CRC, the timecode advance and the
// track bit statistics are re-checked every ValidateEvery frames.
func (m *mark4) ReadFrame() error {
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
	m.stats.BytesRead += int64(m.frameBytes)

	if !allOnes(m.frame[m.syncOffset : m.syncOffset+m.syncBytes]) {
		m.stats.FramesRejected++
		m.stats.Resyncs++
		m.synced = false
		m.warn("%s sync lost at byte %d, realigning", m.cfg.Format, m.src.Offset())
		return m.ReadFrame()
	}

	m.sinceCheck++
	if m.sinceCheck >= m.cfg.ValidateEvery {
		m.sinceCheck = 0
		if err := m.fullValidate(); err != nil {
			m.stats.FramesRejected++
			m.stats.Resyncs++
			m.synced = false
			m.warn("%s frame validation failed: %v, realigning", m.cfg.Format, err)
			return m.ReadFrame()
		}
	}

	m.stats.FramesAccepted++
	m.loaded = true
	m.time = m.time.Add(m.frameDur)
	return nil
}

func (m *mark4) fullValidate() error {
	t, err := m.validateHeader(m.frame[:m.headerBytes])
	if err != nil {
		return err
	}
	if t != m.time {
		return fxerr.Formatf("timecode %v does not continue from %v", t, m.time)
	}
	for off := m.dataOffset; off+m.wordBytes <= m.dataOffset+m.dataWords*m.wordBytes; off += m.wordBytes {
		m.tstats.addWord(wordAt(m.frame, off, m.wordBytes))
	}
	if bad := m.tstats.check(); len(bad) > 0 {
		m.stats.BitStatWarnings += int64(len(bad))
		m.warn("%s tracks %v outside bit frequency bounds near %v", m.cfg.Format, bad, m.time)
	}
	return nil
}

func (m *mark4) strictRate() error {
	if !m.cfg.StrictRateCheck {
		return nil
	}
	consumed := m.src.Offset() - m.firstOffset
	expected := m.stats.FramesAccepted * int64(m.frameBytes)
	slack := int64(m.frameBytes)
	if diff := consumed - expected; diff < -slack || diff > 2*slack {
		return fxerr.Formatf("data rate mismatch: %d bytes consumed for %d accepted frames",
			consumed, m.stats.FramesAccepted)
	}
	return nil
}

// Extract demultiplexes channel ch of the loaded frame. For Mark4 the
// header words are sample positions: with header replacement enabled they
// are filled from the PRNG, otherwise the raw header bits pass through.
func (m *mark4) Extract(ch int, dst []byte) []byte {
	tab := m.tables[ch]
	w := &bitWriter{out: dst}
	data := m.frame[m.dataOffset : m.dataOffset+m.dataWords*m.wordBytes]
	if m.headerInData && m.cfg.InsertRandomHeaders {
		mask := uint64(1)<<tab.outBits - 1
		for i := 0; i < mark4HeaderWords; i++ {
			w.push(m.cfg.Rand.Uint64()&mask, tab.outBits)
		}
		m.extract[ch](data[m.headerBytes:], w)
	} else {
		m.extract[ch](data, w)
	}
	return w.flush()
}

// GotoTime skips whole frames so the cursor lands on the first frame at or
// after t, then re-finds the header.
func (m *mark4) GotoTime(t vlbitime.Timestamp) error {
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
	if err := m.skip(n * int64(m.frameBytes)); err != nil {
		return err
	}
	m.time = m.time.Add(vlbitime.Duration(n * int64(m.frameDur)))
	m.synced = false
	m.loaded = false
	if err := m.FindHeader(); err != nil {
		return err
	}
	if !m.time.Add(m.frameDur).After(t) {
		return fxerr.Formatf("repositioned to %v, wanted %v", m.time, t)
	}
	return nil
}

func (m *mark4) skip(n int64) error {
	if b := int64(m.br.Buffered()); n <= b {
		_, err := m.br.Discard(int(n))
		return err
	} else {
		m.br.Discard(int(b))
		n -= b
	}
	if err := m.src.Skip(n); err != nil {
		return err
	}
	m.br.Reset(m.src)
	return nil
}

func allOnes(b []byte) bool {
	for _, v := range b {
		if v != 0xff {
			return false
		}
	}
	return true
}
