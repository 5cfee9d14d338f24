/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tape

import (
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/recording"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// VLBA frames share the Mark4 track interleave and sync geometry but keep
// the header outside the data region: 160 header words followed by 20000
// data words, so no sample positions are lost to the header and no random
// replacement is needed. The timecode is MJD-based: 3 digits of truncated
// MJD, 5 digits second-of-day and 4 fractional digits.
const (
	vlbaFrameWords = mark4HeaderWords + vlbaDataWords
	vlbaDataWords  = 20000
)

func newVLBA(cfg Config, src *recording.Source, warn Warn) (*mark4, error) {
	m, err := newTrackFrame(cfg, src, warn, vlbaFrameWords)
	if err != nil {
		return nil, err
	}
	m.headerInData = false
	m.dataOffset = m.headerBytes
	m.dataWords = vlbaDataWords
	m.frameDur = vlbitime.FromSampleCount(vlbaDataWords, cfg.TrackBitRate)
	m.decode = m.decodeVLBATime
	return m, nil
}

// decodeVLBATime reads the 12-digit BCD timecode of one track:
// MMM SSSSS ffff (truncated MJD, second of day, fraction). The MJD
// thousands are resolved against the reference time.
func (m *mark4) decodeVLBATime(tb []byte) (vlbitime.Timestamp, error) {
	d := make([]int, 12)
	for i := range d {
		d[i] = bcdDigit(tb, i)
		if d[i] > 9 {
			return 0, fxerr.Formatf("bcd digit %d is %#x", i, d[i])
		}
	}
	mjd3 := d[0]*100 + d[1]*10 + d[2]
	sec := d[3]*10000 + d[4]*1000 + d[5]*100 + d[6]*10 + d[7]
	frac := float64(d[8]*1000+d[9]*100+d[10]*10+d[11]) / 10000
	if sec >= 86400 {
		return 0, fxerr.Formatf("second of day %d out of range", sec)
	}
	refMJD := m.cfg.Reference.MJD()
	base := refMJD - refMJD%1000 + mjd3
	best := vlbitime.FromMJD(base, float64(sec)+frac)
	for _, mj := range []int{base - 1000, base + 1000} {
		c := vlbitime.FromMJD(mj, float64(sec)+frac)
		if absDur(c.Sub(m.cfg.Reference)) < absDur(best.Sub(m.cfg.Reference)) {
			best = c
		}
	}
	return best, nil
}
