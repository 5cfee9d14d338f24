/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tape

import (
	"github.com/friendsincode/fxcorr/internal/fxerr"
)

// channelTable is the per-channel bit permutation, precomputed so the hot
// loop reads frame bytes straight into packed output bits. Entry
// byteTab[k][v] is the contribution of frame byte k of a word with value v
// to the word's output bits.
//
// Output bit layout per word: sample s takes bit 2s (sign) and bit 2s+1
// (magnitude) for 2-bit data, bit s for 1-bit data.
type channelTable struct {
	byteTab    [][256]uint64
	outBits    uint // bits produced per frame word
	fanout     int
	bitsPerSmp int
}

func buildChannelTable(cm ChannelMap, nTracks int) (*channelTable, error) {
	if len(cm.SignTracks) == 0 {
		return nil, fxerr.Configf("channel has no sign tracks")
	}
	if len(cm.MagTracks) > 0 && len(cm.MagTracks) != len(cm.SignTracks) {
		return nil, fxerr.Configf("channel has %d magnitude tracks for %d sign tracks",
			len(cm.MagTracks), len(cm.SignTracks))
	}
	bits := cm.BitsPerSample()
	t := &channelTable{
		byteTab:    make([][256]uint64, nTracks/8),
		outBits:    uint(len(cm.SignTracks) * bits),
		fanout:     len(cm.SignTracks),
		bitsPerSmp: bits,
	}
	add := func(track, outBit int) error {
		if track < 0 || track >= nTracks {
			return fxerr.Configf("track %d outside %d-track frame word", track, nTracks)
		}
		byteIdx, bitIdx := track/8, uint(track%8)
		for v := 0; v < 256; v++ {
			t.byteTab[byteIdx][v] |= uint64((v>>bitIdx)&1) << uint(outBit)
		}
		return nil
	}
	for s, track := range cm.SignTracks {
		if err := add(track, s*bits); err != nil {
			return nil, err
		}
	}
	for s, track := range cm.MagTracks {
		if err := add(track, s*bits+1); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// The four width-specialised inner loops. Each walks one frame's data
// region and pushes packed bits for a single channel. Keeping the byte
// count of the word a constant inside each loop lets the compiler unroll
// the table lookups.

func (t *channelTable) extract8(frame []byte, w *bitWriter) {
	tab := &t.byteTab[0]
	for _, b := range frame {
		w.push(tab[b], t.outBits)
	}
}

func (t *channelTable) extract16(frame []byte, w *bitWriter) {
	t0, t1 := &t.byteTab[0], &t.byteTab[1]
	for off := 0; off+2 <= len(frame); off += 2 {
		w.push(t0[frame[off]]|t1[frame[off+1]], t.outBits)
	}
}

func (t *channelTable) extract32(frame []byte, w *bitWriter) {
	t0, t1, t2, t3 := &t.byteTab[0], &t.byteTab[1], &t.byteTab[2], &t.byteTab[3]
	for off := 0; off+4 <= len(frame); off += 4 {
		w.push(t0[frame[off]]|t1[frame[off+1]]|t2[frame[off+2]]|t3[frame[off+3]], t.outBits)
	}
}

func (t *channelTable) extract64(frame []byte, w *bitWriter) {
	for off := 0; off+8 <= len(frame); off += 8 {
		var bits uint64
		for k := 0; k < 8; k++ {
			bits |= t.byteTab[k][frame[off+k]]
		}
		w.push(bits, t.outBits)
	}
}

// extractFn returns the loop for the given word width in bits.
func (t *channelTable) extractFn(nTracks int) (func([]byte, *bitWriter), error) {
	switch nTracks {
	case 8:
		return t.extract8, nil
	case 16:
		return t.extract16, nil
	case 32:
		return t.extract32, nil
	case 64:
		return t.extract64, nil
	}
	return nil, fxerr.Configf("unsupported track count %d", nTracks)
}

// wordAt assembles the full frame word at byte offset off, tracks packed
// low byte first. Used only on validation passes.
func wordAt(frame []byte, off, wordBytes int) uint64 {
	var w uint64
	for k := 0; k < wordBytes; k++ {
		w |= uint64(frame[off+k]) << uint(8*k)
	}
	return w
}
