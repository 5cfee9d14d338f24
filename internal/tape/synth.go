/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tape

import (
	"encoding/binary"

	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// Synthetic frame builders. They produce byte-exact frames for the
// decoders in this package and are used by tests and by the loopback demo
// data generator.

func setBit(b []byte, bit int, v int) {
	if v != 0 {
		b[bit/8] |= 1 << uint(bit%8)
	}
}

func setBCD(b []byte, digit, v int) {
	for k := 0; k < 4; k++ {
		setBit(b, 4*digit+k, (v>>uint(k))&1)
	}
}

// mark4TrackHeader renders the 160 header bits of one track.
func mark4TrackHeader(t vlbitime.Timestamp) []byte {
	tb := make([]byte, mark4HeaderWords/8)
	year, doy := t.Date()
	sod := t.SecondsOfDay()
	sec := int(sod)
	msec := int((sod-float64(sec))*1000 + 0.5)
	digits := []int{
		year % 10,
		doy / 100, doy / 10 % 10, doy % 10,
		sec / 3600 / 10, sec / 3600 % 10,
		sec / 60 % 60 / 10, sec / 60 % 60 % 10,
		sec % 60 / 10, sec % 60 % 10,
		msec / 100, msec / 10 % 10, msec % 10,
	}
	for i, d := range digits {
		setBCD(tb, i, d)
	}
	for w := mark4SyncWord; w < mark4SyncWord+mark4SyncLen; w++ {
		setBit(tb, w, 1)
	}
	crc := crc12(tb, mark4CRCBit)
	for k := 0; k < 12; k++ {
		setBit(tb, mark4CRCBit+k, int(crc>>uint(k))&1)
	}
	return tb
}

// vlbaTrackHeader renders the 160 header bits of one track with the
// MJD-based timecode.
func vlbaTrackHeader(t vlbitime.Timestamp) []byte {
	tb := make([]byte, mark4HeaderWords/8)
	mjd := t.MJD() % 1000
	sod := t.SecondsOfDay()
	sec := int(sod)
	frac := int((sod-float64(sec))*10000 + 0.5)
	digits := []int{
		mjd / 100, mjd / 10 % 10, mjd % 10,
		sec / 10000, sec / 1000 % 10, sec / 100 % 10, sec / 10 % 10, sec % 10,
		frac / 1000, frac / 100 % 10, frac / 10 % 10, frac % 10,
	}
	for i, d := range digits {
		setBCD(tb, i, d)
	}
	for w := mark4SyncWord; w < mark4SyncWord+mark4SyncLen; w++ {
		setBit(tb, w, 1)
	}
	crc := crc12(tb, mark4CRCBit)
	for k := 0; k < 12; k++ {
		setBit(tb, mark4CRCBit+k, int(crc>>uint(k))&1)
	}
	return tb
}

func interleaveHeader(frame []byte, tb []byte, nTracks int) {
	wordBytes := nTracks / 8
	for w := 0; w < mark4HeaderWords; w++ {
		bit := (tb[w/8] >> uint(w%8)) & 1
		for k := 0; k < wordBytes; k++ {
			if bit == 1 {
				frame[w*wordBytes+k] = 0xff
			} else {
				frame[w*wordBytes+k] = 0
			}
		}
	}
}

func packWords(dst []byte, words []uint64, wordBytes int) {
	for i, w := range words {
		for k := 0; k < wordBytes; k++ {
			dst[i*wordBytes+k] = byte(w >> uint(8*k))
		}
	}
}

// SynthMark4Frame builds one Mark4 frame for time t from 20000 frame
// words (bit k of a word is track k). The first 160 words are overwritten
// with the header, every track carrying the same header bits.
func SynthMark4Frame(nTracks int, t vlbitime.Timestamp, words []uint64) []byte {
	wordBytes := nTracks / 8
	frame := make([]byte, mark4FrameWords*wordBytes)
	packWords(frame, words, wordBytes)
	interleaveHeader(frame, mark4TrackHeader(t), nTracks)
	return frame
}

// SynthVLBAFrame builds one VLBA frame for time t from 20000 data words.
// The header occupies its own 160 leading words.
func SynthVLBAFrame(nTracks int, t vlbitime.Timestamp, words []uint64) []byte {
	wordBytes := nTracks / 8
	frame := make([]byte, vlbaFrameWords*wordBytes)
	interleaveHeader(frame, vlbaTrackHeader(t), nTracks)
	packWords(frame[mark4HeaderWords*wordBytes:], words, wordBytes)
	return frame
}

// SynthMark5BFrame builds one Mark5B frame from data words of nStreams
// bits each. The timecode is split into second of day and the frame
// number within that second.
func SynthMark5BFrame(nStreams int, t vlbitime.Timestamp, frameNr int, words []uint64) []byte {
	frame := make([]byte, mark5bFrameBytes)
	binary.LittleEndian.PutUint32(frame, mark5bSync)
	binary.LittleEndian.PutUint32(frame[4:], uint32(frameNr)&0x7fff)

	mjd := t.MJD() % 1000
	sec := int(t.SecondsOfDay())
	var w2 uint32
	digs := []int{sec % 10, sec / 10 % 10, sec / 100 % 10, sec / 1000 % 10, sec / 10000,
		mjd % 10, mjd / 10 % 10, mjd / 100}
	for n, d := range digs {
		w2 |= uint32(d) << uint(4*n)
	}
	binary.LittleEndian.PutUint32(frame[8:], w2)
	// fractional BCD digits are zero; sub-second time lives in the frame number
	timeBits := make([]byte, 6)
	copy(timeBits, frame[8:12])
	copy(timeBits[4:], frame[12:14])
	crc := crc16(timeBits, 48)
	binary.LittleEndian.PutUint16(frame[14:], crc)

	packWords(frame[mark5bHeaderLen:], words, nStreams/8)
	return frame
}

// SynthVDIFFrame builds one VDIF frame. frameLen is the full frame size in
// bytes including the 32-byte header; payload must fill it exactly.
func SynthVDIFFrame(epoch int, seconds int64, frameNr int64, nchan, bits, thread int, invalid bool, payload []byte) []byte {
	frameLen := vdifHeaderLen + len(payload)
	frame := make([]byte, frameLen)
	var w0 uint32 = uint32(seconds) & 0x3fffffff
	if invalid {
		w0 |= 1 << 31
	}
	binary.LittleEndian.PutUint32(frame, w0)
	binary.LittleEndian.PutUint32(frame[4:], uint32(epoch&0x3f)<<24|uint32(frameNr)&0xffffff)
	log2chan := 0
	for 1<<uint(log2chan) < nchan {
		log2chan++
	}
	binary.LittleEndian.PutUint32(frame[8:], uint32(log2chan&0x1f)<<24|uint32(frameLen/8)&0xffffff)
	binary.LittleEndian.PutUint32(frame[12:], uint32((bits-1)&0x1f)<<26|uint32(thread&0x3ff)<<16)
	copy(frame[vdifHeaderLen:], payload)
	return frame
}
