/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tape

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/friendsincode/fxcorr/internal/recording"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// refExtract is the straightforward bit-picking implementation the table
// extractors are checked against.
func refExtract(words []uint64, cm ChannelMap) []byte {
	w := &bitWriter{}
	bits := cm.BitsPerSample()
	for _, word := range words {
		var out uint64
		for s, tr := range cm.SignTracks {
			out |= (word >> uint(tr) & 1) << uint(s*bits)
		}
		for s, tr := range cm.MagTracks {
			out |= (word >> uint(tr) & 1) << uint(s*bits+1)
		}
		w.push(out, uint(len(cm.SignTracks)*bits))
	}
	return w.flush()
}

func randWords(r *rand.Rand, n, nTracks int) []uint64 {
	words := make([]uint64, n)
	mask := uint64(1)<<uint(nTracks) - 1
	if nTracks == 64 {
		mask = ^uint64(0)
	}
	for i := range words {
		words[i] = r.Uint64() & mask
	}
	return words
}

func sourceFromBytes(t *testing.T, data []byte) *recording.Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := recording.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

func TestChannelTableMatchesReference(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, nTracks := range []int{8, 16, 32, 64} {
		cm := ChannelMap{SignTracks: []int{0, nTracks / 2}, MagTracks: []int{1, nTracks/2 + 1}}
		tab, err := buildChannelTable(cm, nTracks)
		if err != nil {
			t.Fatal(err)
		}
		fn, err := tab.extractFn(nTracks)
		if err != nil {
			t.Fatal(err)
		}
		words := randWords(r, 400, nTracks)
		frame := make([]byte, len(words)*nTracks/8)
		packWords(frame, words, nTracks/8)

		w := &bitWriter{}
		fn(frame, w)
		got := w.flush()
		want := refExtract(words, cm)
		if !bytes.Equal(got, want) {
			t.Errorf("nTracks=%d: table extraction differs from reference", nTracks)
		}
	}
}

func mark4Config(nTracks int, ref vlbitime.Timestamp) Config {
	return Config{
		Format:       FormatMark4,
		NTracks:      nTracks,
		TrackBitRate: 2_000_000, // 10 ms frames
		Channels: []ChannelMap{
			{SignTracks: []int{0, 2}, MagTracks: []int{1, 3}},
			{SignTracks: []int{4, 6}, MagTracks: []int{5, 7}},
		},
		Reference:     ref,
		ValidateEvery: 1,
	}
}

func TestMark4RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	start := vlbitime.FromDate(2007, 123, 16200)
	frameDur := vlbitime.FromSampleCount(mark4FrameWords, 2_000_000)

	nFrames := 3
	var stream []byte
	stream = append(stream, bytes.Repeat([]byte{0x55}, 3000)...) // garbage prefix
	allWords := make([][]uint64, nFrames)
	for i := 0; i < nFrames; i++ {
		words := randWords(r, mark4FrameWords, 16)
		ft := start.Add(vlbitime.Duration(int64(i) * int64(frameDur)))
		frame := SynthMark4Frame(16, ft, words)
		// the header overwrote the first 160 words; reread them for the reference
		for w := 0; w < mark4FrameWords; w++ {
			words[w] = wordAt(frame, w*2, 2)
		}
		allWords[i] = words
		stream = append(stream, frame...)
	}

	cfg := mark4Config(16, start)
	ex, err := New(cfg, sourceFromBytes(t, stream), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.FindHeader(); err != nil {
		t.Fatalf("FindHeader: %v", err)
	}
	if got := ex.CurrentTime(); got != start {
		t.Fatalf("CurrentTime = %v, want %v", got, start)
	}

	for i := 0; i < nFrames; i++ {
		if err := ex.ReadFrame(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		for ch := range cfg.Channels {
			got := ex.Extract(ch, nil)
			want := refExtract(allWords[i], cfg.Channels[ch])
			if !bytes.Equal(got, want) {
				t.Errorf("frame %d channel %d mismatch", i, ch)
			}
		}
	}
	want := start.Add(vlbitime.Duration(int64(nFrames) * int64(frameDur)))
	if got := ex.CurrentTime(); got != want {
		t.Errorf("after %d frames CurrentTime = %v, want %v", nFrames, got, want)
	}
	if err := ex.ReadFrame(); err != io.EOF {
		t.Fatalf("past end err = %v, want io.EOF", err)
	}
	if st := ex.Stats(); st.FramesAccepted != int64(nFrames) {
		t.Errorf("FramesAccepted = %d", st.FramesAccepted)
	}
}

func TestMark4HeaderReplacement(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	start := vlbitime.FromDate(2007, 123, 0)
	words := randWords(r, mark4FrameWords, 16)
	frame := SynthMark4Frame(16, start, words)
	for w := 0; w < mark4FrameWords; w++ {
		words[w] = wordAt(frame, w*2, 2)
	}

	run := func(replace bool, seed int64) []byte {
		cfg := mark4Config(16, start)
		cfg.InsertRandomHeaders = replace
		cfg.Rand = rand.New(rand.NewSource(seed))
		ex, err := New(cfg, sourceFromBytes(t, frame), nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := ex.FindHeader(); err != nil {
			t.Fatal(err)
		}
		if err := ex.ReadFrame(); err != nil {
			t.Fatal(err)
		}
		return ex.Extract(0, nil)
	}

	raw := run(false, 0)
	repA := run(true, 99)
	repB := run(true, 99)

	want := refExtract(words, mark4Config(16, start).Channels[0])
	if !bytes.Equal(raw, want) {
		t.Fatal("raw extraction differs from reference")
	}
	if !bytes.Equal(repA, repB) {
		t.Fatal("header replacement not deterministic for equal seeds")
	}
	// 160 words * fanout 2 * 2 bits = 640 bits = 80 bytes of header samples
	if bytes.Equal(raw[:80], repA[:80]) {
		t.Error("header region not replaced")
	}
	if !bytes.Equal(raw[80:], repA[80:]) {
		t.Error("data region changed by header replacement")
	}
}

func TestVLBARoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	start := vlbitime.FromMJD(54223, 16200)
	frameDur := vlbitime.FromSampleCount(vlbaDataWords, 2_000_000)

	var stream []byte
	words := make([][]uint64, 2)
	for i := range words {
		words[i] = randWords(r, vlbaDataWords, 8)
		ft := start.Add(vlbitime.Duration(int64(i) * int64(frameDur)))
		stream = append(stream, SynthVLBAFrame(8, ft, words[i])...)
	}

	cfg := Config{
		Format:       FormatVLBA,
		NTracks:      8,
		TrackBitRate: 2_000_000,
		Channels:     []ChannelMap{{SignTracks: []int{0, 2}, MagTracks: []int{1, 3}}},
		Reference:    start,
		ValidateEvery: 1,
	}
	ex, err := New(cfg, sourceFromBytes(t, stream), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.FindHeader(); err != nil {
		t.Fatal(err)
	}
	if got := ex.CurrentTime(); got != start {
		t.Fatalf("CurrentTime = %v, want %v", got, start)
	}
	for i := range words {
		if err := ex.ReadFrame(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		got := ex.Extract(0, nil)
		want := refExtract(words[i], cfg.Channels[0])
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d data mismatch", i)
		}
	}
}

func TestMark5BRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	start := vlbitime.FromMJD(54223, 16200)
	// 16 streams at 2 Mb/s: 5000 bits/stream/frame, 400 frames/s
	frameDur := vlbitime.FromSampleCount(5000, 2_000_000)

	var stream []byte
	nWords := mark5bDataBytes * 8 / 16
	words := make([][]uint64, 3)
	for i := range words {
		words[i] = randWords(r, nWords, 16)
		stream = append(stream, SynthMark5BFrame(16, start, i, words[i])...)
	}

	cfg := Config{
		Format:       FormatMark5B,
		NTracks:      16,
		TrackBitRate: 2_000_000,
		Channels:     []ChannelMap{{SignTracks: []int{8, 10}, MagTracks: []int{9, 11}}},
		Reference:    start,
		ValidateEvery: 1,
	}
	ex, err := New(cfg, sourceFromBytes(t, stream), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.FindHeader(); err != nil {
		t.Fatal(err)
	}
	if got := ex.CurrentTime(); got != start {
		t.Fatalf("CurrentTime = %v, want %v", got, start)
	}
	for i := range words {
		if err := ex.ReadFrame(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		got := ex.Extract(0, nil)
		want := refExtract(words[i], cfg.Channels[0])
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d data mismatch", i)
		}
	}
	want := start.Add(vlbitime.Duration(3 * int64(frameDur)))
	if got := ex.CurrentTime(); got != want {
		t.Errorf("CurrentTime = %v, want %v", got, want)
	}
}

func TestVDIFRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	maps, word, err := VDIFChannelMaps(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if word != 8 {
		t.Fatalf("word width = %d, want 8", word)
	}

	epoch := 14 // 2007-01-01
	epochStart := vdifEpochStart(epoch)
	seconds := int64(3600)
	start := epochStart.Add(vlbitime.Duration(seconds * int64(vlbitime.Second)))

	dataBytes := 8000
	payloads := make([][]byte, 3)
	var stream []byte
	for i := range payloads {
		p := make([]byte, dataBytes)
		r.Read(p)
		payloads[i] = p
		stream = append(stream, SynthVDIFFrame(epoch, seconds, int64(i), 2, 2, 0, false, p)...)
	}

	cfg := Config{
		Format:       FormatVDIF,
		NTracks:      word,
		TrackBitRate: 32_000_000, // 16 Ms/s at 2 bits
		Channels:     maps,
		Reference:    start,
	}
	ex, err := New(cfg, sourceFromBytes(t, stream), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.FindHeader(); err != nil {
		t.Fatal(err)
	}
	if got := ex.CurrentTime(); got != start {
		t.Fatalf("CurrentTime = %v, want %v", got, start)
	}
	for i := range payloads {
		if err := ex.ReadFrame(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		words := make([]uint64, dataBytes)
		for k, b := range payloads[i] {
			words[k] = uint64(b)
		}
		for ch := range maps {
			got := ex.Extract(ch, nil)
			want := refExtract(words, maps[ch])
			if !bytes.Equal(got, want) {
				t.Errorf("frame %d channel %d mismatch", i, ch)
			}
		}
	}
}

func TestMark4GotoTime(t *testing.T) {
	r := rand.New(rand.NewSource(13))
	start := vlbitime.FromDate(2007, 123, 0)
	frameDur := vlbitime.FromSampleCount(mark4FrameWords, 2_000_000)

	var stream []byte
	nFrames := 20
	for i := 0; i < nFrames; i++ {
		ft := start.Add(vlbitime.Duration(int64(i) * int64(frameDur)))
		stream = append(stream, SynthMark4Frame(16, ft, randWords(r, mark4FrameWords, 16))...)
	}

	ex, err := New(mark4Config(16, start), sourceFromBytes(t, stream), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.FindHeader(); err != nil {
		t.Fatal(err)
	}
	target := start.Add(vlbitime.Duration(10 * int64(frameDur)))
	if err := ex.GotoTime(target); err != nil {
		t.Fatal(err)
	}
	if got := ex.CurrentTime(); got != target {
		t.Fatalf("after GotoTime CurrentTime = %v, want %v", got, target)
	}
}

func TestCRCSelfConsistency(t *testing.T) {
	tb := mark4TrackHeader(vlbitime.FromDate(2007, 200, 43210.25))
	if err := checkTrackCRC(tb); err != nil {
		t.Fatalf("synthesised header fails its own CRC: %v", err)
	}
	// flip a timecode bit
	tb[2] ^= 0x10
	if err := checkTrackCRC(tb); err == nil {
		t.Fatal("corrupted header passes CRC")
	}
}
