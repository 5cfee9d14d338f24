/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package outputnode assembles visibility records into canonical slice
// order and streams them to the output files. Records may arrive out of
// order from the correlator workers; a reorder buffer bounded by the
// worker count holds them until the expected slice number is complete.
package outputnode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/telemetry"
	"github.com/friendsincode/fxcorr/internal/transport"
)

type fileKey struct {
	source int32
	bin    int32
}

type countingFile struct {
	f   *os.File
	buf *bufio.Writer
	n   int64
}

func (c *countingFile) Write(p []byte) (int, error) {
	n, err := c.buf.Write(p)
	c.n += int64(n)
	telemetry.OutputBytes.Add(float64(n))
	return n, err
}

func (c *countingFile) close() error {
	if err := c.buf.Flush(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

// Writer owns the output files and the reorder buffer.
type Writer struct {
	files   map[fileKey]*countingFile
	perSlice int
	window  int

	next    int32
	pending map[int32][]*corrdata.VisibilityRecord
	flushed int32

	log zerolog.Logger
}

// filePath derives the per-file name. Single-file runs write to the
// configured path unchanged; pulsar bins and extra phase centres get an
// index suffix.
func filePath(base string, nsrc, bins int, key fileKey) string {
	p := base
	if nsrc > 1 {
		p = fmt.Sprintf("%s.src%d", p, key.source)
	}
	if bins > 1 {
		p = fmt.Sprintf("%s.bin%d", p, key.bin)
	}
	return p
}

// NewWriter opens every output file and writes the global header to
// each.
func NewWriter(setup ctrl.OutputSetup, log zerolog.Logger) (*Writer, error) {
	nsrc := len(setup.Sources)
	if nsrc == 0 {
		nsrc = 1
	}
	bins := setup.Bins
	if bins == 0 {
		bins = 1
	}
	window := setup.Workers
	if window < 1 {
		window = 1
	}
	w := &Writer{
		files:    make(map[fileKey]*countingFile),
		perSlice: nsrc * bins,
		window:   window,
		pending:  make(map[int32][]*corrdata.VisibilityRecord),
		log:      log,
	}
	for s := int32(0); s < int32(nsrc); s++ {
		for b := int32(0); b < int32(bins); b++ {
			key := fileKey{source: s, bin: b}
			path := filePath(setup.Path, nsrc, bins, key)
			f, err := os.Create(path)
			if err != nil {
				w.Close()
				return nil, fxerr.Resourcef("create output file %s: %v", path, err)
			}
			cf := &countingFile{f: f, buf: bufio.NewWriterSize(f, 1<<16)}
			if err := setup.Header.Encode(cf); err != nil {
				w.Close()
				return nil, fmt.Errorf("output file %s: %w", path, err)
			}
			w.files[key] = cf
		}
	}
	return w, nil
}

// Add buffers one record and flushes every complete slice at the head of
// the sequence.
func (w *Writer) Add(rec *corrdata.VisibilityRecord) error {
	if rec.SliceNr < w.next {
		return fxerr.Protocolf("record for already flushed slice %d", rec.SliceNr)
	}
	w.pending[rec.SliceNr] = append(w.pending[rec.SliceNr], rec)
	telemetry.ReorderDepth.Set(float64(len(w.pending)))
	if len(w.pending) > w.window {
		w.log.Warn().
			Int("pending", len(w.pending)).
			Int32("expecting", w.next).
			Msg("reorder buffer above worker count")
	}
	for {
		recs, ok := w.pending[w.next]
		if !ok || len(recs) < w.perSlice {
			return nil
		}
		for _, r := range recs {
			key := fileKey{source: r.SourceIdx, bin: r.PulsarBin}
			cf, ok := w.files[key]
			if !ok {
				return fxerr.Protocolf("record for unknown file source %d bin %d",
					r.SourceIdx, r.PulsarBin)
			}
			if err := r.Encode(cf); err != nil {
				return err
			}
		}
		delete(w.pending, w.next)
		w.next++
		w.flushed++
		telemetry.ReorderDepth.Set(float64(len(w.pending)))
	}
}

// Flushed returns the number of completely written slices.
func (w *Writer) Flushed() int32 { return w.flushed }

// Pending returns the number of slices held in the reorder buffer.
func (w *Writer) Pending() int { return len(w.pending) }

// Bytes returns the total written byte count across all files.
func (w *Writer) Bytes() int64 {
	var n int64
	for _, cf := range w.files {
		n += cf.n
	}
	return n
}

// Close flushes and closes every file.
func (w *Writer) Close() error {
	var first error
	for _, cf := range w.files {
		if err := cf.close(); err != nil && first == nil {
			first = err
		}
	}
	w.files = nil
	return first
}

// Run is the output node's event loop. It waits for its setup, ingests
// record streams from the correlator workers, reports completion to the
// manager and leaves on the terminate tag.
func Run(ctx context.Context, tn *transport.Node, log zerolog.Logger) error {
	var (
		writer *Writer
		total  int32 = -1
		done   bool
	)
	records := make(chan *corrdata.VisibilityRecord, 64)
	readErrs := make(chan error, 8)

	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	maybeFinish := func() error {
		if done || writer == nil || total < 0 || writer.Flushed() < total {
			return nil
		}
		done = true
		body, err := ctrl.Encode(ctrl.OutputDone{Bytes: writer.Bytes()})
		if err != nil {
			return err
		}
		return tn.Send(ctrl.RankManager, ctrl.TagOutputDone, body)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-tn.Streams():
			go func(s transport.Stream) {
				defer s.Close()
				for {
					rec, err := corrdata.DecodeRecord(s)
					if err == io.EOF {
						return
					}
					if err != nil {
						readErrs <- err
						return
					}
					records <- rec
				}
			}(s)
		case rec := <-records:
			if writer == nil {
				return fxerr.Protocolf("record before output setup")
			}
			if err := writer.Add(rec); err != nil {
				return err
			}
			if err := maybeFinish(); err != nil {
				return err
			}
		case err := <-readErrs:
			return fmt.Errorf("record stream: %w", err)
		case msg := <-tn.Inbox():
			switch msg.Tag {
			case ctrl.TagOutputSetup:
				var setup ctrl.OutputSetup
				if err := ctrl.Decode(msg.Data, &setup); err != nil {
					return err
				}
				var err error
				if writer, err = NewWriter(setup, log); err != nil {
					return err
				}
			case ctrl.TagSliceCount:
				var sc ctrl.SliceCount
				if err := ctrl.Decode(msg.Data, &sc); err != nil {
					return err
				}
				total = sc.Total
				if err := maybeFinish(); err != nil {
					return err
				}
			case ctrl.TagTerminate:
				if writer != nil {
					err := writer.Close()
					writer = nil
					return err
				}
				return nil
			default:
				return fxerr.Protocolf("output node got tag %d from rank %d",
					msg.Tag, msg.From)
			}
		}
	}
}
