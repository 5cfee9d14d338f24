/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package outputnode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/transport"
)

func testSetup(t *testing.T, workers, bins int, sources []string) ctrl.OutputSetup {
	t.Helper()
	return ctrl.OutputSetup{
		Path:    filepath.Join(t.TempDir(), "out.cor"),
		Bins:    bins,
		Sources: sources,
		Workers: workers,
		Header: corrdata.GlobalHeader{
			FormatVersion:  corrdata.OutputFormatVersion,
			NumberChannels: 16,
			Experiment:     "F07L1",
			Stations:       []string{"Ef", "Wb"},
			Sources:        sources,
		},
	}
}

func record(slice, bin int32) *corrdata.VisibilityRecord {
	return &corrdata.VisibilityRecord{
		SliceNr:   slice,
		PulsarBin: bin,
		Baselines: []corrdata.BaselineSpectrum{{
			StationA: 0, StationB: 1,
			PolA: corrdata.PolR, PolB: corrdata.PolR,
			Weight:   1,
			Spectrum: []complex64{1, 2, 3, 4},
		}},
	}
}

func TestWriterReorder(t *testing.T) {
	setup := testSetup(t, 2, 1, []string{"3C345"})
	w, err := NewWriter(setup, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	// slice 1 arrives first and must wait for slice 0
	if err := w.Add(record(1, 0)); err != nil {
		t.Fatalf("Add slice 1: %v", err)
	}
	if w.Flushed() != 0 || w.Pending() != 1 {
		t.Fatalf("flushed/pending = %d/%d after out-of-order record", w.Flushed(), w.Pending())
	}
	if err := w.Add(record(0, 0)); err != nil {
		t.Fatalf("Add slice 0: %v", err)
	}
	if w.Flushed() != 2 || w.Pending() != 0 {
		t.Fatalf("flushed/pending = %d/%d, want 2/0", w.Flushed(), w.Pending())
	}

	err = w.Add(record(0, 0))
	if err == nil || !errors.Is(err, fxerr.ErrProtocol) {
		t.Fatalf("record for flushed slice accepted: %v", err)
	}
}

func TestWriterSliceCompletion(t *testing.T) {
	// two bins per slice; the slice flushes only once both records are in
	setup := testSetup(t, 1, 2, []string{"3C345"})
	w, err := NewWriter(setup, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.Add(record(0, 0)); err != nil {
		t.Fatal(err)
	}
	if w.Flushed() != 0 {
		t.Fatalf("slice flushed with %d of 2 records", 1)
	}
	if err := w.Add(record(0, 1)); err != nil {
		t.Fatal(err)
	}
	if w.Flushed() != 1 {
		t.Fatalf("flushed = %d after the completing record", w.Flushed())
	}

	if _, err := os.Stat(setup.Path + ".bin0"); err != nil {
		t.Errorf("bin 0 file: %v", err)
	}
	if _, err := os.Stat(setup.Path + ".bin1"); err != nil {
		t.Errorf("bin 1 file: %v", err)
	}
}

func TestWriterOutputReadable(t *testing.T) {
	setup := testSetup(t, 1, 1, []string{"3C345"})
	w, err := NewWriter(setup, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := int32(0); i < 3; i++ {
		if err := w.Add(record(i, 0)); err != nil {
			t.Fatalf("Add slice %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(setup.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	h, index, err := corrdata.ReadIndex(f)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if h.Experiment != "F07L1" || len(h.Stations) != 2 {
		t.Errorf("header = %+v", h)
	}
	if len(index) != 3 {
		t.Fatalf("got %d records, want 3", len(index))
	}
	for i, e := range index {
		if e.SliceNr != int32(i) {
			t.Errorf("record %d carries slice %d", i, e.SliceNr)
		}
	}
}

func TestRunReportsCompletion(t *testing.T) {
	nop := zerolog.Nop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := transport.Listen(ctrl.RankOutput, "127.0.0.1:0", nop)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	go out.Serve(ctx)

	mgr, err := transport.Listen(ctrl.RankManager, "127.0.0.1:0", nop)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()
	go mgr.Serve(ctx)
	if err := mgr.Connect(ctx, ctrl.RankOutput, []string{out.Endpoint()}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, out, nop)
	}()

	setup := testSetup(t, 1, 1, []string{"3C345"})
	send := func(tag transport.Tag, v any) {
		t.Helper()
		body, err := ctrl.Encode(v)
		if err != nil {
			t.Fatal(err)
		}
		if err := mgr.Send(ctrl.RankOutput, tag, body); err != nil {
			t.Fatal(err)
		}
	}
	send(ctrl.TagOutputSetup, setup)
	send(ctrl.TagSliceCount, ctrl.SliceCount{Total: 1})

	// the output file appears once the setup is processed
	for {
		if _, err := os.Stat(setup.Path); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("output file never created")
		case <-time.After(10 * time.Millisecond):
		}
	}

	worker, err := transport.Listen(ctrl.RankFirstIn+2, "127.0.0.1:0", nop)
	if err != nil {
		t.Fatal(err)
	}
	defer worker.Close()
	conn, err := worker.OpenStream(ctx, []string{out.Endpoint()}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := record(0, 0).Encode(conn); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	msg, err := mgr.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Tag != ctrl.TagOutputDone {
		t.Fatalf("manager got tag %d, want OutputDone", msg.Tag)
	}
	var od ctrl.OutputDone
	if err := ctrl.Decode(msg.Data, &od); err != nil {
		t.Fatal(err)
	}
	if od.Bytes == 0 {
		t.Error("completion reports zero bytes")
	}

	if err := mgr.Send(ctrl.RankOutput, ctrl.TagTerminate, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("output node did not terminate")
	}
}
