/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package fxerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindWrapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"config", Configf("stop %v before start", "2007y123d"), ErrConfig},
		{"resource", Resourcef("open %s", "/data/ef.m5a"), ErrResource},
		{"format", Formatf("crc mismatch at frame %d", 42), ErrFormat},
		{"protocol", Protocolf("unexpected tag %d", 7), ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.kind) {
				t.Errorf("errors.Is(%v, kind) = false", tt.err)
			}
			for _, other := range []error{ErrConfig, ErrResource, ErrFormat, ErrProtocol} {
				if other != tt.kind && errors.Is(tt.err, other) {
					t.Errorf("%v matches foreign kind %v", tt.err, other)
				}
			}
		})
	}
}

func TestAbortError(t *testing.T) {
	inner := Formatf("lost sync")
	err := Abort(3, "input-Ef", inner)

	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatal("errors.As(AbortError) = false")
	}
	if abort.Rank != 3 || abort.Node != "input-Ef" {
		t.Fatalf("abort = %+v", abort)
	}
	if !errors.Is(err, ErrFormat) {
		t.Fatal("abort does not unwrap to its cause kind")
	}

	wrapped := fmt.Errorf("run failed: %w", err)
	if !errors.As(wrapped, &abort) {
		t.Fatal("abort not found through an extra wrap")
	}
}
