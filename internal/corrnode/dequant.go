/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package corrnode

import (
	"github.com/friendsincode/fxcorr/internal/fxerr"
)

// Two-bit quantisation levels for an optimally thresholded sampler. The
// index is magnitude<<1 | sign; sign bit set means positive.
var twoBitLevels = [4]float64{-1, 1, -3.3359, 3.3359}

var (
	decode2bit [256][4]float64
	decode1bit [256][8]float64
)

func init() {
	for b := 0; b < 256; b++ {
		for s := 0; s < 4; s++ {
			decode2bit[b][s] = twoBitLevels[(b>>(2*s))&3]
		}
		for s := 0; s < 8; s++ {
			if b>>(s)&1 == 1 {
				decode1bit[b][s] = 1
			} else {
				decode1bit[b][s] = -1
			}
		}
	}
}

// Dequantise expands packed samples into floats, least significant bits
// first. dst must hold 8/bits samples per input byte.
func Dequantise(dst []float64, src []byte, bits int) error {
	switch bits {
	case 1:
		for i, b := range src {
			copy(dst[8*i:], decode1bit[b][:])
		}
	case 2:
		for i, b := range src {
			copy(dst[4*i:], decode2bit[b][:])
		}
	default:
		return fxerr.Configf("unsupported sample width %d bits", bits)
	}
	return nil
}
