/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package corrnode

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/dsp/window"

	"github.com/friendsincode/fxcorr/internal/fxerr"
)

// WindowFunction selects the taper applied before the correlation FFT.
type WindowFunction uint8

const (
	WindowHann WindowFunction = iota
	WindowHamming
	WindowCosine
	WindowRectangular
	WindowPFB
	WindowNone
)

func (w WindowFunction) String() string {
	switch w {
	case WindowHann:
		return "HANN"
	case WindowHamming:
		return "HAMMING"
	case WindowCosine:
		return "COSINE"
	case WindowRectangular:
		return "RECTANGULAR"
	case WindowPFB:
		return "PFB"
	case WindowNone:
		return "NONE"
	}
	return "UNKNOWN"
}

// ParseWindow maps a control-file window name to its function.
func ParseWindow(s string) (WindowFunction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HANN":
		return WindowHann, nil
	case "HAMMING":
		return WindowHamming, nil
	case "COSINE":
		return WindowCosine, nil
	case "RECTANGULAR":
		return WindowRectangular, nil
	case "PFB":
		return WindowPFB, nil
	case "NONE":
		return WindowNone, nil
	}
	return 0, fxerr.Configf("unknown window function %q", s)
}

// pfbTaps is the effective tap span of the prototype low-pass used for
// the PFB coefficient set.
const pfbTaps = 4

// Coefficients returns the n taper values. WindowNone returns nil, which
// the hot loop treats as all ones.
func (w WindowFunction) Coefficients(n int) []float64 {
	if w == WindowNone {
		return nil
	}
	c := make([]float64, n)
	for i := range c {
		c[i] = 1
	}
	switch w {
	case WindowHann:
		return window.Hann(c)
	case WindowHamming:
		return window.Hamming(c)
	case WindowCosine:
		for i := range c {
			c[i] = math.Sin(math.Pi * (float64(i) + 0.5) / float64(n))
		}
	case WindowPFB:
		// sinc prototype under a Hann taper
		for i := range c {
			x := pfbTaps * (float64(i)/float64(n) - 0.5)
			c[i] = sinc(x) * 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
		}
	case WindowRectangular:
	}
	return c
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}
