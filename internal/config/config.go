/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package config parses the YAML control file that drives a correlation
// job, plus the small set of environment overrides for process level
// settings.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// LOOffset is a per-channel local oscillator offset in Hz. A scalar in
// the control file gives a constant offset; a three element sequence
// [start, end, steps] steps the offset within each time slice from start
// towards end in steps equal increments; the last step is
// start+(end-start)*(steps-1)/steps.
type LOOffset struct {
	Start float64
	End   float64
	Steps int
}

func (o *LOOffset) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var v float64
		if err := value.Decode(&v); err != nil {
			return err
		}
		o.Start, o.End, o.Steps = v, v, 1
		return nil
	case yaml.SequenceNode:
		var seq []float64
		if err := value.Decode(&seq); err != nil {
			return err
		}
		if len(seq) != 3 {
			return fmt.Errorf("LO_offset sequence wants [start, end, steps], got %d values", len(seq))
		}
		o.Start, o.End = seq[0], seq[1]
		o.Steps = int(seq[2])
		if o.Steps < 1 {
			return fmt.Errorf("LO_offset steps must be at least 1")
		}
		return nil
	}
	return fmt.Errorf("LO_offset must be a number or a [start, end, steps] sequence")
}

// PulsarConfig configures binning for one pulsar.
type PulsarConfig struct {
	Interval   [2]float64 `yaml:"interval"`
	NBins      int        `yaml:"nbins"`
	PolycoFile string     `yaml:"polyco_file"`
}

// Mask names the spectral mask and weight files used by phased array
// runs.
type Mask struct {
	Normalize  bool   `yaml:"normalize"`
	MaskFile   string `yaml:"mask"`
	WeightFile string `yaml:"weights"`
}

// Control is the parsed control file. Field names follow the file keys.
type Control struct {
	Start                string `yaml:"start"`
	Stop                 string `yaml:"stop"`
	IntegrTime           int64  `yaml:"integr_time"`
	SubIntegrTime        int64  `yaml:"sub_integr_time"`
	SlicesPerIntegration int    `yaml:"slices_per_integration"`

	NumberChannels     int    `yaml:"number_channels"`
	FFTSizeDelaycor    int    `yaml:"fft_size_delaycor"`
	FFTSizeCorrelation int    `yaml:"fft_size_correlation"`
	WindowFunction     string `yaml:"window_function"`

	Stations         []string            `yaml:"stations"`
	ReferenceStation string              `yaml:"reference_station"`
	SetupStation     string              `yaml:"setup_station"`
	DataSources      map[string][]string `yaml:"data_sources"`

	DelayDirectory string `yaml:"delay_directory"`
	DelayGenerator string `yaml:"delay_generator"`
	OutputFile     string `yaml:"output_file"`

	CalFile            string  `yaml:"cal_file"`
	PhasecalFile       string  `yaml:"phasecal_file"`
	PhasecalIntegrTime int64   `yaml:"phasecal_integr_time"`
	TsysFile           string  `yaml:"tsys_file"`
	TsysFreq           float64 `yaml:"tsys_freq"`

	CrossPolarize bool                    `yaml:"cross_polarize"`
	PulsarBinning bool                    `yaml:"pulsar_binning"`
	Pulsars       map[string]PulsarConfig `yaml:"pulsars"`

	PhasedArray      bool  `yaml:"phased_array"`
	MultiPhaseCenter *bool `yaml:"multi_phase_center"`
	Mask             *Mask `yaml:"mask"`

	LOOffset   map[string]LOOffset           `yaml:"LO_offset"`
	ExtraDelay map[string]map[string]float64 `yaml:"extra_delay"`

	Job    int32 `yaml:"job"`
	Subjob int32 `yaml:"subjob"`

	MessageLevel          int    `yaml:"message_level"`
	ExitOnEmptyDatastream bool   `yaml:"exit_on_empty_datastream"`
	Deterministic         bool   `yaml:"deterministic"`
	Seed                  int64  `yaml:"seed"`
	StrictRateCheck       *bool  `yaml:"strict_rate_check"`
	ClockRateUnits        string `yaml:"clock_rate_units"`
	AllowMixedBandwidth   bool   `yaml:"allow_mixed_bandwidth"`
}

var windowNames = map[string]bool{
	"RECTANGULAR": true,
	"COSINE":      true,
	"HAMMING":     true,
	"HANN":        true,
	"PFB":         true,
	"NONE":        true,
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// StartTime parses the start key. ok is false for "now", meaning the
// start should be taken from the first available recording data.
func (c *Control) StartTime() (vlbitime.Timestamp, bool, error) {
	s := strings.TrimSpace(c.Start)
	if s == "" || strings.EqualFold(s, "now") {
		return 0, false, nil
	}
	t, err := vlbitime.Parse(s)
	if err != nil {
		return 0, false, err
	}
	return t, true, nil
}

// StopTime parses the stop key. ok is false for "end", meaning the job
// runs until the recordings are exhausted.
func (c *Control) StopTime() (vlbitime.Timestamp, bool, error) {
	s := strings.TrimSpace(c.Stop)
	if s == "" || strings.EqualFold(s, "end") {
		return 0, false, nil
	}
	t, err := vlbitime.Parse(s)
	if err != nil {
		return 0, false, err
	}
	return t, true, nil
}

// Integration returns the integration and sub-integration durations.
// When sub_integr_time is absent it is derived from
// slices_per_integration, and defaults to the full integration.
func (c *Control) Integration() (integr, sub vlbitime.Duration) {
	integr = vlbitime.FromMicroseconds(c.IntegrTime)
	switch {
	case c.SubIntegrTime > 0:
		sub = vlbitime.FromMicroseconds(c.SubIntegrTime)
	case c.SlicesPerIntegration > 0:
		sub = vlbitime.FromMicroseconds(c.IntegrTime / int64(c.SlicesPerIntegration))
	default:
		sub = integr
	}
	return integr, sub
}

// WindowName returns the configured window function, defaulting to NONE
// for multi phase centre jobs and HANN otherwise.
func (c *Control) WindowName() string {
	if c.WindowFunction != "" {
		return strings.ToUpper(c.WindowFunction)
	}
	if c.MultiPhaseCentre() {
		return "NONE"
	}
	return "HANN"
}

// MultiPhaseCentre reports whether the job correlates multiple phase
// centres. Only an explicit true enables it; unset counts as false, and
// then only the first source of each scan is correlated.
func (c *Control) MultiPhaseCentre() bool {
	return c.MultiPhaseCenter != nil && *c.MultiPhaseCenter
}

// MultiPhaseCentreSet reports whether the key was present at all.
func (c *Control) MultiPhaseCentreSet() bool { return c.MultiPhaseCenter != nil }

// StrictRate reports whether sample rate consistency checks are fatal.
// Defaults to on.
func (c *Control) StrictRate() bool {
	return c.StrictRateCheck == nil || *c.StrictRateCheck
}

// ClockRateScale converts configured clock rates into seconds per
// second. The historical unit is microseconds per second.
func (c *Control) ClockRateScale() float64 {
	if strings.EqualFold(c.ClockRateUnits, "sec_per_sec") {
		return 1
	}
	return 1e-6
}

// ExtraDelayFor looks up the additional delay in seconds for a station
// channel. Keys match on channel name, then polarisation, then the
// wildcard "*".
func (c *Control) ExtraDelayFor(station, channel, pol string) float64 {
	m, ok := c.ExtraDelay[station]
	if !ok {
		return 0
	}
	if v, ok := m[channel]; ok {
		return v
	}
	if v, ok := m[pol]; ok {
		return v
	}
	return m["*"]
}

// Validate checks the control file for internal consistency. It does
// not touch the filesystem; path existence is checked where the files
// are opened.
func (c *Control) Validate() error {
	if len(c.Stations) == 0 {
		return fxerr.Configf("control file names no stations")
	}
	seen := make(map[string]bool, len(c.Stations))
	for _, st := range c.Stations {
		if seen[st] {
			return fxerr.Configf("station %s listed twice", st)
		}
		seen[st] = true
		if _, ok := c.DataSources[st]; !ok {
			return fxerr.Configf("station %s has no data_sources entry", st)
		}
	}
	if c.ReferenceStation != "" && !seen[c.ReferenceStation] {
		return fxerr.Configf("reference_station %s is not in stations", c.ReferenceStation)
	}
	if c.SetupStation != "" && !seen[c.SetupStation] {
		return fxerr.Configf("setup_station %s is not in stations", c.SetupStation)
	}
	if c.IntegrTime <= 0 {
		return fxerr.Configf("integr_time must be positive")
	}
	integr, sub := c.Integration()
	if sub <= 0 || sub > integr {
		return fxerr.Configf("sub_integr_time %v exceeds integr_time %v", sub, integr)
	}
	if c.NumberChannels <= 0 || !isPowerOfTwo(c.NumberChannels) {
		return fxerr.Configf("number_channels %d is not a power of two", c.NumberChannels)
	}
	if c.FFTSizeCorrelation != 0 && !isPowerOfTwo(c.FFTSizeCorrelation) {
		return fxerr.Configf("fft_size_correlation %d is not a power of two", c.FFTSizeCorrelation)
	}
	if c.FFTSizeDelaycor != 0 && !isPowerOfTwo(c.FFTSizeDelaycor) {
		return fxerr.Configf("fft_size_delaycor %d is not a power of two", c.FFTSizeDelaycor)
	}
	if c.FFTSizeCorrelation != 0 && c.FFTSizeCorrelation < c.NumberChannels {
		return fxerr.Configf("fft_size_correlation %d below number_channels %d",
			c.FFTSizeCorrelation, c.NumberChannels)
	}
	if w := c.WindowName(); !windowNames[w] {
		return fxerr.Configf("unknown window_function %q", c.WindowFunction)
	}
	if c.OutputFile == "" {
		return fxerr.Configf("output_file is required")
	}
	if c.DelayDirectory == "" && c.DelayGenerator == "" {
		return fxerr.Configf("one of delay_directory or delay_generator is required")
	}
	if c.PulsarBinning {
		if len(c.Pulsars) == 0 {
			return fxerr.Configf("pulsar_binning is set but no pulsars are configured")
		}
		for name, p := range c.Pulsars {
			if p.NBins < 1 {
				return fxerr.Configf("pulsar %s nbins must be at least 1", name)
			}
			if p.PolycoFile == "" {
				return fxerr.Configf("pulsar %s has no polyco_file", name)
			}
			if p.Interval[0] < 0 || p.Interval[1] > 1 || p.Interval[0] >= p.Interval[1] {
				return fxerr.Configf("pulsar %s interval [%g, %g] is not within [0, 1]",
					name, p.Interval[0], p.Interval[1])
			}
		}
	}
	if c.PulsarBinning && c.PhasedArray {
		return fxerr.Configf("pulsar_binning and phased_array are mutually exclusive")
	}
	if c.MultiPhaseCentre() && c.PulsarBinning {
		return fxerr.Configf("multi_phase_center and pulsar_binning are mutually exclusive")
	}
	if u := c.ClockRateUnits; u != "" &&
		!strings.EqualFold(u, "usec_per_sec") && !strings.EqualFold(u, "sec_per_sec") {
		return fxerr.Configf("unknown clock_rate_units %q", u)
	}
	for st, off := range c.LOOffset {
		if off.Steps < 1 {
			return fxerr.Configf("LO_offset for %s has %d steps", st, off.Steps)
		}
	}
	return nil
}

// Parse reads a control file from bytes.
func Parse(data []byte) (*Control, error) {
	var c Control
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fxerr.Configf("control file: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses a control file from disk.
func Load(path string) (*Control, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fxerr.Resourcef("control file: %v", err)
	}
	return Parse(data)
}
