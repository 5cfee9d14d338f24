/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package vlbitime provides the fixed-point time base used throughout the
// correlator. All timestamps are integer ticks of a 4.096 GHz clock so that
// every supported sample rate (2^k Hz up to 4.096 GHz) and the microsecond
// both divide one second of ticks exactly.
package vlbitime

import (
	"fmt"
	"time"
)

// TickRate is the number of ticks per second. 4.096e9 = 2^18 * 5^6 * 10^2,
// which is an exact multiple of 1e6 and of every power-of-two sample rate
// up to 4.096 GHz.
const TickRate int64 = 4_096_000_000

// EpochMJD is the modified Julian day of the tick epoch (2000-01-01 UTC).
const EpochMJD = 51544

const (
	ticksPerMicrosecond = TickRate / 1_000_000
	ticksPerSecond      = TickRate
	ticksPerDay         = TickRate * 86400
)

// Timestamp is an instant, counted in ticks since the epoch.
type Timestamp int64

// Duration is a span of time in ticks.
type Duration int64

// Common durations.
const (
	Microsecond Duration = Duration(ticksPerMicrosecond)
	Second      Duration = Duration(ticksPerSecond)
	Day         Duration = Duration(ticksPerDay)
)

// FromMJD builds a timestamp from a modified Julian day and seconds past
// midnight of that day.
func FromMJD(mjd int, sec float64) Timestamp {
	days := int64(mjd - EpochMJD)
	return Timestamp(days*ticksPerDay + int64(sec*float64(TickRate)+0.5))
}

// FromDate builds a timestamp from a calendar year, day of year (1-based)
// and seconds past midnight.
func FromDate(year, dayOfYear int, sec float64) Timestamp {
	return FromMJD(mjdOfYearDay(year, dayOfYear), sec)
}

// Parse reads a timestamp in the display form produced by String,
// e.g. 2007y123d04h30m00.000s. Fractional seconds are optional.
func Parse(s string) (Timestamp, error) {
	var year, doy, h, m int
	var sec float64
	n, err := fmt.Sscanf(s, "%dy%dd%dh%dm%fs", &year, &doy, &h, &m, &sec)
	if err != nil || n != 5 {
		return 0, fmt.Errorf("malformed time %q", s)
	}
	if doy < 1 || doy > 366 || h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec >= 60 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return FromDate(year, doy, float64(h*3600+m*60)+sec), nil
}

// FromTime converts a wall-clock time to a timestamp, truncating below
// nanosecond resolution.
func FromTime(t time.Time) Timestamp {
	t = t.UTC()
	y, doy := t.Year(), t.YearDay()
	secOfDay := t.Hour()*3600 + t.Minute()*60 + t.Second()
	ts := FromMJD(mjdOfYearDay(y, doy), float64(secOfDay))
	return ts + Timestamp(int64(t.Nanosecond())*ticksPerSecond/1_000_000_000)
}

// FromMicroseconds builds a duration from an integer microsecond count.
func FromMicroseconds(us int64) Duration {
	return Duration(us * ticksPerMicrosecond)
}

// FromSeconds builds a duration from a floating-point second count,
// rounding to the nearest tick.
func FromSeconds(s float64) Duration {
	if s < 0 {
		return -Duration(-s*float64(TickRate) + 0.5)
	}
	return Duration(s*float64(TickRate) + 0.5)
}

// FromSampleCount returns the span of n samples at the given sample rate.
// The division is exact for every rate that divides the tick rate.
func FromSampleCount(n int64, sampleRate int64) Duration {
	if TickRate%sampleRate == 0 {
		return Duration(n * (TickRate / sampleRate))
	}
	return Duration(n * TickRate / sampleRate)
}

// SampleCount returns how many samples at the given rate fit in d.
func (d Duration) SampleCount(sampleRate int64) int64 {
	if TickRate%sampleRate == 0 {
		return int64(d) / (TickRate / sampleRate)
	}
	return int64(d) * sampleRate / TickRate
}

// Microseconds returns the duration in whole microseconds, truncating.
func (d Duration) Microseconds() int64 { return int64(d) / ticksPerMicrosecond }

// Seconds returns the duration as floating-point seconds.
func (d Duration) Seconds() float64 { return float64(d) / float64(TickRate) }

func (d Duration) String() string {
	return fmt.Sprintf("%.6fs", d.Seconds())
}

// MJD returns the modified Julian day containing the timestamp.
func (t Timestamp) MJD() int {
	d := int64(t) / ticksPerDay
	if int64(t) < 0 && int64(t)%ticksPerDay != 0 {
		d--
	}
	return EpochMJD + int(d)
}

// SecondsOfDay returns the seconds past midnight of the timestamp's day.
func (t Timestamp) SecondsOfDay() float64 {
	r := int64(t) % ticksPerDay
	if r < 0 {
		r += ticksPerDay
	}
	return float64(r) / float64(TickRate)
}

// Date returns the calendar year and 1-based day of year of the timestamp.
func (t Timestamp) Date() (year, dayOfYear int) {
	return yearDayOfMJD(t.MJD())
}

// Add offsets the timestamp by a duration.
func (t Timestamp) Add(d Duration) Timestamp { return t + Timestamp(d) }

// Sub returns the duration from u to t.
func (t Timestamp) Sub(u Timestamp) Duration { return Duration(t - u) }

// Before reports whether t is strictly earlier than u.
func (t Timestamp) Before(u Timestamp) bool { return t < u }

// After reports whether t is strictly later than u.
func (t Timestamp) After(u Timestamp) bool { return t > u }

// Floor rounds the timestamp down to a multiple of d from the epoch.
func (t Timestamp) Floor(d Duration) Timestamp {
	if d <= 0 {
		return t
	}
	r := int64(t) % int64(d)
	if r < 0 {
		r += int64(d)
	}
	return t - Timestamp(r)
}

// Ceil rounds the timestamp up to a multiple of d from the epoch.
func (t Timestamp) Ceil(d Duration) Timestamp {
	f := t.Floor(d)
	if f == t {
		return t
	}
	return f + Timestamp(d)
}

// String renders the timestamp as year, day-of-year and time of day,
// e.g. 2007y123d04h30m00.000s.
func (t Timestamp) String() string {
	year, doy := t.Date()
	sod := t.SecondsOfDay()
	h := int(sod) / 3600
	m := (int(sod) / 60) % 60
	s := sod - float64(h*3600+m*60)
	return fmt.Sprintf("%04dy%03dd%02dh%02dm%06.3fs", year, doy, h, m, s)
}

// Time converts the timestamp to a wall-clock time, truncating below
// nanosecond resolution.
func (t Timestamp) Time() time.Time {
	year, doy := t.Date()
	sod := t.SecondsOfDay()
	sec := int(sod)
	ns := int((sod - float64(sec)) * 1e9)
	base := time.Date(year, 1, 1, 0, 0, sec, ns, time.UTC)
	return base.AddDate(0, 0, doy-1)
}

func mjdOfYearDay(year, dayOfYear int) int {
	jan1 := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	epoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	days := int(jan1.Sub(epoch).Hours() / 24)
	return EpochMJD + days + dayOfYear - 1
}

func yearDayOfMJD(mjd int) (year, dayOfYear int) {
	epoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	d := epoch.AddDate(0, 0, mjd-EpochMJD)
	return d.Year(), d.YearDay()
}
