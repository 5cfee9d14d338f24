/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ctrl defines the control messages exchanged between correlator
// ranks. Messages are small and infrequent, so they travel as JSON in
// tagged transport frames; bulk sample data never passes through here.
package ctrl

import (
	"encoding/json"

	"github.com/friendsincode/fxcorr/internal/corrdata"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/transport"
	"github.com/friendsincode/fxcorr/internal/vlbitime"
)

// Fixed rank layout. Input nodes follow the log and output ranks,
// correlator workers fill the remainder.
const (
	RankManager transport.Rank = 0
	RankLog     transport.Rank = 1
	RankOutput  transport.Rank = 2
	RankFirstIn transport.Rank = 3
)

const (
	TagNodeReady transport.Tag = transport.TagUser + iota
	TagInputSetup
	TagWorkerSetup
	TagConnectTo
	TagConnected
	TagTimeSlice
	TagCorrelate
	TagSliceDone
	TagOutputSetup
	TagSliceCount
	TagOutputDone
	TagLogMessage
	TagAbort
	TagTerminate
)

// Encode marshals a control message body.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fxerr.Protocolf("encode control message: %v", err)
	}
	return data, nil
}

// Decode unmarshals a control message body.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fxerr.Protocolf("decode control message: %v", err)
	}
	return nil
}

// NodeReady announces a rank to the manager together with its listener
// endpoints, fastest interface first.
type NodeReady struct {
	Rank      transport.Rank `json:"rank"`
	Endpoints []string       `json:"endpoints"`
}

// DataSource names one recording file run of a station datastream.
type DataSource struct {
	Paths []string `json:"paths"`
}

// InputSetup configures an input node for one station datastream.
type InputSetup struct {
	Station   string     `json:"station"`
	StationNr int32      `json:"station_nr"`
	Source    DataSource `json:"source"`

	// Format selects the channel extractor; the remaining fields mirror
	// its configuration.
	Format        string             `json:"format"`
	NTracks       int                `json:"n_tracks"`
	TrackBitRate  int64              `json:"track_bit_rate"`
	Channels      []ChannelMapConfig `json:"channels"`
	Reference     vlbitime.Timestamp `json:"reference"`
	RandomHeaders bool               `json:"random_headers"`
	StrictRate    bool               `json:"strict_rate"`
	VDIFThread    int                `json:"vdif_thread"`

	// ReaderOffset repositions the recording by a whole number of
	// seconds before slicing; sub-second clock residuals stay in the
	// delay model.
	ReaderOffset vlbitime.Duration `json:"reader_offset"`

	ExitOnEmpty bool `json:"exit_on_empty"`
}

// ChannelMapConfig is the wire form of a tape channel map; the list
// position is the channel number.
type ChannelMapConfig struct {
	SignTracks []int `json:"sign_tracks"`
	MagTracks  []int `json:"mag_tracks"`
}

// StationClock carries one station's clock solution and fixed
// instrumental delay to the workers.
type StationClock struct {
	Station    string             `json:"station"`
	StationNr  int32              `json:"station_nr"`
	Offset     float64            `json:"offset"`
	Rate       float64            `json:"rate"`
	Epoch      vlbitime.Timestamp `json:"epoch"`
	ExtraDelay float64            `json:"extra_delay"`
}

// PulsarSetup configures phase binning on the workers.
type PulsarSetup struct {
	PolycoPath string  `json:"polyco_path"`
	IntervalLo float64 `json:"interval_lo"`
	IntervalHi float64 `json:"interval_hi"`
	NBins      int     `json:"nbins"`
}

// WorkerSetup carries the run-wide correlation parameters to a worker.
type WorkerSetup struct {
	FFTSizeDelay   int    `json:"fft_size_delaycor"`
	FFTSizeCorr    int    `json:"fft_size_correlation"`
	NumberChannels int    `json:"number_channels"`
	Window         string `json:"window"`

	// DelayDir holds the per-station delay tables; DelayGenerator is
	// invoked to produce missing ones.
	DelayDir       string `json:"delay_dir"`
	DelayGenerator string `json:"delay_generator"`

	Stations []StationClock `json:"stations"`

	CalPath string       `json:"cal_path"`
	Pulsar  *PulsarSetup `json:"pulsar,omitempty"`
}

// ConnectTo instructs the receiving writer to open a data stream to a
// peer rank. The writer acknowledges with Connected before the manager
// dispatches work over the stream.
type ConnectTo struct {
	StreamID  uint32         `json:"stream_id"`
	Peer      transport.Rank `json:"peer"`
	Endpoints []string       `json:"endpoints"`
}

// Connected acknowledges a ConnectTo.
type Connected struct {
	StreamID uint32 `json:"stream_id"`
}

// TimeSlice orders an input node to emit the samples of one slice for
// one channel to a correlator rank.
type TimeSlice struct {
	SliceNr     int32              `json:"slice_nr"`
	ChannelNr   int32              `json:"channel_nr"`
	StreamNr    int32              `json:"stream_nr"`
	Dest        transport.Rank     `json:"dest"`
	Start       vlbitime.Timestamp `json:"start"`
	Duration    vlbitime.Duration  `json:"duration"`
	SampleRate  int64              `json:"sample_rate"`
	SampleCount int64              `json:"sample_count"`
}

// Correlate hands a work slice to a correlator node. Sources lists the
// input rank feeding each stream of the slice, index-aligned with
// Slice.Streams.
type Correlate struct {
	Slice   corrdata.Slice   `json:"slice"`
	Sources []transport.Rank `json:"sources"`

	// SourceDelays rotates multi-phase-centre output: per phase centre,
	// the extra delay of each stream at the slice midpoint, in seconds.
	// Empty outside multi-phase-centre runs.
	SourceDelays [][]float64 `json:"source_delays,omitempty"`
}

// SliceDone reports a finished slice back to the manager.
type SliceDone struct {
	SliceNr int32 `json:"slice_nr"`
	Records int   `json:"records"`
}

// OutputSetup configures the output node: destination files and the
// global header to lead each of them.
type OutputSetup struct {
	Path string `json:"path"`

	// Bins and Sources split records across files for pulsar-binning and
	// multi-phase-centre runs. For ordinary runs Bins is 1 and Sources is
	// empty.
	Bins    int      `json:"bins"`
	Sources []string `json:"sources"`

	// Workers bounds the reorder window.
	Workers int `json:"workers"`

	Header corrdata.GlobalHeader `json:"header"`
}

// SliceCount tells the output node how many slices the run produces, so
// it can finish once the last record is written.
type SliceCount struct {
	Total int32 `json:"total"`
}

// OutputDone reports the total byte count written across all output
// files back to the manager.
type OutputDone struct {
	Bytes int64 `json:"bytes"`
}

// LogMessage carries one log line to the log node.
type LogMessage struct {
	Level   int8   `json:"level"`
	Node    string `json:"node"`
	Message string `json:"message"`
}

// Abort notifies the manager of a fatal condition on a rank; the manager
// broadcasts Terminate in response.
type Abort struct {
	Rank   transport.Rank `json:"rank"`
	Reason string         `json:"reason"`
}
