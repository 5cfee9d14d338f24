/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Mirror republishes bus events to NATS so external monitors can follow a
// run without a connection into the correlator's control plane. Subjects
// are fxcorr.run.<jobid>.<event type>.
type Mirror struct {
	nc    *nats.Conn
	bus   *Bus
	jobID string
	log   zerolog.Logger
	done  chan struct{}
	subs  []Subscriber
	types []EventType
}

// mirrorMessage is the wire form of one mirrored event.
type mirrorMessage struct {
	EventType EventType `json:"event_type"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id"`
}

// NewMirror connects to NATS and forwards every event type published on
// bus. The mirror is best-effort: publish failures are logged, never
// propagated to the run.
func NewMirror(url, jobID string, bus *Bus, log zerolog.Logger) (*Mirror, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect event mirror %s: %w", url, err)
	}
	m := &Mirror{
		nc:    nc,
		bus:   bus,
		jobID: jobID,
		log:   log.With().Str("component", "eventmirror").Logger(),
		done:  make(chan struct{}),
	}
	for _, et := range []EventType{
		EventRunStarted, EventScanStarted, EventSliceDone,
		EventInputStalled, EventRunAborted, EventRunFinished,
	} {
		sub := bus.Subscribe(et)
		m.subs = append(m.subs, sub)
		m.types = append(m.types, et)
		go m.forward(et, sub)
	}
	return m, nil
}

func (m *Mirror) forward(et EventType, sub Subscriber) {
	for {
		select {
		case <-m.done:
			return
		case payload := <-sub:
			data, err := json.Marshal(mirrorMessage{
				EventType: et,
				Payload:   payload,
				Timestamp: time.Now().UTC(),
				JobID:     m.jobID,
			})
			if err != nil {
				m.log.Error().Err(err).Str("event", string(et)).Msg("encode event")
				continue
			}
			subject := fmt.Sprintf("fxcorr.run.%s.%s", m.jobID, et)
			if err := m.nc.Publish(subject, data); err != nil {
				m.log.Warn().Err(err).Str("subject", subject).Msg("publish event")
			}
		}
	}
}

// Close detaches from the bus and drains the NATS connection.
func (m *Mirror) Close() {
	close(m.done)
	for i, sub := range m.subs {
		m.bus.Unsubscribe(m.types[i], sub)
	}
	m.nc.Drain()
}
