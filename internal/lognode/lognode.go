/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package lognode collects the run's log stream. Remote ranks ship their
// serialized zerolog lines over the control connection; the log node
// writes them to a single sink so a distributed run reads like one
// process.
package lognode

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/friendsincode/fxcorr/internal/ctrl"
	"github.com/friendsincode/fxcorr/internal/fxerr"
	"github.com/friendsincode/fxcorr/internal/transport"
)

// Node is the log collector.
type Node struct {
	tn   *transport.Node
	sink io.Writer
	min  zerolog.Level
	log  zerolog.Logger
}

// NewNode wraps a transport endpoint into the log collector. Lines below
// min are dropped.
func NewNode(tn *transport.Node, sink io.Writer, min zerolog.Level, log zerolog.Logger) *Node {
	return &Node{
		tn:   tn,
		sink: sink,
		min:  min,
		log:  log.With().Str("node", "log").Logger(),
	}
}

// Run is the log node event loop.
func (n *Node) Run(ctx context.Context) error {
	for {
		var msg transport.Message
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-n.tn.Inbox():
		}
		switch msg.Tag {
		case ctrl.TagLogMessage:
			var lm ctrl.LogMessage
			if err := ctrl.Decode(msg.Data, &lm); err != nil {
				return err
			}
			if zerolog.Level(lm.Level) < n.min {
				continue
			}
			line := lm.Message
			if len(line) == 0 || line[len(line)-1] != '\n' {
				line += "\n"
			}
			if _, err := io.WriteString(n.sink, line); err != nil {
				return fxerr.Resourcef("write log line: %v", err)
			}
		case ctrl.TagTerminate:
			return nil
		default:
			return fxerr.Protocolf("log node got tag %d from rank %d", msg.Tag, msg.From)
		}
	}
}

// ShipWriter forwards zerolog output to the log node. It implements
// zerolog.LevelWriter so the carried level survives the trip and the
// collector can filter without parsing JSON.
type ShipWriter struct {
	tn   *transport.Node
	node string
}

// NewShipWriter builds a writer shipping lines from the named node.
func NewShipWriter(tn *transport.Node, node string) *ShipWriter {
	return &ShipWriter{tn: tn, node: node}
}

func (w *ShipWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel ships one serialized log event. Shipping failures are
// swallowed; logging must never take the node down.
func (w *ShipWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	body, err := ctrl.Encode(ctrl.LogMessage{
		Level:   int8(level),
		Node:    w.node,
		Message: string(p),
	})
	if err != nil {
		return len(p), nil
	}
	w.tn.Send(ctrl.RankLog, ctrl.TagLogMessage, body)
	return len(p), nil
}
