/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package transport carries the control plane between correlator ranks.
// Every node owns one listener; peers exchange small tagged frames over
// point-to-point TCP connections, and bulk sample data travels on
// separate raw byte streams opened through the same listener.
package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/fxcorr/internal/fxerr"
)

// Tag identifies the kind of a control frame. Frames from one sender on
// one tag are FIFO; no order holds across tags.
type Tag uint16

// Rank addresses a node process. The manager is always rank 0.
type Rank int32

const ManagerRank Rank = 0

// Reserved tags used by the transport handshake. Application tags start
// at TagUser.
const (
	tagHello Tag = iota + 1
	tagStreamHello
	TagUser Tag = 16
)

// maxFrame bounds a control frame. Bulk data never travels in frames.
const maxFrame = 1 << 20

// Message is one received control frame.
type Message struct {
	Tag  Tag
	From Rank
	Data []byte
}

// Stream is an incoming raw data stream opened by a peer.
type Stream struct {
	From Rank
	ID   uint32
	net.Conn
}

type frameHeader struct {
	Len  uint32
	Tag  uint16
	From int32
}

func writeFrame(w io.Writer, tag Tag, from Rank, data []byte) error {
	hdr := frameHeader{Len: uint32(len(data)), Tag: uint16(tag), From: int32(from)}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) (Message, error) {
	var hdr frameHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return Message{}, err
	}
	if hdr.Len > maxFrame {
		return Message{}, fxerr.Protocolf("control frame of %d bytes", hdr.Len)
	}
	data := make([]byte, hdr.Len)
	if _, err := io.ReadFull(r, data); err != nil {
		return Message{}, err
	}
	return Message{Tag: Tag(hdr.Tag), From: Rank(hdr.From), Data: data}, nil
}

// Node is one rank's endpoint: listener, peer connections and the inbox
// the event loop drains.
type Node struct {
	rank Rank
	ln   net.Listener
	log  zerolog.Logger

	mu    sync.Mutex
	peers map[Rank]net.Conn

	inbox   chan Message
	streams chan Stream

	closed chan struct{}
	once   sync.Once
}

// Listen binds the rank's listener. addr ":0" picks an ephemeral port.
func Listen(rank Rank, addr string, log zerolog.Logger) (*Node, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fxerr.Resourcef("rank %d listen %s: %v", rank, addr, err)
	}
	return &Node{
		rank:    rank,
		ln:      ln,
		log:     log.With().Int32("rank", int32(rank)).Logger(),
		peers:   make(map[Rank]net.Conn),
		inbox:   make(chan Message, 256),
		streams: make(chan Stream, 16),
		closed:  make(chan struct{}),
	}, nil
}

// Rank returns the node's own rank.
func (n *Node) Rank() Rank { return n.rank }

// Endpoint returns the advertised listen address.
func (n *Node) Endpoint() string { return n.ln.Addr().String() }

// Serve accepts peer connections until the context ends. Each accepted
// connection announces itself with a hello frame: control connections
// feed the inbox, stream hellos hand the raw connection to Streams.
func (n *Node) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		n.Close()
	}()
	for {
		c, err := n.ln.Accept()
		if err != nil {
			select {
			case <-n.closed:
				return nil
			default:
				return fxerr.Resourcef("rank %d accept: %v", n.rank, err)
			}
		}
		go n.handshake(c)
	}
}

func (n *Node) handshake(c net.Conn) {
	msg, err := readFrame(c)
	if err != nil {
		n.log.Warn().Err(err).Msg("peer handshake failed")
		c.Close()
		return
	}
	switch msg.Tag {
	case tagHello:
		n.mu.Lock()
		n.peers[msg.From] = c
		n.mu.Unlock()
		go n.readLoop(msg.From, c)
	case tagStreamHello:
		if len(msg.Data) != 4 {
			n.log.Warn().Int32("from", int32(msg.From)).Msg("malformed stream hello")
			c.Close()
			return
		}
		id := binary.LittleEndian.Uint32(msg.Data)
		select {
		case n.streams <- Stream{From: msg.From, ID: id, Conn: c}:
		case <-n.closed:
			c.Close()
		}
	default:
		n.log.Warn().Uint16("tag", uint16(msg.Tag)).Msg("unexpected handshake tag")
		c.Close()
	}
}

func (n *Node) readLoop(from Rank, c net.Conn) {
	for {
		msg, err := readFrame(c)
		if err != nil {
			select {
			case <-n.closed:
			default:
				if err != io.EOF {
					n.log.Warn().Err(err).Int32("from", int32(from)).Msg("peer connection lost")
				}
			}
			return
		}
		select {
		case n.inbox <- msg:
		case <-n.closed:
			return
		}
	}
}

// dial tries each endpoint in order and returns the first connection.
// Endpoints are listed fastest fabric first; a bare hostname resolved
// through DNS is the conventional last entry.
func dial(ctx context.Context, endpoints []string) (net.Conn, error) {
	var d net.Dialer
	var lastErr error
	for _, ep := range endpoints {
		c, err := d.DialContext(ctx, "tcp", ep)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, fxerr.Resourcef("no endpoint reachable of %v: %v", endpoints, lastErr)
}

// Connect establishes the control connection to a peer rank.
func (n *Node) Connect(ctx context.Context, to Rank, endpoints []string) error {
	c, err := dial(ctx, endpoints)
	if err != nil {
		return err
	}
	if err := writeFrame(c, tagHello, n.rank, nil); err != nil {
		c.Close()
		return fxerr.Resourcef("hello to rank %d: %v", to, err)
	}
	n.mu.Lock()
	n.peers[to] = c
	n.mu.Unlock()
	go n.readLoop(to, c)
	return nil
}

// Send delivers one control frame to a connected peer.
func (n *Node) Send(to Rank, tag Tag, data []byte) error {
	n.mu.Lock()
	c, ok := n.peers[to]
	n.mu.Unlock()
	if !ok {
		return fxerr.Protocolf("rank %d not connected to rank %d", n.rank, to)
	}
	if err := writeFrame(c, tag, n.rank, data); err != nil {
		return fxerr.Resourcef("send tag %d to rank %d: %v", tag, to, err)
	}
	return nil
}

// Recv blocks for the next control frame.
func (n *Node) Recv(ctx context.Context) (Message, error) {
	select {
	case msg := <-n.inbox:
		return msg, nil
	case <-n.closed:
		return Message{}, io.EOF
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Inbox exposes the control frame queue for select loops.
func (n *Node) Inbox() <-chan Message { return n.inbox }

// Poll returns a waiting control frame without blocking.
func (n *Node) Poll() (Message, bool) {
	select {
	case msg := <-n.inbox:
		return msg, true
	default:
		return Message{}, false
	}
}

// OpenStream dials a peer's listener and converts the connection into a
// raw data stream identified by id.
func (n *Node) OpenStream(ctx context.Context, endpoints []string, id uint32) (net.Conn, error) {
	c, err := dial(ctx, endpoints)
	if err != nil {
		return nil, err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], id)
	if err := writeFrame(c, tagStreamHello, n.rank, buf[:]); err != nil {
		c.Close()
		return nil, fxerr.Resourcef("stream hello: %v", err)
	}
	return c, nil
}

// Streams yields incoming data streams opened by peers.
func (n *Node) Streams() <-chan Stream { return n.streams }

// Close shuts the listener and every peer connection.
func (n *Node) Close() {
	n.once.Do(func() {
		close(n.closed)
		n.ln.Close()
		n.mu.Lock()
		for _, c := range n.peers {
			c.Close()
		}
		n.mu.Unlock()
	})
}
