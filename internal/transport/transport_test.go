/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func pair(t *testing.T) (*Node, *Node, context.Context) {
	t.Helper()
	log := zerolog.Nop()
	a, err := Listen(0, "127.0.0.1:0", log)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Listen(1, "127.0.0.1:0", log)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	go a.Serve(ctx)
	go b.Serve(ctx)
	return a, b, ctx
}

func TestSendRecv(t *testing.T) {
	a, b, ctx := pair(t)
	if err := b.Connect(ctx, 0, []string{a.Endpoint()}); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(0, TagUser, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	msg, err := a.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Tag != TagUser || msg.From != 1 || string(msg.Data) != "hello" {
		t.Fatalf("got %+v", msg)
	}
}

func TestReplyOverAcceptedConnection(t *testing.T) {
	a, b, ctx := pair(t)
	if err := b.Connect(ctx, 0, []string{a.Endpoint()}); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(0, TagUser, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Recv(ctx); err != nil {
		t.Fatal(err)
	}
	// the hello registered b, so a can answer without dialing back
	if err := a.Send(1, TagUser+1, []byte("pong")); err != nil {
		t.Fatal(err)
	}
	msg, err := b.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Tag != TagUser+1 || msg.From != 0 || string(msg.Data) != "pong" {
		t.Fatalf("got %+v", msg)
	}
}

func TestSendUnconnected(t *testing.T) {
	a, _, _ := pair(t)
	if err := a.Send(9, TagUser, nil); err == nil {
		t.Fatal("send to unconnected rank succeeded")
	}
}

func TestTagOrder(t *testing.T) {
	a, b, ctx := pair(t)
	if err := b.Connect(ctx, 0, []string{a.Endpoint()}); err != nil {
		t.Fatal(err)
	}
	for i := byte(0); i < 10; i++ {
		if err := b.Send(0, TagUser, []byte{i}); err != nil {
			t.Fatal(err)
		}
	}
	for i := byte(0); i < 10; i++ {
		msg, err := a.Recv(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Data[0] != i {
			t.Fatalf("frame %d arrived as %d", i, msg.Data[0])
		}
	}
}

func TestStream(t *testing.T) {
	a, b, ctx := pair(t)
	payload := bytes.Repeat([]byte{0xa5}, 1<<16)

	c, err := b.OpenStream(ctx, []string{a.Endpoint()}, 42)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		c.Write(payload)
		c.Close()
	}()

	var s Stream
	select {
	case s = <-a.Streams():
	case <-ctx.Done():
		t.Fatal("no stream arrived")
	}
	if s.From != 1 || s.ID != 42 {
		t.Fatalf("stream identity = %d/%d", s.From, s.ID)
	}
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("stream carried %d bytes, want %d", len(got), len(payload))
	}
}
