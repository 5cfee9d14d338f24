/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package runctx carries per-run state that would otherwise be threaded
// through every call: the run identity, the PRNG seed and the dispatch
// policy. Nothing in here is mutable after the run starts.
package runctx

import (
	"context"
	"math/rand"

	"github.com/google/uuid"
)

// Run identifies one correlation run.
type Run struct {
	ID uuid.UUID

	// Job and Subjob number the run for the output global header.
	Job    int32
	Subjob int32

	// Seed feeds the header-fill PRNG. With Deterministic set, every
	// station stream derives its generator from this seed so reruns are
	// bit-identical.
	Seed          int64
	Deterministic bool
}

// New creates a run with a fresh ID.
func New(job, subjob int32, seed int64, deterministic bool) *Run {
	return &Run{
		ID:            uuid.New(),
		Job:           job,
		Subjob:        subjob,
		Seed:          seed,
		Deterministic: deterministic,
	}
}

// StreamRand returns the random source for one station stream. Deterministic
// runs derive it from the run seed and the stream number; otherwise each
// stream gets an independent seed.
func (r *Run) StreamRand(streamNr int) *rand.Rand {
	if r.Deterministic {
		return rand.New(rand.NewSource(r.Seed + int64(streamNr)*0x9e3779b9))
	}
	return rand.New(rand.NewSource(rand.Int63()))
}

type ctxKey struct{}

// With attaches the run to a context.
func With(ctx context.Context, r *Run) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// From extracts the run from a context, or nil.
func From(ctx context.Context) *Run {
	r, _ := ctx.Value(ctxKey{}).(*Run)
	return r
}
