// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package encoders

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// TextEncoderGroup serves concurrent forwards from a pool of text encoder
// replicas. One canonical encoder answers metadata queries and key bank
// construction; the workers sit behind a weighted semaphore with atomic
// round-robin selection.
//
// The group itself satisfies TextEncoder, so call sites never branch on
// wrapped vs unwrapped encoders.
type TextEncoderGroup struct {
	canonical TextEncoder
	workers   []TextEncoder
	sem       *semaphore.Weighted
	next      atomic.Uint64
	logger    *zap.Logger
}

var _ TextEncoder = (*TextEncoderGroup)(nil)

// NewTextEncoderGroup builds a group from a canonical encoder and optional
// extra replicas. With no replicas the canonical encoder serves forwards
// itself, one at a time.
func NewTextEncoderGroup(canonical TextEncoder, replicas []TextEncoder, logger *zap.Logger) (*TextEncoderGroup, error) {
	if canonical == nil {
		return nil, errors.New("canonical encoder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := replicas
	if len(workers) == 0 {
		workers = []TextEncoder{canonical}
	}
	for i, w := range workers {
		if w.Dim() != canonical.Dim() {
			return nil, fmt.Errorf("replica %d has dim %d, canonical has %d", i, w.Dim(), canonical.Dim())
		}
	}

	logger.Info("Created text encoder group",
		zap.Int("workers", len(workers)),
		zap.Int("dim", canonical.Dim()))

	return &TextEncoderGroup{
		canonical: canonical,
		workers:   workers,
		sem:       semaphore.NewWeighted(int64(len(workers))),
		logger:    logger,
	}, nil
}

// Canonical returns the canonical encoder. Key bank construction goes
// through it so banks are built from a single replica.
func (g *TextEncoderGroup) Canonical() TextEncoder {
	return g.canonical
}

// EncodeTokens dispatches a token batch to the next worker.
func (g *TextEncoderGroup) EncodeTokens(ctx context.Context, tokens [][]int32) ([][]float32, error) {
	worker, release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return worker.EncodeTokens(ctx, tokens)
}

// EncodePrompts dispatches a prompt batch to the next worker.
func (g *TextEncoderGroup) EncodePrompts(ctx context.Context, seqs [][][]float32) ([][]float32, error) {
	worker, release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return worker.EncodePrompts(ctx, seqs)
}

// Dim returns the joint embedding dimension.
func (g *TextEncoderGroup) Dim() int {
	return g.canonical.Dim()
}

// Close closes every worker and the canonical encoder exactly once.
func (g *TextEncoderGroup) Close() error {
	closed := make(map[TextEncoder]bool)
	var firstErr error

	for _, w := range append([]TextEncoder{g.canonical}, g.workers...) {
		if closed[w] {
			continue
		}
		closed[w] = true
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *TextEncoderGroup) acquire(ctx context.Context) (TextEncoder, func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("acquiring encoder slot: %w", err)
	}

	idx := int(g.next.Add(1) % uint64(len(g.workers)))
	g.logger.Debug("Using text encoder worker", zap.Int("workerIndex", idx))

	return g.workers[idx], func() { g.sem.Release(1) }, nil
}
