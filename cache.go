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

package weaver

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/weaver/lib/encoders"
)

// TextEmbeddingCacheTTL is the default TTL for cached text embeddings
const TextEmbeddingCacheTTL = 2 * time.Minute

// CachedTextEncoder wraps a text encoder with caching for the token path.
// The prompt path is never cached: soft prompts change between steps, so
// identical sequences are rare and the payloads are large.
type CachedTextEncoder struct {
	encoder encoders.TextEncoder
	model   string
	cache   *ttlcache.Cache[string, [][]float32]
	sfGroup *singleflight.Group
	logger  *zap.Logger

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

var _ encoders.TextEncoder = (*CachedTextEncoder)(nil)

// NewCachedTextEncoder wraps a text encoder with caching
func NewCachedTextEncoder(
	encoder encoders.TextEncoder,
	model string,
	cache *ttlcache.Cache[string, [][]float32],
	logger *zap.Logger,
) *CachedTextEncoder {
	return &CachedTextEncoder{
		encoder: encoder,
		model:   model,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
	}
}

// EncodeTokens embeds token sequences with caching support
func (c *CachedTextEncoder) EncodeTokens(ctx context.Context, tokens [][]int32) ([][]float32, error) {
	key := c.cacheKey(tokens)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("text_embedding")
		c.logger.Debug("Text embedding cache hit",
			zap.String("model", c.model),
			zap.Int("num_embeddings", len(item.Value())))
		return item.Value(), nil
	}

	// Singleflight deduplicates concurrent identical requests
	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("text_embedding")

		start := time.Now()
		embeds, err := c.encoder.EncodeTokens(ctx, tokens)
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, embeds, ttlcache.DefaultTTL)

		c.logger.Debug("Text embeddings generated and cached",
			zap.String("model", c.model),
			zap.Int("num_embeddings", len(embeds)),
			zap.Duration("duration", time.Since(start)))

		return embeds, nil
	})

	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for text embedding request",
			zap.String("model", c.model))
	}

	return result.([][]float32), nil
}

// EncodePrompts passes through to the underlying encoder uncached.
func (c *CachedTextEncoder) EncodePrompts(ctx context.Context, seqs [][][]float32) ([][]float32, error) {
	return c.encoder.EncodePrompts(ctx, seqs)
}

// Dim returns the underlying encoder's embedding dimension
func (c *CachedTextEncoder) Dim() int {
	return c.encoder.Dim()
}

// cacheKey generates a unique cache key from model + token rows
func (c *CachedTextEncoder) cacheKey(tokens [][]int32) string {
	h := xxhash.New()

	_, _ = h.WriteString(c.model)
	_, _ = h.WriteString("|")

	var buf [4]byte
	for _, row := range tokens {
		for _, id := range row {
			binary.BigEndian.PutUint32(buf[:], uint32(id))
			_, _ = h.Write(buf[:])
		}
		_, _ = h.WriteString("|")
	}

	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	return string(sum[:])
}

// Close closes the underlying encoder
func (c *CachedTextEncoder) Close() error {
	return c.encoder.Close()
}

// Stats returns cache statistics for this encoder
func (c *CachedTextEncoder) Stats() TextEncoderCacheStats {
	return TextEncoderCacheStats{
		Model:            c.model,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// TextEncoderCacheStats holds cache statistics for a text encoder
type TextEncoderCacheStats struct {
	Model            string `json:"model"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// TextEmbeddingCache manages caching for wrapped text encoders
type TextEmbeddingCache struct {
	cache  *ttlcache.Cache[string, [][]float32]
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewTextEmbeddingCache creates a new text embedding cache
func NewTextEmbeddingCache(ttl time.Duration, logger *zap.Logger) *TextEmbeddingCache {
	if ttl <= 0 {
		ttl = TextEmbeddingCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, [][]float32](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	tc := &TextEmbeddingCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}

	go tc.logStats(ctx)

	return tc
}

// WrapTextEncoder wraps a text encoder with caching
func (tc *TextEmbeddingCache) WrapTextEncoder(encoder encoders.TextEncoder, model string) *CachedTextEncoder {
	return NewCachedTextEncoder(encoder, model, tc.cache, tc.logger.Named(model))
}

// Close stops the cache
func (tc *TextEmbeddingCache) Close() {
	tc.cancel()
	tc.cache.Stop()
}

// logStats logs cache statistics periodically
func (tc *TextEmbeddingCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := tc.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				hitRate := float64(0)
				total := metrics.Hits + metrics.Misses
				if total > 0 {
					hitRate = float64(metrics.Hits) / float64(total) * 100
				}
				tc.logger.Info("Text embedding cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", tc.cache.Len()))
			}
		}
	}
}

// Stats returns global cache statistics
func (tc *TextEmbeddingCache) Stats() map[string]any {
	metrics := tc.cache.Metrics()
	return map[string]any{
		"hits":   metrics.Hits,
		"misses": metrics.Misses,
		"items":  tc.cache.Len(),
	}
}
