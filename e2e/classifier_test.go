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

//go:build onnx && ORT

package e2e

import (
	"context"
	"image/color"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/weaver"
)

var (
	testEntities = []string{
		"a red square",
		"a blue square",
		"a green square",
		"a bright color",
		"a dark color",
		"a geometric shape",
		"a photograph of an animal",
		"a car on the highway",
	}
	testClasses = []string{
		"a photo of something red",
		"a photo of something blue",
	}
)

// TestSoftPromptClassifierE2E runs the full pipeline against a real CLIP
// export: image encoding, entity retrieval, prompt assembly, and class
// scoring. The model is downloaded lazily from HuggingFace.
func TestSoftPromptClassifierE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	modelDir := ensureHuggingFaceModel(t, clipRepoID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger := zaptest.NewLogger(t)

	sys, err := weaver.Build(ctx, weaver.Config{
		ModelPath: modelDir,
		Entities:  testEntities,
		Classes:   testClasses,
		TopK:      4,
		Logger:    logger,
	})
	require.NoError(t, err, "Build failed")
	defer sys.Close()

	redImage := createTestImage(t, 100, 100, color.RGBA{255, 0, 0, 255})
	blueImage := createTestImage(t, 100, 100, color.RGBA{0, 0, 255, 255})

	result, err := sys.Classify(ctx, [][]byte{redImage, blueImage})
	require.NoError(t, err, "Classify failed")

	t.Run("OutputShape", func(t *testing.T) {
		require.Len(t, result.Logits, 2, "Should have logits for each input image")
		for i, logits := range result.Logits {
			assert.Len(t, logits, len(testClasses), "Image %d should have one logit per class", i)
		}

		require.Len(t, result.ChosenPhrases, 2)
		for i, phrases := range result.ChosenPhrases {
			assert.Len(t, phrases, 4, "Image %d should retrieve top-k entities", i)
			for _, phrase := range phrases {
				assert.Contains(t, testEntities, phrase)
			}
		}

		require.Len(t, result.ChosenIndices, 2)
		for i, indices := range result.ChosenIndices {
			for _, idx := range indices {
				assert.GreaterOrEqual(t, idx, 0)
				assert.Less(t, idx, len(testEntities), "Image %d index should be in bank range", i)
			}
		}
	})

	t.Run("ImageEmbeddingsNormalized", func(t *testing.T) {
		require.Len(t, result.ImageEmb, 2)
		for i, emb := range result.ImageEmb {
			var norm float64
			for _, v := range emb {
				norm += float64(v) * float64(v)
			}
			assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-3, "Image %d embedding should be unit length", i)
		}

		// A red square and a blue square are distinct images and should
		// not collapse to the same embedding.
		sim := cosineSimilarity(result.ImageEmb[0], result.ImageEmb[1])
		t.Logf("red vs blue image similarity: %.4f", sim)
		assert.Less(t, sim, 0.999)
	})

	t.Run("SemanticOrdering", func(t *testing.T) {
		// Prompts start near zero, so class scores are dominated by the
		// class text. Real CLIP should rank the matching color higher.
		redLogits := result.Logits[0]
		blueLogits := result.Logits[1]
		t.Logf("red image logits: %v", redLogits)
		t.Logf("blue image logits: %v", blueLogits)

		assert.Greater(t, redLogits[0], redLogits[1], "Red image should score the red class higher")
		assert.Greater(t, blueLogits[1], blueLogits[0], "Blue image should score the blue class higher")
	})

	t.Run("CacheAccounting", func(t *testing.T) {
		stats := sys.CacheStats()
		require.NotNil(t, stats, "Text embedding cache should be enabled by default")
		assert.Greater(t, stats.Misses, uint64(0), "Bank construction should populate the cache")
	})
}

// TestClassifierDeterminism verifies that two systems built with the same
// seed produce the same logits for the same input.
func TestClassifierDeterminism(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	modelDir := ensureHuggingFaceModel(t, clipRepoID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger := zaptest.NewLogger(t)
	img := createTestImage(t, 100, 100, color.RGBA{0, 255, 0, 255})

	cfg := weaver.Config{
		ModelPath: modelDir,
		Entities:  testEntities,
		Classes:   testClasses,
		Seed:      7,
		Logger:    logger,
	}

	first, err := weaver.Build(ctx, cfg)
	require.NoError(t, err)
	firstResult, err := first.Classify(ctx, [][]byte{img})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := weaver.Build(ctx, cfg)
	require.NoError(t, err)
	defer second.Close()
	secondResult, err := second.Classify(ctx, [][]byte{img})
	require.NoError(t, err)

	require.Len(t, secondResult.Logits, 1)
	for j := range firstResult.Logits[0] {
		assert.InDelta(t, firstResult.Logits[0][j], secondResult.Logits[0][j], 1e-3,
			"Logit %d should match across identically seeded systems", j)
	}
	assert.Equal(t, firstResult.ChosenIndices, secondResult.ChosenIndices)
	assert.Equal(t, firstResult.ChosenPhrases, secondResult.ChosenPhrases)
}

// TestStoreRoundTrip verifies that a saved prompt store reloads into an
// equivalent system.
func TestStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	modelDir := ensureHuggingFaceModel(t, clipRepoID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger := zaptest.NewLogger(t)
	img := createTestImage(t, 100, 100, color.RGBA{255, 0, 0, 255})
	storePath := filepath.Join(t.TempDir(), "prompts.bin")

	first, err := weaver.Build(ctx, weaver.Config{
		ModelPath: modelDir,
		Entities:  testEntities,
		Classes:   testClasses,
		Seed:      99,
		Logger:    logger,
	})
	require.NoError(t, err)
	firstResult, err := first.Classify(ctx, [][]byte{img})
	require.NoError(t, err)
	require.NoError(t, first.SaveStore(storePath))
	require.NoError(t, first.Close())
	require.True(t, fileExists(storePath), "Store file should exist after save")

	second, err := weaver.Build(ctx, weaver.Config{
		ModelPath: modelDir,
		Entities:  testEntities,
		Classes:   testClasses,
		StorePath: storePath,
		Logger:    logger,
	})
	require.NoError(t, err)
	defer second.Close()
	secondResult, err := second.Classify(ctx, [][]byte{img})
	require.NoError(t, err)

	for j := range firstResult.Logits[0] {
		assert.InDelta(t, firstResult.Logits[0][j], secondResult.Logits[0][j], 1e-3,
			"Logit %d should match after store reload", j)
	}
}
