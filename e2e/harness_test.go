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

package e2e

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/antflydb/weaver/lib/modelregistry"
)

const (
	// CLIP model repository used by all e2e tests
	clipRepoID = "openai/clip-vit-base-patch32"
)

// testModelsDir is the shared models directory for all e2e tests
var testModelsDir string

// modelDownloadMutex ensures only one model downloads at a time to avoid
// duplicate downloads and provide clearer progress output
var modelDownloadMutex sync.Mutex

// TestMain sets up the e2e test environment (models directory only - downloads are lazy)
func TestMain(m *testing.M) {
	// Use WEAVER_MODELS_DIR if set, otherwise use a temp directory
	testModelsDir = os.Getenv("WEAVER_MODELS_DIR")
	if testModelsDir == "" {
		var err error
		testModelsDir, err = os.MkdirTemp("", "weaver-e2e-models-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create temp models dir: %v\n", err)
			os.Exit(1)
		}
		// Clean up temp directory after tests (unless KEEP_TEST_MODELS is set)
		if os.Getenv("KEEP_TEST_MODELS") != "true" {
			defer os.RemoveAll(testModelsDir)
		}
	}

	fmt.Printf("E2E Test Setup: Using models directory: %s\n", testModelsDir)
	fmt.Printf("E2E Test Setup: Models will be downloaded lazily as needed by each test\n")

	code := m.Run()
	os.Exit(code)
}

// ensureHuggingFaceModel downloads a CLIP export from HuggingFace if not present.
// It is safe to call from multiple tests - only downloads once.
// Returns the local model directory.
func ensureHuggingFaceModel(t *testing.T, repoID string) string {
	t.Helper()

	modelDownloadMutex.Lock()
	defer modelDownloadMutex.Unlock()

	ref, err := modelregistry.ParseModelRef(repoID)
	if err != nil {
		t.Fatalf("Failed to parse model reference %s: %v", repoID, err)
	}
	modelPath := filepath.Join(testModelsDir, ref.DirPath())

	if _, err := os.Stat(modelPath); err == nil {
		t.Logf("Model %s already exists at %s", repoID, modelPath)
		return modelPath
	}

	t.Logf("Downloading model from HuggingFace: %s", repoID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	// Track download progress per file (only log at milestones)
	lastMilestone := make(map[string]int)
	hfClient := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(os.Getenv("HF_TOKEN")),
		modelregistry.WithHFProgressHandler(func(downloaded, total int64, filename string) {
			if total > 0 {
				percent := float64(downloaded) / float64(total) * 100
				milestone := int(percent / 25)
				if milestone > lastMilestone[filename] || (downloaded == total && lastMilestone[filename] < 4) {
					lastMilestone[filename] = milestone
					t.Logf("  %s: %.0f%%", filename, percent)
				}
			}
		}),
	)

	modelDir, err := hfClient.PullFromHuggingFace(ctx, repoID, testModelsDir, modelregistry.VariantF32)
	if err != nil {
		t.Fatalf("Failed to pull HuggingFace model %s: %v", repoID, err)
	}

	t.Logf("Successfully downloaded model to %s", modelDir)
	return modelDir
}

// getTestModelsDir returns the shared models directory for tests
func getTestModelsDir() string {
	return testModelsDir
}

// createTestImage creates a PNG image with the specified dimensions and color
func createTestImage(t *testing.T, width, height int, c color.Color) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}

	return buf.Bytes()
}

// cosineSimilarity computes cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
