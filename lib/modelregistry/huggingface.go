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

package modelregistry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
)

// HuggingFaceClient pulls CLIP ONNX exports from HuggingFace Hub
type HuggingFaceClient struct {
	token           string
	progressHandler ProgressHandler
}

// HFClientOption configures the HuggingFace client
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient creates a new HuggingFace client
func NewHuggingFaceClient(opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHFToken sets the HuggingFace API token for gated models
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFProgressHandler sets the progress handler for downloads
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// PullFromHuggingFace downloads CLIP ONNX export files from a HuggingFace
// repo. variant is "" or "f32" for the default FP32 exports, or "quantized".
//
// The model is stored in the owner/model directory structure:
//
//	destDir/owner/model-name/
//
// A model_manifest.json is generated and saved with the model files.
func (c *HuggingFaceClient) PullFromHuggingFace(
	ctx context.Context,
	repoID string,
	destDir string,
	variant string,
) (string, error) {
	ref, err := ParseModelRef(repoID)
	if err != nil {
		return "", fmt.Errorf("parsing repo ID: %w", err)
	}

	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}

	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return "", fmt.Errorf("listing files: %w", err)
		}
		files = append(files, fileName)
	}

	toDownload := selectCLIPFiles(files, variant)
	if len(toDownload) == 0 {
		return "", fmt.Errorf("no model files found in %s", repoID)
	}

	modelDir := filepath.Join(destDir, ref.DirPath())
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	for _, fileName := range toDownload {
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}

		// Flatten path (e.g., "onnx/visual_model.onnx" -> "visual_model.onnx")
		destName := filepath.Base(fileName)
		destPath := filepath.Join(modelDir, destName)

		if c.progressHandler != nil {
			c.progressHandler(0, 0, destName)
		}

		if err := copyFile(localPath, destPath); err != nil {
			return "", fmt.Errorf("copying %s: %w", fileName, err)
		}

		if c.progressHandler != nil {
			if info, err := os.Stat(destPath); err == nil {
				c.progressHandler(info.Size(), info.Size(), destName)
			}
		}
	}

	if err := c.generateAndSaveManifest(modelDir, repoID, ref); err != nil {
		// Log warning but don't fail the download
		fmt.Printf("Warning: failed to generate manifest: %v\n", err)
	}

	return modelDir, nil
}

// generateAndSaveManifest creates a manifest for downloaded model files
func (c *HuggingFaceClient) generateAndSaveManifest(
	modelDir string,
	repoID string,
	ref ModelRef,
) error {
	files, err := ScanModelFiles(modelDir)
	if err != nil {
		return fmt.Errorf("scanning files: %w", err)
	}

	if len(files) == 0 {
		return fmt.Errorf("no files found in %s", modelDir)
	}

	manifest := &ModelManifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          ref.Name,
		Source:        repoID,
		Owner:         ref.Owner,
		Files:         files,
		Provenance: &ModelProvenance{
			DownloadedFrom: "huggingface",
			DownloadedAt:   time.Now(),
		},
	}

	manifest.Variants = discoverVariantsFromFiles(files)

	manifestPath := filepath.Join(modelDir, ManifestFilename)
	return manifest.SaveTo(manifestPath)
}

// clipModelBases are the ONNX export basenames a CLIP repo can carry.
// prompt_model accepts precomputed token embeddings instead of token ids.
var clipModelBases = []string{"visual_model", "text_model", "prompt_model"}

// selectCLIPFiles picks the tokenizer, config, and ONNX export files to
// download. The FP32 exports are always included so the repo stays usable
// without the quantized variant; "quantized" adds the quantized exports.
func selectCLIPFiles(files []string, variant string) []string {
	var result []string

	supportingFiles := []string{
		"vocab.json",
		"merges.txt",
		"tokenizer.json",
		"tokenizer_config.json",
		"special_tokens_map.json",
		"config.json",
		"clip_config.json",
		"preprocessor_config.json",
	}
	for _, sf := range supportingFiles {
		for _, f := range files {
			if filepath.Base(f) == sf {
				result = append(result, f)
				break
			}
		}
	}

	wantQuantized := variant == VariantQuantized
	for _, f := range files {
		base := filepath.Base(f)
		for _, mb := range clipModelBases {
			if base == mb+".onnx" {
				result = append(result, f)
				break
			}
			if wantQuantized && base == mb+"_quantized.onnx" {
				result = append(result, f)
				break
			}
		}
	}

	return result
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}

	return dstFile.Close()
}

// ListRepoFiles returns all files in a HuggingFace repo (useful for inspection)
func (c *HuggingFaceClient) ListRepoFiles(ctx context.Context, repoID string) ([]string, error) {
	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}

	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		files = append(files, fileName)
	}
	return files, nil
}

// DetectAvailableVariants returns which export variants are available in a repo
func (c *HuggingFaceClient) DetectAvailableVariants(ctx context.Context, repoID string) ([]string, error) {
	files, err := c.ListRepoFiles(ctx, repoID)
	if err != nil {
		return nil, err
	}

	hasF32 := false
	hasQuantized := false
	for _, f := range files {
		base := filepath.Base(f)
		for _, mb := range clipModelBases {
			if base == mb+".onnx" {
				hasF32 = true
			}
			if base == mb+"_quantized.onnx" {
				hasQuantized = true
			}
		}
	}

	variants := []string{}
	if hasF32 {
		variants = append(variants, VariantF32)
	}
	if hasQuantized {
		variants = append(variants, VariantQuantized)
	}
	return variants, nil
}

// ParseHuggingFaceRef parses a model reference like "hf:owner/repo" and returns the repo ID
func ParseHuggingFaceRef(ref string) (repoID string, isHF bool) {
	if after, ok := strings.CutPrefix(ref, "hf:"); ok {
		return after, true
	}
	return "", false
}
