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
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ModelFile represents a single file in the model manifest
type ModelFile struct {
	// Name is the filename (e.g., "visual_model.onnx", "tokenizer.json")
	Name string `json:"name"`
	// Digest is the SHA256 hash of the file (e.g., "sha256:abc123...")
	Digest string `json:"digest"`
	// Size is the file size in bytes
	Size int64 `json:"size"`
}

// ModelProvenance tracks model origin and download metadata
type ModelProvenance struct {
	// DownloadedFrom is the source: "catalog", "huggingface", "local"
	DownloadedFrom string `json:"downloadedFrom"`
	// DownloadedAt is when the model was downloaded
	DownloadedAt time.Time `json:"downloadedAt"`
	// HuggingFaceCommit is the HF commit hash if from HuggingFace
	HuggingFaceCommit string `json:"huggingfaceCommit,omitempty"`
}

// Variant identifiers for model precision variants
const (
	// VariantF32 is the default FP32 model set
	VariantF32 = "f32"
	// VariantQuantized is the quantized model set
	VariantQuantized = "quantized"
)

// CurrentSchemaVersion is the current manifest schema version
const CurrentSchemaVersion = 1

// ModelManifest describes a CLIP model export and its files. Every model
// ships a visual encoder and a text encoder; a prompt encoder accepting
// precomputed embeddings is optional.
type ModelManifest struct {
	// SchemaVersion is the manifest format version
	SchemaVersion int `json:"schemaVersion"`
	// Name is the model identifier (e.g., "clip-vit-base-patch32")
	Name string `json:"name"`
	// Source is the full owner/model identifier from HuggingFace
	Source string `json:"source,omitempty"`
	// Owner is the namespace/organization (e.g., "openai")
	Owner string `json:"owner,omitempty"`
	// Description is a human-readable description
	Description string `json:"description,omitempty"`
	// Files lists all required files for the model
	Files []ModelFile `json:"files"`
	// Variants maps variant identifiers to their model files
	Variants map[string]VariantEntry `json:"variants,omitempty"`
	// Provenance tracks where/when the model was obtained
	Provenance *ModelProvenance `json:"provenance,omitempty"`
}

// VariantEntry holds the model files belonging to one variant.
type VariantEntry struct {
	Files []ModelFile
}

// UnmarshalJSON handles both an array of files and a single file object.
func (v *VariantEntry) UnmarshalJSON(data []byte) error {
	var files []ModelFile
	if err := json.Unmarshal(data, &files); err == nil {
		v.Files = files
		return nil
	}

	var file ModelFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	v.Files = []ModelFile{file}
	return nil
}

// MarshalJSON serializes the variant entry
func (v VariantEntry) MarshalJSON() ([]byte, error) {
	if len(v.Files) == 1 {
		return json.Marshal(v.Files[0])
	}
	return json.Marshal(v.Files)
}

// isModelFile reports whether a filename is an ONNX model export.
func isModelFile(name string) bool {
	return strings.HasSuffix(name, ".onnx")
}

// FullName returns the full owner/name format (e.g., "openai/clip-vit-base-patch32")
// Falls back to just Name if Owner is empty.
// NOTE: Use DirPath() for filesystem operations to ensure cross-platform compatibility.
func (m *ModelManifest) FullName() string {
	if m.Owner != "" {
		return m.Owner + "/" + m.Name
	}
	return m.Name
}

// DirPath returns the directory path for this model using platform-appropriate separators.
func (m *ModelManifest) DirPath() string {
	if m.Owner != "" {
		return filepath.Join(m.Owner, m.Name)
	}
	return m.Name
}

// HasVariant returns true if the manifest carries the given variant.
func (m *ModelManifest) HasVariant(variant string) bool {
	if variant == "" || variant == VariantF32 {
		return true
	}
	_, ok := m.Variants[variant]
	return ok
}

// Validate checks that the manifest is well-formed
func (m *ModelManifest) Validate() error {
	if m.SchemaVersion < 1 || m.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %d (expected 1-%d)", m.SchemaVersion, CurrentSchemaVersion)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest missing required field: name")
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest must have at least one file")
	}

	hasVisualOnnx := false
	hasTextOnnx := false
	for _, f := range m.Files {
		switch f.Name {
		case "visual_model.onnx":
			hasVisualOnnx = true
		case "text_model.onnx":
			hasTextOnnx = true
		}
		if f.Name == "" {
			return fmt.Errorf("file entry missing name")
		}
		if f.Digest == "" {
			return fmt.Errorf("file %s missing digest", f.Name)
		}
		if !strings.HasPrefix(f.Digest, "sha256:") {
			return fmt.Errorf("file %s has invalid digest format (expected sha256:...)", f.Name)
		}
	}

	if !hasVisualOnnx || !hasTextOnnx {
		return fmt.Errorf("manifest must include visual_model.onnx and text_model.onnx")
	}

	for variantID, variantEntry := range m.Variants {
		if !isValidVariantID(variantID) {
			return fmt.Errorf("unknown variant identifier: %s (valid: %v)", variantID, validVariantIDs())
		}
		if len(variantEntry.Files) == 0 {
			return fmt.Errorf("variant %s has no files", variantID)
		}
		for _, variantFile := range variantEntry.Files {
			if variantFile.Name == "" {
				return fmt.Errorf("variant %s file missing name", variantID)
			}
			if variantFile.Digest == "" {
				return fmt.Errorf("variant %s file missing digest", variantID)
			}
		}
	}

	return nil
}

// ParseManifest parses a JSON manifest
func ParseManifest(data []byte) (*ModelManifest, error) {
	var manifest ModelManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ManifestFilename is the standard filename for model manifests
const ManifestFilename = "model_manifest.json"

// SaveTo writes the manifest to a file as JSON
func (m *ModelManifest) SaveTo(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// LoadManifestFromFile loads and validates a manifest from a file
func LoadManifestFromFile(path string) (*ModelManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// LoadManifestFromDir loads a manifest from a model directory
// Looks for ManifestFilename in the directory
func LoadManifestFromDir(modelDir string) (*ModelManifest, error) {
	return LoadManifestFromFile(filepath.Join(modelDir, ManifestFilename))
}

// ComputeFileDigest computes the SHA256 digest of a file in "sha256:..." format
func ComputeFileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}

	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

// ScanModelFiles scans a directory and returns ModelFile entries for all files
func ScanModelFiles(modelDir string) ([]ModelFile, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var files []ModelFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// Skip the manifest itself
		if entry.Name() == ManifestFilename {
			continue
		}

		filePath := filepath.Join(modelDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		digest, err := ComputeFileDigest(filePath)
		if err != nil {
			continue
		}

		files = append(files, ModelFile{
			Name:   entry.Name(),
			Digest: digest,
			Size:   info.Size(),
		})
	}

	return files, nil
}

// GenerateManifestFromDir creates a new manifest by scanning a model directory
func GenerateManifestFromDir(modelDir, owner, name string) (*ModelManifest, error) {
	files, err := ScanModelFiles(modelDir)
	if err != nil {
		return nil, fmt.Errorf("scanning files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no model files found in directory")
	}

	source := name
	if owner != "" {
		source = owner + "/" + name
	}

	manifest := &ModelManifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          name,
		Source:        source,
		Owner:         owner,
		Files:         files,
		Provenance: &ModelProvenance{
			DownloadedFrom: "local",
			DownloadedAt:   time.Now(),
		},
	}

	manifest.Variants = discoverVariantsFromFiles(files)

	return manifest, nil
}

// discoverVariantsFromFiles groups quantized ONNX exports into a variant.
func discoverVariantsFromFiles(files []ModelFile) map[string]VariantEntry {
	var quantized []ModelFile
	for _, f := range files {
		if isModelFile(f.Name) && strings.HasSuffix(f.Name, "_quantized.onnx") {
			quantized = append(quantized, f)
		}
	}
	if len(quantized) == 0 {
		return nil
	}
	return map[string]VariantEntry{
		VariantQuantized: {Files: quantized},
	}
}
