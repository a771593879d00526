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
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestParseManifest(t *testing.T) {
	validManifest := `{
		"schemaVersion": 1,
		"name": "clip-vit-base-patch32",
		"owner": "openai",
		"description": "CLIP ViT-B/32 ONNX export",
		"files": [
			{"name": "visual_model.onnx", "digest": "sha256:abc123", "size": 12345},
			{"name": "text_model.onnx", "digest": "sha256:def456", "size": 12345},
			{"name": "vocab.json", "digest": "sha256:aaa111", "size": 1000},
			{"name": "merges.txt", "digest": "sha256:bbb222", "size": 1000}
		],
		"variants": {
			"quantized": [
				{"name": "visual_model_quantized.onnx", "digest": "sha256:ghi789", "size": 6789},
				{"name": "text_model_quantized.onnx", "digest": "sha256:jkl012", "size": 6789}
			]
		}
	}`

	t.Run("valid manifest", func(t *testing.T) {
		manifest, err := ParseManifest([]byte(validManifest))
		if err != nil {
			t.Fatalf("ParseManifest() error = %v", err)
		}

		if manifest.Name != "clip-vit-base-patch32" {
			t.Errorf("Name = %v, want clip-vit-base-patch32", manifest.Name)
		}
		if manifest.FullName() != "openai/clip-vit-base-patch32" {
			t.Errorf("FullName() = %v, want openai/clip-vit-base-patch32", manifest.FullName())
		}
		if len(manifest.Files) != 4 {
			t.Errorf("len(Files) = %v, want 4", len(manifest.Files))
		}
		entry, ok := manifest.Variants[VariantQuantized]
		if !ok {
			t.Fatal("Variants should contain 'quantized' key")
		}
		if len(entry.Files) != 2 {
			t.Errorf("len(variant files) = %v, want 2", len(entry.Files))
		}
		if !manifest.HasVariant(VariantQuantized) {
			t.Error("HasVariant(quantized) = false, want true")
		}
		if !manifest.HasVariant(VariantF32) {
			t.Error("HasVariant(f32) = false, want true")
		}
	})

	t.Run("single file variant", func(t *testing.T) {
		singleVariant := `{
			"schemaVersion": 1,
			"name": "m",
			"files": [
				{"name": "visual_model.onnx", "digest": "sha256:a", "size": 1},
				{"name": "text_model.onnx", "digest": "sha256:b", "size": 1}
			],
			"variants": {
				"quantized": {"name": "text_model_quantized.onnx", "digest": "sha256:c", "size": 1}
			}
		}`
		manifest, err := ParseManifest([]byte(singleVariant))
		if err != nil {
			t.Fatalf("ParseManifest() error = %v", err)
		}
		if len(manifest.Variants[VariantQuantized].Files) != 1 {
			t.Errorf("len(variant files) = %v, want 1", len(manifest.Variants[VariantQuantized].Files))
		}
	})

	invalidManifests := []struct {
		name string
		json string
	}{
		{
			"missing name",
			`{"schemaVersion": 1, "files": [{"name": "visual_model.onnx", "digest": "sha256:a", "size": 1}, {"name": "text_model.onnx", "digest": "sha256:b", "size": 1}]}`,
		},
		{
			"no files",
			`{"schemaVersion": 1, "name": "m", "files": []}`,
		},
		{
			"missing text model",
			`{"schemaVersion": 1, "name": "m", "files": [{"name": "visual_model.onnx", "digest": "sha256:a", "size": 1}]}`,
		},
		{
			"bad digest format",
			`{"schemaVersion": 1, "name": "m", "files": [{"name": "visual_model.onnx", "digest": "md5:a", "size": 1}, {"name": "text_model.onnx", "digest": "sha256:b", "size": 1}]}`,
		},
		{
			"unknown variant",
			`{"schemaVersion": 1, "name": "m", "files": [{"name": "visual_model.onnx", "digest": "sha256:a", "size": 1}, {"name": "text_model.onnx", "digest": "sha256:b", "size": 1}], "variants": {"i4": {"name": "x.onnx", "digest": "sha256:c", "size": 1}}}`,
		},
		{
			"unsupported schema version",
			`{"schemaVersion": 9, "name": "m", "files": [{"name": "visual_model.onnx", "digest": "sha256:a", "size": 1}, {"name": "text_model.onnx", "digest": "sha256:b", "size": 1}]}`,
		},
	}

	for _, tt := range invalidManifests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tt.json)); err == nil {
				t.Error("ParseManifest() expected error, got nil")
			}
		})
	}
}

func TestManifestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()

	manifest := &ModelManifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          "clip-vit-base-patch32",
		Owner:         "openai",
		Files: []ModelFile{
			{Name: "visual_model.onnx", Digest: "sha256:abc", Size: 10},
			{Name: "text_model.onnx", Digest: "sha256:def", Size: 10},
		},
	}

	path := filepath.Join(dir, ManifestFilename)
	if err := manifest.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}

	loaded, err := LoadManifestFromDir(dir)
	if err != nil {
		t.Fatalf("LoadManifestFromDir() error = %v", err)
	}
	if loaded.Name != manifest.Name || loaded.Owner != manifest.Owner {
		t.Errorf("loaded = %s/%s, want %s/%s", loaded.Owner, loaded.Name, manifest.Owner, manifest.Name)
	}
	if len(loaded.Files) != 2 {
		t.Errorf("len(Files) = %v, want 2", len(loaded.Files))
	}
}

func TestGenerateManifestFromDir(t *testing.T) {
	dir := t.TempDir()

	fileContents := map[string]string{
		"visual_model.onnx":           "visual bytes",
		"text_model.onnx":             "text bytes",
		"visual_model_quantized.onnx": "quantized visual bytes",
		"text_model_quantized.onnx":   "quantized text bytes",
		"vocab.json":                  "{}",
		"merges.txt":                  "#version",
	}
	for name, content := range fileContents {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	manifest, err := GenerateManifestFromDir(dir, "openai", "clip-vit-base-patch32")
	if err != nil {
		t.Fatalf("GenerateManifestFromDir() error = %v", err)
	}

	if manifest.Source != "openai/clip-vit-base-patch32" {
		t.Errorf("Source = %v, want openai/clip-vit-base-patch32", manifest.Source)
	}
	if len(manifest.Files) != len(fileContents) {
		t.Errorf("len(Files) = %v, want %v", len(manifest.Files), len(fileContents))
	}

	// Each digest must be the real sha256 of the file contents.
	for _, f := range manifest.Files {
		want := fmt.Sprintf("sha256:%x", sha256.Sum256([]byte(fileContents[f.Name])))
		if f.Digest != want {
			t.Errorf("digest for %s = %v, want %v", f.Name, f.Digest, want)
		}
	}

	entry, ok := manifest.Variants[VariantQuantized]
	if !ok {
		t.Fatal("expected quantized variant to be discovered")
	}
	if len(entry.Files) != 2 {
		t.Errorf("len(quantized files) = %v, want 2", len(entry.Files))
	}
	if err := manifest.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSelectCLIPFiles(t *testing.T) {
	repoFiles := []string{
		"README.md",
		"vocab.json",
		"merges.txt",
		"tokenizer.json",
		"config.json",
		"onnx/visual_model.onnx",
		"onnx/text_model.onnx",
		"onnx/prompt_model.onnx",
		"onnx/visual_model_quantized.onnx",
		"onnx/text_model_quantized.onnx",
		"pytorch_model.bin",
	}

	t.Run("default variant", func(t *testing.T) {
		got := selectCLIPFiles(repoFiles, "")
		for _, f := range got {
			if filepath.Ext(f) == ".bin" || filepath.Base(f) == "README.md" {
				t.Errorf("selected unexpected file %s", f)
			}
			if filepath.Base(f) == "visual_model_quantized.onnx" {
				t.Errorf("selected quantized file %s without quantized variant", f)
			}
		}
		want := map[string]bool{
			"vocab.json": true, "merges.txt": true, "tokenizer.json": true, "config.json": true,
			"onnx/visual_model.onnx": true, "onnx/text_model.onnx": true, "onnx/prompt_model.onnx": true,
		}
		if len(got) != len(want) {
			t.Fatalf("selected %v, want %d files", got, len(want))
		}
		for _, f := range got {
			if !want[f] {
				t.Errorf("unexpected selection %s", f)
			}
		}
	})

	t.Run("quantized variant", func(t *testing.T) {
		got := selectCLIPFiles(repoFiles, VariantQuantized)
		found := false
		for _, f := range got {
			if filepath.Base(f) == "visual_model_quantized.onnx" {
				found = true
			}
		}
		if !found {
			t.Error("quantized variant should select visual_model_quantized.onnx")
		}
	})
}
