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
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func sha256Digest(data []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(data))
}

func TestDownloadURLVerifiesDigest(t *testing.T) {
	content := []byte("model bytes")
	var requests atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	client := NewClient()
	file := ModelFile{Name: "visual_model.onnx", Digest: sha256Digest(content), Size: int64(len(content))}

	if err := client.downloadURL(context.Background(), srv.URL, file, dir); err != nil {
		t.Fatalf("downloadURL() error = %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, file.Name))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(content) {
		t.Errorf("downloaded content = %q, want %q", data, content)
	}
}

func TestDownloadURLSkipsExistingFile(t *testing.T) {
	content := []byte("already here")
	var requests atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "text_model.onnx"), content, 0644); err != nil {
		t.Fatal(err)
	}

	client := NewClient()
	file := ModelFile{Name: "text_model.onnx", Digest: sha256Digest(content), Size: int64(len(content))}

	if err := client.downloadURL(context.Background(), srv.URL, file, dir); err != nil {
		t.Fatalf("downloadURL() error = %v", err)
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("requests = %d, want 0 for an already verified file", got)
	}
}

func TestDownloadURLRefetchesOnceOnMismatch(t *testing.T) {
	good := []byte("good payload")
	corrupt := []byte("corrupt payload")
	var requests atomic.Int64

	// First response is corrupt, second is good.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			_, _ = w.Write(corrupt)
			return
		}
		_, _ = w.Write(good)
	}))
	defer srv.Close()

	dir := t.TempDir()
	client := NewClient()
	file := ModelFile{Name: "visual_model.onnx", Digest: sha256Digest(good)}

	if err := client.downloadURL(context.Background(), srv.URL, file, dir); err != nil {
		t.Fatalf("downloadURL() error = %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, file.Name))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(good) {
		t.Errorf("downloaded content = %q, want %q", data, good)
	}
}

func TestDownloadURLIntegrityErrorAfterRefetch(t *testing.T) {
	corrupt := []byte("corrupt payload")
	expected := sha256Digest([]byte("what we wanted"))
	var requests atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write(corrupt)
	}))
	defer srv.Close()

	dir := t.TempDir()
	client := NewClient()
	file := ModelFile{Name: "visual_model.onnx", Digest: expected}

	err := client.downloadURL(context.Background(), srv.URL, file, dir)
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("downloadURL() error = %v, want *IntegrityError", err)
	}
	if integrityErr.Expected != expected {
		t.Errorf("Expected = %v, want %v", integrityErr.Expected, expected)
	}
	if integrityErr.Actual != sha256Digest(corrupt) {
		t.Errorf("Actual = %v, want %v", integrityErr.Actual, sha256Digest(corrupt))
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want exactly 2", got)
	}
	// The corrupt file must not be left behind.
	if _, err := os.Stat(filepath.Join(dir, file.Name)); !os.IsNotExist(err) {
		t.Error("corrupt file should be removed after integrity failure")
	}
}

func TestDownloadURLSizeMismatch(t *testing.T) {
	content := []byte("short")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	client := NewClient()
	file := ModelFile{Name: "visual_model.onnx", Digest: sha256Digest(content), Size: 9999}

	if err := client.downloadURL(context.Background(), srv.URL, file, dir); err == nil {
		t.Error("downloadURL() expected size mismatch error, got nil")
	}
}

func TestDownloadURLReportsProgress(t *testing.T) {
	content := []byte("progress payload")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	var lastDownloaded, lastTotal int64
	var lastFilename string
	client := NewClient(WithProgressHandler(func(downloaded, total int64, filename string) {
		lastDownloaded = downloaded
		lastTotal = total
		lastFilename = filename
	}))

	file := ModelFile{Name: "text_model.onnx", Digest: sha256Digest(content), Size: int64(len(content))}
	if err := client.downloadURL(context.Background(), srv.URL, file, t.TempDir()); err != nil {
		t.Fatalf("downloadURL() error = %v", err)
	}

	if lastDownloaded != int64(len(content)) || lastTotal != int64(len(content)) {
		t.Errorf("progress = %d/%d, want %d/%d", lastDownloaded, lastTotal, len(content), len(content))
	}
	if lastFilename != file.Name {
		t.Errorf("progress filename = %v, want %v", lastFilename, file.Name)
	}
}

func TestPullCheckpointRejectsNonRegularFile(t *testing.T) {
	dir := t.TempDir()
	// Occupy the destination path with a directory.
	if err := os.MkdirAll(filepath.Join(dir, "RN50.pt"), 0755); err != nil {
		t.Fatal(err)
	}

	client := NewClient()
	_, err := client.PullCheckpoint(context.Background(), "RN50", dir)
	if err == nil {
		t.Fatal("PullCheckpoint() expected error for non-regular destination")
	}
	if !strings.Contains(err.Error(), "exists and is not a regular file") {
		t.Errorf("error = %q, want mention of non-regular file", err)
	}
}

func TestPullCheckpointUnknownModel(t *testing.T) {
	client := NewClient()
	if _, err := client.PullCheckpoint(context.Background(), "ViT-H/14", t.TempDir()); err == nil {
		t.Error("PullCheckpoint() expected error for unknown model")
	}
}

func TestPullModel(t *testing.T) {
	visual := []byte("visual export")
	text := []byte("text export")
	vocab := []byte("{}")
	textQuantized := []byte("quantized text export")

	blobs := map[string][]byte{
		"/visual_model.onnx":         visual,
		"/text_model.onnx":           text,
		"/vocab.json":                vocab,
		"/text_model_quantized.onnx": textQuantized,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := blobs[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	manifest := &ModelManifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          "clip-vit-base-patch32",
		Owner:         "openai",
		Files: []ModelFile{
			{Name: "visual_model.onnx", Digest: sha256Digest(visual), Size: int64(len(visual))},
			{Name: "text_model.onnx", Digest: sha256Digest(text), Size: int64(len(text))},
			{Name: "vocab.json", Digest: sha256Digest(vocab), Size: int64(len(vocab))},
		},
		Variants: map[string]VariantEntry{
			VariantQuantized: {Files: []ModelFile{
				{Name: "text_model_quantized.onnx", Digest: sha256Digest(textQuantized), Size: int64(len(textQuantized))},
			}},
		},
	}

	modelsDir := t.TempDir()
	client := NewClient()
	if err := client.PullModel(context.Background(), manifest, srv.URL, modelsDir, []string{VariantF32, VariantQuantized}); err != nil {
		t.Fatalf("PullModel() error = %v", err)
	}

	modelDir := filepath.Join(modelsDir, "openai", "clip-vit-base-patch32")
	for name, want := range map[string][]byte{
		"visual_model.onnx":         visual,
		"text_model.onnx":           text,
		"vocab.json":                vocab,
		"text_model_quantized.onnx": textQuantized,
	} {
		data, err := os.ReadFile(filepath.Join(modelDir, name))
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if string(data) != string(want) {
			t.Errorf("%s content = %q, want %q", name, data, want)
		}
	}
}
