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

// Package cli provides shared CLI functions for weaver model management.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antflydb/weaver/lib/modelregistry"
)

// HuggingFaceOptions contains options for pulling from HuggingFace
type HuggingFaceOptions struct {
	ModelsDir string
	HFToken   string
	Variant   string
}

// PullCheckpoint downloads a named catalog checkpoint with digest
// verification.
func PullCheckpoint(name, destDir string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	entry, err := modelregistry.LookupCatalog(name)
	if err != nil {
		return err
	}
	digest, err := entry.Digest()
	if err != nil {
		return err
	}

	fmt.Printf("Checkpoint: %s\n", entry.Name)
	fmt.Printf("Digest:     %s\n", digest)
	fmt.Println()
	fmt.Println("Downloading...")

	client := modelregistry.NewClient(
		modelregistry.WithProgressHandler(PrintProgress),
	)
	path, err := client.PullCheckpoint(ctx, name, destDir)
	if err != nil {
		return fmt.Errorf("failed to pull checkpoint: %w", err)
	}

	fmt.Printf("\n✓ Checkpoint pulled successfully to %s\n", path)
	return nil
}

// PullFromHuggingFace pulls a CLIP ONNX export from HuggingFace
func PullFromHuggingFace(repoID string, opts HuggingFaceOptions) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.Variant != "" && opts.Variant != modelregistry.VariantF32 && opts.Variant != modelregistry.VariantQuantized {
		return fmt.Errorf("invalid variant %q, valid options: f32, quantized", opts.Variant)
	}

	hfToken := opts.HFToken
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}

	client := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(hfToken),
		modelregistry.WithHFProgressHandler(PrintProgress),
	)

	fmt.Printf("Pulling from HuggingFace: %s\n", repoID)
	if opts.Variant != "" {
		fmt.Printf("Variant: %s\n", opts.Variant)
	}
	fmt.Println()
	fmt.Println("Downloading files...")

	destDir, err := client.PullFromHuggingFace(ctx, repoID, opts.ModelsDir, opts.Variant)
	if err != nil {
		return fmt.Errorf("failed to pull model: %w", err)
	}

	fmt.Printf("\n✓ Model pulled successfully to %s\n", destDir)
	return nil
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// PrintProgress prints download progress to stdout
func PrintProgress(downloaded, total int64, filename string) {
	if total <= 0 {
		fmt.Printf("\r  %s: %s", filename, FormatBytes(downloaded))
		return
	}

	percent := float64(downloaded) / float64(total) * 100
	barWidth := 30
	filled := int(float64(barWidth) * float64(downloaded) / float64(total))

	bar := strings.Repeat("=", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Printf("\r  %s: [%s] %.1f%% (%s/%s)",
		filename, bar, percent, FormatBytes(downloaded), FormatBytes(total))

	if downloaded >= total {
		fmt.Println()
	}
}
