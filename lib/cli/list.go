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

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/antflydb/weaver/lib/modelregistry"
)

// ListOptions contains options for listing models
type ListOptions struct {
	ModelsDir  string
	BinaryName string // Used for help messages
}

// ListCatalog prints the named checkpoints available for download.
func ListCatalog() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tFILE\tDIGEST")

	for _, name := range modelregistry.AvailableModels() {
		entry, err := modelregistry.LookupCatalog(name)
		if err != nil {
			return err
		}
		digest, err := entry.Digest()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name, entry.Filename(), digest)
	}
	return w.Flush()
}

// ListLocalModels lists locally installed models
func ListLocalModels(opts ListOptions) error {
	fmt.Printf("Local models in %s:\n\n", opts.ModelsDir)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSIZE\tVARIANTS")

	totalModels := 0

	owners, err := os.ReadDir(opts.ModelsDir)
	if err == nil {
		for _, owner := range owners {
			if !owner.IsDir() {
				continue
			}
			ownerDir := filepath.Join(opts.ModelsDir, owner.Name())
			entries, err := os.ReadDir(ownerDir)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				modelDir := filepath.Join(ownerDir, entry.Name())
				name, size, variants, ok := describeModelDir(modelDir, owner.Name()+"/"+entry.Name())
				if !ok {
					continue
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name, FormatBytes(size), strings.Join(variants, ","))
				totalModels++
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if totalModels == 0 {
		binaryName := opts.BinaryName
		if binaryName == "" {
			binaryName = "weaver"
		}
		fmt.Println("No models found locally.")
		fmt.Printf("\nUse '%s pull <model>' to download models.\n", binaryName)
		fmt.Printf("Use '%s list --catalog' to see the named checkpoints.\n", binaryName)
	}

	return nil
}

// describeModelDir summarizes one model directory. A directory counts as a
// model when it holds both CLIP encoder exports.
func describeModelDir(modelDir, displayName string) (name string, size int64, variants []string, ok bool) {
	visualInfo, err := os.Stat(filepath.Join(modelDir, "visual_model.onnx"))
	if err != nil {
		return "", 0, nil, false
	}
	textInfo, err := os.Stat(filepath.Join(modelDir, "text_model.onnx"))
	if err != nil {
		return "", 0, nil, false
	}

	size = visualInfo.Size() + textInfo.Size()
	variants = []string{modelregistry.VariantF32}

	hasQuantized := false
	files, _ := os.ReadDir(modelDir)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		fname := f.Name()
		if fname == "visual_model.onnx" || fname == "text_model.onnx" {
			continue
		}
		if info, err := f.Info(); err == nil {
			size += info.Size()
		}
		if strings.HasSuffix(fname, "_quantized.onnx") {
			hasQuantized = true
		}
	}
	if hasQuantized {
		variants = append(variants, modelregistry.VariantQuantized)
	}

	return displayName, size, variants, true
}
