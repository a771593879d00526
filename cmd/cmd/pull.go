// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antflydb/weaver/lib/cli"
	"github.com/antflydb/weaver/lib/modelregistry"
)

var pullCmd = &cobra.Command{
	Use:   "pull <model> [model...]",
	Short: "Pull model(s) from HuggingFace or the checkpoint catalog",
	Long: `Download one or more models.

An hf: reference pulls CLIP ONNX exports (visual_model.onnx,
text_model.onnx, tokenizer files) from HuggingFace into the models
directory. A bare name pulls a published checkpoint from the catalog
with sha256 verification.

Variants:
  f32        - FP32 exports (default)
  quantized  - quantized exports

Examples:
  # Pull CLIP ONNX exports from HuggingFace
  weaver pull hf:openai/clip-vit-base-patch32

  # Pull the quantized variant
  weaver pull hf:openai/clip-vit-base-patch32 --variant quantized

  # Pull a published checkpoint by catalog name
  weaver pull ViT-B/32

  # Pull to a custom directory
  weaver pull --models-dir /opt/weaver/models hf:openai/clip-vit-base-patch32`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use HF_TOKEN env var)")
	pullCmd.Flags().String("variant", "",
		"Model variant (f32, quantized)")
}

func runPull(cmd *cobra.Command, args []string) error {
	hfToken, _ := cmd.Flags().GetString("hf-token")
	variant, _ := cmd.Flags().GetString("variant")

	for _, modelRef := range args {
		fmt.Printf("\n=== Pulling %s ===\n", modelRef)

		if repoID, isHF := modelregistry.ParseHuggingFaceRef(modelRef); isHF {
			if err := cli.PullFromHuggingFace(repoID, cli.HuggingFaceOptions{
				ModelsDir: modelsDir,
				HFToken:   hfToken,
				Variant:   variant,
			}); err != nil {
				return fmt.Errorf("failed to pull %s: %w", modelRef, err)
			}
			continue
		}

		if err := cli.PullCheckpoint(modelRef, modelsDir); err != nil {
			return fmt.Errorf("failed to pull %s: %w", modelRef, err)
		}
	}

	return nil
}
