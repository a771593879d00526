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
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antflydb/antfly-go/libaf/json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antflydb/weaver"
)

var classifyOpts struct {
	model        string
	modelPath    string
	hfToken      string
	entities     []string
	entitiesFile string
	classes      []string
	classesFile  string
	storePath    string
	topK         int
	promptTokens int
	seed         int64
	quantized    bool
	backend      string
	vision       string
	replicas     int
	outputJSON   bool
}

var classifyCmd = &cobra.Command{
	Use:   "classify <image> [image...]",
	Short: "Classify images with soft-prompt retrieval",
	Long: `Classify one or more images using entity retrieval and learned soft prompts.

Each image is encoded, matched against the entity vocabulary, and scored
against the class vocabulary. Output is the per-class logits and the
predicted class for each image.

Examples:
  # Classify with a local model directory
  weaver classify --model-path ./models/clip --entities cat,dog,bird --classes pet,wild photo.jpg

  # Classify with a pulled HuggingFace model and a trained prompt store
  weaver classify --model hf:openai/clip-vit-base-patch32 \
    --entities-file entities.txt --classes-file classes.txt \
    --store prompts.bin photo1.jpg photo2.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().StringVar(&classifyOpts.model, "model", "", "model reference (e.g. hf:openai/clip-vit-base-patch32)")
	classifyCmd.Flags().StringVar(&classifyOpts.modelPath, "model-path", "", "path to a local model directory (overrides --model)")
	classifyCmd.Flags().StringVar(&classifyOpts.hfToken, "hf-token", "", "HuggingFace API token (or set HF_TOKEN env var)")
	classifyCmd.Flags().StringSliceVar(&classifyOpts.entities, "entities", nil, "entity vocabulary (comma-separated)")
	classifyCmd.Flags().StringVar(&classifyOpts.entitiesFile, "entities-file", "", "file with one entity per line")
	classifyCmd.Flags().StringSliceVar(&classifyOpts.classes, "classes", nil, "class vocabulary (comma-separated)")
	classifyCmd.Flags().StringVar(&classifyOpts.classesFile, "classes-file", "", "file with one class per line")
	classifyCmd.Flags().StringVar(&classifyOpts.storePath, "store", "", "path to a saved prompt store")
	classifyCmd.Flags().IntVar(&classifyOpts.topK, "top-k", weaver.DefaultTopK, "number of entities retrieved per image")
	classifyCmd.Flags().IntVar(&classifyOpts.promptTokens, "prompt-tokens", weaver.DefaultPromptTokens, "soft prompt tokens per entity")
	classifyCmd.Flags().Int64Var(&classifyOpts.seed, "seed", weaver.DefaultSeed, "seed for prompt store initialization")
	classifyCmd.Flags().BoolVar(&classifyOpts.quantized, "quantized", false, "use the quantized model variant")
	classifyCmd.Flags().StringVar(&classifyOpts.backend, "backend", "", "inference backend spec (e.g. onnx:auto, onnx:cuda)")
	classifyCmd.Flags().StringVar(&classifyOpts.vision, "vision", "", "vision runtime: hugot (default) or ort")
	classifyCmd.Flags().IntVar(&classifyOpts.replicas, "replicas", 0, "extra text encoder replicas")
	classifyCmd.Flags().BoolVar(&classifyOpts.outputJSON, "json", false, "emit results as JSON")
}

func runClassify(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	entities, err := resolveVocabulary(classifyOpts.entities, classifyOpts.entitiesFile)
	if err != nil {
		return fmt.Errorf("resolving entities: %w", err)
	}
	classes, err := resolveVocabulary(classifyOpts.classes, classifyOpts.classesFile)
	if err != nil {
		return fmt.Errorf("resolving classes: %w", err)
	}

	hfToken := classifyOpts.hfToken
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}

	start := time.Now()
	sys, err := weaver.Build(ctx, weaver.Config{
		ModelPath:    classifyOpts.modelPath,
		Model:        classifyOpts.model,
		ModelsDir:    modelsDir,
		HFToken:      hfToken,
		Entities:     entities,
		Classes:      classes,
		PromptTokens: classifyOpts.promptTokens,
		TopK:         classifyOpts.topK,
		Seed:         classifyOpts.seed,
		StorePath:    classifyOpts.storePath,
		Quantized:    classifyOpts.quantized,
		Backend:      classifyOpts.backend,
		Vision:       weaver.VisionRuntime(classifyOpts.vision),
		Replicas:     classifyOpts.replicas,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("building classifier: %w", err)
	}
	defer func() {
		_ = sys.Close()
	}()
	logger.Info("Classifier ready",
		zap.String("model", sys.ModelName()),
		zap.Duration("load_time", time.Since(start)))

	images := make([][]byte, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading image %s: %w", path, err)
		}
		images = append(images, data)
	}

	result, err := sys.Classify(ctx, images)
	if err != nil {
		return fmt.Errorf("classifying: %w", err)
	}

	if classifyOpts.outputJSON {
		return printClassifyJSON(args, classes, result.Logits, result.ChosenPhrases)
	}
	printClassifyText(args, classes, result.Logits, result.ChosenPhrases)
	return nil
}

// resolveVocabulary merges flag values with an optional newline-separated
// file. Blank lines and leading/trailing whitespace are dropped.
func resolveVocabulary(flagValues []string, file string) ([]string, error) {
	values := make([]string, 0, len(flagValues))
	values = append(values, flagValues...)

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				values = append(values, line)
			}
		}
	}
	return values, nil
}

type classifyOutput struct {
	Image       string             `json:"image"`
	Predicted   string             `json:"predicted"`
	Scores      map[string]float32 `json:"scores"`
	EntitiesHit []string           `json:"entities,omitempty"`
}

func printClassifyJSON(paths, classes []string, logits [][]float32, chosenPhrases [][]string) error {
	outputs := make([]classifyOutput, len(paths))
	for i, path := range paths {
		scores := make(map[string]float32, len(classes))
		for j, class := range classes {
			scores[class] = logits[i][j]
		}
		out := classifyOutput{
			Image:     path,
			Predicted: classes[argmax(logits[i])],
			Scores:    scores,
		}
		if i < len(chosenPhrases) {
			out.EntitiesHit = chosenPhrases[i]
		}
		outputs[i] = out
	}

	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = os.Stdout.Write(data)
	return err
}

func printClassifyText(paths, classes []string, logits [][]float32, chosenPhrases [][]string) {
	for i, path := range paths {
		best := argmax(logits[i])
		fmt.Printf("%s: %s\n", path, classes[best])
		if i < len(chosenPhrases) && len(chosenPhrases[i]) > 0 {
			fmt.Printf("  entities: %s\n", strings.Join(chosenPhrases[i], ", "))
		}
		for j, class := range classes {
			marker := " "
			if j == best {
				marker = "*"
			}
			fmt.Printf("  %s %-20s %8.4f\n", marker, class, logits[i][j])
		}
	}
}

func argmax(scores []float32) int {
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best
}
