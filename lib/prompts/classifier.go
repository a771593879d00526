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

package prompts

import (
	"context"
	"fmt"
	"math"

	"github.com/antflydb/weaver/lib/encoders"
	"go.uber.org/zap"
)

// ClassifierConfig configures a Classifier.
type ClassifierConfig struct {
	ImageEncoder encoders.ImageEncoder
	TextEncoder  encoders.TextEncoder
	Bank         *KeyBank
	Store        *Store
	ClassCount   int
	TopK         int
	Logger       *zap.Logger
}

// Classifier is the soft-prompt classification head. Per image it retrieves
// the TopK most similar entity keys, assembles their prompt blocks into a
// text-encoder input, and scores the resulting text embeddings against the
// image embedding with the learned logit scale. Both encoders are frozen;
// the prompt store is the only learnable state.
type Classifier struct {
	imageEnc  encoders.ImageEncoder
	textEnc   encoders.TextEncoder
	store     *Store
	selector  *Selector
	assembler *Assembler

	classCount int
	topK       int
	logger     *zap.Logger
}

// Result holds the per-image outputs of a forward pass. ChosenKeys and
// ChosenIndices are exposed for auxiliary losses computed outside the head.
type Result struct {
	// Logits is [batch][classCount] scaled cosine similarities.
	Logits [][]float32
	// ImageEmb is the normalized image embeddings, [batch][dim].
	ImageEmb [][]float32
	// ChosenIndices is the selected entity indices per image, in
	// descending similarity order.
	ChosenIndices [][]int
	// ChosenKeys is the selected entity key vectors per image.
	ChosenKeys [][][]float32
	// ChosenPhrases is the selected entity phrases per image, aligned
	// with ChosenIndices.
	ChosenPhrases [][]string
}

// NewClassifier validates the configuration and builds the head.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if cfg.ImageEncoder == nil {
		return nil, &ConfigurationError{Field: "ImageEncoder", Reason: "required"}
	}
	if cfg.TextEncoder == nil {
		return nil, &ConfigurationError{Field: "TextEncoder", Reason: "required"}
	}
	if cfg.Store == nil {
		return nil, &ConfigurationError{Field: "Store", Reason: "required"}
	}
	if cfg.ClassCount <= 0 {
		return nil, &ConfigurationError{Field: "ClassCount", Reason: "must be positive"}
	}
	if cfg.TopK <= 0 {
		return nil, &ConfigurationError{Field: "TopK", Reason: "must be positive"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	selector, err := NewSelector(cfg.Bank)
	if err != nil {
		return nil, err
	}
	assembler, err := NewAssembler(cfg.Store)
	if err != nil {
		return nil, err
	}

	cfg.Logger.Info("Created soft-prompt classifier",
		zap.Int("entities", cfg.Bank.Len()),
		zap.Int("classCount", cfg.ClassCount),
		zap.Int("topK", cfg.TopK),
		zap.Int("nCtx", cfg.Store.NCtx()))

	return &Classifier{
		imageEnc:   cfg.ImageEncoder,
		textEnc:    cfg.TextEncoder,
		store:      cfg.Store,
		selector:   selector,
		assembler:  assembler,
		classCount: cfg.ClassCount,
		topK:       cfg.TopK,
		logger:     cfg.Logger,
	}, nil
}

// Classify encodes the images and runs the forward pass.
func (c *Classifier) Classify(ctx context.Context, images [][]byte) (*Result, error) {
	if len(images) == 0 {
		return nil, &ConfigurationError{Field: "images", Reason: "at least one image is required"}
	}

	embs, err := c.imageEnc.EncodeImages(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("encoding images: %w", err)
	}

	for _, emb := range embs {
		encoders.NormalizeL2(emb)
	}
	return c.ClassifyEmbeddings(ctx, embs)
}

// ClassifyEmbeddings runs the forward pass over already-normalized image
// embeddings. The returned Result's ImageEmb aliases imageEmb rather than
// copying it (Classify normalizes the encoder output in place before calling
// here, so callers handing in their own embeddings must normalize first).
// The text encoder's output count must equal batch × ClassCount; anything
// else is a ShapeMismatchError, never a silent reshape.
func (c *Classifier) ClassifyEmbeddings(ctx context.Context, imageEmb [][]float32) (*Result, error) {
	if len(imageEmb) == 0 {
		return nil, &ConfigurationError{Field: "imageEmb", Reason: "at least one embedding is required"}
	}

	batch := len(imageEmb)
	chosenIndices := make([][]int, batch)
	chosenKeys := make([][][]float32, batch)
	chosenPhrases := make([][]string, batch)
	sequences := make([][][]float32, batch)

	for i, emb := range imageEmb {
		indices, keys, err := c.selector.Select(emb, c.topK)
		if err != nil {
			return nil, fmt.Errorf("selecting prompts for image %d: %w", i, err)
		}

		seq, err := c.assembler.Assemble(indices)
		if err != nil {
			return nil, fmt.Errorf("assembling prompts for image %d: %w", i, err)
		}

		phrases := make([]string, len(indices))
		for j, idx := range indices {
			phrases[j] = c.selector.bank.Phrase(idx)
		}

		chosenIndices[i] = indices
		chosenKeys[i] = keys
		chosenPhrases[i] = phrases
		sequences[i] = seq
	}

	textEmb, err := c.textEnc.EncodePrompts(ctx, sequences)
	if err != nil {
		return nil, fmt.Errorf("encoding prompts: %w", err)
	}
	if len(textEmb) != batch*c.classCount {
		return nil, &ShapeMismatchError{
			Op:       "classifying",
			Got:      len(textEmb),
			Expected: batch * c.classCount,
		}
	}

	for _, emb := range textEmb {
		encoders.NormalizeL2(emb)
	}

	scale := float32(math.Exp(float64(c.store.LogitScale())))
	logits := make([][]float32, batch)
	for i := 0; i < batch; i++ {
		row := make([]float32, c.classCount)
		for j := 0; j < c.classCount; j++ {
			row[j] = scale * encoders.Dot(imageEmb[i], textEmb[i*c.classCount+j])
		}
		logits[i] = row
	}

	c.logger.Debug("Forward pass complete",
		zap.Int("batch", batch),
		zap.Float32("scale", scale))

	return &Result{
		Logits:        logits,
		ImageEmb:      imageEmb,
		ChosenIndices: chosenIndices,
		ChosenKeys:    chosenKeys,
		ChosenPhrases: chosenPhrases,
	}, nil
}

// TopK returns the number of prompts selected per image.
func (c *Classifier) TopK() int { return c.topK }

// ClassCount returns the number of output classes.
func (c *Classifier) ClassCount() int { return c.classCount }
