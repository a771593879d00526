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
	"errors"
	"math"
	"testing"

	"github.com/antflydb/weaver/lib/encoders"
)

// fixedImageEncoder returns one preset embedding per input, ignoring the bytes.
type fixedImageEncoder struct {
	embs [][]float32
	dim  int
}

func (f *fixedImageEncoder) EncodeImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	out := make([][]float32, len(images))
	for i := range images {
		out[i] = append([]float32(nil), f.embs[i%len(f.embs)]...)
	}
	return out, nil
}

func (f *fixedImageEncoder) Dim() int     { return f.dim }
func (f *fixedImageEncoder) Close() error { return nil }

// basisTextEncoder emits perClass basis-vector embeddings per input sequence,
// so class c's embedding is always the unit vector e_c.
type basisTextEncoder struct {
	dim      int
	perClass int
}

func (f *basisTextEncoder) EncodeTokens(ctx context.Context, tokens [][]int32) ([][]float32, error) {
	out := make([][]float32, len(tokens))
	for i := range tokens {
		emb := make([]float32, f.dim)
		emb[i%f.dim] = 1
		out[i] = emb
	}
	return out, nil
}

func (f *basisTextEncoder) EncodePrompts(ctx context.Context, seqs [][][]float32) ([][]float32, error) {
	out := make([][]float32, 0, len(seqs)*f.perClass)
	for range seqs {
		for c := 0; c < f.perClass; c++ {
			emb := make([]float32, f.dim)
			emb[c%f.dim] = 1
			out = append(out, emb)
		}
	}
	return out, nil
}

func (f *basisTextEncoder) Dim() int     { return f.dim }
func (f *basisTextEncoder) Close() error { return nil }

func buildTestClassifier(t *testing.T, perClass, classCount int) (*Classifier, *Store) {
	t.Helper()

	// N=4 entities, nCtx=3, D=8, K=2, 4 classes.
	bank := bankFromKeys(t, [][]float32{
		{1, 0, 0, 0, 0, 0, 0, 0},
		{0, 1, 0, 0, 0, 0, 0, 0},
		{0, 1, 0, 0, 0, 0, 0, 0},
		{0, 0, 1, 0, 0, 0, 0, 0},
	})

	store, err := NewStore(4, 3, 8, 11)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	imgEnc := &fixedImageEncoder{
		dim: 8,
		embs: [][]float32{
			encoders.NormalizeL2([]float32{0.5, 1.0, 0.2, 0, 0, 0, 0, 0}),
		},
	}

	cls, err := NewClassifier(ClassifierConfig{
		ImageEncoder: imgEnc,
		TextEncoder:  &basisTextEncoder{dim: 8, perClass: perClass},
		Bank:         bank,
		Store:        store,
		ClassCount:   classCount,
		TopK:         2,
	})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	return cls, store
}

func TestNewClassifierValidation(t *testing.T) {
	bank := bankFromKeys(t, [][]float32{{1, 0}})
	store, err := NewStore(1, 1, 2, 1)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	base := ClassifierConfig{
		ImageEncoder: &fixedImageEncoder{dim: 2, embs: [][]float32{{1, 0}}},
		TextEncoder:  &basisTextEncoder{dim: 2, perClass: 1},
		Bank:         bank,
		Store:        store,
		ClassCount:   1,
		TopK:         1,
	}

	tests := []struct {
		name   string
		mutate func(*ClassifierConfig)
	}{
		{"nil image encoder", func(c *ClassifierConfig) { c.ImageEncoder = nil }},
		{"nil text encoder", func(c *ClassifierConfig) { c.TextEncoder = nil }},
		{"nil store", func(c *ClassifierConfig) { c.Store = nil }},
		{"zero classes", func(c *ClassifierConfig) { c.ClassCount = 0 }},
		{"zero topK", func(c *ClassifierConfig) { c.TopK = 0 }},
		{"nil bank", func(c *ClassifierConfig) { c.Bank = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := NewClassifier(cfg)
			var confErr *ConfigurationError
			if !errors.As(err, &confErr) {
				t.Errorf("error = %v, want *ConfigurationError", err)
			}
		})
	}
}

func TestClassifyEndToEnd(t *testing.T) {
	cls, store := buildTestClassifier(t, 4, 4)

	result, err := cls.Classify(context.Background(), [][]byte{{0x1}})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	if len(result.Logits) != 1 || len(result.Logits[0]) != 4 {
		t.Fatalf("logits shape [%d][%d], want [1][4]", len(result.Logits), len(result.Logits[0]))
	}

	// Image scores: key0 = img[0], keys 1 and 2 tie at img[1] (the highest),
	// key3 = img[2]. Top-2 is key 1 then key 2 by the tie rule.
	if got := result.ChosenIndices[0]; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("ChosenIndices = %v, want [1, 2]", got)
	}
	if len(result.ChosenKeys[0]) != 2 {
		t.Errorf("ChosenKeys count = %d, want 2", len(result.ChosenKeys[0]))
	}
	if got := result.ChosenPhrases[0]; len(got) != 2 || got[0] != "key1" || got[1] != "key2" {
		t.Errorf("ChosenPhrases = %v, want [key1 key2]", got)
	}

	// The synthetic text encoder returns basis vector e_c for class c, so
	// logit[c] = exp(logitScale) * imageEmb[c].
	scale := math.Exp(float64(store.LogitScale()))
	img := result.ImageEmb[0]
	for c := 0; c < 4; c++ {
		want := scale * float64(img[c])
		got := float64(result.Logits[0][c])
		if math.Abs(got-want) > 1e-4 {
			t.Errorf("logit[%d] = %f, want %f", c, got, want)
		}
	}
}

func TestClassifyEmbeddingsAliasesInput(t *testing.T) {
	cls, _ := buildTestClassifier(t, 4, 4)

	emb := encoders.NormalizeL2([]float32{0.5, 1.0, 0.2, 0, 0, 0, 0, 0})
	result, err := cls.ClassifyEmbeddings(context.Background(), [][]float32{emb})
	if err != nil {
		t.Fatalf("ClassifyEmbeddings() error = %v", err)
	}

	// The result carries the caller's embeddings, not a copy.
	if &result.ImageEmb[0][0] != &emb[0] {
		t.Error("ImageEmb should alias the input embedding")
	}
}

func TestClassifyDeterministic(t *testing.T) {
	cls, _ := buildTestClassifier(t, 4, 4)
	ctx := context.Background()

	a, err := cls.Classify(ctx, [][]byte{{0x1}})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	b, err := cls.Classify(ctx, [][]byte{{0x1}})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	for c := range a.Logits[0] {
		if a.Logits[0][c] != b.Logits[0][c] {
			t.Fatalf("logit %d differs between identical forwards", c)
		}
	}
}

func TestClassifyShapeMismatch(t *testing.T) {
	// Text encoder yields 2 embeddings per image but the head expects 4.
	cls, _ := buildTestClassifier(t, 2, 4)

	_, err := cls.Classify(context.Background(), [][]byte{{0x1}})
	var shapeErr *ShapeMismatchError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("error = %v, want *ShapeMismatchError", err)
	}
	if shapeErr.Got != 2 || shapeErr.Expected != 4 {
		t.Errorf("got %d/%d, want 2/4", shapeErr.Got, shapeErr.Expected)
	}
}

func TestClassifyEmptyBatch(t *testing.T) {
	cls, _ := buildTestClassifier(t, 4, 4)

	_, err := cls.Classify(context.Background(), nil)
	var confErr *ConfigurationError
	if !errors.As(err, &confErr) {
		t.Errorf("error = %v, want *ConfigurationError", err)
	}
}

func TestClassifyLogitScaleApplied(t *testing.T) {
	cls, store := buildTestClassifier(t, 4, 4)
	ctx := context.Background()

	before, err := cls.Classify(ctx, [][]byte{{0x1}})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	store.SetLogitScale(store.LogitScale() + 1)
	after, err := cls.Classify(ctx, [][]byte{{0x1}})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	// Raising the log scale by 1 multiplies every logit by e.
	for c := range before.Logits[0] {
		want := float64(before.Logits[0][c]) * math.E
		got := float64(after.Logits[0][c])
		if math.Abs(got-want) > 1e-3 {
			t.Errorf("logit[%d] = %f, want %f", c, got, want)
		}
	}
}
