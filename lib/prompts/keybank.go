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

	"github.com/antflydb/weaver/lib/encoders"
	"github.com/antflydb/weaver/lib/tokenizer"
	"go.uber.org/zap"
)

// KeyBank is an ordered, immutable bank of L2-normalized text embeddings,
// one per phrase, built once from the frozen text encoder. The same type
// backs entity keys and class name embeddings.
type KeyBank struct {
	phrases []string
	keys    [][]float32
	dim     int
}

// BuildKeyBank tokenizes and encodes each phrase through the frozen text
// encoder and normalizes the results. Phrases are encoded one at a time so
// the bank order is exactly the phrase order. Building the same phrases
// against the same checkpoint yields the same bank.
func BuildKeyBank(ctx context.Context, textEnc encoders.TextEncoder, tok tokenizer.Encoder, phrases []string, contextLength int, logger *zap.Logger) (*KeyBank, error) {
	if len(phrases) == 0 {
		return nil, &ConfigurationError{Field: "phrases", Reason: "at least one phrase is required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("Building key bank",
		zap.Int("phrases", len(phrases)),
		zap.Int("contextLength", contextLength))

	keys := make([][]float32, len(phrases))
	dim := 0
	for i, phrase := range phrases {
		row, err := tokenizer.TokenizeOne(tok, phrase, contextLength, false)
		if err != nil {
			return nil, fmt.Errorf("tokenizing phrase %d: %w", i, err)
		}

		embs, err := textEnc.EncodeTokens(ctx, [][]int32{row})
		if err != nil {
			return nil, fmt.Errorf("encoding phrase %d (%q): %w", i, phrase, err)
		}
		if len(embs) != 1 {
			return nil, &ShapeMismatchError{
				Op:       fmt.Sprintf("encoding phrase %d", i),
				Got:      len(embs),
				Expected: 1,
			}
		}

		if dim == 0 {
			dim = len(embs[0])
		} else if len(embs[0]) != dim {
			return nil, &ShapeMismatchError{
				Op:       fmt.Sprintf("encoding phrase %d", i),
				Got:      len(embs[0]),
				Expected: dim,
			}
		}

		keys[i] = encoders.NormalizeL2(embs[0])
	}

	logger.Info("Key bank built", zap.Int("keys", len(keys)), zap.Int("dim", dim))

	return &KeyBank{
		phrases: append([]string(nil), phrases...),
		keys:    keys,
		dim:     dim,
	}, nil
}

// Len returns the number of keys.
func (b *KeyBank) Len() int { return len(b.keys) }

// Dim returns the key dimension.
func (b *KeyBank) Dim() int { return b.dim }

// Phrase returns the phrase at index i.
func (b *KeyBank) Phrase(i int) string { return b.phrases[i] }

// Key returns the normalized key at index i. The returned slice is owned by
// the bank and must not be mutated.
func (b *KeyBank) Key(i int) []float32 { return b.keys[i] }
