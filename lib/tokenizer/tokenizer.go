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

// Package tokenizer provides byte-pair tokenization for CLIP-style text
// encoders and the fixed-length token matrix contract the text encoder
// consumes.
package tokenizer

import (
	"fmt"
	"path/filepath"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/normalizer"
)

// DefaultContextLength is the token context length used by all CLIP models.
const DefaultContextLength = 77

// Encoder turns raw text into token ids. Implementations own the vocabulary;
// the start/end ids are reserved tokens from that vocabulary.
type Encoder interface {
	// Encode returns the token ids for text, without start/end wrapping.
	Encode(text string) ([]int, error)

	// StartToken returns the start-of-text token id.
	StartToken() int

	// EndToken returns the end-of-text token id. Downstream pooling locates
	// the sequence embedding at this token's position.
	EndToken() int
}

// LengthError reports an input whose wrapped token sequence exceeds the
// context length while truncation is disabled.
type LengthError struct {
	// Text is the offending input.
	Text string
	// Index is the position of the input in the tokenize batch.
	Index int
	// TokenCount is the wrapped sequence length.
	TokenCount int
	// ContextLength is the configured limit.
	ContextLength int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("input %d (%q) is too long for context length %d: %d tokens",
		e.Index, truncateForError(e.Text), e.ContextLength, e.TokenCount)
}

func truncateForError(s string) string {
	if len(s) <= 64 {
		return s
	}
	return s[:64] + "..."
}

// Tokenize converts texts into a fixed-length token matrix [len(texts), contextLength].
// Each text is wrapped with the encoder's start and end tokens and zero-padded.
// If a wrapped sequence exceeds contextLength and truncate is false, a
// *LengthError identifying the input is returned. If truncate is true the
// sequence is hard-truncated and the final token forced to the end token, so
// end-token pooling stays valid.
func Tokenize(enc Encoder, texts []string, contextLength int, truncate bool) ([][]int32, error) {
	if contextLength <= 0 {
		contextLength = DefaultContextLength
	}

	result := make([][]int32, len(texts))
	for i, text := range texts {
		ids, err := enc.Encode(text)
		if err != nil {
			return nil, fmt.Errorf("encoding input %d: %w", i, err)
		}

		tokens := make([]int, 0, len(ids)+2)
		tokens = append(tokens, enc.StartToken())
		tokens = append(tokens, ids...)
		tokens = append(tokens, enc.EndToken())

		if len(tokens) > contextLength {
			if !truncate {
				return nil, &LengthError{
					Text:          text,
					Index:         i,
					TokenCount:    len(tokens),
					ContextLength: contextLength,
				}
			}
			tokens = tokens[:contextLength]
			tokens[contextLength-1] = enc.EndToken()
		}

		row := make([]int32, contextLength)
		for j, tok := range tokens {
			row[j] = int32(tok)
		}
		result[i] = row
	}

	return result, nil
}

// TokenizeOne tokenizes a single text. See Tokenize.
func TokenizeOne(enc Encoder, text string, contextLength int, truncate bool) ([]int32, error) {
	rows, err := Tokenize(enc, []string{text}, contextLength, truncate)
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

const (
	startOfTextToken = "<|startoftext|>"
	endOfTextToken   = "<|endoftext|>"
)

// CLIPTokenizer is a byte-pair Encoder over CLIP's vocab.json + merges.txt.
type CLIPTokenizer struct {
	tokenizer  *tokenizer.Tokenizer
	startToken int
	endToken   int
}

// Ensure CLIPTokenizer implements the Encoder interface
var _ Encoder = (*CLIPTokenizer)(nil)

// NewCLIPTokenizer builds a CLIP BPE tokenizer from a model directory
// containing vocab.json and merges.txt.
func NewCLIPTokenizer(modelPath string) (*CLIPTokenizer, error) {
	vocabFile := filepath.Join(modelPath, "vocab.json")
	mergesFile := filepath.Join(modelPath, "merges.txt")

	model, err := bpe.NewBpeFromFiles(vocabFile, mergesFile)
	if err != nil {
		return nil, fmt.Errorf("loading BPE model: %w", err)
	}

	tk := tokenizer.NewTokenizer(model)

	// CLIP lowercases and cleans whitespace before BPE
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, true, false, true))

	sot, ok := tk.TokenToId(startOfTextToken)
	if !ok {
		return nil, fmt.Errorf("cannot find ID for %s token", startOfTextToken)
	}
	eot, ok := tk.TokenToId(endOfTextToken)
	if !ok {
		return nil, fmt.Errorf("cannot find ID for %s token", endOfTextToken)
	}

	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken(startOfTextToken, true)})
	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken(endOfTextToken, true)})

	return &CLIPTokenizer{
		tokenizer:  tk,
		startToken: sot,
		endToken:   eot,
	}, nil
}

// Encode returns the BPE token ids for text, without start/end wrapping.
func (t *CLIPTokenizer) Encode(text string) ([]int, error) {
	if text == "" {
		return nil, nil
	}

	enc, err := t.tokenizer.EncodeSingle(text)
	if err != nil {
		return nil, fmt.Errorf("encoding text: %w", err)
	}
	return enc.Ids, nil
}

// StartToken returns the start-of-text token id.
func (t *CLIPTokenizer) StartToken() int { return t.startToken }

// EndToken returns the end-of-text token id.
func (t *CLIPTokenizer) EndToken() int { return t.endToken }
