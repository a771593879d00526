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

// Package encoders defines the frozen encoder interfaces of the CLIP pair
// and the ONNX-backed implementations behind them.
package encoders

import (
	"context"
)

// TextEncoder is a frozen CLIP text encoder. It accepts either token id
// matrices or pre-embedded prompt sequences and returns one pooled embedding
// per input.
type TextEncoder interface {
	// EncodeTokens embeds token id rows produced by the tokenizer.
	// Each row is a fixed-length sequence; the pooled embedding is read at
	// the end-token position.
	EncodeTokens(ctx context.Context, tokens [][]int32) ([][]float32, error)

	// EncodePrompts embeds pre-assembled prompt sequences, bypassing the
	// token embedding table. Each sequence is [seqLen][hidden]. The number
	// of returned embeddings is model dependent; callers validate the
	// count against their own expectations.
	EncodePrompts(ctx context.Context, seqs [][][]float32) ([][]float32, error)

	// Dim returns the joint embedding dimension.
	Dim() int

	Close() error
}

// ImageEncoder is a frozen CLIP vision encoder over encoded image bytes.
type ImageEncoder interface {
	// EncodeImages embeds a batch of encoded images (png/jpeg/gif/bmp/tiff/webp).
	EncodeImages(ctx context.Context, images [][]byte) ([][]float32, error)

	// Dim returns the joint embedding dimension.
	Dim() int

	Close() error
}
