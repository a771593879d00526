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

//go:build !(onnx && ORT)

package encoders

import (
	"context"
	"errors"

	"github.com/antflydb/weaver/lib/pipelines"
	"go.uber.org/zap"
)

var errORTDisabled = errors.New("ONNX encoders not available: build with -tags=\"onnx,ORT\" to enable")

// ORTTextEncoder is a stub when built without ONNX support.
// To enable it, build with: CGO_ENABLED=1 go build -tags="onnx,ORT"
type ORTTextEncoder struct{}

// NewORTTextEncoder returns an error when ONNX support is disabled.
func NewORTTextEncoder(modelPath string, quantized bool, logger *zap.Logger) (*ORTTextEncoder, error) {
	return nil, errORTDisabled
}

// EncodeTokens returns an error for the stub.
func (e *ORTTextEncoder) EncodeTokens(ctx context.Context, tokens [][]int32) ([][]float32, error) {
	return nil, errORTDisabled
}

// EncodePrompts returns an error for the stub.
func (e *ORTTextEncoder) EncodePrompts(ctx context.Context, seqs [][][]float32) ([][]float32, error) {
	return nil, errORTDisabled
}

// Dim returns zero for the stub.
func (e *ORTTextEncoder) Dim() int { return 0 }

func (e *ORTTextEncoder) HiddenDim() int { return 0 }

// Close is a no-op for the stub.
func (e *ORTTextEncoder) Close() error { return nil }

// ORTImageEncoder is a stub when built without ONNX support.
type ORTImageEncoder struct{}

// NewORTImageEncoder returns an error when ONNX support is disabled.
func NewORTImageEncoder(modelPath string, quantized bool, config *pipelines.ImageConfig, logger *zap.Logger) (*ORTImageEncoder, error) {
	return nil, errORTDisabled
}

// EncodeImages returns an error for the stub.
func (e *ORTImageEncoder) EncodeImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	return nil, errORTDisabled
}

// Dim returns zero for the stub.
func (e *ORTImageEncoder) Dim() int { return 0 }

// Close is a no-op for the stub.
func (e *ORTImageEncoder) Close() error { return nil }
