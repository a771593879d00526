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

	khugot "github.com/knights-analytics/hugot"
	"go.uber.org/zap"
)

// HugotImageEncoder is a stub when built without ONNX support.
// To enable it, build with: CGO_ENABLED=1 go build -tags="onnx,ORT"
type HugotImageEncoder struct{}

// NewHugotImageEncoder returns an error when ONNX support is disabled.
func NewHugotImageEncoder(modelPath string, quantized bool, sharedSession *khugot.Session, logger *zap.Logger) (*HugotImageEncoder, error) {
	return nil, errORTDisabled
}

// EncodeImages returns an error for the stub.
func (e *HugotImageEncoder) EncodeImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	return nil, errORTDisabled
}

// Dim returns zero for the stub.
func (e *HugotImageEncoder) Dim() int { return 0 }

// Close is a no-op for the stub.
func (e *HugotImageEncoder) Close() error { return nil }
