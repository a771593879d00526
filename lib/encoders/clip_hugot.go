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

//go:build onnx && ORT

package encoders

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	whugot "github.com/antflydb/weaver/lib/hugot"
	"github.com/goccy/go-json"
	khugot "github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/backends"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/knights-analytics/hugot/util/imageutil"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// HugotImageEncoder runs a frozen CLIP vision encoder through hugot's
// FeatureExtractionPipeline in image mode, with preprocessing done by the
// pipeline itself.
//
// Build with: CGO_ENABLED=1 go build -tags="onnx,ORT"
type HugotImageEncoder struct {
	pipeline      *pipelines.FeatureExtractionPipeline
	session       *khugot.Session
	dim           int
	logger        *zap.Logger
	sessionShared bool
}

var _ ImageEncoder = (*HugotImageEncoder)(nil)

// clipCheckpointConfig holds the checkpoint configuration read from
// clip_config.json or config.json.
type clipCheckpointConfig struct {
	ModelType     string `json:"model_type"`
	ProjectionDim int    `json:"projection_dim"`
	ImageSize     int    `json:"image_size"`
}

// NewHugotImageEncoder creates a vision encoder over a checkpoint directory
// containing visual_model.onnx (or visual_model_quantized.onnx) and a config
// file. Passing a shared session reuses it; with the ONNX Runtime backend
// only one session can be active at a time.
func NewHugotImageEncoder(modelPath string, quantized bool, sharedSession *khugot.Session, logger *zap.Logger) (*HugotImageEncoder, error) {
	if modelPath == "" {
		return nil, errors.New("model path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("Initializing hugot image encoder",
		zap.String("modelPath", modelPath),
		zap.Bool("quantized", quantized),
		zap.String("backend", whugot.BackendName()))

	config, err := loadCheckpointConfig(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint config: %w", err)
	}

	visualFile := "visual_model.onnx"
	if quantized {
		visualFile = "visual_model_quantized.onnx"
	}
	visualPath := filepath.Join(modelPath, visualFile)
	if _, err := os.Stat(visualPath); err != nil {
		return nil, fmt.Errorf("visual model not found: %s", visualPath)
	}

	session, err := whugot.NewSessionOrUseExisting(sharedSession)
	if err != nil {
		return nil, fmt.Errorf("creating hugot session: %w", err)
	}
	sessionShared := (sharedSession != nil)

	imageSize := config.ImageSize
	if imageSize == 0 {
		imageSize = 224
	}

	pipelineName := fmt.Sprintf("%s:visual:%s", modelPath, visualFile)
	pipelineConfig := khugot.FeatureExtractionConfig{
		ModelPath:    modelPath,
		Name:         pipelineName,
		OnnxFilename: visualFile,
		Options: []backends.PipelineOption[*pipelines.FeatureExtractionPipeline]{
			pipelines.WithImageMode(),
			pipelines.WithPreprocessSteps[*pipelines.FeatureExtractionPipeline](
				imageutil.ResizeStep(imageSize),
				imageutil.CenterCropStep(imageSize, imageSize),
			),
			pipelines.WithNormalizationSteps[*pipelines.FeatureExtractionPipeline](
				imageutil.RescaleStep(),
				imageutil.CLIPPixelNormalizationStep(),
			),
			pipelines.WithNCHWFormat[*pipelines.FeatureExtractionPipeline](),
			pipelines.WithNormalization(),
		},
	}

	pipeline, err := khugot.NewPipeline(session, pipelineConfig)
	if err != nil {
		if !sessionShared {
			_ = session.Destroy()
		}
		return nil, fmt.Errorf("creating visual pipeline: %w", err)
	}

	logger.Info("Hugot image encoder initialized",
		zap.Int("dim", config.ProjectionDim),
		zap.Int("imageSize", imageSize))

	return &HugotImageEncoder{
		pipeline:      pipeline,
		session:       session,
		dim:           config.ProjectionDim,
		logger:        logger,
		sessionShared: sessionShared,
	}, nil
}

// EncodeImages decodes and embeds a batch of encoded images.
func (e *HugotImageEncoder) EncodeImages(ctx context.Context, imagesData [][]byte) ([][]float32, error) {
	if len(imagesData) == 0 {
		return [][]float32{}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	decoded := make([]image.Image, len(imagesData))
	for i, data := range imagesData {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding image %d: %w", i, err)
		}
		decoded[i] = img
	}

	output, err := e.pipeline.RunWithImages(decoded)
	if err != nil {
		return nil, fmt.Errorf("running visual pipeline: %w", err)
	}
	if len(output.Embeddings) != len(imagesData) {
		return nil, fmt.Errorf("visual pipeline returned %d embeddings for %d images",
			len(output.Embeddings), len(imagesData))
	}

	return output.Embeddings, nil
}

// Dim returns the joint embedding dimension.
func (e *HugotImageEncoder) Dim() int { return e.dim }

// Close destroys the session unless it is shared.
func (e *HugotImageEncoder) Close() error {
	if e.session != nil && !e.sessionShared {
		e.logger.Info("Destroying hugot session (owned by this image encoder)")
		return e.session.Destroy()
	} else if e.sessionShared {
		e.logger.Debug("Skipping session destruction (shared session)")
	}
	return nil
}

// loadCheckpointConfig loads CLIP configuration from a checkpoint directory,
// falling back to ViT-B/32 defaults when no config file is present.
func loadCheckpointConfig(modelPath string) (*clipCheckpointConfig, error) {
	configPaths := []string{
		filepath.Join(modelPath, "clip_config.json"),
		filepath.Join(modelPath, "config.json"),
	}

	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var nested struct {
			ModelType     string `json:"model_type"`
			ProjectionDim int    `json:"projection_dim"`
			VisionConfig  struct {
				ImageSize     int `json:"image_size"`
				ProjectionDim int `json:"projection_dim"`
			} `json:"vision_config"`
		}

		if err := json.Unmarshal(data, &nested); err == nil {
			projDim := nested.ProjectionDim
			if projDim == 0 {
				projDim = nested.VisionConfig.ProjectionDim
			}
			if projDim == 0 {
				projDim = 512
			}

			imageSize := nested.VisionConfig.ImageSize
			if imageSize == 0 {
				imageSize = 224
			}

			return &clipCheckpointConfig{
				ModelType:     nested.ModelType,
				ProjectionDim: projDim,
				ImageSize:     imageSize,
			}, nil
		}
	}

	return &clipCheckpointConfig{
		ModelType:     "clip",
		ProjectionDim: 512,
		ImageSize:     224,
	}, nil
}
