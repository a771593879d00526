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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antflydb/weaver/lib/pipelines"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ORTTextEncoder runs a frozen CLIP text encoder through ONNX Runtime.
// It holds two sessions over the same checkpoint directory: a token session
// fed token ids, and a prompt session fed pre-embedded sequences through the
// model's inputs_embeds entry point.
//
// Build with: CGO_ENABLED=1 go build -tags="onnx,ORT"
type ORTTextEncoder struct {
	tokenSession  *ort.DynamicAdvancedSession
	promptSession *ort.DynamicAdvancedSession

	tokenInput   string
	tokenOutput  string
	promptInput  string
	promptOutput string

	// promptOutputRank is 2 for pooled outputs and 3 for per-position
	// hidden states, which are pooled at the final position here.
	promptOutputRank int

	hiddenDim int
	dim       int
	logger    *zap.Logger
}

var _ TextEncoder = (*ORTTextEncoder)(nil)

// NewORTTextEncoder loads the text encoder sessions from a checkpoint
// directory containing text_model.onnx and prompt_model.onnx (or their
// _quantized variants).
func NewORTTextEncoder(modelPath string, quantized bool, logger *zap.Logger) (*ORTTextEncoder, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tokenFile := "text_model.onnx"
	promptFile := "prompt_model.onnx"
	if quantized {
		tokenFile = "text_model_quantized.onnx"
		promptFile = "prompt_model_quantized.onnx"
	}

	tokenPath := filepath.Join(modelPath, tokenFile)
	promptPath := filepath.Join(modelPath, promptFile)
	if _, err := os.Stat(tokenPath); err != nil {
		return nil, fmt.Errorf("text model not found: %s", tokenPath)
	}
	if _, err := os.Stat(promptPath); err != nil {
		return nil, fmt.Errorf("prompt model not found: %s", promptPath)
	}

	logger.Info("Initializing ORT text encoder",
		zap.String("modelPath", modelPath),
		zap.Bool("quantized", quantized))

	enc := &ORTTextEncoder{logger: logger}

	if err := enc.openTokenSession(tokenPath); err != nil {
		return nil, err
	}
	if err := enc.openPromptSession(promptPath); err != nil {
		_ = enc.tokenSession.Destroy()
		return nil, err
	}

	logger.Info("ORT text encoder initialized",
		zap.Int("dim", enc.dim),
		zap.Int("hiddenDim", enc.hiddenDim))

	return enc, nil
}

func (e *ORTTextEncoder) openTokenSession(onnxPath string) error {
	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return fmt.Errorf("getting token model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return fmt.Errorf("token model should have 1 input and 1 output, got %d inputs and %d outputs",
			len(inputs), len(outputs))
	}

	outputShape := outputs[0].Dimensions
	if len(outputShape) != 2 {
		return fmt.Errorf("token model output should be [batch, dim], got %v", outputShape)
	}
	e.dim = int(outputShape[1])

	session, err := ort.NewDynamicAdvancedSession(
		onnxPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		nil,
	)
	if err != nil {
		return fmt.Errorf("creating token session: %w", err)
	}

	e.tokenSession = session
	e.tokenInput = inputs[0].Name
	e.tokenOutput = outputs[0].Name
	return nil
}

func (e *ORTTextEncoder) openPromptSession(onnxPath string) error {
	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return fmt.Errorf("getting prompt model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return fmt.Errorf("prompt model should have 1 input and 1 output, got %d inputs and %d outputs",
			len(inputs), len(outputs))
	}

	inputShape := inputs[0].Dimensions
	if len(inputShape) != 3 {
		return fmt.Errorf("prompt model input should be [batch, seq, hidden], got %v", inputShape)
	}
	e.hiddenDim = int(inputShape[2])

	outputShape := outputs[0].Dimensions
	switch len(outputShape) {
	case 2:
		e.promptOutputRank = 2
		if int(outputShape[1]) != e.dim {
			return fmt.Errorf("prompt model output dim %d does not match token model dim %d",
				outputShape[1], e.dim)
		}
	case 3:
		e.promptOutputRank = 3
	default:
		return fmt.Errorf("prompt model output should be 2D or 3D, got %v", outputShape)
	}

	session, err := ort.NewDynamicAdvancedSession(
		onnxPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		nil,
	)
	if err != nil {
		return fmt.Errorf("creating prompt session: %w", err)
	}

	e.promptSession = session
	e.promptInput = inputs[0].Name
	e.promptOutput = outputs[0].Name
	return nil
}

// EncodeTokens embeds token rows and returns one pooled embedding per row.
func (e *ORTTextEncoder) EncodeTokens(ctx context.Context, tokens [][]int32) ([][]float32, error) {
	if len(tokens) == 0 {
		return [][]float32{}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	batch := len(tokens)
	seqLen := len(tokens[0])
	flat := make([]int64, 0, batch*seqLen)
	for i, row := range tokens {
		if len(row) != seqLen {
			return nil, fmt.Errorf("token row %d has length %d, want %d", i, len(row), seqLen)
		}
		for _, id := range row {
			flat = append(flat, int64(id))
		}
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(int64(batch), int64(seqLen)), flat)
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), int64(e.dim)))
	if err != nil {
		return nil, fmt.Errorf("creating output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.tokenSession.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("running text encoder: %w", err)
	}

	return splitRows(outputTensor.GetData(), batch, e.dim), nil
}

// EncodePrompts embeds pre-assembled prompt sequences. All sequences in a
// batch must share the same length; the pooled embedding is read at the
// final position when the model emits per-position states.
func (e *ORTTextEncoder) EncodePrompts(ctx context.Context, seqs [][][]float32) ([][]float32, error) {
	if len(seqs) == 0 {
		return [][]float32{}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	batch := len(seqs)
	seqLen := len(seqs[0])
	flat := make([]float32, 0, batch*seqLen*e.hiddenDim)
	for i, seq := range seqs {
		if len(seq) != seqLen {
			return nil, fmt.Errorf("prompt sequence %d has length %d, want %d", i, len(seq), seqLen)
		}
		for j, vec := range seq {
			if len(vec) != e.hiddenDim {
				return nil, fmt.Errorf("prompt sequence %d position %d has dim %d, want %d",
					i, j, len(vec), e.hiddenDim)
			}
			flat = append(flat, vec...)
		}
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(int64(batch), int64(seqLen), int64(e.hiddenDim)), flat)
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	var outputShape ort.Shape
	if e.promptOutputRank == 3 {
		outputShape = ort.NewShape(int64(batch), int64(seqLen), int64(e.dim))
	} else {
		outputShape = ort.NewShape(int64(batch), int64(e.dim))
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, fmt.Errorf("creating output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.promptSession.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("running prompt encoder: %w", err)
	}

	data := outputTensor.GetData()
	if e.promptOutputRank == 2 {
		return splitRows(data, batch, e.dim), nil
	}

	// Pool at the final sequence position.
	result := make([][]float32, batch)
	for i := 0; i < batch; i++ {
		row := make([]float32, e.dim)
		offset := (i*seqLen + (seqLen - 1)) * e.dim
		copy(row, data[offset:offset+e.dim])
		result[i] = row
	}
	return result, nil
}

// Dim returns the joint embedding dimension.
func (e *ORTTextEncoder) Dim() int { return e.dim }

// HiddenDim returns the per-position embedding width the prompt path expects.
func (e *ORTTextEncoder) HiddenDim() int { return e.hiddenDim }

// Close releases both sessions.
func (e *ORTTextEncoder) Close() error {
	var firstErr error
	if e.tokenSession != nil {
		if err := e.tokenSession.Destroy(); err != nil {
			firstErr = err
		}
		e.tokenSession = nil
	}
	if e.promptSession != nil {
		if err := e.promptSession.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.promptSession = nil
	}
	return firstErr
}

// ORTImageEncoder runs a frozen CLIP vision encoder through ONNX Runtime,
// preprocessing images with the pipelines.ImageProcessor.
type ORTImageEncoder struct {
	session   *ort.DynamicAdvancedSession
	processor *pipelines.ImageProcessor

	inputName  string
	outputName string
	dim        int
	logger     *zap.Logger
}

var _ ImageEncoder = (*ORTImageEncoder)(nil)

// NewORTImageEncoder loads the vision session from a checkpoint directory
// containing visual_model.onnx (or visual_model_quantized.onnx).
func NewORTImageEncoder(modelPath string, quantized bool, config *pipelines.ImageConfig, logger *zap.Logger) (*ORTImageEncoder, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	visualFile := "visual_model.onnx"
	if quantized {
		visualFile = "visual_model_quantized.onnx"
	}
	visualPath := filepath.Join(modelPath, visualFile)
	if _, err := os.Stat(visualPath); err != nil {
		return nil, fmt.Errorf("visual model not found: %s", visualPath)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(visualPath)
	if err != nil {
		return nil, fmt.Errorf("getting visual model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("visual model should have 1 input and 1 output, got %d inputs and %d outputs",
			len(inputs), len(outputs))
	}

	outputShape := outputs[0].Dimensions
	if len(outputShape) != 2 {
		return nil, fmt.Errorf("visual model output should be [batch, dim], got %v", outputShape)
	}

	session, err := ort.NewDynamicAdvancedSession(
		visualPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating visual session: %w", err)
	}

	logger.Info("ORT image encoder initialized",
		zap.String("modelPath", modelPath),
		zap.Int("dim", int(outputShape[1])))

	return &ORTImageEncoder{
		session:    session,
		processor:  pipelines.NewImageProcessor(config),
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		dim:        int(outputShape[1]),
		logger:     logger,
	}, nil
}

// EncodeImages preprocesses and embeds a batch of encoded images.
func (e *ORTImageEncoder) EncodeImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	if len(images) == 0 {
		return [][]float32{}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	cfg := e.processor.Config
	batch := len(images)
	pixels := make([]float32, 0, batch*cfg.Channels*cfg.Size*cfg.Size)
	for i, data := range images {
		p, err := e.processor.ProcessBytes(data)
		if err != nil {
			return nil, fmt.Errorf("preprocessing image %d: %w", i, err)
		}
		pixels = append(pixels, p...)
	}

	inputTensor, err := ort.NewTensor(
		ort.NewShape(int64(batch), int64(cfg.Channels), int64(cfg.Size), int64(cfg.Size)), pixels)
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), int64(e.dim)))
	if err != nil {
		return nil, fmt.Errorf("creating output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("running image encoder: %w", err)
	}

	return splitRows(outputTensor.GetData(), batch, e.dim), nil
}

// Dim returns the joint embedding dimension.
func (e *ORTImageEncoder) Dim() int { return e.dim }

// Close releases the session.
func (e *ORTImageEncoder) Close() error {
	if e.session != nil {
		err := e.session.Destroy()
		e.session = nil
		return err
	}
	return nil
}

// splitRows copies a flat [rows*dim] buffer into row slices.
func splitRows(data []float32, rows, dim int) [][]float32 {
	out := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		row := make([]float32, dim)
		copy(row, data[i*dim:(i+1)*dim])
		out[i] = row
	}
	return out
}
