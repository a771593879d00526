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

// Package weaver adapts a frozen CLIP-style dual encoder to a downstream
// classification task with learned soft prompts. Per image, the closest
// entity keys are retrieved from a precomputed text-embedding bank, their
// prompt vectors are assembled into a text-encoder input, and scaled
// cosine logits against the class names are produced.
package weaver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/weaver/lib/encoders"
	whugot "github.com/antflydb/weaver/lib/hugot"
	"github.com/antflydb/weaver/lib/modelregistry"
	"github.com/antflydb/weaver/lib/paths"
	"github.com/antflydb/weaver/lib/prompts"
	"github.com/antflydb/weaver/lib/tokenizer"
)

const (
	// DefaultPromptTokens is the number of learnable vectors per entity
	DefaultPromptTokens = 4

	// DefaultTopK is the number of entity keys retrieved per image
	DefaultTopK = 4

	// DefaultSeed seeds the prompt store initialization
	DefaultSeed = 42
)

// VisionRuntime selects how the image encoder runs.
type VisionRuntime string

const (
	// VisionHugot runs the visual model through a hugot feature-extraction
	// pipeline with its built-in preprocessing (default).
	VisionHugot VisionRuntime = "hugot"

	// VisionORT runs the visual model through a raw onnxruntime session fed
	// by the lib/pipelines preprocessor.
	VisionORT VisionRuntime = "ort"
)

// Config describes everything needed to build a classifier.
type Config struct {
	// ModelPath is a local directory holding the ONNX exports and tokenizer
	// files. When empty, Model is resolved instead.
	ModelPath string

	// Model is a model reference such as "hf:owner/name" or "owner/name",
	// resolved under ModelsDir. An hf: reference is pulled when missing.
	Model string

	// ModelsDir is where resolved models live. Defaults to ~/.weaver/models.
	ModelsDir string

	// HFToken authenticates HuggingFace pulls of gated repos.
	HFToken string

	// Entities are the entity key phrases, one soft-prompt entry each.
	Entities []string

	// Classes are the class name phrases scored by the head.
	Classes []string

	// PromptTokens is the number of learnable vectors per entity (nCtx).
	PromptTokens int

	// TopK is the number of entity keys retrieved per image.
	TopK int

	// ContextLength is the tokenizer context length. Defaults to 77.
	ContextLength int

	// Seed seeds prompt store initialization.
	Seed int64

	// StorePath, when set and existing, loads a learned prompt store
	// instead of initializing a fresh one. Shape must match.
	StorePath string

	// Quantized selects the quantized model variant.
	Quantized bool

	// Backend is a backend spec such as "onnx", "onnx:cuda", or "go".
	Backend string

	// Vision selects the image encoder runtime. Defaults to VisionHugot.
	Vision VisionRuntime

	// Replicas is the number of extra text-encoder workers for concurrent
	// token-path encoding. Zero means the canonical encoder serves alone.
	Replicas int

	// CacheTTL bounds the text-embedding cache. Zero uses the default;
	// negative disables caching.
	CacheTTL time.Duration

	Logger *zap.Logger
}

// System is a fully wired classifier and its supporting components.
type System struct {
	Classifier *prompts.Classifier
	Store      *prompts.Store
	EntityBank *prompts.KeyBank
	ClassBank  *prompts.KeyBank
	Tokenizer  *tokenizer.CLIPTokenizer

	modelName string
	textEnc   encoders.TextEncoder
	imageEnc  encoders.ImageEncoder
	cache     *TextEmbeddingCache
	cached    *CachedTextEncoder
	logger    *zap.Logger
}

// Build constructs the classifier stack: tokenizer, encoders, entity key
// bank, class embeddings, prompt store, and head.
func Build(ctx context.Context, cfg Config) (*System, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(cfg.Entities) == 0 {
		return nil, &prompts.ConfigurationError{Field: "entities", Reason: "at least one entity phrase is required"}
	}
	if len(cfg.Classes) == 0 {
		return nil, &prompts.ConfigurationError{Field: "classes", Reason: "at least one class phrase is required"}
	}

	promptTokens := cfg.PromptTokens
	if promptTokens <= 0 {
		promptTokens = DefaultPromptTokens
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	contextLength := cfg.ContextLength
	if contextLength <= 0 {
		contextLength = tokenizer.DefaultContextLength
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = DefaultSeed
	}

	backendSpec := whugot.BackendSpec{Backend: whugot.BackendONNX, Device: whugot.DeviceAuto}
	if cfg.Backend != "" {
		spec, err := whugot.ParseBackendSpec(cfg.Backend)
		if err != nil {
			return nil, err
		}
		backendSpec = spec
	}
	whugot.SetPriority([]whugot.BackendType{backendSpec.Backend})
	whugot.SetDevice(backendSpec.Device)

	modelPath, modelName, err := resolveModel(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Building classifier",
		zap.String("model", modelName),
		zap.String("model_path", modelPath),
		zap.String("backend", backendSpec.String()),
		zap.Int("entities", len(cfg.Entities)),
		zap.Int("classes", len(cfg.Classes)),
		zap.Int("prompt_tokens", promptTokens),
		zap.Int("top_k", topK))

	tok, err := tokenizer.NewCLIPTokenizer(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	sys := &System{Tokenizer: tok, modelName: modelName, logger: logger}

	start := time.Now()
	canonical, err := encoders.NewORTTextEncoder(modelPath, cfg.Quantized, logger)
	if err != nil {
		return nil, fmt.Errorf("loading text encoder: %w", err)
	}
	RecordModelLoadDuration(modelName, "text", time.Since(start).Seconds())

	var textEnc encoders.TextEncoder = canonical
	if cfg.Replicas > 0 {
		replicas := make([]encoders.TextEncoder, 0, cfg.Replicas)
		for i := 0; i < cfg.Replicas; i++ {
			r, err := encoders.NewORTTextEncoder(modelPath, cfg.Quantized, logger)
			if err != nil {
				closeAll(replicas)
				_ = canonical.Close()
				return nil, fmt.Errorf("loading text encoder replica %d: %w", i, err)
			}
			replicas = append(replicas, r)
		}
		group, err := encoders.NewTextEncoderGroup(canonical, replicas, logger)
		if err != nil {
			closeAll(replicas)
			_ = canonical.Close()
			return nil, err
		}
		textEnc = group
	}
	sys.textEnc = textEnc

	if cfg.CacheTTL >= 0 {
		sys.cache = NewTextEmbeddingCache(cfg.CacheTTL, logger)
		sys.cached = sys.cache.WrapTextEncoder(textEnc, modelName)
		textEnc = sys.cached
	}

	start = time.Now()
	imageEnc, err := buildImageEncoder(modelPath, cfg, logger)
	if err != nil {
		_ = sys.Close()
		return nil, fmt.Errorf("loading image encoder: %w", err)
	}
	RecordModelLoadDuration(modelName, "visual", time.Since(start).Seconds())
	sys.imageEnc = imageEnc

	entityBank, err := prompts.BuildKeyBank(ctx, textEnc, tok, cfg.Entities, contextLength, logger)
	if err != nil {
		_ = sys.Close()
		return nil, fmt.Errorf("building entity key bank: %w", err)
	}
	sys.EntityBank = entityBank

	classBank, err := prompts.BuildKeyBank(ctx, textEnc, tok, cfg.Classes, contextLength, logger)
	if err != nil {
		_ = sys.Close()
		return nil, fmt.Errorf("building class embeddings: %w", err)
	}
	sys.ClassBank = classBank

	store, err := loadOrInitStore(cfg, len(cfg.Entities), promptTokens, canonical.HiddenDim(), seed, logger)
	if err != nil {
		_ = sys.Close()
		return nil, err
	}
	sys.Store = store

	classifier, err := prompts.NewClassifier(prompts.ClassifierConfig{
		ImageEncoder: imageEnc,
		TextEncoder:  textEnc,
		Bank:         entityBank,
		Store:        store,
		ClassCount:   len(cfg.Classes),
		TopK:         topK,
		Logger:       logger,
	})
	if err != nil {
		_ = sys.Close()
		return nil, err
	}
	sys.Classifier = classifier

	return sys, nil
}

// Classify runs the head over raw image bytes and records request metrics.
func (s *System) Classify(ctx context.Context, images [][]byte) (*prompts.Result, error) {
	RecordClassificationRequest(s.modelName)
	start := time.Now()

	result, err := s.Classifier.Classify(ctx, images)
	status := "200"
	if err != nil {
		status = "500"
	}
	RecordRequestDuration("classify", s.modelName, status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	RecordImageClassifications(s.modelName, len(images))
	return result, nil
}

// ModelName returns the resolved model identifier.
func (s *System) ModelName() string { return s.modelName }

// CacheStats returns text-embedding cache statistics, or nil when caching
// is disabled.
func (s *System) CacheStats() *TextEncoderCacheStats {
	if s.cached == nil {
		return nil
	}
	stats := s.cached.Stats()
	return &stats
}

// SaveStore persists the prompt store (learned prompts + logit scale).
func (s *System) SaveStore(path string) error {
	return s.Store.Save(path)
}

// Close releases encoders and the cache.
func (s *System) Close() error {
	var firstErr error
	if s.cache != nil {
		s.cache.Close()
	}
	if s.textEnc != nil {
		if err := s.textEnc.Close(); err != nil {
			firstErr = err
		}
	}
	if s.imageEnc != nil {
		if err := s.imageEnc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolveModel turns the config's model reference into a local directory.
func resolveModel(ctx context.Context, cfg Config, logger *zap.Logger) (modelPath, modelName string, err error) {
	if cfg.ModelPath != "" {
		return cfg.ModelPath, cfg.ModelPath, nil
	}
	if cfg.Model == "" {
		return "", "", &prompts.ConfigurationError{Field: "model", Reason: "either model path or model reference is required"}
	}

	ref, err := modelregistry.ParseModelRef(cfg.Model)
	if err != nil {
		return "", "", err
	}

	modelsDir := cfg.ModelsDir
	if modelsDir == "" {
		modelsDir = paths.DefaultModelsDir()
	}

	modelDir := filepath.Join(modelsDir, ref.DirPath())
	if _, statErr := os.Stat(modelDir); statErr == nil {
		return modelDir, ref.FullName(), nil
	}

	if !ref.IsHuggingFace {
		return "", "", fmt.Errorf("model %s not found under %s (pull it first or use an hf: reference)", ref.FullName(), modelsDir)
	}

	logger.Info("Model not present locally, pulling from HuggingFace",
		zap.String("model", ref.FullName()))

	variant := ref.Variant
	if variant == "" && cfg.Quantized {
		variant = modelregistry.VariantQuantized
	}

	hf := modelregistry.NewHuggingFaceClient(modelregistry.WithHFToken(cfg.HFToken))
	modelDir, err = hf.PullFromHuggingFace(ctx, ref.FullName(), modelsDir, variant)
	if err != nil {
		return "", "", fmt.Errorf("pulling %s: %w", ref.FullName(), err)
	}
	return modelDir, ref.FullName(), nil
}

// buildImageEncoder picks the vision runtime.
func buildImageEncoder(modelPath string, cfg Config, logger *zap.Logger) (encoders.ImageEncoder, error) {
	switch cfg.Vision {
	case VisionORT:
		return encoders.NewORTImageEncoder(modelPath, cfg.Quantized, nil, logger)
	case VisionHugot, "":
		return encoders.NewHugotImageEncoder(modelPath, cfg.Quantized, nil, logger)
	default:
		return nil, &prompts.ConfigurationError{Field: "vision", Reason: fmt.Sprintf("unknown runtime %q (valid: hugot, ort)", cfg.Vision)}
	}
}

// loadOrInitStore loads a persisted store when StorePath exists, checking
// its shape against the configuration, and initializes a fresh one otherwise.
func loadOrInitStore(cfg Config, numEntities, promptTokens, dim int, seed int64, logger *zap.Logger) (*prompts.Store, error) {
	if cfg.StorePath != "" {
		if _, err := os.Stat(cfg.StorePath); err == nil {
			store, err := prompts.LoadStore(cfg.StorePath)
			if err != nil {
				return nil, fmt.Errorf("loading prompt store: %w", err)
			}
			if store.NumEntities() != numEntities {
				return nil, &prompts.ShapeMismatchError{
					Op:       "loading prompt store",
					Got:      store.NumEntities(),
					Expected: numEntities,
				}
			}
			logger.Info("Loaded prompt store",
				zap.String("path", cfg.StorePath),
				zap.Int("entities", store.NumEntities()),
				zap.Int("n_ctx", store.NCtx()),
				zap.Int("dim", store.Dim()))
			return store, nil
		}
	}

	store, err := prompts.NewStore(numEntities, promptTokens, dim, seed)
	if err != nil {
		return nil, err
	}
	logger.Info("Initialized prompt store",
		zap.Int("entities", numEntities),
		zap.Int("n_ctx", promptTokens),
		zap.Int("dim", dim),
		zap.Int64("seed", seed))
	return store, nil
}

func closeAll(encs []encoders.TextEncoder) {
	for _, e := range encs {
		_ = e.Close()
	}
}
