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

package modelregistry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the default HTTP timeout for metadata requests
	DefaultTimeout = 30 * time.Second

	// DefaultDownloadTimeout is the default timeout for downloading model files
	DefaultDownloadTimeout = 10 * time.Minute
)

// Client downloads catalog checkpoints and manifest files with digest
// verification.
type Client struct {
	httpClient      *http.Client
	downloadClient  *http.Client
	logger          *zap.Logger
	progressHandler ProgressHandler
}

// ProgressHandler is called to report download progress
type ProgressHandler func(downloaded, total int64, filename string)

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithProgressHandler sets the progress handler for downloads
func WithProgressHandler(h ProgressHandler) ClientOption {
	return func(c *Client) {
		c.progressHandler = h
	}
}

// WithTimeout sets the HTTP timeout for metadata requests
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithDownloadTimeout sets the HTTP timeout for file downloads
func WithDownloadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.downloadClient.Timeout = timeout
	}
}

// NewClient creates a new registry client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		downloadClient: &http.Client{
			Timeout: DefaultDownloadTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// PullCheckpoint downloads a named catalog checkpoint into destDir and
// returns the path to the verified file. A file already present with the
// expected digest is not re-downloaded. A download whose digest does not
// match is deleted and fetched once more; a second mismatch returns an
// IntegrityError.
func (c *Client) PullCheckpoint(ctx context.Context, name, destDir string) (string, error) {
	entry, err := LookupCatalog(name)
	if err != nil {
		return "", err
	}
	digest, err := entry.Digest()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}

	destPath := filepath.Join(destDir, entry.Filename())
	if info, err := os.Stat(destPath); err == nil && !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s exists and is not a regular file", destPath)
	}

	file := ModelFile{Name: entry.Filename(), Digest: digest}
	if err := c.downloadURL(ctx, entry.URL, file, destDir); err != nil {
		return "", err
	}
	return destPath, nil
}

// PullModel downloads the files named by a manifest into
// modelsDir/<owner>/<name>. variants selects which model variants to
// download; supporting files (tokenizer, config) are always downloaded.
// When variants is empty only "f32" is pulled.
func (c *Client) PullModel(ctx context.Context, manifest *ModelManifest, baseURL, modelsDir string, variants []string) error {
	modelDir := filepath.Join(modelsDir, manifest.FullName())

	if len(variants) == 0 {
		variants = []string{VariantF32}
	}

	c.logger.Info("Pulling model",
		zap.String("name", manifest.Name),
		zap.Strings("variants", variants),
		zap.String("destination", modelDir))

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}

	requestedVariants := make(map[string]bool)
	for _, v := range variants {
		requestedVariants[v] = true
	}

	for _, file := range manifest.Files {
		if isModelFile(file.Name) && !requestedVariants[VariantF32] {
			continue
		}
		url := fmt.Sprintf("%s/%s", baseURL, file.Name)
		if err := c.downloadURL(ctx, url, file, modelDir); err != nil {
			return fmt.Errorf("downloading %s: %w", file.Name, err)
		}
	}

	for _, variantID := range variants {
		if variantID == VariantF32 {
			continue
		}
		variantEntry, ok := manifest.Variants[variantID]
		if !ok {
			c.logger.Warn("Requested variant not available in manifest",
				zap.String("variant", variantID),
				zap.String("model", manifest.Name))
			continue
		}
		for _, variantFile := range variantEntry.Files {
			url := fmt.Sprintf("%s/%s", baseURL, variantFile.Name)
			if err := c.downloadURL(ctx, url, variantFile, modelDir); err != nil {
				return fmt.Errorf("downloading variant %s file %s: %w", variantID, variantFile.Name, err)
			}
		}
	}

	c.logger.Info("Model pulled successfully",
		zap.String("name", manifest.Name),
		zap.String("location", modelDir))

	return nil
}

// downloadURL fetches url into destDir with digest verification. A mismatch
// deletes the file and retries the fetch once before returning an
// IntegrityError.
func (c *Client) downloadURL(ctx context.Context, url string, file ModelFile, destDir string) error {
	destPath := filepath.Join(destDir, file.Name)

	if c.fileExistsWithHash(destPath, file.Digest) {
		c.logger.Debug("File already exists with correct hash, skipping",
			zap.String("file", file.Name))
		if c.progressHandler != nil {
			c.progressHandler(file.Size, file.Size, file.Name)
		}
		return nil
	}

	actual, err := c.fetchOnce(ctx, url, file, destPath)
	if err != nil {
		return err
	}
	if actual == file.Digest {
		return nil
	}

	c.logger.Warn("Downloaded file failed digest check, re-fetching",
		zap.String("file", file.Name),
		zap.String("expected", file.Digest),
		zap.String("actual", actual))
	if err := os.Remove(destPath); err != nil {
		return fmt.Errorf("removing corrupt file: %w", err)
	}

	actual, err = c.fetchOnce(ctx, url, file, destPath)
	if err != nil {
		return err
	}
	if actual != file.Digest {
		_ = os.Remove(destPath)
		return &IntegrityError{Path: destPath, Expected: file.Digest, Actual: actual}
	}
	return nil
}

// fetchOnce performs a single download to destPath and returns the sha256
// digest of the written bytes. The caller verifies the digest.
func (c *Client) fetchOnce(ctx context.Context, url string, file ModelFile, destPath string) (string, error) {
	c.logger.Debug("Downloading file",
		zap.String("file", file.Name),
		zap.String("url", url),
		zap.Int64("size", file.Size))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	tmpPath := destPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath) // Clean up on error
	}()

	hasher := sha256.New()

	total := file.Size
	if total == 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	reader := resp.Body
	if c.progressHandler != nil {
		reader = &progressReader{
			reader:   resp.Body,
			total:    total,
			filename: file.Name,
			handler:  c.progressHandler,
		}
	}

	writer := io.MultiWriter(tmpFile, hasher)
	downloaded, err := io.Copy(writer, reader)
	if err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}

	if file.Size > 0 && downloaded != file.Size {
		return "", fmt.Errorf("size mismatch: expected %d, got %d", file.Size, downloaded)
	}

	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return "", fmt.Errorf("renaming file: %w", err)
	}

	c.logger.Debug("File downloaded",
		zap.String("file", file.Name),
		zap.Int64("size", downloaded))

	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// fileExistsWithHash checks if a file exists and has the expected hash
func (c *Client) fileExistsWithHash(path string, expectedDigest string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false
	}

	actualHash := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	return actualHash == expectedDigest
}

// progressReader wraps a reader to report progress
type progressReader struct {
	reader     io.ReadCloser
	downloaded int64
	total      int64
	filename   string
	handler    ProgressHandler
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		pr.handler(pr.downloaded, pr.total, pr.filename)
	}
	return n, err
}

func (pr *progressReader) Close() error {
	return pr.reader.Close()
}
