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

package hugot

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend implements Backend using ONNX Runtime.
//
// Runtime requirements:
//   - libonnxruntime must be locatable via ONNXRUNTIME_ROOT or LD_LIBRARY_PATH
//   - CGO must be enabled at build time (CGO_ENABLED=1)
type onnxBackend struct {
	device   DeviceType
	deviceMu sync.RWMutex
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	if b.getDevice() == DeviceCUDA {
		return "ONNX Runtime (CUDA)"
	}
	return "ONNX Runtime (CPU)"
}

func (b *onnxBackend) Available() bool {
	// The build tags ensure this file is only included when ONNX is available
	return true
}

func (b *onnxBackend) Priority() int {
	return 10
}

func (b *onnxBackend) CreateSession(opts ...options.WithOption) (*hugot.Session, error) {
	var baseOpts []options.WithOption

	if libPath := getOnnxLibraryPath(); libPath != "" {
		baseOpts = append(baseOpts, options.WithOnnxLibraryPath(libPath))
	}

	if b.getDevice() == DeviceCUDA {
		baseOpts = append(baseOpts, options.WithCuda(nil))
	}

	opts = append(baseOpts, opts...)
	return hugot.NewORTSession(opts...)
}

// SetDevice sets the device preference for this backend.
// Must be called before any sessions are created to take effect.
func (b *onnxBackend) SetDevice(device DeviceType) {
	b.deviceMu.Lock()
	defer b.deviceMu.Unlock()
	b.device = device
}

func (b *onnxBackend) getDevice() DeviceType {
	b.deviceMu.RLock()
	defer b.deviceMu.RUnlock()
	if b.device == "" {
		return DeviceAuto
	}
	return b.device
}

// getOnnxLibraryPath returns the directory containing libonnxruntime.so.
// Checks ONNXRUNTIME_ROOT first, then LD_LIBRARY_PATH.
func getOnnxLibraryPath() string {
	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		dir := filepath.Join(root, "lib")
		if _, err := os.Stat(filepath.Join(dir, "libonnxruntime.so")); err == nil {
			return dir
		}
	}

	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		for _, dir := range filepath.SplitList(ldPath) {
			if _, err := os.Stat(filepath.Join(dir, "libonnxruntime.so")); err == nil {
				return dir
			}
		}
	}

	return ""
}
