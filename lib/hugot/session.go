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

package hugot

import (
	"errors"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
)

// NewSession creates a new Hugot session using the best available backend.
//
// Backend selection follows the configured priority order (default: ONNX > Go).
// Use SetPriority() to customize the order before creating sessions.
func NewSession(opts ...options.WithOption) (*hugot.Session, error) {
	backend := GetDefaultBackend()
	if backend == nil {
		return nil, errors.New("no inference backends available")
	}
	return backend.CreateSession(opts...)
}

// NewSessionOrUseExisting returns the provided session if non-nil, otherwise
// creates a new one. With the ONNX Runtime backend only one session can be
// active at a time, so callers sharing models should pass the same session.
func NewSessionOrUseExisting(existingSession *hugot.Session, opts ...options.WithOption) (*hugot.Session, error) {
	if existingSession != nil {
		return existingSession, nil
	}
	return NewSession(opts...)
}

// BackendName returns a human-readable name of the default backend being used.
func BackendName() string {
	b := GetDefaultBackend()
	if b == nil {
		return "No backend available"
	}
	return b.Name()
}
