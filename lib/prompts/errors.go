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

// Package prompts implements the learnable soft-prompt layer over a frozen
// CLIP encoder pair: the entity key bank, the prompt parameter store,
// similarity-based prompt selection and assembly, and the classification
// head producing scaled cosine logits.
package prompts

import "fmt"

// ConfigurationError reports an invalid construction-time or call-time
// parameter, such as an empty key bank or a non-positive class count.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ShapeMismatchError reports a tensor whose element count does not match
// what the operation requires. The head never reshapes or broadcasts its
// way around one of these.
type ShapeMismatchError struct {
	Op       string
	Got      int
	Expected int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: got %d elements, expected %d", e.Op, e.Got, e.Expected)
}
