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

package prompts

import (
	"sort"

	"github.com/antflydb/weaver/lib/encoders"
)

// Selector retrieves the entity keys most similar to an image embedding.
type Selector struct {
	bank *KeyBank
}

// NewSelector creates a selector over a key bank.
func NewSelector(bank *KeyBank) (*Selector, error) {
	if bank == nil || bank.Len() == 0 {
		return nil, &ConfigurationError{Field: "bank", Reason: "key bank is empty"}
	}
	return &Selector{bank: bank}, nil
}

// Select returns the indices and keys of the k bank entries with the highest
// raw dot-product similarity to imageEmb. Results are ordered by descending
// score; equal scores are broken by ascending index, so selection is
// deterministic. k is clamped to the bank size.
func (s *Selector) Select(imageEmb []float32, k int) ([]int, [][]float32, error) {
	if k <= 0 {
		return nil, nil, &ConfigurationError{Field: "k", Reason: "must be positive"}
	}
	if len(imageEmb) != s.bank.Dim() {
		return nil, nil, &ShapeMismatchError{Op: "selecting prompts", Got: len(imageEmb), Expected: s.bank.Dim()}
	}

	n := s.bank.Len()
	if k > n {
		k = n
	}

	scores := make([]float32, n)
	for i := 0; i < n; i++ {
		scores[i] = encoders.Dot(imageEmb, s.bank.Key(i))
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if scores[ia] != scores[ib] {
			return scores[ia] > scores[ib]
		}
		return ia < ib
	})

	indices := make([]int, k)
	keys := make([][]float32, k)
	for i := 0; i < k; i++ {
		indices[i] = order[i]
		keys[i] = s.bank.Key(order[i])
	}
	return indices, keys, nil
}
