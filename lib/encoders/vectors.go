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

package encoders

import (
	"gonum.org/v1/gonum/blas/blas32"
)

// normEpsilon is the lower clamp applied to vector norms before division.
const normEpsilon = 1e-12

// NormalizeL2 scales v to unit L2 norm in place and returns it.
// The norm is clamped from below so near-zero vectors never divide by zero.
func NormalizeL2(v []float32) []float32 {
	x := blas32.Vector{N: len(v), Inc: 1, Data: v}
	norm := blas32.Nrm2(x)
	if norm < normEpsilon {
		norm = normEpsilon
	}
	blas32.Scal(1/norm, x)
	return v
}

// Dot returns the dot product of a and b. The slices must be the same length.
func Dot(a, b []float32) float32 {
	return blas32.Dot(
		blas32.Vector{N: len(a), Inc: 1, Data: a},
		blas32.Vector{N: len(b), Inc: 1, Data: b},
	)
}
