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
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/bytedance/sonic"
)

// promptInitStd is the standard deviation of the prompt initialization.
const promptInitStd = 0.02

// DefaultLogitScale is ln(1/0.07), the CLIP logit scale initialization.
var DefaultLogitScale = float32(math.Log(1.0 / 0.07))

// Store holds the learnable prompt parameters: one [NCtx][Dim] block of
// context vectors per entity, plus the learned log logit scale. The store is
// the only mutable state in the system; an external training loop updates it
// through Data(), and Gather returns views into the same backing array so
// those updates are visible everywhere without copying.
type Store struct {
	numEntities int
	nCtx        int
	dim         int
	logitScale  float32

	// flat backing array, [numEntities*nCtx*dim]
	data []float32
	// rows[i][j] aliases data
	rows [][][]float32
}

// NewStore allocates a store initialized from a seeded normal distribution,
// so a given seed always produces the same parameters.
func NewStore(numEntities, nCtx, dim int, seed int64) (*Store, error) {
	if numEntities <= 0 {
		return nil, &ConfigurationError{Field: "numEntities", Reason: "must be positive"}
	}
	if nCtx <= 0 {
		return nil, &ConfigurationError{Field: "nCtx", Reason: "must be positive"}
	}
	if dim <= 0 {
		return nil, &ConfigurationError{Field: "dim", Reason: "must be positive"}
	}

	data := make([]float32, numEntities*nCtx*dim)
	rng := rand.New(rand.NewSource(seed))
	for i := range data {
		data[i] = float32(rng.NormFloat64() * promptInitStd)
	}

	s := &Store{
		numEntities: numEntities,
		nCtx:        nCtx,
		dim:         dim,
		logitScale:  DefaultLogitScale,
		data:        data,
	}
	s.buildRows()
	return s, nil
}

func (s *Store) buildRows() {
	s.rows = make([][][]float32, s.numEntities)
	for i := 0; i < s.numEntities; i++ {
		vecs := make([][]float32, s.nCtx)
		for j := 0; j < s.nCtx; j++ {
			offset := (i*s.nCtx + j) * s.dim
			vecs[j] = s.data[offset : offset+s.dim]
		}
		s.rows[i] = vecs
	}
}

// NumEntities returns the number of entity prompt blocks.
func (s *Store) NumEntities() int { return s.numEntities }

// NCtx returns the number of context vectors per entity.
func (s *Store) NCtx() int { return s.nCtx }

// Dim returns the context vector dimension.
func (s *Store) Dim() int { return s.dim }

// Data returns the flat parameter array. External training code mutates the
// parameters through this slice.
func (s *Store) Data() []float32 { return s.data }

// LogitScale returns the learned log logit scale.
func (s *Store) LogitScale() float32 { return s.logitScale }

// SetLogitScale sets the log logit scale.
func (s *Store) SetLogitScale(v float32) { s.logitScale = v }

// Gather returns the prompt blocks for the given entity indices. The
// returned vectors alias the store's backing array; they are views, not
// copies, so parameter updates flow through.
func (s *Store) Gather(indices []int) ([][][]float32, error) {
	out := make([][][]float32, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= s.numEntities {
			return nil, fmt.Errorf("entity index %d out of range [0, %d)", idx, s.numEntities)
		}
		out[i] = s.rows[idx]
	}
	return out, nil
}

// storeFile is the serialized form of a Store.
type storeFile struct {
	NumEntities int       `json:"num_entities"`
	NCtx        int       `json:"n_ctx"`
	Dim         int       `json:"dim"`
	LogitScale  float32   `json:"logit_scale"`
	Data        []float32 `json:"data"`
}

// Save writes the store to path.
func (s *Store) Save(path string) error {
	buf, err := sonic.Marshal(&storeFile{
		NumEntities: s.numEntities,
		NCtx:        s.nCtx,
		Dim:         s.dim,
		LogitScale:  s.logitScale,
		Data:        s.data,
	})
	if err != nil {
		return fmt.Errorf("marshaling prompt store: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("writing prompt store: %w", err)
	}
	return nil
}

// LoadStore reads a store from path, failing loudly when the recorded shape
// does not match the data length.
func LoadStore(path string) (*Store, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompt store: %w", err)
	}

	var f storeFile
	if err := sonic.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("parsing prompt store: %w", err)
	}

	if f.NumEntities <= 0 || f.NCtx <= 0 || f.Dim <= 0 {
		return nil, &ConfigurationError{
			Field:  "store shape",
			Reason: fmt.Sprintf("invalid [%d, %d, %d]", f.NumEntities, f.NCtx, f.Dim),
		}
	}
	if want := f.NumEntities * f.NCtx * f.Dim; len(f.Data) != want {
		return nil, &ShapeMismatchError{Op: "loading prompt store", Got: len(f.Data), Expected: want}
	}

	s := &Store{
		numEntities: f.NumEntities,
		nCtx:        f.NCtx,
		dim:         f.Dim,
		logitScale:  f.LogitScale,
		data:        f.Data,
	}
	s.buildRows()
	return s, nil
}
