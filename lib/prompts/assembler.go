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

// Assembler turns selected entity indices into a text-encoder input
// sequence by concatenating their prompt blocks.
type Assembler struct {
	store *Store
}

// NewAssembler creates an assembler over a prompt store.
func NewAssembler(store *Store) (*Assembler, error) {
	if store == nil {
		return nil, &ConfigurationError{Field: "store", Reason: "prompt store is required"}
	}
	return &Assembler{store: store}, nil
}

// Assemble flattens the prompt blocks for the given entity indices into one
// sequence of len(indices)*NCtx context vectors, in selection order. The
// layout is fixed concatenation. Rows alias the store's parameters, so this
// is a pure gather with no copying.
func (a *Assembler) Assemble(indices []int) ([][]float32, error) {
	blocks, err := a.store.Gather(indices)
	if err != nil {
		return nil, err
	}

	seq := make([][]float32, 0, len(indices)*a.store.NCtx())
	for _, block := range blocks {
		seq = append(seq, block...)
	}
	return seq, nil
}

// SeqLen returns the assembled sequence length for k selected entities.
func (a *Assembler) SeqLen(k int) int {
	return k * a.store.NCtx()
}
