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
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewStoreSeededDeterminism(t *testing.T) {
	a, err := NewStore(4, 3, 8, 42)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	b, err := NewStore(4, 3, 8, 42)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	for i := range a.Data() {
		if a.Data()[i] != b.Data()[i] {
			t.Fatalf("same seed produced different parameters at %d", i)
		}
	}

	c, err := NewStore(4, 3, 8, 43)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	same := true
	for i := range a.Data() {
		if a.Data()[i] != c.Data()[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical parameters")
	}
}

func TestNewStoreInvalidShape(t *testing.T) {
	tests := []struct {
		name                string
		entities, nCtx, dim int
	}{
		{"zero entities", 0, 3, 8},
		{"zero nCtx", 4, 0, 8},
		{"negative dim", 4, 3, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(tt.entities, tt.nCtx, tt.dim, 1)
			var confErr *ConfigurationError
			if !errors.As(err, &confErr) {
				t.Errorf("error = %v, want *ConfigurationError", err)
			}
		})
	}
}

func TestStoreGatherReturnsViews(t *testing.T) {
	s, err := NewStore(4, 2, 3, 1)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	blocks, err := s.Gather([]int{2})
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Mutate through Data() like an external training step would.
	s.Data()[2*2*3] = 99

	if blocks[0][0][0] != 99 {
		t.Error("Gather() result should alias the store's parameters")
	}
}

func TestStoreGatherOutOfRange(t *testing.T) {
	s, err := NewStore(4, 2, 3, 1)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	if _, err := s.Gather([]int{4}); err == nil {
		t.Error("Gather() expected error for out-of-range index")
	}
	if _, err := s.Gather([]int{-1}); err == nil {
		t.Error("Gather() expected error for negative index")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	s, err := NewStore(3, 2, 4, 7)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	s.SetLogitScale(1.5)

	path := filepath.Join(t.TempDir(), "prompts.json")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadStore(path)
	if err != nil {
		t.Fatalf("LoadStore() error = %v", err)
	}

	if loaded.NumEntities() != 3 || loaded.NCtx() != 2 || loaded.Dim() != 4 {
		t.Errorf("loaded shape [%d, %d, %d], want [3, 2, 4]",
			loaded.NumEntities(), loaded.NCtx(), loaded.Dim())
	}
	if loaded.LogitScale() != 1.5 {
		t.Errorf("loaded logit scale %f, want 1.5", loaded.LogitScale())
	}
	for i := range s.Data() {
		if s.Data()[i] != loaded.Data()[i] {
			t.Fatalf("parameter %d changed across save/load", i)
		}
	}
}

func TestLoadStoreShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	content := `{"num_entities": 2, "n_ctx": 2, "dim": 2, "logit_scale": 1.0, "data": [1, 2, 3]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	_, err := LoadStore(path)
	var shapeErr *ShapeMismatchError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("error = %v, want *ShapeMismatchError", err)
	}
	if shapeErr.Got != 3 || shapeErr.Expected != 8 {
		t.Errorf("got %d/%d, want 3/8", shapeErr.Got, shapeErr.Expected)
	}
}

func TestLoadStoreMissingFile(t *testing.T) {
	if _, err := LoadStore(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("LoadStore() expected error for missing file")
	}
}
