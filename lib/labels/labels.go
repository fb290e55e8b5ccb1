// Copyright 2026 Lumen Bio, Inc.
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

// Package labels loads the optional ground-truth mapping joined onto the
// embedding metadata. The index is built once before any shard runs and is
// read-only afterward.
package labels

import (
	"encoding/csv"
	"fmt"
	"os"
)

// Index maps a tile identifier to its ground-truth label.
type Index map[string]string

// Lookup returns the label for id and whether one exists.
func (ix Index) Lookup(id string) (string, bool) {
	label, ok := ix[id]
	return label, ok
}

// Load reads a two-column CSV of (id, label) rows. An empty path means no
// label source was provided: the returned index is empty and every metadata
// record's label stays null. A header row of exactly "id,label" is skipped.
func Load(path string) (Index, error) {
	if path == "" {
		return Index{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening label source: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading label source %s: %w", path, err)
	}

	ix := make(Index, len(records))
	for i, rec := range records {
		if i == 0 && rec[0] == "id" && rec[1] == "label" {
			continue
		}
		ix[rec[0]] = rec[1]
	}
	return ix, nil
}
