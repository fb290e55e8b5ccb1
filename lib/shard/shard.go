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

// Package shard partitions the discovered tile set into fixed-size,
// order-preserving units of work.
package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultSize is the number of tiles per shard when none is configured.
// It affects only I/O granularity, never embedding correctness.
const DefaultSize = 1000

// Item is one discovered tile. The identifier is the file's base name with
// the extension stripped; it is the join key against the label index.
type Item struct {
	ID   string
	Path string
}

// Shard is a contiguous slice of the full item list, processed and
// persisted as one unit. Ordinals are 1-based so artifact names start at
// batch_00001.
type Shard struct {
	Ordinal int
	Items   []Item
}

// Name returns the fixed-width artifact stem for this shard. Zero padding
// makes lexicographic order equal processing order, which the reducer's
// determinism depends on.
func (s Shard) Name() string {
	return fmt.Sprintf("batch_%05d", s.Ordinal)
}

// Discover lists dir non-recursively for files with the given extension
// (case-insensitive, e.g. ".tif") and returns them sorted by identifier.
// Sorting makes shard membership reproducible across runs regardless of
// filesystem enumeration order.
func Discover(dir, ext string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing tile directory %s: %w", dir, err)
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		items = append(items, Item{
			ID:   strings.TrimSuffix(name, filepath.Ext(name)),
			Path: filepath.Join(dir, name),
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Partition splits items into contiguous shards of size, preserving order.
// The final shard holds the remainder. Zero items yield zero shards.
func Partition(items []Item, size int) ([]Shard, error) {
	if size < 1 {
		return nil, fmt.Errorf("shard size must be positive, got %d", size)
	}

	shards := make([]Shard, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		shards = append(shards, Shard{
			Ordinal: len(shards) + 1,
			Items:   items[start:end],
		})
	}
	return shards, nil
}
