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

// Package reduce concatenates per-shard metadata tables into the master
// index. Rows are streamed shard by shard rather than materialized, so the
// reduction cost is bounded by one read buffer, not the corpus size.
package reduce

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/lumenbio/tilevec/lib/store"
)

// MasterName is the file name of the consolidated metadata table.
const MasterName = "master.parquet"

// readBatch is the number of rows copied per read while streaming a shard.
const readBatch = 512

// ReductionError reports that the master artifact could not be written.
// Per-shard artifacts remain valid and usable independently.
type ReductionError struct {
	Err error
}

func (e *ReductionError) Error() string {
	return fmt.Sprintf("reducing shard metadata: %v", e.Err)
}

func (e *ReductionError) Unwrap() error { return e.Err }

// Result describes the outcome of a reduction.
type Result struct {
	// Skipped is true when no shard produced a metadata artifact; no master
	// file is written and this is informational, not an error.
	Skipped bool
	Shards  int
	Rows    int
	Path    string
}

// Reduce concatenates every batch_*.parquet under dir into master.parquet,
// preserving shard order (lexicographic equals processing order by the
// naming convention) then intra-shard row order. Re-running over the same
// artifacts yields an identical row sequence.
func Reduce(dir string, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	shardFiles, err := filepath.Glob(filepath.Join(dir, "batch_*.parquet"))
	if err != nil {
		return Result{}, &ReductionError{Err: err}
	}
	sort.Strings(shardFiles)

	if len(shardFiles) == 0 {
		logger.Info("No shard metadata artifacts to reduce", zap.String("dir", dir))
		return Result{Skipped: true}, nil
	}

	masterPath := filepath.Join(dir, MasterName)
	out, err := os.Create(masterPath)
	if err != nil {
		return Result{}, &ReductionError{Err: fmt.Errorf("creating %s: %w", masterPath, err)}
	}
	pw := parquet.NewGenericWriter[store.Row](out)

	total := 0
	for _, shardFile := range shardFiles {
		n, err := appendShard(pw, shardFile)
		if err != nil {
			_ = out.Close()
			return Result{}, &ReductionError{Err: fmt.Errorf("appending %s: %w", filepath.Base(shardFile), err)}
		}
		total += n
	}

	if err := pw.Close(); err != nil {
		_ = out.Close()
		return Result{}, &ReductionError{Err: fmt.Errorf("closing %s: %w", masterPath, err)}
	}
	if err := out.Close(); err != nil {
		return Result{}, &ReductionError{Err: fmt.Errorf("closing %s: %w", masterPath, err)}
	}

	logger.Info("Wrote master index",
		zap.String("path", masterPath),
		zap.Int("shards", len(shardFiles)),
		zap.Int("rows", total))

	return Result{Shards: len(shardFiles), Rows: total, Path: masterPath}, nil
}

// appendShard streams one shard table into the master writer and returns
// the number of rows copied.
func appendShard(pw *parquet.GenericWriter[store.Row], path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	// Validate the file up front: a partially written artifact left by an
	// aborted run must surface as an error, not crash the reduction.
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return 0, err
	}

	pr := parquet.NewGenericReader[store.Row](pf)
	defer pr.Close()

	total := 0
	buf := make([]store.Row, readBatch)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			if _, werr := pw.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += n
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
