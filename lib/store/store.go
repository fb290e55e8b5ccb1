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

// Package store persists one artifact pair per shard: a float32 matrix in
// NumPy .npy layout and a Parquet metadata table. Each shard writes to its
// own uniquely named pair, so a failure in one shard never touches another.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kshedden/gonpy"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
)

// Row is one metadata record for a successfully embedded tile. Failed tiles
// produce no Row; their matrix slot stays zero.
type Row struct {
	FileID         string  `parquet:"file_id"`
	FilePath       string  `parquet:"file_path"`
	EmbeddingBatch string  `parquet:"embedding_batch"`
	EmbeddingIndex int32   `parquet:"embedding_index"`
	Label          *string `parquet:"label,optional"`
}

// WriteError reports that a shard's artifact pair could not be written.
// Fatal for that shard only; its partial artifacts are invalid.
type WriteError struct {
	Shard string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing shard %s: %v", e.Shard, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Matrix is a dense row-major float32 matrix, zero-initialized at
// allocation. Slot i belongs to the item at position i in the shard's item
// list at dispatch time, whether or not that item succeeded.
type Matrix struct {
	Data []float32
	Rows int
	Cols int
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{
		Data: make([]float32, rows*cols),
		Rows: rows,
		Cols: cols,
	}
}

// SetRow copies vec into slot i.
func (m *Matrix) SetRow(i int, vec []float32) error {
	if i < 0 || i >= m.Rows {
		return fmt.Errorf("row %d out of range [0,%d)", i, m.Rows)
	}
	if len(vec) != m.Cols {
		return fmt.Errorf("vector length %d, want %d", len(vec), m.Cols)
	}
	copy(m.Data[i*m.Cols:(i+1)*m.Cols], vec)
	return nil
}

// Row returns slot i without copying.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Writer persists shard outputs under a single run directory.
type Writer struct {
	dir    string
	logger *zap.Logger
}

// NewWriter creates the output directory if needed.
func NewWriter(dir string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory %s: %w", dir, err)
	}
	return &Writer{dir: dir, logger: logger}, nil
}

// Dir returns the run directory.
func (w *Writer) Dir() string { return w.dir }

// MatrixPath returns the .npy path for a shard name.
func (w *Writer) MatrixPath(name string) string {
	return filepath.Join(w.dir, name+".npy")
}

// MetadataPath returns the .parquet path for a shard name.
func (w *Writer) MetadataPath(name string) string {
	return filepath.Join(w.dir, name+".parquet")
}

// WriteShard persists the shard's matrix and metadata rows. Any failure is
// wrapped in a *WriteError naming the shard, and whatever the failed shard
// already wrote is removed so the reducer's glob never picks up a partial
// artifact.
func (w *Writer) WriteShard(name string, m *Matrix, rows []Row) error {
	if err := w.writeMatrix(name, m); err != nil {
		w.discard(name)
		return &WriteError{Shard: name, Err: err}
	}
	if err := w.writeMetadata(name, rows); err != nil {
		w.discard(name)
		return &WriteError{Shard: name, Err: err}
	}

	w.logger.Info("Wrote shard artifacts",
		zap.String("shard", name),
		zap.Int("matrixRows", m.Rows),
		zap.Int("metadataRows", len(rows)))
	return nil
}

// discard removes a failed shard's artifacts, if any were created.
func (w *Writer) discard(name string) {
	_ = os.Remove(w.MatrixPath(name))
	_ = os.Remove(w.MetadataPath(name))
}

func (w *Writer) writeMatrix(name string, m *Matrix) error {
	npy, err := gonpy.NewFileWriter(w.MatrixPath(name))
	if err != nil {
		return fmt.Errorf("creating matrix artifact: %w", err)
	}
	npy.Shape = []int{m.Rows, m.Cols}
	if err := npy.WriteFloat32(m.Data); err != nil {
		return fmt.Errorf("writing matrix artifact: %w", err)
	}
	return nil
}

func (w *Writer) writeMetadata(name string, rows []Row) error {
	f, err := os.Create(w.MetadataPath(name))
	if err != nil {
		return fmt.Errorf("creating metadata artifact: %w", err)
	}

	pw := parquet.NewGenericWriter[Row](f)
	if _, err := pw.Write(rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing metadata rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("closing metadata artifact: %w", err)
	}
	return f.Close()
}
