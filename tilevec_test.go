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

package tilevec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/kshedden/gonpy"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenbio/tilevec/lib/embeddings"
	"github.com/lumenbio/tilevec/lib/imaging"
	"github.com/lumenbio/tilevec/lib/labels"
	"github.com/lumenbio/tilevec/lib/reduce"
	"github.com/lumenbio/tilevec/lib/store"
)

const testDim = 8

// stubEmbedder derives a deterministic nonzero vector from the tensor so
// written matrix rows are distinguishable from zeroed failure slots. When
// failEvery is n > 0, every nth call fails with an InferenceError; when
// cancelAfter is n > 0, the nth call triggers the injected cancel func.
type stubEmbedder struct {
	calls       atomic.Int32
	failEvery   int
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *stubEmbedder) Embed(ctx context.Context, t *imaging.Tensor) ([]float32, error) {
	n := s.calls.Add(1)
	if s.cancelAfter > 0 && int(n) == s.cancelAfter && s.cancel != nil {
		s.cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failEvery > 0 && int(n)%s.failEvery == 0 {
		return nil, &embeddings.InferenceError{Err: errors.New("session run failed")}
	}

	var sum float32
	for _, v := range t.Data {
		sum += v
	}
	vec := make([]float32, testDim)
	for i := range vec {
		vec[i] = sum + float32(i) + 1
	}
	return vec, nil
}

func (s *stubEmbedder) Dim() int     { return testDim }
func (s *stubEmbedder) Close() error { return nil }

// writeTiles fills dir with n valid 4x4 PNG tiles named tile_0000.png and
// up, reusing one encoding.
func writeTiles(t *testing.T, dir string, n int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 64, B: 32, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("tile_%04d.png", i))
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	}
}

func testConfig(input, output string) Config {
	return Config{
		InputDir:   input,
		OutputDir:  output,
		Ext:        ".png",
		TileWidth:  4,
		TileHeight: 4,
	}
}

func runPipeline(t *testing.T, cfg Config, emb embeddings.Embedder, ix labels.Index) *Report {
	t.Helper()
	p, err := NewPipeline(cfg, emb, ix, nil)
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)
	return report
}

func TestPipelineShardsAndReduces(t *testing.T) {
	input, output := t.TempDir(), t.TempDir()
	writeTiles(t, input, 2500)

	cfg := testConfig(input, output)
	cfg.ShardSize = 1000
	report := runPipeline(t, cfg, &stubEmbedder{}, nil)

	assert.Equal(t, 2500, report.Items)
	require.Len(t, report.Shards, 3)
	assert.Empty(t, report.FailedShards())

	wantItems := []int{1000, 1000, 500}
	for i, s := range report.Shards {
		assert.Equal(t, fmt.Sprintf("batch_%05d", i+1), s.Name)
		assert.Equal(t, wantItems[i], s.Items)
		assert.Equal(t, wantItems[i], s.Rows)
		assert.Zero(t, s.Failed)
	}

	// The final partial shard's matrix keeps its true row count.
	r, err := gonpy.NewFileReader(filepath.Join(output, "batch_00003.npy"))
	require.NoError(t, err)
	assert.Equal(t, []int{500, testDim}, r.Shape)

	assert.False(t, report.Master.Skipped)
	assert.Equal(t, 2500, report.Master.Rows)

	master, err := parquet.ReadFile[store.Row](filepath.Join(output, reduce.MasterName))
	require.NoError(t, err)
	require.Len(t, master, 2500)
	assert.Equal(t, "tile_0000", master[0].FileID)
	assert.Equal(t, "batch_00001", master[0].EmbeddingBatch)
	assert.Equal(t, "batch_00003", master[2499].EmbeddingBatch)
	assert.Equal(t, int32(499), master[2499].EmbeddingIndex)
}

func TestPipelineSkipsUndecodableTiles(t *testing.T) {
	input, output := t.TempDir(), t.TempDir()
	writeTiles(t, input, 20)

	// Corrupt the tiles at sorted positions 5 and 17.
	for _, i := range []int{5, 17} {
		path := filepath.Join(input, fmt.Sprintf("tile_%04d.png", i))
		require.NoError(t, os.WriteFile(path, []byte("not a png"), 0o644))
	}

	report := runPipeline(t, testConfig(input, output), &stubEmbedder{}, nil)

	require.Len(t, report.Shards, 1)
	s := report.Shards[0]
	assert.Equal(t, 20, s.Items)
	assert.Equal(t, 18, s.Rows)
	assert.Equal(t, 2, s.Failed)
	require.NoError(t, s.Err)

	// The matrix stays full size with zeroed rows at the failed positions.
	r, err := gonpy.NewFileReader(filepath.Join(output, "batch_00001.npy"))
	require.NoError(t, err)
	assert.Equal(t, []int{20, testDim}, r.Shape)

	data, err := r.GetFloat32()
	require.NoError(t, err)
	for _, row := range []int{5, 17} {
		for c := 0; c < testDim; c++ {
			assert.Zero(t, data[row*testDim+c], "row %d col %d", row, c)
		}
	}
	assert.NotZero(t, data[0])

	// No metadata row points at a zeroed slot.
	rows, err := parquet.ReadFile[store.Row](filepath.Join(output, "batch_00001.parquet"))
	require.NoError(t, err)
	require.Len(t, rows, 18)
	for _, row := range rows {
		assert.NotEqual(t, int32(5), row.EmbeddingIndex)
		assert.NotEqual(t, int32(17), row.EmbeddingIndex)
	}

	assert.Equal(t, 18, report.Master.Rows)
}

func TestPipelineSkipsInferenceFailures(t *testing.T) {
	input, output := t.TempDir(), t.TempDir()
	writeTiles(t, input, 10)

	report := runPipeline(t, testConfig(input, output), &stubEmbedder{failEvery: 5}, nil)

	require.Len(t, report.Shards, 1)
	assert.Equal(t, 2, report.Shards[0].Failed)
	assert.Equal(t, 8, report.Shards[0].Rows)
	assert.Equal(t, 8, report.Master.Rows)
}

func TestPipelineAttachesLabels(t *testing.T) {
	input, output := t.TempDir(), t.TempDir()
	writeTiles(t, input, 4)

	ix := labels.Index{
		"tile_0001": "tumor",
		"tile_0003": "stroma",
	}
	report := runPipeline(t, testConfig(input, output), &stubEmbedder{}, ix)
	require.Equal(t, 4, report.Master.Rows)

	rows, err := parquet.ReadFile[store.Row](filepath.Join(output, reduce.MasterName))
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Nil(t, rows[0].Label)
	require.NotNil(t, rows[1].Label)
	assert.Equal(t, "tumor", *rows[1].Label)
	assert.Nil(t, rows[2].Label)
	require.NotNil(t, rows[3].Label)
	assert.Equal(t, "stroma", *rows[3].Label)
}

func TestPipelineUnlabeledRun(t *testing.T) {
	input, output := t.TempDir(), t.TempDir()
	writeTiles(t, input, 3)

	report := runPipeline(t, testConfig(input, output), &stubEmbedder{}, nil)
	require.Equal(t, 3, report.Master.Rows)

	rows, err := parquet.ReadFile[store.Row](filepath.Join(output, reduce.MasterName))
	require.NoError(t, err)
	for _, row := range rows {
		assert.Nil(t, row.Label)
	}
}

func TestPipelineEmptyInput(t *testing.T) {
	report := runPipeline(t, testConfig(t.TempDir(), t.TempDir()), &stubEmbedder{}, nil)

	assert.Zero(t, report.Items)
	assert.Empty(t, report.Shards)
	assert.True(t, report.Master.Skipped)
	assert.Zero(t, report.Rows())
}

func TestPipelineParallelWorkers(t *testing.T) {
	input, output := t.TempDir(), t.TempDir()
	writeTiles(t, input, 250)

	cfg := testConfig(input, output)
	cfg.ShardSize = 50
	cfg.Workers = 3
	report := runPipeline(t, cfg, &stubEmbedder{}, nil)

	require.Len(t, report.Shards, 5)
	assert.Equal(t, 250, report.Rows())
	assert.Equal(t, 250, report.Master.Rows)

	// Shard order in the master is by name regardless of completion order.
	rows, err := parquet.ReadFile[store.Row](filepath.Join(output, reduce.MasterName))
	require.NoError(t, err)
	require.Len(t, rows, 250)
	assert.Equal(t, "batch_00001", rows[0].EmbeddingBatch)
	assert.Equal(t, "batch_00005", rows[249].EmbeddingBatch)
}

func TestPipelineCancellation(t *testing.T) {
	input, output := t.TempDir(), t.TempDir()
	writeTiles(t, input, 10)

	p, err := NewPipeline(testConfig(input, output), &stubEmbedder{}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipelineCancellationMidShard(t *testing.T) {
	input, output := t.TempDir(), t.TempDir()
	writeTiles(t, input, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emb := &stubEmbedder{cancelAfter: 4, cancel: cancel}

	p, err := NewPipeline(testConfig(input, output), emb, nil, nil)
	require.NoError(t, err)

	// Cancellation landing inside the only in-flight shard must still fail
	// the run, not fall through to reduction.
	report, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, report.Shards, 1)
	assert.ErrorIs(t, report.Shards[0].Err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(output, reduce.MasterName))
}

func TestPipelineWritesManifest(t *testing.T) {
	input, output := t.TempDir(), t.TempDir()
	writeTiles(t, input, 7)

	cfg := testConfig(input, output)
	cfg.ShardSize = 5
	runPipeline(t, cfg, &stubEmbedder{}, nil)

	data, err := os.ReadFile(filepath.Join(output, ManifestName))
	require.NoError(t, err)

	var m Manifest
	require.NoError(t, sonic.Unmarshal(data, &m))

	assert.Equal(t, testDim, m.Dim)
	assert.Equal(t, 7, m.Items)
	assert.Equal(t, 7, m.Rows)
	assert.Equal(t, reduce.MasterName, m.Master)
	require.Len(t, m.Shards, 2)
	for _, s := range m.Shards {
		assert.NotEmpty(t, s.MatrixChecksum)
		assert.NotEmpty(t, s.MetadataChecksum)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, 1000, cfg.ShardSize)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, ".tif", cfg.Ext)
}

func TestRunMissingModel(t *testing.T) {
	cfg := testConfig(t.TempDir(), t.TempDir())
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")

	_, err := Run(context.Background(), nil, cfg)
	var le *embeddings.LoadError
	require.True(t, errors.As(err, &le))
}
