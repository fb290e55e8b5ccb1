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

// Package tilevec orchestrates batch embedding of microscopy tiles: it
// partitions the discovered tile set into fixed-size shards, drives
// preprocessing and inference per shard with per-item failure isolation,
// persists one artifact pair per shard, and reduces all shard metadata into
// a single master index.
package tilevec

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lumenbio/tilevec/lib/embeddings"
	"github.com/lumenbio/tilevec/lib/imaging"
	"github.com/lumenbio/tilevec/lib/labels"
	"github.com/lumenbio/tilevec/lib/reduce"
	"github.com/lumenbio/tilevec/lib/shard"
	"github.com/lumenbio/tilevec/lib/store"
)

// Config holds everything a run needs. There is no process-wide state: the
// model handle, label index, and output paths all travel through here.
type Config struct {
	// InputDir is the flat directory of tile images.
	InputDir string

	// OutputDir receives the shard artifacts, master index, and manifest.
	OutputDir string

	// ModelPath is the ONNX encoder (file or directory with model.onnx).
	// Ignored when an Embedder is injected via NewPipeline.
	ModelPath string

	// LabelsPath is the optional two-column CSV of (id, label). Empty means
	// no labels; every metadata row's label stays null.
	LabelsPath string

	// ShardSize is the number of tiles per shard (default 1000).
	ShardSize int

	// Workers is the number of concurrent shard workers (default 1). With
	// more than one, the embedder is guarded by a single shared lock.
	Workers int

	// Ext is the tile file extension (default ".tif").
	Ext string

	// TileWidth/TileHeight override the preprocessor geometry. Zero means
	// take the model's declared input size, falling back to 224.
	TileWidth  int
	TileHeight int
}

func (c *Config) applyDefaults() {
	if c.ShardSize <= 0 {
		c.ShardSize = shard.DefaultSize
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Ext == "" {
		c.Ext = ".tif"
	}
}

// ShardReport describes one processed shard.
type ShardReport struct {
	Name   string
	Items  int
	Rows   int
	Failed int
	// Err is set when the shard's artifacts could not be written. Other
	// shards are unaffected.
	Err error
}

// Report summarizes a run.
type Report struct {
	Items  int
	Shards []ShardReport
	Master reduce.Result
}

// Rows returns the total metadata rows across successfully written shards.
func (r *Report) Rows() int {
	total := 0
	for _, s := range r.Shards {
		if s.Err == nil {
			total += s.Rows
		}
	}
	return total
}

// FailedShards lists the names of shards whose artifacts failed to write.
func (r *Report) FailedShards() []string {
	var failed []string
	for _, s := range r.Shards {
		if s.Err != nil {
			failed = append(failed, s.Name)
		}
	}
	return failed
}

// Pipeline is the batch orchestrator. It owns shard lifecycle and shard
// output construction; the embedder and label index are read-only
// collaborators shared by all shard workers.
type Pipeline struct {
	cfg    Config
	emb    embeddings.Embedder
	labels labels.Index
	pre    *imaging.Preprocessor
	writer *store.Writer
	logger *zap.Logger
}

// NewPipeline wires a Pipeline from its collaborators. The embedder must
// already be loaded; labels may be nil for an unlabeled run.
func NewPipeline(cfg Config, emb embeddings.Embedder, ix labels.Index, logger *zap.Logger) (*Pipeline, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if ix == nil {
		ix = labels.Index{}
	}

	width, height := cfg.TileWidth, cfg.TileHeight
	if sized, ok := emb.(interface{ InputSize() (int, int, bool) }); ok && width == 0 && height == 0 {
		if h, w, ok := sized.InputSize(); ok {
			height, width = h, w
		}
	}

	writer, err := store.NewWriter(cfg.OutputDir, logger)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:    cfg,
		emb:    emb,
		labels: ix,
		pre:    imaging.NewPreprocessor(imaging.Config{Width: width, Height: height}),
		writer: writer,
		logger: logger.Named("pipeline"),
	}, nil
}

// Run discovers, shards, embeds, persists, and reduces. Per-item failures
// are logged and skipped; a shard whose artifacts cannot be written is
// recorded in the report without blocking other shards. The run errors out
// only on model-level failures before any shard starts, on cancellation,
// or when the master index cannot be written.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	items, err := shard.Discover(p.cfg.InputDir, p.cfg.Ext)
	if err != nil {
		return nil, err
	}

	shards, err := shard.Partition(items, p.cfg.ShardSize)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Starting embedding run",
		zap.Int("items", len(items)),
		zap.Int("shards", len(shards)),
		zap.Int("shardSize", p.cfg.ShardSize),
		zap.Int("workers", p.cfg.Workers),
		zap.Int("dim", p.emb.Dim()))

	report := &Report{
		Items:  len(items),
		Shards: make([]ShardReport, len(shards)),
	}

	emb := p.emb
	if p.cfg.Workers > 1 {
		// Not assumed safe for unsynchronized concurrent invocation.
		emb = embeddings.Guarded(emb)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, s := range shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report.Shards[i] = p.processShard(gctx, s, emb)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	// A cancellation that lands inside the last in-flight shard is recorded
	// on that shard's report but returns nil from the goroutine; catch it
	// here rather than reducing a cut-short run.
	if err := ctx.Err(); err != nil {
		return report, err
	}

	res, err := reduce.Reduce(p.cfg.OutputDir, p.logger)
	if err != nil {
		return report, err
	}
	report.Master = res

	if err := writeManifest(p.writer, report, p.emb.Dim(), p.cfg); err != nil {
		p.logger.Warn("Failed to write run manifest", zap.Error(err))
	}

	return report, nil
}

// processShard embeds every item of one shard into a zeroed matrix and
// persists the shard's artifact pair. Item position i maps to matrix row i
// at dispatch time; a failed item leaves row i zeroed and contributes no
// metadata row.
func (p *Pipeline) processShard(ctx context.Context, s shard.Shard, emb embeddings.Embedder) ShardReport {
	name := s.Name()
	rep := ShardReport{Name: name, Items: len(s.Items)}

	matrix := store.NewMatrix(len(s.Items), emb.Dim())
	rows := make([]store.Row, 0, len(s.Items))

	for i, item := range s.Items {
		vec, err := p.embedOne(ctx, item, emb)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				rep.Err = err
				return rep
			}
			p.logger.Warn("Skipping tile",
				zap.String("shard", name),
				zap.String("path", item.Path),
				zap.Error(err))
			tilesFailed.WithLabelValues(failureStage(err)).Inc()
			rep.Failed++
			continue
		}

		if err := matrix.SetRow(i, vec); err != nil {
			rep.Err = &store.WriteError{Shard: name, Err: err}
			return rep
		}

		row := store.Row{
			FileID:         item.ID,
			FilePath:       item.Path,
			EmbeddingBatch: name,
			EmbeddingIndex: int32(i),
		}
		if label, ok := p.labels.Lookup(item.ID); ok {
			row.Label = &label
		}
		rows = append(rows, row)
		tilesProcessed.Inc()
	}

	if err := p.writer.WriteShard(name, matrix, rows); err != nil {
		p.logger.Error("Shard write failed",
			zap.String("shard", name),
			zap.Error(err))
		rep.Err = err
		return rep
	}

	shardsWritten.Inc()
	rep.Rows = len(rows)
	return rep
}

// embedOne runs preprocessing and inference for a single tile. Both steps
// return a recoverable error the shard loop inspects; nothing propagates.
func (p *Pipeline) embedOne(ctx context.Context, item shard.Item, emb embeddings.Embedder) ([]float32, error) {
	tensor, err := p.pre.Preprocess(item.Path)
	if err != nil {
		return nil, err
	}
	return emb.Embed(ctx, tensor)
}

// failureStage classifies a per-item error for the failure counter.
func failureStage(err error) string {
	var de *imaging.DecodeError
	if errors.As(err, &de) {
		return "decode"
	}
	return "inference"
}

// Run is the whole pipeline behind one call: load the model (fatal on
// failure), load the labels, then construct and run the Pipeline.
func Run(ctx context.Context, logger *zap.Logger, cfg Config) (*Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	emb, err := embeddings.NewONNXEmbedder(embeddings.ONNXConfig{
		ModelPath: cfg.ModelPath,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := emb.Close(); cerr != nil {
			logger.Warn("Failed to close embedder", zap.Error(cerr))
		}
	}()

	ix, err := labels.Load(cfg.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("loading label index: %w", err)
	}
	logger.Info("Loaded label index", zap.Int("entries", len(ix)))

	pipeline, err := NewPipeline(cfg, emb, ix, logger)
	if err != nil {
		return nil, err
	}
	return pipeline.Run(ctx)
}
