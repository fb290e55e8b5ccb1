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

// Package embeddings defines the embedding model contract and its ONNX
// Runtime implementation. The model is loaded exactly once per process and
// maps one preprocessed tile tensor to one fixed-length vector.
package embeddings

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/lumenbio/tilevec/lib/imaging"
)

// Embedder maps a single preprocessed tensor to a fixed-length vector.
// Implementations are loaded once and reused for the whole run; they are
// not assumed safe for unsynchronized concurrent use (see Guarded).
type Embedder interface {
	Embed(ctx context.Context, t *imaging.Tensor) ([]float32, error)
	Dim() int
	Close() error
}

// LoadError reports that the embedding model failed to initialize.
// This is the one failure mode that aborts the run before any shard starts.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading embedding model %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InferenceError reports a failed inference call on an otherwise valid
// tensor. Recoverable: the caller skips the item.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("running inference: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Ensure GuardedEmbedder implements the Embedder interface
var _ Embedder = (*GuardedEmbedder)(nil)

// GuardedEmbedder serializes access to an embedder whose backend is not
// confirmed safe for concurrent invocation. Shard workers share one
// instance; the semaphore is the single lock required by the concurrency
// model.
type GuardedEmbedder struct {
	inner Embedder
	sem   *semaphore.Weighted
}

// Guarded wraps e so that at most one Embed call runs at a time.
func Guarded(e Embedder) *GuardedEmbedder {
	return &GuardedEmbedder{inner: e, sem: semaphore.NewWeighted(1)}
}

// Embed acquires the guard before delegating; acquisition respects ctx.
func (g *GuardedEmbedder) Embed(ctx context.Context, t *imaging.Tensor) ([]float32, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring embedder slot: %w", err)
	}
	defer g.sem.Release(1)
	return g.inner.Embed(ctx, t)
}

// Dim returns the embedding width of the wrapped embedder.
func (g *GuardedEmbedder) Dim() int { return g.inner.Dim() }

// Close releases the wrapped embedder.
func (g *GuardedEmbedder) Close() error { return g.inner.Close() }
