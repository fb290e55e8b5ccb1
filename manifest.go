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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"

	"github.com/lumenbio/tilevec/lib/store"
)

// ManifestName is the run manifest written next to the artifacts.
const ManifestName = "manifest.json"

// Manifest records what a run produced, with checksums so an artifact set
// can be audited without re-reading the vectors.
type Manifest struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Model       string          `json:"model"`
	Dim         int             `json:"dim"`
	ShardSize   int             `json:"shard_size"`
	Items       int             `json:"items"`
	Rows        int             `json:"rows"`
	Shards      []ManifestShard `json:"shards"`
	Master      string          `json:"master,omitempty"`
}

// ManifestShard is one shard's entry in the manifest.
type ManifestShard struct {
	Name             string `json:"name"`
	Items            int    `json:"items"`
	Rows             int    `json:"rows"`
	Failed           int    `json:"failed"`
	MatrixChecksum   string `json:"matrix_xxh64,omitempty"`
	MetadataChecksum string `json:"metadata_xxh64,omitempty"`
}

// writeManifest summarizes the run next to its artifacts. Failed shards are
// listed without checksums; their artifacts are invalid.
func writeManifest(w *store.Writer, report *Report, dim int, cfg Config) error {
	m := Manifest{
		GeneratedAt: time.Now().UTC(),
		Model:       cfg.ModelPath,
		Dim:         dim,
		ShardSize:   cfg.ShardSize,
		Items:       report.Items,
		Rows:        report.Rows(),
	}
	if !report.Master.Skipped {
		m.Master = filepath.Base(report.Master.Path)
	}

	for _, s := range report.Shards {
		entry := ManifestShard{
			Name:   s.Name,
			Items:  s.Items,
			Rows:   s.Rows,
			Failed: s.Failed,
		}
		if s.Err == nil {
			entry.MatrixChecksum = checksumFile(w.MatrixPath(s.Name))
			entry.MetadataChecksum = checksumFile(w.MetadataPath(s.Name))
		}
		m.Shards = append(m.Shards, entry)
	}

	data, err := sonic.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	path := filepath.Join(w.Dir(), ManifestName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// checksumFile returns the xxh64 of a file's contents, or "" if unreadable.
func checksumFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
