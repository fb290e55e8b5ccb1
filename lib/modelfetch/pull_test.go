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

package modelfetch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectModelFiles(t *testing.T) {
	files := []string{
		"README.md",
		"config.json",
		"preprocessor_config.json",
		"tokenizer.json",
		"onnx/model.onnx",
		"onnx/model.onnx_data",
		"model.safetensors",
		"pytorch_model.bin",
	}

	selected := selectModelFiles(files)
	assert.Equal(t, []string{
		"config.json",
		"preprocessor_config.json",
		"onnx/model.onnx",
		"onnx/model.onnx_data",
	}, selected)
}

func TestSelectModelFilesEmpty(t *testing.T) {
	assert.Empty(t, selectModelFiles([]string{"README.md", "model.safetensors"}))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.onnx")
	dst := filepath.Join(dir, "dst.onnx")
	require.NoError(t, os.WriteFile(src, []byte("onnx-bytes"), 0o644))

	require.NoError(t, copyFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("onnx-bytes"), got)
}

// TestPull hits the HuggingFace Hub and is only run when opted into.
func TestPull(t *testing.T) {
	if os.Getenv("TILEVEC_TEST_PULL") == "" {
		t.Skip("TILEVEC_TEST_PULL not set, skipping network pull")
	}

	dir, err := Pull("Xenova/vit-base-patch16-224", Options{ModelsDir: t.TempDir()})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
