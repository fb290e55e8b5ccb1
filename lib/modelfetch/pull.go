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

// Package modelfetch downloads the ONNX encoder from HuggingFace Hub into
// the local models directory.
package modelfetch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
)

// Options configures a pull.
type Options struct {
	// ModelsDir is the local root the model is installed under.
	ModelsDir string

	// Token is the HuggingFace API token for gated repos.
	Token string

	// Logger for logging (nil = no logging)
	Logger *zap.Logger
}

// Pull downloads the ONNX model files from repoID (e.g. "owner/model") and
// installs them under modelsDir/owner/model, flattening any onnx/
// subdirectory. It returns the installed model directory.
func Pull(repoID string, opts Options) (string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	repo := hub.New(repoID)
	if opts.Token != "" {
		repo = repo.WithAuth(opts.Token)
	}

	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return "", fmt.Errorf("listing files in %s: %w", repoID, err)
		}
		files = append(files, fileName)
	}

	toDownload := selectModelFiles(files)
	if len(toDownload) == 0 {
		return "", fmt.Errorf("no ONNX model files found in %s", repoID)
	}

	modelDir := filepath.Join(opts.ModelsDir, filepath.FromSlash(repoID))
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return "", fmt.Errorf("creating model directory: %w", err)
	}

	for _, fileName := range toDownload {
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}

		destPath := filepath.Join(modelDir, filepath.Base(fileName))
		if err := copyFile(localPath, destPath); err != nil {
			return "", fmt.Errorf("installing %s: %w", fileName, err)
		}
		logger.Info("Downloaded model file",
			zap.String("file", fileName),
			zap.String("dest", destPath))
	}

	return modelDir, nil
}

// selectModelFiles picks the ONNX weights plus the JSON sidecar configs an
// encoder needs. External-data .onnx_data blobs belonging to a selected
// model are kept too.
func selectModelFiles(files []string) []string {
	var selected []string
	for _, f := range files {
		base := filepath.Base(f)
		switch {
		case strings.HasSuffix(base, ".onnx"), strings.HasSuffix(base, ".onnx_data"):
			selected = append(selected, f)
		case base == "config.json", base == "preprocessor_config.json":
			selected = append(selected, f)
		}
	}
	return selected
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
