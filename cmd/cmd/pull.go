// Copyright 2026 Lumen Bio, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lumenbio/tilevec/lib/modelfetch"
)

var pullCmd = &cobra.Command{
	Use:   "pull <repo-id> [repo-id...]",
	Short: "Download ONNX encoder(s) from HuggingFace Hub",
	Long: `Download one or more ONNX vision encoders into the models directory.

Examples:
  # Pull an encoder into ./models
  tilevec pull MahmoodLab/UNI-onnx

  # Pull a gated model with a token
  tilevec pull --hf-token $HF_TOKEN owner/private-encoder`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("models-dir", "models", "directory models are installed under")
	pullCmd.Flags().String("hf-token", "", "HuggingFace API token for gated models (or use HF_TOKEN env var)")
	mustBindPFlag("models_dir", pullCmd.Flags().Lookup("models-dir"))
}

func runPull(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	token, _ := cmd.Flags().GetString("hf-token")
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}

	for _, repoID := range args {
		fmt.Printf("Pulling %s...\n", repoID)
		dir, err := modelfetch.Pull(repoID, modelfetch.Options{
			ModelsDir: viper.GetString("models_dir"),
			Token:     token,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", repoID, err)
		}
		fmt.Printf("Installed %s\n", dir)
	}
	return nil
}
