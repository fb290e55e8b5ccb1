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
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lumenbio/tilevec"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Embed a directory of tiles into sharded artifacts",
	Long: `Embed every tile in the input directory and persist the results.

Each shard of tiles produces a float32 matrix (batch_NNNNN.npy) and a
metadata table (batch_NNNNN.parquet); after all shards complete the
metadata is reduced into master.parquet. A corrupt tile is logged and
skipped; its matrix row stays zeroed and it gets no metadata row.

Examples:
  # Embed .tif tiles with the default shard size of 1000
  tilevec run --input tiles/ --output out/ --model models/uni/model.onnx

  # Join ground-truth labels and use 4 shard workers
  tilevec run --input tiles/ --output out/ --model model.onnx \
    --labels labels.csv --workers 4`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("input", "", "directory of tile images")
	runCmd.Flags().String("output", "", "directory for shard artifacts and master index")
	runCmd.Flags().String("model", "", "ONNX encoder (file or directory with model.onnx)")
	runCmd.Flags().String("labels", "", "optional two-column CSV of id,label")
	runCmd.Flags().Int("shard-size", 1000, "number of tiles per shard")
	runCmd.Flags().Int("workers", 1, "concurrent shard workers")
	runCmd.Flags().String("ext", ".tif", "tile file extension")
	mustBindPFlag("input", runCmd.Flags().Lookup("input"))
	mustBindPFlag("output", runCmd.Flags().Lookup("output"))
	mustBindPFlag("model", runCmd.Flags().Lookup("model"))
	mustBindPFlag("labels", runCmd.Flags().Lookup("labels"))
	mustBindPFlag("shard_size", runCmd.Flags().Lookup("shard-size"))
	mustBindPFlag("workers", runCmd.Flags().Lookup("workers"))
	mustBindPFlag("ext", runCmd.Flags().Lookup("ext"))

	_ = runCmd.MarkFlagRequired("input")
	_ = runCmd.MarkFlagRequired("output")
	_ = runCmd.MarkFlagRequired("model")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg := tilevec.Config{
		InputDir:   viper.GetString("input"),
		OutputDir:  viper.GetString("output"),
		ModelPath:  viper.GetString("model"),
		LabelsPath: viper.GetString("labels"),
		ShardSize:  viper.GetInt("shard_size"),
		Workers:    viper.GetInt("workers"),
		Ext:        viper.GetString("ext"),
	}

	report, err := tilevec.Run(ctx, logger, cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Embedded %d rows from %d tiles across %d shards\n",
		report.Rows(), report.Items, len(report.Shards))
	if failed := report.FailedShards(); len(failed) > 0 {
		logger.Warn("Some shards failed to write", zap.Strings("shards", failed))
		return fmt.Errorf("%d shard(s) failed: %v", len(failed), failed)
	}
	if report.Master.Skipped {
		fmt.Println("No shard metadata produced; master index skipped")
	} else {
		fmt.Printf("Master index: %s (%d rows)\n", report.Master.Path, report.Master.Rows)
	}
	return nil
}
