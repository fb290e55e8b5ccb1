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

	"github.com/spf13/cobra"

	"github.com/lumenbio/tilevec/lib/reduce"
)

var reduceCmd = &cobra.Command{
	Use:   "reduce",
	Short: "Rebuild the master index from existing shard artifacts",
	Long: `Concatenate every batch_*.parquet in the output directory into
master.parquet, preserving shard order then intra-shard row order.
Reduction is idempotent: re-running over the same artifacts produces an
identical row sequence.`,
	RunE: runReduce,
}

func init() {
	rootCmd.AddCommand(reduceCmd)

	reduceCmd.Flags().String("output", "", "directory holding shard artifacts")
	_ = reduceCmd.MarkFlagRequired("output")
}

func runReduce(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// The flag is required, so read it directly rather than through viper;
	// run binds the same "output" key for its own flag.
	output, _ := cmd.Flags().GetString("output")

	res, err := reduce.Reduce(output, logger)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Println("No shard metadata artifacts found; nothing to reduce")
		return nil
	}
	fmt.Printf("Master index: %s (%d rows from %d shards)\n", res.Path, res.Rows, res.Shards)
	return nil
}
