// Copyright 2025 Antfly, Inc.
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
	"github.com/spf13/cobra"

	"github.com/antflydb/weaver/lib/cli"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available models",
	Long: `List models available locally or in the checkpoint catalog.

By default, shows locally installed models. Use --catalog to show the
named checkpoints available for download.

Examples:
  # List local models
  weaver list

  # List the published checkpoint catalog
  weaver list --catalog`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().Bool("catalog", false, "List the published checkpoint catalog")
}

func runList(cmd *cobra.Command, args []string) error {
	catalog, _ := cmd.Flags().GetBool("catalog")

	if catalog {
		return cli.ListCatalog()
	}
	return cli.ListLocalModels(cli.ListOptions{
		ModelsDir:  modelsDir,
		BinaryName: "weaver",
	})
}
