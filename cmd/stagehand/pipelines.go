// Copyright 2025 Tom Barlow
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

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPipelinesCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List the project's pipeline definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.projectUUID == "" {
				return fmt.Errorf("--project is required")
			}
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			for _, entry := range d.Pipelines(flags.projectUUID) {
				fmt.Printf("%s\t%s\t%s\n", entry.PipelineUUID, entry.Definition.Name, entry.Path)
			}
			return nil
		},
	}
}
