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

// stagehand is the control-plane client. Commands run in process against
// the same components the daemon composes, sharing its configuration and
// state database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/config"
	"github.com/tombee/stagehand/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// rootFlags are shared across all subcommands.
type rootFlags struct {
	configPath  string
	projectUUID string
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "stagehand",
		Short:         "Pipeline control plane client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to configuration file")
	root.PersistentFlags().StringVarP(&flags.projectUUID, "project", "p", "", "Project UUID")

	root.AddCommand(
		newRunCommand(flags),
		newBuildCommand(flags),
		newSessionCommand(flags),
		newPipelinesCommand(flags),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openDaemon builds the daemon components for one in-process invocation.
// The caller must Close the returned daemon.
func openDaemon(flags *rootFlags) (*daemon.Daemon, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		return nil, err
	}
	if err := d.ScanProjects(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stagehand %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
