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

	"github.com/tombee/stagehand/internal/daemon"
	"github.com/tombee/stagehand/pkg/pipeline"
)

func newSessionCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage interactive sessions",
	}
	cmd.AddCommand(
		newSessionStartCommand(flags),
		newSessionStopCommand(flags),
		newSessionRestartCommand(flags),
		newSessionEvictCommand(flags),
		newSessionShowCommand(flags),
	)
	return cmd
}

func newSessionStartCommand(flags *rootFlags) *cobra.Command {
	var (
		pipelineUUID string
		userEnv      map[string]string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the session for a pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			return d.StartSession(cmd.Context(), daemon.SessionRequest{
				ProjectUUID:  flags.projectUUID,
				PipelineUUID: pipelineUUID,
				Type:         pipeline.SessionInteractive,
				UserEnv:      userEnv,
			})
		},
	}

	cmd.Flags().StringVar(&pipelineUUID, "pipeline", "", "Pipeline UUID")
	cmd.Flags().VarP(newEnvValue(&userEnv), "env", "e", "Environment variable in key=value format (repeatable)")
	cmd.MarkFlagRequired("pipeline")
	return cmd
}

func newSessionStopCommand(flags *rootFlags) *cobra.Command {
	var pipelineUUID string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the session for a pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.StopSession(cmd.Context(), flags.projectUUID, pipelineUUID)
		},
	}

	cmd.Flags().StringVar(&pipelineUUID, "pipeline", "", "Pipeline UUID")
	cmd.MarkFlagRequired("pipeline")
	return cmd
}

func newSessionRestartCommand(flags *rootFlags) *cobra.Command {
	var (
		pipelineUUID string
		service      string
	)

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart one service of a running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.RestartSessionService(cmd.Context(), flags.projectUUID, pipelineUUID, service)
		},
	}

	cmd.Flags().StringVar(&pipelineUUID, "pipeline", "", "Pipeline UUID")
	cmd.Flags().StringVar(&service, "service", "", "Service name")
	cmd.MarkFlagRequired("pipeline")
	cmd.MarkFlagRequired("service")
	return cmd
}

func newSessionEvictCommand(flags *rootFlags) *cobra.Command {
	var pipelineUUID string

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Clear the memory-server's pipeline data for a running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.EvictSessionData(cmd.Context(), flags.projectUUID, pipelineUUID)
		},
	}

	cmd.Flags().StringVar(&pipelineUUID, "pipeline", "", "Pipeline UUID")
	cmd.MarkFlagRequired("pipeline")
	return cmd
}

func newSessionShowCommand(flags *rootFlags) *cobra.Command {
	var pipelineUUID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the session for a pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			sess, err := d.GetSession(cmd.Context(), flags.projectUUID, pipelineUUID)
			if err != nil {
				return err
			}
			fmt.Printf("session %s/%s\t%s\n", sess.ProjectUUID, sess.PipelineUUID, sess.Status)
			for name, endpoint := range sess.Endpoints {
				fmt.Printf("  %s\t%s\n", name, endpoint)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pipelineUUID, "pipeline", "", "Pipeline UUID")
	cmd.MarkFlagRequired("pipeline")
	return cmd
}
