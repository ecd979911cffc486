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
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/daemon"
	"github.com/tombee/stagehand/internal/store"
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
	}
	cmd.AddCommand(
		newRunSubmitCommand(flags),
		newRunListCommand(flags),
		newRunShowCommand(flags),
		newRunCancelCommand(flags),
		newRunEventsCommand(flags),
	)
	return cmd
}

func newRunSubmitCommand(flags *rootFlags) *cobra.Command {
	var (
		pipelineUUID string
		runType      string
		selection    []string
		userEnv      map[string]string
		wait         bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a pipeline run",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			run, err := d.SubmitRun(cmd.Context(), daemon.RunRequest{
				ProjectUUID:  flags.projectUUID,
				PipelineUUID: pipelineUUID,
				Kind:         store.RunKindInteractive,
				RunType:      runType,
				Selection:    selection,
				UserEnv:      userEnv,
			})
			if err != nil {
				return err
			}
			fmt.Println(run.UUID)

			if !wait {
				return nil
			}
			for {
				got, err := d.GetRun(cmd.Context(), run.UUID)
				if err != nil {
					return err
				}
				if got.Status.Terminal() {
					fmt.Println(got.Status)
					if got.Status != store.StatusSuccess {
						return fmt.Errorf("run finished with status %s", got.Status)
					}
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(500 * time.Millisecond):
				}
			}
		},
	}

	cmd.Flags().StringVar(&pipelineUUID, "pipeline", "", "Pipeline UUID")
	cmd.Flags().StringVar(&runType, "type", "", "Run type (full, selection, incoming, incoming-inclusive)")
	cmd.Flags().StringSliceVar(&selection, "step", nil, "Step UUID selection (repeatable)")
	cmd.Flags().VarP(newEnvValue(&userEnv), "env", "e", "Environment variable in key=value format (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish")
	cmd.MarkFlagRequired("pipeline")
	return cmd
}

func newRunListCommand(flags *rootFlags) *cobra.Command {
	var (
		jobUUID string
		status  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			runs, err := d.ListRuns(cmd.Context(), store.RunFilter{
				ProjectUUID: flags.projectUUID,
				JobUUID:     jobUUID,
				Status:      store.Status(status),
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Printf("%s\t%s\t%s\t%s\n", run.UUID, run.PipelineUUID, run.Kind, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jobUUID, "job", "", "Filter by job UUID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list")
	return cmd
}

func newRunShowCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-uuid>",
		Short: "Show a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			run, err := d.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("run %s\tpipeline %s\t%s\n", run.UUID, run.PipelineUUID, run.Status)

			steps, err := d.ListStepRuns(cmd.Context(), run.UUID)
			if err != nil {
				return err
			}
			for _, step := range steps {
				fmt.Printf("  step %s\t%s\n", step.StepUUID, step.Status)
			}
			return nil
		},
	}
}

func newRunCancelCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-uuid>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.CancelRun(cmd.Context(), args[0])
		},
	}
}

func newRunEventsCommand(flags *rootFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent state-transition events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			list, err := d.ListEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, event := range list {
				fmt.Printf("%s\t%s\t%v\n", event.CreatedAt.Format(time.RFC3339), event.Type, event.Payload)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events to list")
	return cmd
}

