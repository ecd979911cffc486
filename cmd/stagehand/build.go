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

func newBuildCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Manage environment image builds",
	}
	cmd.AddCommand(
		newBuildRequestCommand(flags),
		newBuildCancelCommand(flags),
		newBuildGCCommand(flags),
	)
	return cmd
}

func newBuildRequestCommand(flags *rootFlags) *cobra.Command {
	var (
		environmentUUID string
		sourcePath      string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request an environment image build",
		Long: `Request admits a new build for the environment. A build already in
flight for the same environment is aborted first, so at most one build per
environment is ever active.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			build, err := d.RequestBuild(cmd.Context(), flags.projectUUID, environmentUUID, sourcePath)
			if err != nil {
				return err
			}
			fmt.Printf("build tag %d (correlation %s)\n", build.Tag, build.CorrelationID)
			return nil
		},
	}

	cmd.Flags().StringVar(&environmentUUID, "environment", "", "Environment UUID")
	cmd.Flags().StringVar(&sourcePath, "path", "", "Build context path")
	cmd.MarkFlagRequired("environment")
	return cmd
}

func newBuildCancelCommand(flags *rootFlags) *cobra.Command {
	var (
		environmentUUID string
		tag             int
	)

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.CancelBuild(cmd.Context(), flags.projectUUID, environmentUUID, tag)
		},
	}

	cmd.Flags().StringVar(&environmentUUID, "environment", "", "Environment UUID")
	cmd.Flags().IntVar(&tag, "tag", 0, "Build tag")
	cmd.MarkFlagRequired("environment")
	cmd.MarkFlagRequired("tag")
	return cmd
}

func newBuildGCCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gc-check",
		Short: "Check whether registry garbage collection may run",
		Long: `gc-check reports whether the registry garbage collector is safe to
run right now. Collection is blocked while any build is active or any built
image has not been pushed to the registry yet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			ok, err := d.CanGarbageCollect(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("garbage collection blocked: builds active or images pending push")
			}
			fmt.Println("garbage collection allowed")
			return nil
		},
	}
}
