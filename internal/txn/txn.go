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

// Package txn implements the two-phase command pattern every state-changing
// operation of the control plane goes through: a transactional phase that
// records intent in the store, followed by a collateral phase that performs
// the external side effects. When a collateral phase fails, the recorded
// intent is reverted so no entity is left pending forever.
package txn

import (
	"context"
	"log/slog"

	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/pkg/errors"
)

// Command is one unit of two-phase work.
//
// Transaction runs inside a shared store transaction and must only mutate
// database state. Collateral runs after commit and performs the external
// effect (scheduling a task, deleting a namespace). Revert runs against the
// store directly when any collateral phase of the batch fails; it must be
// safe to call even if the command's own collateral never ran.
type Command interface {
	Transaction(ctx context.Context, tx store.Tx) error
	Collateral(ctx context.Context) error
	Revert(ctx context.Context) error
}

// Executor runs commands through both phases against a single store.
type Executor struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an executor.
func New(st store.Store, logger *slog.Logger) *Executor {
	return &Executor{store: st, logger: logger}
}

// Execute runs the commands' transactional phases inside one store
// transaction, commits, then runs each collateral phase in registration
// order. A transactional failure rolls everything back and nothing else
// runs. A collateral failure reverts every command in the batch and the
// collateral error is returned.
func (e *Executor) Execute(ctx context.Context, commands ...Command) error {
	if len(commands) == 0 {
		return nil
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	for _, cmd := range commands {
		if err := cmd.Transaction(ctx, tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.Error("rollback failed", "error", rbErr)
			}
			return errors.Wrap(err, "transactional phase failed")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	for _, cmd := range commands {
		if err := cmd.Collateral(ctx); err != nil {
			e.logger.Error("collateral phase failed, reverting", "error", err)
			e.revert(ctx, commands)
			return errors.Wrap(err, "collateral phase failed")
		}
	}

	return nil
}

// revert runs every command's revert phase in reverse registration order.
// Revert errors are logged and do not stop the remaining reverts.
func (e *Executor) revert(ctx context.Context, commands []Command) {
	for i := len(commands) - 1; i >= 0; i-- {
		if err := commands[i].Revert(ctx); err != nil {
			e.logger.Error("revert failed", "error", err)
		}
	}
}
