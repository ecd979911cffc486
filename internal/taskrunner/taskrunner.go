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

// Package taskrunner runs the control plane's background tasks: pipeline
// run schedulers, image build drivers, session launches. Tasks are
// addressed by UUID and support two independent cancellation channels, a
// hard context revoke and a cooperative abort token.
package taskrunner

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/stagehand/pkg/errors"
)

// Token signals cooperative cancellation. Long-running tasks check it
// between poll iterations and wind down cleanly when signalled, unlike a
// context revoke which tears the task down wherever it happens to block.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

// NewToken creates an unsignalled token.
func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Signal marks the token. Safe to call more than once.
func (t *Token) Signal() {
	t.once.Do(func() { close(t.ch) })
}

// Signalled reports whether Signal has been called.
func (t *Token) Signalled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is signalled.
func (t *Token) Done() <-chan struct{} {
	return t.ch
}

// Task is one unit of background work.
type Task func(ctx context.Context, token *Token) error

// Runner submits and cancels background tasks by UUID.
type Runner interface {
	// Submit schedules task under taskUUID. Returns a conflict error if a
	// task with that UUID is already running.
	Submit(taskUUID string, task Task) error

	// Revoke cancels the task's context. Reports whether the task was found.
	Revoke(taskUUID string) bool

	// SignalAbort signals the task's cooperative token. Reports whether the
	// task was found.
	SignalAbort(taskUUID string) bool
}

type handle struct {
	cancel context.CancelFunc
	token  *Token
}

// Pool is an in-process Runner with bounded concurrency.
type Pool struct {
	group  *errgroup.Group
	ctx    context.Context
	logger *slog.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	handles map[string]*handle
}

// NewPool creates a pool. Tasks beyond the concurrency limit queue in a
// handoff goroutine rather than blocking the caller. limit <= 0 means
// unbounded.
func NewPool(ctx context.Context, limit int, logger *slog.Logger) *Pool {
	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}
	return &Pool{
		group:   group,
		ctx:     groupCtx,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Submit schedules the task for execution.
func (p *Pool) Submit(taskUUID string, task Task) error {
	p.mu.Lock()
	if _, exists := p.handles[taskUUID]; exists {
		p.mu.Unlock()
		return &errors.ConflictError{Resource: "task", Key: taskUUID, Message: "task already running"}
	}

	taskCtx, cancel := context.WithCancel(p.ctx)
	h := &handle{cancel: cancel, token: NewToken()}
	p.handles[taskUUID] = h
	p.mu.Unlock()

	// group.Go blocks once the limit is reached; the handoff goroutine
	// absorbs that wait so request-path callers never stall on a full pool.
	p.wg.Add(1)
	go p.group.Go(func() error {
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.handles, taskUUID)
			p.mu.Unlock()
			p.wg.Done()
		}()

		if taskCtx.Err() != nil {
			// Revoked while queued.
			return nil
		}

		if err := task(taskCtx, h.token); err != nil && taskCtx.Err() == nil {
			p.logger.Error("task failed", "task_uuid", taskUUID, "error", err)
		}
		// Task errors are terminal for the task, not the pool.
		return nil
	})

	return nil
}

// Revoke cancels the task's context.
func (p *Pool) Revoke(taskUUID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[taskUUID]
	if ok {
		h.cancel()
	}
	return ok
}

// SignalAbort signals the task's cooperative token.
func (p *Pool) SignalAbort(taskUUID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[taskUUID]
	if ok {
		h.token.Signal()
	}
	return ok
}

// Wait blocks until every submitted task has finished, the queued ones
// included.
func (p *Pool) Wait() error {
	p.wg.Wait()
	return p.group.Wait()
}
