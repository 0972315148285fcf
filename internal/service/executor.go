// Copyright 2025 The axfor Authors
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

package service

import (
	"context"
	"sync/atomic"

	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/statemachine"
)

// Executor decides how a command reaches the state machine.
//
// Execute returns only after the command has been applied on the local
// replica, so a read issued afterwards observes its effects.
type Executor interface {
	Execute(ctx context.Context, cmd kvstore.Command) (*kvstore.Outcome, error)
	Close() error
}

// Direct applies commands synchronously in the caller's goroutine.
type Direct struct {
	sm     *statemachine.Machine
	closed atomic.Bool
}

// NewDirect returns the embedded executor.
func NewDirect(sm *statemachine.Machine) *Direct {
	return &Direct{sm: sm}
}

// Execute implements Executor. Cancellation is honoured only before the
// command is admitted.
func (d *Direct) Execute(ctx context.Context, cmd kvstore.Command) (*kvstore.Outcome, error) {
	if d.closed.Load() {
		return nil, kvstore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.sm.Apply(ctx, cmd)
}

// Close implements Executor.
func (d *Direct) Close() error {
	d.closed.Store(true)
	return nil
}
