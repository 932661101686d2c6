// Copyright 2026 The Chainwork Authors
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

package chainwork

import (
	"context"
	"time"
)

// WaitParams is the input to Client.WaitForJobChainCompletion (§4.3,
// §4.8).
type WaitParams struct {
	ID        string
	TimeoutMs int64

	// PollIntervalMs defaults to 1000 (§4.3).
	PollIntervalMs int64

	// Cancel, if non-nil, ends the wait early with ErrCanceled when
	// closed or sent to.
	Cancel <-chan struct{}
}

// WaitForJobChainCompletion blocks until the named chain completes, the
// timeout elapses, or cancel fires (§4.8). It subscribes before its
// first store read so that a chain completing between the read and the
// subscription being armed can never produce a lost wakeup — if the
// first read already observes "completed", it returns immediately
// without needing the subscription at all.
func (c *Client) WaitForJobChainCompletion(ctx context.Context, params WaitParams) (*Chain, error) {
	pollMs := params.PollIntervalMs
	if pollMs <= 0 {
		pollMs = 1000
	}

	notified := make(chan struct{}, 1)
	unsubscribe := func() {}
	if c.fabric != nil {
		unsub, err := c.fabric.ListenJobChainCompleted(ctx, params.ID, func() {
			select {
			case notified <- struct{}{}:
			default:
			}
		})
		if err == nil {
			unsubscribe = unsub
		} else {
			c.hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "wait: subscribe failed, falling back to polling", Err: err})
		}
	}
	defer unsubscribe()

	// Read the store only after the subscription is armed: if the
	// chain is already completed, a completion notification emitted
	// just before we subscribed is irrelevant — this read already
	// catches the terminal state.
	if chain, err := c.store.GetJobChainByID(ctx, nil, params.ID); err != nil {
		return nil, err
	} else if chain != nil && chain.Completed() {
		return chain, nil
	}

	var timeoutC <-chan time.Time
	if params.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(params.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutC = timer.C
	}

	ticker := time.NewTicker(time.Duration(pollMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-params.Cancel:
			return nil, ErrCanceled
		case <-timeoutC:
			return nil, ErrTimeout
		case <-notified:
		case <-ticker.C:
		}

		chain, err := c.store.GetJobChainByID(ctx, nil, params.ID)
		if err != nil {
			return nil, err
		}
		if chain != nil && chain.Completed() {
			return chain, nil
		}
	}
}
