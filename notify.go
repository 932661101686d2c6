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

import "context"

// NotifyFabric is the L2 adapter contract: best-effort wakeups for
// three topics (§6.2). Messages are at-least-once and may be dropped
// under failure; receivers must treat them as hints and re-read the
// store, never as a substitute for polling.
type NotifyFabric interface {
	// NotifyJobScheduled announces that count job(s) of typeName became
	// newly pending.
	NotifyJobScheduled(ctx context.Context, typeName string, count int) error

	// ListenJobScheduled invokes onNotification whenever a job of one of
	// typeNames is scheduled, until the returned func is called.
	ListenJobScheduled(ctx context.Context, typeNames []string, onNotification func(typeName string, count int)) (unsubscribe func(), err error)

	// NotifyJobChainCompleted announces that chainID's chain became
	// completed.
	NotifyJobChainCompleted(ctx context.Context, chainID string) error

	// ListenJobChainCompleted invokes onNotification when chainID
	// completes, until the returned func is called.
	ListenJobChainCompleted(ctx context.Context, chainID string, onNotification func()) (unsubscribe func(), err error)

	// NotifyJobOwnershipLost announces that jobID's lease was reaped.
	NotifyJobOwnershipLost(ctx context.Context, jobID string) error

	// ListenJobOwnershipLost invokes onNotification when jobID's lease
	// is reaped, until the returned func is called.
	ListenJobOwnershipLost(ctx context.Context, jobID string, onNotification func()) (unsubscribe func(), err error)
}
