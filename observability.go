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

import "time"

// Level mirrors the severity of an observability Event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventType enumerates the events the engine emits (§4.7).
type EventType string

const (
	EventWorkerStarted      EventType = "worker_started"
	EventWorkerStopped      EventType = "worker_stopped"
	EventWorkerError        EventType = "worker_error"
	EventJobCreated         EventType = "job_created"
	EventJobAttemptStarted  EventType = "job_attempt_started"
	EventJobCompleted       EventType = "job_completed"
	EventJobFailed          EventType = "job_failed"
	EventJobReaped          EventType = "job_reaped"
	EventChainCreated       EventType = "chain_created"
	EventChainCompleted     EventType = "chain_completed"
	EventBlockerResolved    EventType = "blocker_resolved"
	EventLeaseLost           EventType = "lease_lost"
	EventAdapterError        EventType = "adapter_error"
	EventNotifyContextAbsent EventType = "notify_context_absent"
)

// Event is the single typed callback shape observability hooks receive
// (§4.7). Data carries event-specific key/value context (job id, chain
// id, type name, attempt, ...).
type Event struct {
	Type    EventType
	Level   Level
	Message string
	Data    map[string]any
	Err     error
}

// EventHandler receives observability events. Implementations must not
// block meaningfully; the engine calls handlers synchronously on the
// path that produced the event.
type EventHandler func(Event)

// Hooks bundles the pure observability callbacks a Client or Worker is
// constructed with. Every field is optional; transports (metrics,
// tracing) attach externally by supplying these.
type Hooks struct {
	OnEvent EventHandler

	// OnDuration reports a duration sample for one of "chain", "job",
	// "job_attempt".
	OnDuration func(metric string, d time.Duration, labels map[string]string)

	// OnGauge reports a delta-encoded gauge change for "idle" or
	// "processing", scoped to typeName, so callers can maintain a
	// running per-type count without the engine holding global state.
	OnGauge func(metric, typeName string, delta int)
}

func (h Hooks) emit(ev Event) {
	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
}

func (h Hooks) duration(metric string, d time.Duration, labels map[string]string) {
	if h.OnDuration != nil {
		h.OnDuration(metric, d, labels)
	}
}

func (h Hooks) gauge(metric, typeName string, delta int) {
	if h.OnGauge != nil {
		h.OnGauge(metric, typeName, delta)
	}
}
