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
	"errors"
	"fmt"
)

// RegistryErrorCode enumerates the §4.1 registry error codes.
type RegistryErrorCode string

const (
	ErrUnknownType                  RegistryErrorCode = "UNKNOWN_TYPE"
	ErrNotEntry                     RegistryErrorCode = "NOT_ENTRY"
	ErrInvalidInput                 RegistryErrorCode = "INVALID_INPUT"
	ErrInvalidOutput                RegistryErrorCode = "INVALID_OUTPUT"
	ErrOutputRequired               RegistryErrorCode = "OUTPUT_REQUIRED"
	ErrContinuationUnsupported      RegistryErrorCode = "CONTINUATION_UNSUPPORTED"
	ErrContinuationTargetDisallowed RegistryErrorCode = "CONTINUATION_TARGET_DISALLOWED"
	ErrBlockersUnsupported          RegistryErrorCode = "BLOCKERS_UNSUPPORTED"
	ErrBlockerTargetDisallowed      RegistryErrorCode = "BLOCKER_TARGET_DISALLOWED"
)

// RegistryError reports a fail-closed validation failure from the
// job-type registry (§4.1). It is fatal for the operation that raised
// it. A handler attempt that fails with one of the codes Fatal lists is
// completed with an error record, never rescheduled (§4.4 "Fatal vs
// retryable errors"). An attempt that fails with UNKNOWN_TYPE, NOT_ENTRY
// or INVALID_INPUT is rescheduled like any handler error; this includes
// a continuation into an unregistered type, or one whose input the
// target type's schema rejects.
type RegistryError struct {
	Code     RegistryErrorCode
	TypeName string
	Detail   string
}

func (e *RegistryError) Error() string {
	if e.TypeName == "" {
		return fmt.Sprintf("registry: %s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("registry: %s: type %q: %s", e.Code, e.TypeName, e.Detail)
}

// Fatal reports whether an error must never be retried by the worker
// loop, and instead completes the attempt with an error record (§4.4).
func Fatal(err error) bool {
	var rerr *RegistryError
	if errors.As(err, &rerr) {
		switch rerr.Code {
		case ErrOutputRequired, ErrInvalidOutput, ErrContinuationUnsupported,
			ErrContinuationTargetDisallowed, ErrBlockersUnsupported, ErrBlockerTargetDisallowed:
			return true
		}
	}
	return false
}

// ErrLeaseLost is returned by adapter operations (and by Complete) when
// the calling worker no longer owns the job's lease — another worker or
// the reaper has already taken it over, or the job was already
// completed. It is not an error condition in the usual sense: it is a
// state observation that silently cancels the current attempt (§7).
var ErrLeaseLost = errors.New("chainwork: lease lost")

// StoreError wraps an error raised by a Store adapter, classified as
// transient (worth retrying with backoff at the operation boundary) or
// permanent (surfaced as-is; §7 "Store permanent errors").
type StoreError struct {
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	if e.Transient {
		return fmt.Sprintf("chainwork: transient store error: %v", e.Err)
	}
	return fmt.Sprintf("chainwork: store error: %v", e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or a StoreError it wraps) should be
// retried at an operation boundary rather than surfaced.
func IsTransient(err error) bool {
	var serr *StoreError
	if errors.As(err, &serr) {
		return serr.Transient
	}
	return false
}

// ErrNotFound reports a lookup that found nothing, distinct from an
// adapter failure. The Store contract's own lookups do not return it:
// they report absence as a nil result with a nil error.
var ErrNotFound = errors.New("chainwork: not found")

// ErrChainActive is returned by DeleteJobChains when a named chain is
// not terminal (§4.3 "callers must ensure the chains are terminal").
var ErrChainActive = errors.New("chainwork: chain is not terminal")

// ErrTimeout is returned by WaitForJobChainCompletion when the deadline
// elapses before the chain completes.
var ErrTimeout = errors.New("chainwork: wait timed out")

// ErrCanceled is returned by WaitForJobChainCompletion when the caller's
// cancel channel fires before the chain completes.
var ErrCanceled = errors.New("chainwork: wait canceled")
