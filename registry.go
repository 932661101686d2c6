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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// ContinuationTarget names a job type a handler is permitted to continue
// into, either nominally by type name or structurally by whatever input
// shape the target type's input schema accepts.
type ContinuationTarget struct {
	TypeName string
	// ByShape, if true, permits continuing into any type whose input
	// schema validates the continuation's input, regardless of name.
	ByShape bool
}

// TypeDef describes one job type, the registry's unit of validation
// (§4.1, §9 "Registry polymorphism").
type TypeDef struct {
	// Entry marks a type that chains may be started with.
	Entry bool

	// InputSchema validates (and the validated value normalizes) a job's
	// input payload. Nil means "accept any JSON value".
	InputSchema *openapi3.Schema

	// OutputSchema validates a handler's terminal output. Nil means the
	// type must always continue (§4.1 OUTPUT_REQUIRED).
	OutputSchema *openapi3.Schema

	// ContinuationTargets lists the types a handler for this type may
	// continue into. Empty means continuation is unsupported.
	ContinuationTargets []ContinuationTarget

	// BlockerTargets lists the types of the chains that a chain of this
	// type may be blocked on through StartBlockers. Empty means chains of
	// this type may not have blockers at all.
	BlockerTargets []ContinuationTarget
}

// Registry is a process-wide, read-only-after-construction mapping from
// type name to TypeDef (§3 "Registry").
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeDef
}

// NewRegistry creates an empty registry. Register types before
// constructing a Client or Worker against it; registries are safe for
// concurrent read-only use once construction is done.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]TypeDef)}
}

// Register adds or replaces a type definition. Intended to be called
// during process startup, before any chain is started.
func (r *Registry) Register(typeName string, def TypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[typeName] = def
}

func (r *Registry) lookup(typeName string) (TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[typeName]
	return def, ok
}

// validateEntry verifies typeName names a registered entry type (§4.1).
func (r *Registry) validateEntry(typeName string) (TypeDef, error) {
	def, ok := r.lookup(typeName)
	if !ok {
		return TypeDef{}, &RegistryError{Code: ErrUnknownType, TypeName: typeName, Detail: "type is not registered"}
	}
	if !def.Entry {
		return TypeDef{}, &RegistryError{Code: ErrNotEntry, TypeName: typeName, Detail: "type is not an entry type"}
	}
	return def, nil
}

// parseInput normalizes and validates value against typeName's input
// schema, returning the normalized JSON.
func (r *Registry) parseInput(typeName string, value any) (json.RawMessage, error) {
	def, ok := r.lookup(typeName)
	if !ok {
		return nil, &RegistryError{Code: ErrUnknownType, TypeName: typeName, Detail: "type is not registered"}
	}
	return validateAgainst(typeName, def.InputSchema, value, ErrInvalidInput)
}

// parseOutput normalizes and validates a handler's terminal output
// against typeName's output schema. A type with no output schema must
// always continue, so passing a value here is itself an error.
func (r *Registry) parseOutput(typeName string, value any) (json.RawMessage, error) {
	def, ok := r.lookup(typeName)
	if !ok {
		return nil, &RegistryError{Code: ErrUnknownType, TypeName: typeName, Detail: "type is not registered"}
	}
	if def.OutputSchema == nil {
		return nil, &RegistryError{Code: ErrOutputRequired, TypeName: typeName, Detail: "type has no output schema and must continue"}
	}
	return validateAgainst(typeName, def.OutputSchema, value, ErrInvalidOutput)
}

// validateContinuation checks that typeName's handler may continue into
// targetTypeName with the given input.
func (r *Registry) validateContinuation(typeName, targetTypeName string, targetInput any) (json.RawMessage, error) {
	def, ok := r.lookup(typeName)
	if !ok {
		return nil, &RegistryError{Code: ErrUnknownType, TypeName: typeName, Detail: "type is not registered"}
	}
	if len(def.ContinuationTargets) == 0 {
		return nil, &RegistryError{Code: ErrContinuationUnsupported, TypeName: typeName, Detail: "type does not support continuations"}
	}
	targetDef, ok := r.lookup(targetTypeName)
	if !ok {
		return nil, &RegistryError{Code: ErrUnknownType, TypeName: targetTypeName, Detail: "continuation target is not registered"}
	}

	normalized, err := validateAgainst(targetTypeName, targetDef.InputSchema, targetInput, ErrInvalidInput)
	if err != nil {
		return nil, err
	}

	for _, target := range def.ContinuationTargets {
		if target.ByShape {
			// Structural match: any target whose input schema accepts
			// this input is permitted, regardless of name.
			return normalized, nil
		}
		if target.TypeName == targetTypeName {
			return normalized, nil
		}
	}
	return nil, &RegistryError{
		Code:     ErrContinuationTargetDisallowed,
		TypeName: typeName,
		Detail:   fmt.Sprintf("continuation into %q is not a permitted target", targetTypeName),
	}
}

// validateBlockers checks that typeName's startBlockers handle may
// reference each of refs as a blocker.
func (r *Registry) validateBlockers(typeName string, refs []BlockerRef) error {
	def, ok := r.lookup(typeName)
	if !ok {
		return &RegistryError{Code: ErrUnknownType, TypeName: typeName, Detail: "type is not registered"}
	}
	if len(refs) == 0 {
		// §9(c): zero blockers is treated as if the option were omitted.
		return nil
	}
	if len(def.BlockerTargets) == 0 {
		return &RegistryError{Code: ErrBlockersUnsupported, TypeName: typeName, Detail: "type does not support blockers"}
	}
	for _, ref := range refs {
		allowed := false
		for _, target := range def.BlockerTargets {
			if target.TypeName == ref.TypeName {
				allowed = true
				break
			}
		}
		if !allowed {
			return &RegistryError{
				Code:     ErrBlockerTargetDisallowed,
				TypeName: typeName,
				Detail:   fmt.Sprintf("blocker of type %q is not permitted", ref.TypeName),
			}
		}
	}
	return nil
}

func validateAgainst(typeName string, schema *openapi3.Schema, value any, onFail RegistryErrorCode) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &RegistryError{Code: onFail, TypeName: typeName, Detail: "value is not JSON-serializable: " + err.Error()}
	}
	if schema == nil {
		return raw, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &RegistryError{Code: onFail, TypeName: typeName, Detail: "value is not JSON-serializable: " + err.Error()}
	}
	if err := schema.VisitJSON(decoded); err != nil {
		return nil, &RegistryError{Code: onFail, TypeName: typeName, Detail: err.Error()}
	}
	return raw, nil
}
