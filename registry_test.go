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
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-quicktest/qt"
)

func stringSchema() *openapi3.Schema {
	return openapi3.NewStringSchema()
}

func TestRegistryValidateEntry(t *testing.T) {
	r := NewRegistry()
	r.Register("a", TypeDef{Entry: true})
	r.Register("b", TypeDef{Entry: false})

	_, err := r.validateEntry("a")
	qt.Assert(t, qt.IsNil(err))

	_, err = r.validateEntry("b")
	var rerr *RegistryError
	qt.Assert(t, qt.IsTrue(errors.As(err, &rerr)))
	qt.Assert(t, qt.Equals(rerr.Code, ErrNotEntry))

	_, err = r.validateEntry("missing")
	qt.Assert(t, qt.IsTrue(errors.As(err, &rerr)))
	qt.Assert(t, qt.Equals(rerr.Code, ErrUnknownType))
}

func TestRegistryParseInputValidatesSchema(t *testing.T) {
	r := NewRegistry()
	r.Register("greet", TypeDef{Entry: true, InputSchema: stringSchema()})

	_, err := r.parseInput("greet", "hello")
	qt.Assert(t, qt.IsNil(err))

	_, err = r.parseInput("greet", 42)
	var rerr *RegistryError
	qt.Assert(t, qt.IsTrue(errors.As(err, &rerr)))
	qt.Assert(t, qt.Equals(rerr.Code, ErrInvalidInput))
	qt.Assert(t, qt.IsTrue(Fatal(err) == false))
}

func TestRegistryParseOutputRequiresSchema(t *testing.T) {
	r := NewRegistry()
	r.Register("noOutput", TypeDef{Entry: true})

	_, err := r.parseOutput("noOutput", "anything")
	var rerr *RegistryError
	qt.Assert(t, qt.IsTrue(errors.As(err, &rerr)))
	qt.Assert(t, qt.Equals(rerr.Code, ErrOutputRequired))
	qt.Assert(t, qt.IsTrue(Fatal(err)))
}

func TestRegistryParseOutputInvalidIsFatal(t *testing.T) {
	r := NewRegistry()
	r.Register("strOut", TypeDef{Entry: true, OutputSchema: stringSchema()})

	_, err := r.parseOutput("strOut", 123)
	qt.Assert(t, qt.IsNotNil(err))
	qt.Assert(t, qt.IsTrue(Fatal(err)))
}

func TestRegistryValidateContinuation(t *testing.T) {
	r := NewRegistry()
	r.Register("step1", TypeDef{
		Entry:               true,
		ContinuationTargets: []ContinuationTarget{{TypeName: "step2"}},
	})
	r.Register("step2", TypeDef{InputSchema: stringSchema()})
	r.Register("other", TypeDef{InputSchema: stringSchema()})

	_, err := r.validateContinuation("step1", "step2", "ok")
	qt.Assert(t, qt.IsNil(err))

	_, err = r.validateContinuation("step1", "other", "ok")
	var rerr *RegistryError
	qt.Assert(t, qt.IsTrue(errors.As(err, &rerr)))
	qt.Assert(t, qt.Equals(rerr.Code, ErrContinuationTargetDisallowed))
	qt.Assert(t, qt.IsTrue(Fatal(err)))
}

func TestRegistryValidateContinuationByShape(t *testing.T) {
	r := NewRegistry()
	r.Register("step1", TypeDef{
		Entry:               true,
		ContinuationTargets: []ContinuationTarget{{ByShape: true}},
	})
	r.Register("anyTarget", TypeDef{InputSchema: stringSchema()})

	_, err := r.validateContinuation("step1", "anyTarget", "ok")
	qt.Assert(t, qt.IsNil(err))
}

func TestRegistryValidateBlockersEmptyIsOmitted(t *testing.T) {
	r := NewRegistry()
	r.Register("needsBlockers", TypeDef{Entry: true})

	err := r.validateBlockers("needsBlockers", nil)
	qt.Assert(t, qt.IsNil(err))
}

func TestRegistryValidateBlockersDisallowed(t *testing.T) {
	r := NewRegistry()
	r.Register("withBlockers", TypeDef{
		Entry:          true,
		BlockerTargets: []ContinuationTarget{{TypeName: "allowed"}},
	})

	err := r.validateBlockers("withBlockers", []BlockerRef{{TypeName: "notAllowed", RootChainID: "x"}})
	var rerr *RegistryError
	qt.Assert(t, qt.IsTrue(errors.As(err, &rerr)))
	qt.Assert(t, qt.Equals(rerr.Code, ErrBlockerTargetDisallowed))
}
