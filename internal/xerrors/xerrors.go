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

// Package xerrors holds the error-text truncation helper the core
// engine's worker applies to persisted last-attempt errors.
package xerrors

// MaxErrorLen is the cap applied to persisted last-attempt error text
// (§7: "truncated to a reasonable size (<= 8 KiB)").
const MaxErrorLen = 8 * 1024

// Truncate caps s to MaxErrorLen bytes, appending a marker if it cut
// anything off.
func Truncate(s string) string {
	if len(s) <= MaxErrorLen {
		return s
	}
	const marker = "...(truncated)"
	cut := MaxErrorLen - len(marker)
	if cut < 0 {
		cut = 0
	}
	return s[:cut] + marker
}
