// Copyright 2024 The capcore Authors.
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

// Package pager resolves the page faults of threads.
//
// A faulting thread is stopped by the kernel until its pager object replies
// with a mapping. Faults reach the pager entrypoint as IPC messages on kernels
// that have them, and as a signal plus a fault-state read on kernels that do
// not; IpcPager hides the difference from resolvers.
package pager

import (
	"fmt"
)

// Bits of an x86 page-fault error code.
const (
	ErrorPresent = 1 << 0
	ErrorWrite   = 1 << 1
	ErrorUser    = 1 << 2
	ErrorFetch   = 1 << 4
)

// FaultType classifies a page fault.
type FaultType uint8

const (
	// FaultUnknown is a fault on a present page that is neither a write nor
	// an instruction fetch.
	FaultUnknown FaultType = iota

	// FaultPageMissing is the first access to an unmapped page.
	FaultPageMissing

	// FaultWrite is a write access.
	FaultWrite

	// FaultExec is an instruction fetch from a present page.
	FaultExec
)

func (t FaultType) String() string {
	switch t {
	case FaultUnknown:
		return "unknown"
	case FaultPageMissing:
		return "page-missing"
	case FaultWrite:
		return "write"
	case FaultExec:
		return "exec"
	default:
		return fmt.Sprintf("fault(%d)", uint8(t))
	}
}

// Classify returns the type of a fault with the given error code.
//
// The write bit is checked first, then the present bit, then the fetch bit.
// The order is significant for codes with several bits set.
func Classify(code uint64) FaultType {
	switch {
	case code&ErrorWrite != 0:
		return FaultWrite
	case code&ErrorPresent == 0:
		return FaultPageMissing
	case code&ErrorFetch != 0:
		return FaultExec
	default:
		return FaultUnknown
	}
}
