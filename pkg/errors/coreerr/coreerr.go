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

// Package coreerr contains the error instances reported by the core.
package coreerr

import (
	"capcore.dev/capcore/pkg/errors"
)

// Resource exhaustion. These are returned to the caller that requested the
// allocation and must never affect unrelated clients.
var (
	ErrOutOfCapSlots = errors.New(errors.Exhausted, "out of capability slots")
	ErrOutOfUntyped  = errors.New(errors.Exhausted, "out of untyped memory")
	ErrCapSpaceFull  = errors.New(errors.Exhausted, "maximum capability-space size reached")
	ErrQuotaExceeded = errors.New(errors.Exhausted, "session quota exceeded")
)

// Capability-space misuse.
var (
	ErrSlotEmpty     = errors.New(errors.InvalidArgument, "capability slot is empty")
	ErrSlotOccupied  = errors.New(errors.InvalidArgument, "capability slot is occupied")
	ErrBadIndex      = errors.New(errors.InvalidArgument, "capability index out of range")
	ErrAlreadyBadged = errors.New(errors.InvalidArgument, "capability is already badged")
	ErrBadBadge      = errors.New(errors.InvalidArgument, "badge value is reserved")
	ErrRetype        = errors.New(errors.InvalidArgument, "memory cannot be retyped into the requested object")
	ErrWrongType     = errors.New(errors.InvalidArgument, "capability names an object of the wrong type")
	ErrNotPrivileged = errors.New(errors.Denied, "operation requires the core minting authority")
)

// IPC and protocol failures.
var (
	ErrInvalidCapability = errors.New(errors.InvalidCapability, "invalid capability")
	ErrMalformedMessage  = errors.New(errors.Protocol, "malformed message")
	ErrInvalidOpcode     = errors.New(errors.Protocol, "object does not implement the opcode")
	ErrForgedBadge       = errors.New(errors.Security, "badge does not match invoked capability")
	ErrIPCFailed         = errors.New(errors.IPC, "kernel IPC failed")
	ErrWouldBlock        = errors.New(errors.IPC, "no receiver is waiting")
	ErrDead              = errors.New(errors.Dead, "object destroyed")
	ErrCancelled         = errors.New(errors.Dead, "operation cancelled by destruction")
)

// Paging.
var (
	ErrBadMapping  = errors.New(errors.InvalidArgument, "mapping has unsupported size or alignment")
	ErrNoPager     = errors.New(errors.InvalidArgument, "no pager registered")
	ErrPagerExists = errors.New(errors.InvalidArgument, "pager already registered")
	ErrNoFault     = errors.New(errors.InvalidArgument, "thread has no pending fault")
)
