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

// Package errors holds the standardized error definition for the core.
//
// Every failure the core reports to a caller is an *Error carrying a Kind.
// The kinds mirror how a failure must be handled: protocol and security
// errors are swallowed where they are detected, exhaustion is returned to the
// one client that asked, and so on. See package coreerr for the instances.
package errors

import (
	stderrors "errors"
)

// Kind classifies an Error by its handling policy.
type Kind uint8

const (
	// Protocol errors are malformed messages. The message is truncated or
	// dropped with a diagnostic.
	Protocol Kind = iota + 1

	// Security errors are badge mismatches and forged arguments. The request
	// is discarded without telling the caller.
	Security

	// Exhausted errors report that a resource (capability slots, untyped
	// memory, quota) ran out. They are returned to the requester only.
	Exhausted

	// InvalidCapability errors report use of a selector that does not name
	// a live capability.
	InvalidCapability

	// IPC errors are reported by the kernel IPC primitives.
	IPC

	// InvalidArgument errors are ordinary precondition violations.
	InvalidArgument

	// Denied errors report a privileged operation attempted without the
	// required authority.
	Denied

	// Dead errors report that the peer or the object itself was destroyed.
	Dead
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Security:
		return "security"
	case Exhausted:
		return "exhausted"
	case InvalidCapability:
		return "invalid-capability"
	case IPC:
		return "ipc"
	case InvalidArgument:
		return "invalid-argument"
	case Denied:
		return "denied"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Error represents a classified failure with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the handling class of e.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.kind, true
	}
	return 0, false
}

// IsExhausted returns true if err reports resource exhaustion.
func IsExhausted(err error) bool {
	k, ok := KindOf(err)
	return ok && k == Exhausted
}

// IsDead returns true if err reports a destroyed peer or object.
func IsDead(err error) bool {
	k, ok := KindOf(err)
	return ok && k == Dead
}
