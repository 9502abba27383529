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

// Package kobj describes the kernel objects that can be created from untyped
// memory and the reference count that keeps them alive.
package kobj

import (
	"fmt"
)

// Type is a kernel object type.
type Type uint8

// Kernel object types.
const (
	Untyped Type = iota
	TCB
	Endpoint
	Notification
	CNode
	Frame
	HugeFrame
	VSpace
)

// CNodeSlotSizeLog2 is the size of one capability slot.
const CNodeSlotSizeLog2 = 5

// SizeLog2 returns the size of the untyped quantum consumed by an object of
// type t. param is the object size for Untyped and the number of slots
// (log2) for CNode; it is ignored for fixed-size types.
func (t Type) SizeLog2(param uint) uint {
	switch t {
	case Untyped:
		return param
	case TCB:
		return 11
	case Endpoint:
		return 4
	case Notification:
		return 5
	case CNode:
		return CNodeSlotSizeLog2 + param
	case Frame, VSpace:
		return 12
	case HugeFrame:
		return 21
	default:
		panic(fmt.Sprintf("unknown kernel object type %d", t))
	}
}

func (t Type) String() string {
	switch t {
	case Untyped:
		return "untyped"
	case TCB:
		return "tcb"
	case Endpoint:
		return "endpoint"
	case Notification:
		return "notification"
	case CNode:
		return "cnode"
	case Frame:
		return "frame"
	case HugeFrame:
		return "huge-frame"
	case VSpace:
		return "vspace"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Object is a kernel object that a capability slot can bind.
//
// Every capability slot binding an object holds one reference; the object is
// destroyed when the last binding is removed.
type Object interface {
	// Type returns the object's type.
	Type() Type

	// ObjectRefs returns the object's reference count.
	ObjectRefs() *Refs
}
