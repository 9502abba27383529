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

package platform

import (
	"fmt"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/msgbuf"
)

// NumMessageRegisters is the number of message registers in a UTCB.
const NumMessageRegisters = 64

// MaxItems is the maximum number of capabilities transferred by one IPC.
const MaxItems = msgbuf.MaxCapsPerMsg

// Label identifies the kind of an IPC message.
type Label uint8

const (
	// LabelIPC is an ordinary message.
	LabelIPC Label = iota

	// LabelPageFault is a fault message generated by the kernel on behalf
	// of a faulting thread. Its registers hold FaultMessageAddr,
	// FaultMessageIP and FaultMessageErrorCode.
	LabelPageFault
)

func (l Label) String() string {
	switch l {
	case LabelIPC:
		return "ipc"
	case LabelPageFault:
		return "page-fault"
	default:
		return fmt.Sprintf("label(%d)", uint8(l))
	}
}

// Register layout of a LabelPageFault message.
const (
	FaultMessageAddr = iota
	FaultMessageIP
	FaultMessageErrorCode
	FaultMessageWords
)

// Tag describes a message held in a UTCB.
type Tag struct {
	// Label is the message kind.
	Label Label

	// Words is the number of valid message registers.
	Words int

	// Items is the number of capability items. On send these are
	// UTCB.SendItems; on receipt, UTCB.RecvItems.
	Items int

	// Map is a mapping for the kernel to install. It is honored only in the
	// reply to a LabelPageFault message.
	Map *MapItem
}

// ItemKind is how a transferred capability arrived.
type ItemKind uint8

const (
	// ItemNone means the transfer of the capability failed.
	ItemNone ItemKind = iota

	// ItemDelegated means the capability was copied into the receive window
	// slot named by ReceivedItem.Selector.
	ItemDelegated

	// ItemUnwrapped means the capability named the endpoint the receiver
	// waited on; only its badge is reported.
	ItemUnwrapped
)

func (k ItemKind) String() string {
	switch k {
	case ItemNone:
		return "none"
	case ItemDelegated:
		return "delegated"
	case ItemUnwrapped:
		return "unwrapped"
	default:
		return fmt.Sprintf("item(%d)", uint8(k))
	}
}

// ReceivedItem is the kernel's report about one transferred capability.
type ReceivedItem struct {
	Kind ItemKind

	// Badge is the badge of the transferred capability as known to the
	// kernel.
	Badge capability.Badge

	// Selector is the receive window slot now holding the capability, for
	// ItemDelegated.
	Selector capability.Selector
}

// UTCB is the per-thread area shared with the kernel for IPC.
//
// The message registers are overwritten by every IPC the thread performs,
// including nested ones.
type UTCB struct {
	MR [NumMessageRegisters]uint64

	// SendItems are selectors, in the sender's capability space, of the
	// capabilities to transfer.
	SendItems [MaxItems]capability.Selector

	// RecvWindow are empty slots, in the receiver's capability space, that
	// delegated capabilities are copied into, in order. Consumed slots are
	// set to capability.InvalidSelector by the kernel.
	RecvWindow [MaxItems]capability.Selector

	// RecvItems report the capabilities transferred by the last receive.
	RecvItems [MaxItems]ReceivedItem
}

// NewUTCB returns a UTCB with an empty receive window.
func NewUTCB() *UTCB {
	u := &UTCB{}
	for i := range u.RecvWindow {
		u.RecvWindow[i] = capability.InvalidSelector
		u.SendItems[i] = capability.InvalidSelector
	}
	return u
}

// MapItem is a flexpage: a naturally aligned range of physical memory to be
// mapped at Virt.
type MapItem struct {
	Phys     hostarch.Addr
	Virt     hostarch.Addr
	SizeLog2 uint
	Access   hostarch.AccessType
	Memory   hostarch.MemoryType
}

// String implements fmt.Stringer.
func (m MapItem) String() string {
	return fmt.Sprintf("map{%v -> %v 2^%d %v %v}", m.Phys, m.Virt, m.SizeLog2, m.Access, m.Memory)
}
