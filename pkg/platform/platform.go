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

// Package platform provides the kernel abstraction the core is written
// against.
//
// Each supported kernel ABI implements Kernel and registers a Constructor
// under its name. The selected kernel is looked up at boot; no code outside
// the implementing package depends on kernel-specific types.
package platform

import (
	"fmt"
	"sort"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/sync"
	"capcore.dev/capcore/pkg/untyped"
)

// FaultDelivery is how a kernel reports page faults to a pager.
type FaultDelivery uint8

const (
	// FaultIPC kernels send a LabelPageFault message to the endpoint bound
	// with Kernel.BindFaultEndpoint, and resume the thread when the pager
	// replies.
	FaultIPC FaultDelivery = iota

	// FaultSignal kernels submit the signal bound with
	// Kernel.BindFaultSignal. The pager reads the fault with
	// Kernel.FaultState and resumes the thread with Kernel.ResumeFault.
	FaultSignal
)

func (d FaultDelivery) String() string {
	switch d {
	case FaultIPC:
		return "ipc"
	case FaultSignal:
		return "signal"
	default:
		return fmt.Sprintf("delivery(%d)", uint8(d))
	}
}

// FaultInfo describes a pending page fault.
type FaultInfo struct {
	// IP is the faulting instruction pointer.
	IP hostarch.Addr

	// Addr is the faulting address.
	Addr hostarch.Addr

	// ErrorCode holds the x86 page fault error code bits.
	ErrorCode uint64
}

// FaultSignaler is notified of page faults by FaultSignal kernels.
type FaultSignaler interface {
	// Submit submits n occurrences of the event.
	Submit(n uint)
}

// Notifier is a kernel notification object: a binary semaphore that
// asynchronous events are funneled through.
type Notifier interface {
	// Signal sets the notification. Signaling a set notification has no
	// further effect.
	Signal()

	// Wait blocks until the notification is set and clears it. It returns
	// an error if the notification is destroyed.
	Wait() error
}

// AddressSpace is implemented by VSpace objects whose translations can be
// removed.
type AddressSpace interface {
	// Unmap removes the translations of every page overlapping r.
	Unmap(r hostarch.AddrRange)
}

// ThreadConfig configures a thread control block.
type ThreadConfig struct {
	// Name is used in diagnostics.
	Name string

	// CSpace is the thread's capability space.
	CSpace *capspace.CNode

	// VSpace is the thread's address space, created with kobj.VSpace. It may
	// be nil for threads that never touch user memory.
	VSpace kobj.Object

	// CPU is the thread's affinity.
	CPU int

	// IP is the thread's initial instruction pointer.
	IP hostarch.Addr
}

// Context is the system call interface of one thread.
//
// A Context must only be used by the goroutine playing that thread.
type Context interface {
	// UTCB returns the thread's UTCB.
	UTCB() *UTCB

	// Call sends the message described by tag to the endpoint named by sel
	// and blocks until the receiver replies. The reply is left in the UTCB.
	Call(sel capability.Selector, tag Tag) (Tag, error)

	// Reply sends a reply to the last caller without blocking. It returns
	// coreerr.ErrWouldBlock if there is no caller to reply to.
	Reply(tag Tag) error

	// ReplyRecv replies to the last caller if reply is non-nil and then
	// blocks for the next message on the endpoint named by sel. It returns
	// the message's tag and the kernel-verified badge of the invoked
	// capability.
	ReplyRecv(sel capability.Selector, reply *Tag) (Tag, capability.Badge, error)

	// Access performs a user memory access of the given type, blocking
	// while the resulting faults are resolved.
	Access(addr hostarch.Addr, at hostarch.AccessType) error

	// ReadMem copies user memory at addr into dst.
	ReadMem(addr hostarch.Addr, dst []byte) error

	// WriteMem copies src into user memory at addr.
	WriteMem(addr hostarch.Addr, src []byte) error

	// Destroyed returns true once the thread's TCB has been destroyed.
	Destroyed() bool

	// Halt stops the thread. It blocks until the TCB is destroyed and then
	// exits the calling goroutine. It never returns.
	Halt()
}

// Kernel is a kernel ABI.
type Kernel interface {
	// Name returns the name the kernel is registered under.
	Name() string

	// FaultDelivery returns how the kernel reports page faults.
	FaultDelivery() FaultDelivery

	// NumCPUs returns the number of CPUs.
	NumCPUs() int

	// Construct creates an object of type typ from untyped memory and
	// installs its capability at cn[idx]. param is passed to
	// kobj.Type.SizeLog2.
	Construct(cn *capspace.CNode, idx capability.Selector, typ kobj.Type, param uint) (kobj.Object, error)

	// ConfigureThread configures the TCB tcb.
	ConfigureThread(tcb kobj.Object, cfg ThreadConfig) error

	// Context returns the system call interface of the TCB tcb.
	Context(tcb kobj.Object) (Context, error)

	// BindFaultEndpoint makes b, a binding of an endpoint, the fault handler
	// of tcb. FaultIPC kernels only.
	BindFaultEndpoint(tcb kobj.Object, b capspace.Binding) error

	// BindFaultSignal makes s the fault handler of tcb. FaultSignal kernels
	// only.
	BindFaultSignal(tcb kobj.Object, s FaultSignaler) error

	// FaultState returns the pending fault of a thread stopped by a fault.
	FaultState(tcb kobj.Object) (FaultInfo, error)

	// ResumeFault installs m, if non-nil, into the address space of a thread
	// stopped by a fault and resumes it. The thread retries the access.
	ResumeFault(tcb kobj.Object, m *MapItem) error
}

// Options are passed to a Constructor.
type Options struct {
	// Memory is the untyped memory kernel objects are created from.
	Memory *untyped.Memory

	// NumCPUs is the number of CPUs to simulate or use.
	NumCPUs int
}

// Constructor represents a kernel type.
type Constructor interface {
	// New returns a new kernel instance.
	New(opts Options) (Kernel, error)

	// FaultDelivery returns how kernels of this type report faults.
	FaultDelivery() FaultDelivery
}

var (
	mu sync.Mutex
	// +checklocks:mu
	kernels = make(map[string]Constructor)
)

// Register registers a new kernel type.
//
// Register should be called from an init function.
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := kernels[name]; ok {
		panic(fmt.Sprintf("duplicate kernel registration for name %q", name))
	}
	kernels[name] = c
}

// Lookup looks up the kernel constructor by name.
func Lookup(name string) (Constructor, error) {
	mu.Lock()
	defer mu.Unlock()
	c, ok := kernels[name]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q", name)
	}
	return c, nil
}

// List lists the registered kernels, sorted by name.
func List() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
